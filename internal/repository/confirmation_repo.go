package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const keyConfirmationToken = "admin:confirm:%s"

// ConfirmationRepository stores issued single-use confirmation tokens.
type ConfirmationRepository interface {
	Save(ctx context.Context, token, binding string, ttl time.Duration) error
	// Consume deletes the token and returns the binding it was issued for.
	Consume(ctx context.Context, token string) (string, bool, error)
}

type confirmationRepo struct {
	client *redis.Client
}

// NewConfirmationRepo creates a redis-backed ConfirmationRepository.
func NewConfirmationRepo(client *redis.Client) ConfirmationRepository {
	return &confirmationRepo{client: client}
}

func (r *confirmationRepo) Save(ctx context.Context, token, binding string, ttl time.Duration) error {
	if err := r.client.Set(ctx, fmt.Sprintf(keyConfirmationToken, token), binding, ttl).Err(); err != nil {
		return fmt.Errorf("store confirmation token: %w", err)
	}
	return nil
}

func (r *confirmationRepo) Consume(ctx context.Context, token string) (string, bool, error) {
	binding, err := r.client.GetDel(ctx, fmt.Sprintf(keyConfirmationToken, token)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("consume confirmation token: %w", err)
	}
	return binding, true, nil
}

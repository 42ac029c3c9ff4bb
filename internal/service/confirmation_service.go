package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"controlplane/internal/repository"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrConfirmationRequired means a mutating request carried no confirmation token.
	ErrConfirmationRequired = errors.New("confirmation required")
	// ErrConfirmationInvalid means the token is unknown, expired, already used, or was
	// issued for a different operation.
	ErrConfirmationInvalid = errors.New("confirmation token invalid or expired")
	// ErrConfirmationUnavailable means strict mode is requested but no token store exists.
	ErrConfirmationUnavailable = errors.New("confirmation tokens are not enabled")
)

// Confirmation is an issued single-use token.
type Confirmation struct {
	Token     string    `json:"token"`
	Action    string    `json:"action"`
	UserIDs   []int64   `json:"userIds"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ConfirmationService gates destructive admin operations. In presence mode any non-empty
// token passes. In strict mode the token must have been issued to the same principal for
// the same action and targets, and is consumed on first use.
type ConfirmationService struct {
	strict bool
	repo   repository.ConfirmationRepository
	ttl    time.Duration
	now    func() time.Time
	logger zerolog.Logger
}

// NewConfirmationService creates a ConfirmationService. repo may be nil when strict is false.
func NewConfirmationService(strict bool, repo repository.ConfirmationRepository, ttl time.Duration, logger zerolog.Logger) *ConfirmationService {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ConfirmationService{
		strict: strict,
		repo:   repo,
		ttl:    ttl,
		now:    time.Now,
		logger: logger.With().Str("service", "ConfirmationService").Logger(),
	}
}

// Strict reports whether tokens must be issued before use.
func (s *ConfirmationService) Strict() bool {
	return s.strict
}

// Issue creates a token bound to subject, action and the target ids.
func (s *ConfirmationService) Issue(ctx context.Context, subject, action string, ids []int64) (*Confirmation, error) {
	if !s.strict || s.repo == nil {
		return nil, ErrConfirmationUnavailable
	}
	token := uuid.NewString()
	if err := s.repo.Save(ctx, token, confirmationBinding(subject, action, ids), s.ttl); err != nil {
		return nil, err
	}
	s.logger.Info().Str("subject", subject).Str("action", action).Int("targets", len(ids)).Msg("Confirmation token issued")
	return &Confirmation{
		Token:     token,
		Action:    action,
		UserIDs:   normalizeIDs(ids),
		ExpiresAt: s.now().Add(s.ttl),
	}, nil
}

// Verify checks token for the given operation.
func (s *ConfirmationService) Verify(ctx context.Context, token, subject, action string, ids []int64) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrConfirmationRequired
	}
	if !s.strict {
		return nil
	}
	if s.repo == nil {
		return ErrConfirmationUnavailable
	}

	binding, found, err := s.repo.Consume(ctx, token)
	if err != nil {
		return err
	}
	if !found {
		return ErrConfirmationInvalid
	}
	if binding != confirmationBinding(subject, action, ids) {
		s.logger.Warn().Str("subject", subject).Str("action", action).Msg("Confirmation token used for a different operation")
		return ErrConfirmationInvalid
	}
	return nil
}

func confirmationBinding(subject, action string, ids []int64) string {
	norm := normalizeIDs(ids)
	parts := make([]string, len(norm))
	for i, id := range norm {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return fmt.Sprintf("%s|%s|%s", subject, strings.ToLower(action), strings.Join(parts, ","))
}

func normalizeIDs(ids []int64) []int64 {
	out := dedupeIDs(ids)
	slices.Sort(out)
	return out
}

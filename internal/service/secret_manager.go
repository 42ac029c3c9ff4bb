package service

import (
	"context"
	"fmt"
	"strings"

	"controlplane/internal/config"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/option"
)

const secretRefPrefix = "sm://"

// IsSecretRef reports whether v names a Secret Manager secret rather than a literal value.
func IsSecretRef(v string) bool {
	return strings.HasPrefix(v, secretRefPrefix) && len(v) > len(secretRefPrefix)
}

// SecretAccessor is the subset of the Secret Manager client used to resolve references.
type SecretAccessor interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
}

// SecretResolver turns sm://name references into the latest secret version's payload.
type SecretResolver struct {
	client    SecretAccessor
	projectID string
	closeFn   func() error
}

// NewSecretResolver dials Secret Manager for projectID.
func NewSecretResolver(ctx context.Context, projectID string, opts ...option.ClientOption) (*SecretResolver, error) {
	if projectID == "" {
		return nil, fmt.Errorf("secrets project id is not set")
	}
	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Secret Manager client: %w", err)
	}
	return &SecretResolver{client: client, projectID: projectID, closeFn: client.Close}, nil
}

// NewSecretResolverWithClient wraps an existing accessor.
func NewSecretResolverWithClient(client SecretAccessor, projectID string) *SecretResolver {
	return &SecretResolver{client: client, projectID: projectID}
}

// Resolve returns v unchanged unless it is a secret reference.
func (r *SecretResolver) Resolve(ctx context.Context, v string) (string, error) {
	if !IsSecretRef(v) {
		return v, nil
	}
	name := strings.TrimPrefix(v, secretRefPrefix)
	resourceName := name
	if !strings.HasPrefix(name, "projects/") {
		resourceName = fmt.Sprintf("projects/%s/secrets/%s/versions/latest", r.projectID, name)
	}

	result, err := r.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: resourceName,
	})
	if err != nil {
		return "", fmt.Errorf("failed to access secret %s: %w", name, err)
	}
	return strings.TrimSpace(string(result.GetPayload().GetData())), nil
}

// ResolveAll resolves every pointed-to string in place.
func (r *SecretResolver) ResolveAll(ctx context.Context, targets ...*string) error {
	for _, t := range targets {
		v, err := r.Resolve(ctx, *t)
		if err != nil {
			return err
		}
		*t = v
	}
	return nil
}

func (r *SecretResolver) Close() error {
	if r.closeFn == nil {
		return nil
	}
	return r.closeFn()
}

// ResolveConfigSecrets replaces sm:// references in the secret-valued config keys. It dials
// Secret Manager only when at least one reference is present.
func ResolveConfigSecrets(ctx context.Context, cfg *config.Config) error {
	targets := []*string{
		&cfg.DBConnectionString,
		&cfg.StripeSecretKey,
		&cfg.StripeWebhookSecret,
		&cfg.IdentitySecretKey,
		&cfg.IdentityJWTKey,
		&cfg.RedisPassword,
		&cfg.S3SecretKey,
	}
	needed := false
	for _, t := range targets {
		if IsSecretRef(*t) {
			needed = true
			break
		}
	}
	if !needed {
		return nil
	}

	resolver, err := NewSecretResolver(ctx, cfg.SecretsProjectID)
	if err != nil {
		return err
	}
	defer resolver.Close()
	return resolver.ResolveAll(ctx, targets...)
}

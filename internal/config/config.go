package config

import (
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const (
	ConfirmationModePresence = "presence"
	ConfirmationModeStrict   = "strict"
)

type Config struct {
	Port        string `envconfig:"PORT" default:"8080"`
	Environment string `envconfig:"ENV" default:"production"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	DBConnectionString string `envconfig:"DB_CONNECTION_STRING" required:"true"`
	RunMigrations      bool   `envconfig:"RUN_MIGRATIONS" default:"false"`

	// Billing provider
	StripeSecretKey     string `envconfig:"STRIPE_SECRET_KEY" required:"true"`
	StripeWebhookSecret string `envconfig:"STRIPE_WEBHOOK_SECRET" required:"true"`

	// Identity provider backend API
	IdentityAPIURL    string `envconfig:"IDENTITY_API_URL" required:"true"`
	IdentitySecretKey string `envconfig:"IDENTITY_SECRET_KEY" required:"true"`
	// HMAC secret or PEM-encoded public key used to verify session tokens
	IdentityJWTKey string `envconfig:"IDENTITY_JWT_KEY" required:"true"`

	// Admin access
	AdminEmails         []string `envconfig:"ADMIN_EMAILS"`
	ConfirmationMode    string   `envconfig:"CONFIRMATION_MODE" default:"presence"`
	ConfirmationTTLSec  int      `envconfig:"CONFIRMATION_TTL_SEC" default:"300"`
	RedisAddr           string   `envconfig:"REDIS_ADDR"`
	RedisPassword       string   `envconfig:"REDIS_PASSWORD"`
	RedisDB             int      `envconfig:"REDIS_DB" default:"0"`
	UnlinkedEventsLimit int      `envconfig:"UNLINKED_EVENTS_LIMIT" default:"100"`

	// Tier change notifications
	PubSubProjectID string `envconfig:"PUBSUB_PROJECT_ID"`
	PubSubTierTopic string `envconfig:"PUBSUB_TIER_TOPIC"`

	// Google Secret Manager project used to resolve sm:// references
	SecretsProjectID string `envconfig:"SECRETS_PROJECT_ID"`

	// Reconciliation sweep report archive
	ReconcileReportBucket string `envconfig:"RECONCILE_REPORT_BUCKET"`
	S3URL                 string `envconfig:"S3_URL"`
	S3Region              string `envconfig:"S3_REGION" default:"us-east-1"`
	S3AccessKey           string `envconfig:"S3_ACCESS_KEY"`
	S3SecretKey           string `envconfig:"S3_SECRET_KEY"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// AdminAllowlist returns the configured admin emails as a normalized set.
func (c *Config) AdminAllowlist() map[string]struct{} {
	return ParseAllowlist(c.AdminEmails)
}

// ParseAllowlist lowercases and trims every entry, dropping blanks.
func ParseAllowlist(emails []string) map[string]struct{} {
	allow := make(map[string]struct{}, len(emails))
	for _, e := range emails {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		allow[e] = struct{}{}
	}
	return allow
}

// StrictConfirmation reports whether mutating admin routes require issued, single-use tokens.
func (c *Config) StrictConfirmation() bool {
	return strings.EqualFold(strings.TrimSpace(c.ConfirmationMode), ConfirmationModeStrict)
}

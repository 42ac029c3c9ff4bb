package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"controlplane/internal/api/v1/response"
	"controlplane/internal/identity"
	"controlplane/internal/metrics"
	"controlplane/internal/model"

	"github.com/rs/zerolog"
)

type contextKey string

const principalContextKey = contextKey("admin_principal")

// Authorization stage failures, in pipeline order.
var (
	ErrMissingCredential = errors.New("missing or malformed bearer credential")
	ErrInvalidSession    = errors.New("invalid or expired session")
	ErrNotAllowlisted    = errors.New("account is not on the admin allowlist")
	ErrNotAdminTier      = errors.New("account does not hold the admin tier")
)

// Principal is the admin a request was authorized for.
type Principal struct {
	UserID      int64
	IdentityRef string
	Email       string
}

// ResponseUser converts p for the response envelope. A nil Principal yields nil.
func (p *Principal) ResponseUser() *response.AuthenticatedUser {
	if p == nil {
		return nil
	}
	return &response.AuthenticatedUser{ID: p.UserID, Email: p.Email}
}

// PrincipalFromContext returns the Principal set by AdminAuth.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(*Principal)
	return p, ok && p != nil
}

// WithPrincipal returns ctx carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// SessionVerifier resolves a bearer credential to a live session.
type SessionVerifier interface {
	VerifySession(ctx context.Context, token string) (*identity.Session, error)
}

// AdminLookup finds the canonical record behind a session.
type AdminLookup interface {
	GetByIdentityRef(ctx context.Context, identityRef string) (*model.User, bool, error)
}

// AdminAuthConfig holds the collaborators of the admin authorization pipeline.
type AdminAuthConfig struct {
	Sessions  SessionVerifier
	Users     AdminLookup
	Allowlist map[string]struct{}
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
}

// AdminAuth runs every request through four ordered checks: bearer credential present,
// session live, email allowlisted, stored tier admin. The first failing check answers.
func AdminAuth(cfg AdminAuthConfig) func(http.Handler) http.Handler {
	logger := cfg.Logger.With().Str("middleware", "AdminAuth").Logger()

	deny := func(w http.ResponseWriter, status int, stage string, err error) {
		cfg.Metrics.AuthDeniedTotal.WithLabelValues(stage).Inc()
		code := "UNAUTHORIZED"
		if status == http.StatusForbidden {
			code = "FORBIDDEN"
		}
		response.Error(w, status, code, err.Error(), nil, nil)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				logger.Debug().Str("path", r.URL.Path).Msg("Admin request without bearer credential")
				deny(w, http.StatusUnauthorized, "credential", ErrMissingCredential)
				return
			}

			sess, err := cfg.Sessions.VerifySession(ctx, token)
			if errors.Is(err, identity.ErrInvalidSession) {
				logger.Warn().Err(err).Str("path", r.URL.Path).Msg("Admin session rejected")
				deny(w, http.StatusUnauthorized, "session", ErrInvalidSession)
				return
			}
			if err != nil {
				logger.Error().Err(err).Str("path", r.URL.Path).Msg("Failed to verify admin session")
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to verify session", nil, nil)
				return
			}

			email := strings.ToLower(strings.TrimSpace(sess.Email))
			if _, ok := cfg.Allowlist[email]; !ok || email == "" {
				logger.Warn().
					Str("identity_ref", sess.IdentityRef).
					Str("email", sess.Email).
					Str("path", r.URL.Path).
					Msg("Admin access denied: email not on allowlist")
				deny(w, http.StatusForbidden, "allowlist", ErrNotAllowlisted)
				return
			}

			u, found, err := cfg.Users.GetByIdentityRef(ctx, sess.IdentityRef)
			if err != nil {
				logger.Error().Err(err).Str("identity_ref", sess.IdentityRef).Msg("Failed to load admin record")
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load account", nil, nil)
				return
			}
			if !found || u.Tier != model.TierAdmin {
				ev := logger.Warn().
					Str("identity_ref", sess.IdentityRef).
					Str("email", sess.Email).
					Str("path", r.URL.Path).
					Bool("record_found", found)
				if found {
					ev = ev.Int64("user_id", u.ID).Str("tier", string(u.Tier))
				}
				ev.Msg("Admin access denied: stored tier is not admin")
				deny(w, http.StatusForbidden, "tier", ErrNotAdminTier)
				return
			}

			p := &Principal{UserID: u.ID, IdentityRef: sess.IdentityRef, Email: email}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(ctx, p)))
		})
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", false
	}
	return token, true
}

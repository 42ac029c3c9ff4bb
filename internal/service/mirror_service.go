package service

import (
	"context"
	"fmt"

	"controlplane/internal/identity"
	"controlplane/internal/metrics"
	"controlplane/internal/model"

	"github.com/rs/zerolog"
)

// MirrorService propagates canonical record changes into the identity provider.
// Every write is best effort: failures are logged and returned, never rolled back.
type MirrorService struct {
	idp     identity.Provider
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewMirrorService creates a MirrorService with a scoped logger.
func NewMirrorService(idp identity.Provider, m *metrics.Metrics, logger zerolog.Logger) *MirrorService {
	return &MirrorService{
		idp:     idp,
		metrics: m,
		logger:  logger.With().Str("service", "MirrorService").Logger(),
	}
}

// SyncRole writes the record's tier into the provider's public metadata.
func (s *MirrorService) SyncRole(ctx context.Context, u *model.User) error {
	if u.IdentityRef == nil || *u.IdentityRef == "" {
		s.logger.Warn().Int64("user_id", u.ID).Msg("User has no identity ref; skipping role mirror")
		return nil
	}
	if err := s.idp.SetRole(ctx, *u.IdentityRef, string(u.Tier)); err != nil {
		s.fail("set_role", u, err)
		return fmt.Errorf("mirror role for user %d: %w", u.ID, err)
	}
	s.logger.Debug().Int64("user_id", u.ID).Str("tier", string(u.Tier)).Msg("Role mirrored to identity provider")
	return nil
}

// SetSuspended bans or unbans the provider account to match account_status.
func (s *MirrorService) SetSuspended(ctx context.Context, u *model.User, suspended bool) error {
	if u.IdentityRef == nil || *u.IdentityRef == "" {
		return nil
	}
	op, call := "unban", s.idp.UnbanUser
	if suspended {
		op, call = "ban", s.idp.BanUser
	}
	if err := call(ctx, *u.IdentityRef); err != nil {
		s.fail(op, u, err)
		return fmt.Errorf("mirror %s for user %d: %w", op, u.ID, err)
	}
	return nil
}

// Delete removes the provider account behind a deleted record.
func (s *MirrorService) Delete(ctx context.Context, u *model.User) error {
	if u.IdentityRef == nil || *u.IdentityRef == "" {
		return nil
	}
	if err := s.idp.DeleteUser(ctx, *u.IdentityRef); err != nil {
		s.fail("delete", u, err)
		return fmt.Errorf("delete identity for user %d: %w", u.ID, err)
	}
	return nil
}

func (s *MirrorService) fail(op string, u *model.User, err error) {
	s.metrics.MirrorSyncFailuresTotal.WithLabelValues(op).Inc()
	ev := s.logger.Error().Err(err).Str("operation", op).Int64("user_id", u.ID)
	if u.IdentityRef != nil {
		ev = ev.Str("identity_ref", *u.IdentityRef)
	}
	ev.Msg("Identity provider mirror write failed; canonical record kept")
}

package service

import (
	"context"
	"errors"
	"time"

	"controlplane/internal/identity"
	"controlplane/internal/metrics"
	"controlplane/internal/model"
	"controlplane/internal/repository"

	"github.com/rs/zerolog"
)

const defaultReconcileBatch = 200

// ReconcileOptions controls one sweep.
type ReconcileOptions struct {
	DryRun    bool
	BatchSize int
}

// DriftEntry is one record whose mirrored role disagreed with its canonical tier.
type DriftEntry struct {
	UserID       int64      `json:"userId"`
	IdentityRef  string     `json:"identityRef"`
	Tier         model.Tier `json:"tier"`
	MirroredRole string     `json:"mirroredRole"`
	Repaired     bool       `json:"repaired"`
	Error        string     `json:"error,omitempty"`
}

// ReconcileReport summarizes a sweep.
type ReconcileReport struct {
	StartedAt       time.Time    `json:"startedAt"`
	FinishedAt      time.Time    `json:"finishedAt"`
	DryRun          bool         `json:"dryRun"`
	Scanned         int          `json:"scanned"`
	SkippedNoRef    int          `json:"skippedNoIdentityRef"`
	InSync          int          `json:"inSync"`
	Drifted         int          `json:"drifted"`
	Repaired        int          `json:"repaired"`
	MissingIdentity int          `json:"missingIdentity"`
	Errors          int          `json:"errors"`
	Drift           []DriftEntry `json:"drift"`
}

// ReconcileService compares canonical tiers against identity-provider roles and rewrites
// divergent mirrors.
type ReconcileService struct {
	users   repository.UserRepository
	idp     identity.Provider
	mirror  *MirrorService
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

// NewReconcileService creates a ReconcileService with a scoped logger.
func NewReconcileService(users repository.UserRepository, idp identity.Provider, mirror *MirrorService, m *metrics.Metrics, logger zerolog.Logger) *ReconcileService {
	return &ReconcileService{
		users:   users,
		idp:     idp,
		mirror:  mirror,
		metrics: m,
		logger:  logger.With().Str("service", "ReconcileService").Logger(),
		now:     time.Now,
	}
}

// Run pages through every record in id order. It stops early only on store errors or
// context cancellation; per-record provider failures are counted and reported.
func (s *ReconcileService) Run(ctx context.Context, opts ReconcileOptions) (*ReconcileReport, error) {
	batch := opts.BatchSize
	if batch <= 0 {
		batch = defaultReconcileBatch
	}
	rep := &ReconcileReport{StartedAt: s.now().UTC(), DryRun: opts.DryRun, Drift: []DriftEntry{}}

	var after int64
	for {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		users, err := s.users.ListAfter(ctx, after, batch)
		if err != nil {
			return rep, err
		}
		if len(users) == 0 {
			break
		}
		for i := range users {
			s.check(ctx, &users[i], opts.DryRun, rep)
		}
		after = users[len(users)-1].ID
		if len(users) < batch {
			break
		}
	}

	rep.FinishedAt = s.now().UTC()
	s.logger.Info().
		Bool("dry_run", rep.DryRun).
		Int("scanned", rep.Scanned).
		Int("drifted", rep.Drifted).
		Int("repaired", rep.Repaired).
		Int("missing_identity", rep.MissingIdentity).
		Int("errors", rep.Errors).
		Msg("Mirror reconciliation finished")
	return rep, nil
}

func (s *ReconcileService) check(ctx context.Context, u *model.User, dryRun bool, rep *ReconcileReport) {
	rep.Scanned++
	if u.IdentityRef == nil || *u.IdentityRef == "" {
		rep.SkippedNoRef++
		return
	}
	ref := *u.IdentityRef

	ident, err := s.idp.GetUser(ctx, ref)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			rep.MissingIdentity++
			s.metrics.MirrorDriftTotal.WithLabelValues("missing_identity").Inc()
			s.logger.Warn().Int64("user_id", u.ID).Str("identity_ref", ref).Msg("Record references a missing identity")
			return
		}
		rep.Errors++
		s.logger.Error().Err(err).Int64("user_id", u.ID).Str("identity_ref", ref).Msg("Failed to fetch identity during reconciliation")
		return
	}

	if ident.Role == string(u.Tier) {
		rep.InSync++
		return
	}

	rep.Drifted++
	entry := DriftEntry{UserID: u.ID, IdentityRef: ref, Tier: u.Tier, MirroredRole: ident.Role}
	if dryRun {
		s.metrics.MirrorDriftTotal.WithLabelValues("detected").Inc()
		rep.Drift = append(rep.Drift, entry)
		return
	}
	if err := s.mirror.SyncRole(ctx, u); err != nil {
		rep.Errors++
		entry.Error = err.Error()
		s.metrics.MirrorDriftTotal.WithLabelValues("repair_failed").Inc()
	} else {
		rep.Repaired++
		entry.Repaired = true
		s.metrics.MirrorDriftTotal.WithLabelValues("repaired").Inc()
	}
	rep.Drift = append(rep.Drift, entry)
}

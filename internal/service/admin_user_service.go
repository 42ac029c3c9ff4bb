package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"controlplane/internal/identity"
	"controlplane/internal/metrics"
	"controlplane/internal/model"
	"controlplane/internal/repository"

	"github.com/rs/zerolog"
)

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrProtectedTarget = errors.New("admin accounts cannot be modified by this operation")
	ErrInvalidAction   = errors.New("invalid bulk action")
	ErrNoTargets       = errors.New("no target users given")
	ErrAdminTierGrant  = errors.New("admin tier cannot be granted through the admin API")
)

// BulkAction is the discriminant of a bulk mutation request.
type BulkAction string

const (
	BulkUpgrade   BulkAction = "upgrade"
	BulkDowngrade BulkAction = "downgrade"
	BulkDisable   BulkAction = "disable"
	BulkDelete    BulkAction = "delete"
)

// ParseBulkAction validates a raw action string.
func ParseBulkAction(s string) (BulkAction, error) {
	switch a := BulkAction(strings.ToLower(strings.TrimSpace(s))); a {
	case BulkUpgrade, BulkDowngrade, BulkDisable, BulkDelete:
		return a, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAction, s)
}

// BulkFailure is one target that could not be mutated.
type BulkFailure struct {
	UserID int64  `json:"userId"`
	Error  string `json:"error"`
}

// BulkResult itemizes the outcome of a bulk mutation.
type BulkResult struct {
	Action    BulkAction    `json:"action"`
	Requested int           `json:"requested"`
	Succeeded []int64       `json:"succeeded"`
	Failed    []BulkFailure `json:"failed"`
	Protected []int64       `json:"protected"`
}

// PartialDeleteError means the canonical record was deleted but the identity provider
// account was not.
type PartialDeleteError struct {
	UserID int64
	Err    error
}

func (e *PartialDeleteError) Error() string {
	return fmt.Sprintf("user %d deleted but identity provider deletion failed: %v", e.UserID, e.Err)
}

func (e *PartialDeleteError) Unwrap() error { return e.Err }

// CreateUserInput is an admin-initiated account creation.
type CreateUserInput struct {
	Email     string
	FirstName string
	LastName  string
	Password  string
	Tier      model.Tier
}

// AdminUserService implements the admin user-management operations.
type AdminUserService struct {
	users    repository.UserRepository
	unlinked repository.UnlinkedEventRepository
	idp      identity.Provider
	mirror   *MirrorService
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// NewAdminUserService creates an AdminUserService with a scoped logger.
func NewAdminUserService(
	users repository.UserRepository,
	unlinked repository.UnlinkedEventRepository,
	idp identity.Provider,
	mirror *MirrorService,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *AdminUserService {
	return &AdminUserService{
		users:    users,
		unlinked: unlinked,
		idp:      idp,
		mirror:   mirror,
		metrics:  m,
		logger:   logger.With().Str("service", "AdminUserService").Logger(),
	}
}

func (s *AdminUserService) Stats(ctx context.Context) (*model.UserStats, error) {
	return s.users.Stats(ctx)
}

func (s *AdminUserService) List(ctx context.Context, p repository.ListParams) ([]model.User, int, error) {
	return s.users.List(ctx, p)
}

func (s *AdminUserService) ListUnlinkedEvents(ctx context.Context, limit int) ([]model.UnlinkedEvent, error) {
	return s.unlinked.ListRecent(ctx, limit)
}

func (s *AdminUserService) Get(ctx context.Context, id int64) (*model.User, error) {
	u, found, err := s.users.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrUserNotFound
	}
	return u, nil
}

// Create registers the account with the identity provider, then inserts the canonical
// record. A failed insert deletes the identity again.
func (s *AdminUserService) Create(ctx context.Context, in CreateUserInput) (*model.User, error) {
	if in.Tier == "" {
		in.Tier = model.TierBasic
	}
	if in.Tier == model.TierAdmin {
		return nil, ErrAdminTierGrant
	}

	ident, err := s.idp.CreateUser(ctx, identity.CreateUserParams{
		Email:     in.Email,
		FirstName: in.FirstName,
		LastName:  in.LastName,
		Password:  in.Password,
		Role:      string(in.Tier),
	})
	if err != nil {
		return nil, fmt.Errorf("create identity: %w", err)
	}

	ref := ident.ID
	u := &model.User{
		IdentityRef:   &ref,
		Email:         in.Email,
		FirstName:     in.FirstName,
		LastName:      in.LastName,
		Tier:          in.Tier,
		AccountStatus: model.AccountActive,
	}
	if err := s.users.Create(ctx, u); err != nil {
		s.logger.Error().Err(err).Str("identity_ref", ref).Msg("Canonical insert failed; rolling back identity")
		if rbErr := s.idp.DeleteUser(ctx, ref); rbErr != nil {
			s.logger.Error().Err(rbErr).Str("identity_ref", ref).Msg("Identity rollback failed; orphaned identity needs manual cleanup")
		}
		return nil, fmt.Errorf("create user record: %w", err)
	}
	s.logger.Info().Int64("user_id", u.ID).Str("identity_ref", ref).Msg("User created")
	return u, nil
}

// Update applies an admin edit. Tier and account status of admin records are immutable here.
func (s *AdminUserService) Update(ctx context.Context, id int64, patch repository.UserPatch) (*model.User, error) {
	if patch.Tier != nil && *patch.Tier == model.TierAdmin {
		return nil, ErrAdminTierGrant
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.IsProtected() && (patch.Tier != nil || patch.AccountStatus != nil) {
		return nil, ErrProtectedTarget
	}

	updated, found, err := s.users.Update(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrUserNotFound
	}

	if updated.Tier != current.Tier {
		_ = s.mirror.SyncRole(ctx, updated)
	}
	if updated.AccountStatus != current.AccountStatus {
		_ = s.mirror.SetSuspended(ctx, updated, updated.AccountStatus == model.AccountSuspended)
	}
	return updated, nil
}

// SetSuspended soft-disables or re-enables a non-admin record, then mirrors the change.
func (s *AdminUserService) SetSuspended(ctx context.Context, id int64, suspended bool) (*model.User, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.IsProtected() {
		return nil, ErrProtectedTarget
	}
	return s.setSuspended(ctx, current, suspended)
}

func (s *AdminUserService) setSuspended(ctx context.Context, u *model.User, suspended bool) (*model.User, error) {
	status := model.AccountActive
	if suspended {
		status = model.AccountSuspended
	}
	updated, found, err := s.users.Update(ctx, u.ID, repository.UserPatch{AccountStatus: &status})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrUserNotFound
	}
	_ = s.mirror.SetSuspended(ctx, updated, suspended)
	return updated, nil
}

// Delete removes a non-admin record and then its identity. An identity failure after the
// canonical delete is returned as *PartialDeleteError.
func (s *AdminUserService) Delete(ctx context.Context, id int64) error {
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if current.IsProtected() {
		return ErrProtectedTarget
	}
	return s.delete(ctx, current)
}

func (s *AdminUserService) delete(ctx context.Context, u *model.User) error {
	deleted, err := s.users.Delete(ctx, u.ID)
	if err != nil {
		return err
	}
	if !deleted {
		return ErrUserNotFound
	}
	s.logger.Info().Int64("user_id", u.ID).Msg("User record deleted")
	if err := s.mirror.Delete(ctx, u); err != nil {
		return &PartialDeleteError{UserID: u.ID, Err: err}
	}
	return nil
}

// Bulk applies action to every eligible target one at a time. Admin-tier targets are
// reported as protected and never touched.
func (s *AdminUserService) Bulk(ctx context.Context, action BulkAction, ids []int64) (*BulkResult, error) {
	if _, err := ParseBulkAction(string(action)); err != nil {
		return nil, err
	}
	ids = dedupeIDs(ids)
	if len(ids) == 0 {
		return nil, ErrNoTargets
	}

	targets, err := s.users.GetByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("fetch bulk targets: %w", err)
	}
	byID := make(map[int64]*model.User, len(targets))
	for i := range targets {
		byID[targets[i].ID] = &targets[i]
	}

	res := &BulkResult{
		Action:    action,
		Requested: len(ids),
		Succeeded: []int64{},
		Failed:    []BulkFailure{},
		Protected: []int64{},
	}
	var eligible []*model.User
	for _, id := range ids {
		u, ok := byID[id]
		switch {
		case !ok:
			res.Failed = append(res.Failed, BulkFailure{UserID: id, Error: ErrUserNotFound.Error()})
		case u.IsProtected():
			res.Protected = append(res.Protected, id)
		default:
			eligible = append(eligible, u)
		}
	}

	for _, u := range eligible {
		if err := s.applyBulk(ctx, action, u); err != nil {
			var partial *PartialDeleteError
			if errors.As(err, &partial) {
				// The record is gone; the identity mirror failure is already logged.
				res.Succeeded = append(res.Succeeded, u.ID)
				continue
			}
			s.logger.Error().Err(err).Int64("user_id", u.ID).Str("action", string(action)).Msg("Bulk action failed for target")
			res.Failed = append(res.Failed, BulkFailure{UserID: u.ID, Error: err.Error()})
			continue
		}
		res.Succeeded = append(res.Succeeded, u.ID)
	}

	s.metrics.BulkTargetsTotal.WithLabelValues(string(action), "succeeded").Add(float64(len(res.Succeeded)))
	s.metrics.BulkTargetsTotal.WithLabelValues(string(action), "failed").Add(float64(len(res.Failed)))
	s.metrics.BulkTargetsTotal.WithLabelValues(string(action), "protected").Add(float64(len(res.Protected)))

	s.logger.Info().
		Str("action", string(action)).
		Int("requested", res.Requested).
		Int("succeeded", len(res.Succeeded)).
		Int("failed", len(res.Failed)).
		Int("protected", len(res.Protected)).
		Msg("Bulk action completed")
	return res, nil
}

func (s *AdminUserService) applyBulk(ctx context.Context, action BulkAction, u *model.User) error {
	switch action {
	case BulkUpgrade, BulkDowngrade:
		tier := model.TierPremium
		if action == BulkDowngrade {
			tier = model.TierBasic
		}
		updated, found, err := s.users.Update(ctx, u.ID, repository.UserPatch{Tier: &tier})
		if err != nil {
			return err
		}
		if !found {
			return ErrUserNotFound
		}
		if updated.Tier != u.Tier {
			_ = s.mirror.SyncRole(ctx, updated)
		}
		return nil
	case BulkDisable:
		_, err := s.setSuspended(ctx, u, true)
		return err
	case BulkDelete:
		return s.delete(ctx, u)
	}
	return fmt.Errorf("%w: %q", ErrInvalidAction, action)
}

func dedupeIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"controlplane/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Sortable columns for List, keyed by the public sort name.
var userSortColumns = map[string]string{
	"id":          "id",
	"created_at":  "created_at",
	"updated_at":  "updated_at",
	"email":       "lower(email)",
	"first_name":  "lower(first_name)",
	"last_name":   "lower(last_name)",
	"tier":        "tier",
	"status":      "status",
	"upgraded_at": "upgraded_at",
}

// ListParams filters and pages the admin user listing.
type ListParams struct {
	Page      int
	Limit     int
	Tier      model.Tier
	Search    string
	SortBy    string
	SortOrder string
}

// UserPatch carries the admin-editable profile fields; nil fields are left untouched.
type UserPatch struct {
	Email         *string
	FirstName     *string
	LastName      *string
	Tier          *model.Tier
	AccountStatus *model.AccountStatus
	UpgradedAt    *time.Time
}

// TierChange is the outcome of a conditional tier write that matched a row.
type TierChange struct {
	User         *model.User
	PreviousTier model.Tier
}

// UserRepository defines access to the canonical user table.
// ErrCustomerRefConflict is returned by a BackfillOnly tier write when the matched row is
// already linked to a different billing customer.
var ErrCustomerRefConflict = errors.New("user is linked to a different billing customer")

type UserRepository interface {
	Create(ctx context.Context, u *model.User) error
	GetByID(ctx context.Context, id int64) (*model.User, bool, error)
	GetByIDs(ctx context.Context, ids []int64) ([]model.User, error)
	GetByIdentityRef(ctx context.Context, identityRef string) (*model.User, bool, error)
	List(ctx context.Context, p ListParams) ([]model.User, int, error)
	ListAfter(ctx context.Context, afterID int64, limit int) ([]model.User, error)
	Stats(ctx context.Context) (*model.UserStats, error)
	Update(ctx context.Context, id int64, patch UserPatch) (*model.User, bool, error)
	Delete(ctx context.Context, id int64) (bool, error)

	// The ApplyTierBy* methods update at most one row and report found=false when none matched.
	ApplyTierByIdentityRef(ctx context.Context, identityRef string, upd model.TierUpdate) (*TierChange, bool, error)
	ApplyTierByCustomerRef(ctx context.Context, customerRef string, upd model.TierUpdate) (*TierChange, bool, error)
	ApplyTierByEmail(ctx context.Context, email string, upd model.TierUpdate) (*TierChange, bool, error)
}

type userRepo struct {
	pool *pgxpool.Pool
}

// NewUserRepo creates a new UserRepository.
func NewUserRepo(pool *pgxpool.Pool) UserRepository {
	return &userRepo{pool: pool}
}

const userColumns = `id, identity_ref, email, first_name, last_name, billing_customer_ref,
       tier, status, plan_ref, upgraded_at, account_status, created_at, updated_at`

func scanUser(row pgx.Row, extra ...any) (*model.User, error) {
	var u model.User
	dest := []any{
		&u.ID,
		&u.IdentityRef,
		&u.Email,
		&u.FirstName,
		&u.LastName,
		&u.BillingCustomerRef,
		&u.Tier,
		&u.Status,
		&u.PlanRef,
		&u.UpgradedAt,
		&u.AccountStatus,
		&u.CreatedAt,
		&u.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *userRepo) Create(ctx context.Context, u *model.User) error {
	if u.Tier == "" {
		u.Tier = model.TierBasic
	}
	if u.AccountStatus == "" {
		u.AccountStatus = model.AccountActive
	}
	q := `
		INSERT INTO users (identity_ref, email, first_name, last_name, tier, status, upgraded_at, account_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + userColumns
	created, err := scanUser(r.pool.QueryRow(ctx, q,
		u.IdentityRef, u.Email, u.FirstName, u.LastName, string(u.Tier), u.Status, u.UpgradedAt, string(u.AccountStatus)))
	if err != nil {
		return fmt.Errorf("insert user %s: %w", u.Email, err)
	}
	*u = *created
	return nil
}

func (r *userRepo) getOne(ctx context.Context, where string, arg any) (*model.User, bool, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE ` + where
	u, err := scanUser(r.pool.QueryRow(ctx, q, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return u, true, nil
}

func (r *userRepo) GetByID(ctx context.Context, id int64) (*model.User, bool, error) {
	u, found, err := r.getOne(ctx, "id = $1", id)
	if err != nil {
		return nil, false, fmt.Errorf("fetch user %d: %w", id, err)
	}
	return u, found, nil
}

func (r *userRepo) GetByIdentityRef(ctx context.Context, identityRef string) (*model.User, bool, error) {
	u, found, err := r.getOne(ctx, "identity_ref = $1", identityRef)
	if err != nil {
		return nil, false, fmt.Errorf("fetch user by identity ref %s: %w", identityRef, err)
	}
	return u, found, nil
}

func (r *userRepo) GetByIDs(ctx context.Context, ids []int64) ([]model.User, error) {
	if len(ids) == 0 {
		return []model.User{}, nil
	}
	q := `SELECT ` + userColumns + ` FROM users WHERE id = ANY($1) ORDER BY id`
	return r.queryUsers(ctx, q, ids)
}

func (r *userRepo) ListAfter(ctx context.Context, afterID int64, limit int) ([]model.User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE id > $1 ORDER BY id LIMIT $2`
	return r.queryUsers(ctx, q, afterID, limit)
}

func (r *userRepo) queryUsers(ctx context.Context, q string, args ...any) ([]model.User, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	users := []model.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

// likeEscaper escapes LIKE metacharacters using the default backslash escape.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (r *userRepo) List(ctx context.Context, p ListParams) ([]model.User, int, error) {
	var (
		conds []string
		args  []any
	)
	if p.Tier != "" {
		args = append(args, string(p.Tier))
		conds = append(conds, fmt.Sprintf("tier = $%d", len(args)))
	}
	if s := strings.TrimSpace(p.Search); s != "" {
		args = append(args, "%"+likeEscaper.Replace(s)+"%")
		n := len(args)
		conds = append(conds, fmt.Sprintf(
			"(email ILIKE $%d OR first_name ILIKE $%d OR last_name ILIKE $%d OR (first_name || ' ' || last_name) ILIKE $%d)",
			n, n, n, n))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count users: %w", err)
	}

	col, ok := userSortColumns[p.SortBy]
	if !ok {
		col = "created_at"
	}
	order := "DESC"
	if strings.EqualFold(p.SortOrder, "asc") {
		order = "ASC"
	}
	args = append(args, p.Limit, (p.Page-1)*p.Limit)
	q := fmt.Sprintf(`SELECT %s FROM users%s ORDER BY %s %s NULLS LAST, id %s LIMIT $%d OFFSET $%d`,
		userColumns, where, col, order, order, len(args)-1, len(args))
	users, err := r.queryUsers(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	return users, total, nil
}

func (r *userRepo) Stats(ctx context.Context) (*model.UserStats, error) {
	const q = `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE tier = 'basic'),
		       COUNT(*) FILTER (WHERE tier = 'premium'),
		       COUNT(*) FILTER (WHERE tier = 'admin'),
		       COUNT(*) FILTER (WHERE account_status = 'active'),
		       COUNT(*) FILTER (WHERE account_status = 'suspended'),
		       COUNT(*) FILTER (WHERE billing_customer_ref IS NOT NULL)
		FROM users
	`
	var basic, premium, admin int
	st := &model.UserStats{}
	err := r.pool.QueryRow(ctx, q).Scan(&st.Total, &basic, &premium, &admin, &st.Active, &st.Suspended, &st.WithBillingCustomer)
	if err != nil {
		return nil, fmt.Errorf("fetch user stats: %w", err)
	}
	st.ByTier = map[model.Tier]int{
		model.TierBasic:   basic,
		model.TierPremium: premium,
		model.TierAdmin:   admin,
	}
	return st, nil
}

func (r *userRepo) Update(ctx context.Context, id int64, patch UserPatch) (*model.User, bool, error) {
	q := `
		UPDATE users
		SET email = COALESCE($2, email),
		    first_name = COALESCE($3, first_name),
		    last_name = COALESCE($4, last_name),
		    tier = COALESCE($5, tier),
		    account_status = COALESCE($6, account_status),
		    upgraded_at = CASE WHEN $5 = 'premium' AND tier <> 'premium' THEN COALESCE($7, NOW()) ELSE upgraded_at END,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING ` + userColumns
	var tier, status *string
	if patch.Tier != nil {
		t := string(*patch.Tier)
		tier = &t
	}
	if patch.AccountStatus != nil {
		s := string(*patch.AccountStatus)
		status = &s
	}
	u, err := scanUser(r.pool.QueryRow(ctx, q, id, patch.Email, patch.FirstName, patch.LastName, tier, status, patch.UpgradedAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("update user %d: %w", id, err)
	}
	return u, true, nil
}

func (r *userRepo) Delete(ctx context.Context, id int64) (bool, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete user %d: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *userRepo) ApplyTierByIdentityRef(ctx context.Context, identityRef string, upd model.TierUpdate) (*TierChange, bool, error) {
	return r.applyTier(ctx, "identity_ref = $1", identityRef, upd)
}

func (r *userRepo) ApplyTierByCustomerRef(ctx context.Context, customerRef string, upd model.TierUpdate) (*TierChange, bool, error) {
	return r.applyTier(ctx, "billing_customer_ref = $1", customerRef, upd)
}

func (r *userRepo) ApplyTierByEmail(ctx context.Context, email string, upd model.TierUpdate) (*TierChange, bool, error) {
	return r.applyTier(ctx, "lower(email) = lower($1)", email, upd)
}

// applyTier writes upd to the first row matching where. Admin-tier rows keep their tier;
// upgraded_at moves only on a transition into premium.
func (r *userRepo) applyTier(ctx context.Context, where string, key any, upd model.TierUpdate) (*TierChange, bool, error) {
	q := `
		WITH target AS (
			SELECT id, tier AS previous_tier
			FROM users
			WHERE ` + where + `
			ORDER BY id
			LIMIT 1
			FOR UPDATE
		)
		UPDATE users u
		SET tier = CASE WHEN u.tier = 'admin' THEN u.tier ELSE $2 END,
		    status = $3,
		    plan_ref = CASE WHEN $5 THEN u.plan_ref ELSE $4 END,
		    upgraded_at = CASE WHEN $2 = 'premium' AND u.tier NOT IN ('premium', 'admin') THEN $6 ELSE u.upgraded_at END,
		    billing_customer_ref = CASE WHEN $8::boolean THEN COALESCE(u.billing_customer_ref, $7::text)
		                                ELSE COALESCE($7::text, u.billing_customer_ref) END,
		    updated_at = NOW()
		FROM target
		WHERE u.id = target.id
		  AND (NOT $8::boolean OR u.billing_customer_ref IS NULL OR u.billing_customer_ref = $7::text)
		RETURNING u.id, u.identity_ref, u.email, u.first_name, u.last_name, u.billing_customer_ref,
		          u.tier, u.status, u.plan_ref, u.upgraded_at, u.account_status, u.created_at, u.updated_at,
		          target.previous_tier
	`
	upgradedAt := upd.UpgradedAt
	if upgradedAt == nil {
		now := time.Now().UTC()
		upgradedAt = &now
	}
	var prev model.Tier
	backfill := upd.BackfillOnly && upd.CustomerRef != nil
	u, err := scanUser(r.pool.QueryRow(ctx, q, key, string(upd.Tier), upd.Status, upd.PlanRef, upd.KeepPlan, upgradedAt, upd.CustomerRef, backfill), &prev)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if backfill {
				return nil, false, r.customerRefConflict(ctx, where, key)
			}
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("apply tier %s where %s: %w", upd.Tier, where, err)
	}
	return &TierChange{User: u, PreviousTier: prev}, true, nil
}

// customerRefConflict separates a backfill blocked by a different ref from one that matched no row.
func (r *userRepo) customerRefConflict(ctx context.Context, where string, key any) error {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE `+where+`)`, key).Scan(&exists); err != nil {
		return fmt.Errorf("check customer ref conflict: %w", err)
	}
	if exists {
		return ErrCustomerRefConflict
	}
	return nil
}

package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"controlplane/internal/migration"
	"controlplane/internal/model"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testPool connects to TEST_DATABASE_URL, migrates it and empties every table.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, migration.Run(stdlib.OpenDBFromPool(pool)))
	_, err = pool.Exec(ctx, `TRUNCATE users, plans, unlinked_billing_events RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
	return pool
}

func strPtr(s string) *string { return &s }

func seed(t *testing.T, repo UserRepository, users ...model.User) []model.User {
	t.Helper()
	out := make([]model.User, len(users))
	for i := range users {
		u := users[i]
		require.NoError(t, repo.Create(context.Background(), &u))
		out[i] = u
	}
	return out
}

func TestApplyTierKeepsAdmin(t *testing.T) {
	pool := testPool(t)
	repo := NewUserRepo(pool)
	ctx := context.Background()
	users := seed(t, repo,
		model.User{Email: "admin@x.com", IdentityRef: strPtr("idp_admin"), Tier: model.TierAdmin},
		model.User{Email: "Basic@X.com", IdentityRef: strPtr("idp_basic")},
	)

	at := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	change, found, err := repo.ApplyTierByIdentityRef(ctx, "idp_admin", model.TierUpdate{
		Tier: model.TierBasic, Status: "canceled", UpgradedAt: &at,
	})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.TierAdmin, change.User.Tier)
	assert.Equal(t, model.TierAdmin, change.PreviousTier)
	assert.Equal(t, "canceled", change.User.Status)

	ref := "cus_1"
	change, found, err = repo.ApplyTierByEmail(ctx, "basic@x.com", model.TierUpdate{
		Tier: model.TierPremium, Status: "active", UpgradedAt: &at, CustomerRef: &ref,
	})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, users[1].ID, change.User.ID)
	assert.Equal(t, model.TierBasic, change.PreviousTier)
	assert.Equal(t, model.TierPremium, change.User.Tier)
	require.NotNil(t, change.User.UpgradedAt)
	assert.True(t, at.Equal(*change.User.UpgradedAt))

	// A second premium write does not move upgraded_at.
	later := at.Add(time.Hour)
	change, _, err = repo.ApplyTierByCustomerRef(ctx, "cus_1", model.TierUpdate{
		Tier: model.TierPremium, Status: "active", UpgradedAt: &later,
	})
	require.NoError(t, err)
	assert.True(t, at.Equal(*change.User.UpgradedAt))
	assert.Equal(t, "cus_1", *change.User.BillingCustomerRef)

	_, found, err = repo.ApplyTierByCustomerRef(ctx, "cus_unknown", model.TierUpdate{Tier: model.TierBasic})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestApplyTierBackfillKeepsExistingCustomerRef(t *testing.T) {
	pool := testPool(t)
	repo := NewUserRepo(pool)
	ctx := context.Background()
	users := seed(t, repo,
		model.User{Email: "shared@x.com"},
		model.User{Email: "fresh@x.com"},
	)
	_, found, err := repo.ApplyTierByEmail(ctx, "shared@x.com", model.TierUpdate{
		Tier: model.TierPremium, Status: "active", CustomerRef: strPtr("cus_A"),
	})
	require.NoError(t, err)
	require.True(t, found)

	_, found, err = repo.ApplyTierByEmail(ctx, "shared@x.com", model.TierUpdate{
		Tier: model.TierBasic, Status: "canceled", CustomerRef: strPtr("cus_B"), BackfillOnly: true,
	})
	require.ErrorIs(t, err, ErrCustomerRefConflict)
	assert.False(t, found)

	u, found, err := repo.GetByID(ctx, users[0].ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "cus_A", *u.BillingCustomerRef)
	assert.Equal(t, model.TierPremium, u.Tier)

	change, found, err := repo.ApplyTierByEmail(ctx, "fresh@x.com", model.TierUpdate{
		Tier: model.TierPremium, Status: "active", CustomerRef: strPtr("cus_C"), BackfillOnly: true,
	})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "cus_C", *change.User.BillingCustomerRef)

	_, found, err = repo.ApplyTierByEmail(ctx, "nobody@x.com", model.TierUpdate{
		Tier: model.TierBasic, CustomerRef: strPtr("cus_D"), BackfillOnly: true,
	})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestListStatsAndDelete(t *testing.T) {
	pool := testPool(t)
	repo := NewUserRepo(pool)
	ctx := context.Background()
	users := seed(t, repo,
		model.User{Email: "a@x.com", FirstName: "Ada"},
		model.User{Email: "b@x.com", Tier: model.TierPremium},
		model.User{Email: "c@x.com", Tier: model.TierAdmin},
	)

	list, total, err := repo.List(ctx, ListParams{Page: 1, Limit: 10, Search: "ada"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, list, 1)
	assert.Equal(t, users[0].ID, list[0].ID)

	list, total, err = repo.List(ctx, ListParams{Page: 2, Limit: 2, SortBy: "id", SortOrder: "asc"})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, list, 1)
	assert.Equal(t, users[2].ID, list[0].ID)

	st, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 1, st.ByTier[model.TierAdmin])
	assert.Equal(t, 3, st.Active)

	suspended := model.AccountSuspended
	u, found, err := repo.Update(ctx, users[0].ID, UserPatch{AccountStatus: &suspended})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.AccountSuspended, u.AccountStatus)

	got, err := repo.GetByIDs(ctx, []int64{users[2].ID, users[0].ID, 999})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	deleted, err := repo.Delete(ctx, users[1].ID)
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = repo.Delete(ctx, users[1].ID)
	require.NoError(t, err)
	assert.False(t, deleted)

	_, found, err = repo.GetByID(ctx, users[1].ID)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestListSearchTreatsWildcardsLiterally(t *testing.T) {
	pool := testPool(t)
	repo := NewUserRepo(pool)
	ctx := context.Background()
	seed(t, repo,
		model.User{Email: "abc@x.com"},
		model.User{Email: "a_c@x.com"},
		model.User{Email: "100%@x.com"},
	)

	list, total, err := repo.List(ctx, ListParams{Page: 1, Limit: 10, Search: "a_c"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, list, 1)
	assert.Equal(t, "a_c@x.com", list[0].Email)

	_, total, err = repo.List(ctx, ListParams{Page: 1, Limit: 10, Search: "%"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestUnlinkedEvents(t *testing.T) {
	pool := testPool(t)
	repo := NewUnlinkedEventRepo(pool)
	ctx := context.Background()

	for _, id := range []string{"evt_1", "evt_2"} {
		require.NoError(t, repo.Create(ctx, &model.UnlinkedEvent{
			EventID:   id,
			EventType: "checkout.session.completed",
			Reason:    "no matching user",
		}))
	}
	events, err := repo.ListRecent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

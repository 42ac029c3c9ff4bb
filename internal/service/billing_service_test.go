package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"controlplane/internal/billing"
	"controlplane/internal/metrics"
	"controlplane/internal/model"
	"controlplane/internal/testutil"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type billingFixture struct {
	users     *testutil.Users
	plans     *testutil.Plans
	unlinked  *testutil.UnlinkedEvents
	customers *testutil.Customers
	idp       *testutil.Identity
	publisher *testutil.Publisher
	metrics   *metrics.Metrics
	svc       *BillingService
}

func newBillingFixture(t *testing.T, seed ...model.User) *billingFixture {
	t.Helper()
	f := &billingFixture{
		users:     testutil.NewUsers(seed...),
		plans:     &testutil.Plans{ByProduct: map[string]model.Plan{"prod_pro": {ID: 11, ProductRef: "prod_pro", Name: "Pro"}}},
		unlinked:  &testutil.UnlinkedEvents{},
		customers: &testutil.Customers{ByRef: map[string]billing.CustomerInfo{}},
		idp:       testutil.NewIdentity(),
		publisher: &testutil.Publisher{},
		metrics:   metrics.NewNop(),
	}
	logger := zerolog.Nop()
	f.svc = NewBillingService(BillingDeps{
		Users:     f.users,
		Plans:     f.plans,
		Unlinked:  f.unlinked,
		Customers: f.customers,
		Mirror:    NewMirrorService(f.idp, f.metrics, logger),
		Publisher: f.publisher,
		TierTopic: "tier-changes",
		Metrics:   f.metrics,
	}, logger)
	return f
}

func meta(id, typ string) billing.EventMeta {
	return billing.EventMeta{ID: id, Type: typ, OccurredAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func TestHandleCheckoutCompleted_EmailFallback(t *testing.T) {
	f := newBillingFixture(t,
		model.User{ID: 7, Email: "a@b.com", IdentityRef: testutil.Ptr("idp_7"), Tier: model.TierBasic},
		model.User{ID: 8, Email: "other@b.com", Tier: model.TierBasic},
	)

	ev := billing.CheckoutCompleted{
		EventMeta:      meta("evt_1", billing.TypeCheckoutCompleted),
		SessionID:      "cs_1",
		CustomerRef:    "cus_1",
		CorrelationKey: "K1",
		Email:          "a@b.com",
	}
	require.NoError(t, f.svc.Dispatch(context.Background(), ev))

	row := f.users.Snapshot(7)
	require.NotNil(t, row)
	assert.Equal(t, model.TierPremium, row.Tier)
	assert.Equal(t, "active", row.Status)
	require.NotNil(t, row.BillingCustomerRef)
	assert.Equal(t, "cus_1", *row.BillingCustomerRef)
	require.NotNil(t, row.UpgradedAt)

	other := f.users.Snapshot(8)
	assert.Equal(t, model.TierBasic, other.Tier)
	assert.Nil(t, other.BillingCustomerRef)

	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.LinkageTotal.WithLabelValues(billing.TypeCheckoutCompleted, string(LinkedByEventEmail))))
	assert.Equal(t, 1, f.idp.CallsTo("set_role"))
	assert.Empty(t, f.unlinked.Events)
}

func TestHandleCheckoutCompleted_CorrelationKeyWins(t *testing.T) {
	f := newBillingFixture(t,
		model.User{ID: 1, Email: "first@b.com", IdentityRef: testutil.Ptr("idp_1")},
		model.User{ID: 2, Email: "a@b.com"},
	)

	ev := billing.CheckoutCompleted{
		EventMeta:      meta("evt_2", billing.TypeCheckoutCompleted),
		CustomerRef:    "cus_9",
		CorrelationKey: "idp_1",
		Email:          "a@b.com",
		ProductRef:     "prod_pro",
	}
	require.NoError(t, f.svc.HandleCheckoutCompleted(context.Background(), ev))

	row := f.users.Snapshot(1)
	assert.Equal(t, model.TierPremium, row.Tier)
	require.NotNil(t, row.PlanRef)
	assert.Equal(t, int64(11), *row.PlanRef)
	assert.Equal(t, model.TierBasic, f.users.Snapshot(2).Tier)
}

func TestHandleCheckoutCompleted_NoMatchMutatesNothing(t *testing.T) {
	f := newBillingFixture(t, model.User{ID: 1, Email: "someone@b.com"})

	ev := billing.CheckoutCompleted{
		EventMeta:      meta("evt_3", billing.TypeCheckoutCompleted),
		CustomerRef:    "cus_1",
		CorrelationKey: "K1",
		Email:          "nobody@b.com",
	}
	require.NoError(t, f.svc.Dispatch(context.Background(), ev))

	assert.Equal(t, 0, f.users.Writes)
	require.Len(t, f.unlinked.Events, 1)
	rec := f.unlinked.Events[0]
	assert.Equal(t, "evt_3", rec.EventID)
	require.NotNil(t, rec.CustomerRef)
	assert.Equal(t, "cus_1", *rec.CustomerRef)
	assert.Empty(t, f.publisher.Messages)
}

func TestHandleSubscriptionChanged_IdempotentReplay(t *testing.T) {
	f := newBillingFixture(t, model.User{ID: 3, Email: "c@b.com", BillingCustomerRef: testutil.Ptr("cus_3")})

	ev := billing.SubscriptionChanged{
		EventMeta:   meta("evt_4", billing.TypeSubscriptionUpdated),
		CustomerRef: "cus_3",
		Status:      "trialing",
		ProductRef:  "prod_pro",
	}
	require.NoError(t, f.svc.Dispatch(context.Background(), ev))
	once := f.users.Snapshot(3)

	require.NoError(t, f.svc.Dispatch(context.Background(), ev))
	twice := f.users.Snapshot(3)

	assert.Equal(t, model.TierPremium, twice.Tier)
	assert.Equal(t, once.Tier, twice.Tier)
	assert.Equal(t, once.Status, twice.Status)
	assert.Equal(t, once.PlanRef, twice.PlanRef)
	assert.Equal(t, once.UpgradedAt, twice.UpgradedAt)

	// Only the first delivery changed the tier.
	assert.Len(t, f.publisher.Messages, 1)
}

func TestHandleSubscriptionChanged_StatusMapping(t *testing.T) {
	for status, want := range map[string]model.Tier{
		"active":     model.TierPremium,
		"trialing":   model.TierPremium,
		"incomplete": model.TierPremium,
		"past_due":   model.TierBasic,
		"unpaid":     model.TierBasic,
		"canceled":   model.TierBasic,
	} {
		t.Run(status, func(t *testing.T) {
			f := newBillingFixture(t, model.User{ID: 1, Email: "x@b.com", BillingCustomerRef: testutil.Ptr("cus_1")})
			ev := billing.SubscriptionChanged{
				EventMeta:   meta("evt_s", billing.TypeSubscriptionUpdated),
				CustomerRef: "cus_1",
				Status:      status,
			}
			require.NoError(t, f.svc.Dispatch(context.Background(), ev))
			assert.Equal(t, want, f.users.Snapshot(1).Tier)
			assert.Equal(t, status, f.users.Snapshot(1).Status)
		})
	}
}

func TestHandleSubscriptionChanged_ProviderEmailFallbackBackfillsCustomerRef(t *testing.T) {
	f := newBillingFixture(t, model.User{ID: 5, Email: "E@B.com"})
	f.customers.ByRef["cus_5"] = billing.CustomerInfo{Email: "e@b.com"}

	ev := billing.SubscriptionChanged{
		EventMeta:   meta("evt_5", billing.TypeSubscriptionCreated),
		CustomerRef: "cus_5",
		Status:      "active",
	}
	require.NoError(t, f.svc.Dispatch(context.Background(), ev))

	row := f.users.Snapshot(5)
	assert.Equal(t, model.TierPremium, row.Tier)
	require.NotNil(t, row.BillingCustomerRef)
	assert.Equal(t, "cus_5", *row.BillingCustomerRef)
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.LinkageTotal.WithLabelValues(billing.TypeSubscriptionCreated, string(LinkedByProviderEmail))))
}

func TestHandleSubscriptionChanged_EmailFallbackKeepsExistingCustomerRef(t *testing.T) {
	f := newBillingFixture(t, model.User{ID: 7, Email: "shared@b.com", Tier: model.TierPremium, BillingCustomerRef: testutil.Ptr("cus_A")})
	f.customers.ByRef["cus_B"] = billing.CustomerInfo{Email: "shared@b.com"}

	ev := billing.SubscriptionChanged{
		EventMeta:   meta("evt_b", billing.TypeSubscriptionUpdated),
		CustomerRef: "cus_B",
		Status:      "canceled",
	}
	require.NoError(t, f.svc.Dispatch(context.Background(), ev))

	row := f.users.Snapshot(7)
	assert.Equal(t, model.TierPremium, row.Tier)
	require.NotNil(t, row.BillingCustomerRef)
	assert.Equal(t, "cus_A", *row.BillingCustomerRef)
	assert.Equal(t, 0, f.users.Writes)
	require.Len(t, f.unlinked.Events, 1)
	assert.Contains(t, f.unlinked.Events[0].Reason, "customer ref conflict")

	// The owning customer still links directly.
	ev = billing.SubscriptionChanged{
		EventMeta:   meta("evt_a", billing.TypeSubscriptionUpdated),
		CustomerRef: "cus_A",
		Status:      "active",
	}
	require.NoError(t, f.svc.Dispatch(context.Background(), ev))
	assert.Equal(t, "cus_A", *f.users.Snapshot(7).BillingCustomerRef)
	assert.Len(t, f.unlinked.Events, 1)
}

func TestHandleSubscriptionChanged_DeletedOrEmaillessCustomer(t *testing.T) {
	cases := map[string]billing.CustomerInfo{
		"deleted":  {Deleted: true, Email: "x@b.com"},
		"no email": {},
	}
	for name, info := range cases {
		t.Run(name, func(t *testing.T) {
			f := newBillingFixture(t, model.User{ID: 1, Email: "x@b.com"})
			f.customers.ByRef["cus_x"] = info

			ev := billing.SubscriptionChanged{
				EventMeta:   meta("evt_x", billing.TypeSubscriptionUpdated),
				CustomerRef: "cus_x",
				Status:      "active",
			}
			require.NoError(t, f.svc.Dispatch(context.Background(), ev))

			assert.Equal(t, 0, f.users.Writes)
			assert.Len(t, f.unlinked.Events, 1)
		})
	}
}

func TestHandleSubscriptionChanged_LookupErrorPropagates(t *testing.T) {
	f := newBillingFixture(t)
	f.customers.Err = errors.New("provider timeout")

	ev := billing.SubscriptionChanged{
		EventMeta:   meta("evt_e", billing.TypeSubscriptionUpdated),
		CustomerRef: "cus_unknown",
		Status:      "active",
	}
	err := f.svc.Dispatch(context.Background(), ev)
	require.Error(t, err)
	assert.Equal(t, 0, f.users.Writes)
}

func TestHandleSubscriptionChanged_UnresolvedPlanStillApplies(t *testing.T) {
	f := newBillingFixture(t, model.User{ID: 1, Email: "x@b.com", BillingCustomerRef: testutil.Ptr("cus_1"), PlanRef: testutil.Ptr(int64(3))})
	f.plans.Err = errors.New("plan table unavailable")

	ev := billing.SubscriptionChanged{
		EventMeta:   meta("evt_p", billing.TypeSubscriptionUpdated),
		CustomerRef: "cus_1",
		Status:      "active",
		ProductRef:  "prod_pro",
	}
	require.NoError(t, f.svc.Dispatch(context.Background(), ev))

	row := f.users.Snapshot(1)
	assert.Equal(t, model.TierPremium, row.Tier)
	assert.Nil(t, row.PlanRef)
}

func TestHandleSubscriptionDeleted_ForcesBasic(t *testing.T) {
	f := newBillingFixture(t, model.User{
		ID:                 9,
		Email:              "d@b.com",
		IdentityRef:        testutil.Ptr("idp_9"),
		BillingCustomerRef: testutil.Ptr("cus_9"),
		Tier:               model.TierPremium,
		Status:             "active",
		PlanRef:            testutil.Ptr(int64(11)),
	})

	ev := billing.SubscriptionDeleted{
		EventMeta:   meta("evt_d", billing.TypeSubscriptionDeleted),
		CustomerRef: "cus_9",
	}
	require.NoError(t, f.svc.Dispatch(context.Background(), ev))

	row := f.users.Snapshot(9)
	assert.Equal(t, model.TierBasic, row.Tier)
	assert.Equal(t, billing.StatusCanceled, row.Status)
	assert.Nil(t, row.PlanRef)

	require.Len(t, f.publisher.Messages, 1)
	var msg TierChangedMessage
	require.NoError(t, json.Unmarshal(f.publisher.Messages[0].Payload, &msg))
	assert.Equal(t, int64(9), msg.UserID)
	assert.Equal(t, model.TierPremium, msg.PreviousTier)
	assert.Equal(t, model.TierBasic, msg.Tier)
	assert.Equal(t, "tier-changes", f.publisher.Messages[0].Topic)
}

func TestBillingEventsNeverChangeAdminTier(t *testing.T) {
	f := newBillingFixture(t, model.User{ID: 1, Email: "root@b.com", Tier: model.TierAdmin, BillingCustomerRef: testutil.Ptr("cus_1")})

	ev := billing.SubscriptionDeleted{EventMeta: meta("evt_a", billing.TypeSubscriptionDeleted), CustomerRef: "cus_1"}
	require.NoError(t, f.svc.Dispatch(context.Background(), ev))

	assert.Equal(t, model.TierAdmin, f.users.Snapshot(1).Tier)
	assert.Empty(t, f.publisher.Messages)
}

func TestMirrorFailureDoesNotFailEvent(t *testing.T) {
	f := newBillingFixture(t, model.User{ID: 1, Email: "x@b.com", IdentityRef: testutil.Ptr("idp_1"), BillingCustomerRef: testutil.Ptr("cus_1")})
	f.idp.Fail["set_role"] = true

	ev := billing.SubscriptionChanged{EventMeta: meta("evt_m", billing.TypeSubscriptionUpdated), CustomerRef: "cus_1", Status: "active"}
	require.NoError(t, f.svc.Dispatch(context.Background(), ev))

	assert.Equal(t, model.TierPremium, f.users.Snapshot(1).Tier)
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.MirrorSyncFailuresTotal.WithLabelValues("set_role")))
}

func TestDispatchUnhandledIsNoop(t *testing.T) {
	f := newBillingFixture(t, model.User{ID: 1, Email: "x@b.com"})
	require.NoError(t, f.svc.Dispatch(context.Background(), billing.Unhandled{EventMeta: meta("evt_u", "invoice.paid")}))
	assert.Equal(t, 0, f.users.Writes)
	assert.Empty(t, f.unlinked.Events)
}

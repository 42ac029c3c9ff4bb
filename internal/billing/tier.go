package billing

import (
	"strings"

	"controlplane/internal/model"
)

// StatusCanceled is written by subscription deletion regardless of the prior status.
const StatusCanceled = "canceled"

// premiumStatuses are the provider subscription statuses that grant the premium tier.
var premiumStatuses = map[string]struct{}{
	"active":     {},
	"trialing":   {},
	"incomplete": {},
}

// NormalizeStatus lowercases and trims a provider status string.
func NormalizeStatus(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}

// TierForStatus maps a provider subscription status onto the canonical tier.
func TierForStatus(status string) model.Tier {
	if _, ok := premiumStatuses[NormalizeStatus(status)]; ok {
		return model.TierPremium
	}
	return model.TierBasic
}

// ForSubscription computes the record update for a created or updated subscription.
// planRef is the locally cached plan for the event's product, nil when unresolved.
func ForSubscription(ev SubscriptionChanged, planRef *int64) model.TierUpdate {
	occurred := ev.OccurredAt
	return model.TierUpdate{
		Tier:       TierForStatus(ev.Status),
		Status:     NormalizeStatus(ev.Status),
		PlanRef:    planRef,
		UpgradedAt: &occurred,
	}
}

// ForCheckout computes the record update for a completed checkout. A checkout that names
// no product leaves the current plan in place; the subscription events carry it.
func ForCheckout(ev CheckoutCompleted, planRef *int64) model.TierUpdate {
	occurred := ev.OccurredAt
	upd := model.TierUpdate{
		Tier:       model.TierPremium,
		Status:     "active",
		PlanRef:    planRef,
		KeepPlan:   ev.ProductRef == "",
		UpgradedAt: &occurred,
	}
	if ev.CustomerRef != "" {
		ref := ev.CustomerRef
		upd.CustomerRef = &ref
	}
	return upd
}

// ForDeletion forces the record back to basic with no plan.
func ForDeletion(SubscriptionDeleted) model.TierUpdate {
	return model.TierUpdate{
		Tier:    model.TierBasic,
		Status:  StatusCanceled,
		PlanRef: nil,
	}
}

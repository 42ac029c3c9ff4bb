package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"controlplane/internal/billing"
	"controlplane/internal/metrics"
	"controlplane/internal/model"
	"controlplane/internal/pubsub"
	"controlplane/internal/repository"

	"github.com/rs/zerolog"
)

// LinkPath records how a billing event was matched to a user record.
type LinkPath string

const (
	LinkedByCorrelationKey LinkPath = "correlation_key"
	LinkedByCustomerRef    LinkPath = "customer_ref"
	LinkedByEventEmail     LinkPath = "event_email"
	LinkedByProviderEmail  LinkPath = "provider_email"
	NotLinked              LinkPath = "none"
)

// Linkage is the result of resolving an event to a record. When Path is NotLinked,
// Change is nil and Reason says why.
type Linkage struct {
	Change *repository.TierChange
	Path   LinkPath
	Reason string
}

// Found reports whether a record was matched and written.
func (l Linkage) Found() bool {
	return l.Path != NotLinked && l.Change != nil
}

func notLinked(reason string) Linkage {
	return Linkage{Path: NotLinked, Reason: reason}
}

// TierChangedMessage is published when a billing event moves a record to another tier.
type TierChangedMessage struct {
	UserID       int64      `json:"userId"`
	IdentityRef  *string    `json:"identityRef"`
	Email        string     `json:"email"`
	PreviousTier model.Tier `json:"previousTier"`
	Tier         model.Tier `json:"tier"`
	Status       string     `json:"status"`
	EventID      string     `json:"eventId"`
}

// BillingDeps are the collaborators of BillingService.
type BillingDeps struct {
	Users     repository.UserRepository
	Plans     repository.PlanRepository
	Unlinked  repository.UnlinkedEventRepository
	Customers billing.CustomerLookup
	Mirror    *MirrorService
	Publisher pubsub.Publisher
	TierTopic string
	Metrics   *metrics.Metrics
}

// BillingService reconciles verified billing events into the canonical user record.
type BillingService struct {
	deps   BillingDeps
	logger zerolog.Logger
}

// NewBillingService creates a BillingService with a scoped logger.
func NewBillingService(deps BillingDeps, logger zerolog.Logger) *BillingService {
	if deps.Publisher == nil {
		deps.Publisher = pubsub.NopPublisher{}
	}
	return &BillingService{
		deps:   deps,
		logger: logger.With().Str("service", "BillingService").Logger(),
	}
}

// Dispatch routes ev to its handler. Unhandled event types are logged and succeed.
func (s *BillingService) Dispatch(ctx context.Context, ev billing.Event) error {
	switch e := ev.(type) {
	case billing.CheckoutCompleted:
		return s.HandleCheckoutCompleted(ctx, e)
	case billing.SubscriptionChanged:
		return s.HandleSubscriptionChanged(ctx, e)
	case billing.SubscriptionDeleted:
		return s.HandleSubscriptionDeleted(ctx, e)
	default:
		meta := ev.Meta()
		s.logger.Info().Str("event_id", meta.ID).Str("event_type", meta.Type).Msg("Billing event ignored (unhandled type)")
		return nil
	}
}

// HandleCheckoutCompleted links the checkout to a record by correlation key, falling back
// to the checkout email, and stores the billing customer reference on it.
func (s *BillingService) HandleCheckoutCompleted(ctx context.Context, ev billing.CheckoutCompleted) error {
	upd := billing.ForCheckout(ev, s.resolvePlan(ctx, ev.EventMeta, ev.ProductRef))

	link, err := s.linkCheckout(ctx, ev, upd)
	if err != nil {
		return err
	}
	return s.finish(ctx, ev.EventMeta, link, ev.CustomerRef, ev.CorrelationKey, ev.Email)
}

// HandleSubscriptionChanged applies the status-derived tier to the customer's record.
func (s *BillingService) HandleSubscriptionChanged(ctx context.Context, ev billing.SubscriptionChanged) error {
	upd := billing.ForSubscription(ev, s.resolvePlan(ctx, ev.EventMeta, ev.ProductRef))

	link, err := s.linkByCustomer(ctx, ev.EventMeta, ev.CustomerRef, upd)
	if err != nil {
		return err
	}
	return s.finish(ctx, ev.EventMeta, link, ev.CustomerRef, ev.CorrelationKey, "")
}

// HandleSubscriptionDeleted downgrades the customer's record to basic.
func (s *BillingService) HandleSubscriptionDeleted(ctx context.Context, ev billing.SubscriptionDeleted) error {
	link, err := s.linkByCustomer(ctx, ev.EventMeta, ev.CustomerRef, billing.ForDeletion(ev))
	if err != nil {
		return err
	}
	return s.finish(ctx, ev.EventMeta, link, ev.CustomerRef, ev.CorrelationKey, "")
}

func (s *BillingService) linkCheckout(ctx context.Context, ev billing.CheckoutCompleted, upd model.TierUpdate) (Linkage, error) {
	if ev.CorrelationKey != "" {
		change, found, err := s.deps.Users.ApplyTierByIdentityRef(ctx, ev.CorrelationKey, upd)
		if err != nil {
			return Linkage{}, fmt.Errorf("link checkout %s by correlation key: %w", ev.SessionID, err)
		}
		if found {
			return Linkage{Change: change, Path: LinkedByCorrelationKey}, nil
		}
		s.logger.Warn().
			Str("event_id", ev.ID).
			Str("correlation_key", ev.CorrelationKey).
			Msg("Checkout correlation key matched no user; falling back to email")
	}

	if ev.Email == "" {
		return notLinked("checkout correlation key matched no user and checkout has no email"), nil
	}
	change, found, err := s.deps.Users.ApplyTierByEmail(ctx, ev.Email, upd)
	if err != nil {
		return Linkage{}, fmt.Errorf("link checkout %s by email: %w", ev.SessionID, err)
	}
	if !found {
		return notLinked("no user matches checkout correlation key or email"), nil
	}
	return Linkage{Change: change, Path: LinkedByEventEmail}, nil
}

// linkByCustomer matches on billing_customer_ref, then on the provider-reported customer
// email. The email path backfills billing_customer_ref but never replaces a different one.
func (s *BillingService) linkByCustomer(ctx context.Context, meta billing.EventMeta, customerRef string, upd model.TierUpdate) (Linkage, error) {
	if customerRef == "" {
		return notLinked("event has no customer reference"), nil
	}

	change, found, err := s.deps.Users.ApplyTierByCustomerRef(ctx, customerRef, upd)
	if err != nil {
		return Linkage{}, fmt.Errorf("link %s by customer ref: %w", meta.Type, err)
	}
	if found {
		return Linkage{Change: change, Path: LinkedByCustomerRef}, nil
	}

	s.logger.Warn().
		Str("event_id", meta.ID).
		Str("customer_id", customerRef).
		Msg("Customer ref matched no user; looking up billing customer email")

	info, err := s.deps.Customers.LookupCustomer(ctx, customerRef)
	if err != nil {
		return Linkage{}, fmt.Errorf("lookup billing customer: %w", err)
	}
	if info.Deleted {
		return notLinked("billing customer is deleted"), nil
	}
	if info.Email == "" {
		return notLinked("billing customer has no email"), nil
	}

	ref := customerRef
	upd.CustomerRef = &ref
	upd.BackfillOnly = true
	change, found, err = s.deps.Users.ApplyTierByEmail(ctx, info.Email, upd)
	if errors.Is(err, repository.ErrCustomerRefConflict) {
		return notLinked("customer ref conflict: user with billing customer email is linked to another customer"), nil
	}
	if err != nil {
		return Linkage{}, fmt.Errorf("link %s by customer email: %w", meta.Type, err)
	}
	if !found {
		return notLinked("no user matches billing customer email"), nil
	}
	return Linkage{Change: change, Path: LinkedByProviderEmail}, nil
}

// resolvePlan returns the cached plan id for productRef, or nil. Lookup failures never
// block the tier write.
func (s *BillingService) resolvePlan(ctx context.Context, meta billing.EventMeta, productRef string) *int64 {
	if productRef == "" {
		return nil
	}
	plan, found, err := s.deps.Plans.GetByProductRef(ctx, productRef)
	if err != nil {
		s.logger.Warn().Err(err).Str("event_id", meta.ID).Str("product_ref", productRef).Msg("Plan lookup failed; writing without plan")
		return nil
	}
	if !found {
		s.logger.Info().Str("event_id", meta.ID).Str("product_ref", productRef).Msg("Product not in plan cache; writing without plan")
		return nil
	}
	id := plan.ID
	return &id
}

func (s *BillingService) finish(ctx context.Context, meta billing.EventMeta, link Linkage, customerRef, correlationKey, email string) error {
	s.deps.Metrics.LinkageTotal.WithLabelValues(meta.Type, string(link.Path)).Inc()

	if !link.Found() {
		s.recordUnlinked(ctx, meta, link.Reason, customerRef, correlationKey, email)
		return nil
	}

	u := link.Change.User
	s.logger.Info().
		Str("event_id", meta.ID).
		Str("event_type", meta.Type).
		Int64("user_id", u.ID).
		Str("path", string(link.Path)).
		Str("tier", string(u.Tier)).
		Str("status", u.Status).
		Msg("Billing event applied")

	// Canonical write stands whatever happens below.
	_ = s.deps.Mirror.SyncRole(ctx, u)

	if link.Change.PreviousTier != u.Tier {
		s.notifyTierChanged(ctx, meta, link.Change)
	}
	return nil
}

func (s *BillingService) recordUnlinked(ctx context.Context, meta billing.EventMeta, reason, customerRef, correlationKey, email string) {
	s.logger.Warn().
		Str("event_id", meta.ID).
		Str("event_type", meta.Type).
		Str("customer_id", customerRef).
		Str("correlation_key", correlationKey).
		Str("email", email).
		Str("reason", reason).
		Msg("Billing event could not be linked to a user; needs manual reconciliation")

	rec := &model.UnlinkedEvent{
		EventID:        meta.ID,
		EventType:      meta.Type,
		CustomerRef:    nullable(customerRef),
		CorrelationKey: nullable(correlationKey),
		Email:          nullable(email),
		Reason:         reason,
	}
	if err := s.deps.Unlinked.Create(ctx, rec); err != nil {
		s.logger.Error().Err(err).Str("event_id", meta.ID).Msg("Failed to record unlinked billing event")
	}
}

func (s *BillingService) notifyTierChanged(ctx context.Context, meta billing.EventMeta, change *repository.TierChange) {
	if s.deps.TierTopic == "" {
		return
	}
	u := change.User
	payload, err := json.Marshal(TierChangedMessage{
		UserID:       u.ID,
		IdentityRef:  u.IdentityRef,
		Email:        u.Email,
		PreviousTier: change.PreviousTier,
		Tier:         u.Tier,
		Status:       u.Status,
		EventID:      meta.ID,
	})
	if err != nil {
		s.logger.Error().Err(err).Int64("user_id", u.ID).Msg("Failed to encode tier change message")
		return
	}
	if _, err := s.deps.Publisher.Publish(ctx, s.deps.TierTopic, payload); err != nil {
		s.logger.Warn().Err(err).Int64("user_id", u.ID).Str("topic", s.deps.TierTopic).Msg("Failed to publish tier change")
	}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

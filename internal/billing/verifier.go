package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

var (
	ErrMissingSignature = errors.New("missing billing signature header")
	ErrInvalidSignature = errors.New("invalid billing signature")
	ErrMalformedEvent   = errors.New("malformed billing event")
)

// Verifier authenticates inbound billing notifications against the shared webhook secret.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

// NewVerifier returns a Verifier using the provider's default timestamp tolerance.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: secret, tolerance: webhook.DefaultTolerance}
}

// Verify checks sigHeader over the exact raw payload bytes and decodes the typed event.
func (v *Verifier) Verify(payload []byte, sigHeader string) (Event, error) {
	if strings.TrimSpace(sigHeader) == "" {
		return nil, ErrMissingSignature
	}
	if strings.TrimSpace(v.secret) == "" {
		return nil, fmt.Errorf("%w: webhook secret not configured", ErrInvalidSignature)
	}

	raw, err := webhook.ConstructEventWithOptions(payload, sigHeader, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrNotSigned),
			errors.Is(err, webhook.ErrInvalidHeader),
			errors.Is(err, webhook.ErrNoValidSignature),
			errors.Is(err, webhook.ErrTooOld):
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		default:
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
	}
	return Decode(&raw)
}

// Decode converts a provider event envelope into the closed Event variant.
func Decode(raw *stripe.Event) (Event, error) {
	meta := EventMeta{
		ID:         raw.ID,
		Type:       string(raw.Type),
		OccurredAt: time.Unix(raw.Created, 0).UTC(),
	}
	if raw.Data == nil {
		if isModeled(meta.Type) {
			return nil, fmt.Errorf("%w: %s has no data object", ErrMalformedEvent, meta.Type)
		}
		return Unhandled{EventMeta: meta}, nil
	}

	switch meta.Type {
	case TypeCheckoutCompleted:
		var cs checkoutSessionObject
		if err := json.Unmarshal(raw.Data.Raw, &cs); err != nil {
			return nil, fmt.Errorf("%w: decode checkout session: %v", ErrMalformedEvent, err)
		}
		return CheckoutCompleted{
			EventMeta:      meta,
			SessionID:      cs.ID,
			CustomerRef:    strings.TrimSpace(cs.Customer),
			CorrelationKey: cs.correlationKey(),
			Email:          cs.email(),
			ProductRef:     strings.TrimSpace(cs.Metadata["product_id"]),
		}, nil

	case TypeSubscriptionCreated, TypeSubscriptionUpdated:
		var sub subscriptionObject
		if err := json.Unmarshal(raw.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("%w: decode subscription: %v", ErrMalformedEvent, err)
		}
		return SubscriptionChanged{
			EventMeta:      meta,
			SubscriptionID: sub.ID,
			CustomerRef:    strings.TrimSpace(sub.Customer),
			CorrelationKey: strings.TrimSpace(sub.Metadata["identity_ref"]),
			Status:         NormalizeStatus(sub.Status),
			ProductRef:     sub.firstProductRef(),
		}, nil

	case TypeSubscriptionDeleted:
		var sub subscriptionObject
		if err := json.Unmarshal(raw.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("%w: decode subscription: %v", ErrMalformedEvent, err)
		}
		return SubscriptionDeleted{
			EventMeta:      meta,
			SubscriptionID: sub.ID,
			CustomerRef:    strings.TrimSpace(sub.Customer),
			CorrelationKey: strings.TrimSpace(sub.Metadata["identity_ref"]),
		}, nil

	default:
		return Unhandled{EventMeta: meta}, nil
	}
}

func isModeled(eventType string) bool {
	switch eventType {
	case TypeCheckoutCompleted, TypeSubscriptionCreated, TypeSubscriptionUpdated, TypeSubscriptionDeleted:
		return true
	}
	return false
}

package billing

import (
	"strings"
	"time"
)

// Notification types the reconciliation handlers act on.
const (
	TypeCheckoutCompleted   = "checkout.session.completed"
	TypeSubscriptionCreated = "customer.subscription.created"
	TypeSubscriptionUpdated = "customer.subscription.updated"
	TypeSubscriptionDeleted = "customer.subscription.deleted"
)

// Event is a verified billing notification. The set of implementations is closed:
// CheckoutCompleted, SubscriptionChanged, SubscriptionDeleted and Unhandled.
type Event interface {
	Meta() EventMeta
	isEvent()
}

// EventMeta is carried by every event variant.
type EventMeta struct {
	ID         string
	Type       string
	OccurredAt time.Time
}

func (m EventMeta) Meta() EventMeta { return m }

// CheckoutCompleted is a finished checkout session.
type CheckoutCompleted struct {
	EventMeta
	SessionID   string
	CustomerRef string
	// CorrelationKey is the identity reference supplied when the checkout was initiated.
	CorrelationKey string
	Email          string
	ProductRef     string
}

// SubscriptionChanged is a subscription creation or update.
type SubscriptionChanged struct {
	EventMeta
	SubscriptionID string
	CustomerRef    string
	CorrelationKey string
	Status         string
	ProductRef     string
}

// SubscriptionDeleted is a subscription that has ended.
type SubscriptionDeleted struct {
	EventMeta
	SubscriptionID string
	CustomerRef    string
	CorrelationKey string
}

// Unhandled is any notification type the system does not model.
type Unhandled struct {
	EventMeta
}

func (CheckoutCompleted) isEvent()   {}
func (SubscriptionChanged) isEvent() {}
func (SubscriptionDeleted) isEvent() {}
func (Unhandled) isEvent()           {}

// Wire shapes of the nested data.object, limited to the fields we read.

type checkoutSessionObject struct {
	ID                string `json:"id"`
	Customer          string `json:"customer"`
	ClientReferenceID string `json:"client_reference_id"`
	CustomerEmail     string `json:"customer_email"`
	CustomerDetails   *struct {
		Email string `json:"email"`
	} `json:"customer_details"`
	Metadata map[string]string `json:"metadata"`
}

type subscriptionObject struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
	Status   string `json:"status"`
	Items    struct {
		Data []struct {
			Price struct {
				ID      string `json:"id"`
				Product string `json:"product"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

// firstProductRef returns the product reference of the first priced line item.
func (s *subscriptionObject) firstProductRef() string {
	for _, item := range s.Items.Data {
		if ref := strings.TrimSpace(item.Price.Product); ref != "" {
			return ref
		}
	}
	return ""
}

func (c *checkoutSessionObject) correlationKey() string {
	if ref := strings.TrimSpace(c.ClientReferenceID); ref != "" {
		return ref
	}
	return strings.TrimSpace(c.Metadata["identity_ref"])
}

func (c *checkoutSessionObject) email() string {
	if c.CustomerDetails != nil {
		if e := strings.TrimSpace(c.CustomerDetails.Email); e != "" {
			return e
		}
	}
	return strings.TrimSpace(c.CustomerEmail)
}

package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/customer"
)

// CustomerInfo is what the reconciliation path needs to know about a billing customer.
type CustomerInfo struct {
	Email   string
	Deleted bool
}

// CustomerLookup fetches billing customers from the payment provider.
type CustomerLookup interface {
	LookupCustomer(ctx context.Context, customerRef string) (CustomerInfo, error)
}

// StripeCustomers looks customers up through the provider API with an explicit key.
type StripeCustomers struct {
	client customer.Client
}

// NewStripeCustomers builds a lookup client bound to secretKey.
func NewStripeCustomers(secretKey string) *StripeCustomers {
	return &StripeCustomers{client: customer.Client{B: stripe.GetBackend(stripe.APIBackend), Key: secretKey}}
}

func (s *StripeCustomers) LookupCustomer(ctx context.Context, customerRef string) (CustomerInfo, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	c, err := s.client.Get(customerRef, params)
	if err != nil {
		var serr *stripe.Error
		if errors.As(err, &serr) && serr.Code == stripe.ErrorCodeResourceMissing {
			return CustomerInfo{Deleted: true}, nil
		}
		return CustomerInfo{}, fmt.Errorf("fetch billing customer %s: %w", customerRef, err)
	}
	return CustomerInfo{Email: strings.TrimSpace(c.Email), Deleted: c.Deleted}, nil
}

package billing

import (
	"testing"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "whsec_test_123"

func sign(t *testing.T, secret, payload string, at time.Time) string {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: at,
		Scheme:    "v1",
	})
	return signed.Header
}

func TestVerifyDecodesVariants(t *testing.T) {
	v := NewVerifier(testSecret)

	tests := []struct {
		name    string
		payload string
		check   func(t *testing.T, ev Event)
	}{
		{
			name: "checkout with client reference and details email",
			payload: `{"id":"evt_1","object":"event","type":"checkout.session.completed","created":1700000000,
				"data":{"object":{"id":"cs_1","customer":"cus_1","client_reference_id":"idp_1",
				"customer_email":"fallback@b.com","customer_details":{"email":"a@b.com"},
				"metadata":{"product_id":"prod_pro"}}}}`,
			check: func(t *testing.T, ev Event) {
				cs, ok := ev.(CheckoutCompleted)
				require.True(t, ok)
				assert.Equal(t, "evt_1", cs.ID)
				assert.Equal(t, "cs_1", cs.SessionID)
				assert.Equal(t, "cus_1", cs.CustomerRef)
				assert.Equal(t, "idp_1", cs.CorrelationKey)
				assert.Equal(t, "a@b.com", cs.Email)
				assert.Equal(t, "prod_pro", cs.ProductRef)
				assert.Equal(t, time.Unix(1700000000, 0).UTC(), cs.OccurredAt)
			},
		},
		{
			name: "checkout with metadata correlation and customer_email",
			payload: `{"id":"evt_2","object":"event","type":"checkout.session.completed","created":1700000000,
				"data":{"object":{"id":"cs_2","customer":"cus_2","customer_email":"c@b.com",
				"metadata":{"identity_ref":"idp_2"}}}}`,
			check: func(t *testing.T, ev Event) {
				cs := ev.(CheckoutCompleted)
				assert.Equal(t, "idp_2", cs.CorrelationKey)
				assert.Equal(t, "c@b.com", cs.Email)
				assert.Empty(t, cs.ProductRef)
			},
		},
		{
			name: "subscription updated",
			payload: `{"id":"evt_3","object":"event","type":"customer.subscription.updated","created":1700000000,
				"data":{"object":{"id":"sub_1","customer":"cus_3","status":"Trialing",
				"items":{"data":[{"price":{"id":"price_1","product":"prod_pro"}}]}}}}`,
			check: func(t *testing.T, ev Event) {
				sub, ok := ev.(SubscriptionChanged)
				require.True(t, ok)
				assert.Equal(t, TypeSubscriptionUpdated, sub.Type)
				assert.Equal(t, "cus_3", sub.CustomerRef)
				assert.Equal(t, "trialing", sub.Status)
				assert.Equal(t, "prod_pro", sub.ProductRef)
			},
		},
		{
			name: "subscription deleted",
			payload: `{"id":"evt_4","object":"event","type":"customer.subscription.deleted","created":1700000000,
				"data":{"object":{"id":"sub_2","customer":"cus_4","status":"canceled"}}}`,
			check: func(t *testing.T, ev Event) {
				del, ok := ev.(SubscriptionDeleted)
				require.True(t, ok)
				assert.Equal(t, "cus_4", del.CustomerRef)
			},
		},
		{
			name: "unhandled type",
			payload: `{"id":"evt_5","object":"event","type":"invoice.paid","created":1700000000,
				"data":{"object":{"id":"in_1"}}}`,
			check: func(t *testing.T, ev Event) {
				u, ok := ev.(Unhandled)
				require.True(t, ok)
				assert.Equal(t, "invoice.paid", u.Type)
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := v.Verify([]byte(tc.payload), sign(t, testSecret, tc.payload, time.Now()))
			require.NoError(t, err)
			tc.check(t, ev)
		})
	}
}

func TestVerifyRejects(t *testing.T) {
	v := NewVerifier(testSecret)
	payload := `{"id":"evt_1","object":"event","type":"invoice.paid","created":1700000000,"data":{"object":{}}}`

	t.Run("missing header", func(t *testing.T) {
		_, err := v.Verify([]byte(payload), "")
		assert.ErrorIs(t, err, ErrMissingSignature)
	})

	t.Run("wrong secret", func(t *testing.T) {
		_, err := v.Verify([]byte(payload), sign(t, "whsec_wrong", payload, time.Now()))
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("tampered body", func(t *testing.T) {
		header := sign(t, testSecret, payload, time.Now())
		_, err := v.Verify([]byte(payload+" "), header)
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("stale timestamp", func(t *testing.T) {
		_, err := v.Verify([]byte(payload), sign(t, testSecret, payload, time.Now().Add(-time.Hour)))
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("garbage header", func(t *testing.T) {
		_, err := v.Verify([]byte(payload), "not-a-signature")
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("signed but malformed json", func(t *testing.T) {
		bad := `{"id":`
		_, err := v.Verify([]byte(bad), sign(t, testSecret, bad, time.Now()))
		assert.ErrorIs(t, err, ErrMalformedEvent)
	})

	t.Run("no secret configured", func(t *testing.T) {
		_, err := NewVerifier("").Verify([]byte(payload), sign(t, testSecret, payload, time.Now()))
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})
}

package billing

import (
	"net/http"
	"testing"
	"time"

	"github.com/DukeRupert/academy-billing/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v79/webhook"
)

func TestStripe_ParseWebhook(t *testing.T) {
	const secret = "whsec_stripe_test"
	gw := NewStripeGateway(StripeConfig{SecretKey: "sk_test", WebhookSecret: secret})

	tests := []struct {
		name       string
		payload    string
		wantKind   domain.EventKind
		wantReason string
	}{
		{
			name:     "succeeded",
			payload:  `{"id":"evt_1","object":"event","type":"payment_intent.succeeded","created":1740787200,"data":{"object":{"id":"pi_1","object":"payment_intent","amount":60000,"metadata":{"payment_id":"renew_abc_20250301"}}}}`,
			wantKind: domain.EventChargeSucceeded,
		},
		{
			name:       "failed",
			payload:    `{"id":"evt_2","object":"event","type":"payment_intent.payment_failed","created":1740787200,"data":{"object":{"id":"pi_1","object":"payment_intent","amount":60000,"metadata":{"payment_id":"renew_abc_20250301"},"last_payment_error":{"message":"Your card was declined."}}}}`,
			wantKind:   domain.EventChargeFailed,
			wantReason: "Your card was declined.",
		},
		{
			name:     "ignored",
			payload:  `{"id":"evt_3","object":"event","type":"customer.created","created":1740787200,"data":{"object":{"id":"cus_1","object":"customer"}}}`,
			wantKind: domain.EventIgnored,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
				Payload:   []byte(tt.payload),
				Secret:    secret,
				Timestamp: time.Now(),
			})
			h := http.Header{}
			h.Set("Stripe-Signature", signed.Header)

			ev, err := gw.ParseWebhook(t.Context(), h, signed.Payload)
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, ev.Kind)
			assert.Equal(t, "stripe", ev.Provider)
			if tt.wantKind != domain.EventIgnored {
				assert.Equal(t, "renew_abc_20250301", ev.PaymentID)
				assert.Equal(t, domain.Money(60000), ev.Amount)
			}
			assert.Equal(t, tt.wantReason, ev.FailureReason)
		})
	}

	t.Run("malformed body", func(t *testing.T) {
		for name, payload := range map[string]string{
			"not json":           `{"id":"evt_4",`,
			"bad payment intent": `{"id":"evt_5","object":"event","type":"payment_intent.succeeded","created":1740787200,"data":{"object":{"id":"pi_1","object":"payment_intent","amount":"lots"}}}`,
		} {
			t.Run(name, func(t *testing.T) {
				signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
					Payload:   []byte(payload),
					Secret:    secret,
					Timestamp: time.Now(),
				})
				h := http.Header{}
				h.Set("Stripe-Signature", signed.Header)

				_, err := gw.ParseWebhook(t.Context(), h, signed.Payload)
				assert.ErrorIs(t, err, ErrMalformedWebhook)
				assert.NotErrorIs(t, err, ErrInvalidSignature)
				assert.Equal(t, domain.EINVALID, domain.ErrorCode(ToDomain("test.op", err)))
			})
		}
	})

	t.Run("bad signature", func(t *testing.T) {
		h := http.Header{}
		h.Set("Stripe-Signature", "t=1,v1=deadbeef")
		_, err := gw.ParseWebhook(t.Context(), h, []byte(`{}`))
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})
}

package payments

import (
	"context"
	"errors"
	"testing"

	"github.com/stripe/stripe-go/v78"
)

type stubIntentAPI struct {
	newFunc     func(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	confirmFunc func(id string, params *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error)
	getFunc     func(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	cancelFunc  func(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error)
}

func (s *stubIntentAPI) New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return s.newFunc(params)
}

func (s *stubIntentAPI) Confirm(id string, params *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error) {
	return s.confirmFunc(id, params)
}

func (s *stubIntentAPI) Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return s.getFunc(id, params)
}

func (s *stubIntentAPI) Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error) {
	return s.cancelFunc(id, params)
}

func newTestStripeProvider(t *testing.T, api *stubIntentAPI) *StripeProvider {
	t.Helper()
	provider, err := NewStripeProvider(StripeProviderConfig{AccountID: "acct_1", intents: api})
	if err != nil {
		t.Fatalf("NewStripeProvider: %v", err)
	}
	return provider
}

func TestStripeCreateIntentSendsMinorUnitsAndIdempotencyKey(t *testing.T) {
	var captured *stripe.PaymentIntentParams
	api := &stubIntentAPI{newFunc: func(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
		captured = params
		return &stripe.PaymentIntent{
			ID:           "pi_123",
			ClientSecret: "pi_123_secret",
			Amount:       2000,
			Currency:     stripe.CurrencyUSD,
			Status:       stripe.PaymentIntentStatusRequiresPaymentMethod,
		}, nil
	}}
	provider := newTestStripeProvider(t, api)

	intent, err := provider.CreateIntent(context.Background(), IntentRequest{
		Amount:         2000,
		Currency:       "USD",
		IdempotencyKey: "key-1",
		Metadata:       map[string]string{"draftId": "d1"},
	})
	if err != nil {
		t.Fatalf("CreateIntent: %v", err)
	}
	if intent.ID != "pi_123" || intent.ClientSecret != "pi_123_secret" || intent.Status != StatusPending {
		t.Fatalf("unexpected intent %+v", intent)
	}
	if *captured.Amount != 2000 || *captured.Currency != "usd" {
		t.Fatalf("unexpected params amount=%d currency=%s", *captured.Amount, *captured.Currency)
	}
	if captured.IdempotencyKey == nil || *captured.IdempotencyKey != "key-1" {
		t.Fatalf("expected idempotency key to be set")
	}
	if captured.StripeAccount == nil || *captured.StripeAccount != "acct_1" {
		t.Fatalf("expected connected account header")
	}
	if captured.Metadata["draftId"] != "d1" {
		t.Fatalf("expected metadata to be forwarded, got %v", captured.Metadata)
	}
}

func TestStripeCreateIntentRejectsNonPositiveAmount(t *testing.T) {
	provider := newTestStripeProvider(t, &stubIntentAPI{})
	if _, err := provider.CreateIntent(context.Background(), IntentRequest{Amount: 0, Currency: "usd"}); err == nil {
		t.Fatalf("expected error for zero amount")
	}
}

func TestStripeConfirmMapsOutcomes(t *testing.T) {
	cases := []struct {
		name     string
		intent   *stripe.PaymentIntent
		err      error
		status   Status
		redirect string
		message  string
	}{
		{
			name:   "succeeded",
			intent: &stripe.PaymentIntent{ID: "pi_1", Status: stripe.PaymentIntentStatusSucceeded, Amount: 2000},
			status: StatusSucceeded,
		},
		{
			name: "requires action",
			intent: &stripe.PaymentIntent{
				ID:     "pi_1",
				Status: stripe.PaymentIntentStatusRequiresAction,
				NextAction: &stripe.PaymentIntentNextAction{
					RedirectToURL: &stripe.PaymentIntentNextActionRedirectToURL{URL: "https://hooks.stripe.com/3ds"},
				},
			},
			status:   StatusRequiresAction,
			redirect: "https://hooks.stripe.com/3ds",
		},
		{
			name: "requires payment method after failure",
			intent: &stripe.PaymentIntent{
				ID:               "pi_1",
				Status:           stripe.PaymentIntentStatusRequiresPaymentMethod,
				LastPaymentError: &stripe.Error{Msg: "insufficient funds"},
			},
			status:  StatusFailed,
			message: "insufficient funds",
		},
		{
			name:    "card error",
			err:     &stripe.Error{Type: stripe.ErrorTypeCard, Msg: "Your card was declined."},
			status:  StatusFailed,
			message: "Your card was declined.",
		},
		{
			name:   "processing",
			intent: &stripe.PaymentIntent{ID: "pi_1", Status: stripe.PaymentIntentStatusProcessing},
			status: StatusPending,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var gotParams *stripe.PaymentIntentConfirmParams
			api := &stubIntentAPI{confirmFunc: func(id string, params *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error) {
				gotParams = params
				return tc.intent, tc.err
			}}
			provider := newTestStripeProvider(t, api)

			details, err := provider.Confirm(context.Background(), ConfirmRequest{
				IntentID:        "pi_1",
				PaymentMethodID: "pm_card",
				ReturnURL:       "https://shop.example.com/checkout/complete",
			})
			if err != nil {
				t.Fatalf("Confirm: %v", err)
			}
			if details.Status != tc.status {
				t.Fatalf("expected status %s, got %s", tc.status, details.Status)
			}
			if details.RedirectURL != tc.redirect {
				t.Fatalf("expected redirect %q, got %q", tc.redirect, details.RedirectURL)
			}
			if details.FailureMessage != tc.message {
				t.Fatalf("expected message %q, got %q", tc.message, details.FailureMessage)
			}
			if *gotParams.PaymentMethod != "pm_card" || *gotParams.ReturnURL == "" {
				t.Fatalf("expected payment method and return url to be forwarded")
			}
		})
	}
}

func TestStripeConfirmReturnsTransportErrors(t *testing.T) {
	boom := &stripe.Error{Type: stripe.ErrorTypeAPI, Msg: "internal"}
	api := &stubIntentAPI{confirmFunc: func(string, *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error) {
		return nil, boom
	}}
	provider := newTestStripeProvider(t, api)

	_, err := provider.Confirm(context.Background(), ConfirmRequest{IntentID: "pi_1"})
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		t.Fatalf("expected wrapped stripe error, got %v", err)
	}
}

func TestStripeLookupPayment(t *testing.T) {
	api := &stubIntentAPI{getFunc: func(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
		return &stripe.PaymentIntent{ID: id, Status: stripe.PaymentIntentStatusSucceeded, Amount: 1250, Currency: stripe.CurrencyUSD}, nil
	}}
	provider := newTestStripeProvider(t, api)

	details, err := provider.LookupPayment(context.Background(), LookupRequest{IntentID: "pi_9"})
	if err != nil {
		t.Fatalf("LookupPayment: %v", err)
	}
	if details.IntentID != "pi_9" || details.Amount != 1250 || details.Currency != "usd" || details.Status != StatusSucceeded {
		t.Fatalf("unexpected details %+v", details)
	}
}

func TestNewStripeProviderRequiresAPIKey(t *testing.T) {
	if _, err := NewStripeProvider(StripeProviderConfig{}); err == nil {
		t.Fatalf("expected error when api key missing")
	}
}

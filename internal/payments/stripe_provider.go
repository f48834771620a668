package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"

	"github.com/megamarket/api/internal/platform/textutil"
)

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Confirm(id string, params *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error)
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey    string
	AccountID string
	Backends  *stripe.Backends
	Logger    StripeLogger

	intents stripePaymentIntentAPI
}

// StripeProvider implements Provider with Stripe PaymentIntents.
type StripeProvider struct {
	intents stripePaymentIntentAPI
	account string
	logger  StripeLogger
}

var _ Provider = (*StripeProvider)(nil)

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	intents := cfg.intents
	if intents == nil {
		apiKey := strings.TrimSpace(cfg.APIKey)
		if apiKey == "" {
			return nil, errors.New("stripe: api key is required")
		}
		intents = client.New(apiKey, cfg.Backends).PaymentIntents
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &StripeProvider{
		intents: intents,
		account: strings.TrimSpace(cfg.AccountID),
		logger:  logger,
	}, nil
}

// CreateIntent creates a PaymentIntent with automatic payment methods enabled.
func (p *StripeProvider) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	if req.Amount <= 0 {
		return Intent{}, fmt.Errorf("stripe: amount must be positive, got %d", req.Amount)
	}
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	p.prepare(ctx, &params.Params, req.IdempotencyKey)
	if email := strings.TrimSpace(req.ReceiptEmail); email != "" {
		params.ReceiptEmail = stripe.String(email)
	}
	if desc := strings.TrimSpace(req.Description); desc != "" {
		params.Description = stripe.String(desc)
	}
	for k, v := range textutil.CompactMetadata(req.Metadata, textutil.StripeMetadataLimits) {
		params.AddMetadata(k, v)
	}

	intent, err := p.intents.New(params)
	if err != nil {
		return Intent{}, fmt.Errorf("stripe: create payment intent: %w", err)
	}
	p.logger(ctx, "payments.stripe.intent.created", map[string]any{
		"paymentIntent": intent.ID,
		"amount":        intent.Amount,
		"currency":      intent.Currency,
	})
	return Intent{
		ID:           intent.ID,
		Provider:     "stripe",
		ClientSecret: intent.ClientSecret,
		Amount:       intent.Amount,
		Currency:     string(intent.Currency),
		Status:       stripePaymentDetails(intent).Status,
	}, nil
}

// Confirm confirms the PaymentIntent. Card declines are reported as StatusFailed with the decline
// message rather than as an error.
func (p *StripeProvider) Confirm(ctx context.Context, req ConfirmRequest) (PaymentDetails, error) {
	params := &stripe.PaymentIntentConfirmParams{}
	p.prepare(ctx, &params.Params, req.IdempotencyKey)
	if pm := strings.TrimSpace(req.PaymentMethodID); pm != "" {
		params.PaymentMethod = stripe.String(pm)
	}
	if url := strings.TrimSpace(req.ReturnURL); url != "" {
		params.ReturnURL = stripe.String(url)
	}

	intent, err := p.intents.Confirm(req.IntentID, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeCard {
			p.logger(ctx, "payments.stripe.intent.declined", map[string]any{
				"paymentIntent": req.IntentID,
				"code":          stripeErr.Code,
				"declineCode":   stripeErr.DeclineCode,
			})
			return PaymentDetails{
				Provider:       "stripe",
				IntentID:       req.IntentID,
				Status:         StatusFailed,
				FailureMessage: stripeErr.Msg,
			}, nil
		}
		return PaymentDetails{}, fmt.Errorf("stripe: confirm payment intent: %w", err)
	}

	details := stripePaymentDetails(intent)
	if details.Status == StatusCanceled || details.Status == StatusPending && intent.Status == stripe.PaymentIntentStatusRequiresPaymentMethod {
		details.Status = StatusFailed
	}
	p.logger(ctx, "payments.stripe.intent.confirmed", map[string]any{
		"paymentIntent": intent.ID,
		"status":        intent.Status,
	})
	return details, nil
}

// LookupPayment retrieves the PaymentIntent.
func (p *StripeProvider) LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error) {
	params := &stripe.PaymentIntentParams{}
	p.prepare(ctx, &params.Params, "")
	intent, err := p.intents.Get(req.IntentID, params)
	if err != nil {
		return PaymentDetails{}, fmt.Errorf("stripe: lookup payment intent: %w", err)
	}
	return stripePaymentDetails(intent), nil
}

// Cancel cancels an unconfirmed PaymentIntent.
func (p *StripeProvider) Cancel(ctx context.Context, req CancelRequest) (PaymentDetails, error) {
	params := &stripe.PaymentIntentCancelParams{
		CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonAbandoned)),
	}
	p.prepare(ctx, &params.Params, req.IdempotencyKey)
	intent, err := p.intents.Cancel(req.IntentID, params)
	if err != nil {
		return PaymentDetails{}, fmt.Errorf("stripe: cancel payment intent: %w", err)
	}
	p.logger(ctx, "payments.stripe.intent.canceled", map[string]any{
		"paymentIntent": intent.ID,
	})
	return stripePaymentDetails(intent), nil
}

func (p *StripeProvider) prepare(ctx context.Context, params *stripe.Params, idempotencyKey string) {
	params.Context = ctx
	if key := strings.TrimSpace(idempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
}

func stripePaymentDetails(intent *stripe.PaymentIntent) PaymentDetails {
	if intent == nil {
		return PaymentDetails{Provider: "stripe", Status: StatusPending}
	}
	details := PaymentDetails{
		Provider: "stripe",
		IntentID: intent.ID,
		Status:   StatusPending,
		Amount:   intent.Amount,
		Currency: string(intent.Currency),
	}
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		details.Status = StatusSucceeded
	case stripe.PaymentIntentStatusRequiresAction:
		details.Status = StatusRequiresAction
		if next := intent.NextAction; next != nil && next.RedirectToURL != nil {
			details.RedirectURL = next.RedirectToURL.URL
		}
	case stripe.PaymentIntentStatusCanceled:
		details.Status = StatusCanceled
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		if intent.LastPaymentError != nil {
			details.Status = StatusFailed
		}
	}
	if intent.LastPaymentError != nil {
		details.FailureMessage = intent.LastPaymentError.Msg
	}
	return details
}

package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Status enumerates the normalised payment states shared across providers.
type Status string

const (
	// StatusPending indicates the provider has not reached a final outcome yet.
	StatusPending Status = "pending"
	// StatusRequiresAction indicates the customer must complete an out-of-band step such as 3-D Secure.
	StatusRequiresAction Status = "requires_action"
	// StatusSucceeded indicates the provider reports the payment as successful.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the payment was declined or errored.
	StatusFailed Status = "failed"
	// StatusCanceled indicates the intent was cancelled before completion.
	StatusCanceled Status = "canceled"
)

// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
var ErrUnsupportedProvider = errors.New("payments: unsupported provider")

// IntentRequest asks the provider for a new payment intent. Amount is in the currency's minor unit.
type IntentRequest struct {
	Amount         int64
	Currency       string
	ReceiptEmail   string
	Description    string
	IdempotencyKey string
	Metadata       map[string]string
}

// Intent is the provider handle returned to the client for confirmation.
type Intent struct {
	ID           string
	Provider     string
	ClientSecret string
	Amount       int64
	Currency     string
	Status       Status
}

// ConfirmRequest confirms an intent with the payment method collected by the client.
type ConfirmRequest struct {
	IntentID        string
	PaymentMethodID string
	ReturnURL       string
	IdempotencyKey  string
}

// LookupRequest fetches the current state of an intent.
type LookupRequest struct {
	IntentID string
}

// CancelRequest cancels an unconfirmed intent.
type CancelRequest struct {
	IntentID       string
	IdempotencyKey string
}

// PaymentDetails normalises provider specific intent state.
type PaymentDetails struct {
	Provider string
	IntentID string
	Status   Status
	Amount   int64
	Currency string
	// RedirectURL is set when Status is StatusRequiresAction.
	RedirectURL string
	// FailureMessage carries the provider's customer-facing decline reason.
	FailureMessage string
}

// Provider defines the contract for PSP adapters to implement.
type Provider interface {
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)
	Confirm(ctx context.Context, req ConfirmRequest) (PaymentDetails, error)
	LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error)
	Cancel(ctx context.Context, req CancelRequest) (PaymentDetails, error)
}

// PaymentContext defines the hints available when selecting a provider.
type PaymentContext struct {
	PreferredProvider string
	Currency          string
}

// Manager routes payment operations to a registered provider.
type Manager struct {
	providers       map[string]Provider
	defaultProvider string
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider overrides the provider used when no preference is given.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = strings.ToLower(strings.TrimSpace(provider))
	}
}

// NewManager constructs a Manager over the supplied providers. "stripe" is the default when registered.
func NewManager(providers map[string]Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	registered := make(map[string]Provider, len(providers))
	for key, provider := range providers {
		normalized := strings.ToLower(strings.TrimSpace(key))
		if normalized == "" || provider == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", key)
		}
		registered[normalized] = provider
	}
	m := &Manager{providers: registered}
	if _, ok := registered["stripe"]; ok {
		m.defaultProvider = "stripe"
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Manager) resolveProvider(paymentCtx PaymentContext) (string, Provider, error) {
	if preferred := strings.ToLower(strings.TrimSpace(paymentCtx.PreferredProvider)); preferred != "" {
		if p, ok := m.providers[preferred]; ok {
			return preferred, p, nil
		}
		return "", nil, ErrUnsupportedProvider
	}
	if p, ok := m.providers[m.defaultProvider]; ok {
		return m.defaultProvider, p, nil
	}
	if len(m.providers) == 1 {
		for key, p := range m.providers {
			return key, p, nil
		}
	}
	return "", nil, ErrUnsupportedProvider
}

// CreateIntent delegates to the resolved provider and stamps the provider key on the intent.
func (m *Manager) CreateIntent(ctx context.Context, paymentCtx PaymentContext, req IntentRequest) (Intent, error) {
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return Intent{}, err
	}
	intent, err := provider.CreateIntent(ctx, req)
	if err != nil {
		return Intent{}, err
	}
	intent.Provider = key
	return intent, nil
}

// Confirm delegates to the resolved provider.
func (m *Manager) Confirm(ctx context.Context, paymentCtx PaymentContext, req ConfirmRequest) (PaymentDetails, error) {
	_, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return PaymentDetails{}, err
	}
	return provider.Confirm(ctx, req)
}

// LookupPayment delegates to the resolved provider.
func (m *Manager) LookupPayment(ctx context.Context, paymentCtx PaymentContext, req LookupRequest) (PaymentDetails, error) {
	_, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return PaymentDetails{}, err
	}
	return provider.LookupPayment(ctx, req)
}

// Cancel delegates to the resolved provider.
func (m *Manager) Cancel(ctx context.Context, paymentCtx PaymentContext, req CancelRequest) (PaymentDetails, error) {
	_, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return PaymentDetails{}, err
	}
	return provider.Cancel(ctx, req)
}

package services

import (
	"context"
	"time"

	domain "github.com/megamarket/api/internal/domain"
)

// Service interfaces ---------------------------------------------------------

// CartService is the cart store. ReplaceLines is the only mutator; the helpers compute a full line set
// and submit it. Every mutator re-fetches and returns the server-resolved cart.
type CartService interface {
	GetCart(ctx context.Context, sess Session) (domain.Cart, error)
	ReplaceLines(ctx context.Context, sess Session, lines []CartLineInput) (domain.Cart, error)
	AddItem(ctx context.Context, sess Session, productID string, quantity int) (domain.Cart, error)
	SetQuantity(ctx context.Context, sess Session, lineID string, quantity int) (domain.Cart, error)
	RemoveLine(ctx context.Context, sess Session, lineID string) (domain.Cart, error)
	Clear(ctx context.Context, sess Session) error
}

// AddressResolver turns an address selection into the formatted snapshot stored on orders.
type AddressResolver interface {
	Resolve(ctx context.Context, sess Session, selection AddressSelection) (ResolvedAddress, error)
	List(ctx context.Context, sess Session) ([]domain.Address, error)
}

// PendingOrderStaging is the durable single-slot holding area keyed by account.
type PendingOrderStaging interface {
	// Stage overwrites the slot.
	Stage(ctx context.Context, sess Session, draft domain.OrderDraft, intentID string) error
	// Consume reads and removes the slot.
	Consume(ctx context.Context, sess Session) (domain.PendingOrder, bool, error)
	// Peek reads the slot without removing it.
	Peek(ctx context.Context, sess Session) (domain.PendingOrder, bool, error)
	// Release removes the slot only while it still holds draftID.
	Release(ctx context.Context, sess Session, draftID string) (bool, error)
	// ExpireBefore removes slots staged before cutoff unless keep reports true, returning the removed slots.
	ExpireBefore(ctx context.Context, cutoff time.Time, limit int, keep func(context.Context, domain.PendingOrder) bool) ([]domain.PendingOrder, error)
}

// OrderFinalizer is the only component that creates orders.
type OrderFinalizer interface {
	Finalize(ctx context.Context, sess Session, draft domain.OrderDraft, opts FinalizeOptions) (FinalizeResult, error)
}

// CheckoutService drives a checkout attempt from intent creation to a finalized order.
type CheckoutService interface {
	Begin(ctx context.Context, sess Session, cmd BeginCheckoutCommand) (CheckoutAttempt, error)
	Confirm(ctx context.Context, sess Session, cmd ConfirmCheckoutCommand) (CheckoutAttempt, error)
	CompleteRedirect(ctx context.Context, sess Session, ret RedirectReturn) (RedirectResult, error)
	Abandon(ctx context.Context, sess Session) (bool, error)
	ExpireStaleDrafts(ctx context.Context, limit int) (int, error)
}

// OrderService exposes the narrow post-creation order operations.
type OrderService interface {
	List(ctx context.Context, sess Session) ([]domain.Order, error)
	Get(ctx context.Context, sess Session, orderID string) (domain.Order, error)
	UpdateAddress(ctx context.Context, sess Session, orderID string, selection AddressSelection) (domain.Order, error)
	Cancel(ctx context.Context, sess Session, orderID string) (domain.Order, error)
}

// OrderEventPublisher emits order lifecycle events to downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// ReceiptArchiver stores an immutable receipt for a finalized order and returns its location.
type ReceiptArchiver interface {
	ArchiveReceipt(ctx context.Context, order domain.Order) (string, error)
}

// OrderNotifier tells the shopper that their order was placed.
type OrderNotifier interface {
	SendOrderConfirmation(ctx context.Context, recipient string, order domain.Order) error
}

// DomainError represents a structured error with stable codes for transport across layers.
type DomainError interface {
	error
	Code() string
	SafeMessage() string
}

// Command and DTO definitions ------------------------------------------------

// CartLineInput is one entry of a full replacement line set. LineID is optional.
type CartLineInput struct {
	LineID    string
	ProductID string
	Quantity  int
}

// AddressInput carries the six fields of a new address.
type AddressInput struct {
	Label      string
	Street     string
	City       string
	State      string
	PostalCode string
	Country    string
}

// AddressSelection picks either a saved address or a new one to persist.
type AddressSelection struct {
	UseNew     bool
	SelectedID string
	New        AddressInput
}

// ResolvedAddress is the outcome of address resolution.
type ResolvedAddress struct {
	AddressID string
	Formatted string
	Created   bool
}

type FinalizeOptions struct {
	ConfirmationID string
	// KeepCart leaves the account's cart untouched after the order is created.
	KeepCart bool
}

type FinalizeResult struct {
	Order   domain.Order
	Created bool
}

type BeginCheckoutCommand struct {
	Address AddressSelection
}

// ConfirmCheckoutCommand confirms a created intent. When Attempt is nil the attempt is rehydrated from
// the staged draft recorded for IntentID.
type ConfirmCheckoutCommand struct {
	IntentID        string
	PaymentMethodID string
	ReturnURL       string
	Attempt         *CheckoutAttempt
}

// RedirectReturn is the state carried back by the provider's hosted flow.
type RedirectReturn struct {
	ConfirmationID string
	Status         string
}

// RedirectOutcome names how a redirect return was resolved.
type RedirectOutcome string

const (
	RedirectOutcomeOrderCreated   RedirectOutcome = "order_created"
	RedirectOutcomeOrderExisting  RedirectOutcome = "order_existing"
	RedirectOutcomeReturnedToCart RedirectOutcome = "returned_to_cart"
)

type RedirectResult struct {
	Outcome     RedirectOutcome
	Order       *domain.Order
	RedirectURL string
}

// OrderEventType enumerates published order events.
type OrderEventType string

const (
	OrderEventPaid      OrderEventType = "order.paid"
	OrderEventCancelled OrderEventType = "order.cancelled"
)

// OrderEvent is the payload published for order lifecycle changes.
type OrderEvent struct {
	Type           OrderEventType
	OrderID        string
	AccountID      string
	Total          string
	Currency       string
	ConfirmationID string
	ReceiptURI     string
	OccurredAt     time.Time
}

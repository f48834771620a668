package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is the read-only catalog projection consulted when pricing cart lines.
type Product struct {
	ID        string
	Name      string
	Price     decimal.Decimal
	ImageURL  string
	UpdatedAt time.Time
}

// CartLine is a single product+quantity entry. Line identity is independent from product identity.
type CartLine struct {
	ID        string
	ProductID string
	Quantity  int
	// Name and UnitPrice are resolved from the catalog on every fetch and never persisted on the cart.
	Name      string
	UnitPrice decimal.Decimal
	AddedAt   time.Time
}

// Subtotal returns UnitPrice × Quantity.
func (l CartLine) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Cart is the ordered set of lines owned by an account.
type Cart struct {
	AccountID string
	Lines     []CartLine
	UpdatedAt time.Time
}

// Empty reports whether the cart has no lines.
func (c Cart) Empty() bool {
	return len(c.Lines) == 0
}

// ItemCount sums the quantities across lines.
func (c Cart) ItemCount() int {
	total := 0
	for _, line := range c.Lines {
		total += line.Quantity
	}
	return total
}

// Total sums line subtotals at the currently resolved prices.
func (c Cart) Total() decimal.Decimal {
	total := decimal.Zero
	for _, line := range c.Lines {
		total = total.Add(line.Subtotal())
	}
	return total
}

// Address is an entry in the account's address book. Saved content is immutable.
type Address struct {
	ID         string
	Label      string
	Street     string
	City       string
	State      string
	PostalCode string
	Country    string
	CreatedAt  time.Time
}

// OrderDraftItem is the item snapshot captured at assembly time.
type OrderDraftItem struct {
	ProductID string
	Name      string
	UnitPrice decimal.Decimal
	Quantity  int
}

// OrderDraft is the computed, not-yet-persisted order payload. It is immutable once staged.
type OrderDraft struct {
	ID              string
	AccountID       string
	Items           []OrderDraftItem
	ShippingAddress string
	Total           decimal.Decimal
	Currency        string
	AssembledAt     time.Time
}

// PendingOrder is a draft staged durably ahead of payment confirmation.
type PendingOrder struct {
	Draft    OrderDraft
	IntentID string
	StagedAt time.Time
}

// PaymentStatus enumerates the payment states recorded on an order.
type PaymentStatus string

const (
	// PaymentStatusUnpaid marks an order that has not been paid.
	PaymentStatusUnpaid PaymentStatus = "UNPAID"
	// PaymentStatusPaid marks an order whose payment was confirmed by the provider.
	PaymentStatusPaid PaymentStatus = "PAID"
)

// OrderStatus tracks the post-creation lifecycle exposed by the order collaborator.
type OrderStatus string

const (
	// OrderStatusPlaced is the initial status for finalized orders.
	OrderStatusPlaced OrderStatus = "placed"
	// OrderStatusCancelled marks an order cancelled by its owner.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// OrderItem records the purchased product with its resolved unit price.
type OrderItem struct {
	ProductID string
	Name      string
	UnitPrice decimal.Decimal
	Quantity  int
}

// Subtotal returns UnitPrice × Quantity.
func (i OrderItem) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Order is the persisted, authoritative record created once per successful payment.
type Order struct {
	ID              string
	AccountID       string
	DraftID         string
	Items           []OrderItem
	ShippingAddress string
	Total           decimal.Decimal
	Currency        string
	PaymentStatus   PaymentStatus
	ConfirmationID  string
	Status          OrderStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CancelledAt     *time.Time
}

// Cancelled reports whether the order has been cancelled.
func (o Order) Cancelled() bool {
	return o.Status == OrderStatusCancelled
}

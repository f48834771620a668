package repositories

import (
	"context"
	"time"

	domain "github.com/megamarket/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Carts() CartRepository
	Products() ProductRepository
	Addresses() AddressRepository
	Orders() OrderRepository
	PendingOrders() PendingOrderRepository
	Health() HealthRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// CartRepository stores the product/quantity lines of an account's cart. Prices are never persisted
// on the cart; they are resolved from the catalog on read.
type CartRepository interface {
	// Get returns the stored lines. A missing cart is returned as an empty cart, not an error.
	Get(ctx context.Context, accountID string) (domain.Cart, error)
	// Replace overwrites the full line set. Last writer wins.
	Replace(ctx context.Context, accountID string, lines []domain.CartLine, updatedAt time.Time) error
}

// ProductRepository is the read-only catalog view used for pricing.
type ProductRepository interface {
	// GetMany returns the products that exist, keyed by id. Unknown ids are omitted.
	GetMany(ctx context.Context, productIDs []string) (map[string]domain.Product, error)
}

// AddressRepository is the account's address book.
type AddressRepository interface {
	List(ctx context.Context, accountID string) ([]domain.Address, error)
	// Get returns a not-found RepositoryError when the address is absent or owned by another account.
	Get(ctx context.Context, accountID, addressID string) (domain.Address, error)
	Create(ctx context.Context, accountID string, address domain.Address) (domain.Address, error)
}

// OrderRepository persists finalized orders.
type OrderRepository interface {
	// CreateOnce inserts the order. When ConfirmationID is set, the insert is deduplicated on it: an
	// existing order recorded for the same confirmation is returned with created=false.
	CreateOnce(ctx context.Context, order domain.Order) (saved domain.Order, created bool, err error)
	FindByConfirmation(ctx context.Context, accountID, confirmationID string) (domain.Order, error)
	Get(ctx context.Context, accountID, orderID string) (domain.Order, error)
	// List returns the account's orders, newest first.
	List(ctx context.Context, accountID string) ([]domain.Order, error)
	UpdateAddress(ctx context.Context, accountID, orderID, formatted string, updatedAt time.Time) (domain.Order, error)
	Cancel(ctx context.Context, accountID, orderID string, cancelledAt time.Time) (domain.Order, error)
}

// PendingOrderRepository is the durable single-slot store for drafts awaiting payment confirmation.
type PendingOrderRepository interface {
	// Put overwrites the account's slot.
	Put(ctx context.Context, accountID string, pending domain.PendingOrder) error
	// Take atomically reads and deletes the slot.
	Take(ctx context.Context, accountID string) (domain.PendingOrder, bool, error)
	// Get reads the slot without removing it.
	Get(ctx context.Context, accountID string) (domain.PendingOrder, bool, error)
	// DeleteIfDraft removes the slot only while it still holds draftID.
	DeleteIfDraft(ctx context.Context, accountID, draftID string) (bool, error)
	// StagedBefore lists up to limit slots staged before cutoff, oldest first, without removing them.
	StagedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.PendingOrder, error)
	// DeleteIfStaged removes the slot only while it still holds draftID staged at stagedAt.
	DeleteIfStaged(ctx context.Context, accountID, draftID string, stagedAt time.Time) (bool, error)
}

// HealthRepository collects dependency health for readiness probes.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.HealthReport, error)
}

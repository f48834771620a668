package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/megamarket/api/internal/domain"
	pfirestore "github.com/megamarket/api/internal/platform/firestore"
	"github.com/megamarket/api/internal/repositories"
)

const (
	orderCollection        = "orders"
	confirmationCollection = "order_confirmations"
)

// confirmationDocument claims a payment confirmation id for exactly one order.
type confirmationDocument struct {
	OrderID   string    `firestore:"orderId"`
	AccountID string    `firestore:"accountId"`
	CreatedAt time.Time `firestore:"createdAt"`
}

// OrderRepository stores orders under orders/{orderId} and the confirmation claims under
// order_confirmations/{confirmationId}.
type OrderRepository struct {
	provider      *pfirestore.Provider
	orders        *pfirestore.BaseRepository[orderDocument]
	confirmations *pfirestore.BaseRepository[confirmationDocument]
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider:      provider,
		orders:        pfirestore.NewBaseRepository[orderDocument](provider, orderCollection),
		confirmations: pfirestore.NewBaseRepository[confirmationDocument](provider, confirmationCollection),
	}, nil
}

// CreateOnce inserts order. With a confirmation id the claim and the order are written in one
// transaction, so concurrent finalizations of the same payment yield a single order.
func (r *OrderRepository) CreateOnce(ctx context.Context, order domain.Order) (domain.Order, bool, error) {
	orderRef, err := r.orders.DocumentRef(ctx, order.ID)
	if err != nil {
		return domain.Order{}, false, err
	}
	doc := encodeOrder(order)

	confirmationID := strings.TrimSpace(order.ConfirmationID)
	if confirmationID == "" {
		if _, err := orderRef.Create(ctx, doc); err != nil {
			return domain.Order{}, false, pfirestore.WrapError("orders.create", err)
		}
		return order, true, nil
	}

	claimRef, err := r.confirmations.DocumentRef(ctx, confirmationID)
	if err != nil {
		return domain.Order{}, false, err
	}

	var (
		saved   domain.Order
		created bool
	)
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		claimSnap, err := tx.Get(claimRef)
		switch status.Code(err) {
		case codes.OK:
			existing, err := r.readClaimedOrder(ctx, tx, claimSnap, order.AccountID)
			if err != nil {
				return err
			}
			saved, created = existing, false
			return nil
		case codes.NotFound:
		default:
			return err
		}

		if err := tx.Create(claimRef, confirmationDocument{
			OrderID:   order.ID,
			AccountID: order.AccountID,
			CreatedAt: order.CreatedAt.UTC(),
		}); err != nil {
			return err
		}
		if err := tx.Create(orderRef, doc); err != nil {
			return err
		}
		saved, created = order, true
		return nil
	})
	if err != nil {
		return domain.Order{}, false, pfirestore.WrapError("orders.create_once", err)
	}
	return saved, created, nil
}

func (r *OrderRepository) readClaimedOrder(ctx context.Context, tx *firestore.Transaction, claimSnap *firestore.DocumentSnapshot, accountID string) (domain.Order, error) {
	claim, err := pfirestore.Decode[confirmationDocument](claimSnap)
	if err != nil {
		return domain.Order{}, err
	}
	if claim.Data.AccountID != accountID {
		return domain.Order{}, pfirestore.Conflict("orders.create_once", "confirmation claimed by another account")
	}
	orderRef, err := r.orders.DocumentRef(ctx, claim.Data.OrderID)
	if err != nil {
		return domain.Order{}, err
	}
	orderSnap, err := tx.Get(orderRef)
	if err != nil {
		return domain.Order{}, err
	}
	doc, err := pfirestore.Decode[orderDocument](orderSnap)
	if err != nil {
		return domain.Order{}, err
	}
	return decodeOrder(doc.ID, doc.Data)
}

// FindByConfirmation returns the order recorded for a payment confirmation id.
func (r *OrderRepository) FindByConfirmation(ctx context.Context, accountID, confirmationID string) (domain.Order, error) {
	confirmationID = strings.TrimSpace(confirmationID)
	if confirmationID == "" || strings.Contains(confirmationID, "/") {
		return domain.Order{}, pfirestore.NotFound("orders.find_by_confirmation", "confirmation id is invalid")
	}
	claim, err := r.confirmations.Get(ctx, confirmationID)
	if err != nil {
		return domain.Order{}, err
	}
	if claim.Data.AccountID != accountID {
		return domain.Order{}, pfirestore.NotFound("orders.find_by_confirmation", "confirmation not found")
	}
	return r.Get(ctx, accountID, claim.Data.OrderID)
}

// Get loads an order owned by accountID.
func (r *OrderRepository) Get(ctx context.Context, accountID, orderID string) (domain.Order, error) {
	doc, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if doc.Data.AccountID != accountID {
		return domain.Order{}, pfirestore.NotFound("orders.get", "order not found")
	}
	return decodeOrder(doc.ID, doc.Data)
}

// List returns the account's orders, newest first.
func (r *OrderRepository) List(ctx context.Context, accountID string) ([]domain.Order, error) {
	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("accountId", "==", accountID).OrderBy("createdAt", firestore.Desc)
	})
	if err != nil {
		return nil, err
	}
	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		order, err := decodeOrder(doc.ID, doc.Data)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, nil
}

// UpdateAddress replaces the formatted shipping snapshot. Cancelled orders are rejected with a conflict.
func (r *OrderRepository) UpdateAddress(ctx context.Context, accountID, orderID, formatted string, updatedAt time.Time) (domain.Order, error) {
	return r.mutate(ctx, "orders.update_address", accountID, orderID, func(doc *orderDocument) ([]firestore.Update, error) {
		if doc.Status == string(domain.OrderStatusCancelled) {
			return nil, pfirestore.Conflict("orders.update_address", "order is cancelled")
		}
		doc.ShippingAddress = formatted
		doc.UpdatedAt = updatedAt.UTC()
		return []firestore.Update{
			{Path: "shippingAddress", Value: doc.ShippingAddress},
			{Path: "updatedAt", Value: doc.UpdatedAt},
		}, nil
	})
}

// Cancel marks the order cancelled. Cancelling twice keeps the first cancellation time.
func (r *OrderRepository) Cancel(ctx context.Context, accountID, orderID string, cancelledAt time.Time) (domain.Order, error) {
	return r.mutate(ctx, "orders.cancel", accountID, orderID, func(doc *orderDocument) ([]firestore.Update, error) {
		if doc.Status == string(domain.OrderStatusCancelled) {
			return nil, nil
		}
		at := cancelledAt.UTC()
		doc.Status = string(domain.OrderStatusCancelled)
		doc.CancelledAt = &at
		doc.UpdatedAt = at
		return []firestore.Update{
			{Path: "status", Value: doc.Status},
			{Path: "cancelledAt", Value: at},
			{Path: "updatedAt", Value: at},
		}, nil
	})
}

func (r *OrderRepository) mutate(ctx context.Context, op, accountID, orderID string, apply func(*orderDocument) ([]firestore.Update, error)) (domain.Order, error) {
	ref, err := r.orders.DocumentRef(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	var result domain.Order
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		doc, err := pfirestore.Decode[orderDocument](snap)
		if err != nil {
			return err
		}
		if doc.Data.AccountID != accountID {
			return pfirestore.NotFound(op, "order not found")
		}
		updates, err := apply(&doc.Data)
		if err != nil {
			return err
		}
		if len(updates) > 0 {
			if err := tx.Update(ref, updates); err != nil {
				return err
			}
		}
		result, err = decodeOrder(doc.ID, doc.Data)
		return err
	})
	if err != nil {
		return domain.Order{}, pfirestore.WrapError(op, err)
	}
	return result, nil
}

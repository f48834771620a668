package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/megamarket/api/internal/domain"
	"github.com/megamarket/api/internal/repositories"
)

type cartClearer interface {
	Clear(ctx context.Context, sess Session) error
}

// OrderFinalizerDeps wires the dependencies required by the order finalizer. Events, Receipts, Notifier
// and Carts are optional follow-ups that never fail a finalize call.
type OrderFinalizerDeps struct {
	Orders      repositories.OrderRepository
	Staging     PendingOrderStaging
	Carts       cartClearer
	Events      OrderEventPublisher
	Receipts    ReceiptArchiver
	Notifier    OrderNotifier
	Clock       func() time.Time
	Logger      func(context.Context, string, map[string]any)
	IDGenerator func() string
}

type orderFinalizer struct {
	orders   repositories.OrderRepository
	staging  PendingOrderStaging
	carts    cartClearer
	events   OrderEventPublisher
	receipts ReceiptArchiver
	notifier OrderNotifier
	now      func() time.Time
	logger   func(context.Context, string, map[string]any)
	newID    func() string
}

// NewOrderFinalizer constructs the single choke point that records paid orders.
func NewOrderFinalizer(deps OrderFinalizerDeps) (OrderFinalizer, error) {
	if deps.Orders == nil {
		return nil, errors.New("order finalizer: order repository is required")
	}
	if deps.Staging == nil {
		return nil, errors.New("order finalizer: staging is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	return &orderFinalizer{
		orders:   deps.Orders,
		staging:  deps.Staging,
		carts:    deps.Carts,
		events:   deps.Events,
		receipts: deps.Receipts,
		notifier: deps.Notifier,
		now:      func() time.Time { return clock().UTC() },
		logger:   logger,
		newID:    idGen,
	}, nil
}

// Finalize persists one PAID order for the draft. With a confirmation id the write is deduplicated on it
// and a repeated call returns the existing order with Created=false. The staged slot is released only
// after the order is stored; on a persistence failure it is left in place.
func (f *orderFinalizer) Finalize(ctx context.Context, sess Session, draft domain.OrderDraft, opts FinalizeOptions) (FinalizeResult, error) {
	accountID, err := sess.accountID()
	if err != nil {
		return FinalizeResult{}, err
	}
	if draft.AccountID != "" && draft.AccountID != accountID {
		return FinalizeResult{}, &ValidationError{Fields: []string{"draft"}, Reason: "draft belongs to another account"}
	}
	if len(draft.Items) == 0 {
		return FinalizeResult{}, &EmptyCartError{}
	}
	confirmationID := strings.TrimSpace(opts.ConfirmationID)

	now := f.now()
	order := domain.Order{
		ID:              f.newID(),
		AccountID:       accountID,
		DraftID:         draft.ID,
		Items:           orderItemsFromDraft(draft.Items),
		ShippingAddress: draft.ShippingAddress,
		Total:           draft.Total,
		Currency:        draft.Currency,
		PaymentStatus:   domain.PaymentStatusPaid,
		ConfirmationID:  confirmationID,
		Status:          domain.OrderStatusPlaced,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	saved, created, err := f.orders.CreateOnce(ctx, order)
	if err != nil {
		f.logger(ctx, "orders.finalize.persist_failed", map[string]any{
			"accountId":      accountID,
			"draftId":        draft.ID,
			"confirmationId": confirmationID,
			"error":          err.Error(),
		})
		return FinalizeResult{}, &PersistenceError{DraftID: draft.ID, ConfirmationID: confirmationID, Err: err}
	}

	if draft.ID != "" {
		if _, err := f.staging.Release(ctx, sess, draft.ID); err != nil {
			f.logger(ctx, "orders.finalize.release_failed", map[string]any{
				"accountId": accountID,
				"draftId":   draft.ID,
				"error":     err.Error(),
			})
		}
	}

	if !created {
		f.logger(ctx, "orders.finalize.duplicate", map[string]any{
			"accountId":      accountID,
			"orderId":        saved.ID,
			"confirmationId": confirmationID,
		})
		return FinalizeResult{Order: saved, Created: false}, nil
	}

	f.logger(ctx, "orders.finalize.created", map[string]any{
		"accountId":      accountID,
		"orderId":        saved.ID,
		"draftId":        draft.ID,
		"confirmationId": confirmationID,
		"total":          domain.FormatAmount(saved.Total),
	})
	f.afterCreate(ctx, sess, saved, opts.KeepCart)
	return FinalizeResult{Order: saved, Created: true}, nil
}

func (f *orderFinalizer) afterCreate(ctx context.Context, sess Session, order domain.Order, keepCart bool) {
	var receiptURI string
	if f.receipts != nil {
		uri, err := f.receipts.ArchiveReceipt(ctx, order)
		if err != nil {
			f.logger(ctx, "orders.receipt.failed", map[string]any{"orderId": order.ID, "error": err.Error()})
		} else {
			receiptURI = uri
		}
	}

	if f.events != nil {
		event := OrderEvent{
			Type:           OrderEventPaid,
			OrderID:        order.ID,
			AccountID:      order.AccountID,
			Total:          domain.FormatAmount(order.Total),
			Currency:       order.Currency,
			ConfirmationID: order.ConfirmationID,
			ReceiptURI:     receiptURI,
			OccurredAt:     order.CreatedAt,
		}
		if err := f.events.PublishOrderEvent(ctx, event); err != nil {
			f.logger(ctx, "orders.event.failed", map[string]any{"orderId": order.ID, "type": string(event.Type), "error": err.Error()})
		}
	}

	if f.notifier != nil && strings.TrimSpace(sess.Email) != "" {
		if err := f.notifier.SendOrderConfirmation(ctx, strings.TrimSpace(sess.Email), order); err != nil {
			f.logger(ctx, "orders.notify.failed", map[string]any{"orderId": order.ID, "error": err.Error()})
		}
	}

	if f.carts != nil && !keepCart {
		if err := f.carts.Clear(ctx, sess); err != nil {
			f.logger(ctx, "orders.cart_clear.failed", map[string]any{"orderId": order.ID, "error": err.Error()})
		}
	}
}

func orderItemsFromDraft(items []domain.OrderDraftItem) []domain.OrderItem {
	out := make([]domain.OrderItem, 0, len(items))
	for _, item := range items {
		out = append(out, domain.OrderItem{
			ProductID: item.ProductID,
			Name:      item.Name,
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
		})
	}
	return out
}

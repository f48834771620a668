package firestore

import (
	"strings"
	"time"

	domain "github.com/megamarket/api/internal/domain"
)

// Monetary values are stored as decimal strings so Firestore never round-trips them through float64.

type orderItemDocument struct {
	ProductID string `firestore:"productId"`
	Name      string `firestore:"name"`
	UnitPrice string `firestore:"unitPrice"`
	Quantity  int    `firestore:"quantity"`
}

type draftDocument struct {
	ID              string              `firestore:"id"`
	AccountID       string              `firestore:"accountId"`
	Items           []orderItemDocument `firestore:"items"`
	ShippingAddress string              `firestore:"shippingAddress"`
	Total           string              `firestore:"total"`
	Currency        string              `firestore:"currency"`
	AssembledAt     time.Time           `firestore:"assembledAt"`
}

func encodeDraft(draft domain.OrderDraft) draftDocument {
	items := make([]orderItemDocument, 0, len(draft.Items))
	for _, item := range draft.Items {
		items = append(items, orderItemDocument{
			ProductID: item.ProductID,
			Name:      item.Name,
			UnitPrice: domain.FormatAmount(item.UnitPrice),
			Quantity:  item.Quantity,
		})
	}
	return draftDocument{
		ID:              draft.ID,
		AccountID:       draft.AccountID,
		Items:           items,
		ShippingAddress: draft.ShippingAddress,
		Total:           domain.FormatAmount(draft.Total),
		Currency:        draft.Currency,
		AssembledAt:     draft.AssembledAt.UTC(),
	}
}

func decodeDraft(doc draftDocument) (domain.OrderDraft, error) {
	total, err := domain.ParseAmount(doc.Total)
	if err != nil {
		return domain.OrderDraft{}, err
	}
	items := make([]domain.OrderDraftItem, 0, len(doc.Items))
	for _, item := range doc.Items {
		price, err := domain.ParseAmount(item.UnitPrice)
		if err != nil {
			return domain.OrderDraft{}, err
		}
		items = append(items, domain.OrderDraftItem{
			ProductID: item.ProductID,
			Name:      item.Name,
			UnitPrice: price,
			Quantity:  item.Quantity,
		})
	}
	return domain.OrderDraft{
		ID:              doc.ID,
		AccountID:       doc.AccountID,
		Items:           items,
		ShippingAddress: doc.ShippingAddress,
		Total:           total,
		Currency:        doc.Currency,
		AssembledAt:     doc.AssembledAt.UTC(),
	}, nil
}

type orderDocument struct {
	AccountID       string              `firestore:"accountId"`
	DraftID         string              `firestore:"draftId"`
	Items           []orderItemDocument `firestore:"items"`
	ShippingAddress string              `firestore:"shippingAddress"`
	Total           string              `firestore:"total"`
	Currency        string              `firestore:"currency"`
	PaymentStatus   string              `firestore:"paymentStatus"`
	ConfirmationID  string              `firestore:"confirmationId,omitempty"`
	Status          string              `firestore:"status"`
	CreatedAt       time.Time           `firestore:"createdAt"`
	UpdatedAt       time.Time           `firestore:"updatedAt"`
	CancelledAt     *time.Time          `firestore:"cancelledAt,omitempty"`
}

func encodeOrder(order domain.Order) orderDocument {
	items := make([]orderItemDocument, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemDocument{
			ProductID: item.ProductID,
			Name:      item.Name,
			UnitPrice: domain.FormatAmount(item.UnitPrice),
			Quantity:  item.Quantity,
		})
	}
	return orderDocument{
		AccountID:       order.AccountID,
		DraftID:         order.DraftID,
		Items:           items,
		ShippingAddress: order.ShippingAddress,
		Total:           domain.FormatAmount(order.Total),
		Currency:        order.Currency,
		PaymentStatus:   string(order.PaymentStatus),
		ConfirmationID:  strings.TrimSpace(order.ConfirmationID),
		Status:          string(order.Status),
		CreatedAt:       order.CreatedAt.UTC(),
		UpdatedAt:       order.UpdatedAt.UTC(),
		CancelledAt:     order.CancelledAt,
	}
}

func decodeOrder(id string, doc orderDocument) (domain.Order, error) {
	total, err := domain.ParseAmount(doc.Total)
	if err != nil {
		return domain.Order{}, err
	}
	items := make([]domain.OrderItem, 0, len(doc.Items))
	for _, item := range doc.Items {
		price, err := domain.ParseAmount(item.UnitPrice)
		if err != nil {
			return domain.Order{}, err
		}
		items = append(items, domain.OrderItem{
			ProductID: item.ProductID,
			Name:      item.Name,
			UnitPrice: price,
			Quantity:  item.Quantity,
		})
	}
	var cancelledAt *time.Time
	if doc.CancelledAt != nil {
		at := doc.CancelledAt.UTC()
		cancelledAt = &at
	}
	return domain.Order{
		ID:              id,
		AccountID:       doc.AccountID,
		DraftID:         doc.DraftID,
		Items:           items,
		ShippingAddress: doc.ShippingAddress,
		Total:           total,
		Currency:        doc.Currency,
		PaymentStatus:   domain.PaymentStatus(doc.PaymentStatus),
		ConfirmationID:  doc.ConfirmationID,
		Status:          domain.OrderStatus(doc.Status),
		CreatedAt:       doc.CreatedAt.UTC(),
		UpdatedAt:       doc.UpdatedAt.UTC(),
		CancelledAt:     cancelledAt,
	}, nil
}

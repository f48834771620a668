package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"

	domain "github.com/megamarket/api/internal/domain"
)

const receiptContentType = "application/json"

var errArchiveNotConfigured = errors.New("storage: receipt archive not configured")

// objectWriter persists a complete object in one call.
type objectWriter interface {
	WriteObject(ctx context.Context, bucket, object, contentType string, data []byte) error
}

type gcsObjectWriter struct {
	client *gcs.Client
}

func (w gcsObjectWriter) WriteObject(ctx context.Context, bucket, object, contentType string, data []byte) error {
	wc := w.client.Bucket(bucket).Object(object).NewWriter(ctx)
	wc.ContentType = contentType
	wc.CacheControl = "private, max-age=0"
	if _, err := wc.Write(data); err != nil {
		_ = wc.Close()
		return err
	}
	return wc.Close()
}

// ReceiptArchive writes one JSON receipt per finalized order to Cloud Storage.
type ReceiptArchive struct {
	bucket string
	writer objectWriter
	now    func() time.Time
}

// ReceiptArchiveOption customises archive behaviour.
type ReceiptArchiveOption func(*ReceiptArchive)

// WithArchiveClock injects the clock used for the archivedAt stamp.
func WithArchiveClock(clock func() time.Time) ReceiptArchiveOption {
	return func(a *ReceiptArchive) {
		if clock != nil {
			a.now = clock
		}
	}
}

// NewReceiptArchive constructs an archive writing into bucket through the given client.
func NewReceiptArchive(client *gcs.Client, bucket string, opts ...ReceiptArchiveOption) (*ReceiptArchive, error) {
	if client == nil {
		return nil, errors.New("storage: client is required")
	}
	return newReceiptArchive(gcsObjectWriter{client: client}, bucket, opts...)
}

func newReceiptArchive(writer objectWriter, bucket string, opts ...ReceiptArchiveOption) (*ReceiptArchive, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errInvalidBucket
	}
	archive := &ReceiptArchive{bucket: bucket, writer: writer, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(archive)
		}
	}
	return archive, nil
}

// Bucket returns the bucket receipts are written to.
func (a *ReceiptArchive) Bucket() string {
	if a == nil {
		return ""
	}
	return a.bucket
}

type receiptItem struct {
	ProductID string `json:"productId"`
	Name      string `json:"name,omitempty"`
	UnitPrice string `json:"unitPrice"`
	Quantity  int    `json:"quantity"`
	Subtotal  string `json:"subtotal"`
}

type receiptDocument struct {
	OrderID         string        `json:"orderId"`
	AccountID       string        `json:"accountId"`
	ConfirmationID  string        `json:"confirmationId,omitempty"`
	Items           []receiptItem `json:"items"`
	ShippingAddress string        `json:"shippingAddress"`
	Total           string        `json:"total"`
	Currency        string        `json:"currency"`
	PaymentStatus   string        `json:"paymentStatus"`
	PlacedAt        time.Time     `json:"placedAt"`
	ArchivedAt      time.Time     `json:"archivedAt"`
}

// ArchiveReceipt writes the order receipt and returns its gs:// URI.
func (a *ReceiptArchive) ArchiveReceipt(ctx context.Context, order domain.Order) (string, error) {
	if a == nil || a.writer == nil {
		return "", errArchiveNotConfigured
	}
	object, err := ReceiptObjectPath(order.AccountID, order.ID)
	if err != nil {
		return "", err
	}

	doc := receiptDocument{
		OrderID:         order.ID,
		AccountID:       order.AccountID,
		ConfirmationID:  order.ConfirmationID,
		Items:           make([]receiptItem, 0, len(order.Items)),
		ShippingAddress: order.ShippingAddress,
		Total:           order.Total.StringFixed(2),
		Currency:        strings.ToUpper(order.Currency),
		PaymentStatus:   string(order.PaymentStatus),
		PlacedAt:        order.CreatedAt.UTC(),
		ArchivedAt:      a.now().UTC(),
	}
	for _, item := range order.Items {
		doc.Items = append(doc.Items, receiptItem{
			ProductID: item.ProductID,
			Name:      item.Name,
			UnitPrice: item.UnitPrice.StringFixed(2),
			Quantity:  item.Quantity,
			Subtotal:  item.Subtotal().StringFixed(2),
		})
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("storage: encode receipt: %w", err)
	}
	if err := a.writer.WriteObject(ctx, a.bucket, object, receiptContentType, data); err != nil {
		return "", fmt.Errorf("storage: write receipt %s: %w", object, err)
	}
	return ObjectURI(a.bucket, object), nil
}

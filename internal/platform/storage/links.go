package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cloud.google.com/go/storage"

	domain "github.com/megamarket/api/internal/domain"
	"github.com/megamarket/api/internal/platform/auth"
)

const (
	defaultLinkTTL = 5 * time.Minute
	maxLinkTTL     = 15 * time.Minute
)

var (
	// ErrPermissionDenied means the caller neither owns the receipt nor holds a staff role.
	ErrPermissionDenied = errors.New("storage: permission denied")

	errNoSigner      = errors.New("storage: signer is required")
	errInvalidBucket = errors.New("storage: bucket name is required")
	errTTLTooLong    = errors.New("storage: link ttl exceeds maximum")
)

// SignedURLResult is a download link and the instant it stops working.
type SignedURLResult struct {
	URL       string
	Method    string
	ExpiresAt time.Time
}

// ReceiptLinks issues short-lived V4 signed GET links for archived order receipts.
type ReceiptLinks struct {
	signer Signer
	bucket string
	ttl    time.Duration
	now    func() time.Time
}

type LinkOption func(*ReceiptLinks)

func WithLinkClock(now func() time.Time) LinkOption {
	return func(l *ReceiptLinks) {
		if now != nil {
			l.now = now
		}
	}
}

// NewReceiptLinks binds signer to the receipts bucket. A zero ttl uses five minutes.
func NewReceiptLinks(signer Signer, bucket string, ttl time.Duration, opts ...LinkOption) (*ReceiptLinks, error) {
	if signer == nil || strings.TrimSpace(signer.Email()) == "" {
		return nil, errNoSigner
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errInvalidBucket
	}
	if ttl <= 0 {
		ttl = defaultLinkTTL
	}
	if ttl > maxLinkTTL {
		return nil, errTTLTooLong
	}
	links := &ReceiptLinks{signer: signer, bucket: bucket, ttl: ttl, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(links)
		}
	}
	return links, nil
}

// ReceiptURL signs a link to the receipt of order. Only the order's account and staff may read it.
func (l *ReceiptLinks) ReceiptURL(ctx context.Context, identity *auth.Identity, order domain.Order) (SignedURLResult, error) {
	if !mayRead(identity, order.AccountID) {
		return SignedURLResult{}, ErrPermissionDenied
	}
	object, err := ReceiptObjectPath(order.AccountID, order.ID)
	if err != nil {
		return SignedURLResult{}, err
	}

	expires := l.now().Add(l.ttl)
	signed, err := storage.SignedURL(l.bucket, object, &storage.SignedURLOptions{
		GoogleAccessID: l.signer.Email(),
		Scheme:         storage.SigningSchemeV4,
		Method:         http.MethodGet,
		Expires:        expires,
		QueryParameters: url.Values{
			"response-content-disposition": {fmt.Sprintf(`attachment; filename="receipt-%s.json"`, order.ID)},
			"response-content-type":        {receiptContentType},
		},
		SignBytes: func(payload []byte) ([]byte, error) {
			return l.signer.SignBytes(ctx, payload)
		},
	})
	if err != nil {
		return SignedURLResult{}, fmt.Errorf("storage: sign receipt url: %w", err)
	}
	return SignedURLResult{URL: signed, Method: http.MethodGet, ExpiresAt: expires}, nil
}

func mayRead(identity *auth.Identity, ownerID string) bool {
	if identity == nil {
		return false
	}
	if ownerID != "" && identity.UID == ownerID {
		return true
	}
	return identity.HasAnyRole(auth.RoleStaff, auth.RoleAdmin)
}

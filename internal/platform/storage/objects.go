package storage

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrInvalidObjectName is returned when an id cannot be used as a single object path segment.
var ErrInvalidObjectName = errors.New("storage: invalid object name")

// ReceiptObjectPath is receipts/{accountId}/{orderId}.json. Ids are used verbatim as single segments.
func ReceiptObjectPath(accountID, orderID string) (string, error) {
	account := strings.TrimSpace(accountID)
	order := strings.TrimSpace(orderID)
	for _, seg := range []string{account, order} {
		if seg == "" || seg == "." || strings.Contains(seg, "..") || strings.ContainsAny(seg, "/\\\x00") {
			return "", fmt.Errorf("%w: %q", ErrInvalidObjectName, seg)
		}
	}
	return path.Join("receipts", account, order+".json"), nil
}

// ObjectURI is the gs:// form of bucket/object, used in logs and receipt metadata.
func ObjectURI(bucket, object string) string {
	return "gs://" + strings.TrimSpace(bucket) + "/" + strings.TrimLeft(object, "/")
}

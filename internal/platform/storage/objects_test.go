package storage

import (
	"errors"
	"testing"
)

func TestReceiptObjectPath(t *testing.T) {
	object, err := ReceiptObjectPath(" acct-1 ", "ord-9")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if object != "receipts/acct-1/ord-9.json" {
		t.Fatalf("unexpected object %s", object)
	}
	if uri := ObjectURI("bucket", object); uri != "gs://bucket/receipts/acct-1/ord-9.json" {
		t.Fatalf("unexpected uri %s", uri)
	}

	for _, tc := range [][2]string{{"../bad", "ord"}, {"acct", "a/b"}, {"", "ord"}, {"acct", " "}, {"acct", `a\b`}} {
		if _, err := ReceiptObjectPath(tc[0], tc[1]); !errors.Is(err, ErrInvalidObjectName) {
			t.Fatalf("expected ErrInvalidObjectName for %q/%q, got %v", tc[0], tc[1], err)
		}
	}
}

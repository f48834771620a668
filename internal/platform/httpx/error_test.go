package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/megamarket/api/internal/platform/requestctx"
)

func TestWriteErrorEnvelope(t *testing.T) {
	ctx := requestctx.WithTrace(context.Background(), requestctx.TraceInfo{TraceID: "trace-1"})
	rec := httptest.NewRecorder()

	WriteError(ctx, rec, NewError("validation_failed", "bad\ninput", http.StatusBadRequest).WithFields([]string{"street", "city"}))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "validation_failed" {
		t.Fatalf("unexpected code %v", body["error"])
	}
	if body["message"] != "bad input" {
		t.Fatalf("expected newline stripped, got %q", body["message"])
	}
	if body["trace_id"] != "trace-1" {
		t.Fatalf("expected trace id, got %v", body["trace_id"])
	}
	fields, ok := body["fields"].([]any)
	if !ok || len(fields) != 2 {
		t.Fatalf("expected fields list, got %v", body["fields"])
	}
}

func TestDetailsCannotOverrideEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(context.Background(), rec, NewError("conflict", "x", http.StatusConflict).WithDetails(map[string]any{"status": 200}))

	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"].(float64) != http.StatusConflict {
		t.Fatalf("expected status to stay 409, got %v", body["status"])
	}
}

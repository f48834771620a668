package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/megamarket/api/internal/platform/auth"
)

var fixedTime = time.Date(2024, time.January, 1, 12, 0, 0, 0, time.UTC)

func intentRequest(body, key, uid string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout/intents", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	if uid != "" {
		req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: uid}))
	}
	return req
}

func countingHandler(calls *int, status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Length", "999")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"call":` + string(rune('0'+*calls)) + `}`))
	})
}

func assertErrorCode(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rr.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, rr.Code, rr.Body.String())
	}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if body.Error != code {
		t.Fatalf("expected error %q, got %q", code, body.Error)
	}
}

func TestMiddlewareRequiresKeyUnlessOptional(t *testing.T) {
	var calls int
	strict := Middleware(NewMemoryStore())(countingHandler(&calls, http.StatusCreated))
	rr := httptest.NewRecorder()
	strict.ServeHTTP(rr, intentRequest(`{}`, "", "user-1"))
	assertErrorCode(t, rr, http.StatusBadRequest, "idempotency_key_required")

	rr = httptest.NewRecorder()
	strict.ServeHTTP(rr, intentRequest(`{}`, strings.Repeat("k", maxKeyLength+1), "user-1"))
	assertErrorCode(t, rr, http.StatusBadRequest, "idempotency_key_invalid")

	optional := Middleware(NewMemoryStore(), WithOptionalKey())(countingHandler(&calls, http.StatusCreated))
	rr = httptest.NewRecorder()
	optional.ServeHTTP(rr, intentRequest(`{}`, "", "user-1"))
	if rr.Code != http.StatusCreated || calls != 1 {
		t.Fatalf("expected pass-through, got %d after %d calls", rr.Code, calls)
	}
}

func TestMiddlewareReplaysStoredResponse(t *testing.T) {
	var calls int
	handler := Middleware(NewMemoryStore(), WithClock(func() time.Time { return fixedTime }))(countingHandler(&calls, http.StatusCreated))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, intentRequest(`{"draft":"d1"}`, "abc-123", "user-1"))
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, intentRequest(`{"draft":"d1"}`, "abc-123", "user-1"))

	if calls != 1 {
		t.Fatalf("expected one handler call, got %d", calls)
	}
	if first.Header().Get(replayHeaderName) != "" {
		t.Fatalf("first response must not be marked as a replay")
	}
	if second.Code != http.StatusCreated || second.Header().Get(replayHeaderName) != "true" {
		t.Fatalf("expected replayed 201, got %d %v", second.Code, second.Header())
	}
	if second.Header().Get("Content-Type") != "application/json" || second.Header().Get("Content-Length") != "" {
		t.Fatalf("unexpected replay headers %v", second.Header())
	}
	if second.Body.String() != first.Body.String() {
		t.Fatalf("expected body %s, got %s", first.Body.String(), second.Body.String())
	}
}

func TestMiddlewareScopesKeysPerCaller(t *testing.T) {
	var calls int
	handler := Middleware(NewMemoryStore())(countingHandler(&calls, http.StatusCreated))

	for _, uid := range []string{"user-1", "user-2"} {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, intentRequest(`{"draft":"d1"}`, "shared", uid))
		if rr.Code != http.StatusCreated || rr.Header().Get(replayHeaderName) != "" {
			t.Fatalf("%s: expected a fresh response, got %d", uid, rr.Code)
		}
	}
	if calls != 2 {
		t.Fatalf("expected each caller to run the handler, got %d calls", calls)
	}
}

func TestMiddlewareRejectsReusedKeyWithDifferentBody(t *testing.T) {
	var calls int
	handler := Middleware(NewMemoryStore())(countingHandler(&calls, http.StatusOK))

	handler.ServeHTTP(httptest.NewRecorder(), intentRequest(`{"draft":"d1"}`, "same-key", "user-1"))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, intentRequest(`{"draft":"d2"}`, "same-key", "user-1"))
	assertErrorCode(t, rr, http.StatusConflict, "idempotency_key_conflict")
}

func TestMiddlewareInFlightUntilLockExpires(t *testing.T) {
	store := NewMemoryStore()
	now := fixedTime
	var calls int
	handler := Middleware(store, WithLockTTL(time.Minute), WithClock(func() time.Time { return now }))(countingHandler(&calls, http.StatusCreated))

	req := intentRequest(`{"draft":"d1"}`, "pending-key", "user-1")
	body, err := bufferBody(req)
	if err != nil {
		t.Fatalf("buffer body: %v", err)
	}
	requester := requesterID(req.Context())
	if _, _, err := store.Claim(context.Background(), requester+":pending-key", fingerprint(req, requester, body), now, time.Minute); err != nil {
		t.Fatalf("seed claim: %v", err)
	}

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assertErrorCode(t, rr, http.StatusConflict, "idempotency_in_progress")
	if rr.Header().Get("Retry-After") == "" || calls != 0 {
		t.Fatalf("expected Retry-After without running the handler")
	}

	now = now.Add(2 * time.Minute)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, intentRequest(`{"draft":"d1"}`, "pending-key", "user-1"))
	if rr.Code != http.StatusCreated || calls != 1 {
		t.Fatalf("expected stale claim to be taken over, got %d", rr.Code)
	}
}

func TestMiddlewareDoesNotStoreServerErrors(t *testing.T) {
	var calls int
	handler := Middleware(NewMemoryStore())(countingHandler(&calls, http.StatusServiceUnavailable))

	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, intentRequest(`{}`, "retry-me", "user-1"))
		if rr.Code != http.StatusServiceUnavailable || rr.Header().Get(replayHeaderName) != "" {
			t.Fatalf("attempt %d: unexpected response %d", i, rr.Code)
		}
	}
	if calls != 2 {
		t.Fatalf("expected the retry to reach the handler, got %d calls", calls)
	}
}

func TestMiddlewareCompleteFailureReleasesKey(t *testing.T) {
	store := &stubStore{completeErr: errors.New("firestore down")}
	var calls int
	rr := httptest.NewRecorder()
	Middleware(store)(countingHandler(&calls, http.StatusCreated)).ServeHTTP(rr, intentRequest(`{}`, "fail-key", "user-1"))

	assertErrorCode(t, rr, http.StatusInternalServerError, "idempotency_store_error")
	if store.abandoned != "user/user-1:fail-key" {
		t.Fatalf("expected scoped key to be abandoned, got %q", store.abandoned)
	}
}

func TestMiddlewareSkipsSafeMethods(t *testing.T) {
	store := &stubStore{}
	handler := Middleware(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/cart", nil))
	if rr.Code != http.StatusOK || store.claimed {
		t.Fatalf("GET must bypass idempotency, status %d", rr.Code)
	}
}

func TestMemoryStoreCleanupExpired(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if _, _, err := store.Claim(ctx, "a", "fp", fixedTime, time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.Complete(ctx, "b", "fp", Response{Status: 200}, fixedTime, time.Hour); err != nil {
		t.Fatalf("complete: %v", err)
	}

	removed, err := store.CleanupExpired(ctx, fixedTime.Add(10*time.Minute), 10)
	if err != nil || removed != 1 {
		t.Fatalf("expected the lapsed claim to be removed, got %d %v", removed, err)
	}
	outcome, entry, err := store.Claim(ctx, "b", "fp", fixedTime.Add(10*time.Minute), time.Minute)
	if err != nil || outcome != OutcomeReplay || entry.Response.Status != 200 {
		t.Fatalf("expected completed entry to survive, got %v %+v %v", outcome, entry, err)
	}
}

type stubStore struct {
	completeErr error
	claimed     bool
	abandoned   string
}

func (s *stubStore) Claim(context.Context, string, string, time.Time, time.Duration) (Outcome, Entry, error) {
	s.claimed = true
	return OutcomeClaimed, Entry{}, nil
}

func (s *stubStore) Complete(context.Context, string, string, Response, time.Time, time.Duration) error {
	return s.completeErr
}

func (s *stubStore) Abandon(_ context.Context, key string) error {
	s.abandoned = key
	return nil
}

func (s *stubStore) CleanupExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

package idempotency

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/megamarket/api/internal/platform/auth"
	"github.com/megamarket/api/internal/platform/httpx"
	"github.com/megamarket/api/internal/platform/requestctx"
)

const (
	defaultHeaderName = "Idempotency-Key"
	replayHeaderName  = "X-Idempotent-Replay"
	maxKeyLength      = 255
)

type guard struct {
	store    Store
	header   string
	ttl      time.Duration
	lockTTL  time.Duration
	methods  []string
	optional bool
	now      func() time.Time
	logger   *zap.Logger
}

// MiddlewareOption configures Middleware.
type MiddlewareOption func(*guard)

func WithHeader(name string) MiddlewareOption {
	return func(g *guard) {
		if name = strings.TrimSpace(name); name != "" {
			g.header = name
		}
	}
}

// WithTTL sets how long completed responses are replayed.
func WithTTL(ttl time.Duration) MiddlewareOption {
	return func(g *guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// WithLockTTL sets how long an unfinished request holds its key.
func WithLockTTL(ttl time.Duration) MiddlewareOption {
	return func(g *guard) {
		if ttl > 0 {
			g.lockTTL = ttl
		}
	}
}

// WithMethods replaces the guarded methods (POST, PUT, PATCH and DELETE by default).
func WithMethods(methods ...string) MiddlewareOption {
	return func(g *guard) {
		var upper []string
		for _, method := range methods {
			if method = strings.ToUpper(strings.TrimSpace(method)); method != "" {
				upper = append(upper, method)
			}
		}
		if len(upper) > 0 {
			g.methods = upper
		}
	}
}

// WithLogger sets the logger used when the request context carries none.
func WithLogger(logger *zap.Logger) MiddlewareOption {
	return func(g *guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithOptionalKey lets requests without the header through unguarded.
func WithOptionalKey() MiddlewareOption {
	return func(g *guard) { g.optional = true }
}

func WithClock(now func() time.Time) MiddlewareOption {
	return func(g *guard) {
		if now != nil {
			g.now = now
		}
	}
}

// Middleware replays the stored response when a mutating request repeats its Idempotency-Key.
// Keys are scoped to the authenticated caller, and a reused key with a different method, path or
// body is rejected. 5xx responses are not stored so the client can retry them with the same key.
func Middleware(store Store, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	g := &guard{
		store:   store,
		header:  defaultHeaderName,
		ttl:     DefaultTTL,
		lockTTL: DefaultLockTTL,
		methods: []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			g.serve(w, r, next)
		})
	}
}

func (g *guard) serve(w http.ResponseWriter, r *http.Request, next http.Handler) {
	if !slices.Contains(g.methods, r.Method) {
		next.ServeHTTP(w, r)
		return
	}
	ctx := r.Context()
	key := strings.TrimSpace(r.Header.Get(g.header))
	switch {
	case key == "" && g.optional:
		next.ServeHTTP(w, r)
		return
	case key == "":
		writeError(ctx, w, http.StatusBadRequest, "idempotency_key_required", g.header+" header is required")
		return
	case len(key) > maxKeyLength:
		writeError(ctx, w, http.StatusBadRequest, "idempotency_key_invalid", g.header+" is too long")
		return
	}

	body, err := bufferBody(r)
	if err != nil {
		writeError(ctx, w, http.StatusBadRequest, "invalid_request", "unable to read request body")
		return
	}
	requester := requesterID(ctx)
	scoped := requester + ":" + key
	fp := fingerprint(r, requester, body)
	logger := g.loggerFor(ctx).With(zap.String("idempotency_key", key))

	outcome, entry, err := g.store.Claim(ctx, scoped, fp, g.now().UTC(), g.lockTTL)
	switch {
	case errors.Is(err, ErrFingerprintMismatch):
		writeError(ctx, w, http.StatusConflict, "idempotency_key_conflict", "idempotency key already used for a different request")
		return
	case err != nil:
		logger.Error("idempotency claim failed", zap.Error(err))
		writeError(ctx, w, http.StatusInternalServerError, "idempotency_store_error", "unable to process idempotency key")
		return
	}
	switch outcome {
	case OutcomeReplay:
		w.Header().Set(replayHeaderName, "true")
		writeResponse(w, entry.Response)
		return
	case OutcomeInFlight:
		w.Header().Set("Retry-After", "1")
		writeError(ctx, w, http.StatusConflict, "idempotency_in_progress", "another request is processing this idempotency key")
		return
	}

	captured := &capture{header: make(http.Header)}
	next.ServeHTTP(captured, r)
	resp := captured.response()

	if resp.Status >= http.StatusInternalServerError {
		if err := g.store.Abandon(ctx, scoped); err != nil {
			logger.Warn("idempotency key release failed", zap.Error(err))
		}
		writeResponse(w, resp)
		return
	}
	if err := g.store.Complete(ctx, scoped, fp, resp, g.now().UTC(), g.ttl); err != nil {
		logger.Error("idempotency response not stored", zap.Error(err))
		if err := g.store.Abandon(ctx, scoped); err != nil {
			logger.Warn("idempotency key release failed", zap.Error(err))
		}
		writeError(ctx, w, http.StatusInternalServerError, "idempotency_store_error", "unable to persist idempotency state")
		return
	}
	writeResponse(w, resp)
}

func (g *guard) loggerFor(ctx context.Context) *zap.Logger {
	return requestctx.LoggerOr(ctx, g.logger).Named("idempotency")
}

func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(r.Body)
	_ = r.Body.Close()
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

func fingerprint(r *http.Request, requester string, body []byte) string {
	parts := []string{
		r.Method,
		r.URL.Path,
		r.URL.RawQuery,
		r.Header.Get("Content-Type"),
		requester,
		hashHex(body),
	}
	return hashHex([]byte(strings.Join(parts, "\n")))
}

func requesterID(ctx context.Context) string {
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity.UID != "" {
		return "user/" + identity.UID
	}
	if svc, ok := auth.ServiceIdentityFromContext(ctx); ok && svc.Subject != "" {
		return "service/" + svc.Subject
	}
	return "anonymous"
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string) {
	httpx.WriteError(ctx, w, httpx.NewError(code, message, status))
}

// writeResponse merges the captured headers over any already set by outer middleware.
func writeResponse(w http.ResponseWriter, resp Response) {
	dst := w.Header()
	for name, values := range resp.Header {
		dst[name] = slices.Clone(values)
	}
	w.WriteHeader(resp.Status)
	if len(resp.Body) > 0 {
		_, _ = w.Write(resp.Body)
	}
}

// capture buffers the handler's response until it has been stored.
type capture struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (c *capture) Header() http.Header { return c.header }

func (c *capture) WriteHeader(status int) {
	if c.status == 0 {
		c.status = status
	}
}

func (c *capture) Write(p []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	return c.body.Write(p)
}

func (c *capture) response() Response {
	status := c.status
	if status == 0 {
		status = http.StatusOK
	}
	return Response{Status: status, Header: c.header, Body: c.body.Bytes()}
}

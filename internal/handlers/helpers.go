package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/megamarket/api/internal/platform/auth"
	"github.com/megamarket/api/internal/platform/httpx"
	"github.com/megamarket/api/internal/platform/requestctx"
	"github.com/megamarket/api/internal/services"
)

const defaultMaxBodySize = 16 * 1024

var (
	errBodyTooLarge = errors.New("request body too large")
	errEmptyBody    = errors.New("request body is required")
)

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	if limit <= 0 {
		limit = defaultMaxBodySize
	}
	reader := io.LimitReader(r.Body, limit+1)
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

// decodeJSONBody reads and decodes a bounded JSON body, writing the error response itself on failure.
// Unknown fields are rejected so clients cannot smuggle prices or totals.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, limit int64, dst any) bool {
	ctx := r.Context()
	body, err := readLimitedBody(r, limit)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return false
	}
	decoder := json.NewDecoder(strings.NewReader(string(body)))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", fmt.Sprintf("invalid JSON payload: %v", err), http.StatusBadRequest))
		return false
	}
	return true
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	httpx.WriteJSON(w, status, payload)
}

// sessionFromRequest builds the explicit service session from the verified identity.
func sessionFromRequest(w http.ResponseWriter, r *http.Request) (services.Session, *auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return services.Session{}, nil, false
	}
	return services.Session{AccountID: identity.UID, Email: identity.Email}, identity, true
}

// AccountLoggerMiddleware adds the authenticated account to the request-scoped logger.
func AccountLoggerMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := auth.IdentityFromContext(r.Context())
			if ok && identity != nil && identity.UID != "" {
				logger := requestctx.Logger(r.Context()).With(zap.String("user_id", identity.UID))
				r = r.WithContext(requestctx.WithLogger(r.Context(), logger))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// writeServiceError maps the service error taxonomy onto HTTP statuses and stable codes.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	var (
		validation *services.ValidationError
		declined   *services.PaymentDeclinedError
		domainErr  services.DomainError
	)
	switch {
	case errors.As(err, &validation):
		httpx.WriteError(ctx, w, httpx.NewError(validation.Code(), validation.SafeMessage(), http.StatusBadRequest).WithFields(validation.Fields))
	case errors.Is(err, services.ErrAddressNotFound):
		writeDomainError(ctx, w, err, http.StatusNotFound)
	case errors.Is(err, services.ErrIntentCreation):
		writeDomainError(ctx, w, err, http.StatusBadGateway)
	case errors.As(err, &declined):
		httpx.WriteError(ctx, w, httpx.NewError(declined.Code(), declined.SafeMessage(), http.StatusPaymentRequired).
			WithDetails(map[string]any{"intent_id": declined.IntentID}))
	case errors.Is(err, services.ErrOrphanedConfirmation):
		writeDomainError(ctx, w, err, http.StatusConflict)
	case errors.Is(err, services.ErrPersistence):
		writeDomainError(ctx, w, err, http.StatusServiceUnavailable)
	case errors.Is(err, services.ErrValidation):
		if errors.As(err, &domainErr) {
			httpx.WriteError(ctx, w, httpx.NewError(domainErr.Code(), domainErr.SafeMessage(), http.StatusBadRequest))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("validation_failed", "request is invalid", http.StatusBadRequest))
	case errors.Is(err, services.ErrCartLineNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("cart_line_not_found", "cart line not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderCancelled):
		httpx.WriteError(ctx, w, httpx.NewError("order_cancelled", "order has been cancelled", http.StatusConflict))
	case errors.Is(err, services.ErrInvalidTransition):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_state", "the request conflicts with the current checkout state", http.StatusConflict))
	case errors.Is(err, services.ErrUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "a dependency is unavailable, retry later", http.StatusServiceUnavailable))
	default:
		requestctx.Logger(ctx).Error("unhandled service error", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "failed to process request", http.StatusInternalServerError))
	}
}

func writeDomainError(ctx context.Context, w http.ResponseWriter, err error, status int) {
	var domainErr services.DomainError
	if errors.As(err, &domainErr) {
		httpx.WriteError(ctx, w, httpx.NewError(domainErr.Code(), domainErr.SafeMessage(), status))
		return
	}
	httpx.WriteError(ctx, w, httpx.NewError("request_failed", err.Error(), status))
}

package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/megamarket/api/internal/platform/auth"
	"github.com/megamarket/api/internal/platform/httpx"
	"github.com/megamarket/api/internal/platform/requestctx"
	"github.com/megamarket/api/internal/services"
)

const (
	defaultExpireBatchSize = 200
	maxExpireBatchSize     = 1000
)

// InternalHandlers exposes maintenance endpoints invoked by Cloud Scheduler. Authentication is applied by
// the router's internal middleware chain.
type InternalHandlers struct {
	checkout services.CheckoutService
}

// NewInternalHandlers constructs the internal maintenance handlers.
func NewInternalHandlers(checkout services.CheckoutService) *InternalHandlers {
	return &InternalHandlers{checkout: checkout}
}

// Routes registers the /internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/checkout/staging:expire", h.expireStagedDrafts)
}

type expireResponse struct {
	Removed int `json:"removed"`
	Limit   int `json:"limit"`
}

func (h *InternalHandlers) expireStagedDrafts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	limit := defaultExpireBatchSize
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "limit must be a positive integer", http.StatusBadRequest))
			return
		}
		limit = min(parsed, maxExpireBatchSize)
	}

	removed, err := h.checkout.ExpireStaleDrafts(ctx, limit)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	fields := []zap.Field{zap.Int("removed", removed), zap.Int("limit", limit)}
	if svc, ok := auth.ServiceIdentityFromContext(ctx); ok && svc != nil {
		fields = append(fields, zap.String("caller", svc.Subject))
	}
	requestctx.Logger(ctx).Info("expired staged drafts", fields...)
	writeJSONResponse(w, http.StatusOK, expireResponse{Removed: removed, Limit: limit})
}

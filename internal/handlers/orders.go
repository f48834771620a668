package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	domain "github.com/megamarket/api/internal/domain"
	"github.com/megamarket/api/internal/platform/auth"
	"github.com/megamarket/api/internal/platform/httpx"
	"github.com/megamarket/api/internal/platform/requestctx"
	"github.com/megamarket/api/internal/platform/storage"
	"github.com/megamarket/api/internal/services"
)

const maxOrderBodySize = 8 * 1024

// ReceiptLinker signs download links for archived receipts.
type ReceiptLinker interface {
	ReceiptURL(ctx context.Context, identity *auth.Identity, order domain.Order) (storage.SignedURLResult, error)
}

// OrderHandlers exposes the account's order history and the narrow post-creation operations.
type OrderHandlers struct {
	authn    *auth.Authenticator
	orders   services.OrderService
	receipts ReceiptLinker
}

// NewOrderHandlers constructs a new OrderHandlers instance. A nil receipts linker disables the receipt
// download endpoint.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, receipts ReceiptLinker) *OrderHandlers {
	return &OrderHandlers{
		authn:    authn,
		orders:   orders,
		receipts: receipts,
	}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Use(AccountLoggerMiddleware())
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Put("/{orderID}/address", h.updateAddress)
	r.Delete("/{orderID}", h.cancelOrder)
	r.Get("/{orderID}/receipt", h.getReceipt)
}

type orderListResponse struct {
	Orders []orderPayload `json:"orders"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderItemPayload struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	UnitPrice string `json:"unit_price"`
	Quantity  int    `json:"quantity"`
	Subtotal  string `json:"subtotal"`
}

type orderPayload struct {
	ID              string             `json:"id"`
	Status          string             `json:"status"`
	PaymentStatus   string             `json:"payment_status"`
	Items           []orderItemPayload `json:"items"`
	ShippingAddress string             `json:"shipping_address"`
	Total           string             `json:"total"`
	Currency        string             `json:"currency"`
	ConfirmationID  string             `json:"confirmation_id,omitempty"`
	CreatedAt       string             `json:"created_at"`
	UpdatedAt       string             `json:"updated_at,omitempty"`
	CancelledAt     string             `json:"cancelled_at,omitempty"`
}

type receiptResponse struct {
	URL       string `json:"url"`
	Method    string `json:"method"`
	ExpiresAt string `json:"expires_at"`
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	sess, _, ok := sessionFromRequest(w, r)
	if !ok {
		return
	}

	orders, err := h.orders.List(ctx, sess)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	resp := orderListResponse{Orders: make([]orderPayload, 0, len(orders))}
	for _, order := range orders {
		resp.Orders = append(resp.Orders, buildOrderPayload(order))
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	sess, _, ok := sessionFromRequest(w, r)
	if !ok {
		return
	}

	order, err := h.orders.Get(ctx, sess, strings.TrimSpace(chi.URLParam(r, "orderID")))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) updateAddress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	sess, _, ok := sessionFromRequest(w, r)
	if !ok {
		return
	}
	var req addressSelectionRequest
	if !decodeJSONBody(w, r, maxOrderBodySize, &req) {
		return
	}

	order, err := h.orders.UpdateAddress(ctx, sess, strings.TrimSpace(chi.URLParam(r, "orderID")), req.selection())
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	sess, _, ok := sessionFromRequest(w, r)
	if !ok {
		return
	}

	order, err := h.orders.Cancel(ctx, sess, strings.TrimSpace(chi.URLParam(r, "orderID")))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) getReceipt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil || h.receipts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("receipts_unavailable", "receipt downloads are not configured", http.StatusServiceUnavailable))
		return
	}
	sess, identity, ok := sessionFromRequest(w, r)
	if !ok {
		return
	}

	order, err := h.orders.Get(ctx, sess, strings.TrimSpace(chi.URLParam(r, "orderID")))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	if order.PaymentStatus != domain.PaymentStatusPaid {
		httpx.WriteError(ctx, w, httpx.NewError("receipt_not_available", "no receipt exists for this order", http.StatusNotFound))
		return
	}

	link, err := h.receipts.ReceiptURL(ctx, identity, order)
	if err != nil {
		if errors.Is(err, storage.ErrPermissionDenied) {
			httpx.WriteError(ctx, w, httpx.NewError("forbidden", "not allowed to download this receipt", http.StatusForbidden))
			return
		}
		requestctx.Logger(ctx).Warn("receipt link signing failed", zap.String("order_id", order.ID), zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("receipt_link_failed", "could not create a receipt link", http.StatusBadGateway))
		return
	}
	writeJSONResponse(w, http.StatusOK, receiptResponse{
		URL:       link.URL,
		Method:    link.Method,
		ExpiresAt: formatTime(link.ExpiresAt),
	})
}

func buildOrderPayload(order domain.Order) orderPayload {
	payload := orderPayload{
		ID:              order.ID,
		Status:          string(order.Status),
		PaymentStatus:   string(order.PaymentStatus),
		Items:           make([]orderItemPayload, 0, len(order.Items)),
		ShippingAddress: order.ShippingAddress,
		Total:           domain.FormatAmount(order.Total),
		Currency:        strings.ToUpper(order.Currency),
		ConfirmationID:  order.ConfirmationID,
		CreatedAt:       formatTime(order.CreatedAt),
		UpdatedAt:       formatTime(order.UpdatedAt),
	}
	if order.CancelledAt != nil {
		payload.CancelledAt = formatTime(*order.CancelledAt)
	}
	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderItemPayload{
			ProductID: item.ProductID,
			Name:      item.Name,
			UnitPrice: domain.FormatAmount(item.UnitPrice),
			Quantity:  item.Quantity,
			Subtotal:  domain.FormatAmount(item.Subtotal()),
		})
	}
	return payload
}

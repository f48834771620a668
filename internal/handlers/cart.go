package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/megamarket/api/internal/domain"
	"github.com/megamarket/api/internal/platform/auth"
	"github.com/megamarket/api/internal/platform/httpx"
	"github.com/megamarket/api/internal/services"
)

const maxCartBodySize = 16 * 1024

// CartHandlers exposes authenticated cart endpoints for the current user.
type CartHandlers struct {
	authn  *auth.Authenticator
	carts  services.CartService
	guards []func(http.Handler) http.Handler
}

// NewCartHandlers constructs handlers enforcing Firebase authentication before invoking the cart service.
// Guards run after authentication, typically the idempotency middleware.
func NewCartHandlers(authn *auth.Authenticator, carts services.CartService, guards ...func(http.Handler) http.Handler) *CartHandlers {
	return &CartHandlers{
		authn:  authn,
		carts:  carts,
		guards: guards,
	}
}

// Routes wires the /cart endpoints onto the provided router.
func (h *CartHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Use(AccountLoggerMiddleware())
	for _, guard := range h.guards {
		if guard != nil {
			r.Use(guard)
		}
	}
	r.Get("/", h.getCart)
	r.Delete("/", h.clearCart)
	r.Put("/lines", h.replaceLines)
	r.Post("/items", h.addItem)
	r.Patch("/lines/{lineID}", h.setQuantity)
	r.Delete("/lines/{lineID}", h.removeLine)
}

type cartLineRequest struct {
	LineID    string `json:"line_id"`
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type replaceLinesRequest struct {
	Lines []cartLineRequest `json:"lines"`
}

type addItemRequest struct {
	ProductID string `json:"product_id"`
	Quantity  *int   `json:"quantity"`
}

type setQuantityRequest struct {
	Quantity *int `json:"quantity"`
}

func (h *CartHandlers) getCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("cart_service_unavailable", "cart service is unavailable", http.StatusServiceUnavailable))
		return
	}
	sess, _, ok := sessionFromRequest(w, r)
	if !ok {
		return
	}

	cart, err := h.carts.GetCart(ctx, sess)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	h.writeCart(w, cart)
}

func (h *CartHandlers) replaceLines(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("cart_service_unavailable", "cart service is unavailable", http.StatusServiceUnavailable))
		return
	}
	sess, _, ok := sessionFromRequest(w, r)
	if !ok {
		return
	}
	var req replaceLinesRequest
	if !decodeJSONBody(w, r, maxCartBodySize, &req) {
		return
	}

	inputs := make([]services.CartLineInput, 0, len(req.Lines))
	for _, line := range req.Lines {
		inputs = append(inputs, services.CartLineInput{
			LineID:    strings.TrimSpace(line.LineID),
			ProductID: strings.TrimSpace(line.ProductID),
			Quantity:  line.Quantity,
		})
	}
	cart, err := h.carts.ReplaceLines(ctx, sess, inputs)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	h.writeCart(w, cart)
}

func (h *CartHandlers) addItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("cart_service_unavailable", "cart service is unavailable", http.StatusServiceUnavailable))
		return
	}
	sess, _, ok := sessionFromRequest(w, r)
	if !ok {
		return
	}
	var req addItemRequest
	if !decodeJSONBody(w, r, maxCartBodySize, &req) {
		return
	}
	quantity := 1
	if req.Quantity != nil {
		quantity = *req.Quantity
	}

	cart, err := h.carts.AddItem(ctx, sess, strings.TrimSpace(req.ProductID), quantity)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	h.writeCart(w, cart)
}

func (h *CartHandlers) setQuantity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("cart_service_unavailable", "cart service is unavailable", http.StatusServiceUnavailable))
		return
	}
	sess, _, ok := sessionFromRequest(w, r)
	if !ok {
		return
	}
	var req setQuantityRequest
	if !decodeJSONBody(w, r, maxCartBodySize, &req) {
		return
	}
	if req.Quantity == nil {
		httpx.WriteError(ctx, w, httpx.NewError("validation_failed", "quantity is required", http.StatusBadRequest).WithFields([]string{"quantity"}))
		return
	}

	cart, err := h.carts.SetQuantity(ctx, sess, strings.TrimSpace(chi.URLParam(r, "lineID")), *req.Quantity)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	h.writeCart(w, cart)
}

func (h *CartHandlers) removeLine(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("cart_service_unavailable", "cart service is unavailable", http.StatusServiceUnavailable))
		return
	}
	sess, _, ok := sessionFromRequest(w, r)
	if !ok {
		return
	}

	cart, err := h.carts.RemoveLine(ctx, sess, strings.TrimSpace(chi.URLParam(r, "lineID")))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	h.writeCart(w, cart)
}

func (h *CartHandlers) clearCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("cart_service_unavailable", "cart service is unavailable", http.StatusServiceUnavailable))
		return
	}
	sess, _, ok := sessionFromRequest(w, r)
	if !ok {
		return
	}
	if err := h.carts.Clear(ctx, sess); err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CartHandlers) writeCart(w http.ResponseWriter, cart domain.Cart) {
	setCartResponseHeaders(w, cart)
	writeJSONResponse(w, http.StatusOK, cartResponse{Cart: buildCartPayload(cart)})
}

func setCartResponseHeaders(w http.ResponseWriter, cart domain.Cart) {
	w.Header().Set("Pragma", "no-cache")
	if !cart.UpdatedAt.IsZero() {
		w.Header().Set("Last-Modified", cart.UpdatedAt.UTC().Format(http.TimeFormat))
	}
	if etag := buildCartETag(cart); etag != "" {
		w.Header().Set("ETag", etag)
	}
}

func buildCartPayload(cart domain.Cart) cartPayload {
	payload := cartPayload{
		ItemsCount: cart.ItemCount(),
		Lines:      make([]cartLinePayload, 0, len(cart.Lines)),
		UpdatedAt:  formatTime(cart.UpdatedAt),
	}
	total := cart.Total()
	for _, line := range cart.Lines {
		payload.Lines = append(payload.Lines, cartLinePayload{
			ID:        line.ID,
			ProductID: line.ProductID,
			Name:      line.Name,
			Quantity:  line.Quantity,
			UnitPrice: domain.FormatAmount(line.UnitPrice),
			Subtotal:  domain.FormatAmount(line.Subtotal()),
			AddedAt:   formatTime(line.AddedAt),
		})
	}
	payload.Total = domain.FormatAmount(total)
	return payload
}

// buildCartETag fingerprints the line set so clients can detect concurrent edits from another tab.
func buildCartETag(cart domain.Cart) string {
	if len(cart.Lines) == 0 && cart.UpdatedAt.IsZero() {
		return ""
	}
	var builder strings.Builder
	builder.WriteString(cart.AccountID)
	for _, line := range cart.Lines {
		fmt.Fprintf(&builder, "|%s:%s:%d:%s", line.ID, line.ProductID, line.Quantity, line.UnitPrice.String())
	}
	sum := sha256.Sum256([]byte(builder.String()))
	return fmt.Sprintf(`W/"%s"`, hex.EncodeToString(sum[:8]))
}

type cartResponse struct {
	Cart cartPayload `json:"cart"`
}

type cartPayload struct {
	ItemsCount int               `json:"items_count"`
	Lines      []cartLinePayload `json:"lines"`
	Total      string            `json:"total"`
	UpdatedAt  string            `json:"updated_at,omitempty"`
}

type cartLinePayload struct {
	ID        string `json:"id"`
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unit_price"`
	Subtotal  string `json:"subtotal"`
	AddedAt   string `json:"added_at,omitempty"`
}

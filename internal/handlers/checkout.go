package handlers

import (
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/megamarket/api/internal/domain"
	"github.com/megamarket/api/internal/platform/auth"
	"github.com/megamarket/api/internal/platform/httpx"
	"github.com/megamarket/api/internal/services"
)

const (
	maxCheckoutRequestBody = 8 * 1024

	defaultCheckoutRateBurst  = 10
	defaultCheckoutRateWindow = time.Minute
)

// CheckoutHandlers exposes checkout related endpoints for authenticated users.
type CheckoutHandlers struct {
	authn     *auth.Authenticator
	checkout  services.CheckoutService
	addresses services.AddressResolver
	guards    []func(http.Handler) http.Handler
	limiter   rateLimiter
}

// CheckoutOption customises CheckoutHandlers.
type CheckoutOption func(*CheckoutHandlers)

// WithCheckoutGuards appends middleware that runs after authentication on every checkout route.
func WithCheckoutGuards(mw ...func(http.Handler) http.Handler) CheckoutOption {
	return func(h *CheckoutHandlers) {
		h.guards = append(h.guards, mw...)
	}
}

// WithCheckoutRateLimit bounds how many intents and confirmations an account may start per window.
// A non-positive burst disables the limit.
func WithCheckoutRateLimit(burst int, window time.Duration, clock func() time.Time) CheckoutOption {
	return func(h *CheckoutHandlers) {
		h.limiter = newKeyedRateLimiter(burst, window, clock)
	}
}

// NewCheckoutHandlers constructs checkout handlers guarded by Firebase authentication.
func NewCheckoutHandlers(authn *auth.Authenticator, checkout services.CheckoutService, addresses services.AddressResolver, opts ...CheckoutOption) *CheckoutHandlers {
	h := &CheckoutHandlers{
		authn:     authn,
		checkout:  checkout,
		addresses: addresses,
		limiter:   newKeyedRateLimiter(defaultCheckoutRateBurst, defaultCheckoutRateWindow, nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers checkout endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
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
	r.Get("/addresses", h.listAddresses)
	r.Post("/intents", h.beginCheckout)
	r.Post("/confirm", h.confirmCheckout)
	r.Post("/return", h.completeRedirect)
	r.Delete("/pending", h.abandonCheckout)
}

type addressInputPayload struct {
	Label      string `json:"label"`
	Street     string `json:"street"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

type addressSelectionRequest struct {
	UseNewAddress bool                 `json:"use_new_address"`
	AddressID     string               `json:"address_id"`
	NewAddress    *addressInputPayload `json:"new_address"`
}

type beginCheckoutRequest struct {
	addressSelectionRequest
}

type confirmCheckoutRequest struct {
	IntentID        string `json:"intent_id"`
	PaymentMethodID string `json:"payment_method_id"`
	ReturnURL       string `json:"return_url"`
}

type redirectReturnRequest struct {
	PaymentIntent  string `json:"payment_intent"`
	RedirectStatus string `json:"redirect_status"`
}

type addressPayload struct {
	ID         string `json:"id"`
	Label      string `json:"label"`
	Street     string `json:"street"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
	Formatted  string `json:"formatted"`
}

type addressListResponse struct {
	Addresses []addressPayload `json:"addresses"`
}

type draftItemPayload struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	UnitPrice string `json:"unit_price"`
	Quantity  int    `json:"quantity"`
}

type draftPayload struct {
	ID              string             `json:"id"`
	Items           []draftItemPayload `json:"items"`
	ShippingAddress string             `json:"shipping_address"`
	Total           string             `json:"total"`
	Currency        string             `json:"currency"`
}

type checkoutAttemptResponse struct {
	State          string        `json:"state"`
	IntentID       string        `json:"intent_id,omitempty"`
	ClientSecret   string        `json:"client_secret,omitempty"`
	AmountMinor    int64         `json:"amount_minor"`
	Currency       string        `json:"currency"`
	RedirectURL    string        `json:"redirect_url,omitempty"`
	FailureMessage string        `json:"failure_message,omitempty"`
	Draft          *draftPayload `json:"draft,omitempty"`
	Order          *orderPayload `json:"order,omitempty"`
}

type redirectResultResponse struct {
	Outcome     string        `json:"outcome"`
	Order       *orderPayload `json:"order,omitempty"`
	RedirectURL string        `json:"redirect_url,omitempty"`
}

type abandonResponse struct {
	Abandoned bool `json:"abandoned"`
}

func (h *CheckoutHandlers) listAddresses(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.addresses == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}
	sess, _, ok := sessionFromRequest(w, r)
	if !ok {
		return
	}

	addresses, err := h.addresses.List(ctx, sess)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	resp := addressListResponse{Addresses: make([]addressPayload, 0, len(addresses))}
	for _, addr := range addresses {
		resp.Addresses = append(resp.Addresses, addressPayload{
			ID:         addr.ID,
			Label:      addr.Label,
			Street:     addr.Street,
			City:       addr.City,
			State:      addr.State,
			PostalCode: addr.PostalCode,
			Country:    addr.Country,
			Formatted:  services.FormatAddress(addr),
		})
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *CheckoutHandlers) beginCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}
	sess, _, ok := sessionFromRequest(w, r)
	if !ok {
		return
	}
	if !h.allow(w, r, sess) {
		return
	}
	var req beginCheckoutRequest
	if !decodeJSONBody(w, r, maxCheckoutRequestBody, &req) {
		return
	}

	attempt, err := h.checkout.Begin(ctx, sess, services.BeginCheckoutCommand{Address: req.selection()})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, buildAttemptResponse(attempt))
}

func (h *CheckoutHandlers) confirmCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}
	sess, _, ok := sessionFromRequest(w, r)
	if !ok {
		return
	}
	if !h.allow(w, r, sess) {
		return
	}
	var req confirmCheckoutRequest
	if !decodeJSONBody(w, r, maxCheckoutRequestBody, &req) {
		return
	}
	intentID := strings.TrimSpace(req.IntentID)
	if intentID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("validation_failed", "intent_id is required", http.StatusBadRequest).WithFields([]string{"intent_id"}))
		return
	}
	if !storefrontReturnURL(strings.TrimSpace(req.ReturnURL)) {
		httpx.WriteError(ctx, w, httpx.NewError("validation_failed", "return_url must be a storefront page", http.StatusBadRequest).WithFields([]string{"return_url"}))
		return
	}

	attempt, err := h.checkout.Confirm(ctx, sess, services.ConfirmCheckoutCommand{
		IntentID:        intentID,
		PaymentMethodID: strings.TrimSpace(req.PaymentMethodID),
		ReturnURL:       strings.TrimSpace(req.ReturnURL),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	status := http.StatusOK
	switch attempt.State {
	case services.CheckoutStateSucceeded:
		status = http.StatusCreated
	case services.CheckoutStateProcessing:
		status = http.StatusAccepted
	}
	writeJSONResponse(w, status, buildAttemptResponse(attempt))
}

// completeRedirect accepts the provider's return as forwarded by the storefront return page, either as
// query parameters or as a JSON body. The browser itself never lands here: it has no bearer token.
func (h *CheckoutHandlers) completeRedirect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}
	sess, _, ok := sessionFromRequest(w, r)
	if !ok {
		return
	}

	req := redirectReturnRequest{
		PaymentIntent:  r.URL.Query().Get("payment_intent"),
		RedirectStatus: r.URL.Query().Get("redirect_status"),
	}
	if strings.TrimSpace(req.PaymentIntent) == "" {
		if !decodeJSONBody(w, r, maxCheckoutRequestBody, &req) {
			return
		}
	}
	if strings.TrimSpace(req.PaymentIntent) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("validation_failed", "payment_intent is required", http.StatusBadRequest).WithFields([]string{"payment_intent"}))
		return
	}

	result, err := h.checkout.CompleteRedirect(ctx, sess, services.RedirectReturn{
		ConfirmationID: strings.TrimSpace(req.PaymentIntent),
		Status:         strings.TrimSpace(req.RedirectStatus),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	resp := redirectResultResponse{Outcome: string(result.Outcome), RedirectURL: result.RedirectURL}
	if result.Order != nil {
		order := buildOrderPayload(*result.Order)
		resp.Order = &order
	}
	status := http.StatusOK
	if result.Outcome == services.RedirectOutcomeOrderCreated {
		status = http.StatusCreated
	}
	writeJSONResponse(w, status, resp)
}

func (h *CheckoutHandlers) abandonCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}
	sess, _, ok := sessionFromRequest(w, r)
	if !ok {
		return
	}

	abandoned, err := h.checkout.Abandon(ctx, sess)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, abandonResponse{Abandoned: abandoned})
}

// storefrontReturnURL rejects return targets under /api/. The provider redirects the browser there
// without an Authorization header, so only a storefront page can receive it.
func storefrontReturnURL(raw string) bool {
	if raw == "" {
		return true
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return false
	}
	return !strings.HasPrefix(path.Clean("/"+u.Path)+"/", "/api/")
}

func (h *CheckoutHandlers) allow(w http.ResponseWriter, r *http.Request, sess services.Session) bool {
	if h.limiter == nil || h.limiter.Allow(sess.AccountID) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	httpx.WriteError(r.Context(), w, httpx.NewError("rate_limited", "too many checkout attempts, retry later", http.StatusTooManyRequests))
	return false
}

func (req addressSelectionRequest) selection() services.AddressSelection {
	selection := services.AddressSelection{
		UseNew:     req.UseNewAddress,
		SelectedID: strings.TrimSpace(req.AddressID),
	}
	if req.NewAddress != nil {
		selection.New = services.AddressInput{
			Label:      req.NewAddress.Label,
			Street:     req.NewAddress.Street,
			City:       req.NewAddress.City,
			State:      req.NewAddress.State,
			PostalCode: req.NewAddress.PostalCode,
			Country:    req.NewAddress.Country,
		}
	}
	return selection
}

func buildAttemptResponse(attempt services.CheckoutAttempt) checkoutAttemptResponse {
	resp := checkoutAttemptResponse{
		State:          string(attempt.State),
		IntentID:       attempt.IntentID,
		ClientSecret:   attempt.ClientSecret,
		AmountMinor:    attempt.AmountMinor,
		Currency:       strings.ToUpper(attempt.Currency),
		RedirectURL:    attempt.RedirectURL,
		FailureMessage: attempt.FailureMessage,
	}
	if attempt.Draft.ID != "" {
		draft := buildDraftPayload(attempt.Draft)
		resp.Draft = &draft
	}
	if attempt.Order != nil {
		order := buildOrderPayload(*attempt.Order)
		resp.Order = &order
	}
	return resp
}

func buildDraftPayload(draft domain.OrderDraft) draftPayload {
	payload := draftPayload{
		ID:              draft.ID,
		Items:           make([]draftItemPayload, 0, len(draft.Items)),
		ShippingAddress: draft.ShippingAddress,
		Total:           domain.FormatAmount(draft.Total),
		Currency:        strings.ToUpper(draft.Currency),
	}
	for _, item := range draft.Items {
		payload.Items = append(payload.Items, draftItemPayload{
			ProductID: item.ProductID,
			Name:      item.Name,
			UnitPrice: domain.FormatAmount(item.UnitPrice),
			Quantity:  item.Quantity,
		})
	}
	return payload
}

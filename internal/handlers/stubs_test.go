package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"

	domain "github.com/megamarket/api/internal/domain"
	"github.com/megamarket/api/internal/platform/auth"
	"github.com/megamarket/api/internal/platform/storage"
	"github.com/megamarket/api/internal/services"
)

var errStubNotConfigured = errors.New("stub: not configured")

func authedRequest(method, target, body, uid string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if uid != "" {
		req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: uid, Email: uid + "@example.com"}))
	}
	return req
}

type stubCartService struct {
	getFunc     func(ctx context.Context, sess services.Session) (domain.Cart, error)
	replaceFunc func(ctx context.Context, sess services.Session, lines []services.CartLineInput) (domain.Cart, error)
	addFunc     func(ctx context.Context, sess services.Session, productID string, quantity int) (domain.Cart, error)
	setFunc     func(ctx context.Context, sess services.Session, lineID string, quantity int) (domain.Cart, error)
	removeFunc  func(ctx context.Context, sess services.Session, lineID string) (domain.Cart, error)
	clearFunc   func(ctx context.Context, sess services.Session) error
}

func (s *stubCartService) GetCart(ctx context.Context, sess services.Session) (domain.Cart, error) {
	if s.getFunc == nil {
		return domain.Cart{}, errStubNotConfigured
	}
	return s.getFunc(ctx, sess)
}

func (s *stubCartService) ReplaceLines(ctx context.Context, sess services.Session, lines []services.CartLineInput) (domain.Cart, error) {
	if s.replaceFunc == nil {
		return domain.Cart{}, errStubNotConfigured
	}
	return s.replaceFunc(ctx, sess, lines)
}

func (s *stubCartService) AddItem(ctx context.Context, sess services.Session, productID string, quantity int) (domain.Cart, error) {
	if s.addFunc == nil {
		return domain.Cart{}, errStubNotConfigured
	}
	return s.addFunc(ctx, sess, productID, quantity)
}

func (s *stubCartService) SetQuantity(ctx context.Context, sess services.Session, lineID string, quantity int) (domain.Cart, error) {
	if s.setFunc == nil {
		return domain.Cart{}, errStubNotConfigured
	}
	return s.setFunc(ctx, sess, lineID, quantity)
}

func (s *stubCartService) RemoveLine(ctx context.Context, sess services.Session, lineID string) (domain.Cart, error) {
	if s.removeFunc == nil {
		return domain.Cart{}, errStubNotConfigured
	}
	return s.removeFunc(ctx, sess, lineID)
}

func (s *stubCartService) Clear(ctx context.Context, sess services.Session) error {
	if s.clearFunc == nil {
		return errStubNotConfigured
	}
	return s.clearFunc(ctx, sess)
}

type stubCheckoutService struct {
	beginFunc    func(ctx context.Context, sess services.Session, cmd services.BeginCheckoutCommand) (services.CheckoutAttempt, error)
	confirmFunc  func(ctx context.Context, sess services.Session, cmd services.ConfirmCheckoutCommand) (services.CheckoutAttempt, error)
	redirectFunc func(ctx context.Context, sess services.Session, ret services.RedirectReturn) (services.RedirectResult, error)
	abandonFunc  func(ctx context.Context, sess services.Session) (bool, error)
	expireFunc   func(ctx context.Context, limit int) (int, error)
}

func (s *stubCheckoutService) Begin(ctx context.Context, sess services.Session, cmd services.BeginCheckoutCommand) (services.CheckoutAttempt, error) {
	if s.beginFunc == nil {
		return services.CheckoutAttempt{}, errStubNotConfigured
	}
	return s.beginFunc(ctx, sess, cmd)
}

func (s *stubCheckoutService) Confirm(ctx context.Context, sess services.Session, cmd services.ConfirmCheckoutCommand) (services.CheckoutAttempt, error) {
	if s.confirmFunc == nil {
		return services.CheckoutAttempt{}, errStubNotConfigured
	}
	return s.confirmFunc(ctx, sess, cmd)
}

func (s *stubCheckoutService) CompleteRedirect(ctx context.Context, sess services.Session, ret services.RedirectReturn) (services.RedirectResult, error) {
	if s.redirectFunc == nil {
		return services.RedirectResult{}, errStubNotConfigured
	}
	return s.redirectFunc(ctx, sess, ret)
}

func (s *stubCheckoutService) Abandon(ctx context.Context, sess services.Session) (bool, error) {
	if s.abandonFunc == nil {
		return false, errStubNotConfigured
	}
	return s.abandonFunc(ctx, sess)
}

func (s *stubCheckoutService) ExpireStaleDrafts(ctx context.Context, limit int) (int, error) {
	if s.expireFunc == nil {
		return 0, errStubNotConfigured
	}
	return s.expireFunc(ctx, limit)
}

type stubAddressResolver struct {
	addresses []domain.Address
	err       error
}

func (s *stubAddressResolver) Resolve(context.Context, services.Session, services.AddressSelection) (services.ResolvedAddress, error) {
	return services.ResolvedAddress{}, errStubNotConfigured
}

func (s *stubAddressResolver) List(context.Context, services.Session) ([]domain.Address, error) {
	return s.addresses, s.err
}

type stubOrderService struct {
	orders    map[string]domain.Order
	updateErr error
	lastSel   services.AddressSelection
}

func (s *stubOrderService) List(_ context.Context, sess services.Session) ([]domain.Order, error) {
	var out []domain.Order
	for _, order := range s.orders {
		if order.AccountID == sess.AccountID {
			out = append(out, order)
		}
	}
	return out, nil
}

func (s *stubOrderService) Get(_ context.Context, sess services.Session, orderID string) (domain.Order, error) {
	order, ok := s.orders[orderID]
	if !ok || order.AccountID != sess.AccountID {
		return domain.Order{}, services.ErrOrderNotFound
	}
	return order, nil
}

func (s *stubOrderService) UpdateAddress(ctx context.Context, sess services.Session, orderID string, selection services.AddressSelection) (domain.Order, error) {
	s.lastSel = selection
	if s.updateErr != nil {
		return domain.Order{}, s.updateErr
	}
	order, err := s.Get(ctx, sess, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	order.ShippingAddress = "Work: " + selection.SelectedID
	return order, nil
}

func (s *stubOrderService) Cancel(ctx context.Context, sess services.Session, orderID string) (domain.Order, error) {
	order, err := s.Get(ctx, sess, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	order.Status = domain.OrderStatusCancelled
	return order, nil
}

type stubReceiptLinker struct {
	result storage.SignedURLResult
	err    error
	calls  int
}

func (s *stubReceiptLinker) ReceiptURL(context.Context, *auth.Identity, domain.Order) (storage.SignedURLResult, error) {
	s.calls++
	return s.result, s.err
}

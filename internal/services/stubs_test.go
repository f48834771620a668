package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	domain "github.com/megamarket/api/internal/domain"
	"github.com/megamarket/api/internal/payments"
	"github.com/megamarket/api/internal/repositories"
)

type repoError struct {
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e repoError) Error() string       { return "repository error" }
func (e repoError) IsNotFound() bool    { return e.notFound }
func (e repoError) IsConflict() bool    { return e.conflict }
func (e repoError) IsUnavailable() bool { return e.unavailable }

var (
	errRepoNotFound    = repoError{notFound: true}
	errRepoConflict    = repoError{conflict: true}
	errRepoUnavailable = repoError{unavailable: true}
)

var _ repositories.RepositoryError = repoError{}

type memoryCartRepository struct {
	mu           sync.Mutex
	lines        map[string][]domain.CartLine
	getErr       error
	replaceErr   error
	replaceCalls int
}

func newMemoryCartRepository() *memoryCartRepository {
	return &memoryCartRepository{lines: map[string][]domain.CartLine{}}
}

func (r *memoryCartRepository) Get(_ context.Context, accountID string) (domain.Cart, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return domain.Cart{}, r.getErr
	}
	return domain.Cart{AccountID: accountID, Lines: append([]domain.CartLine(nil), r.lines[accountID]...)}, nil
}

func (r *memoryCartRepository) Replace(_ context.Context, accountID string, lines []domain.CartLine, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replaceCalls++
	if r.replaceErr != nil {
		return r.replaceErr
	}
	stored := make([]domain.CartLine, 0, len(lines))
	for _, line := range lines {
		stored = append(stored, domain.CartLine{ID: line.ID, ProductID: line.ProductID, Quantity: line.Quantity, AddedAt: line.AddedAt})
	}
	r.lines[accountID] = stored
	return nil
}

type stubProductRepository struct {
	products map[string]domain.Product
	err      error
}

func (r *stubProductRepository) GetMany(_ context.Context, ids []string) (map[string]domain.Product, error) {
	if r.err != nil {
		return nil, r.err
	}
	out := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if product, ok := r.products[id]; ok {
			out[id] = product
		}
	}
	return out, nil
}

type memoryAddressRepository struct {
	addresses map[string][]domain.Address
	createErr error
	created   []domain.Address
}

func newMemoryAddressRepository() *memoryAddressRepository {
	return &memoryAddressRepository{addresses: map[string][]domain.Address{}}
}

func (r *memoryAddressRepository) List(_ context.Context, accountID string) ([]domain.Address, error) {
	return append([]domain.Address(nil), r.addresses[accountID]...), nil
}

func (r *memoryAddressRepository) Get(_ context.Context, accountID, addressID string) (domain.Address, error) {
	for _, address := range r.addresses[accountID] {
		if address.ID == addressID {
			return address, nil
		}
	}
	return domain.Address{}, errRepoNotFound
}

func (r *memoryAddressRepository) Create(_ context.Context, accountID string, address domain.Address) (domain.Address, error) {
	if r.createErr != nil {
		return domain.Address{}, r.createErr
	}
	r.addresses[accountID] = append(r.addresses[accountID], address)
	r.created = append(r.created, address)
	return address, nil
}

type memoryPendingOrders struct {
	mu     sync.Mutex
	slots  map[string]domain.PendingOrder
	putErr error
	getErr error
}

func newMemoryPendingOrders() *memoryPendingOrders {
	return &memoryPendingOrders{slots: map[string]domain.PendingOrder{}}
}

func (r *memoryPendingOrders) Put(_ context.Context, accountID string, pending domain.PendingOrder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.putErr != nil {
		return r.putErr
	}
	r.slots[accountID] = pending
	return nil
}

func (r *memoryPendingOrders) Take(_ context.Context, accountID string) (domain.PendingOrder, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pending, ok := r.slots[accountID]
	delete(r.slots, accountID)
	return pending, ok, nil
}

func (r *memoryPendingOrders) Get(_ context.Context, accountID string) (domain.PendingOrder, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return domain.PendingOrder{}, false, r.getErr
	}
	pending, ok := r.slots[accountID]
	return pending, ok, nil
}

func (r *memoryPendingOrders) DeleteIfDraft(_ context.Context, accountID, draftID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pending, ok := r.slots[accountID]
	if !ok || pending.Draft.ID != draftID {
		return false, nil
	}
	delete(r.slots, accountID)
	return true, nil
}

func (r *memoryPendingOrders) StagedBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.PendingOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.PendingOrder
	for _, pending := range r.slots {
		if pending.StagedAt.Before(cutoff) {
			out = append(out, pending)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StagedAt.Before(out[j].StagedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryPendingOrders) DeleteIfStaged(_ context.Context, accountID, draftID string, stagedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pending, ok := r.slots[accountID]
	if !ok || pending.Draft.ID != draftID || !pending.StagedAt.Equal(stagedAt) {
		return false, nil
	}
	delete(r.slots, accountID)
	return true, nil
}

func (r *memoryPendingOrders) restage(accountID string, stagedAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pending := r.slots[accountID]
	pending.StagedAt = stagedAt
	r.slots[accountID] = pending
}

func (r *memoryPendingOrders) slot(accountID string) (domain.PendingOrder, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pending, ok := r.slots[accountID]
	return pending, ok
}

type memoryOrderRepository struct {
	mu             sync.Mutex
	orders         map[string]domain.Order
	byConfirmation map[string]string
	createErr      error
	findErr        error
	createCalls    int
}

func newMemoryOrderRepository() *memoryOrderRepository {
	return &memoryOrderRepository{orders: map[string]domain.Order{}, byConfirmation: map[string]string{}}
}

func (r *memoryOrderRepository) CreateOnce(_ context.Context, order domain.Order) (domain.Order, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.createCalls++
	if r.createErr != nil {
		return domain.Order{}, false, r.createErr
	}
	if order.ConfirmationID != "" {
		if existingID, ok := r.byConfirmation[order.ConfirmationID]; ok {
			return r.orders[existingID], false, nil
		}
		r.byConfirmation[order.ConfirmationID] = order.ID
	}
	r.orders[order.ID] = order
	return order, true, nil
}

func (r *memoryOrderRepository) FindByConfirmation(_ context.Context, accountID, confirmationID string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.findErr != nil {
		return domain.Order{}, r.findErr
	}
	id, ok := r.byConfirmation[confirmationID]
	if !ok || r.orders[id].AccountID != accountID {
		return domain.Order{}, errRepoNotFound
	}
	return r.orders[id], nil
}

func (r *memoryOrderRepository) Get(_ context.Context, accountID, orderID string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok || order.AccountID != accountID {
		return domain.Order{}, errRepoNotFound
	}
	return order, nil
}

func (r *memoryOrderRepository) List(_ context.Context, accountID string) ([]domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Order
	for _, order := range r.orders {
		if order.AccountID == accountID {
			out = append(out, order)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *memoryOrderRepository) UpdateAddress(_ context.Context, accountID, orderID, formatted string, updatedAt time.Time) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok || order.AccountID != accountID {
		return domain.Order{}, errRepoNotFound
	}
	if order.Cancelled() {
		return domain.Order{}, errRepoConflict
	}
	order.ShippingAddress = formatted
	order.UpdatedAt = updatedAt
	r.orders[orderID] = order
	return order, nil
}

func (r *memoryOrderRepository) Cancel(_ context.Context, accountID, orderID string, cancelledAt time.Time) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok || order.AccountID != accountID {
		return domain.Order{}, errRepoNotFound
	}
	if !order.Cancelled() {
		order.Status = domain.OrderStatusCancelled
		order.CancelledAt = &cancelledAt
		order.UpdatedAt = cancelledAt
		r.orders[orderID] = order
	}
	return order, nil
}

func (r *memoryOrderRepository) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.orders)
}

type stubPayments struct {
	createFunc  func(req payments.IntentRequest) (payments.Intent, error)
	confirmFunc func(req payments.ConfirmRequest) (payments.PaymentDetails, error)
	lookupFunc  func(req payments.LookupRequest) (payments.PaymentDetails, error)
	cancelFunc  func(req payments.CancelRequest) (payments.PaymentDetails, error)

	created   []payments.IntentRequest
	confirmed []payments.ConfirmRequest
	cancelled []payments.CancelRequest
}

func (p *stubPayments) CreateIntent(_ context.Context, _ payments.PaymentContext, req payments.IntentRequest) (payments.Intent, error) {
	p.created = append(p.created, req)
	if p.createFunc != nil {
		return p.createFunc(req)
	}
	return payments.Intent{ID: "pi_123", ClientSecret: "pi_123_secret", Amount: req.Amount, Currency: req.Currency, Status: payments.StatusPending}, nil
}

func (p *stubPayments) Confirm(_ context.Context, _ payments.PaymentContext, req payments.ConfirmRequest) (payments.PaymentDetails, error) {
	p.confirmed = append(p.confirmed, req)
	if p.confirmFunc != nil {
		return p.confirmFunc(req)
	}
	return payments.PaymentDetails{IntentID: req.IntentID, Status: payments.StatusSucceeded}, nil
}

func (p *stubPayments) LookupPayment(_ context.Context, _ payments.PaymentContext, req payments.LookupRequest) (payments.PaymentDetails, error) {
	if p.lookupFunc != nil {
		return p.lookupFunc(req)
	}
	return payments.PaymentDetails{IntentID: req.IntentID, Status: payments.StatusPending}, nil
}

func (p *stubPayments) Cancel(_ context.Context, _ payments.PaymentContext, req payments.CancelRequest) (payments.PaymentDetails, error) {
	p.cancelled = append(p.cancelled, req)
	if p.cancelFunc != nil {
		return p.cancelFunc(req)
	}
	return payments.PaymentDetails{IntentID: req.IntentID, Status: payments.StatusCanceled}, nil
}

type recordingPublisher struct {
	events []OrderEvent
	err    error
}

func (p *recordingPublisher) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	p.events = append(p.events, event)
	return p.err
}

type recordingArchiver struct {
	orders []domain.Order
	err    error
}

func (a *recordingArchiver) ArchiveReceipt(_ context.Context, order domain.Order) (string, error) {
	a.orders = append(a.orders, order)
	if a.err != nil {
		return "", a.err
	}
	return "gs://receipts/" + order.AccountID + "/" + order.ID + ".json", nil
}

type recordingNotifier struct {
	sent []string
	err  error
}

func (n *recordingNotifier) SendOrderConfirmation(_ context.Context, recipient string, order domain.Order) error {
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, recipient+":"+order.ID)
	return nil
}

func fixedClock(ts time.Time) func() time.Time {
	return func() time.Time { return ts }
}

func sequenceIDs(prefix string) func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/megamarket/api/internal/domain"
	"github.com/megamarket/api/internal/repositories"
)

// OrderServiceDeps wires the dependencies required by the order service.
type OrderServiceDeps struct {
	Orders    repositories.OrderRepository
	Addresses AddressResolver
	Events    OrderEventPublisher
	Clock     func() time.Time
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders    repositories.OrderRepository
	addresses AddressResolver
	events    OrderEventPublisher
	now       func() time.Time
	logger    func(ctx context.Context, event string, fields map[string]any)
}

// NewOrderService constructs an OrderService.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Addresses == nil {
		return nil, errors.New("order service: address resolver is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &orderService{
		orders:    deps.Orders,
		addresses: deps.Addresses,
		events:    deps.Events,
		now:       func() time.Time { return clock().UTC() },
		logger:    logger,
	}, nil
}

// List returns the account's orders, newest first.
func (s *orderService) List(ctx context.Context, sess Session) ([]domain.Order, error) {
	accountID, err := sess.accountID()
	if err != nil {
		return nil, err
	}
	orders, err := s.orders.List(ctx, accountID)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return orders, nil
}

func (s *orderService) Get(ctx context.Context, sess Session, orderID string) (domain.Order, error) {
	accountID, err := sess.accountID()
	if err != nil {
		return domain.Order{}, err
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, &ValidationError{Fields: []string{"orderId"}}
	}
	order, err := s.orders.Get(ctx, accountID, orderID)
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

// UpdateAddress replaces the shipping snapshot. Items and total are never re-derived.
func (s *orderService) UpdateAddress(ctx context.Context, sess Session, orderID string, selection AddressSelection) (domain.Order, error) {
	current, err := s.Get(ctx, sess, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if current.Cancelled() {
		return domain.Order{}, ErrOrderCancelled
	}
	resolved, err := s.addresses.Resolve(ctx, sess, selection)
	if err != nil {
		return domain.Order{}, err
	}
	updated, err := s.orders.UpdateAddress(ctx, current.AccountID, current.ID, resolved.Formatted, s.now())
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}
	s.logger(ctx, "orders.address.updated", map[string]any{
		"accountId": updated.AccountID,
		"orderId":   updated.ID,
		"addressId": resolved.AddressID,
	})
	return updated, nil
}

// Cancel marks the order cancelled. Cancelling twice returns the already-cancelled order.
func (s *orderService) Cancel(ctx context.Context, sess Session, orderID string) (domain.Order, error) {
	current, err := s.Get(ctx, sess, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if current.Cancelled() {
		return current, nil
	}
	now := s.now()
	cancelled, err := s.orders.Cancel(ctx, current.AccountID, current.ID, now)
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}
	s.logger(ctx, "orders.cancelled", map[string]any{
		"accountId": cancelled.AccountID,
		"orderId":   cancelled.ID,
	})
	if s.events != nil {
		event := OrderEvent{
			Type:           OrderEventCancelled,
			OrderID:        cancelled.ID,
			AccountID:      cancelled.AccountID,
			Total:          domain.FormatAmount(cancelled.Total),
			Currency:       cancelled.Currency,
			ConfirmationID: cancelled.ConfirmationID,
			OccurredAt:     now,
		}
		if err := s.events.PublishOrderEvent(ctx, event); err != nil {
			s.logger(ctx, "orders.event.failed", map[string]any{"orderId": cancelled.ID, "type": string(event.Type), "error": err.Error()})
		}
	}
	return cancelled, nil
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case isRepoNotFound(err):
		return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
	case isRepoConflict(err):
		return fmt.Errorf("%w: %v", ErrOrderCancelled, err)
	}
	return unavailable("orders", err)
}

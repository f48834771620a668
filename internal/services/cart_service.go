package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/megamarket/api/internal/domain"
	"github.com/megamarket/api/internal/repositories"
)

var (
	errCartRepositoryRequired = errors.New("cart service: cart repository is required")
	errCartProductsRequired   = errors.New("cart service: product repository is required")
)

// CartServiceDeps wires the dependencies required by the cart service.
type CartServiceDeps struct {
	Carts       repositories.CartRepository
	Products    repositories.ProductRepository
	Clock       func() time.Time
	Logger      func(context.Context, string, map[string]any)
	IDGenerator func() string
}

type cartService struct {
	carts    repositories.CartRepository
	products repositories.ProductRepository
	newID    func() string
	now      func() time.Time
	logger   func(context.Context, string, map[string]any)
}

// NewCartService constructs a CartService enforcing dependency validation.
func NewCartService(deps CartServiceDeps) (CartService, error) {
	if deps.Carts == nil {
		return nil, errCartRepositoryRequired
	}
	if deps.Products == nil {
		return nil, errCartProductsRequired
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	return &cartService{
		carts:    deps.Carts,
		products: deps.Products,
		newID:    idGen,
		now:      func() time.Time { return clock().UTC() },
		logger:   logger,
	}, nil
}

// GetCart returns the stored lines priced from the current catalog. Lines whose product no longer
// exists are omitted.
func (s *cartService) GetCart(ctx context.Context, sess Session) (domain.Cart, error) {
	accountID, err := sess.accountID()
	if err != nil {
		return domain.Cart{}, err
	}
	return s.load(ctx, accountID)
}

// ReplaceLines writes the full line set and returns the re-fetched cart. Entries with quantity < 1 are
// dropped rather than rejected.
func (s *cartService) ReplaceLines(ctx context.Context, sess Session, inputs []CartLineInput) (domain.Cart, error) {
	accountID, err := sess.accountID()
	if err != nil {
		return domain.Cart{}, err
	}
	current, err := s.carts.Get(ctx, accountID)
	if err != nil {
		return domain.Cart{}, s.mapRepositoryError(err)
	}

	lines, err := s.buildLines(ctx, current.Lines, inputs)
	if err != nil {
		return domain.Cart{}, err
	}

	if err := s.carts.Replace(ctx, accountID, lines, s.now()); err != nil {
		return domain.Cart{}, s.mapRepositoryError(err)
	}
	s.logger(ctx, "cart.lines.replaced", map[string]any{
		"accountId": accountID,
		"lines":     len(lines),
	})
	return s.load(ctx, accountID)
}

// AddItem merges quantity into the line for productID, creating one when absent.
func (s *cartService) AddItem(ctx context.Context, sess Session, productID string, quantity int) (domain.Cart, error) {
	productID = strings.TrimSpace(productID)
	var missing []string
	if productID == "" {
		missing = append(missing, "productId")
	}
	if quantity < 1 {
		missing = append(missing, "quantity")
	}
	if len(missing) > 0 {
		return domain.Cart{}, &ValidationError{Fields: missing}
	}
	return s.rewrite(ctx, sess, func(inputs []CartLineInput) ([]CartLineInput, error) {
		for i := range inputs {
			if inputs[i].ProductID == productID {
				inputs[i].Quantity += quantity
				return inputs, nil
			}
		}
		return append(inputs, CartLineInput{ProductID: productID, Quantity: quantity}), nil
	})
}

// SetQuantity changes a line's quantity. A quantity below 1 removes the line.
func (s *cartService) SetQuantity(ctx context.Context, sess Session, lineID string, quantity int) (domain.Cart, error) {
	lineID = strings.TrimSpace(lineID)
	if lineID == "" {
		return domain.Cart{}, &ValidationError{Fields: []string{"lineId"}}
	}
	return s.rewrite(ctx, sess, func(inputs []CartLineInput) ([]CartLineInput, error) {
		for i := range inputs {
			if inputs[i].LineID == lineID {
				inputs[i].Quantity = quantity
				return inputs, nil
			}
		}
		return nil, ErrCartLineNotFound
	})
}

// RemoveLine drops a line. Removing an absent line is a no-op.
func (s *cartService) RemoveLine(ctx context.Context, sess Session, lineID string) (domain.Cart, error) {
	lineID = strings.TrimSpace(lineID)
	if lineID == "" {
		return domain.Cart{}, &ValidationError{Fields: []string{"lineId"}}
	}
	return s.rewrite(ctx, sess, func(inputs []CartLineInput) ([]CartLineInput, error) {
		kept := inputs[:0]
		for _, input := range inputs {
			if input.LineID != lineID {
				kept = append(kept, input)
			}
		}
		return kept, nil
	})
}

// Clear empties the cart.
func (s *cartService) Clear(ctx context.Context, sess Session) error {
	accountID, err := sess.accountID()
	if err != nil {
		return err
	}
	if err := s.carts.Replace(ctx, accountID, nil, s.now()); err != nil {
		return s.mapRepositoryError(err)
	}
	s.logger(ctx, "cart.cleared", map[string]any{"accountId": accountID})
	return nil
}

func (s *cartService) rewrite(ctx context.Context, sess Session, edit func([]CartLineInput) ([]CartLineInput, error)) (domain.Cart, error) {
	accountID, err := sess.accountID()
	if err != nil {
		return domain.Cart{}, err
	}
	current, err := s.load(ctx, accountID)
	if err != nil {
		return domain.Cart{}, err
	}
	inputs := make([]CartLineInput, 0, len(current.Lines))
	for _, line := range current.Lines {
		inputs = append(inputs, CartLineInput{LineID: line.ID, ProductID: line.ProductID, Quantity: line.Quantity})
	}
	next, err := edit(inputs)
	if err != nil {
		return domain.Cart{}, err
	}
	return s.ReplaceLines(ctx, sess, next)
}

// buildLines validates the inputs against the catalog and carries line identity over from the stored
// cart so that resubmitting the same set yields the same lines.
func (s *cartService) buildLines(ctx context.Context, existing []domain.CartLine, inputs []CartLineInput) ([]domain.CartLine, error) {
	var (
		invalid    []string
		productIDs []string
		kept       []CartLineInput
		positions  []int
	)
	for i, input := range inputs {
		input.LineID = strings.TrimSpace(input.LineID)
		input.ProductID = strings.TrimSpace(input.ProductID)
		if input.Quantity < 1 {
			continue
		}
		if input.ProductID == "" {
			invalid = append(invalid, fmt.Sprintf("lines[%d].productId", i))
			continue
		}
		kept = append(kept, input)
		positions = append(positions, i)
		productIDs = append(productIDs, input.ProductID)
	}
	if len(invalid) > 0 {
		return nil, &ValidationError{Fields: invalid}
	}
	if len(kept) == 0 {
		return nil, nil
	}

	products, err := s.products.GetMany(ctx, productIDs)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	for i, input := range kept {
		if _, ok := products[input.ProductID]; !ok {
			invalid = append(invalid, fmt.Sprintf("lines[%d].productId", positions[i]))
		}
	}
	if len(invalid) > 0 {
		return nil, &ValidationError{Fields: invalid, Reason: "unknown product"}
	}

	byID := make(map[string]domain.CartLine, len(existing))
	for _, line := range existing {
		byID[line.ID] = line
	}
	claimed := make(map[string]bool, len(kept))
	now := s.now()
	lines := make([]domain.CartLine, 0, len(kept))
	for _, input := range kept {
		prior, ok := byID[input.LineID]
		if !ok || claimed[input.LineID] || prior.ProductID != input.ProductID {
			prior, ok = matchUnclaimed(existing, claimed, input.ProductID)
		}
		line := domain.CartLine{ProductID: input.ProductID, Quantity: input.Quantity, AddedAt: now}
		switch {
		case ok:
			line.ID = prior.ID
			line.AddedAt = prior.AddedAt
		case input.LineID != "" && !claimed[input.LineID]:
			line.ID = input.LineID
		default:
			line.ID = s.newID()
		}
		claimed[line.ID] = true
		lines = append(lines, line)
	}
	return lines, nil
}

func matchUnclaimed(existing []domain.CartLine, claimed map[string]bool, productID string) (domain.CartLine, bool) {
	for _, line := range existing {
		if line.ProductID == productID && !claimed[line.ID] {
			return line, true
		}
	}
	return domain.CartLine{}, false
}

func (s *cartService) load(ctx context.Context, accountID string) (domain.Cart, error) {
	cart, err := s.carts.Get(ctx, accountID)
	if err != nil {
		return domain.Cart{}, s.mapRepositoryError(err)
	}
	cart.AccountID = accountID
	if len(cart.Lines) == 0 {
		cart.Lines = nil
		return cart, nil
	}

	ids := make([]string, 0, len(cart.Lines))
	for _, line := range cart.Lines {
		ids = append(ids, line.ProductID)
	}
	products, err := s.products.GetMany(ctx, ids)
	if err != nil {
		return domain.Cart{}, s.mapRepositoryError(err)
	}

	priced := make([]domain.CartLine, 0, len(cart.Lines))
	for _, line := range cart.Lines {
		product, ok := products[line.ProductID]
		if !ok {
			s.logger(ctx, "cart.line.product_missing", map[string]any{
				"accountId": accountID,
				"productId": line.ProductID,
			})
			continue
		}
		if line.Quantity < 1 {
			continue
		}
		line.Name = product.Name
		line.UnitPrice = product.Price
		priced = append(priced, line)
	}
	cart.Lines = priced
	return cart, nil
}

func (s *cartService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	return unavailable("cart", err)
}

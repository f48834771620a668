package services

import (
	"strings"
	"time"

	domain "github.com/megamarket/api/internal/domain"
)

// AssembleOptions supplies the values an assembled draft needs besides the cart and address.
type AssembleOptions struct {
	Currency string
	Now      time.Time
	NewID    func() string
}

// AssembleOrder derives an immutable draft from the cart and the resolved address. The total is computed
// here, once, from the unit prices carried on the cart lines. It performs no I/O.
func AssembleOrder(cart domain.Cart, address ResolvedAddress, opts AssembleOptions) (domain.OrderDraft, error) {
	if cart.Empty() {
		return domain.OrderDraft{}, &EmptyCartError{}
	}
	formatted := strings.TrimSpace(address.Formatted)
	if formatted == "" {
		return domain.OrderDraft{}, &ValidationError{Fields: []string{"shippingAddress"}}
	}

	items := make([]domain.OrderDraftItem, 0, len(cart.Lines))
	for _, line := range cart.Lines {
		if line.Quantity < 1 {
			continue
		}
		items = append(items, domain.OrderDraftItem{
			ProductID: line.ProductID,
			Name:      line.Name,
			UnitPrice: line.UnitPrice,
			Quantity:  line.Quantity,
		})
	}
	if len(items) == 0 {
		return domain.OrderDraft{}, &EmptyCartError{}
	}

	var id string
	if opts.NewID != nil {
		id = opts.NewID()
	}
	return domain.OrderDraft{
		ID:              id,
		AccountID:       cart.AccountID,
		Items:           items,
		ShippingAddress: formatted,
		Total:           domain.SumLines(items),
		Currency:        strings.ToLower(strings.TrimSpace(opts.Currency)),
		AssembledAt:     opts.Now.UTC(),
	}, nil
}

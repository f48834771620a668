package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/megamarket/api/internal/domain"
	pfirestore "github.com/megamarket/api/internal/platform/firestore"
	"github.com/megamarket/api/internal/repositories"
)

const cartCollection = "carts"

type cartDocument struct {
	Lines     []cartLineDocument `firestore:"lines"`
	UpdatedAt time.Time          `firestore:"updatedAt"`
}

type cartLineDocument struct {
	ID        string    `firestore:"id"`
	ProductID string    `firestore:"productId"`
	Quantity  int       `firestore:"quantity"`
	AddedAt   time.Time `firestore:"addedAt"`
}

// CartRepository stores one document per account under carts/{accountId}.
type CartRepository struct {
	base *pfirestore.BaseRepository[cartDocument]
}

var _ repositories.CartRepository = (*CartRepository)(nil)

// NewCartRepository constructs a Firestore-backed cart repository.
func NewCartRepository(provider *pfirestore.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires firestore provider")
	}
	return &CartRepository{base: pfirestore.NewBaseRepository[cartDocument](provider, cartCollection)}, nil
}

// Get loads the account's cart lines. Absent carts are empty.
func (r *CartRepository) Get(ctx context.Context, accountID string) (domain.Cart, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return domain.Cart{}, errors.New("cart repository: account id is required")
	}
	doc, err := r.base.Get(ctx, accountID)
	if err != nil {
		if isNotFound(err) {
			return domain.Cart{AccountID: accountID, Lines: []domain.CartLine{}}, nil
		}
		return domain.Cart{}, err
	}

	cart := domain.Cart{
		AccountID: accountID,
		Lines:     make([]domain.CartLine, 0, len(doc.Data.Lines)),
		UpdatedAt: doc.Data.UpdatedAt.UTC(),
	}
	for _, line := range doc.Data.Lines {
		cart.Lines = append(cart.Lines, domain.CartLine{
			ID:        line.ID,
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			AddedAt:   line.AddedAt.UTC(),
		})
	}
	return cart, nil
}

// Replace overwrites the stored line set.
func (r *CartRepository) Replace(ctx context.Context, accountID string, lines []domain.CartLine, updatedAt time.Time) error {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return errors.New("cart repository: account id is required")
	}
	doc := cartDocument{
		Lines:     make([]cartLineDocument, 0, len(lines)),
		UpdatedAt: updatedAt.UTC(),
	}
	for _, line := range lines {
		doc.Lines = append(doc.Lines, cartLineDocument{
			ID:        line.ID,
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			AddedAt:   line.AddedAt.UTC(),
		})
	}
	return r.base.Set(ctx, accountID, doc)
}

func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

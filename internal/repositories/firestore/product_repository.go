package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/megamarket/api/internal/domain"
	pfirestore "github.com/megamarket/api/internal/platform/firestore"
	"github.com/megamarket/api/internal/repositories"
)

const productCollection = "products"

type productDocument struct {
	Name      string    `firestore:"name"`
	Price     string    `firestore:"price"`
	ImageURL  string    `firestore:"imageUrl,omitempty"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

// ProductRepository reads catalog prices from products/{productId}. The catalog itself is managed elsewhere.
type ProductRepository struct {
	base *pfirestore.BaseRepository[productDocument]
}

var _ repositories.ProductRepository = (*ProductRepository)(nil)

// NewProductRepository constructs a Firestore-backed catalog reader.
func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository requires firestore provider")
	}
	return &ProductRepository{base: pfirestore.NewBaseRepository[productDocument](provider, productCollection)}, nil
}

// GetMany fetches the listed products in a single batched read.
func (r *ProductRepository) GetMany(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(productIDs))
	if len(productIDs) == 0 {
		return result, nil
	}
	coll, err := r.base.CollectionRef(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(productIDs))
	refs := make([]*firestore.DocumentRef, 0, len(productIDs))
	for _, id := range productIDs {
		id = strings.TrimSpace(id)
		if id == "" || strings.Contains(id, "/") {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		refs = append(refs, coll.Doc(id))
	}
	if len(refs) == 0 {
		return result, nil
	}

	client, err := r.base.Provider().Client(ctx)
	if err != nil {
		return nil, err
	}
	snaps, err := client.GetAll(ctx, refs)
	if err != nil {
		return nil, pfirestore.WrapError("products.get_many", err)
	}
	for _, snap := range snaps {
		if snap == nil || !snap.Exists() {
			continue
		}
		doc, err := pfirestore.Decode[productDocument](snap)
		if err != nil {
			return nil, err
		}
		price, err := domain.ParseAmount(doc.Data.Price)
		if err != nil {
			return nil, err
		}
		result[doc.ID] = domain.Product{
			ID:        doc.ID,
			Name:      doc.Data.Name,
			Price:     price,
			ImageURL:  doc.Data.ImageURL,
			UpdatedAt: doc.Data.UpdatedAt.UTC(),
		}
	}
	return result, nil
}

package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/megamarket/api/internal/domain"
	pfirestore "github.com/megamarket/api/internal/platform/firestore"
	"github.com/megamarket/api/internal/repositories"
)

const addressCollectionPattern = "accounts/%s/addresses"

type addressDocument struct {
	Label      string    `firestore:"label"`
	Street     string    `firestore:"street"`
	City       string    `firestore:"city"`
	State      string    `firestore:"state"`
	PostalCode string    `firestore:"postalCode"`
	Country    string    `firestore:"country"`
	CreatedAt  time.Time `firestore:"createdAt"`
}

// AddressRepository stores the address book under accounts/{accountId}/addresses.
type AddressRepository struct {
	provider *pfirestore.Provider
}

var _ repositories.AddressRepository = (*AddressRepository)(nil)

// NewAddressRepository constructs a Firestore-backed address repository.
func NewAddressRepository(provider *pfirestore.Provider) (*AddressRepository, error) {
	if provider == nil {
		return nil, errors.New("address repository requires firestore provider")
	}
	return &AddressRepository{provider: provider}, nil
}

// List returns the account's addresses, oldest first.
func (r *AddressRepository) List(ctx context.Context, accountID string) ([]domain.Address, error) {
	base, err := r.base(accountID)
	if err != nil {
		return nil, err
	}
	docs, err := base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.OrderBy("createdAt", firestore.Asc)
	})
	if err != nil {
		return nil, err
	}
	addresses := make([]domain.Address, 0, len(docs))
	for _, doc := range docs {
		addresses = append(addresses, decodeAddress(doc.ID, doc.Data))
	}
	return addresses, nil
}

// Get loads a single address. Ownership is implied by the collection path.
func (r *AddressRepository) Get(ctx context.Context, accountID, addressID string) (domain.Address, error) {
	base, err := r.base(accountID)
	if err != nil {
		return domain.Address{}, err
	}
	addressID = strings.TrimSpace(addressID)
	if addressID == "" || strings.Contains(addressID, "/") {
		return domain.Address{}, pfirestore.NotFound("addresses.get", "address id is invalid")
	}
	doc, err := base.Get(ctx, addressID)
	if err != nil {
		return domain.Address{}, err
	}
	return decodeAddress(doc.ID, doc.Data), nil
}

// Create inserts a new address. An id collision is reported as a conflict.
func (r *AddressRepository) Create(ctx context.Context, accountID string, address domain.Address) (domain.Address, error) {
	base, err := r.base(accountID)
	if err != nil {
		return domain.Address{}, err
	}
	ref, err := base.DocumentRef(ctx, address.ID)
	if err != nil {
		return domain.Address{}, err
	}
	address.CreatedAt = address.CreatedAt.UTC()
	doc := addressDocument{
		Label:      address.Label,
		Street:     address.Street,
		City:       address.City,
		State:      address.State,
		PostalCode: address.PostalCode,
		Country:    address.Country,
		CreatedAt:  address.CreatedAt,
	}
	if _, err := ref.Create(ctx, doc); err != nil {
		return domain.Address{}, pfirestore.WrapError("addresses.create", err)
	}
	return address, nil
}

func (r *AddressRepository) base(accountID string) (*pfirestore.BaseRepository[addressDocument], error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" || strings.Contains(accountID, "/") {
		return nil, errors.New("address repository: account id is invalid")
	}
	return pfirestore.NewBaseRepository[addressDocument](r.provider, fmt.Sprintf(addressCollectionPattern, accountID)), nil
}

func decodeAddress(id string, doc addressDocument) domain.Address {
	return domain.Address{
		ID:         id,
		Label:      doc.Label,
		Street:     doc.Street,
		City:       doc.City,
		State:      doc.State,
		PostalCode: doc.PostalCode,
		Country:    doc.Country,
		CreatedAt:  doc.CreatedAt.UTC(),
	}
}

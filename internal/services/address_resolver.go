package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/megamarket/api/internal/domain"
	"github.com/megamarket/api/internal/platform/textutil"
	"github.com/megamarket/api/internal/repositories"
)

// AddressResolverDeps wires the dependencies required by the address resolver.
type AddressResolverDeps struct {
	Addresses   repositories.AddressRepository
	Clock       func() time.Time
	Logger      func(context.Context, string, map[string]any)
	IDGenerator func() string
}

type addressResolver struct {
	addresses repositories.AddressRepository
	now       func() time.Time
	newID     func() string
	logger    func(context.Context, string, map[string]any)
}

// NewAddressResolver constructs an AddressResolver.
func NewAddressResolver(deps AddressResolverDeps) (AddressResolver, error) {
	if deps.Addresses == nil {
		return nil, errors.New("address resolver: address repository is required")
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
	return &addressResolver{
		addresses: deps.Addresses,
		now:       func() time.Time { return clock().UTC() },
		newID:     idGen,
		logger:    logger,
	}, nil
}

// FormatAddress renders the snapshot persisted on orders.
func FormatAddress(a domain.Address) string {
	return fmt.Sprintf("%s: %s, %s, %s, %s, %s", a.Label, a.Street, a.City, a.State, a.PostalCode, a.Country)
}

func (r *addressResolver) Resolve(ctx context.Context, sess Session, selection AddressSelection) (ResolvedAddress, error) {
	accountID, err := sess.accountID()
	if err != nil {
		return ResolvedAddress{}, err
	}
	if selection.UseNew {
		return r.createNew(ctx, accountID, selection.New)
	}

	selectedID := strings.TrimSpace(selection.SelectedID)
	if selectedID == "" {
		return ResolvedAddress{}, &ValidationError{Fields: []string{"selectedId"}}
	}
	address, err := r.addresses.Get(ctx, accountID, selectedID)
	if err != nil {
		if isRepoNotFound(err) {
			return ResolvedAddress{}, &AddressNotFoundError{AddressID: selectedID}
		}
		return ResolvedAddress{}, unavailable("addresses", err)
	}
	return ResolvedAddress{AddressID: address.ID, Formatted: FormatAddress(address)}, nil
}

func (r *addressResolver) List(ctx context.Context, sess Session) ([]domain.Address, error) {
	accountID, err := sess.accountID()
	if err != nil {
		return nil, err
	}
	addresses, err := r.addresses.List(ctx, accountID)
	if err != nil {
		return nil, unavailable("addresses", err)
	}
	return addresses, nil
}

func (r *addressResolver) createNew(ctx context.Context, accountID string, input AddressInput) (ResolvedAddress, error) {
	address := domain.Address{
		ID:         r.newID(),
		Label:      textutil.CleanText(input.Label),
		Street:     textutil.CleanText(input.Street),
		City:       textutil.CleanText(input.City),
		State:      textutil.CleanText(input.State),
		PostalCode: textutil.CleanText(input.PostalCode),
		Country:    textutil.CleanText(input.Country),
		CreatedAt:  r.now(),
	}

	fields := []struct {
		name  string
		value string
	}{
		{"label", address.Label},
		{"street", address.Street},
		{"city", address.City},
		{"state", address.State},
		{"postalCode", address.PostalCode},
		{"country", address.Country},
	}
	var missing []string
	for _, field := range fields {
		if field.value == "" {
			missing = append(missing, field.name)
		}
	}
	if len(missing) > 0 {
		return ResolvedAddress{}, &ValidationError{Fields: missing, Reason: "address fields are required"}
	}

	saved, err := r.addresses.Create(ctx, accountID, address)
	if err != nil {
		return ResolvedAddress{}, unavailable("addresses", err)
	}
	r.logger(ctx, "checkout.address.created", map[string]any{
		"accountId": accountID,
		"addressId": saved.ID,
	})
	return ResolvedAddress{AddressID: saved.ID, Formatted: FormatAddress(saved), Created: true}, nil
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func isRepoConflict(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

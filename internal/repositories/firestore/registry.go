package firestore

import (
	"context"
	"errors"

	pfirestore "github.com/megamarket/api/internal/platform/firestore"
	"github.com/megamarket/api/internal/repositories"
)

// Registry is the Firestore implementation of repositories.Registry.
type Registry struct {
	provider *pfirestore.Provider

	carts         *CartRepository
	products      *ProductRepository
	addresses     *AddressRepository
	orders        *OrderRepository
	pendingOrders *PendingOrderRepository
	health        repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry builds every Firestore repository on a shared provider. extraChecks are added to the
// readiness probe next to the Firestore ping.
func NewRegistry(provider *pfirestore.Provider, extraChecks ...repositories.DependencyCheck) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry requires provider")
	}
	reg := &Registry{provider: provider}
	var err error
	if reg.carts, err = NewCartRepository(provider); err != nil {
		return nil, err
	}
	if reg.products, err = NewProductRepository(provider); err != nil {
		return nil, err
	}
	if reg.addresses, err = NewAddressRepository(provider); err != nil {
		return nil, err
	}
	if reg.orders, err = NewOrderRepository(provider); err != nil {
		return nil, err
	}
	if reg.pendingOrders, err = NewPendingOrderRepository(provider); err != nil {
		return nil, err
	}
	checks := append([]repositories.DependencyCheck{{Name: "firestore", Check: provider.Ping}}, extraChecks...)
	if reg.health, err = repositories.NewDependencyHealthRepository(checks); err != nil {
		return nil, err
	}
	return reg, nil
}

func (r *Registry) Carts() repositories.CartRepository                 { return r.carts }
func (r *Registry) Products() repositories.ProductRepository           { return r.products }
func (r *Registry) Addresses() repositories.AddressRepository          { return r.addresses }
func (r *Registry) Orders() repositories.OrderRepository               { return r.orders }
func (r *Registry) PendingOrders() repositories.PendingOrderRepository { return r.pendingOrders }
func (r *Registry) Health() repositories.HealthRepository              { return r.health }

// Close releases the Firestore client.
func (r *Registry) Close(context.Context) error {
	return r.provider.Close()
}

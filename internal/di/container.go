package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/megamarket/api/internal/payments"
	"github.com/megamarket/api/internal/platform/config"
	"github.com/megamarket/api/internal/platform/observability"
	"github.com/megamarket/api/internal/repositories"
	"github.com/megamarket/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Cart      services.CartService
	Addresses services.AddressResolver
	Staging   services.PendingOrderStaging
	Finalizer services.OrderFinalizer
	Checkout  services.CheckoutService
	Orders    services.OrderService
}

// Integrations carries the external collaborators that are built outside the repository registry.
// Events, Receipts and Notifier are optional.
type Integrations struct {
	Payments *payments.Manager
	Events   services.OrderEventPublisher
	Receipts services.ReceiptArchiver
	Notifier services.OrderNotifier
	Logger   *zap.Logger
	Clock    func() time.Time
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Production wiring passes the Firestore registry,
// while tests can supply in-memory registries.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, integrations Integrations) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}
	if integrations.Payments == nil {
		return nil, errors.New("payment manager is required")
	}

	svc, err := buildServices(ctx, reg, cfg, integrations)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients, background workers, or caches.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(_ context.Context, reg repositories.Registry, cfg config.Config, in Integrations) (Services, error) {
	var svc Services

	clock := in.Clock
	if clock == nil {
		clock = time.Now
	}
	base := in.Logger
	if base == nil {
		base = zap.NewNop()
	}
	logFor := func(name string) func(context.Context, string, map[string]any) {
		return observability.ServiceLogger(base.Named(name))
	}

	cartSvc, err := services.NewCartService(services.CartServiceDeps{
		Carts:    reg.Carts(),
		Products: reg.Products(),
		Clock:    clock,
		Logger:   logFor("cart"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build cart service: %w", err)
	}
	svc.Cart = cartSvc

	addressSvc, err := services.NewAddressResolver(services.AddressResolverDeps{
		Addresses: reg.Addresses(),
		Clock:     clock,
		Logger:    logFor("addresses"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build address resolver: %w", err)
	}
	svc.Addresses = addressSvc

	staging, err := services.NewPendingOrderStaging(services.PendingOrderStagingDeps{
		Repository: reg.PendingOrders(),
		Clock:      clock,
		Logger:     logFor("staging"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build pending order staging: %w", err)
	}
	svc.Staging = staging

	finalizer, err := services.NewOrderFinalizer(services.OrderFinalizerDeps{
		Orders:   reg.Orders(),
		Staging:  staging,
		Carts:    cartSvc,
		Events:   in.Events,
		Receipts: in.Receipts,
		Notifier: in.Notifier,
		Clock:    clock,
		Logger:   logFor("finalizer"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order finalizer: %w", err)
	}
	svc.Finalizer = finalizer

	checkoutSvc, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		Carts:            cartSvc,
		Addresses:        addressSvc,
		Staging:          staging,
		Finalizer:        finalizer,
		Orders:           reg.Orders(),
		Payments:         in.Payments,
		Currency:         cfg.Checkout.Currency,
		ReturnURL:        cfg.Checkout.ReturnURL,
		CartURL:          cfg.Checkout.CartURL,
		StagingRetention: cfg.Checkout.StagingRetention,
		Clock:            clock,
		Logger:           logFor("checkout"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build checkout service: %w", err)
	}
	svc.Checkout = checkoutSvc

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:    reg.Orders(),
		Addresses: addressSvc,
		Events:    in.Events,
		Clock:     clock,
		Logger:    logFor("orders"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orderSvc

	return svc, nil
}

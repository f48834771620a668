package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/megamarket/api/internal/platform/httpx"
)

// RouteRegistrar adds one group's routes to the router it is given.
type RouteRegistrar func(r chi.Router)

// Group names a route group mounted under the API prefix.
type Group string

const (
	GroupCart     Group = "/cart"
	GroupCheckout Group = "/checkout"
	GroupOrders   Group = "/orders"
	GroupInternal Group = "/internal"
)

// groups are always mounted, in this order, so a group without a registrar still answers with JSON.
var groups = []Group{GroupCart, GroupCheckout, GroupOrders, GroupInternal}

const (
	apiPrefix             = "/api/v1"
	defaultRequestTimeout = 60 * time.Second
)

type mount struct {
	routes RouteRegistrar
	guards []func(http.Handler) http.Handler
}

type routerConfig struct {
	timeout time.Duration
	global  []func(http.Handler) http.Handler
	health  *HealthHandlers
	mounts  map[Group]*mount
}

func (c *routerConfig) group(g Group) *mount {
	m, ok := c.mounts[g]
	if !ok {
		m = &mount{}
		c.mounts[g] = m
	}
	return m
}

// Option customises NewRouter.
type Option func(*routerConfig)

func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) { cfg.global = append(cfg.global, mw...) }
}

func WithRequestTimeout(d time.Duration) Option {
	return func(cfg *routerConfig) {
		if d > 0 {
			cfg.timeout = d
		}
	}
}

func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) { cfg.health = h }
}

// WithRoutes sets the registrar for a group. Guards wrap only that group.
func WithRoutes(g Group, routes RouteRegistrar, guards ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		m := cfg.group(g)
		m.routes = routes
		m.guards = append(m.guards, guards...)
	}
}

func WithCartRoutes(routes RouteRegistrar) Option     { return WithRoutes(GroupCart, routes) }
func WithCheckoutRoutes(routes RouteRegistrar) Option { return WithRoutes(GroupCheckout, routes) }
func WithOrderRoutes(routes RouteRegistrar) Option    { return WithRoutes(GroupOrders, routes) }
func WithInternalRoutes(routes RouteRegistrar) Option { return WithRoutes(GroupInternal, routes) }

// WithInternalMiddlewares guards the /internal group, typically with service-token verification.
func WithInternalMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		m := cfg.group(GroupInternal)
		m.guards = append(m.guards, mw...)
	}
}

// NewRouter builds the storefront API: health probes at the root and the cart, checkout, orders and
// internal groups under /api/v1. Unknown routes and methods answer with the JSON error envelope.
func NewRouter(opts ...Option) chi.Router {
	cfg := &routerConfig{timeout: defaultRequestTimeout, mounts: make(map[Group]*mount)}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Timeout(cfg.timeout))
	for _, mw := range cfg.global {
		if mw != nil {
			r.Use(mw)
		}
	}
	r.NotFound(routeNotFound)
	r.MethodNotAllowed(methodNotAllowed)

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	r.Route(apiPrefix, func(api chi.Router) {
		for _, g := range groups {
			m := cfg.group(g)
			api.Route(string(g), func(sub chi.Router) {
				for _, mw := range m.guards {
					if mw != nil {
						sub.Use(mw)
					}
				}
				if m.routes == nil {
					sub.HandleFunc("/*", groupUnavailable(g))
					sub.HandleFunc("/", groupUnavailable(g))
					return
				}
				m.routes(sub)
			})
		}
	})
	return r
}

func routeNotFound(w http.ResponseWriter, r *http.Request) {
	httpx.WriteError(r.Context(), w, httpx.NewError("route_not_found", "no route for "+r.URL.Path, http.StatusNotFound))
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	httpx.WriteError(r.Context(), w, httpx.NewError("method_not_allowed", r.Method+" is not allowed on "+r.URL.Path, http.StatusMethodNotAllowed))
}

// groupUnavailable answers for a group whose backing service was not configured in this deployment.
func groupUnavailable(g Group) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(r.Context(), w, httpx.NewError("feature_unavailable", string(g)[1:]+" is not enabled", http.StatusServiceUnavailable))
	}
}

package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stridewear/api/internal/platform/httpx"
)

// RouteRegistrar registers a set of routes against the provided router.
type RouteRegistrar func(r chi.Router)

type routeGroup struct {
	registrar   RouteRegistrar
	middlewares []func(http.Handler) http.Handler
}

type routerConfig struct {
	basePath    string
	middlewares []func(http.Handler) http.Handler
	health      *HealthHandlers
	groups      map[string]*routeGroup
}

func (cfg *routerConfig) group(name string) *routeGroup {
	if cfg.groups == nil {
		cfg.groups = make(map[string]*routeGroup)
	}
	g, ok := cfg.groups[name]
	if !ok {
		g = &routeGroup{}
		cfg.groups[name] = g
	}
	return g
}

// Option customises the router configuration before construction.
type Option func(*routerConfig)

const (
	defaultAPIPrefix  = "/api/v1"
	defaultTimeout    = 60 * time.Second
	errorNotFoundCode = "route_not_found"
)

// apiGroups fixes the mount order under the versioned prefix.
var apiGroups = []string{"orders", "returns", "notifications", "admin", "webhooks", "internal"}

func useAll(r chi.Router, middlewares []func(http.Handler) http.Handler) {
	for _, mw := range middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}
}

// NewRouter builds the chi router: health probes at the root, every business
// group under the versioned prefix. Groups without a registrar respond 501 so
// a partially wired deployment fails loudly instead of 404ing.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{
		basePath: defaultAPIPrefix,
		middlewares: []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Timeout(defaultTimeout),
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	useAll(r, cfg.middlewares)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError(errorNotFoundCode, fmt.Sprintf("no route for %s", req.URL.Path), http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path), http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	r.Route(cfg.basePath, func(api chi.Router) {
		for _, name := range apiGroups {
			g := cfg.group(name)
			api.Route("/"+name, func(group chi.Router) {
				useAll(group, g.middlewares)
				if g.registrar != nil {
					g.registrar(group)
					return
				}
				registerNotImplemented(group, name)
			})
		}
	})

	return r
}

// WithMiddlewares appends additional global middleware to the router.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithHealthHandlers overrides the handlers serving /healthz and /readyz.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) {
		cfg.health = h
	}
}

func withGroupRoutes(name string, reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.group(name).registrar = reg
	}
}

// WithOrderRoutes configures the registrar for order endpoints.
func WithOrderRoutes(reg RouteRegistrar) Option { return withGroupRoutes("orders", reg) }

// WithReturnRoutes configures the registrar for return endpoints.
func WithReturnRoutes(reg RouteRegistrar) Option { return withGroupRoutes("returns", reg) }

// WithNotificationRoutes configures the registrar for notification endpoints.
func WithNotificationRoutes(reg RouteRegistrar) Option { return withGroupRoutes("notifications", reg) }

// WithAdminRoutes configures the registrar for admin endpoints.
func WithAdminRoutes(reg RouteRegistrar) Option { return withGroupRoutes("admin", reg) }

// WithWebhookRoutes configures the registrar for PSP and courier webhooks.
func WithWebhookRoutes(reg RouteRegistrar) Option { return withGroupRoutes("webhooks", reg) }

// WithInternalRoutes configures the registrar for service-to-service endpoints.
func WithInternalRoutes(reg RouteRegistrar) Option { return withGroupRoutes("internal", reg) }

func withGroupMiddlewares(name string, mw []func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		g := cfg.group(name)
		g.middlewares = append(g.middlewares, mw...)
	}
}

// WithWebhookMiddlewares adds middleware applied to the /webhooks group only.
func WithWebhookMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return withGroupMiddlewares("webhooks", mw)
}

// WithInternalMiddlewares adds middleware applied to the /internal group only.
func WithInternalMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return withGroupMiddlewares("internal", mw)
}

func registerNotImplemented(r chi.Router, name string) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("not_implemented", fmt.Sprintf("%s routes not implemented", name), http.StatusNotImplemented))
	}
	r.HandleFunc("/*", handler)
	r.HandleFunc("/", handler)
	r.NotFound(handler)
	r.MethodNotAllowed(handler)
}

package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/stridewear/api/internal/payments"
	"github.com/stridewear/api/internal/platform/config"
	"github.com/stridewear/api/internal/platform/observability"
	"github.com/stridewear/api/internal/repositories"
	"github.com/stridewear/api/internal/services"
)

// EventPublisher fans domain events out to downstream consumers. The Pub/Sub
// publisher in platform/jobs satisfies it.
type EventPublisher interface {
	services.OrderEventPublisher
	services.ReturnEventPublisher
	services.NotificationEventPublisher
}

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Orders        services.OrderService
	Returns       services.ReturnService
	Inventory     services.InventoryService
	Notifications services.NotificationService
	Counters      services.CounterService
	Audit         services.AuditLogService
	System        services.SystemService
	Dispatcher    services.SideEffectDispatcher
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// ContainerOption customises optional collaborators before service construction.
type ContainerOption func(*containerDeps)

type containerDeps struct {
	policy    services.RolePolicy
	payments  *payments.Manager
	events    EventPublisher
	logger    *zap.Logger
	buildInfo services.BuildInfo
	clock     func() time.Time
}

// WithRolePolicy injects the staff authorisation policy.
func WithRolePolicy(policy services.RolePolicy) ContainerOption {
	return func(deps *containerDeps) {
		deps.policy = policy
	}
}

// WithPaymentManager injects the payment provider manager used for refunds.
func WithPaymentManager(manager *payments.Manager) ContainerOption {
	return func(deps *containerDeps) {
		deps.payments = manager
	}
}

// WithEventPublisher injects the domain event publisher.
func WithEventPublisher(events EventPublisher) ContainerOption {
	return func(deps *containerDeps) {
		deps.events = events
	}
}

// WithLogger injects the base logger used by service-level event logging.
func WithLogger(logger *zap.Logger) ContainerOption {
	return func(deps *containerDeps) {
		deps.logger = logger
	}
}

// WithBuildInfo records the build metadata reported by the system service.
func WithBuildInfo(build services.BuildInfo) ContainerOption {
	return func(deps *containerDeps) {
		deps.buildInfo = build
	}
}

// WithClock overrides the time source, primarily for tests.
func WithClock(clock func() time.Time) ContainerOption {
	return func(deps *containerDeps) {
		if clock != nil {
			deps.clock = clock
		}
	}
}

// NewContainer constructs the runtime dependencies. Production wiring provides real
// implementations, while tests can supply in-memory registries.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, opts ...ContainerOption) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	deps := containerDeps{
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(&deps)
	}

	svc, err := buildServices(cfg, reg, deps)
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

func buildServices(cfg config.Config, reg repositories.Registry, deps containerDeps) (Services, error) {
	var svc Services

	logger := observability.NewEventLogger(deps.logger)
	svc.Dispatcher = services.NewSideEffectDispatcher(services.SideEffectDispatcherDeps{
		Clock:  deps.clock,
		Logger: logger,
	})

	auditSvc, err := services.NewAuditLogService(services.AuditLogServiceDeps{
		AuditLogs: reg.AuditLogs(),
		Clock:     deps.clock,
		Logger:    logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build audit log service: %w", err)
	}
	svc.Audit = auditSvc

	counterSvc, err := services.NewCounterService(services.CounterServiceDeps{
		Repository: reg.Counters(),
		Clock:      deps.clock,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build counter service: %w", err)
	}
	svc.Counters = counterSvc

	inventorySvc, err := services.NewInventoryService(services.InventoryServiceDeps{
		Products: reg.Products(),
		Clock:    deps.clock,
		Logger:   logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build inventory service: %w", err)
	}
	svc.Inventory = inventorySvc

	notificationDeps := services.NotificationServiceDeps{
		Notifications: reg.Notifications(),
		Clock:         deps.clock,
		Logger:        logger,
	}
	if deps.events != nil {
		notificationDeps.Events = deps.events
	}
	notificationSvc, err := services.NewNotificationService(notificationDeps)
	if err != nil {
		return Services{}, fmt.Errorf("build notification service: %w", err)
	}
	svc.Notifications = notificationSvc

	orderDeps := services.OrderServiceDeps{
		Orders:        reg.Orders(),
		Policy:        deps.policy,
		Notifications: svc.Notifications,
		Audit:         svc.Audit,
		Dispatcher:    svc.Dispatcher,
		Clock:         deps.clock,
		Logger:        logger,
	}
	if deps.events != nil {
		orderDeps.Events = deps.events
	}
	orderSvc, err := services.NewOrderService(orderDeps)
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orderSvc

	returnDeps := services.ReturnServiceDeps{
		Returns:       reg.Returns(),
		Orders:        reg.Orders(),
		Counters:      svc.Counters,
		Inventory:     svc.Inventory,
		Notifications: svc.Notifications,
		Audit:         svc.Audit,
		Policy:        deps.policy,
		Dispatcher:    svc.Dispatcher,
		ReturnWindow:  time.Duration(cfg.Returns.WindowDays) * 24 * time.Hour,
		Clock:         deps.clock,
		Logger:        logger,
	}
	if deps.payments != nil {
		returnDeps.Payments = deps.payments
	}
	if deps.events != nil {
		returnDeps.Events = deps.events
	}
	returnSvc, err := services.NewReturnService(returnDeps)
	if err != nil {
		return Services{}, fmt.Errorf("build return service: %w", err)
	}
	svc.Returns = returnSvc

	build := deps.buildInfo
	if build.Environment == "" {
		build.Environment = cfg.Security.Environment
	}
	systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: reg.Health(),
		Clock:            deps.clock,
		Build:            build,
		Audit:            svc.Audit,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build system service: %w", err)
	}
	svc.System = systemSvc

	return svc, nil
}

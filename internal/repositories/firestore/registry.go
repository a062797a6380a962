package firestore

import (
	"context"
	"errors"

	pfirestore "github.com/stridewear/api/internal/platform/firestore"
	"github.com/stridewear/api/internal/repositories"
)

// Registry bundles the Firestore-backed repositories behind the
// repositories.Registry contract.
type Registry struct {
	provider      *pfirestore.Provider
	orders        *OrderRepository
	returns       *ReturnRepository
	products      *ProductRepository
	notifications *NotificationRepository
	auditLogs     *AuditLogRepository
	counters      *CounterRepository
	health        repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry constructs every repository against the shared provider. The
// health repository is optional and may be supplied later via SetHealth.
func NewRegistry(provider *pfirestore.Provider) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("registry requires firestore provider")
	}

	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	returns, err := NewReturnRepository(provider)
	if err != nil {
		return nil, err
	}
	products, err := NewProductRepository(provider)
	if err != nil {
		return nil, err
	}
	notifications, err := NewNotificationRepository(provider)
	if err != nil {
		return nil, err
	}
	auditLogs, err := NewAuditLogRepository(provider)
	if err != nil {
		return nil, err
	}
	counters, err := NewCounterRepository(provider)
	if err != nil {
		return nil, err
	}

	return &Registry{
		provider:      provider,
		orders:        orders,
		returns:       returns,
		products:      products,
		notifications: notifications,
		auditLogs:     auditLogs,
		counters:      counters,
	}, nil
}

// SetHealth attaches the dependency health repository once its checks exist.
func (r *Registry) SetHealth(health repositories.HealthRepository) {
	if r != nil {
		r.health = health
	}
}

func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

func (r *Registry) Orders() repositories.OrderRepository               { return r.orders }
func (r *Registry) Returns() repositories.ReturnRepository             { return r.returns }
func (r *Registry) Products() repositories.ProductRepository           { return r.products }
func (r *Registry) Notifications() repositories.NotificationRepository { return r.notifications }
func (r *Registry) AuditLogs() repositories.AuditLogRepository         { return r.auditLogs }
func (r *Registry) Counters() repositories.CounterRepository           { return r.counters }
func (r *Registry) Health() repositories.HealthRepository              { return r.health }

package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/stridewear/api/internal/domain"
	"github.com/stridewear/api/internal/repositories"
)

const auditEntryIDPrefix = "aud_"

// AuditLogServiceDeps bundles constructor inputs for the audit writer service.
type AuditLogServiceDeps struct {
	AuditLogs   repositories.AuditLogRepository
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type auditLogService struct {
	repo   repositories.AuditLogRepository
	clock  func() time.Time
	newID  func() string
	logger func(context.Context, string, map[string]any)
}

// NewAuditLogService creates an audit log writer backed by the supplied repository.
func NewAuditLogService(deps AuditLogServiceDeps) (AuditLogService, error) {
	if deps.AuditLogs == nil {
		return nil, errors.New("audit log service: repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &auditLogService{
		repo: deps.AuditLogs,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// Record persists an audit entry. The trail must never fail the operation it
// describes, so persistence errors are logged and swallowed.
func (s *auditLogService) Record(ctx context.Context, record AuditRecord) {
	entityKind := strings.TrimSpace(record.EntityKind)
	entityID := strings.TrimSpace(record.EntityID)
	if entityKind == "" || entityID == "" {
		s.logger(ctx, "audit.record.invalid", map[string]any{
			"entityKind": record.EntityKind,
			"entityId":   record.EntityID,
		})
		return
	}

	occurredAt := record.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = s.clock()
	}

	entry := domain.AuditEntry{
		ID:         auditEntryIDPrefix + s.newID(),
		ActorID:    strings.TrimSpace(record.ActorID),
		EntityKind: entityKind,
		EntityID:   entityID,
		FromStatus: strings.TrimSpace(record.FromStatus),
		ToStatus:   strings.TrimSpace(record.ToStatus),
		Reason:     sanitizeReason(record.Reason),
		CreatedAt:  occurredAt.UTC(),
	}

	if err := s.repo.Append(ctx, entry); err != nil {
		s.logger(ctx, "audit.record.failed", map[string]any{
			"entityKind": entityKind,
			"entityId":   entityID,
			"error":      err.Error(),
		})
	}
}

func (s *auditLogService) List(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[AuditEntry], error) {
	return s.repo.List(ctx, filter)
}

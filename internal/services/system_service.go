package services

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/stridewear/api/internal/domain"
	"github.com/stridewear/api/internal/repositories"
)

// BuildInfo is the runtime metadata surfaced through health endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// SystemServiceDeps bundles collaborators for NewSystemService.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	Clock            func() time.Time
	Build            BuildInfo
	Audit            AuditLogService
}

type systemService struct {
	healthRepo repositories.HealthRepository
	clock      func() time.Time
	build      BuildInfo
	audit      AuditLogService
}

var _ SystemService = (*systemService)(nil)

// NewSystemService assembles the system utility service: health reports,
// build metadata, and audit log access.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}

	svc := &systemService{
		healthRepo: deps.HealthRepository,
		build:      deps.Build,
		audit:      deps.Audit,
	}
	base := deps.Clock
	if base == nil {
		base = time.Now
	}
	svc.clock = func() time.Time { return base().UTC() }
	if svc.build.StartedAt.IsZero() {
		svc.build.StartedAt = base()
	}
	return svc, nil
}

// HealthReport collects dependency probes and decorates the result with build
// metadata and uptime.
func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	if ctx == nil {
		return SystemHealthReport{}, errors.New("system service: context is required")
	}

	report, err := s.healthRepo.Collect(ctx)
	if err != nil {
		return SystemHealthReport{}, err
	}
	s.decorate(&report)
	return report, nil
}

// decorate fills gaps the probes left: timestamps, build metadata, uptime,
// and an overall status rolled up from the individual checks.
func (s *systemService) decorate(report *SystemHealthReport) {
	now := s.clock()
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = now
	} else {
		report.GeneratedAt = report.GeneratedAt.UTC()
	}
	report.Version = firstNonBlank(report.Version, s.build.Version)
	report.CommitSHA = firstNonBlank(report.CommitSHA, s.build.CommitSHA)
	report.Environment = firstNonBlank(report.Environment, s.build.Environment)
	if report.Uptime <= 0 && !s.build.StartedAt.IsZero() {
		report.Uptime = now.Sub(s.build.StartedAt)
	}
	if report.Checks == nil {
		report.Checks = map[string]domain.SystemHealthCheck{}
	}
	if strings.TrimSpace(report.Status) == "" {
		report.Status = statusFromChecks(report.Checks)
	}
}

func (s *systemService) ListAuditLogs(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[domain.AuditEntry], error) {
	if ctx == nil {
		return domain.CursorPage[domain.AuditEntry]{}, errors.New("system service: context is required")
	}
	if s.audit == nil {
		return domain.CursorPage[domain.AuditEntry]{}, errors.New("system service: audit service not configured")
	}
	return s.audit.List(ctx, filter)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) == "" {
			continue
		}
		return value
	}
	return ""
}

func statusFromChecks(checks map[string]domain.SystemHealthCheck) string {
	degraded := false
	for _, check := range checks {
		switch check.Status {
		case domain.HealthStatusError:
			return domain.HealthStatusError
		case domain.HealthStatusOK, "":
		default:
			degraded = true
		}
	}
	if degraded {
		return domain.HealthStatusDegraded
	}
	return domain.HealthStatusOK
}

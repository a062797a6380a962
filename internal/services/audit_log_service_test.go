package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	domain "github.com/stridewear/api/internal/domain"
	"github.com/stridewear/api/internal/repositories"
)

type stubAuditRepo struct {
	entries   []domain.AuditEntry
	appendErr error

	listFilter repositories.AuditLogFilter
	listResp   domain.CursorPage[domain.AuditEntry]
	listErr    error
}

func (s *stubAuditRepo) Append(_ context.Context, entry domain.AuditEntry) error {
	s.entries = append(s.entries, entry)
	return s.appendErr
}

func (s *stubAuditRepo) List(_ context.Context, filter repositories.AuditLogFilter) (domain.CursorPage[domain.AuditEntry], error) {
	s.listFilter = filter
	return s.listResp, s.listErr
}

func newAuditServiceForTest(t *testing.T, repo *stubAuditRepo, logger func(context.Context, string, map[string]any)) AuditLogService {
	t.Helper()
	svc, err := NewAuditLogService(AuditLogServiceDeps{
		AuditLogs:   repo,
		Clock:       func() time.Time { return testNow },
		IDGenerator: func() string { return "01AUDIT" },
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("NewAuditLogService: %v", err)
	}
	return svc
}

func TestAuditRecordPersistsEntry(t *testing.T) {
	repo := &stubAuditRepo{}
	svc := newAuditServiceForTest(t, repo, nil)

	svc.Record(context.Background(), AuditRecord{
		ActorID:    " staff_1 ",
		EntityKind: "return",
		EntityID:   "ret_1",
		FromStatus: "picked_up",
		ToStatus:   "completed",
		Reason:     "customer kept one item",
	})

	if len(repo.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(repo.entries))
	}
	entry := repo.entries[0]
	if !strings.HasPrefix(entry.ID, "aud_") {
		t.Fatalf("entry id missing prefix: %s", entry.ID)
	}
	if entry.ActorID != "staff_1" {
		t.Fatalf("actor id not trimmed: %q", entry.ActorID)
	}
	if entry.FromStatus != "picked_up" || entry.ToStatus != "completed" {
		t.Fatalf("unexpected statuses %s -> %s", entry.FromStatus, entry.ToStatus)
	}
	if !entry.CreatedAt.Equal(testNow) {
		t.Fatalf("missing occurred-at should fall back to the clock, got %v", entry.CreatedAt)
	}
}

func TestAuditRecordSkipsInvalidEntries(t *testing.T) {
	repo := &stubAuditRepo{}
	var logged []string
	svc := newAuditServiceForTest(t, repo, func(_ context.Context, event string, _ map[string]any) {
		logged = append(logged, event)
	})

	svc.Record(context.Background(), AuditRecord{EntityKind: "", EntityID: "ret_1"})

	if len(repo.entries) != 0 {
		t.Fatalf("invalid record must not be persisted")
	}
	if len(logged) != 1 || logged[0] != "audit.record.invalid" {
		t.Fatalf("invalid record should be logged, got %v", logged)
	}
}

func TestAuditRecordSwallowsPersistenceErrors(t *testing.T) {
	repo := &stubAuditRepo{appendErr: errors.New("write failed")}
	var logged []string
	svc := newAuditServiceForTest(t, repo, func(_ context.Context, event string, _ map[string]any) {
		logged = append(logged, event)
	})

	svc.Record(context.Background(), AuditRecord{
		EntityKind: "order",
		EntityID:   "ord_1",
		FromStatus: "pending",
		ToStatus:   "processing",
	})

	if len(logged) != 1 || logged[0] != "audit.record.failed" {
		t.Fatalf("append failure should be logged and swallowed, got %v", logged)
	}
}

func TestAuditListForwardsFilter(t *testing.T) {
	repo := &stubAuditRepo{
		listResp: domain.CursorPage[domain.AuditEntry]{
			Items:         []domain.AuditEntry{{ID: "aud_1"}},
			NextPageToken: "tok",
		},
	}
	svc := newAuditServiceForTest(t, repo, nil)

	page, err := svc.List(context.Background(), AuditLogFilter{EntityKind: "return", EntityID: "ret_1"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if repo.listFilter.EntityKind != "return" || repo.listFilter.EntityID != "ret_1" {
		t.Fatalf("filter not forwarded: %+v", repo.listFilter)
	}
	if len(page.Items) != 1 || page.NextPageToken != "tok" {
		t.Fatalf("unexpected page %+v", page)
	}
}

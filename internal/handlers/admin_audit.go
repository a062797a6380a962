package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/stridewear/api/internal/platform/auth"
	"github.com/stridewear/api/internal/platform/httpx"
	"github.com/stridewear/api/internal/services"
)

const (
	defaultAuditPageSize = 50
	maxAuditPageSize     = 200
)

// AuditLogHandlers exposes the staff audit trail listing.
type AuditLogHandlers struct {
	authn  *auth.Authenticator
	system services.SystemService
}

// NewAuditLogHandlers constructs a new AuditLogHandlers instance.
func NewAuditLogHandlers(authn *auth.Authenticator, system services.SystemService) *AuditLogHandlers {
	return &AuditLogHandlers{
		authn:  authn,
		system: system,
	}
}

// AdminRoutes registers the audit log endpoints under the admin group.
func (h *AuditLogHandlers) AdminRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/audit-logs", h.listAuditLogs)
}

func (h *AuditLogHandlers) listAuditLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := requireIdentity(ctx, w); !ok {
		return
	}

	query := r.URL.Query()
	pager, err := parsePagination(query, defaultAuditPageSize, maxAuditPageSize)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.system.ListAuditLogs(ctx, services.AuditLogFilter{
		EntityKind: strings.TrimSpace(query.Get("entity_kind")),
		EntityID:   strings.TrimSpace(query.Get("entity_id")),
		ActorID:    strings.TrimSpace(query.Get("actor_id")),
		Pagination: pager,
	})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("audit_log_error", "failed to list audit logs", http.StatusInternalServerError))
		return
	}

	items := make([]auditEntryPayload, 0, len(page.Items))
	for _, entry := range page.Items {
		items = append(items, auditEntryPayload{
			ID:         entry.ID,
			ActorID:    entry.ActorID,
			EntityKind: entry.EntityKind,
			EntityID:   entry.EntityID,
			FromStatus: entry.FromStatus,
			ToStatus:   entry.ToStatus,
			Reason:     entry.Reason,
			CreatedAt:  formatTime(entry.CreatedAt),
		})
	}
	writeJSONResponse(w, http.StatusOK, auditLogListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

type auditLogListResponse struct {
	Items         []auditEntryPayload `json:"items"`
	NextPageToken string              `json:"next_page_token,omitempty"`
}

type auditEntryPayload struct {
	ID         string `json:"id"`
	ActorID    string `json:"actor_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	FromStatus string `json:"from_status,omitempty"`
	ToStatus   string `json:"to_status,omitempty"`
	Reason     string `json:"reason,omitempty"`
	CreatedAt  string `json:"created_at"`
}

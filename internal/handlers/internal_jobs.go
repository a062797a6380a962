package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stridewear/api/internal/platform/httpx"
	"github.com/stridewear/api/internal/services"
)

// InternalHandlers exposes service-to-service job endpoints. Callers are
// authenticated by the OIDC middleware mounted on the internal group.
type InternalHandlers struct {
	returns services.ReturnService
}

// NewInternalHandlers constructs the internal job endpoints.
func NewInternalHandlers(returns services.ReturnService) *InternalHandlers {
	return &InternalHandlers{returns: returns}
}

// Routes registers the scheduled-job endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	r.Post("/jobs/refund-sync", h.refundSync)
}

type refundSyncResponse struct {
	Scanned   int `json:"scanned"`
	Attempted int `json:"attempted"`
	Skipped   int `json:"skipped"`
}

func (h *InternalHandlers) refundSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	report, err := h.returns.SyncRefunds(ctx)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("refund_sync_failed", err.Error(), http.StatusBadGateway))
		return
	}

	writeJSONResponse(w, http.StatusOK, refundSyncResponse{
		Scanned:   report.Scanned,
		Attempted: report.Attempted,
		Skipped:   report.Skipped,
	})
}

package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/stridewear/api/internal/domain"
	"github.com/stridewear/api/internal/services"
)

func serveRouter(router chi.Router, method, path string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(method, path, nil))
	return rr
}

func TestNewRouter_DefaultMounts(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	healthHandlers := NewHealthHandlers(
		WithHealthSystemService(&stubSystemService{
			report: services.SystemHealthReport{
				Status:      domain.HealthStatusOK,
				Uptime:      5 * time.Second,
				GeneratedAt: now,
				Checks: map[string]domain.SystemHealthCheck{
					"firestore": {Status: domain.HealthStatusOK},
				},
			},
		}),
		WithHealthClock(func() time.Time { return now }),
	)

	router := NewRouter(WithHealthHandlers(healthHandlers))

	t.Run("healthz", func(t *testing.T) {
		rr := serveRouter(router, http.MethodGet, "/healthz")
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rr.Code)
		}
		if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
			t.Fatalf("content-type = %s, want application/json", ct)
		}
	})

	t.Run("readyz", func(t *testing.T) {
		rr := serveRouter(router, http.MethodGet, "/readyz")
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rr.Code)
		}
	})

	t.Run("unwired group responds 501", func(t *testing.T) {
		rr := serveRouter(router, http.MethodGet, "/api/v1/returns")
		if rr.Code != http.StatusNotImplemented {
			t.Fatalf("status = %d, want 501", rr.Code)
		}
		if body := decodeErrorBody(t, rr); body["error"] != "not_implemented" {
			t.Fatalf("error code = %v, want not_implemented", body["error"])
		}
	})
}

func TestNewRouter_WithRegistrars(t *testing.T) {
	registrar := func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
	}

	router := NewRouter(WithOrderRoutes(registrar))

	rr := serveRouter(router, http.MethodGet, "/api/v1/orders")
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rr.Code)
	}
}

func TestNewRouter_NotFound(t *testing.T) {
	router := NewRouter()

	rr := serveRouter(router, http.MethodGet, "/does/not/exist")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
	if body := decodeErrorBody(t, rr); body["error"] != "route_not_found" {
		t.Fatalf("error code = %v, want route_not_found", body["error"])
	}
}

func TestNewRouter_GroupMiddleware(t *testing.T) {
	webhookHeader := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Test-Middleware", "webhooks")
			next.ServeHTTP(w, r)
		})
	}

	router := NewRouter(WithWebhookMiddlewares(webhookHeader))

	rr := serveRouter(router, http.MethodGet, "/api/v1/webhooks/razorpay")
	if rr.Header().Get("X-Test-Middleware") != "webhooks" {
		t.Fatal("webhook group middleware did not run")
	}
}

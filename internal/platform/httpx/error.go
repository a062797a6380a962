package httpx

import (
	"context"
	"encoding/json"
	"maps"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/stridewear/api/internal/platform/requestctx"
)

// Error is the canonical JSON error envelope the API returns.
type Error struct {
	Code      string
	Message   string
	Status    int
	RequestID string
	TraceID   string
	Details   map[string]any
}

// Field length caps keep the envelope bounded even when callers pass
// upstream error text through verbatim.
const (
	maxCodeLen    = 80
	maxMessageLen = 512
	maxIDLen      = 80
	maxTraceLen   = 64
)

// NewError builds an Error; a zero status defaults to 500.
func NewError(code, message string, status int) Error {
	e := Error{
		Code:    sanitize(code, maxCodeLen),
		Message: sanitize(message, maxMessageLen),
		Status:  status,
	}
	if e.Status == 0 {
		e.Status = http.StatusInternalServerError
	}
	return e
}

// WithRequestID sets the request identifier on the payload.
func (e Error) WithRequestID(id string) Error {
	e.RequestID = sanitize(id, maxIDLen)
	return e
}

// WithTraceID sets the trace identifier on the payload.
func (e Error) WithTraceID(id string) Error {
	e.TraceID = sanitize(id, maxTraceLen)
	return e
}

// WithDetails attaches extra JSON-serialisable fields to the payload.
func (e Error) WithDetails(details map[string]any) Error {
	if len(details) > 0 {
		e.Details = maps.Clone(details)
	}
	return e
}

// WriteError encodes err as the JSON envelope. Request and trace identifiers
// fall back to the values carried on the context.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	status := err.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}

	payload := map[string]any{
		"error":   err.Code,
		"message": err.Message,
		"status":  status,
	}
	setIfPresent := func(key, value string, limit int, derive func(context.Context) string) {
		if value == "" {
			value = sanitize(derive(ctx), limit)
		}
		if value != "" {
			payload[key] = value
		}
	}
	setIfPresent("request_id", err.RequestID, maxIDLen, middleware.GetReqID)
	setIfPresent("trace_id", err.TraceID, maxTraceLen, requestctx.TraceID)
	maps.Copy(payload, err.Details)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

var lineBreaks = strings.NewReplacer("\n", " ", "\r", " ")

// sanitize collapses newlines and truncates so values are safe in a single
// log line and JSON field.
func sanitize(value string, limit int) string {
	if limit <= 0 {
		limit = 256
	}
	value = strings.TrimSpace(lineBreaks.Replace(value))
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}

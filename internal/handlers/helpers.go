package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/stridewear/api/internal/services"
)

var (
	errBodyTooLarge = errors.New("request body too large")
	errEmptyBody    = errors.New("request body is required")
)

const defaultBodyLimit = 64 * 1024

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	if limit <= 0 {
		limit = defaultBodyLimit
	}
	reader := io.LimitReader(r.Body, limit+1)
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

func decodeJSONBody(r *http.Request, limit int64, dst any) error {
	data, err := readLimitedBody(r, limit)
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return errEmptyBody
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

func decodeRawJSON(data []byte, dst any) error {
	return json.Unmarshal(data, dst)
}

func pointerTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func parseFilterValues(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	result := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

func parsePagination(query map[string][]string, defaultSize, maxSize int) (services.Pagination, error) {
	pager := services.Pagination{PageSize: defaultSize}
	if values, ok := query["page_token"]; ok && len(values) > 0 {
		pager.PageToken = strings.TrimSpace(values[0])
	}
	if values, ok := query["page_size"]; ok && len(values) > 0 {
		raw := strings.TrimSpace(values[0])
		if raw != "" {
			size, err := strconv.Atoi(raw)
			if err != nil {
				return pager, errors.New("page_size must be an integer")
			}
			switch {
			case size <= 0:
				pager.PageSize = defaultSize
			case size > maxSize:
				pager.PageSize = maxSize
			default:
				pager.PageSize = size
			}
		}
	}
	return pager, nil
}

package api

import (
	"encoding/json"
	"net/http"
	"time"

	apperrors "github.com/brwyatt/dffmpeg/pkg/errors"
)

// formatTime renders t as RFC3339, or "" for the zero value so omitempty
// hides fields a job hasn't reached yet (assigned_at on a pending job).
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

// parseTime is formatTime's inverse; an empty string parses to the zero
// value rather than an error, since most wire timestamps are optional.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeValidation, "malformed request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	ae, ok := err.(*apperrors.AppError)
	if !ok {
		ae = apperrors.Wrap(err, apperrors.ErrorTypeInternal, "internal error")
	}
	writeJSON(w, ae.StatusCode, errorResponse{
		Error:   string(ae.Type),
		Message: ae.Message,
		Details: ae.Details,
	})
}

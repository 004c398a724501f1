package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"rendaivous/internal/freetime"
	"rendaivous/internal/models"
)

// badRequestError marks client input that could not be used.
type badRequestError struct {
	msg string
}

func (e *badRequestError) Error() string {
	return e.msg
}

func badRequest(format string, args ...any) error {
	return &badRequestError{msg: fmt.Sprintf(format, args...)}
}

// errUnavailable is returned when a route's backing service is not configured.
var errUnavailable = errors.New("service not configured")

func statusFor(err error) int {
	var (
		bad       *badRequestError
		badRange  *freetime.InvalidRangeError
		badEvent  *freetime.MalformedEventError
		badBounds *freetime.MalformedIntervalError
		tooLarge  *http.MaxBytesError
	)
	switch {
	case errors.As(err, &bad), errors.As(err, &badRange):
		return http.StatusBadRequest
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &badEvent), errors.As(err, &badBounds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	level := s.logger.Warn
	if status >= http.StatusInternalServerError {
		level = s.logger.Error
	}
	level("Request failed",
		"request_id", RequestIDFromContext(r.Context()),
		"path", r.URL.Path,
		"status", status,
		"error", err,
	)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return badRequest("invalid JSON body: %v", err)
	}
	return nil
}

var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// parseInstant reads an RFC 3339 timestamp; values without an offset are taken in loc.
func parseInstant(name, value string, loc *time.Location) (time.Time, error) {
	if value == "" {
		return time.Time{}, badRequest("missing %s", name)
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, badRequest("invalid %s %q: expected RFC 3339", name, value)
}

type windowJSON struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

func (s *Server) windowsJSON(windows []models.FreeWindow) []windowJSON {
	out := make([]windowJSON, len(windows))
	for i, w := range windows {
		out[i] = windowJSON{Start: s.format(w.Start), End: s.format(w.End)}
	}
	return out
}

func (s *Server) busyJSON(busy []models.BusyInterval) []windowJSON {
	out := make([]windowJSON, len(busy))
	for i, b := range busy {
		out[i] = windowJSON{Start: s.format(b.Start), End: s.format(b.End)}
	}
	return out
}

func (s *Server) format(t time.Time) string {
	return t.In(s.loc).Format(time.RFC3339)
}

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Sentinel errors matched through (*Error).Is.
var (
	ErrBadRequest   = errors.New("bad request")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrServer       = errors.New("server error")

	// ErrUnavailable is returned without a round trip while the breaker is open.
	ErrUnavailable = errors.New("backend unavailable")
)

// Error is a non-2xx response from the REST API.
type Error struct {
	Status  int
	Message string
	Op      string
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %d %s", e.Op, e.Status, e.Message)
	}
	return fmt.Sprintf("%d %s", e.Status, e.Message)
}

// Is maps the status code onto the package sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrBadRequest:
		return e.Status == http.StatusBadRequest
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized
	case ErrForbidden:
		return e.Status == http.StatusForbidden
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	case ErrConflict:
		return e.Status == http.StatusConflict
	case ErrServer:
		return e.Status >= 500
	}
	return false
}

// AsError extracts the *Error from err, if any.
func AsError(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// errorMessage pulls a human readable message out of an error body.
// The backend answers with {"error": "..."}, {"detail": "..."}, or a
// field -> messages map for validation failures.
func errorMessage(status int, body []byte) string {
	var envelope struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		if envelope.Error != "" {
			return envelope.Error
		}
		if envelope.Detail != "" {
			return envelope.Detail
		}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err == nil && len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			var msgs []string
			if json.Unmarshal(fields[k], &msgs) == nil && len(msgs) > 0 {
				parts = append(parts, fmt.Sprintf("%s: %s", k, strings.Join(msgs, " ")))
				continue
			}
			var msg string
			if json.Unmarshal(fields[k], &msg) == nil && msg != "" {
				parts = append(parts, fmt.Sprintf("%s: %s", k, msg))
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "; ")
		}
	}

	return http.StatusText(status)
}

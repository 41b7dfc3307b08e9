package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"strings"

	"github.com/putto11262002/chatcampus/core"
)

const (
	unknownErrorMessage = "An unknown error occurred."
	genericErrorMessage = "An error occurred. Please try again."
)

var (
	// ErrSessionExpired is returned when the refresh exchange fails. The token
	// store has been cleared by the time the caller sees it.
	ErrSessionExpired = errors.New("session expired")

	// ErrSuperseded is returned when a logout or another login replaced the
	// credentials a request was sent with. The store is left untouched.
	ErrSuperseded = errors.New("session superseded")
)

// APIError is a non-2xx response. Messages is the flat, human readable list
// extracted from the response body; it is never empty.
type APIError struct {
	StatusCode int
	Messages   []string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, strings.Join(e.Messages, "; "))
}

// Is maps status codes onto the core sentinels so callers can use errors.Is.
func (e *APIError) Is(target error) bool {
	switch target {
	case core.ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	case core.ErrForbidden:
		return e.StatusCode == http.StatusForbidden
	case core.ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case core.ErrConflict:
		return e.StatusCode == http.StatusConflict
	}
	return false
}

func newAPIError(status int, body []byte) *APIError {
	return &APIError{StatusCode: status, Messages: ParseMessages(body)}
}

// ParseMessages flattens a structured error body into messages. It looks at
// "detail" (string or list), then the "errors" field map, then "message",
// then "error", and falls back to a generic message.
func ParseMessages(body []byte) []string {
	var data map[string]json.RawMessage
	if len(body) == 0 || json.Unmarshal(body, &data) != nil || data == nil {
		return []string{unknownErrorMessage}
	}

	var msgs []string
	switch {
	case data["detail"] != nil:
		msgs = stringOrList(data["detail"])
	case data["errors"] != nil:
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(data["errors"], &fields); err == nil {
			for _, k := range slices.Sorted(maps.Keys(fields)) {
				msgs = append(msgs, stringOrList(fields[k])...)
			}
		}
	case data["message"] != nil:
		msgs = stringOrList(data["message"])
	case data["error"] != nil:
		msgs = stringOrList(data["error"])
	}

	if len(msgs) == 0 {
		return []string{genericErrorMessage}
	}
	return msgs
}

func stringOrList(raw json.RawMessage) []string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []string{s}
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	return nil
}

// Messages returns the user facing messages of err. API and validation errors
// keep their own messages; anything else becomes a single generic message.
func Messages(err error) []string {
	if errors.Is(err, ErrSessionExpired) || errors.Is(err, ErrSuperseded) {
		return []string{"Your session has expired. Please log in again."}
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Messages
	}
	var verr *core.ValidationError
	if errors.As(err, &verr) {
		return verr.Messages()
	}
	return []string{genericErrorMessage}
}

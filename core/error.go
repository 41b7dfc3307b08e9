package core

import (
	"errors"
	"maps"
	"slices"
	"strings"
)

var (
	ErrBadCredentials  = errors.New("invalid credentials")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
)

// ValidationError is returned when an input is rejected before it is sent to
// the server. Fields maps the json field name to a human readable message.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	return "invalid input: " + strings.Join(e.Messages(), "; ")
}

// Messages returns the field messages ordered by field name.
func (e *ValidationError) Messages() []string {
	keys := slices.Sorted(maps.Keys(e.Fields))
	msgs := make([]string, 0, len(keys))
	for _, k := range keys {
		msgs = append(msgs, e.Fields[k])
	}
	return msgs
}

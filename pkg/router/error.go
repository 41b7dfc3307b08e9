package router

import (
	"encoding/json"
	"io"
	"net/http"
)

type Error interface {
	error
	StatusCode() int
	Encode(w io.Writer) error
}

// JsonError is the error body served by the API. Detail carries a single
// message; Errors carries field messages for rejected input.
type JsonError struct {
	Code   int                 `json:"-"`
	Detail string              `json:"detail,omitempty"`
	Errors map[string][]string `json:"errors,omitempty"`
}

func NewJsonError(code int, detail string) JsonError {
	return JsonError{
		Code:   code,
		Detail: detail,
	}
}

// NewFieldError reports rejected input, one or more messages per field.
func NewFieldError(fields map[string][]string) JsonError {
	return JsonError{
		Code:   http.StatusBadRequest,
		Errors: fields,
	}
}

func (e JsonError) StatusCode() int {
	return e.Code
}

func (e JsonError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	return http.StatusText(e.Code)
}

func (e JsonError) Encode(w io.Writer) error {
	return json.NewEncoder(w).Encode(e)
}

// JSON writes v with the given status code.
func JSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return nil
	}
	return json.NewEncoder(w).Encode(v)
}

// DecodeJSON decodes the request body into v, rejecting unknown bodies with
// a 400.
func DecodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return NewJsonError(http.StatusBadRequest, "Invalid request body.")
	}
	return nil
}

package router

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"reflect"
	"runtime"

	"github.com/go-chi/chi/v5"
)

var DefaultError = JsonError{
	Code:   http.StatusInternalServerError,
	Detail: "A server error occurred.",
}

// Router is a wrapper around chi.Router that provides error handling.
// Handlers can return an error that will then get mapped to an error response.
// Error mappers can be registered for sentinel errors to provide custom error responses.
type Router struct {
	chi.Router
	errorMappers []errorMapping
	defaultError JsonError
	logger       *slog.Logger
}

type errorMapping struct {
	target error
	fn     ErrorMapper
}

func New(opts ...RouterOption) *Router {
	return new(chi.NewRouter(), opts...)
}

type RouterOption func(*Router)

func WithLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

func WithDefaultError(err JsonError) RouterOption {
	return func(r *Router) {
		r.defaultError = err
	}
}

func new(chiRouter chi.Router, opts ...RouterOption) *Router {
	router := &Router{
		Router:       chiRouter,
		defaultError: DefaultError,
		logger:       slog.New(slog.NewTextHandler(os.Stderr, nil)),
	}

	for _, opt := range opts {
		opt(router)
	}
	return router
}

// child shares the parent's error handling with a derived chi router.
func (a *Router) child(r chi.Router) *Router {
	return &Router{
		Router:       r,
		errorMappers: a.errorMappers,
		defaultError: a.defaultError,
		logger:       a.logger,
	}
}

// HandlerFunc is a function that handles an HTTP request and returns an error.
// When the handler fails to handle the request it should not write anything to the response writer
// instead it should return an error that will be mapped to an error response.
type HandlerFunc func(http.ResponseWriter, *http.Request) error

type Middleware func(http.Handler) HandlerFunc

// ErrorMapper is a function that maps go errors to API errors.
type ErrorMapper func(error) Error

// RegisterErrorMapper maps every error matching target (errors.Is) with fn.
// Mappers are tried in registration order.
func (a *Router) RegisterErrorMapper(target error, fn ErrorMapper) {
	a.errorMappers = append(a.errorMappers, errorMapping{target: target, fn: fn})
}

// mapError maps a go error to an API error.
// The mapping works as following:
//   - if the error wraps a JsonError it will be returned as is.
//   - otherwise the first mapper whose target matches is used.
//   - if no error mapper is found the default error will be returned.
func (a *Router) mapError(err error) Error {
	var apiErr JsonError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	for _, m := range a.errorMappers {
		if errors.Is(err, m.target) {
			return m.fn(err)
		}
	}
	return a.defaultError
}

func (a *Router) handleWithErr(h HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := h(w, r)
		if err != nil {
			resError := a.mapError(err)
			if resError.StatusCode() >= http.StatusInternalServerError {
				handlerFn := runtime.FuncForPC(reflect.ValueOf(h).Pointer())
				a.logger.Error(err.Error(), slog.String("handler", handlerFn.Name()))
			} else {
				a.logger.Debug(err.Error(), slog.String("path", r.URL.Path), slog.Int("status", resError.StatusCode()))
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(resError.StatusCode())
			if err := resError.Encode(w); err != nil {
				a.logger.Error("encode error response", slog.String("error", err.Error()))
			}
		}
	}
}

func (a *Router) Get(path string, h HandlerFunc) {
	a.Router.Get(path, a.handleWithErr(h))
}

func (a *Router) Post(path string, h HandlerFunc) {
	a.Router.Post(path, a.handleWithErr(h))
}

func (a *Router) Put(path string, h HandlerFunc) {
	a.Router.Put(path, a.handleWithErr(h))
}

func (a *Router) Patch(path string, h HandlerFunc) {
	a.Router.Patch(path, a.handleWithErr(h))
}

func (a *Router) Delete(path string, h HandlerFunc) {
	a.Router.Delete(path, a.handleWithErr(h))
}

func (a *Router) Route(path string, f func(r *Router)) {
	a.Router.Route(path, func(r chi.Router) {
		f(a.child(r))
	})
}

func (a *Router) Group(f func(r *Router)) *Router {
	ch := a.Router.Group(func(r chi.Router) {
		f(a.child(r))
	})
	return a.child(ch)
}

func (a *Router) Use(middleware Middleware) {
	a.Router.Use(func(h http.Handler) http.Handler {
		return a.handleWithErr(middleware(h))
	})
}

func (a *Router) With(middleware Middleware) *Router {
	ch := a.Router.With(func(h http.Handler) http.Handler {
		return a.handleWithErr(middleware(h))
	})
	return a.child(ch)
}

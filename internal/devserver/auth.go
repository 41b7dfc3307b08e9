package devserver

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/putto11262002/chatcampus/core"
	"github.com/putto11262002/chatcampus/pkg/router"
)

type userKey struct{}

func contextWithUser(ctx context.Context, id int) context.Context {
	return context.WithValue(ctx, userKey{}, id)
}

// userFromRequest returns the id of the authenticated user.
// It must be called in handlers that are protected by the bearer middleware.
// It panics if the user is not found in the request context.
func userFromRequest(r *http.Request) int {
	id, ok := r.Context().Value(userKey{}).(int)
	if !ok {
		panic("user not found in request context: call this function in handlers that are protected by bearerMiddleware")
	}
	return id
}

var (
	errNoCredentials = router.NewJsonError(http.StatusUnauthorized, "Authentication credentials were not provided.")
	errBadToken      = router.NewJsonError(http.StatusUnauthorized, "Given token not valid for any token type")
)

// bearerMiddleware validates the access token in the Authorization header
// and attaches its user to the request context.
func bearerMiddleware(tokens *tokenIssuer) router.Middleware {
	return func(next http.Handler) router.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) error {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				return errNoCredentials
			}
			claims, err := tokens.verify(token, accessType)
			if err != nil {
				return errBadToken
			}
			next.ServeHTTP(w, r.WithContext(contextWithUser(r.Context(), claims.UserID)))
			return nil
		}
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Access  string `json:"access,omitempty"`
	Refresh string `json:"refresh,omitempty"`
}

type refreshRequest struct {
	Refresh string `json:"refresh" validate:"required"`
}

type messageResponse struct {
	Message string `json:"message"`
}

func (s *Server) loginHandler(w http.ResponseWriter, r *http.Request) error {
	var req loginRequest
	if err := router.DecodeJSON(r, &req); err != nil {
		return err
	}
	u, err := s.store.authenticate(req.Email, req.Password)
	if err != nil {
		if errors.Is(err, core.ErrBadCredentials) {
			return router.NewJsonError(http.StatusUnauthorized, "No active account found with the given credentials")
		}
		return err
	}
	access, refresh, err := s.tokens.pair(u.ID)
	if err != nil {
		return err
	}
	return router.JSON(w, http.StatusOK, tokenResponse{Access: access, Refresh: refresh})
}

func (s *Server) refreshHandler(w http.ResponseWriter, r *http.Request) error {
	var req refreshRequest
	if err := decodeValid(r, &req); err != nil {
		return err
	}
	claims, err := s.tokens.verify(req.Refresh, refreshType)
	if err != nil {
		return router.NewJsonError(http.StatusUnauthorized, "Token is invalid or expired")
	}
	access, err := s.tokens.access(claims.UserID)
	if err != nil {
		return err
	}
	return router.JSON(w, http.StatusOK, tokenResponse{Access: access})
}

func (s *Server) logoutHandler(w http.ResponseWriter, r *http.Request) error {
	var req refreshRequest
	if err := decodeValid(r, &req); err != nil {
		return err
	}
	if err := s.tokens.revoke(req.Refresh); err != nil {
		return router.NewJsonError(http.StatusUnauthorized, "Token is invalid or expired")
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

type registerRequest struct {
	Email     string `json:"email" validate:"required,email"`
	FirstName string `json:"first_name" validate:"required,excludesall=<>"`
	LastName  string `json:"last_name" validate:"required,excludesall=<>"`
	Password  string `json:"password" validate:"required,min=8"`
}

func (s *Server) registerHandler(w http.ResponseWriter, r *http.Request) error {
	var req registerRequest
	if err := decodeValid(r, &req); err != nil {
		return err
	}
	_, err := s.store.createUser(core.RegisterInput{
		Email:     req.Email,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Password:  req.Password,
	})
	if err != nil {
		return err
	}
	return router.JSON(w, http.StatusCreated, messageResponse{Message: "User registered successfully"})
}

// decodeValid decodes the JSON body into v and validates it, reporting
// rejected fields the way the API does.
func decodeValid(r *http.Request, v any) error {
	if err := router.DecodeJSON(r, v); err != nil {
		return err
	}
	return validationError(core.Validate(v))
}

func validationError(err error) error {
	var verr *core.ValidationError
	if !errors.As(err, &verr) {
		return err
	}
	fields := make(map[string][]string, len(verr.Fields))
	for k, msg := range verr.Fields {
		fields[k] = []string{msg}
	}
	return router.NewFieldError(fields)
}

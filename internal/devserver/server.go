// Package devserver is an in-memory implementation of the chat API and its
// room websocket protocol. It backs the integration tests and the CLI's
// dev-server command.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/cors"
	"github.com/putto11262002/chatcampus/core"
	"github.com/putto11262002/chatcampus/pkg/router"
)

const (
	DefaultAccessTTL  = 5 * time.Minute
	DefaultRefreshTTL = 24 * time.Hour
	// DefaultGoogleUserInfoURL is completed by appending the OAuth access token.
	DefaultGoogleUserInfoURL = "https://www.googleapis.com/oauth2/v3/userinfo?access_token="

	shutdownTimeout = 10 * time.Second
)

type Config struct {
	Addr           string
	Secret         string
	AccessTTL      time.Duration
	RefreshTTL     time.Duration
	AllowedOrigins []string
	// CertFile and KeyFile enable TLS when both are set. The live channel is
	// then served as wss://.
	CertFile string
	KeyFile  string
	// GoogleUserInfoURL resolves Google access tokens for auth/google/.
	GoogleUserInfoURL string
}

type Server struct {
	config Config
	store  *store
	tokens *tokenIssuer
	google *http.Client
	hub    *hub
	media  *core.SyncMap[string, []byte]
	router *router.Router
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func New(config Config, logger *slog.Logger) (*Server, error) {
	if config.Secret == "" {
		return nil, errors.New("dev server secret is required")
	}
	if config.AccessTTL <= 0 {
		config.AccessTTL = DefaultAccessTTL
	}
	if config.RefreshTTL <= 0 {
		config.RefreshTTL = DefaultRefreshTTL
	}
	if config.GoogleUserInfoURL == "" {
		config.GoogleUserInfoURL = DefaultGoogleUserInfoURL
	}
	if len(config.AllowedOrigins) == 0 {
		config.AllowedOrigins = []string{"*"}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config: config,
		store:  newStore(),
		tokens: newTokenIssuer([]byte(config.Secret), config.AccessTTL, config.RefreshTTL),
		google: &http.Client{Timeout: googleTimeout},
		media:  core.NewSyncMap[string, []byte](),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	s.hub = newHub(ctx, s.store, s.tokens, logger)
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.router = router.New(router.WithLogger(s.logger))
	s.router.RegisterErrorMapper(core.ErrNotFound, func(error) router.Error {
		return router.NewJsonError(http.StatusNotFound, "Not found.")
	})
	s.router.RegisterErrorMapper(core.ErrForbidden, func(error) router.Error {
		return router.NewJsonError(http.StatusForbidden, "You do not have permission to perform this action.")
	})
	s.router.RegisterErrorMapper(core.ErrConflict, func(error) router.Error {
		return router.NewFieldError(map[string][]string{"email": {"A user with this email already exists."}})
	})
	s.router.RegisterErrorMapper(errEmptyBody, func(error) router.Error {
		return router.NewJsonError(http.StatusBadRequest, "Message body is required")
	})

	s.router.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	s.router.Router.Get("/ws/chat/{id}/", s.wsHandler)
	s.router.Get("/media/*", s.mediaHandler)

	s.router.Route("/auth", func(r *router.Router) {
		r.Post("/token/", s.loginHandler)
		r.Post("/token/refresh/", s.refreshHandler)
		r.Post("/token/logout/", s.logoutHandler)
		r.Post("/register/", s.registerHandler)
		r.Post("/google/", s.googleHandler)
	})

	s.router.Group(func(r *router.Router) {
		r.Use(bearerMiddleware(s.tokens))
		r.Get("/", s.dashboardHandler)
		r.Get("/topics/", s.topicsHandler)
		r.Get("/user/me/", s.meHandler)
		r.Patch("/user/me/", s.updateMeHandler)
		r.Get("/user/profile/{id}/", s.profileHandler)
		r.Post("/rooms/", s.createRoomHandler)
		r.Get("/rooms/{id}/", s.roomDetailHandler)
		r.Patch("/rooms/{id}/", s.updateRoomHandler)
		r.Delete("/rooms/{id}/", s.deleteRoomHandler)
		r.Get("/roomDetails/{id}/", s.roomDetailHandler)
		r.Post("/roomDetails/{id}/", s.createMessageHandler)
		r.Delete("/messageDelete/{id}/", s.deleteMessageHandler)
	})
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Close disconnects every live client.
func (s *Server) Close() {
	s.cancel()
	s.hub.close()
}

// Seed registers an account and a room owned by it, for trying the client
// against a fresh server.
func (s *Server) Seed(in core.RegisterInput, room core.RoomInput) (core.User, core.Room, error) {
	u, err := s.store.createUser(in)
	if err != nil {
		return core.User{}, core.Room{}, fmt.Errorf("seed user: %w", err)
	}
	r, err := s.store.createRoom(u.ID, room)
	if err != nil {
		return core.User{}, core.Room{}, fmt.Errorf("seed room: %w", err)
	}
	return u, r, nil
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.config.Addr,
		Handler: s.router,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	tlsOn := s.config.CertFile != "" && s.config.KeyFile != ""
	if tlsOn {
		srv.TLSConfig = defaultTLSConfig()
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(fmt.Sprintf("dev server listening on %s", s.config.Addr), slog.Bool("tls", tlsOn))
		if tlsOn {
			errCh <- srv.ListenAndServeTLS(s.config.CertFile, s.config.KeyFile)
			return
		}
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info("dev server shutdown gracefully")
	return nil
}

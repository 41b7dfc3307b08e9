// Package chatcampus wires the chat client together: the token store, the
// authenticated gateway, the session, the room snapshot cache and the live
// channel, all owned by one App value that is passed down explicitly.
package chatcampus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/putto11262002/chatcampus/core"
	"github.com/putto11262002/chatcampus/pkg/api"
	"github.com/putto11262002/chatcampus/pkg/gateway"
	"github.com/putto11262002/chatcampus/pkg/live"
	"github.com/putto11262002/chatcampus/pkg/logger"
	"github.com/putto11262002/chatcampus/pkg/session"
	"github.com/putto11262002/chatcampus/pkg/snapshot"
	"github.com/putto11262002/chatcampus/pkg/tokenstore"
)

type App struct {
	config  *Config
	logger  *slog.Logger
	tokens  tokenstore.Store
	gateway *gateway.Gateway
	api     *api.Client
	session *session.Manager
	cache   *snapshot.Cache
	dialer  live.Dialer
	client  *http.Client

	mu    sync.Mutex
	views map[*RoomView]struct{}

	cleanupFuncs []func() error
}

type Option func(*App)

func WithLogger(l *slog.Logger) Option {
	return func(a *App) {
		a.logger = l
	}
}

// WithTokenStore replaces the store built from the tokens.file setting.
func WithTokenStore(s tokenstore.Store) Option {
	return func(a *App) {
		a.tokens = s
	}
}

func WithDialer(d live.Dialer) Option {
	return func(a *App) {
		a.dialer = d
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(a *App) {
		a.client = c
	}
}

// New builds the application. A nil config is loaded from the environment.
func New(config *Config, opts ...Option) (*App, error) {
	if config == nil {
		var err error
		config, err = LoadConfig("")
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	if err := config.Validate(); err != nil {
		return nil, errors.New(FormatValidationErrors(err))
	}

	app := &App{
		config: config,
		views:  make(map[*RoomView]struct{}),
		client: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(app)
	}
	if app.logger == nil {
		app.logger = logger.New(os.Stderr, config.Log.Level)
	}

	if app.tokens == nil {
		if err := app.openTokenStore(); err != nil {
			return nil, err
		}
	}

	gw, err := gateway.New(config.API.URL, app.tokens,
		gateway.WithHTTPClient(app.client),
		gateway.WithLogger(app.logger.With(slog.String("component", "gateway"))),
		gateway.OnSessionExpired(func(err error) {
			app.session.Expire(err)
		}),
	)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.gateway = gw
	app.api = api.New(gw)

	app.cache = snapshot.New(app.api,
		snapshot.WithStaleTime(config.Snapshot.StaleTime),
		snapshot.WithRetries(config.Snapshot.Retries),
		snapshot.WithLogger(app.logger.With(slog.String("component", "snapshot"))),
	)
	app.AddCleanupFunc(func() error {
		app.cache.Close()
		return nil
	})

	app.session = session.NewManager(app.tokens, app.api,
		session.WithLogger(app.logger.With(slog.String("component", "session"))),
		session.WithPrimer(func(ctx context.Context) error {
			_, err := app.api.Dashboard(ctx, "")
			return err
		}),
		session.OnEnd(app.endSession),
	)
	app.session.OnChange(func(p session.Phase) {
		app.logger.Debug("session phase changed", slog.String("phase", p.String()))
	})

	if app.dialer == nil {
		app.dialer = &live.WSDialer{
			URL:    config.WS.URL,
			Logger: app.logger.With(slog.String("component", "ws")),
		}
	}
	return app, nil
}

func (app *App) openTokenStore() error {
	file := app.config.Tokens.File
	if file == "" {
		app.tokens = tokenstore.NewMemoryStore()
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(file), 0o700); err != nil {
		return fmt.Errorf("create token directory: %w", err)
	}
	store, err := tokenstore.OpenSQLite(file, nil)
	if err != nil {
		return fmt.Errorf("open token store: %w", err)
	}
	app.tokens = store
	app.AddCleanupFunc(store.Close)
	return nil
}

func (app *App) Config() *Config {
	return app.config
}

func (app *App) Logger() *slog.Logger {
	return app.logger
}

func (app *App) Session() *session.Manager {
	return app.session
}

func (app *App) API() *api.Client {
	return app.api
}

func (app *App) Cache() *snapshot.Cache {
	return app.cache
}

// endSession drops everything that belongs to the ended session: cached
// rooms and open live channels.
func (app *App) endSession() {
	app.cache.Clear()
	app.mu.Lock()
	views := make([]*RoomView, 0, len(app.views))
	for v := range app.views {
		views = append(views, v)
	}
	app.mu.Unlock()
	for _, v := range views {
		v.channel.Close()
	}
}

// OpenRoom loads a room and then connects its live channel. It requires a
// ready session.
func (app *App) OpenRoom(ctx context.Context, roomID int) (*RoomView, error) {
	if outcome, _ := session.GuardProtected(app.session.Phase()); outcome != session.Render {
		return nil, core.ErrUnauthenticated
	}
	v := newRoomView(app, roomID)
	if err := v.open(ctx); err != nil {
		v.Close()
		return nil, err
	}
	return v, nil
}

// DeleteRoom deletes a room owned by the signed-in user, closes its open views
// and drops its cached snapshot.
func (app *App) DeleteRoom(ctx context.Context, roomID int) error {
	if err := app.api.DeleteRoom(ctx, roomID); err != nil {
		return err
	}
	app.mu.Lock()
	var views []*RoomView
	for v := range app.views {
		if v.id == roomID {
			views = append(views, v)
		}
	}
	app.mu.Unlock()
	for _, v := range views {
		v.Close()
	}
	app.cache.Evict(strconv.Itoa(roomID))
	return nil
}

func (app *App) addView(v *RoomView) {
	app.mu.Lock()
	defer app.mu.Unlock()
	app.views[v] = struct{}{}
}

func (app *App) removeView(v *RoomView) {
	app.mu.Lock()
	defer app.mu.Unlock()
	delete(app.views, v)
}

func (app *App) AddCleanupFunc(f func() error) {
	app.cleanupFuncs = append(app.cleanupFuncs, f)
}

// Close closes every open room and releases the app's resources in reverse
// order of acquisition.
func (app *App) Close() error {
	app.mu.Lock()
	views := make([]*RoomView, 0, len(app.views))
	for v := range app.views {
		views = append(views, v)
	}
	app.mu.Unlock()
	for _, v := range views {
		v.Close()
	}

	var errs []error
	for i := len(app.cleanupFuncs) - 1; i >= 0; i-- {
		if err := app.cleanupFuncs[i](); err != nil {
			errs = append(errs, err)
		}
	}
	app.cleanupFuncs = nil
	return errors.Join(errs...)
}

// Package session tracks the lifecycle of the signed-in user.
//
// The phase is derived from three facts: whether a login is in flight, whether
// a complete token pair is stored, and whether the identity of that pair has
// been resolved. Every operation that awaits the network is tagged with a
// generation; an explicit logout bumps the generation so a late result can
// never bring a session back.
package session

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"

	"github.com/putto11262002/chatcampus/core"
	"github.com/putto11262002/chatcampus/pkg/tokenstore"
)

var (
	// ErrSuperseded is returned by Login and RefetchUser when a logout (or a
	// newer login) happened while they were waiting on the network.
	ErrSuperseded = errors.New("session: superseded by a newer session change")
)

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseLoggingIn
	PhaseRefetchingUser
	PhaseReady
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseLoggingIn:
		return "logging_in"
	case PhaseRefetchingUser:
		return "refetching_user"
	case PhaseReady:
		return "ready"
	}
	return "unknown"
}

// AuthService is the remote side of the session.
type AuthService interface {
	Login(ctx context.Context, in core.LoginInput) (tokenstore.Pair, error)
	GoogleLogin(ctx context.Context, accessToken string) (tokenstore.Pair, error)
	Logout(ctx context.Context, refresh string) error
	CurrentUser(ctx context.Context) (core.User, error)
}

type Manager struct {
	mu        sync.Mutex
	tokens    tokenstore.Store
	auth      AuthService
	user      *core.User
	loggingIn bool
	gen       uint64
	last      Phase

	listeners []func(Phase)
	onEnd     []func()
	prime     func(context.Context) error
	logger    *slog.Logger
}

type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithPrimer sets a fetch run after the identity resolves on login, used to
// warm first-screen data. Its failure is logged and does not fail the login.
func WithPrimer(f func(context.Context) error) Option {
	return func(m *Manager) {
		m.prime = f
	}
}

// OnEnd registers a function run whenever the session ends, by logout or by
// expiry. Local caches are cleared here.
func OnEnd(f func()) Option {
	return func(m *Manager) {
		m.onEnd = append(m.onEnd, f)
	}
}

func NewManager(tokens tokenstore.Store, auth AuthService, opts ...Option) *Manager {
	m := &Manager{
		tokens: tokens,
		auth:   auth,
		logger: slog.New(slog.NewTextHandler(os.Stderr, nil)),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.last = m.phaseLocked()
	return m
}

// OnChange registers a listener called with every new phase.
func (m *Manager) OnChange(f func(Phase)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, f)
}

func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phaseLocked()
}

// User returns the resolved identity, if any.
func (m *Manager) User() (core.User, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.user == nil {
		return core.User{}, false
	}
	return *m.user, true
}

func (m *Manager) phaseLocked() Phase {
	if m.loggingIn {
		return PhaseLoggingIn
	}
	pair, _ := m.tokens.Get()
	if !pair.Complete() {
		return PhaseIdle
	}
	if m.user == nil {
		return PhaseRefetchingUser
	}
	return PhaseReady
}

// changed returns the listeners to notify when the phase moved since the last
// notification. Call with mu held.
func (m *Manager) changed() (Phase, []func(Phase)) {
	p := m.phaseLocked()
	if p == m.last {
		return p, nil
	}
	m.last = p
	return p, append([]func(Phase){}, m.listeners...)
}

func notify(p Phase, listeners []func(Phase)) {
	for _, f := range listeners {
		f(p)
	}
}

// Login exchanges credentials for tokens and resolves the identity. On a
// failed exchange the phase returns to what it was and the error is returned
// unchanged.
func (m *Manager) Login(ctx context.Context, email, password string) error {
	in := core.LoginInput{Email: email, Password: password}
	if err := in.Validate(); err != nil {
		return err
	}
	return m.login(ctx, "password", func(ctx context.Context) (tokenstore.Pair, error) {
		return m.auth.Login(ctx, in)
	})
}

// LoginWithGoogle signs in with a Google OAuth access token. It goes through
// the same phases as Login.
func (m *Manager) LoginWithGoogle(ctx context.Context, accessToken string) error {
	return m.login(ctx, "google", func(ctx context.Context) (tokenstore.Pair, error) {
		return m.auth.GoogleLogin(ctx, accessToken)
	})
}

func (m *Manager) login(ctx context.Context, method string, exchange func(context.Context) (tokenstore.Pair, error)) error {
	m.mu.Lock()
	m.loggingIn = true
	m.gen++
	gen := m.gen
	p, ls := m.changed()
	m.mu.Unlock()
	notify(p, ls)

	pair, err := exchange(ctx)

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return ErrSuperseded
	}
	m.loggingIn = false
	if err == nil {
		m.user = nil
		if serr := m.tokens.SetPair(pair); serr != nil {
			err = serr
		}
	}
	p, ls = m.changed()
	m.mu.Unlock()
	notify(p, ls)
	if err != nil {
		return err
	}

	if err := m.refetch(ctx, gen); err != nil {
		return err
	}

	if m.prime != nil {
		if err := m.prime(ctx); err != nil {
			m.logger.Warn("priming fetch failed", slog.String("error", err.Error()))
		}
	}
	u, _ := m.User()
	m.logger.Info("logged in", slog.String("email", u.Email), slog.String("method", method))
	return nil
}

// Resume resolves the identity of a token pair left over from a previous run.
// It is a no-op without a complete pair.
func (m *Manager) Resume(ctx context.Context) error {
	m.mu.Lock()
	pair, _ := m.tokens.Get()
	gen := m.gen
	m.mu.Unlock()
	if !pair.Complete() {
		return nil
	}
	return m.refetch(ctx, gen)
}

// RefetchUser re-resolves the identity of the current token pair.
func (m *Manager) RefetchUser(ctx context.Context) error {
	m.mu.Lock()
	gen := m.gen
	m.mu.Unlock()
	return m.refetch(ctx, gen)
}

func (m *Manager) refetch(ctx context.Context, gen uint64) error {
	m.mu.Lock()
	if pair, _ := m.tokens.Get(); !pair.Complete() {
		m.mu.Unlock()
		return core.ErrUnauthenticated
	}
	m.mu.Unlock()

	user, err := m.auth.CurrentUser(ctx)

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		if err != nil {
			return err
		}
		return ErrSuperseded
	}
	if err != nil {
		m.user = nil
		if cerr := m.tokens.Clear(); cerr != nil {
			m.logger.Error("clear tokens", slog.String("error", cerr.Error()))
		}
		p, ls := m.changed()
		m.mu.Unlock()
		notify(p, ls)
		m.logger.Warn("identity fetch failed, session cleared", slog.String("error", err.Error()))
		m.ended()
		return err
	}
	m.user = &user
	p, ls := m.changed()
	m.mu.Unlock()
	notify(p, ls)
	return nil
}

// Logout ends the session. The server is told on a best effort basis; local
// state is always cleared.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	m.gen++
	pair, _ := m.tokens.Get()
	m.mu.Unlock()

	if pair.Refresh != "" {
		if err := m.auth.Logout(ctx, pair.Refresh); err != nil {
			m.logger.Warn("logout notification failed", slog.String("error", err.Error()))
		}
	}

	err := m.reset()
	m.ended()
	return err
}

// Expire ends the session after the credentials were rejected. It is wired to
// the gateway's session expiry hook.
func (m *Manager) Expire(cause error) {
	m.mu.Lock()
	m.gen++
	m.mu.Unlock()

	m.logger.Warn("session expired", slog.String("error", cause.Error()))
	if err := m.reset(); err != nil {
		m.logger.Error("clear tokens", slog.String("error", err.Error()))
	}
	m.ended()
}

func (m *Manager) reset() error {
	m.mu.Lock()
	err := m.tokens.Clear()
	m.user = nil
	m.loggingIn = false
	p, ls := m.changed()
	m.mu.Unlock()
	notify(p, ls)
	return err
}

func (m *Manager) ended() {
	m.mu.Lock()
	fns := append([]func(){}, m.onEnd...)
	m.mu.Unlock()
	for _, f := range fns {
		f()
	}
}

package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/putto11262002/chatcampus/core"
	"github.com/putto11262002/chatcampus/pkg/tokenstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAuth struct {
	pair      tokenstore.Pair
	loginErr  error
	user      core.User
	userErr   error
	logoutErr error

	// userGate, when set, blocks CurrentUser until it is closed.
	userGate chan struct{}
	// userCalled is closed when CurrentUser starts.
	userCalled chan struct{}

	mu           sync.Mutex
	logouts      []string
	googleTokens []string
}

func (f *fakeAuth) Login(ctx context.Context, in core.LoginInput) (tokenstore.Pair, error) {
	if f.loginErr != nil {
		return tokenstore.Pair{}, f.loginErr
	}
	return f.pair, nil
}

func (f *fakeAuth) GoogleLogin(ctx context.Context, accessToken string) (tokenstore.Pair, error) {
	f.mu.Lock()
	f.googleTokens = append(f.googleTokens, accessToken)
	f.mu.Unlock()
	if f.loginErr != nil {
		return tokenstore.Pair{}, f.loginErr
	}
	return f.pair, nil
}

func (f *fakeAuth) Logout(ctx context.Context, refresh string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts = append(f.logouts, refresh)
	return f.logoutErr
}

func (f *fakeAuth) CurrentUser(ctx context.Context) (core.User, error) {
	if f.userCalled != nil {
		close(f.userCalled)
	}
	if f.userGate != nil {
		<-f.userGate
	}
	return f.user, f.userErr
}

type recorder struct {
	mu     sync.Mutex
	phases []Phase
}

func (r *recorder) record(p Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phases = append(r.phases, p)
}

func (r *recorder) get() []Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Phase{}, r.phases...)
}

func newManager(t *testing.T, auth AuthService, opts ...Option) (*Manager, tokenstore.Store, *recorder) {
	t.Helper()
	tokens := tokenstore.NewMemoryStore()
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	m := NewManager(tokens, auth, opts...)
	rec := &recorder{}
	m.OnChange(rec.record)
	return m, tokens, rec
}

func TestLoginTransitions(t *testing.T) {
	auth := &fakeAuth{
		pair: tokenstore.Pair{Access: "A1", Refresh: "R1"},
		user: core.User{ID: 1, Email: "a@x.com"},
	}
	primed := false
	m, tokens, rec := newManager(t, auth, WithPrimer(func(context.Context) error {
		primed = true
		return nil
	}))
	require.Equal(t, PhaseIdle, m.Phase())

	require.NoError(t, m.Login(context.Background(), "a@x.com", "pw"))

	pair, _ := tokens.Get()
	assert.Equal(t, tokenstore.Pair{Access: "A1", Refresh: "R1"}, pair)
	assert.Equal(t, []Phase{PhaseLoggingIn, PhaseRefetchingUser, PhaseReady}, rec.get())
	assert.Equal(t, PhaseReady, m.Phase())

	u, ok := m.User()
	require.True(t, ok)
	assert.Equal(t, 1, u.ID)
	assert.True(t, primed)
}

func TestLoginFailureRestoresPhase(t *testing.T) {
	auth := &fakeAuth{loginErr: core.ErrBadCredentials}
	m, tokens, rec := newManager(t, auth)

	err := m.Login(context.Background(), "a@x.com", "bad")
	assert.ErrorIs(t, err, core.ErrBadCredentials)
	assert.Equal(t, PhaseIdle, m.Phase())
	assert.Equal(t, []Phase{PhaseLoggingIn, PhaseIdle}, rec.get())

	_, ok := tokens.Get()
	assert.False(t, ok)
}

func TestLoginWithGoogle(t *testing.T) {
	auth := &fakeAuth{
		pair: tokenstore.Pair{Access: "A1", Refresh: "R1"},
		user: core.User{ID: 7, Email: "g@x.com"},
	}
	m, tokens, rec := newManager(t, auth)

	require.NoError(t, m.LoginWithGoogle(context.Background(), "ya29.token"))
	assert.Equal(t, []string{"ya29.token"}, auth.googleTokens)
	assert.Equal(t, []Phase{PhaseLoggingIn, PhaseRefetchingUser, PhaseReady}, rec.get())

	pair, _ := tokens.Get()
	assert.Equal(t, tokenstore.Pair{Access: "A1", Refresh: "R1"}, pair)
	u, ok := m.User()
	require.True(t, ok)
	assert.Equal(t, 7, u.ID)
}

func TestLoginWithGoogleFailureRestoresPhase(t *testing.T) {
	auth := &fakeAuth{loginErr: core.ErrBadCredentials}
	m, _, rec := newManager(t, auth)

	err := m.LoginWithGoogle(context.Background(), "expired")
	assert.ErrorIs(t, err, core.ErrBadCredentials)
	assert.Equal(t, PhaseIdle, m.Phase())
	assert.Equal(t, []Phase{PhaseLoggingIn, PhaseIdle}, rec.get())
}

func TestLoginRejectsInvalidInput(t *testing.T) {
	m, _, rec := newManager(t, &fakeAuth{})

	err := m.Login(context.Background(), "nope", "")
	var verr *core.ValidationError
	assert.ErrorAs(t, err, &verr)
	assert.Empty(t, rec.get())
}

func TestIdentityFailureFallsBackToIdle(t *testing.T) {
	auth := &fakeAuth{
		pair:    tokenstore.Pair{Access: "A1", Refresh: "R1"},
		userErr: errors.New("token rejected"),
	}
	ended := 0
	m, tokens, rec := newManager(t, auth, OnEnd(func() { ended++ }))

	err := m.Login(context.Background(), "a@x.com", "pw")
	require.Error(t, err)
	assert.Equal(t, PhaseIdle, m.Phase())
	assert.Equal(t, []Phase{PhaseLoggingIn, PhaseRefetchingUser, PhaseIdle}, rec.get())
	assert.Equal(t, 1, ended)

	_, ok := tokens.Get()
	assert.False(t, ok)
}

func TestLogoutBeforeIdentityResolves(t *testing.T) {
	auth := &fakeAuth{
		pair:       tokenstore.Pair{Access: "A1", Refresh: "R1"},
		user:       core.User{ID: 1},
		userGate:   make(chan struct{}),
		userCalled: make(chan struct{}),
	}
	m, tokens, _ := newManager(t, auth)

	done := make(chan error, 1)
	go func() {
		done <- m.Login(context.Background(), "a@x.com", "pw")
	}()

	<-auth.userCalled
	assert.Equal(t, PhaseRefetchingUser, m.Phase())

	require.NoError(t, m.Logout(context.Background()))
	close(auth.userGate)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSuperseded)
	case <-time.After(time.Second):
		t.Fatal("login did not return")
	}

	assert.Equal(t, PhaseIdle, m.Phase())
	_, ok := tokens.Get()
	assert.False(t, ok)
	_, ok = m.User()
	assert.False(t, ok)
	assert.Equal(t, []string{"R1"}, auth.logouts)
}

func TestLogoutSwallowsServerError(t *testing.T) {
	auth := &fakeAuth{logoutErr: errors.New("network down")}
	ended := 0
	m, tokens, _ := newManager(t, auth, OnEnd(func() { ended++ }))
	require.NoError(t, tokens.SetPair(tokenstore.Pair{Access: "A1", Refresh: "R1"}))

	assert.NoError(t, m.Logout(context.Background()))
	_, ok := tokens.Get()
	assert.False(t, ok)
	assert.Equal(t, PhaseIdle, m.Phase())
	assert.Equal(t, 1, ended)
}

func TestResume(t *testing.T) {
	auth := &fakeAuth{user: core.User{ID: 7}}
	m, tokens, _ := newManager(t, auth)

	// nothing to resume
	require.NoError(t, m.Resume(context.Background()))
	assert.Equal(t, PhaseIdle, m.Phase())

	require.NoError(t, tokens.SetPair(tokenstore.Pair{Access: "A1", Refresh: "R1"}))
	assert.Equal(t, PhaseRefetchingUser, m.Phase())
	require.NoError(t, m.Resume(context.Background()))
	assert.Equal(t, PhaseReady, m.Phase())
}

func TestRefetchUserNeedsCompletePair(t *testing.T) {
	m, tokens, _ := newManager(t, &fakeAuth{})
	require.NoError(t, tokens.SetAccess("A1"))

	assert.ErrorIs(t, m.RefetchUser(context.Background()), core.ErrUnauthenticated)
	assert.Equal(t, PhaseIdle, m.Phase())
}

func TestExpire(t *testing.T) {
	auth := &fakeAuth{user: core.User{ID: 7}}
	ended := 0
	m, tokens, _ := newManager(t, auth, OnEnd(func() { ended++ }))
	require.NoError(t, tokens.SetPair(tokenstore.Pair{Access: "A1", Refresh: "R1"}))
	require.NoError(t, m.Resume(context.Background()))

	m.Expire(errors.New("refresh rejected"))
	assert.Equal(t, PhaseIdle, m.Phase())
	assert.Equal(t, 1, ended)
	_, ok := tokens.Get()
	assert.False(t, ok)
}

func TestGuards(t *testing.T) {
	tcs := []struct {
		phase     Phase
		guest     Outcome
		protected Outcome
		target    string
	}{
		{PhaseIdle, Render, Redirect, LoginRoute},
		{PhaseLoggingIn, Redirect, Redirect, LoginRoute},
		{PhaseRefetchingUser, Redirect, Wait, ""},
		{PhaseReady, Redirect, Render, ""},
	}

	for _, tc := range tcs {
		t.Run(tc.phase.String(), func(t *testing.T) {
			got, _ := GuardGuest(tc.phase)
			assert.Equal(t, tc.guest, got)

			got, target := GuardProtected(tc.phase)
			assert.Equal(t, tc.protected, got)
			assert.Equal(t, tc.target, target)
		})
	}
}

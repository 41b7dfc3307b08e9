package devserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/putto11262002/chatcampus/core"
	"github.com/putto11262002/chatcampus/pkg/api"
	"github.com/putto11262002/chatcampus/pkg/gateway"
	"github.com/putto11262002/chatcampus/pkg/live"
	"github.com/putto11262002/chatcampus/pkg/logger"
	"github.com/putto11262002/chatcampus/pkg/tokenstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type testEnv struct {
	server *Server
	http   *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, Config{Secret: "test-secret"})
}

func newTestEnvWith(t *testing.T, config Config) *testEnv {
	t.Helper()
	s, err := New(config, logger.Discard())
	require.NoError(t, err)
	s.store.cost = bcrypt.MinCost
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		srv.Close()
	})
	return &testEnv{server: s, http: srv}
}

// client returns an API client with its own token store.
func (e *testEnv) client(t *testing.T) (*api.Client, *tokenstore.MemoryStore) {
	t.Helper()
	tokens := tokenstore.NewMemoryStore()
	gw, err := gateway.New(e.http.URL, tokens, gateway.WithLogger(logger.Discard()))
	require.NoError(t, err)
	return api.New(gw), tokens
}

func (e *testEnv) login(t *testing.T, email string) (*api.Client, *tokenstore.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	c, tokens := e.client(t)
	_, err := c.Register(ctx, core.RegisterInput{
		Email: email, FirstName: "Ann", LastName: "Lee", Password: "password1", Password2: "password1",
	})
	require.NoError(t, err)
	pair, err := c.Login(ctx, core.LoginInput{Email: email, Password: "password1"})
	require.NoError(t, err)
	require.NoError(t, tokens.SetPair(pair))
	return c, tokens
}

func TestAuthFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c, tokens := env.login(t, "ann@example.com")

	me, err := c.CurrentUser(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ann@example.com", me.Email)
	assert.False(t, me.LastLogin.IsZero())

	_, err = c.Login(ctx, core.LoginInput{Email: "ann@example.com", Password: "wrong-password"})
	assert.ErrorIs(t, err, core.ErrBadCredentials)

	_, err = c.Register(ctx, core.RegisterInput{
		Email: "ANN@example.com", FirstName: "A", LastName: "B", Password: "password1", Password2: "password1",
	})
	require.Error(t, err)
	assert.Equal(t, []string{"A user with this email already exists."}, gateway.Messages(err))

	pair, _ := tokens.Get()
	require.NoError(t, c.Logout(ctx, pair.Refresh))
	assert.Error(t, c.Logout(ctx, pair.Refresh), "a revoked refresh token is rejected")
}

// fakeGoogle answers userinfo lookups for the token "good".
func fakeGoogle(t *testing.T, given string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("access_token") != "good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"email":"gina@example.com","given_name":"` + given + `","family_name":"Ray"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGoogleLogin(t *testing.T) {
	google := fakeGoogle(t, "Gina")
	env := newTestEnvWith(t, Config{Secret: "test-secret", GoogleUserInfoURL: google.URL + "/userinfo?access_token="})
	ctx := context.Background()
	c, tokens := env.client(t)

	pair, err := c.GoogleLogin(ctx, "good")
	require.NoError(t, err)
	require.True(t, pair.Complete())
	require.NoError(t, tokens.SetPair(pair))

	me, err := c.CurrentUser(ctx)
	require.NoError(t, err)
	assert.Equal(t, "gina@example.com", me.Email)
	assert.Equal(t, "Gina", me.FirstName)
	assert.Equal(t, "Ray", me.LastName)

	// the second sign-in reuses the account
	again, err := c.GoogleLogin(ctx, "good")
	require.NoError(t, err)
	require.NoError(t, tokens.SetPair(again))
	me2, err := c.CurrentUser(ctx)
	require.NoError(t, err)
	assert.Equal(t, me.ID, me2.ID)

	// a google account has no password
	_, err = c.Login(ctx, core.LoginInput{Email: "gina@example.com", Password: "anything"})
	assert.ErrorIs(t, err, core.ErrBadCredentials)
}

func TestGoogleLoginRejectsBadToken(t *testing.T) {
	google := fakeGoogle(t, "Gina")
	env := newTestEnvWith(t, Config{Secret: "test-secret", GoogleUserInfoURL: google.URL + "/userinfo?access_token="})
	c, _ := env.client(t)

	_, err := c.GoogleLogin(context.Background(), "bad")
	assert.ErrorIs(t, err, core.ErrBadCredentials)
	assert.Equal(t, []string{"Could not retrieve user info from Google"}, gateway.Messages(err))

	_, err = c.GoogleLogin(context.Background(), "")
	var verr *core.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestExpiredAccessIsRefreshed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c, tokens := env.login(t, "ann@example.com")

	me, err := c.CurrentUser(ctx)
	require.NoError(t, err)

	// Sign a token that expired a minute ago.
	past := *env.server.tokens
	past.now = func() time.Time { return time.Now().Add(-DefaultAccessTTL - time.Minute) }
	expired, err := past.access(me.ID)
	require.NoError(t, err)
	require.NoError(t, tokens.SetAccess(expired))

	_, err = c.CurrentUser(ctx)
	require.NoError(t, err)
	pair, _ := tokens.Get()
	assert.NotEqual(t, expired, pair.Access)
}

func TestRoomsAndMessages(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner, _ := env.login(t, "owner@example.com")
	other, _ := env.login(t, "other@example.com")

	room, err := owner.CreateRoom(ctx, core.RoomInput{Topic: "Go", RoomName: "gophers", RoomDescription: "all things go"})
	require.NoError(t, err)
	assert.Equal(t, "Go", room.TopicDetails.TopicName)

	_, err = other.UpdateRoom(ctx, room.ID, core.RoomInput{Topic: "Go", RoomName: "mine", RoomDescription: "x"})
	assert.ErrorIs(t, err, core.ErrForbidden)

	msg, err := other.CreateMessage(ctx, room.ID, core.MessageInput{Body: "hi"})
	require.NoError(t, err)

	d, err := owner.Room(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, room.ID, d.Room.ID)
	assert.Len(t, d.Participants, 2)
	require.Len(t, d.Messages, 1)
	assert.Equal(t, "hi", d.Messages[0].Body)

	assert.ErrorIs(t, owner.DeleteMessage(ctx, msg.ID), core.ErrForbidden)
	require.NoError(t, other.DeleteMessage(ctx, msg.ID))

	dash, err := owner.Dashboard(ctx, "go")
	require.NoError(t, err)
	require.Len(t, dash.Rooms, 1)
	assert.Equal(t, 2, dash.Rooms[0].ParticipantsCount)
	assert.Equal(t, 1, dash.TopicsCount)

	dash, err = owner.Dashboard(ctx, "rust")
	require.NoError(t, err)
	assert.Empty(t, dash.Rooms)

	topics, err := owner.Topics(ctx, "g")
	require.NoError(t, err)
	require.Len(t, topics, 1)
	assert.Equal(t, 1, topics[0].RoomCount)

	require.NoError(t, owner.DeleteRoom(ctx, room.ID))
	_, err = owner.Room(ctx, room.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestProfileUpdate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c, _ := env.login(t, "ann@example.com")

	u, err := c.UpdateProfile(ctx, core.ProfileInput{Bio: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", u.Bio)
	assert.Equal(t, "Ann", u.FirstName)

	p, err := c.Profile(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, u.ID, p.User.ID)
}

func TestUnauthenticated(t *testing.T) {
	env := newTestEnv(t)
	res, err := http.Get(env.http.URL + "/user/me/")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func dialRoom(t *testing.T, env *testEnv, roomID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws/chat/" + roomID + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var e live.Event
	require.NoError(t, conn.ReadJSON(&e))
	assert.Equal(t, live.EventConnectionEstablished, e.Type)
	return conn
}

func TestLiveProtocol(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c, tokens := env.login(t, "ann@example.com")
	room, err := c.CreateRoom(ctx, core.RoomInput{Topic: "Go", RoomName: "gophers", RoomDescription: "go"})
	require.NoError(t, err)
	pair, _ := tokens.Get()

	conn := dialRoom(t, env, room.Key())
	require.NoError(t, conn.WriteJSON(live.Action{Action: live.ActionAuth, Token: pair.Access}))
	var e live.Event
	require.NoError(t, conn.ReadJSON(&e))
	assert.Equal(t, live.EventAuthSuccess, e.Type)

	require.NoError(t, conn.WriteJSON(live.SendMessage("hello")))
	require.NoError(t, conn.ReadJSON(&e))
	require.Equal(t, live.EventChatMessage, e.Type)
	m, err := e.ChatMessage()
	require.NoError(t, err)
	assert.Equal(t, "hello", m.Body)

	require.NoError(t, conn.WriteJSON(live.DeleteMessage(m.ID)))
	e = live.Event{}
	require.NoError(t, conn.ReadJSON(&e))
	assert.Equal(t, live.EventChatMessageDelete, e.Type)
	assert.Equal(t, m.ID, e.MessageID)

	require.NoError(t, conn.WriteJSON(live.DeleteMessage(m.ID)))
	e = live.Event{}
	require.NoError(t, conn.ReadJSON(&e))
	assert.Equal(t, live.EventError, e.Type)
	assert.Equal(t, "Message not found", e.Text())
}

func TestLiveClosesUnauthenticated(t *testing.T) {
	tcs := map[string]live.Action{
		"bad token":         {Action: live.ActionAuth, Token: "not-a-token"},
		"wrong casing":      {Action: "Auth_check", Token: "x"},
		"action sent first": live.SendMessage("hi"),
	}
	for name, a := range tcs {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t)
			conn := dialRoom(t, env, "1")
			require.NoError(t, conn.WriteJSON(a))

			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			_, _, err := conn.ReadMessage()
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
		})
	}
}

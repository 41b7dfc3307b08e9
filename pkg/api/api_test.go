package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/putto11262002/chatcampus/core"
	"github.com/putto11262002/chatcampus/pkg/gateway"
	"github.com/putto11262002/chatcampus/pkg/tokenstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.Handler) (*Client, tokenstore.Store) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	tokens := tokenstore.NewMemoryStore()
	gw, err := gateway.New(srv.URL+"/api/", tokens)
	require.NoError(t, err)
	return New(gw), tokens
}

func writeJson(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestLogin(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/token/", func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))

		var in core.LoginInput
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		if in.Password != "pw" {
			writeJson(w, http.StatusUnauthorized, map[string]string{
				"detail": "No active account found with the given credentials",
			})
			return
		}
		writeJson(w, http.StatusOK, map[string]string{"access": "A1", "refresh": "R1"})
	})
	c, _ := newTestClient(t, mux)

	pair, err := c.Login(context.Background(), core.LoginInput{Email: "a@x.com", Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, tokenstore.Pair{Access: "A1", Refresh: "R1"}, pair)

	_, err = c.Login(context.Background(), core.LoginInput{Email: "a@x.com", Password: "bad"})
	assert.ErrorIs(t, err, core.ErrBadCredentials)
	assert.Equal(t, []string{"No active account found with the given credentials"}, gateway.Messages(err))
}

func TestLoginValidatesBeforeSending(t *testing.T) {
	called := false
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	_, err := c.Login(context.Background(), core.LoginInput{Email: "not-an-email"})
	var verr *core.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "email")
	assert.Contains(t, verr.Fields, "password")
	assert.False(t, called)
}

func TestRegisterOmitsConfirmation(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/register/", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.NotContains(t, body, "password2")
		assert.Equal(t, "secret123", body["password"])
		writeJson(w, http.StatusCreated, map[string]string{"message": "User registered successfully"})
	})
	c, _ := newTestClient(t, mux)

	msg, err := c.Register(context.Background(), core.RegisterInput{
		Email:     "a@x.com",
		FirstName: "Ada",
		LastName:  "L",
		Password:  "secret123",
		Password2: "secret123",
	})
	require.NoError(t, err)
	assert.Equal(t, "User registered successfully", msg)
}

func TestRoomAndMessages(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/rooms/42/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer A1", r.Header.Get("Authorization"))
		writeJson(w, http.StatusOK, map[string]any{
			"room":     map[string]any{"id": 42, "room_name": "go"},
			"messages": []map[string]any{{"id": 1, "body": "hi"}},
		})
	})
	mux.HandleFunc("GET /api/rooms/7/", func(w http.ResponseWriter, r *http.Request) {
		writeJson(w, http.StatusNotFound, map[string]string{"detail": "Not found."})
	})
	mux.HandleFunc("POST /api/roomDetails/42/", func(w http.ResponseWriter, r *http.Request) {
		var in core.MessageInput
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		writeJson(w, http.StatusCreated, map[string]any{
			"message":  "Message created successfully",
			"messages": map[string]any{"id": 2, "body": in.Body},
		})
	})
	mux.HandleFunc("DELETE /api/messageDelete/2/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	c, tokens := newTestClient(t, mux)
	require.NoError(t, tokens.SetPair(tokenstore.Pair{Access: "A1", Refresh: "R1"}))
	ctx := context.Background()

	detail, err := c.RoomByKey(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, 42, detail.Room.ID)
	assert.Equal(t, []core.Message{{ID: 1, Body: "hi"}}, detail.Messages)
	assert.NotNil(t, detail.Participants)

	_, err = c.Room(ctx, 7)
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = c.RoomByKey(ctx, "abc")
	assert.ErrorIs(t, err, core.ErrNotFound)

	msg, err := c.CreateMessage(ctx, 42, core.MessageInput{Body: "yo"})
	require.NoError(t, err)
	assert.Equal(t, 2, msg.ID)
	assert.Equal(t, "yo", msg.Body)

	require.NoError(t, c.DeleteMessage(ctx, 2))
}

func TestDashboardQuery(t *testing.T) {
	var query string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/", r.URL.Path)
		query = r.URL.RawQuery
		writeJson(w, http.StatusOK, map[string]any{"topics_count": 3})
	}))

	d, err := c.Dashboard(context.Background(), "go lang")
	require.NoError(t, err)
	assert.Equal(t, 3, d.TopicsCount)
	assert.Equal(t, "q=go+lang", query)

	_, err = c.Dashboard(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, query)
}

func TestUpdateProfileMultipart(t *testing.T) {
	avatar := filepath.Join(t.TempDir(), "me.png")
	require.NoError(t, os.WriteFile(avatar, []byte("png-bytes"), 0o600))

	mux := http.NewServeMux()
	mux.HandleFunc("PATCH /api/user/me/", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "Ada", r.FormValue("first_name"))
		assert.Empty(t, r.MultipartForm.Value["last_name"])

		f, hdr, err := r.FormFile("avatar")
		require.NoError(t, err)
		defer f.Close()
		b, _ := io.ReadAll(f)
		assert.Equal(t, "me.png", hdr.Filename)
		assert.Equal(t, "png-bytes", string(b))

		writeJson(w, http.StatusOK, map[string]any{"user": map[string]any{"id": 1, "first_name": "Ada"}})
	})
	c, _ := newTestClient(t, mux)

	u, err := c.UpdateProfile(context.Background(), core.ProfileInput{FirstName: "Ada", Avatar: avatar})
	require.NoError(t, err)
	assert.Equal(t, "Ada", u.FirstName)
}

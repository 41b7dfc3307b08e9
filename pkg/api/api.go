// Package api is the REST client for the chat service. Every call goes through
// a gateway.Gateway so credentials are injected and refreshed transparently.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/putto11262002/chatcampus/core"
	"github.com/putto11262002/chatcampus/pkg/gateway"
	"github.com/putto11262002/chatcampus/pkg/tokenstore"
)

const (
	loginPath    = "auth/token/"
	googlePath   = "auth/google/"
	logoutPath   = "auth/token/logout/"
	registerPath = "auth/register/"
	mePath       = "user/me/"
	topicsPath   = "topics/"
	roomsPath    = "rooms/"
)

type Client struct {
	gw *gateway.Gateway
}

func New(gw *gateway.Gateway) *Client {
	return &Client{gw: gw}
}

type tokenResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

type refreshBody struct {
	Refresh string `json:"refresh"`
}

// Login exchanges credentials for a token pair. The input is validated before
// anything is sent; a rejected login is reported as core.ErrBadCredentials
// wrapping the server's messages.
func (c *Client) Login(ctx context.Context, in core.LoginInput) (tokenstore.Pair, error) {
	if err := in.Validate(); err != nil {
		return tokenstore.Pair{}, err
	}
	var res tokenResponse
	if err := c.gw.Do(gateway.WithoutAuth(ctx), http.MethodPost, loginPath, in, &res); err != nil {
		var apiErr *gateway.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
			return tokenstore.Pair{}, fmt.Errorf("%w: %w", core.ErrBadCredentials, err)
		}
		return tokenstore.Pair{}, err
	}
	if res.Access == "" || res.Refresh == "" {
		return tokenstore.Pair{}, errors.New("login response without token pair")
	}
	return tokenstore.Pair{Access: res.Access, Refresh: res.Refresh}, nil
}

type googleLoginRequest struct {
	AccessToken string `json:"access_token" validate:"required"`
}

// GoogleLogin exchanges a Google OAuth access token for a token pair. The
// server signs the account in, creating it on first use.
func (c *Client) GoogleLogin(ctx context.Context, accessToken string) (tokenstore.Pair, error) {
	in := googleLoginRequest{AccessToken: accessToken}
	if err := core.Validate(in); err != nil {
		return tokenstore.Pair{}, err
	}
	var res tokenResponse
	if err := c.gw.Do(gateway.WithoutAuth(ctx), http.MethodPost, googlePath, in, &res); err != nil {
		var apiErr *gateway.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusBadRequest {
			return tokenstore.Pair{}, fmt.Errorf("%w: %w", core.ErrBadCredentials, err)
		}
		return tokenstore.Pair{}, err
	}
	if res.Access == "" || res.Refresh == "" {
		return tokenstore.Pair{}, errors.New("google login response without token pair")
	}
	return tokenstore.Pair{Access: res.Access, Refresh: res.Refresh}, nil
}

// Logout blacklists the refresh token on the server.
func (c *Client) Logout(ctx context.Context, refresh string) error {
	return c.gw.Do(ctx, http.MethodPost, logoutPath, refreshBody{Refresh: refresh}, nil)
}

type messageResponse struct {
	Message string `json:"message"`
}

// Register creates an account and returns the server's confirmation message.
func (c *Client) Register(ctx context.Context, in core.RegisterInput) (string, error) {
	if err := in.Validate(); err != nil {
		return "", err
	}
	var res messageResponse
	if err := c.gw.Do(gateway.WithoutAuth(ctx), http.MethodPost, registerPath, in, &res); err != nil {
		return "", err
	}
	return res.Message, nil
}

type userResponse struct {
	User core.User `json:"user"`
}

// CurrentUser fetches the identity bound to the current access token.
func (c *Client) CurrentUser(ctx context.Context) (core.User, error) {
	var res userResponse
	if err := c.gw.Do(ctx, http.MethodGet, mePath, nil, &res); err != nil {
		return core.User{}, err
	}
	return res.User, nil
}

func (c *Client) Profile(ctx context.Context, userID int) (core.UserProfile, error) {
	var res core.UserProfile
	path := "user/profile/" + strconv.Itoa(userID) + "/"
	if err := c.gw.Do(ctx, http.MethodGet, path, nil, &res); err != nil {
		return core.UserProfile{}, err
	}
	return res, nil
}

// Dashboard fetches the first-screen payload, filtered by q when non-empty.
func (c *Client) Dashboard(ctx context.Context, q string) (core.Dashboard, error) {
	var res core.Dashboard
	if err := c.gw.Do(ctx, http.MethodGet, withQuery("", q), nil, &res); err != nil {
		return core.Dashboard{}, err
	}
	return res, nil
}

type topicsResponse struct {
	Topics []core.Topic `json:"topics"`
}

func (c *Client) Topics(ctx context.Context, q string) ([]core.Topic, error) {
	var res topicsResponse
	if err := c.gw.Do(ctx, http.MethodGet, withQuery(topicsPath, q), nil, &res); err != nil {
		return nil, err
	}
	return res.Topics, nil
}

func withQuery(path, q string) string {
	if q == "" {
		return path
	}
	return path + "?" + url.Values{"q": {q}}.Encode()
}

// Package gateway wraps outbound API requests with credential injection and a
// refresh-and-retry protocol for expired access tokens.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/putto11262002/chatcampus/internal/metrics"
	"github.com/putto11262002/chatcampus/pkg/tokenstore"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultRefreshPath = "auth/token/refresh/"

	refreshTimeout = 15 * time.Second
)

type Gateway struct {
	base        *url.URL
	client      *http.Client
	tokens      tokenstore.Store
	refreshPath string
	onExpired   func(error)
	logger      *slog.Logger

	// sf coalesces concurrent refresh exchanges of one refresh token.
	sf singleflight.Group

	mu      sync.Mutex
	rotated map[string]string
}

type Option func(*Gateway)

func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) {
		g.client = c
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		g.logger = l
	}
}

func WithRefreshPath(path string) Option {
	return func(g *Gateway) {
		g.refreshPath = path
	}
}

// OnSessionExpired registers the function called after a failed refresh
// exchange has cleared the token store. It is where the application sends the
// user back to the login entry point.
func OnSessionExpired(f func(error)) Option {
	return func(g *Gateway) {
		g.onExpired = f
	}
}

// New creates a gateway for the API rooted at baseURL. Request paths are
// resolved relative to it.
func New(baseURL string, tokens tokenstore.Store, opts ...Option) (*Gateway, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	g := &Gateway{
		base:        base,
		client:      &http.Client{Timeout: 30 * time.Second},
		tokens:      tokens,
		refreshPath: DefaultRefreshPath,
		onExpired:   func(error) {},
		rotated:     make(map[string]string),
		logger:      slog.New(slog.NewTextHandler(os.Stderr, nil)),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

type noAuthKey struct{}

// WithoutAuth marks requests made with ctx as anonymous: no Authorization
// header is injected and authorization failures are returned as is.
func WithoutAuth(ctx context.Context) context.Context {
	return context.WithValue(ctx, noAuthKey{}, true)
}

func isAnonymous(ctx context.Context) bool {
	v, _ := ctx.Value(noAuthKey{}).(bool)
	return v
}

// URL resolves path against the base URL.
func (g *Gateway) URL(path string) (*url.URL, error) {
	ref, err := url.Parse(strings.TrimPrefix(path, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse path: %w", err)
	}
	return g.base.ResolveReference(ref), nil
}

func (g *Gateway) NewRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	u, err := g.URL(path)
	if err != nil {
		return nil, err
	}
	return http.NewRequestWithContext(ctx, method, u.String(), body)
}

// Do sends in as a json body (when non-nil) and decodes the response into
// out (when non-nil).
func (g *Gateway) Do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := g.NewRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	res, err := g.DoRequest(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if out == nil || res.StatusCode == http.StatusNoContent {
		io.Copy(io.Discard, res.Body)
		return nil
	}
	if err := DecodeJson(res.Body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// DoRequest sends req with the current access token. A 401 response is
// recovered once: the refresh token is exchanged for a new access token and
// the request is replayed with it. Non-2xx responses are returned as
// *APIError; transport errors are returned unchanged. A request whose
// credentials were replaced by a logout or another login while it was in
// flight fails with ErrSuperseded instead of being replayed.
func (g *Gateway) DoRequest(req *http.Request) (*http.Response, error) {
	if err := replayable(req); err != nil {
		return nil, err
	}
	anonymous := isAnonymous(req.Context())

	var used tokenstore.Pair
	if !anonymous {
		used, _ = g.tokens.Get()
		g.authorize(req, used.Access)
	}

	res, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	if res.StatusCode != http.StatusUnauthorized || anonymous || used.Refresh == "" {
		return g.check(res)
	}
	io.Copy(io.Discard, res.Body)
	res.Body.Close()

	access, err := g.refresh(req.Context(), used)
	if err != nil {
		return nil, err
	}

	retry, err := clone(req)
	if err != nil {
		return nil, err
	}
	g.authorize(retry, access)

	res, err = g.client.Do(retry)
	if err != nil {
		return nil, err
	}
	// a second 401 is final
	return g.check(res)
}

func (g *Gateway) authorize(req *http.Request, token string) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	} else {
		req.Header.Del("Authorization")
	}
}

// sameSession reports whether cur descends from used: the same refresh token,
// or one this gateway rotated it into.
func (g *Gateway) sameSession(used, cur tokenstore.Pair) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	refresh := used.Refresh
	for range len(g.rotated) + 1 {
		if refresh == cur.Refresh {
			return refresh != ""
		}
		next, ok := g.rotated[refresh]
		if !ok {
			return false
		}
		refresh = next
	}
	return false
}

func (g *Gateway) recordRotation(from, to string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rotated[from] = to
}

// refresh returns an access token newer than the one in used. Concurrent
// callers of one session share one exchange; a caller whose token was already
// refreshed gets the current token without a new exchange.
func (g *Gateway) refresh(ctx context.Context, used tokenstore.Pair) (string, error) {
	cur, _ := g.tokens.Get()
	if !g.sameSession(used, cur) {
		return "", ErrSuperseded
	}
	if cur.Access != "" && cur.Access != used.Access {
		return cur.Access, nil
	}

	v, err, _ := g.sf.Do(cur.Refresh, func() (any, error) {
		pair, _ := g.tokens.Get()
		if !g.sameSession(used, pair) {
			return nil, ErrSuperseded
		}
		if pair.Access != "" && pair.Access != used.Access {
			return pair.Access, nil
		}

		exCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()

		access, err := g.exchange(exCtx, pair.Refresh)
		if errors.Is(err, ErrSuperseded) {
			metrics.RefreshExchanges.WithLabelValues("superseded").Inc()
			g.logger.Info("credentials replaced during refresh, result discarded")
			return nil, err
		}
		if err != nil {
			metrics.RefreshExchanges.WithLabelValues("failed").Inc()
			// only the session that failed is torn down
			cleared, cerr := g.tokens.CompareAndSwap(pair.Refresh, tokenstore.Pair{})
			if cerr != nil {
				g.logger.Error("clear tokens", slog.String("error", cerr.Error()))
			}
			if cerr == nil && !cleared {
				return nil, ErrSuperseded
			}
			g.logger.Warn("refresh exchange failed, session cleared", slog.String("error", err.Error()))
			g.onExpired(err)
			return nil, fmt.Errorf("%w: %w", ErrSessionExpired, err)
		}
		metrics.RefreshExchanges.WithLabelValues("ok").Inc()
		g.logger.Debug("access token refreshed")
		return access, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

type refreshResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh,omitempty"`
}

// exchange performs the refresh call and stores the result, provided refresh
// is still the stored refresh token.
func (g *Gateway) exchange(ctx context.Context, refresh string) (string, error) {
	b, err := json.Marshal(refreshRequest{Refresh: refresh})
	if err != nil {
		return "", err
	}
	req, err := g.NewRequest(ctx, http.MethodPost, g.refreshPath, bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	res, err := g.client.Do(req)
	if err != nil {
		return "", err
	}
	res, err = g.check(res)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	var out refreshResponse
	if err := DecodeJson(res.Body, &out); err != nil {
		return "", fmt.Errorf("decode refresh response: %w", err)
	}
	if out.Access == "" {
		return "", fmt.Errorf("refresh response without access token")
	}

	next := tokenstore.Pair{Access: out.Access, Refresh: refresh}
	if out.Refresh != "" {
		next.Refresh = out.Refresh
	}
	swapped, err := g.tokens.CompareAndSwap(refresh, next)
	if err != nil {
		return "", fmt.Errorf("store refreshed token: %w", err)
	}
	if !swapped {
		return "", ErrSuperseded
	}
	if next.Refresh != refresh {
		g.recordRotation(refresh, next.Refresh)
	}
	return out.Access, nil
}

// replayable makes sure the request body can be sent a second time.
func replayable(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return nil
	}
	b, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return fmt.Errorf("buffer request body: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(b)), nil
	}
	req.Body, _ = req.GetBody()
	return nil
}

func clone(req *http.Request) (*http.Request, error) {
	retry := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewind request body: %w", err)
		}
		retry.Body = body
	}
	return retry, nil
}

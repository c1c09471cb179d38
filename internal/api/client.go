// Package api is the client for the Finet REST API. Every request goes
// through one transport that attaches the bearer token and reports 401
// responses to the session owner.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"finet/internal/cache"
	"finet/internal/log"
)

const DefaultBaseURL = "https://finet-api.vercel.app"

// maxBody caps how much of a response is read.
const maxBody = 8 << 20

type Config struct {
	BaseURL  string
	Timeout  time.Duration
	CacheTTL time.Duration
	Logger   *log.Logger
	// Transport is the underlying round tripper; http.DefaultTransport when nil.
	Transport http.RoundTripper
}

// TokenFunc returns the current bearer token, or "" when signed out.
type TokenFunc func() string

// UnauthorizedFunc is told which token a 401 response rejected.
type UnauthorizedFunc func(ctx context.Context, token string)

type Client struct {
	baseURL string
	http    *http.Client
	logger  *log.Logger

	mu             sync.RWMutex
	token          TokenFunc
	onUnauthorized UnauthorizedFunc

	cache *cache.LRUCache[[]byte]
	group singleflight.Group
}

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Transport == nil {
		cfg.Transport = http.DefaultTransport
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Nop()
	}

	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		logger:  logger.WithComponent(log.ComponentAPI),
		token:   func() string { return "" },
	}
	c.http = &http.Client{
		Timeout:   cfg.Timeout,
		Transport: &authTransport{base: cfg.Transport, client: c},
	}
	if cfg.CacheTTL > 0 {
		c.cache = cache.NewLRUCache[[]byte](256, cfg.CacheTTL)
	}
	return c
}

// SetTokenSource sets where authenticated requests read their token.
func (c *Client) SetTokenSource(fn TokenFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fn == nil {
		fn = func() string { return "" }
	}
	c.token = fn
}

// OnUnauthorized registers the single handler for 401 responses.
func (c *Client) OnUnauthorized(fn UnauthorizedFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUnauthorized = fn
}

// Cache exposes the response cache for periodic cleanup; nil when disabled.
func (c *Client) Cache() *cache.LRUCache[[]byte] {
	return c.cache
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) currentToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token()
}

// authTransport attaches the bearer token unless the request carries its
// own Authorization header, and reports every 401 for a credentialed
// request.
type authTransport struct {
	base   http.RoundTripper
	client *Client
}

type noAuthKey struct{}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Authorization") == "" && req.Context().Value(noAuthKey{}) == nil {
		if tok := t.client.currentToken(); tok != "" {
			req = req.Clone(req.Context())
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		if tok := bearer(req); tok != "" {
			t.client.unauthorized(req.Context(), tok)
		}
	}
	return resp, nil
}

func (c *Client) unauthorized(ctx context.Context, token string) {
	if c.cache != nil {
		c.cache.DeletePrefix(cachePrefix(token))
	}
	c.mu.RLock()
	fn := c.onUnauthorized
	c.mu.RUnlock()

	c.logger.WarnContext(ctx, "API rejected credentials",
		log.FieldErrorType, log.ErrorTypeAuth, log.FieldStatusCode, http.StatusUnauthorized)
	if fn != nil {
		fn(ctx, token)
	}
}

func bearer(req *http.Request) string {
	h := req.Header.Get("Authorization")
	if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(tok)
	}
	return ""
}

type request struct {
	method string
	path   string
	body   any
	// token overrides the token source.
	token string
	// anonymous sends no Authorization header.
	anonymous bool
}

// do performs req and returns the raw response body of a 2xx response.
func (c *Client) do(ctx context.Context, req request) ([]byte, error) {
	var body io.Reader
	if req.body != nil {
		b, err := json.Marshal(req.body)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s: %w", req.method, req.path, err)
		}
		body = bytes.NewReader(b)
	}

	if req.anonymous {
		ctx = context.WithValue(ctx, noAuthKey{}, true)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, c.baseURL+req.path, body)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", req.method, req.path, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.token)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.logger.WarnContext(ctx, "API request failed",
			log.FieldMethod, req.method, log.FieldPath, req.path,
			log.FieldErrorType, log.ErrorTypeNetwork, log.FieldError, err)
		return nil, fmt.Errorf("%s %s: %w: %w", req.method, req.path, ErrNetwork, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w: %w", req.method, req.path, ErrNetwork, err)
	}

	c.logger.DebugContext(ctx, "API request",
		log.FieldMethod, req.method, log.FieldPath, req.path,
		log.FieldStatusCode, resp.StatusCode, log.FieldDuration, time.Since(start).Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s %s: %w", req.method, req.path, newError(resp.StatusCode, data))
	}
	return data, nil
}

type noCacheKey struct{}

// NoCache makes reads on ctx bypass the response cache.
func NoCache(ctx context.Context) context.Context {
	return context.WithValue(ctx, noCacheKey{}, true)
}

// get reads path with the current token. Concurrent identical reads share
// one request, and 2xx bodies are cached per token.
func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	tok := c.currentToken()
	if tok == "" {
		return nil, ErrNoToken
	}
	key := cachePrefix(tok) + path
	useCache := c.cache != nil && ctx.Value(noCacheKey{}) == nil

	if useCache {
		if b, ok := c.cache.Get(key); ok {
			return b, nil
		}
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.do(ctx, request{method: http.MethodGet, path: path, token: tok})
	})
	if err != nil {
		return nil, err
	}
	b := v.([]byte)
	if c.cache != nil {
		c.cache.Set(key, b)
	}
	return b, nil
}

// mutate performs a write with the current token and drops that token's
// cached reads.
func (c *Client) mutate(ctx context.Context, method, path string, body any) ([]byte, error) {
	tok := c.currentToken()
	if tok == "" {
		return nil, ErrNoToken
	}
	b, err := c.do(ctx, request{method: method, path: path, body: body, token: tok})
	if c.cache != nil {
		c.cache.DeletePrefix(cachePrefix(tok))
	}
	return b, err
}

// Invalidate drops every cached read.
func (c *Client) Invalidate() {
	if c.cache != nil {
		c.cache.Purge()
	}
}

func cachePrefix(token string) string {
	return token + "|"
}

// IsUnauthorized reports whether err came from a 401 response or from a
// call made without a token.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrNoToken)
}

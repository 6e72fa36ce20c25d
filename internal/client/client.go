package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fundops.org/internal/connection"
	"fundops.org/internal/oauth"
	"fundops.org/internal/obs"
)

const (
	defaultTimeout       = 30 * time.Second
	defaultRefreshBuffer = 2 * time.Minute
	defaultRefreshWait   = 2 * time.Second
	defaultLockTTL       = 30 * time.Second
)

var (
	// ErrNotConnected is returned by Init when the tenant has no usable
	// connection for the integration. A client never silently attempts
	// calls without valid credentials.
	ErrNotConnected = errors.New("client: integration is not connected")
)

// Result is the uniform outcome of every integration call. Expected failure
// modes (auth errors, HTTP errors, timeouts) come back as Success=false
// with a populated Error, never as Go errors or panics.
type Result struct {
	Success    bool            `json:"success"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
	StatusCode int             `json:"status_code,omitempty"`
	Headers    http.Header     `json:"-"`
}

// Options tunes a single request.
type Options struct {
	Headers map[string]string
	Query   url.Values
	Timeout time.Duration
	// SkipRefreshCheck bypasses the proactive expiry check. Used by calls
	// that must not recurse into a refresh (and by tests).
	SkipRefreshCheck bool
}

// Config assembles the collaborators and knobs for a base client.
type Config struct {
	TenantID       string
	Type           connection.Type
	Store          connection.Store
	OAuth          *oauth.Coordinator
	BaseURL        string
	DefaultHeaders map[string]string
	HTTPClient     *http.Client
	// RefreshBuffer is how close to expiry a token may get before the next
	// request refreshes it proactively instead of waiting for a 401.
	RefreshBuffer time.Duration
	// RefreshWait is the fixed pause before reloading tokens when another
	// caller holds the refresh lock.
	RefreshWait time.Duration
	LockTTL     time.Duration
}

// Client executes authenticated requests against one integration for one
// tenant. It is uninitialized until Init succeeds; requests from an
// uninitialized client fail structurally, not with a panic.
type Client struct {
	cfg   Config
	http  *http.Client
	conn  *connection.Connection
	ready bool
	now   func() time.Time
	sleep func(time.Duration)
}

// New builds a client; call Init before issuing requests.
func New(cfg Config) *Client {
	if cfg.RefreshBuffer <= 0 {
		cfg.RefreshBuffer = defaultRefreshBuffer
	}
	if cfg.RefreshWait <= 0 {
		cfg.RefreshWait = defaultRefreshWait
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		cfg:   cfg,
		http:  httpClient,
		now:   time.Now,
		sleep: time.Sleep,
	}
}

// TenantID returns the tenant this client acts for.
func (c *Client) TenantID() string { return c.cfg.TenantID }

// Type returns the integration this client targets.
func (c *Client) Type() connection.Type { return c.cfg.Type }

// Init loads the tenant's connection and fails fast unless it is connected
// with decryptable tokens.
func (c *Client) Init(ctx context.Context) error {
	conn, err := c.cfg.Store.GetConnection(ctx, c.cfg.TenantID, c.cfg.Type)
	if err != nil {
		if errors.Is(err, connection.ErrNotFound) {
			return ErrNotConnected
		}
		return err
	}
	if conn.Status != connection.StatusConnected || conn.Tokens == nil {
		return fmt.Errorf("%w: status is %s", ErrNotConnected, conn.Status)
	}
	c.conn = conn
	c.ready = true
	return nil
}

// Request executes one call against the integration API. See Result for the
// failure contract.
func (c *Client) Request(ctx context.Context, method, endpoint string, body any, opts *Options) Result {
	if !c.ready || c.conn == nil || c.conn.Tokens == nil {
		return Result{Error: "client not initialized: call Init before issuing requests"}
	}
	if opts == nil {
		opts = &Options{}
	}

	if !opts.SkipRefreshCheck && c.conn.Tokens.ExpiresWithin(c.cfg.RefreshBuffer, c.now()) {
		if err := c.refreshTokens(ctx); err != nil {
			return Result{Error: "token refresh failed: " + err.Error()}
		}
	}

	req, err := c.buildRequest(ctx, method, endpoint, body, opts)
	if err != nil {
		return Result{Error: err.Error()}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := c.http.Do(req.WithContext(reqCtx))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || reqCtx.Err() == context.DeadlineExceeded {
			return Result{Error: fmt.Sprintf("request timed out after %s", timeout)}
		}
		return Result{Error: "request failed: " + err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return Result{Error: "reading response failed: " + err.Error(), StatusCode: resp.StatusCode, Headers: resp.Header}
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		// Expired, not error: the next call should attempt reconnection or
		// refresh rather than treat this as a transient fault.
		detail := fmt.Sprintf("authentication rejected (%d): %s", resp.StatusCode, truncate(string(raw), 512))
		_ = c.cfg.Store.SetStatus(ctx, c.cfg.TenantID, c.cfg.Type, connection.StatusExpired, detail)
		return Result{Error: detail, StatusCode: resp.StatusCode, Headers: resp.Header}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{
			Error:      fmt.Sprintf("request failed with status %d: %s", resp.StatusCode, truncate(string(raw), 512)),
			StatusCode: resp.StatusCode,
			Headers:    resp.Header,
		}
	}
	if resp.StatusCode == http.StatusNoContent || len(raw) == 0 {
		return Result{Success: true, StatusCode: resp.StatusCode, Headers: resp.Header}
	}
	return Result{Success: true, Data: raw, StatusCode: resp.StatusCode, Headers: resp.Header}
}

// Get issues a GET request.
func (c *Client) Get(ctx context.Context, endpoint string, opts *Options) Result {
	return c.Request(ctx, http.MethodGet, endpoint, nil, opts)
}

// Post issues a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, endpoint string, body any, opts *Options) Result {
	return c.Request(ctx, http.MethodPost, endpoint, body, opts)
}

// Put issues a PUT request with a JSON body.
func (c *Client) Put(ctx context.Context, endpoint string, body any, opts *Options) Result {
	return c.Request(ctx, http.MethodPut, endpoint, body, opts)
}

// Patch issues a PATCH request with a JSON body.
func (c *Client) Patch(ctx context.Context, endpoint string, body any, opts *Options) Result {
	return c.Request(ctx, http.MethodPatch, endpoint, body, opts)
}

// Delete issues a DELETE request.
func (c *Client) Delete(ctx context.Context, endpoint string, opts *Options) Result {
	return c.Request(ctx, http.MethodDelete, endpoint, nil, opts)
}

// refreshTokens coordinates a token refresh through the store's lock. When
// the lock is contended it does not also refresh: it waits a short fixed
// interval and reloads whatever the concurrent holder persisted. Concurrent
// refreshes would race at the provider, which typically invalidates the
// prior refresh token on use.
func (c *Client) refreshTokens(ctx context.Context) error {
	tenant, typ := c.cfg.TenantID, c.cfg.Type

	acquired, err := c.cfg.Store.AcquireRefreshLock(ctx, tenant, typ, c.cfg.LockTTL)
	if err != nil {
		return err
	}
	if !acquired {
		obs.RecordTokenRefresh(string(typ), "contended")
		c.sleep(c.cfg.RefreshWait)
		conn, err := c.cfg.Store.GetConnection(ctx, tenant, typ)
		if err == nil && conn.Tokens != nil {
			c.conn = conn
		}
		return nil
	}
	defer func() { _ = c.cfg.Store.ReleaseRefreshLock(ctx, tenant, typ) }()

	tokens, err := c.cfg.OAuth.RefreshTokens(ctx, typ, c.conn.Tokens.RefreshToken)
	if err != nil {
		if errors.Is(err, oauth.ErrTokenRevoked) {
			_ = c.cfg.Store.SetStatus(ctx, tenant, typ, connection.StatusRevoked, err.Error())
			obs.RecordTokenRefresh(string(typ), "revoked")
		} else {
			_ = c.cfg.Store.SetStatus(ctx, tenant, typ, connection.StatusError, err.Error())
			obs.RecordTokenRefresh(string(typ), "error")
		}
		return err
	}
	if err := c.cfg.Store.UpdateTokens(ctx, tenant, typ, tokens); err != nil {
		return err
	}
	c.conn.Tokens = &tokens
	obs.RecordTokenRefresh(string(typ), "ok")
	return nil
}

func (c *Client) buildRequest(ctx context.Context, method, endpoint string, body any, opts *Options) (*http.Request, error) {
	target := c.cfg.BaseURL + "/" + strings.TrimPrefix(endpoint, "/")
	if len(opts.Query) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + opts.Query.Encode()
	}

	var reader io.Reader
	hasBody := body != nil && method != http.MethodGet
	if hasBody {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body failed: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}

	for k, v := range c.cfg.DefaultHeaders {
		req.Header.Set(k, v)
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Authorization", "Bearer "+c.conn.Tokens.AccessToken)
	if hasBody && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func readLimited(r io.Reader) []byte {
	b, _ := io.ReadAll(io.LimitReader(r, 8<<20))
	return b
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

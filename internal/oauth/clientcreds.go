package oauth

import (
	"context"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// TokenCache holds a client-credentials access token for integrations that
// authenticate as the platform rather than a tenant user (Tink). It is an
// explicit cache with an injected clock and explicit invalidation, owned by
// whoever constructs it rather than module-level state.
type TokenCache struct {
	cfg    clientcredentials.Config
	buffer time.Duration
	now    func() time.Time

	mu  sync.Mutex
	tok *oauth2.Token
}

// NewTokenCache wraps a client-credentials config. The buffer controls how
// long before hard expiry a cached token is considered stale.
func NewTokenCache(cfg clientcredentials.Config, buffer time.Duration) *TokenCache {
	if buffer <= 0 {
		buffer = time.Minute
	}
	return &TokenCache{cfg: cfg, buffer: buffer, now: time.Now}
}

// Token returns a cached access token, fetching a fresh one when the cache
// is empty or within the staleness buffer of expiry.
func (c *TokenCache) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tok != nil && c.tok.AccessToken != "" {
		if c.tok.Expiry.IsZero() || c.tok.Expiry.After(c.now().Add(c.buffer)) {
			return c.tok.AccessToken, nil
		}
	}

	tok, err := c.cfg.Token(ctx)
	if err != nil {
		return "", err
	}
	c.tok = tok
	return tok.AccessToken, nil
}

// Invalidate drops the cached token so the next call fetches a fresh one.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.tok = nil
	c.mu.Unlock()
}

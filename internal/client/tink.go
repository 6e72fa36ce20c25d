package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fundops.org/internal/connection"
	"fundops.org/internal/oauth"
)

const tinkBaseURL = "https://api.tink.com/api/v1"

func newTinkClient(deps Deps, tenantID string) *Client {
	return New(Config{
		TenantID:   tenantID,
		Type:       connection.TypeTink,
		Store:      deps.Store,
		OAuth:      deps.OAuth,
		BaseURL:    tinkBaseURL,
		HTTPClient: deps.HTTPClient,
	})
}

// Tink wraps the base client with account-aggregation calls made with the
// tenant's user-scoped tokens.
type Tink struct {
	*Client
}

func NewTink(deps Deps, tenantID string) *Tink {
	return &Tink{Client: newTinkClient(deps, tenantID)}
}

// Accounts lists the bank accounts visible through the tenant's connection.
func (t *Tink) Accounts(ctx context.Context) Result {
	return t.Get(ctx, "/accounts/list", nil)
}

// Transactions lists booked transactions for an account since the given date.
func (t *Tink) Transactions(ctx context.Context, accountID string, since time.Time) Result {
	q := url.Values{"accountIdIn": {accountID}}
	if !since.IsZero() {
		q.Set("bookedDateGte", since.Format("2006-01-02"))
	}
	return t.Get(ctx, "/transactions", &Options{Query: q})
}

// TinkPlatform performs the app-level calls that authenticate as the
// platform itself via client credentials, not as a tenant. Token handling
// goes through the shared TokenCache; a 401 invalidates the cache and
// retries once with a fresh token.
type TinkPlatform struct {
	cache   *oauth.TokenCache
	http    *http.Client
	baseURL string
}

func NewTinkPlatform(cache *oauth.TokenCache, httpClient *http.Client) *TinkPlatform {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &TinkPlatform{cache: cache, http: httpClient, baseURL: tinkBaseURL}
}

// CreateUser provisions a Tink user for a tenant ahead of the bank consent
// flow.
func (p *TinkPlatform) CreateUser(ctx context.Context, externalUserID, market, locale string) Result {
	body := url.Values{
		"external_user_id": {externalUserID},
		"market":           {market},
		"locale":           {locale},
	}
	return p.post(ctx, "/user/create", body)
}

// GrantAuthorization issues a delegated authorization code for the user,
// used to build the Tink Link URL the tenant completes consent in.
func (p *TinkPlatform) GrantAuthorization(ctx context.Context, externalUserID, scope string) Result {
	body := url.Values{
		"external_user_id": {externalUserID},
		"scope":            {scope},
	}
	return p.post(ctx, "/oauth/authorization-grant/delegate", body)
}

func (p *TinkPlatform) post(ctx context.Context, endpoint string, form url.Values) Result {
	res, retry := p.do(ctx, endpoint, form)
	if retry {
		p.cache.Invalidate()
		res, _ = p.do(ctx, endpoint, form)
	}
	return res
}

func (p *TinkPlatform) do(ctx context.Context, endpoint string, form url.Values) (Result, bool) {
	token, err := p.cache.Token(ctx)
	if err != nil {
		return Result{Error: "platform token fetch failed: " + err.Error()}, false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Result{Error: err.Error()}, false
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.http.Do(req)
	if err != nil {
		return Result{Error: "request failed: " + err.Error()}, false
	}
	defer resp.Body.Close()

	raw := readLimited(resp.Body)
	if resp.StatusCode == http.StatusUnauthorized {
		return Result{Error: "platform token rejected", StatusCode: resp.StatusCode}, true
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{
			Error:      fmt.Sprintf("request failed with status %d: %s", resp.StatusCode, truncate(string(raw), 512)),
			StatusCode: resp.StatusCode,
			Headers:    resp.Header,
		}, false
	}
	return Result{Success: true, Data: raw, StatusCode: resp.StatusCode, Headers: resp.Header}, false
}

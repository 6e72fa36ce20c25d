package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"fundops.org/internal/connection"
	"fundops.org/internal/oauth"
)

type fixture struct {
	store    *connection.InMemory
	coord    *oauth.Coordinator
	api      *httptest.Server
	tokenSrv *httptest.Server

	refreshHits atomic.Int64
	lastAuth    atomic.Value // string
}

// newFixture stands up a fake provider token endpoint and a fake integration
// API that records the bearer token of the last call.
func newFixture(t *testing.T, apiHandler http.HandlerFunc) *fixture {
	t.Helper()
	f := &fixture{}

	f.tokenSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.refreshHits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-fresh",
			"refresh_token": "rt-fresh",
			"expires_in":    3600,
		})
	}))
	t.Cleanup(f.tokenSrv.Close)

	if apiHandler == nil {
		apiHandler = func(w http.ResponseWriter, r *http.Request) {
			f.lastAuth.Store(r.Header.Get("Authorization"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"ok":true}`))
		}
	}
	f.api = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.lastAuth.Store(r.Header.Get("Authorization"))
		apiHandler(w, r)
	}))
	t.Cleanup(f.api.Close)

	cipher, err := connection.NewCipher("test-secret-for-client-package")
	if err != nil {
		t.Fatal(err)
	}
	f.store = connection.NewInMemory(cipher)
	f.coord = oauth.NewCoordinator([]oauth.Provider{{
		Type:         connection.TypeFortnox,
		ClientID:     "client-1",
		ClientSecret: "secret-1",
		AuthURL:      "https://provider.example/oauth/authorize",
		TokenURL:     f.tokenSrv.URL,
		RedirectURL:  "https://app.example/callback",
	}})
	return f
}

func (f *fixture) seed(t *testing.T, tenant string, expiresAt time.Time) {
	t.Helper()
	err := f.store.SaveConnection(context.Background(), &connection.Connection{
		TenantID: tenant,
		Type:     connection.TypeFortnox,
		Status:   connection.StatusConnected,
		Tokens: &connection.Tokens{
			AccessToken:  "at-seed",
			RefreshToken: "rt-seed",
			ExpiresAt:    expiresAt,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) client(t *testing.T, tenant string) *Client {
	t.Helper()
	c := New(Config{
		TenantID:    tenant,
		Type:        connection.TypeFortnox,
		Store:       f.store,
		OAuth:       f.coord,
		BaseURL:     f.api.URL,
		RefreshWait: time.Millisecond,
	})
	c.sleep = func(time.Duration) {}
	if err := c.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	return c
}

func TestInitRequiresConnectedState(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	c := New(Config{TenantID: "t1", Type: connection.TypeFortnox, Store: f.store, OAuth: f.coord})
	if err := c.Init(ctx); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("missing connection: expected ErrNotConnected, got %v", err)
	}

	f.seed(t, "t1", time.Now().Add(time.Hour))
	if err := f.store.SetStatus(ctx, "t1", connection.TypeFortnox, connection.StatusExpired, "401"); err != nil {
		t.Fatal(err)
	}
	if err := c.Init(ctx); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expired connection: expected ErrNotConnected, got %v", err)
	}
}

func TestRequestBeforeInitFailsStructurally(t *testing.T) {
	f := newFixture(t, nil)
	c := New(Config{TenantID: "t1", Type: connection.TypeFortnox, Store: f.store, OAuth: f.coord})

	res := c.Get(context.Background(), "/companyinformation", nil)
	if res.Success || !strings.Contains(res.Error, "not initialized") {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestRequestWithFreshTokensSkipsRefresh(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "t1", time.Now().Add(time.Hour))
	c := f.client(t, "t1")

	res := c.Get(context.Background(), "/companyinformation", nil)
	if !res.Success || res.StatusCode != http.StatusOK {
		t.Fatalf("unexpected result: %+v", res)
	}
	if f.refreshHits.Load() != 0 {
		t.Fatalf("fresh tokens must not trigger a refresh, got %d", f.refreshHits.Load())
	}
	if got := f.lastAuth.Load(); got != "Bearer at-seed" {
		t.Fatalf("unexpected auth header %v", got)
	}
}

func TestProactiveRefreshHappensOnce(t *testing.T) {
	f := newFixture(t, nil)
	// Expires inside the default two-minute buffer.
	f.seed(t, "t1", time.Now().Add(30*time.Second))
	c := f.client(t, "t1")
	ctx := context.Background()

	res := c.Get(ctx, "/companyinformation", nil)
	if !res.Success {
		t.Fatalf("unexpected result: %+v", res)
	}
	if f.refreshHits.Load() != 1 {
		t.Fatalf("expected exactly one refresh, got %d", f.refreshHits.Load())
	}
	if got := f.lastAuth.Load(); got != "Bearer at-fresh" {
		t.Fatalf("call must carry refreshed token, got %v", got)
	}

	// Second call sees the refreshed expiry and does not refresh again.
	if res := c.Get(ctx, "/companyinformation", nil); !res.Success {
		t.Fatalf("unexpected result: %+v", res)
	}
	if f.refreshHits.Load() != 1 {
		t.Fatalf("refreshed tokens must be reused, got %d refreshes", f.refreshHits.Load())
	}

	// The lock must be released so future refreshes can proceed.
	acquired, err := f.store.AcquireRefreshLock(ctx, "t1", connection.TypeFortnox, time.Minute)
	if err != nil || !acquired {
		t.Fatalf("lock not released after refresh: acquired=%v err=%v", acquired, err)
	}
}

func TestContendedRefreshReloadsInsteadOfRefreshing(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "t1", time.Now().Add(30*time.Second))
	c := f.client(t, "t1")
	ctx := context.Background()

	// Another worker holds the lock and has already persisted new tokens.
	if acquired, err := f.store.AcquireRefreshLock(ctx, "t1", connection.TypeFortnox, time.Minute); err != nil || !acquired {
		t.Fatalf("setup: acquired=%v err=%v", acquired, err)
	}
	err := f.store.UpdateTokens(ctx, "t1", connection.TypeFortnox, connection.Tokens{
		AccessToken:  "at-other-worker",
		RefreshToken: "rt-other-worker",
		ExpiresAt:    time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}

	res := c.Get(ctx, "/companyinformation", nil)
	if !res.Success {
		t.Fatalf("unexpected result: %+v", res)
	}
	if f.refreshHits.Load() != 0 {
		t.Fatalf("contended path must not hit the provider, got %d", f.refreshHits.Load())
	}
	if got := f.lastAuth.Load(); got != "Bearer at-other-worker" {
		t.Fatalf("expected reloaded token, got %v", got)
	}
}

func TestRefreshRevocationMarksConnectionRevoked(t *testing.T) {
	f := newFixture(t, nil)
	f.tokenSrv.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.refreshHits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
	})

	f.seed(t, "t1", time.Now().Add(30*time.Second))
	c := f.client(t, "t1")
	ctx := context.Background()

	res := c.Get(ctx, "/companyinformation", nil)
	if res.Success || !strings.Contains(res.Error, "token refresh failed") {
		t.Fatalf("unexpected result: %+v", res)
	}

	conn, err := f.store.GetConnection(ctx, "t1", connection.TypeFortnox)
	if err != nil {
		t.Fatal(err)
	}
	if conn.Status != connection.StatusRevoked {
		t.Fatalf("expected revoked, got %s", conn.Status)
	}
}

func TestUnauthorizedResponseMarksConnectionExpired(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "token invalid", http.StatusUnauthorized)
	})
	f.seed(t, "t1", time.Now().Add(time.Hour))
	c := f.client(t, "t1")
	ctx := context.Background()

	res := c.Get(ctx, "/companyinformation", nil)
	if res.Success || res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unexpected result: %+v", res)
	}

	conn, err := f.store.GetConnection(ctx, "t1", connection.TypeFortnox)
	if err != nil {
		t.Fatal(err)
	}
	if conn.Status != connection.StatusExpired {
		t.Fatalf("expected expired, got %s", conn.Status)
	}
}

func TestHTTPErrorDoesNotTouchConnection(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such voucher", http.StatusNotFound)
	})
	f.seed(t, "t1", time.Now().Add(time.Hour))
	c := f.client(t, "t1")
	ctx := context.Background()

	res := c.Get(ctx, "/vouchers/999", nil)
	if res.Success || res.StatusCode != http.StatusNotFound {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !strings.Contains(res.Error, "404") {
		t.Fatalf("error should carry the status: %q", res.Error)
	}

	conn, _ := f.store.GetConnection(ctx, "t1", connection.TypeFortnox)
	if conn.Status != connection.StatusConnected {
		t.Fatalf("plain HTTP errors must not change the connection, got %s", conn.Status)
	}
}

func TestNoContentIsSuccessWithoutData(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	f.seed(t, "t1", time.Now().Add(time.Hour))
	c := f.client(t, "t1")

	res := c.Delete(context.Background(), "/vouchers/1", nil)
	if !res.Success || res.Data != nil || res.StatusCode != http.StatusNoContent {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestRequestTimeoutIsDistinctFailure(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})
	f.seed(t, "t1", time.Now().Add(time.Hour))
	c := f.client(t, "t1")

	res := c.Get(context.Background(), "/slow", &Options{Timeout: 20 * time.Millisecond})
	if res.Success || !strings.Contains(res.Error, "timed out") {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestRequestMergesHeadersAndQuery(t *testing.T) {
	var gotAccept, gotQuery string
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		gotAccept = r.Header.Get("Accept")
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{}`))
	})
	f.seed(t, "t1", time.Now().Add(time.Hour))
	c := f.client(t, "t1")

	res := c.Request(context.Background(), http.MethodGet, "/vouchers", nil, &Options{
		Headers: map[string]string{"Accept": "application/json"},
		Query:   map[string][]string{"financialyear": {"2026"}},
	})
	if !res.Success {
		t.Fatalf("unexpected result: %+v", res)
	}
	if gotAccept != "application/json" || gotQuery != "financialyear=2026" {
		t.Fatalf("got accept=%q query=%q", gotAccept, gotQuery)
	}
}

func TestRegistryValidateAndCreate(t *testing.T) {
	f := newFixture(t, nil)
	deps := Deps{Store: f.store, OAuth: f.coord}
	ctx := context.Background()

	r := NewRegistry(deps)
	if err := r.Validate(); err == nil {
		t.Fatal("empty registry must fail validation")
	}

	r = NewDefaultRegistry(deps)
	if err := r.Validate(); err != nil {
		t.Fatal(err)
	}

	if r.CanCreate(ctx, connection.TypeFortnox, "t1") {
		t.Fatal("no connection yet, CanCreate must be false")
	}
	if _, err := r.Create(ctx, connection.TypeFortnox, "t1"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}

	f.seed(t, "t1", time.Now().Add(time.Hour))
	if !r.CanCreate(ctx, connection.TypeFortnox, "t1") {
		t.Fatal("connected tenant, CanCreate must be true")
	}
	c, err := r.Create(ctx, connection.TypeFortnox, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if c.Type() != connection.TypeFortnox || c.TenantID() != "t1" {
		t.Fatalf("unexpected client identity: %s/%s", c.Type(), c.TenantID())
	}
}

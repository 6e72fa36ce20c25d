package oauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"fundops.org/internal/connection"
)

var (
	// ErrTokenRevoked signals that the provider rejected the grant itself
	// (invalid_grant). Callers must set the connection status to revoked and
	// prompt the user to reconnect, instead of treating it as retryable.
	ErrTokenRevoked = errors.New("oauth: token revoked by provider")

	ErrUnknownProvider = errors.New("oauth: no provider configured for integration type")
	ErrStateMismatch   = errors.New("oauth: callback state does not match")
	ErrStateExpired    = errors.New("oauth: authorization state expired")
)

// AuthStyle selects how client credentials reach the token endpoint.
type AuthStyle int

const (
	// AuthStyleBody sends client_id/client_secret as form fields.
	AuthStyleBody AuthStyle = iota
	// AuthStyleBasic sends them as an HTTP basic authorization header.
	AuthStyleBasic
)

// Provider is the resolved OAuth configuration for one integration type.
type Provider struct {
	Type         connection.Type
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	// RevokeURL is empty when the provider has no revocation endpoint.
	RevokeURL   string
	RedirectURL string
	Scopes      []string
	AuthStyle   AuthStyle
	UsePKCE     bool
}

// State is the CSRF guard for an authorization round trip. The caller
// persists it between AuthorizationURL and HandleCallback.
type State struct {
	Nonce        string          `json:"nonce"`
	TenantID     string          `json:"tenant_id"`
	Type         connection.Type `json:"type"`
	ReturnTo     string          `json:"return_to,omitempty"`
	CodeVerifier string          `json:"code_verifier,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

const stateTTL = 10 * time.Minute

// Coordinator drives authorization-code and refresh-token exchanges against
// each integration's OAuth endpoints and returns normalized token records.
type Coordinator struct {
	providers map[connection.Type]Provider
	client    *http.Client
	now       func() time.Time
}

// NewCoordinator builds a coordinator over the given provider configs.
func NewCoordinator(providers []Provider) *Coordinator {
	m := make(map[connection.Type]Provider, len(providers))
	for _, p := range providers {
		m[p.Type] = p
	}
	return &Coordinator{
		providers: m,
		client:    &http.Client{Timeout: 30 * time.Second},
		now:       time.Now,
	}
}

// Provider returns the resolved config for one integration type.
func (c *Coordinator) Provider(typ connection.Type) (Provider, bool) {
	p, ok := c.providers[typ]
	return p, ok
}

// AuthorizationURL builds the provider authorize URL and the state object the
// caller must persist until the callback returns.
func (c *Coordinator) AuthorizationURL(typ connection.Type, tenantID, returnTo string) (string, State, error) {
	p, ok := c.providers[typ]
	if !ok {
		return "", State{}, ErrUnknownProvider
	}

	st := State{
		Nonce:     uuid.NewString(),
		TenantID:  tenantID,
		Type:      typ,
		ReturnTo:  returnTo,
		CreatedAt: c.now().UTC(),
	}

	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", p.ClientID)
	q.Set("redirect_uri", p.RedirectURL)
	q.Set("state", st.Nonce)
	if len(p.Scopes) > 0 {
		q.Set("scope", strings.Join(p.Scopes, " "))
	}
	if p.UsePKCE {
		verifier, challenge, err := newPKCEPair()
		if err != nil {
			return "", State{}, err
		}
		st.CodeVerifier = verifier
		q.Set("code_challenge", challenge)
		q.Set("code_challenge_method", "S256")
	}

	sep := "?"
	if strings.Contains(p.AuthURL, "?") {
		sep = "&"
	}
	return p.AuthURL + sep + q.Encode(), st, nil
}

// HandleCallback validates the callback against the stored state and
// exchanges the authorization code for tokens.
func (c *Coordinator) HandleCallback(ctx context.Context, typ connection.Type, params url.Values, st State) (connection.Tokens, error) {
	p, ok := c.providers[typ]
	if !ok {
		return connection.Tokens{}, ErrUnknownProvider
	}
	if st.Type != typ || params.Get("state") == "" || params.Get("state") != st.Nonce {
		return connection.Tokens{}, ErrStateMismatch
	}
	if c.now().UTC().Sub(st.CreatedAt) > stateTTL {
		return connection.Tokens{}, ErrStateExpired
	}
	if errCode := params.Get("error"); errCode != "" {
		return connection.Tokens{}, fmt.Errorf("oauth: provider denied authorization: %s", errCode)
	}
	code := params.Get("code")
	if code == "" {
		return connection.Tokens{}, errors.New("oauth: callback is missing authorization code")
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", p.RedirectURL)
	if st.CodeVerifier != "" {
		form.Set("code_verifier", st.CodeVerifier)
	}
	return c.exchange(ctx, p, form)
}

// RefreshTokens performs the refresh-grant exchange. Revocation surfaces as
// ErrTokenRevoked; any other failure is a generic error.
func (c *Coordinator) RefreshTokens(ctx context.Context, typ connection.Type, refreshToken string) (connection.Tokens, error) {
	p, ok := c.providers[typ]
	if !ok {
		return connection.Tokens{}, ErrUnknownProvider
	}
	if refreshToken == "" {
		return connection.Tokens{}, errors.New("oauth: no refresh token available")
	}
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	tokens, err := c.exchange(ctx, p, form)
	if err != nil {
		return connection.Tokens{}, err
	}
	// Some providers omit the refresh token on rotation; keep the old one.
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = refreshToken
	}
	return tokens, nil
}

// RevokeTokens calls the provider's revocation endpoint when it has one.
func (c *Coordinator) RevokeTokens(ctx context.Context, typ connection.Type, tokens connection.Tokens) error {
	p, ok := c.providers[typ]
	if !ok {
		return ErrUnknownProvider
	}
	if p.RevokeURL == "" {
		return nil
	}

	target := tokens.RefreshToken
	if target == "" {
		target = tokens.AccessToken
	}
	form := url.Values{}
	form.Set("token", target)

	req, err := c.newFormRequest(ctx, p, p.RevokeURL, form)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("oauth: revocation failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	TokenType    string `json:"token_type"`
	IDToken      string `json:"id_token"`
}

type tokenError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

func (c *Coordinator) exchange(ctx context.Context, p Provider, form url.Values) (connection.Tokens, error) {
	req, err := c.newFormRequest(ctx, p, p.TokenURL, form)
	if err != nil {
		return connection.Tokens{}, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return connection.Tokens{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return connection.Tokens{}, err
	}

	if resp.StatusCode >= 300 {
		var te tokenError
		_ = json.Unmarshal(body, &te)
		if te.Code == "invalid_grant" {
			return connection.Tokens{}, fmt.Errorf("%w: %s", ErrTokenRevoked, te.Description)
		}
		return connection.Tokens{}, fmt.Errorf("oauth: token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return connection.Tokens{}, fmt.Errorf("oauth: malformed token response: %w", err)
	}
	if tr.AccessToken == "" {
		return connection.Tokens{}, errors.New("oauth: token response carries no access token")
	}

	tokens := connection.Tokens{
		AccessToken:   tr.AccessToken,
		RefreshToken:  tr.RefreshToken,
		Scope:         tr.Scope,
		TokenType:     tr.TokenType,
		IdentityToken: tr.IDToken,
	}
	if tr.ExpiresIn > 0 {
		tokens.ExpiresAt = c.now().UTC().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return tokens, nil
}

// newFormRequest builds a form-encoded POST carrying client credentials the
// way the provider expects: basic auth for Fortnox-style endpoints, form
// fields otherwise.
func (c *Coordinator) newFormRequest(ctx context.Context, p Provider, endpoint string, form url.Values) (*http.Request, error) {
	if p.AuthStyle != AuthStyleBasic {
		form.Set("client_id", p.ClientID)
		if p.ClientSecret != "" {
			form.Set("client_secret", p.ClientSecret)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	if p.AuthStyle == AuthStyleBasic {
		req.SetBasicAuth(p.ClientID, p.ClientSecret)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func newPKCEPair() (verifier, challenge string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	verifier = base64.RawURLEncoding.EncodeToString(raw)
	sum := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(sum[:])
	return verifier, challenge, nil
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/oauth2/clientcredentials"

	"fundops.org/internal/connection"
	"fundops.org/internal/oauth"
)

// Config carries everything the binaries need from the environment. All keys
// use the FUNDOPS_ prefix; a .env file is honoured for local development.
type Config struct {
	Addr        string
	PGDSN       string
	TokenSecret string
	BaseURL     string

	WorkerPoll  time.Duration
	WorkerLease time.Duration

	Providers []oauth.Provider
	Tink      clientcredentials.Config
}

// Load reads the environment (and .env when present).
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		Addr:        getenv("FUNDOPS_ADDR", ":8080"),
		PGDSN:       os.Getenv("FUNDOPS_PG_DSN"),
		TokenSecret: os.Getenv("FUNDOPS_TOKEN_SECRET"),
		BaseURL:     getenv("FUNDOPS_BASE_URL", "http://localhost:8080"),
		WorkerPoll:  getenvDuration("FUNDOPS_WORKER_POLL", 2*time.Second),
		WorkerLease: getenvDuration("FUNDOPS_WORKER_LEASE", 2*time.Minute),
	}
	cfg.Providers = loadProviders(cfg.BaseURL)
	cfg.Tink = clientcredentials.Config{
		ClientID:     os.Getenv("FUNDOPS_TINK_CLIENT_ID"),
		ClientSecret: os.Getenv("FUNDOPS_TINK_CLIENT_SECRET"),
		TokenURL:     getenv("FUNDOPS_TINK_TOKEN_URL", "https://api.tink.com/api/v1/oauth/token"),
		Scopes:       []string{"authorization:grant", "user:create"},
	}
	return cfg
}

// loadProviders builds OAuth provider configs from the environment. An
// integration without a client id simply stays unconfigured; connect
// attempts for it return 501.
func loadProviders(baseURL string) []oauth.Provider {
	var out []oauth.Provider

	if id := os.Getenv("FUNDOPS_FORTNOX_CLIENT_ID"); id != "" {
		out = append(out, oauth.Provider{
			Type:         connection.TypeFortnox,
			ClientID:     id,
			ClientSecret: os.Getenv("FUNDOPS_FORTNOX_CLIENT_SECRET"),
			AuthURL:      getenv("FUNDOPS_FORTNOX_AUTH_URL", "https://apps.fortnox.se/oauth-v1/auth"),
			TokenURL:     getenv("FUNDOPS_FORTNOX_TOKEN_URL", "https://apps.fortnox.se/oauth-v1/token"),
			RedirectURL:  callbackURL(baseURL, connection.TypeFortnox),
			Scopes:       splitScopes(getenv("FUNDOPS_FORTNOX_SCOPES", "bookkeeping companyinformation")),
			AuthStyle:    oauth.AuthStyleBasic,
		})
	}

	if id := os.Getenv("FUNDOPS_MICROSOFT_CLIENT_ID"); id != "" {
		tenant := getenv("FUNDOPS_MICROSOFT_TENANT", "common")
		out = append(out, oauth.Provider{
			Type:         connection.TypeMicrosoft,
			ClientID:     id,
			ClientSecret: os.Getenv("FUNDOPS_MICROSOFT_CLIENT_SECRET"),
			AuthURL:      fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/authorize", tenant),
			TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", tenant),
			RedirectURL:  callbackURL(baseURL, connection.TypeMicrosoft),
			Scopes:       splitScopes(getenv("FUNDOPS_MICROSOFT_SCOPES", "openid profile email offline_access Mail.Send Files.ReadWrite")),
			UsePKCE:      true,
		})
	}

	if id := os.Getenv("FUNDOPS_SCRIVE_CLIENT_ID"); id != "" {
		out = append(out, oauth.Provider{
			Type:         connection.TypeScrive,
			ClientID:     id,
			ClientSecret: os.Getenv("FUNDOPS_SCRIVE_CLIENT_SECRET"),
			AuthURL:      getenv("FUNDOPS_SCRIVE_AUTH_URL", "https://scrive.com/oauth/authorize"),
			TokenURL:     getenv("FUNDOPS_SCRIVE_TOKEN_URL", "https://scrive.com/oauth/token"),
			RedirectURL:  callbackURL(baseURL, connection.TypeScrive),
		})
	}

	if id := os.Getenv("FUNDOPS_TINK_CLIENT_ID"); id != "" {
		out = append(out, oauth.Provider{
			Type:         connection.TypeTink,
			ClientID:     id,
			ClientSecret: os.Getenv("FUNDOPS_TINK_CLIENT_SECRET"),
			AuthURL:      getenv("FUNDOPS_TINK_AUTH_URL", "https://link.tink.com/1.0/authorize"),
			TokenURL:     getenv("FUNDOPS_TINK_TOKEN_URL", "https://api.tink.com/api/v1/oauth/token"),
			RedirectURL:  callbackURL(baseURL, connection.TypeTink),
			Scopes:       splitScopes(getenv("FUNDOPS_TINK_SCOPES", "accounts:read transactions:read")),
		})
	}

	return out
}

func callbackURL(baseURL string, typ connection.Type) string {
	return strings.TrimSuffix(baseURL, "/") + "/v1/integrations/" + string(typ) + "/callback"
}

func splitScopes(raw string) []string {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return def
}

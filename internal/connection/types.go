package connection

import (
	"errors"
	"time"
)

// Type identifies which third-party system a connection targets.
type Type string

const (
	TypeFortnox   Type = "fortnox"
	TypeMicrosoft Type = "microsoft"
	TypeScrive    Type = "scrive"
	TypeTink      Type = "tink"
)

// AllTypes lists every supported integration type.
func AllTypes() []Type {
	return []Type{TypeFortnox, TypeMicrosoft, TypeScrive, TypeTink}
}

// Valid reports whether t is a known integration type.
func (t Type) Valid() bool {
	switch t {
	case TypeFortnox, TypeMicrosoft, TypeScrive, TypeTink:
		return true
	}
	return false
}

// Status is the lifecycle state of an integration connection.
type Status string

const (
	StatusNotConnected Status = "not_connected"
	StatusConnected    Status = "connected"
	StatusExpired      Status = "expired"
	StatusRevoked      Status = "revoked"
	StatusError        Status = "error"
)

// RevokedRetention is how long a revoked connection is kept before reclamation.
const RevokedRetention = 30 * 24 * time.Hour

// Tokens is the OAuth credential set stored encrypted inside a connection.
type Tokens struct {
	AccessToken   string    `json:"access_token"`
	RefreshToken  string    `json:"refresh_token,omitempty"`
	ExpiresAt     time.Time `json:"expires_at"`
	Scope         string    `json:"scope,omitempty"`
	TokenType     string    `json:"token_type,omitempty"`
	IdentityToken string    `json:"identity_token,omitempty"`
}

// ExpiresWithin reports whether the access token expires before now+buffer.
func (t Tokens) ExpiresWithin(buffer time.Duration, now time.Time) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return !t.ExpiresAt.After(now.Add(buffer))
}

// Connection is one tenant's link to one integration. Tokens is nil unless
// the caller went through GetConnection, which decrypts transparently.
type Connection struct {
	TenantID    string            `json:"tenant_id"`
	Type        Type              `json:"type"`
	Status      Status            `json:"status"`
	Tokens      *Tokens           `json:"-"`
	AccountName string            `json:"account_name,omitempty"`
	AccountID   string            `json:"account_id,omitempty"`
	LastSyncAt  *time.Time        `json:"last_sync_at,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
	ConnectedBy string            `json:"connected_by,omitempty"`
	ConnectedAt time.Time         `json:"connected_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

var (
	ErrNotFound    = errors.New("connection: not found")
	ErrInvalidType = errors.New("connection: invalid integration type")
)

package connection

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists integration connections and their encrypted credentials,
// and provides the refresh lock used to serialise token refreshes.
type Store interface {
	// GetConnection returns the connection with tokens decrypted. A blob that
	// cannot be decrypted yields a synthetic connection with StatusError and
	// a descriptive LastError instead of an error return.
	GetConnection(ctx context.Context, tenantID string, typ Type) (*Connection, error)
	// SaveConnection encrypts tokens (when present) and fully overwrites the
	// record. A retention deadline is set only when status is revoked.
	SaveConnection(ctx context.Context, conn *Connection) error
	// UpdateTokens re-encrypts the token set, forces status to connected and
	// clears any stored error.
	UpdateTokens(ctx context.Context, tenantID string, typ Type, tokens Tokens) error
	// SetStatus performs a status-only transition; an empty errMsg clears any
	// previously stored error.
	SetStatus(ctx context.Context, tenantID string, typ Type, status Status, errMsg string) error
	DeleteConnection(ctx context.Context, tenantID string, typ Type) error
	ListConnections(ctx context.Context, tenantID string) ([]Connection, error)
	// ListAllByType returns every tenant's connection for one integration.
	// Tokens are never decrypted here; the result is safe for admin views.
	ListAllByType(ctx context.Context, typ Type) ([]Connection, error)
	// AcquireRefreshLock succeeds only when no live lock exists for the key.
	// It is a single atomic conditional write, never check-then-write.
	AcquireRefreshLock(ctx context.Context, tenantID string, typ Type, ttl time.Duration) (bool, error)
	// ReleaseRefreshLock deletes the lock; releasing an absent lock is a no-op.
	ReleaseRefreshLock(ctx context.Context, tenantID string, typ Type) error
}

type connKey struct {
	tenant string
	typ    Type
}

type storedConn struct {
	conn Connection // Tokens always nil here
	blob string
}

// InMemory implements Store with in-process concurrency safety. It backs
// tests and local development; production uses the Postgres store.
type InMemory struct {
	mu     sync.Mutex
	cipher *Cipher
	conns  map[connKey]*storedConn
	locks  map[connKey]time.Time
	now    func() time.Time
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty store using the given cipher.
func NewInMemory(cipher *Cipher) *InMemory {
	return &InMemory{
		cipher: cipher,
		conns:  make(map[connKey]*storedConn),
		locks:  make(map[connKey]time.Time),
		now:    time.Now,
	}
}

func (s *InMemory) GetConnection(ctx context.Context, tenantID string, typ Type) (*Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.conns[connKey{tenantID, typ}]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneConnection(rec.conn)
	if rec.blob != "" {
		tokens, err := s.cipher.DecryptTokens(rec.blob)
		if err != nil {
			out.Status = StatusError
			out.LastError = "token decryption failed: stored credentials are unreadable"
			out.Tokens = nil
			return &out, nil
		}
		out.Tokens = &tokens
	}
	return &out, nil
}

func (s *InMemory) SaveConnection(ctx context.Context, conn *Connection) error {
	if !conn.Type.Valid() {
		return ErrInvalidType
	}
	var blob string
	if conn.Tokens != nil {
		var err error
		blob, err = s.cipher.EncryptTokens(*conn.Tokens)
		if err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	rec := cloneConnection(*conn)
	rec.Tokens = nil
	rec.UpdatedAt = now
	applyRetention(&rec, now)
	s.conns[connKey{conn.TenantID, conn.Type}] = &storedConn{conn: rec, blob: blob}
	return nil
}

func (s *InMemory) UpdateTokens(ctx context.Context, tenantID string, typ Type, tokens Tokens) error {
	blob, err := s.cipher.EncryptTokens(tokens)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.conns[connKey{tenantID, typ}]
	if !ok {
		return ErrNotFound
	}
	rec.blob = blob
	rec.conn.Status = StatusConnected
	rec.conn.LastError = ""
	rec.conn.ExpiresAt = nil
	rec.conn.UpdatedAt = s.now().UTC()
	return nil
}

func (s *InMemory) SetStatus(ctx context.Context, tenantID string, typ Type, status Status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.conns[connKey{tenantID, typ}]
	if !ok {
		return ErrNotFound
	}
	now := s.now().UTC()
	rec.conn.Status = status
	rec.conn.LastError = errMsg
	rec.conn.UpdatedAt = now
	applyRetention(&rec.conn, now)
	return nil
}

func (s *InMemory) DeleteConnection(ctx context.Context, tenantID string, typ Type) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, connKey{tenantID, typ})
	return nil
}

func (s *InMemory) ListConnections(ctx context.Context, tenantID string) ([]Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Connection
	for key, rec := range s.conns {
		if key.tenant != tenantID {
			continue
		}
		out = append(out, cloneConnection(rec.conn))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out, nil
}

func (s *InMemory) ListAllByType(ctx context.Context, typ Type) ([]Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Connection
	for key, rec := range s.conns {
		if key.typ != typ {
			continue
		}
		out = append(out, cloneConnection(rec.conn))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}

func (s *InMemory) AcquireRefreshLock(ctx context.Context, tenantID string, typ Type, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := connKey{tenantID, typ}
	now := s.now()
	if expiry, ok := s.locks[key]; ok && expiry.After(now) {
		return false, nil
	}
	s.locks[key] = now.Add(ttl)
	return true, nil
}

func (s *InMemory) ReleaseRefreshLock(ctx context.Context, tenantID string, typ Type) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, connKey{tenantID, typ})
	return nil
}

// applyRetention sets the reclamation deadline for revoked connections and
// clears it otherwise.
func applyRetention(c *Connection, now time.Time) {
	if c.Status == StatusRevoked {
		deadline := now.Add(RevokedRetention)
		c.ExpiresAt = &deadline
		return
	}
	c.ExpiresAt = nil
}

func cloneConnection(c Connection) Connection {
	out := c
	if c.Metadata != nil {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	if c.LastSyncAt != nil {
		ts := *c.LastSyncAt
		out.LastSyncAt = &ts
	}
	if c.ExpiresAt != nil {
		ts := *c.ExpiresAt
		out.ExpiresAt = &ts
	}
	if c.Tokens != nil {
		tokens := *c.Tokens
		out.Tokens = &tokens
	}
	return out
}

package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"fundops.org/internal/connection"
)

var _ connection.Store = (*Store)(nil)

const connectionColumns = `tenant_id, integration_type, status, token_blob, account_name, account_id,
	last_sync_at, last_error, connected_by, connected_at, updated_at, expires_at, metadata`

func (s *Store) GetConnection(ctx context.Context, tenantID string, typ connection.Type) (*connection.Connection, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+connectionColumns+`
		from integration_connections
		where tenant_id=$1 and integration_type=$2
	`, tenantID, typ)

	conn, blob, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, connection.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if blob != "" {
		tokens, err := s.cipher.DecryptTokens(blob)
		if err != nil {
			// Unreadable credentials degrade the connection rather than the call.
			conn.Status = connection.StatusError
			conn.LastError = "token decryption failed: stored credentials are unreadable"
			conn.Tokens = nil
			return conn, nil
		}
		conn.Tokens = &tokens
	}
	return conn, nil
}

func (s *Store) SaveConnection(ctx context.Context, conn *connection.Connection) error {
	if !conn.Type.Valid() {
		return connection.ErrInvalidType
	}
	var blob string
	if conn.Tokens != nil {
		var err error
		blob, err = s.cipher.EncryptTokens(*conn.Tokens)
		if err != nil {
			return err
		}
	}
	meta, err := marshalMetadata(conn.Metadata)
	if err != nil {
		return err
	}
	connectedAt := conn.ConnectedAt
	if connectedAt.IsZero() {
		connectedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		insert into integration_connections
			(tenant_id, integration_type, status, token_blob, account_name, account_id,
			 last_sync_at, last_error, connected_by, connected_at, updated_at, expires_at, metadata)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,now(),
			case when $3 = 'revoked' then now() + make_interval(secs => $11) else null end, $12)
		on conflict (tenant_id, integration_type) do update set
			status       = excluded.status,
			token_blob   = excluded.token_blob,
			account_name = excluded.account_name,
			account_id   = excluded.account_id,
			last_sync_at = excluded.last_sync_at,
			last_error   = excluded.last_error,
			connected_by = excluded.connected_by,
			updated_at   = now(),
			expires_at   = excluded.expires_at,
			metadata     = excluded.metadata
	`, conn.TenantID, conn.Type, conn.Status, blob, conn.AccountName, conn.AccountID,
		conn.LastSyncAt, conn.LastError, conn.ConnectedBy, connectedAt,
		connection.RevokedRetention.Seconds(), meta)
	return err
}

func (s *Store) UpdateTokens(ctx context.Context, tenantID string, typ connection.Type, tokens connection.Tokens) error {
	blob, err := s.cipher.EncryptTokens(tokens)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		update integration_connections
		set token_blob=$3, status='connected', last_error='', expires_at=null, updated_at=now()
		where tenant_id=$1 and integration_type=$2
	`, tenantID, typ, blob)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func (s *Store) SetStatus(ctx context.Context, tenantID string, typ connection.Type, status connection.Status, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		update integration_connections
		set status=$3, last_error=$4, updated_at=now(),
			expires_at = case when $3 = 'revoked' then now() + make_interval(secs => $5) else null end
		where tenant_id=$1 and integration_type=$2
	`, tenantID, typ, status, errMsg, connection.RevokedRetention.Seconds())
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func (s *Store) DeleteConnection(ctx context.Context, tenantID string, typ connection.Type) error {
	_, err := s.db.ExecContext(ctx, `
		delete from integration_connections where tenant_id=$1 and integration_type=$2
	`, tenantID, typ)
	return err
}

func (s *Store) ListConnections(ctx context.Context, tenantID string) ([]connection.Connection, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+connectionColumns+`
		from integration_connections
		where tenant_id=$1
		order by integration_type
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectConnections(rows)
}

func (s *Store) ListAllByType(ctx context.Context, typ connection.Type) ([]connection.Connection, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+connectionColumns+`
		from integration_connections
		where integration_type=$1
		order by tenant_id
	`, typ)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectConnections(rows)
}

// AcquireRefreshLock is a single conditional upsert: the insert wins when no
// row exists, the update wins only when the existing lock has expired.
// RowsAffected discriminates winner from loser.
func (s *Store) AcquireRefreshLock(ctx context.Context, tenantID string, typ connection.Type, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		insert into integration_refresh_locks (tenant_id, integration_type, expires_at)
		values ($1, $2, now() + make_interval(secs => $3))
		on conflict (tenant_id, integration_type) do update
		set expires_at = excluded.expires_at
		where integration_refresh_locks.expires_at <= now()
	`, tenantID, typ, ttl.Seconds())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) ReleaseRefreshLock(ctx context.Context, tenantID string, typ connection.Type) error {
	_, err := s.db.ExecContext(ctx, `
		delete from integration_refresh_locks where tenant_id=$1 and integration_type=$2
	`, tenantID, typ)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner) (*connection.Connection, string, error) {
	var (
		conn      connection.Connection
		blob      sql.NullString
		account   sql.NullString
		accountID sql.NullString
		lastSync  sql.NullTime
		lastErr   sql.NullString
		connBy    sql.NullString
		expires   sql.NullTime
		meta      []byte
	)
	err := row.Scan(&conn.TenantID, &conn.Type, &conn.Status, &blob, &account, &accountID,
		&lastSync, &lastErr, &connBy, &conn.ConnectedAt, &conn.UpdatedAt, &expires, &meta)
	if err != nil {
		return nil, "", err
	}
	conn.AccountName = account.String
	conn.AccountID = accountID.String
	conn.LastError = lastErr.String
	conn.ConnectedBy = connBy.String
	if lastSync.Valid {
		ts := lastSync.Time
		conn.LastSyncAt = &ts
	}
	if expires.Valid {
		ts := expires.Time
		conn.ExpiresAt = &ts
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &conn.Metadata); err != nil {
			return nil, "", err
		}
	}
	return &conn, blob.String, nil
}

func collectConnections(rows *sql.Rows) ([]connection.Connection, error) {
	var out []connection.Connection
	for rows.Next() {
		conn, _, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *conn)
	}
	return out, rows.Err()
}

func marshalMetadata(m map[string]string) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

func mustAffect(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return connection.ErrNotFound
	}
	return nil
}

package pg

import (
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"fundops.org/internal/connection"
)

// Store implements the connection and job persistence contracts over
// Postgres. All multi-writer coordination happens through conditional SQL
// writes; there is no in-process locking to lean on across replicas.
type Store struct {
	db     *sql.DB
	cipher *connection.Cipher
}

func Open(dsn string, cipher *connection.Cipher) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db, cipher: cipher}, nil
}

// NewWithDB wraps an existing handle; used by tests with sqlmock.
func NewWithDB(db *sql.DB, cipher *connection.Cipher) *Store {
	return &Store{db: db, cipher: cipher}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Package store persists the engine's data model: accounts, GitHub tokens,
// projects, issues, agent runs, worktrees, run logs, workflow state mirrors,
// and prompt versions. It is backed by SQLite via database/sql.
//
// Counter mutations (token usage, project totals) and shared-record updates
// (worktree reclaim, run status transitions) run inside immediate
// transactions so concurrent activity workers serialize on the row.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the SQLite database.
type Store struct {
	db      *sql.DB
	nowFunc func() time.Time
	key     *[32]byte // token encryption key; nil disables token value access
}

// Option configures a Store.
type Option func(*Store)

// WithNowFunc sets a custom time function for testing.
func WithNowFunc(fn func() time.Time) Option {
	return func(s *Store) {
		s.nowFunc = fn
	}
}

// WithEncryptionKey sets the 32-byte key used to encrypt GitHub token
// values at rest.
func WithEncryptionKey(key [32]byte) Option {
	return func(s *Store) {
		k := key
		s.key = &k
	}
}

// Open opens (and migrates) the store at the given path. Use ":memory:"
// for tests.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer; keeping a single connection avoids
	// SQLITE_BUSY churn between the activity workers of one process.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:      db,
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) now() time.Time {
	return s.nowFunc().UTC()
}

// inTx runs fn inside an immediate transaction, committing on nil error.
func (s *Store) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// NotFoundError reports a missing record.
type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Key)
}

// ConflictError reports a uniqueness or ownership conflict, e.g. a worktree
// branch already active for another run.
type ConflictError struct {
	Kind   string
	Detail string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s conflict: %s", e.Kind, e.Detail)
}

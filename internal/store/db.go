package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mailchat/mailchat/internal/bus"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store wraps the SQLite connection holding chats, messages, memberships and
// jobs for one account. A single coarse mutex serializes every store
// operation; multi-statement mutations additionally run inside an explicit
// transaction via WithTx so partial writes are never observed. Network
// operations must never be performed while the section is held.
type Store struct {
	db  *sql.DB
	bus *bus.Bus
	mu  sync.Mutex
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
// The event bus is injected so several independent stores can coexist with
// distinct sinks.
func Open(path string, b *bus.Bus) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &Store{db: db, bus: b}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Bus returns the event sink this store publishes to.
func (s *Store) Bus() *bus.Bus {
	return s.bus
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// WithTx runs f inside the store's write section and an explicit transaction.
// The transaction is rolled back if f returns an error. f must not call the
// store's locking methods; use the *Tx variants instead.
func (s *Store) WithTx(f func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := f(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

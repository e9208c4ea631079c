package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/keelworks/keel/pkg/config"
	"github.com/keelworks/keel/pkg/logging"
)

// Store is the durable sqlite-backed task store. Callers never touch it
// directly: the queue leases Handles from the resource pool, each wrapping
// a dedicated connection.
type Store struct {
	db     *sqlx.DB
	logger *logging.Logger
}

// Open opens (creating if necessary) the durable store and runs pending
// schema migrations.
func Open(cfg *config.StoreConfig) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_foreign_keys=on",
		cfg.Path, cfg.BusyTimeout.Milliseconds())

	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping store: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logging.GetLogger(),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// NewHandle opens a dedicated connection for exclusive use by one caller.
func (s *Store) NewHandle(ctx context.Context) (*Handle, error) {
	conn, err := s.db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open store handle: %w", err)
	}

	now := time.Now()
	return &Handle{
		conn:      conn,
		createdAt: now,
		lastUsed:  now,
	}, nil
}

// DB exposes the raw database, for health checks only.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Close closes the store
func (s *Store) Close() error {
	return s.db.Close()
}

// Handle is a pooled store connection. The pool owns it; at most one caller
// holds a lease at a time, so its bookkeeping fields need no lock.
type Handle struct {
	conn      *sqlx.Conn
	createdAt time.Time
	lastUsed  time.Time
	useCount  int64
}

// Conn returns the underlying connection
func (h *Handle) Conn() *sqlx.Conn {
	return h.conn
}

// Healthy pings the connection
func (h *Handle) Healthy(ctx context.Context) bool {
	return h.conn.PingContext(ctx) == nil
}

// Touch records a lease
func (h *Handle) Touch() {
	h.lastUsed = time.Now()
	h.useCount++
}

// IdleSince returns the time of the last lease
func (h *Handle) IdleSince() time.Time {
	return h.lastUsed
}

// UseCount returns the number of leases served
func (h *Handle) UseCount() int64 {
	return h.useCount
}

// CreatedAt returns the handle creation time
func (h *Handle) CreatedAt() time.Time {
	return h.createdAt
}

// Close closes the underlying connection
func (h *Handle) Close() error {
	return h.conn.Close()
}

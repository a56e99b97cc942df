// Package memory is Kiki's durable "brain": remembered facts, the
// conversation log, tool error records, known users and capability gaps,
// all kept in one SQLite database.
//
// Malformed input is coerced rather than rejected. Failures of the
// storage engine itself are wrapped in [ErrStorage]; callers treat those
// as fatal.
package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SchemaVersion is the brain schema version written to the metadata table.
const SchemaVersion = 1

// timeLayout is fixed width so lexical order in SQL equals time order.
const timeLayout = "2006-01-02T15:04:05.000000Z"

var (
	// ErrStorage wraps every failure reported by the storage engine.
	ErrStorage = errors.New("memory storage failure")

	// ErrNotFound is returned by id-based operations when no row matches.
	ErrNotFound = errors.New("not found")
)

// Store is the SQLite-backed memory store. It is safe for concurrent use;
// access is serialized over a single connection.
type Store struct {
	db     *sql.DB
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for created/updated stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the store's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Open opens (creating if needed) the database file at path and returns a
// migrated Store that owns the connection.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s, err := NewStore(db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an already opened database and applies the schema.
func NewStore(db *sql.DB, opts ...Option) (*Store, error) {
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate memory store: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS memories (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			content TEXT NOT NULL,
			tags TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			importance INTEGER NOT NULL DEFAULT 5,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			archived INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_memories_type ON memories(type);
		CREATE INDEX IF NOT EXISTS idx_memories_user ON memories(user_id);
		CREATE INDEX IF NOT EXISTS idx_memories_archived ON memories(archived, importance, updated_at);

		CREATE TABLE IF NOT EXISTS conversations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			platform TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(platform, user_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_conversations_created ON conversations(created_at);

		CREATE TABLE IF NOT EXISTS errors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tool TEXT NOT NULL DEFAULT '',
			input TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL,
			resolution TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_errors_tool ON errors(tool);

		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			platform TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT 'user',
			created_at TEXT NOT NULL,
			last_seen TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS capability_gaps (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			request TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'open',
			resolution TEXT NOT NULL DEFAULT '',
			priority TEXT NOT NULL DEFAULT 'medium',
			user_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			resolved_at TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_gaps_status ON capability_gaps(status);
	`)
	if err != nil {
		return storageErr("create schema", err)
	}

	version, err := s.BrainVersion(context.Background())
	if err != nil {
		return err
	}
	if version < SchemaVersion {
		s.logger.Info("migrating brain", "from", version, "to", SchemaVersion)
		if err := s.setMeta(context.Background(), "brain_version", fmt.Sprint(SchemaVersion)); err != nil {
			return err
		}
	}
	return nil
}

// BrainVersion returns the schema version recorded in the database, or 0
// for a database that predates versioning.
func (s *Store) BrainVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT CAST(value AS INTEGER) FROM metadata WHERE key = 'brain_version'`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, storageErr("read brain version", err)
	}
	return v, nil
}

func (s *Store) setMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return storageErr("write metadata", err)
	}
	return nil
}

func (s *Store) stamp() string {
	return formatTime(s.now())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		// Rows written by other tools may use SQLite's datetime() format.
		t, _ = time.Parse(time.DateTime, v)
	}
	return t
}

// storageErr wraps an engine failure in ErrStorage. A cancelled or
// expired context is the caller giving up, not the engine failing, so it
// is returned without the sentinel.
func storageErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

// IsStorageError reports whether err came from the storage engine.
func IsStorageError(err error) bool {
	return errors.Is(err, ErrStorage)
}

func affected(res sql.Result, op string) (int, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr(op, err)
	}
	return int(n), nil
}

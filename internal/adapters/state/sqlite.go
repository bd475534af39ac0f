package state

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prefbridge/prefbridge/internal/core"
	_ "modernc.org/sqlite"
)

//go:embed migrations/001_initial_schema.sql
var migrationV1 string

// SQLiteBackend stores preferences in a SQLite database, one row per key.
type SQLiteBackend struct {
	dbPath       string
	db           *sql.DB
	pollInterval time.Duration
	mu           sync.Mutex
}

// SQLiteBackendOption configures the backend.
type SQLiteBackendOption func(*SQLiteBackend)

// WithPollInterval sets how often Watch checks for commits by other connections.
func WithPollInterval(d time.Duration) SQLiteBackendOption {
	return func(b *SQLiteBackend) {
		if d > 0 {
			b.pollInterval = d
		}
	}
}

// NewSQLiteBackend opens (creating if needed) the database at dbPath.
func NewSQLiteBackend(dbPath string, opts ...SQLiteBackendOption) (*SQLiteBackend, error) {
	b := &SQLiteBackend{
		dbPath:       dbPath,
		pollInterval: time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("creating preferences directory: %w", err)
	}

	// WAL lets the watcher connection read while another connection commits.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	b.db = db

	if err := b.migrate(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("running migrations: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return b, nil
}

func (b *SQLiteBackend) migrate() error {
	var version int
	err := b.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		// Table doesn't exist yet.
		version = 0
	}
	if version < 1 {
		if _, err := b.db.Exec(migrationV1); err != nil {
			return fmt.Errorf("applying migration v1: %w", err)
		}
	}
	return nil
}

// Path returns the database path.
func (b *SQLiteBackend) Path() string {
	return b.dbPath
}

// Load reads every stored key. Rows that cannot be decoded are skipped.
func (b *SQLiteBackend) Load(ctx context.Context) (core.Snapshot, error) {
	return b.load(ctx, b.db)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (b *SQLiteBackend) load(ctx context.Context, q queryer) (core.Snapshot, error) {
	rows, err := q.QueryContext(ctx, "SELECT key, kind, value FROM preferences")
	if err != nil {
		return core.EmptySnapshot(), fmt.Errorf("querying preferences: %w", err)
	}
	defer rows.Close()

	values := make(map[string]core.Value)
	for rows.Next() {
		var key, kind, raw string
		if err := rows.Scan(&key, &kind, &raw); err != nil {
			return core.EmptySnapshot(), fmt.Errorf("scanning preference: %w", err)
		}
		var decoded any
		if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
			continue
		}
		v, err := core.Encoded{Type: kind, Value: decoded}.Decode()
		if err != nil {
			continue
		}
		values[key] = v
	}
	if err := rows.Err(); err != nil {
		return core.EmptySnapshot(), fmt.Errorf("iterating preferences: %w", err)
	}
	return core.NewSnapshot(values), nil
}

// Persist upserts the keys of diff in one transaction. Durable commits also
// checkpoint the WAL into the main database file.
func (b *SQLiteBackend) Persist(ctx context.Context, diff core.Diff, durable bool) (core.Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Snapshot{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	for _, key := range diff.Keys() {
		v, _ := diff.Get(key)
		enc := v.Encode()
		raw, err := json.Marshal(enc.Value)
		if err != nil {
			return core.Snapshot{}, fmt.Errorf("marshaling %s: %w", key, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO preferences (key, kind, value, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				kind = excluded.kind,
				value = excluded.value,
				updated_at = excluded.updated_at
		`, key, enc.Type, string(raw), now)
		if err != nil {
			return core.Snapshot{}, fmt.Errorf("upserting %s: %w", key, err)
		}
	}

	next, err := b.load(ctx, tx)
	if err != nil {
		return core.Snapshot{}, err
	}
	if err := tx.Commit(); err != nil {
		return core.Snapshot{}, fmt.Errorf("committing preferences: %w", err)
	}

	if durable {
		if _, err := b.db.ExecContext(ctx, "PRAGMA wal_checkpoint(FULL)"); err != nil {
			return next, fmt.Errorf("checkpointing: %w", err)
		}
	}
	return next, nil
}

// Watch polls PRAGMA data_version on a dedicated connection. The value
// changes whenever another connection, in this or any other process, commits.
func (b *SQLiteBackend) Watch(ctx context.Context, notify func()) error {
	conn, err := b.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("opening watch connection: %w", err)
	}
	defer conn.Close()

	var last int64
	if err := conn.QueryRowContext(ctx, "PRAGMA data_version").Scan(&last); err != nil {
		return fmt.Errorf("reading data_version: %w", err)
	}

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			var current int64
			if err := conn.QueryRowContext(ctx, "PRAGMA data_version").Scan(&current); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("reading data_version: %w", err)
			}
			if current != last {
				last = current
				notify()
			}
		}
	}
}

// Close closes the database connection.
func (b *SQLiteBackend) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/VerteraIO/agentplane/internal/controlplane/scheduler"
)

// Dialect selects placeholder syntax and the database/sql driver name.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

const currentRow = "current"

// SQLStore keeps a single snapshot row in the engine_snapshots table.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore wraps an open database. Call Migrate before first use.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// Open connects to dsn with the driver matching dialect and runs migrations.
func Open(ctx context.Context, dialect Dialect, dsn string) (*SQLStore, error) {
	switch dialect {
	case DialectPostgres, DialectSQLite:
	default:
		return nil, fmt.Errorf("unsupported store dialect %q", dialect)
	}
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// every sqlite connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}
	s := NewSQLStore(db, dialect)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) Migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS engine_snapshots (
		id TEXT PRIMARY KEY,
		version INTEGER NOT NULL,
		taken_at TEXT NOT NULL,
		body TEXT NOT NULL
	);`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate snapshot table: %w", err)
	}
	return nil
}

func (s *SQLStore) Save(ctx context.Context, snap scheduler.Snapshot) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	query := s.rebind(`
		INSERT INTO engine_snapshots (id, version, taken_at, body)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			version = EXCLUDED.version,
			taken_at = EXCLUDED.taken_at,
			body = EXCLUDED.body
	`)
	_, err = s.db.ExecContext(ctx, query, currentRow, snap.Version, snap.TakenAt.UTC().Format(time.RFC3339Nano), string(body))
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func (s *SQLStore) Load(ctx context.Context) (scheduler.Snapshot, error) {
	var body string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT body FROM engine_snapshots WHERE id = ?`), currentRow).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return scheduler.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return scheduler.Snapshot{}, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return decode([]byte(body))
}

func (s *SQLStore) Close() error { return s.db.Close() }

// rebind rewrites ? placeholders as $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

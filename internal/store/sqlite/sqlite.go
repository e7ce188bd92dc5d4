package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/vovakirdan/shardproxy/internal/store"
)

// Schema creates the tables used by the store.
const Schema = `
CREATE TABLE IF NOT EXISTS shard_sessions (
	shard_id   INTEGER PRIMARY KEY,
	session_id TEXT NOT NULL DEFAULT '',
	sequence   INTEGER NOT NULL DEFAULT 0,
	resume_url TEXT NOT NULL DEFAULT '',
	ready      BLOB,
	cache      BLOB,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// SQLiteStore implements store.ShardStore for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ store.ShardStore = (*SQLiteStore)(nil)

// New opens the database at dbPath and applies the schema.
// An empty path opens a private in-memory database.
func New(dbPath string) (*SQLiteStore, error) {
	return NewWithSetup(dbPath, func(db *sql.DB) error {
		if _, err := db.Exec(Schema); err != nil {
			return err
		}
		return migrate(db)
	})
}

// migrate adds columns missing from databases created by older versions.
func migrate(db *sql.DB) error {
	rows, err := db.Query(`SELECT name FROM pragma_table_info('shard_sessions')`)
	if err != nil {
		return fmt.Errorf("inspect schema: %w", err)
	}
	defer rows.Close()

	columns := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("inspect schema: %w", err)
		}
		columns[name] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("inspect schema: %w", err)
	}
	rows.Close()

	if !columns["cache"] {
		if _, err := db.Exec(`ALTER TABLE shard_sessions ADD COLUMN cache BLOB`); err != nil {
			return fmt.Errorf("add cache column: %w", err)
		}
	}
	return nil
}

// NewWithSetup opens the database and runs setup instead of the default schema.
func NewWithSetup(dbPath string, setup func(*sql.DB) error) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = ":memory:"
	}
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection; :memory: needs it to keep one database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if setup != nil {
		if err := setup(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// LoadShardState returns the saved state of a shard.
func (s *SQLiteStore) LoadShardState(ctx context.Context, shardID int) (*store.ShardState, error) {
	query := `
		SELECT shard_id, session_id, sequence, resume_url, ready, cache, updated_at
		FROM shard_sessions
		WHERE shard_id = ?
	`
	st, err := scanState(s.db.QueryRowContext(ctx, query, shardID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("select shard state: %w", err)
	}
	return st, nil
}

// SaveShardState upserts the state of a shard.
func (s *SQLiteStore) SaveShardState(ctx context.Context, state *store.ShardState) error {
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO shard_sessions (shard_id, session_id, sequence, resume_url, ready, cache, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(shard_id) DO UPDATE SET
			session_id = excluded.session_id,
			sequence   = excluded.sequence,
			resume_url = excluded.resume_url,
			ready      = excluded.ready,
			cache      = excluded.cache,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		state.ShardID, state.SessionID, state.Sequence, state.ResumeURL, []byte(state.Ready), []byte(state.Cache), state.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert shard state: %w", err)
	}
	return nil
}

// ListShardStates returns all saved states.
func (s *SQLiteStore) ListShardStates(ctx context.Context) ([]*store.ShardState, error) {
	query := `
		SELECT shard_id, session_id, sequence, resume_url, ready, cache, updated_at
		FROM shard_sessions
		ORDER BY shard_id
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("select shard states: %w", err)
	}
	defer rows.Close()

	var states []*store.ShardState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan shard state: %w", err)
		}
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate shard states: %w", err)
	}
	return states, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanState(row scanner) (*store.ShardState, error) {
	var (
		st           store.ShardState
		ready, cache []byte
	)
	if err := row.Scan(&st.ShardID, &st.SessionID, &st.Sequence, &st.ResumeURL, &ready, &cache, &st.UpdatedAt); err != nil {
		return nil, err
	}
	if len(ready) > 0 {
		st.Ready = ready
	}
	if len(cache) > 0 {
		st.Cache = cache
	}
	return &st, nil
}

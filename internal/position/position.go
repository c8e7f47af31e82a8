// Package position implements the Position Store (spec §4.3): a
// single row per source recording the last-committed position, so a
// supervisor restart resumes each source from where it left off.
// Grounded on internal/migrationstore/store.go's pgxpool-backed CRUD
// shape (same connection pooling, same fmt.Errorf wrapping, same
// RowsAffected() existence checks), repurposed from a migrations table
// to the cdc_position(source_name, position_bytes, updated_at) layout.
package position

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the capability every connector's position durability needs.
type Store interface {
	// Load returns the last-committed position for source, and whether
	// one was found at all.
	Load(ctx context.Context, source string) ([]byte, bool, error)
	// Commit durably records position as the latest for source. It
	// returns only once the write is flushed. Callers must never call
	// Commit with a position older than the last committed one; a
	// PostgresStore guards against this with a no-op on stale writes,
	// but the guard is a backstop, not a substitute for caller
	// discipline.
	Commit(ctx context.Context, source string, position []byte) error
}

// PostgresStore is a Store backed by a dedicated table in a Postgres
// database, adapted from the teacher's migration-state table pattern.
type PostgresStore struct {
	pool      *pgxpool.Pool
	tableName string
}

// NewPostgresStore returns a PostgresStore using the table name
// "cdc_position" under the default search_path.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, tableName: "cdc_position"}
}

// EnsureSchema creates the cdc_position table if it does not already
// exist. Callers invoke this once during supervisor startup.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	sql := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		source_name text PRIMARY KEY,
		position_bytes bytea NOT NULL,
		updated_at timestamptz NOT NULL DEFAULT now()
	)`, s.tableName)
	if _, err := s.pool.Exec(ctx, sql); err != nil {
		return fmt.Errorf("ensure cdc_position schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, source string) ([]byte, bool, error) {
	sql := fmt.Sprintf(`SELECT position_bytes FROM %s WHERE source_name = $1`, s.tableName)
	row := s.pool.QueryRow(ctx, sql, source)
	var pos []byte
	if err := row.Scan(&pos); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("load position for source %q: %w", source, err)
	}
	return pos, true, nil
}

func (s *PostgresStore) Commit(ctx context.Context, source string, pos []byte) error {
	sql := fmt.Sprintf(`INSERT INTO %s (source_name, position_bytes, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (source_name) DO UPDATE SET
			position_bytes = EXCLUDED.position_bytes,
			updated_at = EXCLUDED.updated_at
		WHERE %s.position_bytes <= EXCLUDED.position_bytes`,
		s.tableName, s.tableName)
	tag, err := s.pool.Exec(ctx, sql, source, pos, time.Now())
	if err != nil {
		return fmt.Errorf("commit position for source %q: %w", source, err)
	}
	_ = tag.RowsAffected() // a 0-row update means the guard rejected a stale write; not an error.
	return nil
}

// NoopStore is a Store for connectors relying solely on a server-side
// cursor (e.g. a WalConnector's replication slot already persists
// position server-side), matching spec §4.3's "not all connectors
// require C3 externally."
type NoopStore struct{}

func (NoopStore) Load(ctx context.Context, source string) ([]byte, bool, error) {
	return nil, false, nil
}

func (NoopStore) Commit(ctx context.Context, source string, position []byte) error {
	return nil
}

// Package deadletter implements the durable per-pipeline dead-letter
// queue the Retry Controller escalates to once a change exceeds its
// retry budget (spec §4.6/§6). Grounded on
// internal/migrationstore/store.go's Postgres CRUD shape (same
// connection pooling, same scan-row helper pattern), laid out per the
// spec's entry shape: fingerprint, serialized change, last error kind,
// last error detail, attempts, first/last seen.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jfoltran/cdcfabric/internal/cdcerr"
	"github.com/jfoltran/cdcfabric/internal/model"
)

// Entry is one dead-lettered change.
type Entry struct {
	Pipeline        string
	Fingerprint     []byte
	ChangeJSON      []byte
	LastErrorKind   cdcerr.Kind
	LastErrorDetail string
	Attempts        int
	FirstSeen       time.Time
	LastSeen        time.Time
}

// serializableChange is the JSON-friendly projection of a model.Change
// stored alongside its fingerprint; the dead-letter queue never needs
// to reconstruct a live *model.Change, only to show an operator what
// was rejected and why.
type serializableChange struct {
	Database string         `json:"database"`
	Schema   string         `json:"schema"`
	Table    string         `json:"table"`
	Op       string         `json:"op"`
	Before   map[string]any `json:"before,omitempty"`
	After    map[string]any `json:"after,omitempty"`
	TxnID    string         `json:"txn_id,omitempty"`
}

func toSerializable(c *model.Change) serializableChange {
	s := serializableChange{
		Database: c.Database(),
		Schema:   c.Schema(),
		Table:    c.Table(),
		Op:       c.Op().String(),
		TxnID:    c.TxnID(),
	}
	if t := c.Before(); t != nil {
		s.Before = tupleToMap(t)
	}
	if t := c.After(); t != nil {
		s.After = tupleToMap(t)
	}
	return s
}

func tupleToMap(t *model.Tuple) map[string]any {
	m := make(map[string]any, len(t.Fields))
	for _, f := range t.Fields {
		m[f.Name] = f.Value
	}
	return m
}

// Queue is the capability the router/retry controller needs to
// dead-letter a change.
type Queue interface {
	Enqueue(ctx context.Context, pipeline string, c *model.Change, errKind cdcerr.Kind, errDetail string, attempts int) error
	List(ctx context.Context, pipeline string, limit int) ([]Entry, error)
}

// MemoryQueue is an in-memory Queue for sinks/tests that don't need a
// durable DLQ.
type MemoryQueue struct {
	mu      sync.Mutex
	entries map[string][]Entry // pipeline -> entries, newest last
}

// NewMemoryQueue returns an empty MemoryQueue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{entries: make(map[string][]Entry)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, pipeline string, c *model.Change, errKind cdcerr.Kind, errDetail string, attempts int) error {
	payload, err := json.Marshal(toSerializable(c))
	if err != nil {
		return fmt.Errorf("marshal dead-lettered change: %w", err)
	}
	now := time.Now()
	entry := Entry{
		Pipeline:        pipeline,
		Fingerprint:     model.Fingerprint(c),
		ChangeJSON:      payload,
		LastErrorKind:   errKind,
		LastErrorDetail: errDetail,
		Attempts:        attempts,
		FirstSeen:       now,
		LastSeen:        now,
	}
	q.mu.Lock()
	q.entries[pipeline] = append(q.entries[pipeline], entry)
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) List(ctx context.Context, pipeline string, limit int) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	all := q.entries[pipeline]
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	out := make([]Entry, limit)
	copy(out, all[len(all)-limit:])
	return out, nil
}

// PostgresQueue is a durable Queue backed by a dedicated table,
// adapted from the teacher's migration-store CRUD pattern.
type PostgresQueue struct {
	pool      *pgxpool.Pool
	tableName string
}

// NewPostgresQueue returns a PostgresQueue using the table name
// "cdc_dead_letter".
func NewPostgresQueue(pool *pgxpool.Pool) *PostgresQueue {
	return &PostgresQueue{pool: pool, tableName: "cdc_dead_letter"}
}

// EnsureSchema creates the cdc_dead_letter table if it does not
// already exist.
func (q *PostgresQueue) EnsureSchema(ctx context.Context) error {
	sql := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id bigserial PRIMARY KEY,
		pipeline_name text NOT NULL,
		fingerprint bytea NOT NULL,
		change_json jsonb NOT NULL,
		last_error_kind text NOT NULL,
		last_error_detail text NOT NULL,
		attempts int NOT NULL,
		first_seen timestamptz NOT NULL,
		last_seen timestamptz NOT NULL
	)`, q.tableName)
	if _, err := q.pool.Exec(ctx, sql); err != nil {
		return fmt.Errorf("ensure %s schema: %w", q.tableName, err)
	}
	return nil
}

func (q *PostgresQueue) Enqueue(ctx context.Context, pipeline string, c *model.Change, errKind cdcerr.Kind, errDetail string, attempts int) error {
	payload, err := json.Marshal(toSerializable(c))
	if err != nil {
		return fmt.Errorf("marshal dead-lettered change: %w", err)
	}
	now := time.Now()
	sql := fmt.Sprintf(`INSERT INTO %s
		(pipeline_name, fingerprint, change_json, last_error_kind, last_error_detail, attempts, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`, q.tableName)
	if _, err := q.pool.Exec(ctx, sql, pipeline, model.Fingerprint(c), payload, errKind.String(), errDetail, attempts, now); err != nil {
		return fmt.Errorf("enqueue dead letter for pipeline %q: %w", pipeline, err)
	}
	return nil
}

func (q *PostgresQueue) List(ctx context.Context, pipeline string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	sql := fmt.Sprintf(`SELECT fingerprint, change_json, last_error_kind, last_error_detail, attempts, first_seen, last_seen
		FROM %s WHERE pipeline_name = $1 ORDER BY last_seen DESC LIMIT $2`, q.tableName)
	rows, err := q.pool.Query(ctx, sql, pipeline, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters for pipeline %q: %w", pipeline, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var kind string
		e.Pipeline = pipeline
		if err := rows.Scan(&e.Fingerprint, &e.ChangeJSON, &kind, &e.LastErrorDetail, &e.Attempts, &e.FirstSeen, &e.LastSeen); err != nil {
			return nil, fmt.Errorf("scan dead letter row: %w", err)
		}
		e.LastErrorKind = parseKind(kind)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters for pipeline %q: %w", pipeline, err)
	}
	return out, nil
}

func parseKind(s string) cdcerr.Kind {
	kinds := []cdcerr.Kind{
		cdcerr.KindUnknown, cdcerr.KindInvalidChange, cdcerr.KindConnectFailed,
		cdcerr.KindTransient, cdcerr.KindConflict, cdcerr.KindSchemaMismatch,
		cdcerr.KindPositionLost, cdcerr.KindFatal,
	}
	for _, k := range kinds {
		if k.String() == s {
			return k
		}
	}
	return cdcerr.KindUnknown
}

// Package sink defines the shared Writer contract every sink variant
// (relational, document) implements (spec §4.5).
package sink

import (
	"context"

	"github.com/jfoltran/cdcfabric/internal/model"
)

// WriteIntent tells a sink how aggressively to apply a change. The
// retry controller escalates a retried attempt from Direct to Upsert
// so a redelivered change is safe to apply twice.
type WriteIntent int

const (
	// WriteDirect applies the change's natural op (INSERT for Insert,
	// UPDATE for Update, DELETE for Delete) without conflict handling.
	WriteDirect WriteIntent = iota
	// WriteUpsert applies Insert/Update as an upsert keyed by
	// model.KeyOf, used on every retried attempt.
	WriteUpsert
)

// Writer is the capability every sink variant implements.
type Writer interface {
	// Name returns the configured name of this sink.
	Name() string

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Health() Health

	// Apply writes a single change with the given intent.
	Apply(ctx context.Context, c *model.Change, intent WriteIntent) error

	// ApplyBatch writes multiple changes as one unit, all sharing the
	// same intent and table. Callers only batch changes for which this
	// is already true (see internal/router).
	ApplyBatch(ctx context.Context, changes []*model.Change, intent WriteIntent) error

	// Delete removes the row/document identified by key from table
	// directly, without a full Change envelope. This is the escape
	// hatch spec §4.5 reserves for sources that cannot supply a Delete
	// envelope; it is not used on the main change-application path.
	Delete(ctx context.Context, table model.Ident, key []model.Field) error
}

// State is a sink's connectivity state.
type State int

const (
	StateDisconnected State = iota
	StateConnected
)

// Health is a point-in-time snapshot of a sink's condition.
type Health struct {
	State     State
	LastError error
}

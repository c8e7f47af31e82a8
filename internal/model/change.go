// Package model defines the canonical change record (spec §3/§4.1): the
// single normalized envelope every source connector produces and every
// sink consumes. It is grounded on the teacher's tagged-message shape in
// internal/migration/stream/message.go (a Kind-tagged struct per WAL
// message), collapsed into one struct since the spec names exactly one
// change envelope rather than a union of WAL protocol messages.
package model

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"time"

	"github.com/jfoltran/cdcfabric/internal/cdcerr"
)

// Op is the DML operation a Change represents.
type Op int

const (
	OpUnknown Op = iota
	OpInsert
	OpUpdate
	OpDelete
	OpTruncate
)

// String returns a human-readable name for an Op, in the teacher's
// ChangeOp.String() style.
func (o Op) String() string {
	switch o {
	case OpInsert:
		return "INSERT"
	case OpUpdate:
		return "UPDATE"
	case OpDelete:
		return "DELETE"
	case OpTruncate:
		return "TRUNCATE"
	default:
		return "UNKNOWN"
	}
}

// Position is an opaque, per-source, totally-ordered cursor. Only the
// producing source connector knows how to compare two Positions; the
// core treats it as an uninterpreted byte string.
type Position []byte

// String renders the position for logging. Source connectors that want a
// friendlier representation (an LSN, an offset) format their own Position
// before logging it; this is just a safe fallback.
func (p Position) String() string {
	return fmt.Sprintf("%x", []byte(p))
}

// Field is one column/property of a row, kept in an ordered slice (not a
// map) so that fingerprinting and generated SQL have a stable order, the
// same discipline the teacher's stream.TupleData/Column keep.
type Field struct {
	Name  string
	Value any
}

// Tuple is an ordered set of Fields, the before- or after-image of a row.
type Tuple struct {
	Fields []Field
}

// Get returns the value of the named field and whether it was present.
func (t *Tuple) Get(name string) (any, bool) {
	if t == nil {
		return nil, false
	}
	for _, f := range t.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Ident identifies the database object a Change applies to.
type Ident struct {
	Database string
	Schema   string
	Table    string
}

// Change is the canonical, immutable-after-creation change envelope
// (spec §3). Construct one with New, which enforces the §3 invariants;
// never build a Change by struct literal outside this package's tests.
type Change struct {
	op         Op
	ident      Ident
	before     *Tuple
	after      *Tuple
	commitTime time.Time
	txnID      string
	position   Position
	sourceMeta map[string]any
	headers    map[string]any
}

func (c *Change) Op() Op                     { return c.op }
func (c *Change) Ident() Ident                { return c.ident }
func (c *Change) Database() string            { return c.ident.Database }
func (c *Change) Schema() string              { return c.ident.Schema }
func (c *Change) Table() string               { return c.ident.Table }
func (c *Change) Before() *Tuple              { return c.before }
func (c *Change) After() *Tuple               { return c.after }
func (c *Change) CommitTime() time.Time       { return c.commitTime }
func (c *Change) TxnID() string               { return c.txnID }
func (c *Change) Position() Position          { return c.position }
func (c *Change) SourceMeta() map[string]any  { return c.sourceMeta }
func (c *Change) Headers() map[string]any     { return c.headers }

// New validates and constructs a Change per the §3 invariants:
//   - Insert: after required, before absent.
//   - Update: after required; before optional.
//   - Delete: before required; after absent.
//   - Truncate: both absent.
func New(op Op, ident Ident, before, after *Tuple, meta, headers map[string]any, pos Position, commitTime time.Time, txnID string) (*Change, error) {
	switch op {
	case OpInsert:
		if after == nil {
			return nil, cdcerr.New(cdcerr.KindInvalidChange, fmt.Errorf("insert on %s.%s: after is required", ident.Schema, ident.Table))
		}
		if before != nil {
			return nil, cdcerr.New(cdcerr.KindInvalidChange, fmt.Errorf("insert on %s.%s: before must be absent", ident.Schema, ident.Table))
		}
	case OpUpdate:
		if after == nil {
			return nil, cdcerr.New(cdcerr.KindInvalidChange, fmt.Errorf("update on %s.%s: after is required", ident.Schema, ident.Table))
		}
	case OpDelete:
		if before == nil {
			return nil, cdcerr.New(cdcerr.KindInvalidChange, fmt.Errorf("delete on %s.%s: before is required", ident.Schema, ident.Table))
		}
		if after != nil {
			return nil, cdcerr.New(cdcerr.KindInvalidChange, fmt.Errorf("delete on %s.%s: after must be absent", ident.Schema, ident.Table))
		}
	case OpTruncate:
		if before != nil || after != nil {
			return nil, cdcerr.New(cdcerr.KindInvalidChange, fmt.Errorf("truncate on %s.%s: before/after must be absent", ident.Schema, ident.Table))
		}
		if ident.Table == "" {
			return nil, cdcerr.New(cdcerr.KindInvalidChange, fmt.Errorf("truncate requires a table"))
		}
	default:
		return nil, cdcerr.New(cdcerr.KindInvalidChange, fmt.Errorf("unknown op %v", op))
	}
	if len(pos) == 0 {
		return nil, cdcerr.New(cdcerr.KindInvalidChange, fmt.Errorf("position is required"))
	}

	return &Change{
		op:         op,
		ident:      ident,
		before:     before,
		after:      after,
		commitTime: commitTime,
		txnID:      txnID,
		position:   pos,
		sourceMeta: meta,
		headers:    headers,
	}, nil
}

// explicitKeyColumns reads an optional "key_columns" entry from
// source_meta ([]string), the highest-priority key-extraction policy.
func explicitKeyColumns(meta map[string]any) ([]string, bool) {
	if meta == nil {
		return nil, false
	}
	raw, ok := meta["key_columns"]
	if !ok {
		return nil, false
	}
	switch v := raw.(type) {
	case []string:
		return v, len(v) > 0
	case []any:
		cols := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				cols = append(cols, s)
			}
		}
		return cols, len(cols) > 0
	default:
		return nil, false
	}
}

// KeyOf extracts the primary-key columns of a Change per the §4.1 policy:
//  1. explicit key columns from source_meta, if supplied;
//  2. else the "id"/"Id" column, if present;
//  3. else the whole tuple (after for Insert/Update, before for Delete).
func KeyOf(c *Change) []Field {
	source := c.after
	if c.op == OpDelete {
		source = c.before
	}
	if source == nil {
		return nil
	}

	if cols, ok := explicitKeyColumns(c.sourceMeta); ok {
		out := make([]Field, 0, len(cols))
		for _, name := range cols {
			if v, ok := source.Get(name); ok {
				out = append(out, Field{Name: name, Value: v})
			}
		}
		if len(out) > 0 {
			return out
		}
	}

	for _, candidate := range []string{"id", "Id"} {
		if v, ok := source.Get(candidate); ok {
			return []Field{{Name: candidate, Value: v}}
		}
	}

	out := make([]Field, len(source.Fields))
	copy(out, source.Fields)
	return out
}

// Fingerprint computes a stable hash over (database, schema, table, op,
// key columns, position), used by sinks that need idempotency checks
// (spec §4.1).
func Fingerprint(c *Change) []byte {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00", c.ident.Database, c.ident.Schema, c.ident.Table, c.op)

	key := KeyOf(c)
	sort.Slice(key, func(i, j int) bool { return key[i].Name < key[j].Name })
	for _, f := range key {
		fmt.Fprintf(h, "%s=%v\x00", f.Name, f.Value)
	}
	h.Write(c.position)
	return h.Sum(nil)
}

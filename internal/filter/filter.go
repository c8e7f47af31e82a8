// Package filter implements the pipeline filter-expression grammar: a
// whitespace-separated list of "clause:value" clauses, each matched
// against a change with exact string equality. An earlier revision of
// this grammar matched with substring containment, which let a filter
// like "table:order" silently match "orders" and "order_items" both;
// clauses now compare equal, full stop.
package filter

import (
	"fmt"
	"strings"

	"github.com/jfoltran/cdcfabric/internal/cdcerr"
	"github.com/jfoltran/cdcfabric/internal/model"
)

// Expr is a parsed, ready-to-evaluate filter expression.
type Expr struct {
	clauses []clause
	raw     string
}

type clauseKind string

const (
	clauseTable  clauseKind = "table"
	clauseOp     clauseKind = "op"
	clauseSchema clauseKind = "schema"
)

type clause struct {
	kind  clauseKind
	value string
}

// Parse splits expr on whitespace and parses each token as a
// "keyword:value" clause. An empty expr parses to a match-everything
// Expr. Unknown keywords are rejected rather than ignored, so a typo in
// a pipeline's filter fails at registration instead of silently
// matching nothing.
func Parse(expr string) (*Expr, error) {
	fields := strings.Fields(expr)
	if len(fields) == 0 {
		return &Expr{raw: expr}, nil
	}

	clauses := make([]clause, 0, len(fields))
	for _, tok := range fields {
		name, value, ok := strings.Cut(tok, ":")
		if !ok || name == "" || value == "" {
			return nil, fmt.Errorf("filter clause %q: expected \"keyword:value\": %w", tok, cdcerr.ErrUnknownClause)
		}
		switch clauseKind(name) {
		case clauseTable, clauseOp, clauseSchema:
			clauses = append(clauses, clause{kind: clauseKind(name), value: value})
		default:
			return nil, fmt.Errorf("filter clause %q: %w", tok, cdcerr.ErrUnknownClause)
		}
	}
	return &Expr{clauses: clauses, raw: expr}, nil
}

// Match reports whether c satisfies every clause of e. An Expr with no
// clauses matches every change.
func (e *Expr) Match(c *model.Change) bool {
	if e == nil {
		return true
	}
	for _, cl := range e.clauses {
		switch cl.kind {
		case clauseTable:
			if c.Table() != cl.value {
				return false
			}
		case clauseSchema:
			if c.Schema() != cl.value {
				return false
			}
		case clauseOp:
			if !strings.EqualFold(c.Op().String(), cl.value) {
				return false
			}
		}
	}
	return true
}

// String returns the original expression text.
func (e *Expr) String() string {
	if e == nil {
		return ""
	}
	return e.raw
}

package filter

import (
	"testing"
	"time"

	"github.com/jfoltran/cdcfabric/internal/model"
)

func change(t *testing.T, schema, table string, op model.Op) *model.Change {
	t.Helper()
	var before, after *model.Tuple
	switch op {
	case model.OpInsert:
		after = &model.Tuple{Fields: []model.Field{{Name: "id", Value: 1}}}
	case model.OpDelete:
		before = &model.Tuple{Fields: []model.Field{{Name: "id", Value: 1}}}
	default:
		after = &model.Tuple{Fields: []model.Field{{Name: "id", Value: 1}}}
	}
	c, err := model.New(op, model.Ident{Database: "d", Schema: schema, Table: table}, before, after, nil, nil, model.Position("1"), time.Now(), "")
	if err != nil {
		t.Fatalf("model.New() unexpected error: %v", err)
	}
	return c
}

func TestParse_Empty(t *testing.T) {
	e, err := Parse("")
	if err != nil {
		t.Fatalf("Parse(\"\") unexpected error: %v", err)
	}
	if !e.Match(change(t, "public", "orders", model.OpInsert)) {
		t.Error("empty expression should match everything")
	}
}

func TestParse_UnknownClause(t *testing.T) {
	if _, err := Parse("color:blue"); err == nil {
		t.Fatal("expected error for unknown clause keyword")
	}
}

func TestParse_Malformed(t *testing.T) {
	for _, expr := range []string{"table", "table:", ":orders"} {
		if _, err := Parse(expr); err == nil {
			t.Errorf("Parse(%q) expected error", expr)
		}
	}
}

func TestMatch_ExactNotSubstring(t *testing.T) {
	e, err := Parse("table:order")
	if err != nil {
		t.Fatalf("Parse() unexpected error: %v", err)
	}
	if e.Match(change(t, "public", "orders", model.OpInsert)) {
		t.Error("table:order must not match table \"orders\" (exact match only)")
	}
	if !e.Match(change(t, "public", "order", model.OpInsert)) {
		t.Error("table:order should match table \"order\"")
	}
}

func TestMatch_MultiClauseAND(t *testing.T) {
	e, err := Parse("table:orders op:insert schema:public")
	if err != nil {
		t.Fatalf("Parse() unexpected error: %v", err)
	}
	if !e.Match(change(t, "public", "orders", model.OpInsert)) {
		t.Error("expected match on all clauses satisfied")
	}
	if e.Match(change(t, "public", "orders", model.OpUpdate)) {
		t.Error("expected no match when op clause fails")
	}
	if e.Match(change(t, "other", "orders", model.OpInsert)) {
		t.Error("expected no match when schema clause fails")
	}
}

func TestMatch_OpCaseInsensitive(t *testing.T) {
	e, err := Parse("op:DELETE")
	if err != nil {
		t.Fatalf("Parse() unexpected error: %v", err)
	}
	if !e.Match(change(t, "public", "orders", model.OpDelete)) {
		t.Error("op clause should be case-insensitive")
	}
}

func TestMatch_NilExpr(t *testing.T) {
	var e *Expr
	if !e.Match(change(t, "public", "orders", model.OpInsert)) {
		t.Error("nil *Expr should match everything")
	}
}

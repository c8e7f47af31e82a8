package relational

import (
	"strings"
	"testing"
)

func TestPostgresUpsertSQL_ExcludesKeyFromSet(t *testing.T) {
	d := Postgres{}
	sql := d.UpsertSQL("public", "orders", []string{"id", "amount", "status"}, []string{"id"})

	if !strings.Contains(sql, `ON CONFLICT ("id")`) {
		t.Errorf("UpsertSQL() = %q, want ON CONFLICT (\"id\")", sql)
	}
	if strings.Contains(sql, `"id" = EXCLUDED."id"`) {
		t.Errorf("UpsertSQL() = %q, must not set the key column", sql)
	}
	if !strings.Contains(sql, `"amount" = EXCLUDED."amount"`) {
		t.Errorf("UpsertSQL() = %q, missing amount set clause", sql)
	}
}

func TestPostgresUpsertSQL_AllColumnsAreKey_DoNothing(t *testing.T) {
	d := Postgres{}
	sql := d.UpsertSQL("public", "t", []string{"id"}, []string{"id"})
	if !strings.Contains(sql, "DO NOTHING") {
		t.Errorf("UpsertSQL() = %q, want DO NOTHING when every column is a key", sql)
	}
}

func TestPostgresQualifiedName_OmitsPublicSchema(t *testing.T) {
	d := Postgres{}
	if got := d.QualifiedName("public", "orders"); got != `"orders"` {
		t.Errorf("QualifiedName(public, orders) = %q, want unqualified", got)
	}
	if got := d.QualifiedName("billing", "orders"); got != `"billing"."orders"` {
		t.Errorf("QualifiedName(billing, orders) = %q, want schema-qualified", got)
	}
}

func TestPostgresQuoteIdent_EscapesQuotes(t *testing.T) {
	d := Postgres{}
	if got := d.QuoteIdent(`weird"name`); got != `"weird""name"` {
		t.Errorf("QuoteIdent() = %q, want doubled internal quote", got)
	}
}

func TestPostgresTruncateSQL(t *testing.T) {
	d := Postgres{}
	if !d.SupportsTruncate() {
		t.Fatal("Postgres dialect should support truncate")
	}
	if got := d.TruncateSQL("public", "orders"); got != `TRUNCATE "orders"` {
		t.Errorf("TruncateSQL() = %q", got)
	}
}

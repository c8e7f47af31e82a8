package model

import (
	"bytes"
	"testing"
	"time"
)

func mustNew(t *testing.T, op Op, before, after *Tuple, meta map[string]any) *Change {
	t.Helper()
	c, err := New(op, Ident{Database: "d", Schema: "public", Table: "orders"}, before, after, meta, nil, Position("1/A"), time.Now(), "txn-1")
	if err != nil {
		t.Fatalf("New() unexpected error: %v", err)
	}
	return c
}

func TestNew_InvariantsPerOp(t *testing.T) {
	after := &Tuple{Fields: []Field{{Name: "id", Value: 7}, {Name: "amount", Value: 100}}}
	before := &Tuple{Fields: []Field{{Name: "id", Value: 7}}}

	tests := []struct {
		name    string
		op      Op
		before  *Tuple
		after   *Tuple
		wantErr bool
	}{
		{"insert ok", OpInsert, nil, after, false},
		{"insert missing after", OpInsert, nil, nil, true},
		{"insert with before", OpInsert, before, after, true},
		{"update ok with before", OpUpdate, before, after, false},
		{"update ok without before", OpUpdate, nil, after, false},
		{"update missing after", OpUpdate, before, nil, true},
		{"delete ok", OpDelete, before, nil, false},
		{"delete missing before", OpDelete, nil, nil, true},
		{"delete with after", OpDelete, before, after, true},
		{"truncate ok", OpTruncate, nil, nil, false},
		{"truncate with before", OpTruncate, before, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.op, Ident{Table: "orders"}, tt.before, tt.after, nil, nil, Position("x"), time.Now(), "")
			if (err != nil) != tt.wantErr {
				t.Errorf("New(%v) error = %v, wantErr %v", tt.op, err, tt.wantErr)
			}
		})
	}
}

func TestNew_RequiresPosition(t *testing.T) {
	after := &Tuple{Fields: []Field{{Name: "id", Value: 1}}}
	_, err := New(OpInsert, Ident{Table: "t"}, nil, after, nil, nil, nil, time.Now(), "")
	if err == nil {
		t.Fatal("expected error for empty position")
	}
}

func TestKeyOf_Policy(t *testing.T) {
	after := &Tuple{Fields: []Field{{Name: "tenant", Value: "a"}, {Name: "id", Value: 7}, {Name: "amount", Value: 100}}}

	t.Run("explicit key columns win", func(t *testing.T) {
		c := mustNew(t, OpInsert, nil, after, map[string]any{"key_columns": []string{"tenant", "id"}})
		key := KeyOf(c)
		if len(key) != 2 || key[0].Name != "tenant" || key[1].Name != "id" {
			t.Fatalf("KeyOf() = %+v, want tenant+id", key)
		}
	})

	t.Run("falls back to id column", func(t *testing.T) {
		c := mustNew(t, OpInsert, nil, after, nil)
		key := KeyOf(c)
		if len(key) != 1 || key[0].Name != "id" || key[0].Value != 7 {
			t.Fatalf("KeyOf() = %+v, want [id=7]", key)
		}
	})

	t.Run("falls back to whole tuple when no id", func(t *testing.T) {
		noID := &Tuple{Fields: []Field{{Name: "tenant", Value: "a"}, {Name: "amount", Value: 100}}}
		c := mustNew(t, OpInsert, nil, noID, nil)
		key := KeyOf(c)
		if len(key) != 2 {
			t.Fatalf("KeyOf() = %+v, want whole tuple (2 fields)", key)
		}
	})

	t.Run("delete uses before", func(t *testing.T) {
		before := &Tuple{Fields: []Field{{Name: "id", Value: 42}}}
		c := mustNew(t, OpDelete, before, nil, nil)
		key := KeyOf(c)
		if len(key) != 1 || key[0].Value != 42 {
			t.Fatalf("KeyOf() = %+v, want [id=42]", key)
		}
	})
}

func TestFingerprint_StableAndDistinguishing(t *testing.T) {
	after := &Tuple{Fields: []Field{{Name: "id", Value: 7}, {Name: "amount", Value: 100}}}
	c1 := mustNew(t, OpInsert, nil, after, nil)
	c2 := mustNew(t, OpInsert, nil, after, nil)

	fp1 := Fingerprint(c1)
	fp2 := Fingerprint(c2)
	if !bytes.Equal(fp1, fp2) {
		t.Errorf("Fingerprint() not stable across identical changes: %x != %x", fp1, fp2)
	}

	other := &Tuple{Fields: []Field{{Name: "id", Value: 8}, {Name: "amount", Value: 100}}}
	c3 := mustNew(t, OpInsert, nil, other, nil)
	if bytes.Equal(fp1, Fingerprint(c3)) {
		t.Errorf("Fingerprint() did not distinguish different keys")
	}
}

func TestOpString(t *testing.T) {
	cases := map[Op]string{OpInsert: "INSERT", OpUpdate: "UPDATE", OpDelete: "DELETE", OpTruncate: "TRUNCATE", OpUnknown: "UNKNOWN"}
	for op, want := range cases {
		if got := op.String(); got != want {
			t.Errorf("Op(%d).String() = %q, want %q", op, got, want)
		}
	}
}

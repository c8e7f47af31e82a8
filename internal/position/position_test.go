package position

import (
	"context"
	"testing"
)

func TestNoopStore(t *testing.T) {
	var s NoopStore
	ctx := context.Background()

	_, found, err := s.Load(ctx, "pg")
	if err != nil {
		t.Fatalf("Load() unexpected error: %v", err)
	}
	if found {
		t.Error("NoopStore.Load() should never report found")
	}

	if err := s.Commit(ctx, "pg", []byte("0:1")); err != nil {
		t.Errorf("Commit() unexpected error: %v", err)
	}
}

func TestPostgresStore_TableName(t *testing.T) {
	s := NewPostgresStore(nil)
	if s.tableName != "cdc_position" {
		t.Errorf("tableName = %q, want cdc_position", s.tableName)
	}
}

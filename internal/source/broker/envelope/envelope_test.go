package envelope

import (
	"testing"

	"github.com/jfoltran/cdcfabric/internal/model"
)

func TestDecode_PlainInsert(t *testing.T) {
	raw := []byte(`{
		"op": "c",
		"ts_ms": 1700000000000,
		"source": {"db": "shop", "schema": "public", "table": "orders"},
		"after": {"id": 7, "amount": 19.99}
	}`)
	c, err := Decode(raw, model.Position("0:7"))
	if err != nil {
		t.Fatalf("Decode() unexpected error: %v", err)
	}
	if c.Op() != model.OpInsert || c.Table() != "orders" || c.Database() != "shop" {
		t.Errorf("Decode() = %+v, unexpected ident/op", c)
	}
	if v, ok := c.After().Get("id"); !ok || v != float64(7) {
		t.Errorf("After().Get(id) = %v, %v", v, ok)
	}
}

func TestDecode_WrappedPayload(t *testing.T) {
	raw := []byte(`{"payload": {
		"op": "d",
		"source": {"table": "orders"},
		"before": {"id": 3}
	}}`)
	c, err := Decode(raw, model.Position("0:3"))
	if err != nil {
		t.Fatalf("Decode() unexpected error: %v", err)
	}
	if c.Op() != model.OpDelete || c.Table() != "orders" {
		t.Errorf("Decode() = %+v, expected delete on orders", c)
	}
}

func TestDecode_UnknownOp(t *testing.T) {
	raw := []byte(`{"op": "x", "source": {"table": "orders"}}`)
	if _, err := Decode(raw, model.Position("0:1")); err == nil {
		t.Fatal("expected error for unknown op")
	}
}

func TestDecode_Malformed(t *testing.T) {
	if _, err := Decode([]byte("not json"), model.Position("0:1")); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

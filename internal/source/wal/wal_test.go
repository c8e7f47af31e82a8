package wal

import (
	"testing"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"
)

func TestLSNRoundTrip(t *testing.T) {
	for _, lsn := range []pglogrepl.LSN{0, 1, 0xDEADBEEF, 0xFFFFFFFFFFFFFFFF} {
		pos := encodeLSN(lsn)
		if len(pos) != 8 {
			t.Fatalf("encodeLSN(%d) produced %d bytes, want 8", lsn, len(pos))
		}
		got := decodeLSN(pos)
		if got != lsn {
			t.Errorf("decodeLSN(encodeLSN(%d)) = %d", lsn, got)
		}
	}
}

func TestDecodeLSN_WrongLength(t *testing.T) {
	if got := decodeLSN([]byte{1, 2, 3}); got != 0 {
		t.Errorf("decodeLSN() of malformed position = %d, want 0", got)
	}
}

func TestWants_NoFilterMatchesEverything(t *testing.T) {
	c := New("pg", "postgres://x", "slot", "pub", nil, zerolog.Nop())
	if !c.wants("orders") || !c.wants("anything") {
		t.Error("empty table filter should match every table")
	}
}

func TestWants_FiltersToConfiguredTables(t *testing.T) {
	c := New("pg", "postgres://x", "slot", "pub", []string{"orders", "customers"}, zerolog.Nop())
	if !c.wants("orders") {
		t.Error("expected orders to be wanted")
	}
	if c.wants("products") {
		t.Error("expected products to be filtered out")
	}
}

func TestTxnID_EmptyWithoutBegin(t *testing.T) {
	c := New("pg", "postgres://x", "slot", "pub", nil, zerolog.Nop())
	if got := c.txnID(); got != "" {
		t.Errorf("txnID() before any BeginMessage = %q, want empty", got)
	}
	c.begin = &pendingBegin{xid: 42, txnID: "42"}
	if got := c.txnID(); got != "42" {
		t.Errorf("txnID() = %q, want 42", got)
	}
}

func TestPauseResume(t *testing.T) {
	c := New("pg", "postgres://x", "slot", "pub", nil, zerolog.Nop())
	select {
	case <-c.paused:
	default:
		t.Fatal("connector should start unpaused")
	}
	c.Pause()
	select {
	case <-c.paused:
		t.Fatal("paused channel should not be closed while paused")
	default:
	}
	c.Resume()
	select {
	case <-c.paused:
	default:
		t.Fatal("paused channel should be closed again after Resume")
	}
}

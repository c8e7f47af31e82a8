package backoff

import (
	"testing"
	"time"
)

func TestNext_DoublesAndCaps(t *testing.T) {
	b := New(Policy{Initial: 1 * time.Second, Max: 4 * time.Second})

	d1 := b.Next()
	if d1 < 800*time.Millisecond || d1 > 1200*time.Millisecond {
		t.Errorf("first delay = %v, want ~1s with jitter", d1)
	}

	d2 := b.Next()
	if d2 < 1600*time.Millisecond || d2 > 2400*time.Millisecond {
		t.Errorf("second delay = %v, want ~2s with jitter", d2)
	}

	d3 := b.Next()
	if d3 < 3200*time.Millisecond || d3 > 4800*time.Millisecond {
		t.Errorf("third delay = %v, want ~4s with jitter", d3)
	}

	d4 := b.Next()
	if d4 < 3200*time.Millisecond || d4 > 4800*time.Millisecond {
		t.Errorf("fourth delay = %v, want capped at ~4s with jitter", d4)
	}
}

func TestExhausted(t *testing.T) {
	b := New(Policy{Initial: time.Millisecond, Max: time.Millisecond, MaxRetries: 2})
	if b.Exhausted() {
		t.Fatal("should not be exhausted before any attempt")
	}
	b.Next()
	if b.Exhausted() {
		t.Fatal("should not be exhausted after 1 of 2 attempts")
	}
	b.Next()
	if !b.Exhausted() {
		t.Fatal("should be exhausted after 2 of 2 attempts")
	}
}

func TestExhausted_Unlimited(t *testing.T) {
	b := New(Policy{Initial: time.Millisecond, Max: time.Millisecond, MaxRetries: 0})
	for i := 0; i < 100; i++ {
		b.Next()
	}
	if b.Exhausted() {
		t.Fatal("MaxRetries=0 should mean unlimited attempts")
	}
}

func TestReset(t *testing.T) {
	b := New(Policy{Initial: time.Second, Max: 30 * time.Second})
	b.Next()
	b.Next()
	b.Reset()
	if b.Attempt() != 0 {
		t.Errorf("Attempt() after Reset = %d, want 0", b.Attempt())
	}
	d := b.Next()
	if d < 800*time.Millisecond || d > 1200*time.Millisecond {
		t.Errorf("delay after Reset = %v, want ~1s", d)
	}
}

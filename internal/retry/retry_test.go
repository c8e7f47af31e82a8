package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/jfoltran/cdcfabric/internal/cdcerr"
	"github.com/jfoltran/cdcfabric/internal/config"
)

func TestClassify(t *testing.T) {
	if k := Classify(cdcerr.New(cdcerr.KindConflict, errors.New("dup"))); k != cdcerr.KindConflict {
		t.Errorf("Classify() = %v, want Conflict", k)
	}
	if k := Classify(errors.New("plain")); k != cdcerr.KindTransient {
		t.Errorf("Classify(plain error) = %v, want Transient default", k)
	}
	if k := Classify(nil); k != cdcerr.KindUnknown {
		t.Errorf("Classify(nil) = %v, want Unknown", k)
	}
}

func TestSchedule_SchemaMismatchDeadLetters(t *testing.T) {
	c := NewController()
	policy := config.RetryPolicy{Kind: config.RetryExponential, BaseDelay: time.Second, MaxRetries: 5}
	d := c.Schedule(policy, 1, cdcerr.New(cdcerr.KindSchemaMismatch, errors.New("bad column")))
	if d.Action != ActionDeadLetter {
		t.Errorf("Schedule() action = %v, want DeadLetter", d.Action)
	}
}

func TestSchedule_FatalAborts(t *testing.T) {
	c := NewController()
	policy := config.RetryPolicy{Kind: config.RetryFixed, BaseDelay: time.Second, MaxRetries: 5}
	d := c.Schedule(policy, 1, cdcerr.New(cdcerr.KindFatal, errors.New("auth failed")))
	if d.Action != ActionAbort {
		t.Errorf("Schedule() action = %v, want Abort", d.Action)
	}
}

func TestSchedule_ExceedsMaxRetriesDeadLetters(t *testing.T) {
	c := NewController()
	policy := config.RetryPolicy{Kind: config.RetryFixed, BaseDelay: time.Second, MaxRetries: 3}
	d := c.Schedule(policy, 4, cdcerr.New(cdcerr.KindTransient, errors.New("timeout")))
	if d.Action != ActionDeadLetter {
		t.Errorf("Schedule() action on attempt 4 of 3 = %v, want DeadLetter", d.Action)
	}
}

func TestSchedule_FixedDelayIsConstant(t *testing.T) {
	c := NewController()
	policy := config.RetryPolicy{Kind: config.RetryFixed, BaseDelay: 2 * time.Second, MaxRetries: 10}
	for attempt := 1; attempt <= 3; attempt++ {
		d := c.Schedule(policy, attempt, cdcerr.New(cdcerr.KindTransient, errors.New("x")))
		if d.Action != ActionRetry {
			t.Fatalf("attempt %d: action = %v, want Retry", attempt, d.Action)
		}
		if d.RetryAfter < 1900*time.Millisecond || d.RetryAfter > 2100*time.Millisecond {
			t.Errorf("attempt %d: RetryAfter = %v, want ~2s (fixed, no jitter configured)", attempt, d.RetryAfter)
		}
	}
}

func TestSchedule_ExponentialDoublesAndCaps(t *testing.T) {
	c := NewController()
	policy := config.RetryPolicy{Kind: config.RetryExponential, BaseDelay: time.Second, MaxDelay: 4 * time.Second, MaxRetries: 10}

	d1 := c.Schedule(policy, 1, cdcerr.New(cdcerr.KindTransient, errors.New("x")))
	if d1.RetryAfter < 900*time.Millisecond || d1.RetryAfter > 1100*time.Millisecond {
		t.Errorf("attempt 1 RetryAfter = %v, want ~1s", d1.RetryAfter)
	}

	d2 := c.Schedule(policy, 2, cdcerr.New(cdcerr.KindTransient, errors.New("x")))
	if d2.RetryAfter < 1900*time.Millisecond || d2.RetryAfter > 2100*time.Millisecond {
		t.Errorf("attempt 2 RetryAfter = %v, want ~2s", d2.RetryAfter)
	}

	d4 := c.Schedule(policy, 10, cdcerr.New(cdcerr.KindTransient, errors.New("x")))
	if d4.RetryAfter > 4100*time.Millisecond {
		t.Errorf("attempt 10 RetryAfter = %v, want capped at ~4s", d4.RetryAfter)
	}
}

// Package retry implements the Retry / Backoff Controller (spec §4.6).
// The teacher's closest analogue is pipeline.go's runApplierWithRetry
// (attempt counting, exponential delay capped at maxRetryDelay); this
// package generalizes that inline reconnect loop into a reusable
// Controller that decides, per failed change, whether to retry after a
// delay, dead-letter it, or abort the pipeline.
package retry

import (
	"math/rand"
	"time"

	"github.com/jfoltran/cdcfabric/internal/cdcerr"
	"github.com/jfoltran/cdcfabric/internal/config"
)

// Classify maps a sink-reported error to the taxonomy kind the
// Controller bases its decision on. An error not wrapped in a
// *cdcerr.Error is treated as Transient — the conservative default
// that retries rather than silently dropping or dead-lettering.
func Classify(err error) cdcerr.Kind {
	if err == nil {
		return cdcerr.KindUnknown
	}
	if k := cdcerr.As(err); k != cdcerr.KindUnknown {
		return k
	}
	return cdcerr.KindTransient
}

// Decision is the Controller's verdict for one failed attempt.
type Decision struct {
	Action     Action
	RetryAfter time.Duration
}

// Action identifies what the caller should do with the failed change.
type Action int

const (
	// ActionRetry: wait RetryAfter, then redispatch the change,
	// escalating write intent to upsert per spec §4.5/§4.6.
	ActionRetry Action = iota
	// ActionDeadLetter: give up on this change, record it durably, and
	// continue processing later changes in the pipeline.
	ActionDeadLetter
	// ActionAbort: a fatal-class error; the whole pipeline stops and
	// needs operator intervention (cdcerr.ErrPipelineAbort).
	ActionAbort
)

// Controller decides retry/dead-letter/abort verdicts per pipeline,
// each governed by its own config.RetryPolicy.
type Controller struct{}

// NewController returns a ready-to-use Controller. It carries no state
// of its own; every decision is a pure function of the policy, the
// error kind, and the attempt number, so one Controller is shared by
// every pipeline.
func NewController() *Controller { return &Controller{} }

// Schedule decides what to do with a change that failed with err on
// its attempt'th try (1-based) under policy.
func (c *Controller) Schedule(policy config.RetryPolicy, attempt int, err error) Decision {
	kind := Classify(err)

	switch kind {
	case cdcerr.KindSchemaMismatch, cdcerr.KindInvalidChange:
		return Decision{Action: ActionDeadLetter}
	case cdcerr.KindFatal:
		return Decision{Action: ActionAbort}
	}

	maxRetries := policy.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}
	if attempt > maxRetries {
		return Decision{Action: ActionDeadLetter}
	}

	return Decision{Action: ActionRetry, RetryAfter: delay(policy, attempt)}
}

// delay computes the backoff for attempt (1-based) per spec §4.6:
// Fixed uses base_delay unconditionally; Exponential uses
// min(max_delay, base_delay*2^(attempt-1)), both with a
// +/-jitter_fraction multiplicative jitter.
func delay(policy config.RetryPolicy, attempt int) time.Duration {
	var base time.Duration
	switch policy.Kind {
	case config.RetryExponential:
		base = policy.BaseDelay
		for i := 1; i < attempt; i++ {
			base *= 2
			if policy.MaxDelay > 0 && base > policy.MaxDelay {
				base = policy.MaxDelay
				break
			}
		}
	default: // config.RetryFixed
		base = policy.BaseDelay
	}
	if policy.MaxDelay > 0 && base > policy.MaxDelay {
		base = policy.MaxDelay
	}
	return jitter(base, policy.JitterFraction)
}

func jitter(d time.Duration, fraction float64) time.Duration {
	if d <= 0 || fraction <= 0 {
		return d
	}
	spread := float64(d) * fraction
	offset := (rand.Float64()*2 - 1) * spread
	out := time.Duration(float64(d) + offset)
	if out < 0 {
		return 0
	}
	return out
}

// Package backoff implements the exponential-backoff-with-jitter
// reconnect sequence shared by every source connector, grounded on the
// reconnect loop in the teacher's migration/pipeline.Pipeline.runApplierWithRetry
// (initialRetryDelay doubling up to maxRetryDelay, retried up to a
// capped attempt count before giving up).
package backoff

import (
	"math/rand"
	"time"
)

// Policy configures an exponential backoff sequence.
type Policy struct {
	Initial    time.Duration
	Max        time.Duration
	MaxRetries int // 0 means unlimited
}

// Default mirrors the teacher's initialRetryDelay=2s, maxRetryDelay=30s,
// maxDecoderRetries=5.
var Default = Policy{Initial: 2 * time.Second, Max: 30 * time.Second, MaxRetries: 5}

// Backoff tracks the current delay and attempt count for one reconnect
// sequence. It is not safe for concurrent use; each source connector
// owns one.
type Backoff struct {
	policy  Policy
	delay   time.Duration
	attempt int
}

// New returns a Backoff ready for its first attempt.
func New(p Policy) *Backoff {
	return &Backoff{policy: p, delay: p.Initial}
}

// Attempt returns the 1-based count of calls to Next so far.
func (b *Backoff) Attempt() int { return b.attempt }

// Exhausted reports whether the policy's MaxRetries has been reached.
func (b *Backoff) Exhausted() bool {
	return b.policy.MaxRetries > 0 && b.attempt >= b.policy.MaxRetries
}

// Next returns the delay to wait before the next reconnect attempt and
// advances the sequence, doubling the delay (capped at Max) and adding
// +/-20% jitter so that many connectors backing off together don't
// retry in lockstep.
func (b *Backoff) Next() time.Duration {
	b.attempt++
	d := b.delay
	b.delay *= 2
	if b.delay > b.policy.Max {
		b.delay = b.policy.Max
	}
	return jitter(d)
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	spread := float64(d) * 0.2
	offset := (rand.Float64()*2 - 1) * spread
	return time.Duration(float64(d) + offset)
}

// Reset returns the Backoff to its initial state, used after a
// successful reconnect.
func (b *Backoff) Reset() {
	b.delay = b.policy.Initial
	b.attempt = 0
}

// Package batch implements the size-or-time coalescing buffer used by
// the router's per-pipeline loop (spec §4.5): flush once `size` items have accumulated or
// `flush_interval` has elapsed since the first unflushed item, whichever
// comes first. Grounded on the teacher's applier.go, whose Start loop
// coalesces consecutive inserts against coalesceTxLimit/coalesceMaxWait
// timers; this package lifts that pattern out of the relational sink
// so it sits in front of every sink, whatever its kind.
package batch

import (
	"sync"
	"time"
)

// Buffer accumulates items of type T and calls flush when full or when
// flushInterval has elapsed since the first item in the current batch
// arrived, whichever happens first. Safe for concurrent use.
type Buffer[T any] struct {
	mu            sync.Mutex
	size          int
	flushInterval time.Duration
	flush         func([]T)

	items     []T
	timer     *time.Timer
	timerStop chan struct{}
}

// New returns a Buffer that calls flush with up to size items once
// either size is reached or flushInterval elapses since the oldest
// buffered item. flush must not call Add/Flush on this Buffer.
func New[T any](size int, flushInterval time.Duration, flush func([]T)) *Buffer[T] {
	if size <= 0 {
		size = 1
	}
	return &Buffer[T]{size: size, flushInterval: flushInterval, flush: flush}
}

// Add appends item to the current batch, flushing synchronously if the
// batch is now full.
func (b *Buffer[T]) Add(item T) {
	b.mu.Lock()
	b.items = append(b.items, item)
	first := len(b.items) == 1
	full := len(b.items) >= b.size
	var toFlush []T
	if full {
		toFlush = b.takeLocked()
	} else if first && b.flushInterval > 0 {
		b.armTimerLocked()
	}
	b.mu.Unlock()

	if toFlush != nil {
		b.flush(toFlush)
	}
}

// Flush forces out whatever is currently buffered, even if size has
// not been reached. A no-op if the buffer is empty.
func (b *Buffer[T]) Flush() {
	b.mu.Lock()
	toFlush := b.takeLocked()
	b.mu.Unlock()
	if toFlush != nil {
		b.flush(toFlush)
	}
}

// takeLocked must be called with b.mu held. It returns the current
// batch (nil if empty) and resets buffered state.
func (b *Buffer[T]) takeLocked() []T {
	if len(b.items) == 0 {
		return nil
	}
	out := b.items
	b.items = nil
	if b.timerStop != nil {
		close(b.timerStop)
		b.timerStop = nil
	}
	return out
}

func (b *Buffer[T]) armTimerLocked() {
	stop := make(chan struct{})
	b.timerStop = stop
	t := time.NewTimer(b.flushInterval)
	go func() {
		select {
		case <-t.C:
			b.Flush()
		case <-stop:
			t.Stop()
		}
	}()
}

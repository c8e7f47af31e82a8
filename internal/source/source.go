// Package source defines the shared Connector contract every source
// connector variant (wal, broker, changestream) implements, plus the
// health/status shapes the supervisor and stats registry read.
package source

import (
	"context"

	"github.com/jfoltran/cdcfabric/internal/model"
)

// State is a connector's lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateStreaming
	StateReconnecting
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Handler is invoked by a connector for every change it decodes. It
// returns once the router has accepted responsibility for the change;
// the connector does not wait for the change to be durably applied.
// Ack is called back later, asynchronously, once every pipeline
// matching the change reaches a terminal state for its position.
type Handler func(c *model.Change)

// Connector is the capability set every source variant implements
// (spec §4.2): connect, stream changes to a Handler, accept position
// acks from the router, pause/resume consumption under back-pressure,
// report health, and disconnect cleanly.
type Connector interface {
	// Name returns the configured name of this source.
	Name() string

	// Connect establishes the underlying connection and resumes from
	// the given last-known position (nil/empty means "from the start"
	// or "from the server's current position", connector-dependent).
	Connect(ctx context.Context, lastPosition model.Position) error

	// Stream starts decoding changes and invoking handler for each one.
	// It blocks until ctx is cancelled or a fatal error occurs.
	Stream(ctx context.Context, handler Handler) error

	// Ack acknowledges that every pipeline matching the change at pos
	// has reached a terminal state, permitting the connector to advance
	// its durable read cursor (committing a broker offset, confirming a
	// replication slot LSN, etc).
	Ack(ctx context.Context, pos model.Position) error

	// Pause signals the connector to stop invoking handler until Resume
	// is called, used by the router to apply back-pressure.
	Pause()
	Resume()

	// Health reports the connector's current state for the stats registry.
	Health() Health

	// Disconnect releases the underlying connection. Safe to call
	// multiple times.
	Disconnect(ctx context.Context) error
}

// Health is a point-in-time snapshot of a connector's condition.
type Health struct {
	State         State
	LastError     error
	LastEventTime int64 // unix nanos, 0 if none yet
}

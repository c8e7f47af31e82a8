// Package stats implements the Health & Statistics Registry (spec
// §4.7), generalized from the teacher's internal/metrics/collector.go:
// the same atomic counters, the same Subscribe()/Unsubscribe()
// broadcast-channel pattern for push-based consumers, and a periodic
// ticker loop (ScanHealth) — but keyed per-source/per-sink/per-pipeline
// instead of tracking one fixed migration.
package stats

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfoltran/cdcfabric/internal/model"
)

// emaAlpha is the exponential-moving-average smoothing factor for
// latency tracking, exactly per §4.7.
const emaAlpha = 0.2

// Health is a point-in-time component health verdict.
type Health struct {
	Healthy bool
	Detail  string
}

// SourceStats tracks one source connector's activity.
type SourceStats struct {
	mu            sync.RWMutex
	connected     bool
	lastEventTime time.Time
	lagEstimate   time.Duration

	eventsEmitted atomic.Int64
}

// RecordEvent marks a change as emitted by this source at t, with an
// estimated replication lag of lag (commit time to observation time).
func (s *SourceStats) RecordEvent(t time.Time, lag time.Duration) {
	s.eventsEmitted.Add(1)
	s.mu.Lock()
	s.lastEventTime = t
	s.lagEstimate = lag
	s.mu.Unlock()
}

// SetConnected records the connector's connectivity state.
func (s *SourceStats) SetConnected(connected bool) {
	s.mu.Lock()
	s.connected = connected
	s.mu.Unlock()
}

// Snapshot is an immutable point-in-time view of SourceStats.
type SourceSnapshot struct {
	Connected     bool
	LastEventTime time.Time
	EventsEmitted int64
	LagEstimate   time.Duration
}

func (s *SourceStats) Snapshot() SourceSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SourceSnapshot{
		Connected:     s.connected,
		LastEventTime: s.lastEventTime,
		EventsEmitted: s.eventsEmitted.Load(),
		LagEstimate:   s.lagEstimate,
	}
}

// SinkStats tracks one sink writer's activity. WritesTotal always
// equals WritesOK + WritesFailed by construction: RecordWrite updates
// exactly one of OK/Failed, then Total, under the write lock that
// Snapshot reads them under.
type SinkStats struct {
	mu            sync.RWMutex
	connected     bool
	writesTotal   atomic.Int64
	writesOK      atomic.Int64
	writesFailed  atomic.Int64
	avgLatencyMs  float64
	lastWriteTime time.Time
	opCounts      map[model.Op]int64
}

// NewSinkStats returns a ready-to-use SinkStats.
func NewSinkStats() *SinkStats {
	return &SinkStats{opCounts: make(map[model.Op]int64)}
}

// SetConnected records the sink's connectivity state.
func (s *SinkStats) SetConnected(connected bool) {
	s.mu.Lock()
	s.connected = connected
	s.mu.Unlock()
}

// RecordWrite records the outcome of one write attempt for op, taking
// latency and updating the EMA with α = 0.2 exactly per §4.7.
func (s *SinkStats) RecordWrite(op model.Op, ok bool, latency time.Duration, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ok {
		s.writesOK.Add(1)
	} else {
		s.writesFailed.Add(1)
	}
	s.writesTotal.Add(1)

	s.lastWriteTime = at
	s.opCounts[op]++
	ms := float64(latency.Microseconds()) / 1000
	if s.avgLatencyMs == 0 {
		s.avgLatencyMs = ms
	} else {
		s.avgLatencyMs = emaAlpha*ms + (1-emaAlpha)*s.avgLatencyMs
	}
}

// SinkSnapshot is an immutable point-in-time view of SinkStats.
type SinkSnapshot struct {
	Connected     bool
	WritesTotal   int64
	WritesOK      int64
	WritesFailed  int64
	AvgLatency    time.Duration
	LastWriteTime time.Time
	OpCounts      map[model.Op]int64
}

func (s *SinkStats) Snapshot() SinkSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	opCounts := make(map[model.Op]int64, len(s.opCounts))
	for k, v := range s.opCounts {
		opCounts[k] = v
	}
	return SinkSnapshot{
		Connected:     s.connected,
		WritesTotal:   s.writesTotal.Load(),
		WritesOK:      s.writesOK.Load(),
		WritesFailed:  s.writesFailed.Load(),
		AvgLatency:    time.Duration(s.avgLatencyMs * float64(time.Millisecond)),
		LastWriteTime: s.lastWriteTime,
		OpCounts:      opCounts,
	}
}

// PipelineStats tracks one pipeline's dispatch outcomes.
type PipelineStats struct {
	mu           sync.RWMutex
	eventsIn     atomic.Int64
	eventsOK     atomic.Int64
	eventsFailed atomic.Int64
	deadLettered atomic.Int64
	avgLatencyMs float64
}

// RecordIn counts one change the router matched to this pipeline.
func (p *PipelineStats) RecordIn() { p.eventsIn.Add(1) }

// RecordOutcome records the terminal outcome of one in-flight change:
// ok for a successful sink apply, deadLettered for one the retry
// controller sent to the dead-letter queue instead of retrying
// forever.
func (p *PipelineStats) RecordOutcome(ok, deadLettered bool, latency time.Duration) {
	if deadLettered {
		p.deadLettered.Add(1)
		p.eventsFailed.Add(1)
	} else if ok {
		p.eventsOK.Add(1)
	} else {
		p.eventsFailed.Add(1)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	ms := float64(latency.Microseconds()) / 1000
	if p.avgLatencyMs == 0 {
		p.avgLatencyMs = ms
	} else {
		p.avgLatencyMs = emaAlpha*ms + (1-emaAlpha)*p.avgLatencyMs
	}
}

// PipelineSnapshot is an immutable point-in-time view of PipelineStats.
type PipelineSnapshot struct {
	EventsIn     int64
	EventsOK     int64
	EventsFailed int64
	DeadLettered int64
	AvgLatency   time.Duration
}

func (p *PipelineStats) Snapshot() PipelineSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return PipelineSnapshot{
		EventsIn:     p.eventsIn.Load(),
		EventsOK:     p.eventsOK.Load(),
		EventsFailed: p.eventsFailed.Load(),
		DeadLettered: p.deadLettered.Load(),
		AvgLatency:   time.Duration(p.avgLatencyMs * float64(time.Millisecond)),
	}
}

// Registry owns every component's stats and answers health queries
// over them, the generalization of the teacher's single Collector to
// the fabric's many named sources/sinks/pipelines.
type Registry struct {
	logger             zerolog.Logger
	stalenessThreshold time.Duration

	mu        sync.RWMutex
	sources   map[string]*SourceStats
	sinks     map[string]*SinkStats
	pipelines map[string]*PipelineStats

	subMu       sync.Mutex
	subscribers map[chan struct{}]struct{}

	phaseMu sync.RWMutex
	phase   string

	done chan struct{}
}

// SetPhase records the fabric's current lifecycle phase, surfaced in
// RegistrySnapshot for `status` to report even before any component has
// emitted activity.
func (r *Registry) SetPhase(phase string) {
	r.phaseMu.Lock()
	r.phase = phase
	r.phaseMu.Unlock()
}

func (r *Registry) Phase() string {
	r.phaseMu.RLock()
	defer r.phaseMu.RUnlock()
	return r.phase
}

// NewRegistry returns a Registry whose Health verdicts use
// stalenessThreshold as the "no recent write" cutoff (§4.7).
func NewRegistry(stalenessThreshold time.Duration, logger zerolog.Logger) *Registry {
	r := &Registry{
		logger:             logger.With().Str("component", "stats").Logger(),
		stalenessThreshold: stalenessThreshold,
		sources:            make(map[string]*SourceStats),
		sinks:               make(map[string]*SinkStats),
		pipelines:          make(map[string]*PipelineStats),
		subscribers:        make(map[chan struct{}]struct{}),
		done:               make(chan struct{}),
	}
	return r
}

// Source returns (creating if necessary) the SourceStats for name.
func (r *Registry) Source(name string) *SourceStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sources[name]
	if !ok {
		s = &SourceStats{}
		r.sources[name] = s
	}
	return s
}

// Sink returns (creating if necessary) the SinkStats for name.
func (r *Registry) Sink(name string) *SinkStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sinks[name]
	if !ok {
		s = NewSinkStats()
		r.sinks[name] = s
	}
	return s
}

// Pipeline returns (creating if necessary) the PipelineStats for name.
func (r *Registry) Pipeline(name string) *PipelineStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pipelines[name]
	if !ok {
		p = &PipelineStats{}
		r.pipelines[name] = p
	}
	return p
}

// SourceHealth reports a source's health: healthy iff connected and
// either no event has been observed yet, or the last one arrived
// within stalenessThreshold, exactly per §4.7.
func (r *Registry) SourceHealth(name string) Health {
	r.mu.RLock()
	s, ok := r.sources[name]
	r.mu.RUnlock()
	if !ok {
		return Health{Healthy: false, Detail: "unknown source"}
	}
	snap := s.Snapshot()
	if !snap.Connected {
		return Health{Healthy: false, Detail: "disconnected"}
	}
	if snap.LastEventTime.IsZero() {
		return Health{Healthy: true, Detail: "no events yet"}
	}
	if time.Since(snap.LastEventTime) >= r.stalenessThreshold {
		return Health{Healthy: false, Detail: "no recent events"}
	}
	return Health{Healthy: true}
}

// SinkHealth reports a sink's health with the same rule as
// SourceHealth, keyed on last write instead of last event.
func (r *Registry) SinkHealth(name string) Health {
	r.mu.RLock()
	s, ok := r.sinks[name]
	r.mu.RUnlock()
	if !ok {
		return Health{Healthy: false, Detail: "unknown sink"}
	}
	snap := s.Snapshot()
	if !snap.Connected {
		return Health{Healthy: false, Detail: "disconnected"}
	}
	if snap.LastWriteTime.IsZero() {
		return Health{Healthy: true, Detail: "no writes yet"}
	}
	if time.Since(snap.LastWriteTime) >= r.stalenessThreshold {
		return Health{Healthy: false, Detail: "no recent writes"}
	}
	return Health{Healthy: true}
}

// PipelineHealth is the min of its source's and sink's health, per
// §4.7.
func (r *Registry) PipelineHealth(name, sourceName, sinkName string) Health {
	sh := r.SourceHealth(sourceName)
	if !sh.Healthy {
		return Health{Healthy: false, Detail: "source: " + sh.Detail}
	}
	kh := r.SinkHealth(sinkName)
	if !kh.Healthy {
		return Health{Healthy: false, Detail: "sink: " + kh.Detail}
	}
	return Health{Healthy: true}
}

// Subscribe returns a channel signalled after every health scan.
func (r *Registry) Subscribe() chan struct{} {
	ch := make(chan struct{}, 1)
	r.subMu.Lock()
	r.subscribers[ch] = struct{}{}
	r.subMu.Unlock()
	return ch
}

// Unsubscribe removes a subscription channel.
func (r *Registry) Unsubscribe(ch chan struct{}) {
	r.subMu.Lock()
	delete(r.subscribers, ch)
	r.subMu.Unlock()
}

// Close stops ScanHealth's ticker loop.
func (r *Registry) Close() {
	select {
	case <-r.done:
	default:
		close(r.done)
	}
}

// ScanHealth runs the periodic health-scan loop (§4.7/§4.8): every
// interval it evaluates every known component's health, logs the
// degraded ones, and notifies subscribers. It never restarts a
// degraded component; the source connectors run their own reconnect
// loops.
func (r *Registry) ScanHealth(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-ticker.C:
			r.scanOnce()
		}
	}
}

// RegistrySnapshot is a point-in-time view of every component the
// registry knows about, suitable for JSON persistence so a separate
// `status` invocation can report on a fabric it isn't attached to.
type RegistrySnapshot struct {
	Phase     string                      `json:"phase"`
	Sources   map[string]SourceSnapshot   `json:"sources"`
	Sinks     map[string]SinkSnapshot     `json:"sinks"`
	Pipelines map[string]PipelineSnapshot `json:"pipelines"`
}

// Snapshot returns a copy of every tracked component's current stats.
func (r *Registry) Snapshot() RegistrySnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := RegistrySnapshot{
		Phase:     r.Phase(),
		Sources:   make(map[string]SourceSnapshot, len(r.sources)),
		Sinks:     make(map[string]SinkSnapshot, len(r.sinks)),
		Pipelines: make(map[string]PipelineSnapshot, len(r.pipelines)),
	}
	for name, s := range r.sources {
		snap.Sources[name] = s.Snapshot()
	}
	for name, s := range r.sinks {
		snap.Sinks[name] = s.Snapshot()
	}
	for name, p := range r.pipelines {
		snap.Pipelines[name] = p.Snapshot()
	}
	return snap
}

func (r *Registry) scanOnce() {
	r.mu.RLock()
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	sinkNames := make([]string, 0, len(r.sinks))
	for name := range r.sinks {
		sinkNames = append(sinkNames, name)
	}
	r.mu.RUnlock()

	for _, name := range names {
		if h := r.SourceHealth(name); !h.Healthy {
			r.logger.Warn().Str("source", name).Str("detail", h.Detail).Msg("source degraded")
		}
	}
	for _, name := range sinkNames {
		if h := r.SinkHealth(name); !h.Healthy {
			r.logger.Warn().Str("sink", name).Str("detail", h.Detail).Msg("sink degraded")
		}
	}

	r.subMu.Lock()
	for ch := range r.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	r.subMu.Unlock()
}

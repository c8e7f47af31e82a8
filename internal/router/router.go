// Package router implements the Pipeline Router (spec §4.4/§5),
// grounded on the teacher's pipeline.go ownership/registry shape (a
// mutex-guarded struct with a deterministic status snapshot) but
// generalized from "one fixed pipeline" to an n:n pipelines[name]
// registry fed by any number of named sources and sinks.
package router

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfoltran/cdcfabric/internal/cdcerr"
	"github.com/jfoltran/cdcfabric/internal/config"
	"github.com/jfoltran/cdcfabric/internal/deadletter"
	"github.com/jfoltran/cdcfabric/internal/filter"
	"github.com/jfoltran/cdcfabric/internal/model"
	"github.com/jfoltran/cdcfabric/internal/retry"
	"github.com/jfoltran/cdcfabric/internal/sink"
	"github.com/jfoltran/cdcfabric/internal/sink/batch"
	"github.com/jfoltran/cdcfabric/internal/source"
	"github.com/jfoltran/cdcfabric/internal/stats"
)

// backpressureFactor sizes a pipeline's ingest channel relative to its
// configured batch_size, per §4.4's back-pressure bound.
const backpressureFactor = 2

// inflight is one change in transit through a pipeline, carrying the
// watermark entry the router decrements once the pipeline reaches a
// terminal outcome for it.
type inflight struct {
	change *model.Change
	wm     *wmEntry
}

type pipelineEntry struct {
	name          string
	sourceName    string
	sinkName      string
	sink          sink.Writer
	filter        *filter.Expr
	enabled       atomic.Bool
	retryPolicy   config.RetryPolicy
	batchSize     int
	flushInterval time.Duration
	ingest        chan *inflight
	stats         *stats.PipelineStats
}

// wmEntry tracks how many matched pipelines still owe a terminal
// verdict for one source position.
type wmEntry struct {
	position model.Position
	pending  int
}

// watermark is a per-source FIFO of in-flight positions. Positions are
// opaque outside their producing connector, but a single connector
// always emits them in increasing order, so a plain queue (rather than
// a general ordered structure) is enough to know when it is safe to
// ack: once the front of the queue has no pipelines left owing a
// verdict, it (and every now-resolved entry behind it) can be acked in
// order.
type watermark struct {
	mu      sync.Mutex
	entries []*wmEntry
}

func (w *watermark) register(pos model.Position, pending int) *wmEntry {
	e := &wmEntry{position: pos, pending: pending}
	w.mu.Lock()
	w.entries = append(w.entries, e)
	w.mu.Unlock()
	return e
}

// complete decrements e's pending count and returns every position
// (in order) now safe to ack, draining the front of the queue.
func (w *watermark) complete(e *wmEntry) []model.Position {
	w.mu.Lock()
	defer w.mu.Unlock()
	e.pending--

	var acked []model.Position
	for len(w.entries) > 0 && w.entries[0].pending <= 0 {
		acked = append(acked, w.entries[0].position)
		w.entries = w.entries[1:]
	}
	return acked
}

// Router dispatches changes from sources to the pipelines that match
// them, and acks each source position once every matching pipeline has
// reached a terminal state for it.
type Router struct {
	mu                 sync.RWMutex
	sources            map[string]source.Connector
	sinks              map[string]sink.Writer
	pipelines          map[string]*pipelineEntry
	perSourcePipelines map[string][]*pipelineEntry

	wmMu       sync.Mutex
	watermarks map[string]*watermark

	deadletter deadletter.Queue
	retryCtl   *retry.Controller
	statsReg   *stats.Registry
	logger     zerolog.Logger

	flushInterval time.Duration

	ctx context.Context
}

// New returns a Router whose goroutines run until ctx is cancelled.
// flushInterval is the default size-or-time coalescing window (spec
// §4.5) every registered pipeline's sink batch uses.
func New(ctx context.Context, statsReg *stats.Registry, dlq deadletter.Queue, logger zerolog.Logger, flushInterval time.Duration) *Router {
	return &Router{
		ctx:                ctx,
		sources:            make(map[string]source.Connector),
		sinks:              make(map[string]sink.Writer),
		pipelines:          make(map[string]*pipelineEntry),
		perSourcePipelines: make(map[string][]*pipelineEntry),
		watermarks:         make(map[string]*watermark),
		deadletter:         dlq,
		retryCtl:           retry.NewController(),
		statsReg:           statsReg,
		logger:             logger.With().Str("component", "router").Logger(),
		flushInterval:      flushInterval,
	}
}

// AddSource registers a connected source connector under name, making
// it available to RegisterPipeline.
func (r *Router) AddSource(name string, conn source.Connector) {
	r.mu.Lock()
	r.sources[name] = conn
	r.mu.Unlock()
}

// AddSink registers a connected sink writer under name, making it
// available to RegisterPipeline.
func (r *Router) AddSink(name string, w sink.Writer) {
	r.mu.Lock()
	r.sinks[name] = w
	r.mu.Unlock()
}

// RegisterPipeline validates cfg against the router's known sources
// and sinks, parses its filter expression, and starts its consumer
// goroutine. Per §4.4, a bad filter or an unknown source/sink fails
// registration rather than silently dropping changes later.
func (r *Router) RegisterPipeline(cfg config.PipelineConfig) error {
	expr, err := filter.Parse(cfg.FilterExpression)
	if err != nil {
		return fmt.Errorf("pipeline %q: %w", cfg.Name, err)
	}

	r.mu.Lock()
	if _, exists := r.pipelines[cfg.Name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("pipeline %q: %w", cfg.Name, cdcerr.ErrDuplicateName)
	}
	_, ok := r.sources[cfg.SourceName]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("pipeline %q: source %q: %w", cfg.Name, cfg.SourceName, cdcerr.ErrUnknownSource)
	}
	snk, ok := r.sinks[cfg.SinkName]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("pipeline %q: sink %q: %w", cfg.Name, cfg.SinkName, cdcerr.ErrUnknownSink)
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 1
	}
	capacity := batchSize * backpressureFactor
	pe := &pipelineEntry{
		name:          cfg.Name,
		sourceName:    cfg.SourceName,
		sinkName:      cfg.SinkName,
		sink:          snk,
		filter:        expr,
		retryPolicy:   cfg.Retry,
		batchSize:     batchSize,
		flushInterval: r.flushInterval,
		ingest:        make(chan *inflight, capacity),
		stats:         r.statsReg.Pipeline(cfg.Name),
	}
	pe.enabled.Store(cfg.Enabled)
	r.pipelines[cfg.Name] = pe
	r.rebuildPerSourceLocked(cfg.SourceName)
	r.mu.Unlock()

	go r.runPipeline(pe)
	return nil
}

// rebuildPerSourceLocked must be called with r.mu held. It rebuilds the
// sorted-by-name dispatch list for sourceName so OnChange never sorts
// on the hot path.
func (r *Router) rebuildPerSourceLocked(sourceName string) {
	var list []*pipelineEntry
	for _, pe := range r.pipelines {
		if pe.sourceName == sourceName {
			list = append(list, pe)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].name < list[j].name })
	r.perSourcePipelines[sourceName] = list
}

// Enable flips pipeline name's enabled flag on.
func (r *Router) Enable(name string) error { return r.setEnabled(name, true) }

// Disable flips pipeline name's enabled flag off; in-flight changes
// already accepted still drain normally.
func (r *Router) Disable(name string) error { return r.setEnabled(name, false) }

func (r *Router) setEnabled(name string, enabled bool) error {
	r.mu.RLock()
	pe, ok := r.pipelines[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("pipeline %q: %w", name, cdcerr.ErrUnknownPipeline)
	}
	pe.enabled.Store(enabled)
	return nil
}

// OnChange is the callback a source connector invokes per decoded
// change (spec §4.4): it snapshots the enabled+matching pipelines for
// sourceName sorted by name, fans the change out to each one
// non-blockingly under normal load, and either acks the position
// immediately (no pipeline matched) or registers a watermark entry so
// the position is acked once every matched pipeline reaches a terminal
// state.
func (r *Router) OnChange(sourceName string, c *model.Change) {
	r.mu.RLock()
	list := r.perSourcePipelines[sourceName]
	matched := make([]*pipelineEntry, 0, len(list))
	for _, pe := range list {
		if pe.enabled.Load() && pe.filter.Match(c) {
			matched = append(matched, pe)
		}
	}
	r.mu.RUnlock()

	if len(matched) == 0 {
		r.ackSource(sourceName, c.Position())
		return
	}

	e := r.watermarkFor(sourceName).register(c.Position(), len(matched))
	for _, pe := range matched {
		pe.stats.RecordIn()
		select {
		case pe.ingest <- &inflight{change: c, wm: e}:
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *Router) watermarkFor(sourceName string) *watermark {
	r.wmMu.Lock()
	defer r.wmMu.Unlock()
	w, ok := r.watermarks[sourceName]
	if !ok {
		w = &watermark{}
		r.watermarks[sourceName] = w
	}
	return w
}

func (r *Router) ackSource(sourceName string, pos model.Position) {
	r.mu.RLock()
	src, ok := r.sources[sourceName]
	r.mu.RUnlock()
	if !ok {
		return
	}
	if err := src.Ack(r.ctx, pos); err != nil {
		r.logger.Warn().Err(err).Str("source", sourceName).Msg("ack failed")
	}
}

func (r *Router) completeWatermark(sourceName string, e *wmEntry) {
	for _, pos := range r.watermarkFor(sourceName).complete(e) {
		r.ackSource(sourceName, pos)
	}
}

// runPipeline is the per-pipeline consumer goroutine (spec §4.5/§5): it
// reads in-flight changes from pe.ingest into a batch.Buffer that
// coalesces up to pe.batchSize items or pe.flushInterval, whichever
// comes first, and flushes each coalesced batch through processBatch.
// The coalescing timer is driven from this same goroutine rather than
// batch.Buffer's own background timer, so every flush — whether
// triggered by size or by time — runs serially on this one goroutine
// and the per-pipeline delivery order (spec §4.4/P2) is never at risk
// of two flushes racing each other into pe.sink.
func (r *Router) runPipeline(pe *pipelineEntry) {
	var timer *time.Timer
	var timerC <-chan time.Time
	pending := false

	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
		}
		timerC = nil
		pending = false
	}

	buf := batch.New[*inflight](pe.batchSize, 0, func(items []*inflight) {
		stopTimer()
		r.processBatch(pe, items)
	})

	for {
		select {
		case <-r.ctx.Done():
			buf.Flush()
			return
		case item, ok := <-pe.ingest:
			if !ok {
				buf.Flush()
				return
			}
			if !pending && pe.flushInterval > 0 {
				pending = true
				timer = time.NewTimer(pe.flushInterval)
				timerC = timer.C
			}
			buf.Add(item)
		case <-timerC:
			buf.Flush()
		}
	}
}

// processBatch hands a coalesced batch to pe.sink (spec §4.5): changes
// are split into runs that share (schema, table, op) so a sink's batch
// translation (a multi-row INSERT/CopyFrom, a BulkWrite) sees the
// uniform shape it expects, preserving the batch's original order.
func (r *Router) processBatch(pe *pipelineEntry, items []*inflight) {
	for _, run := range groupByTableOp(items) {
		r.processRun(pe, run)
	}
}

// groupByTableOp splits items into maximal order-preserving runs that
// share the same (schema, table, op), the shape ApplyBatch requires.
func groupByTableOp(items []*inflight) [][]*inflight {
	var runs [][]*inflight
	for _, it := range items {
		if n := len(runs); n > 0 {
			last := runs[n-1]
			prev := last[len(last)-1].change
			if prev.Schema() == it.change.Schema() && prev.Table() == it.change.Table() && prev.Op() == it.change.Op() {
				runs[n-1] = append(last, it)
				continue
			}
		}
		runs = append(runs, []*inflight{it})
	}
	return runs
}

// processRun applies one uniform-shape run through ApplyBatch. A
// single-item run goes through the per-change retry path directly; a
// multi-item run that fails as a whole falls back to retrying each row
// individually, since a sink without a native transaction can only
// report pass/fail per batch, not per row (spec §4.5/§9).
func (r *Router) processRun(pe *pipelineEntry, items []*inflight) {
	if len(items) == 1 {
		r.processOne(pe, items[0])
		return
	}

	start := time.Now()
	changes := make([]*model.Change, len(items))
	for i, it := range items {
		changes[i] = it.change
	}

	if err := pe.sink.ApplyBatch(r.ctx, changes, sink.WriteDirect); err != nil {
		r.logger.Warn().Err(err).Str("pipeline", pe.name).Int("batch_size", len(items)).Msg("batch apply failed, retrying rows individually")
		for _, it := range items {
			r.processOne(pe, it)
		}
		return
	}

	for _, it := range items {
		pe.stats.RecordOutcome(true, false, time.Since(start))
		r.completeWatermark(pe.sourceName, it.wm)
	}
}

func (r *Router) processOne(pe *pipelineEntry, item *inflight) {
	start := time.Now()
	intent := sink.WriteDirect

	for attempt := 1; ; attempt++ {
		err := pe.sink.Apply(r.ctx, item.change, intent)
		if err == nil {
			pe.stats.RecordOutcome(true, false, time.Since(start))
			r.completeWatermark(pe.sourceName, item.wm)
			return
		}

		decision := r.retryCtl.Schedule(pe.retryPolicy, attempt, err)
		switch decision.Action {
		case retry.ActionRetry:
			// Every retried attempt is applied as an upsert, so a
			// change that partly landed is safe to apply again.
			intent = sink.WriteUpsert
			select {
			case <-time.After(decision.RetryAfter):
			case <-r.ctx.Done():
				return
			}
			continue

		case retry.ActionDeadLetter:
			if r.deadletter != nil {
				if dlErr := r.deadletter.Enqueue(r.ctx, pe.name, item.change, cdcerr.As(err), err.Error(), attempt); dlErr != nil {
					r.logger.Error().Err(dlErr).Str("pipeline", pe.name).Msg("failed to dead-letter change")
				}
			}
			pe.stats.RecordOutcome(false, true, time.Since(start))
			r.completeWatermark(pe.sourceName, item.wm)
			return

		default: // ActionAbort
			r.logger.Error().Err(err).Str("pipeline", pe.name).Msg(cdcerr.ErrPipelineAbort.Error())
			pe.stats.RecordOutcome(false, false, time.Since(start))
			pe.enabled.Store(false)
			r.completeWatermark(pe.sourceName, item.wm)
			return
		}
	}
}

package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfoltran/cdcfabric/internal/cdcerr"
	"github.com/jfoltran/cdcfabric/internal/config"
	"github.com/jfoltran/cdcfabric/internal/deadletter"
	"github.com/jfoltran/cdcfabric/internal/model"
	"github.com/jfoltran/cdcfabric/internal/sink"
	"github.com/jfoltran/cdcfabric/internal/source"
	"github.com/jfoltran/cdcfabric/internal/stats"
)

type fakeSource struct {
	name   string
	mu     sync.Mutex
	acked  []model.Position
	ackSig chan struct{}
}

func newFakeSource(name string) *fakeSource {
	return &fakeSource{name: name, ackSig: make(chan struct{}, 64)}
}

func (f *fakeSource) Name() string { return f.name }
func (f *fakeSource) Connect(ctx context.Context, lastPosition model.Position) error { return nil }
func (f *fakeSource) Stream(ctx context.Context, handler source.Handler) error       { return nil }
func (f *fakeSource) Ack(ctx context.Context, pos model.Position) error {
	f.mu.Lock()
	f.acked = append(f.acked, pos)
	f.mu.Unlock()
	f.ackSig <- struct{}{}
	return nil
}
func (f *fakeSource) Pause()  {}
func (f *fakeSource) Resume() {}
func (f *fakeSource) Health() source.Health { return source.Health{} }
func (f *fakeSource) Disconnect(ctx context.Context) error { return nil }

func (f *fakeSource) ackedPositions() []model.Position {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Position, len(f.acked))
	copy(out, f.acked)
	return out
}

type fakeSink struct {
	name       string
	mu         sync.Mutex
	applied    []*model.Change
	failNTimes int
	attempts   int
}

func (s *fakeSink) Name() string                           { return s.name }
func (s *fakeSink) Connect(ctx context.Context) error      { return nil }
func (s *fakeSink) Disconnect(ctx context.Context) error   { return nil }
func (s *fakeSink) Health() sink.Health                    { return sink.Health{State: sink.StateConnected} }

func (s *fakeSink) Apply(ctx context.Context, c *model.Change, intent sink.WriteIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.attempts <= s.failNTimes {
		return cdcerr.New(cdcerr.KindTransient, errors.New("boom"))
	}
	s.applied = append(s.applied, c)
	return nil
}

func (s *fakeSink) ApplyBatch(ctx context.Context, changes []*model.Change, intent sink.WriteIntent) error {
	for _, c := range changes {
		if err := s.Apply(ctx, c, intent); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeSink) Delete(ctx context.Context, table model.Ident, key []model.Field) error {
	return nil
}

func insertChange(t *testing.T, table string, pos model.Position) *model.Change {
	t.Helper()
	after := &model.Tuple{Fields: []model.Field{{Name: "id", Value: 1}}}
	c, err := model.New(model.OpInsert, model.Ident{Database: "d", Schema: "public", Table: table}, nil, after, nil, nil, pos, time.Now(), "")
	if err != nil {
		t.Fatalf("model.New() unexpected error: %v", err)
	}
	return c
}

func testRetryPolicy() config.RetryPolicy {
	return config.RetryPolicy{Kind: config.RetryFixed, BaseDelay: time.Millisecond, MaxRetries: 3}
}

func newTestRouter(ctx context.Context) *Router {
	reg := stats.NewRegistry(time.Minute, zerolog.Nop())
	return New(ctx, reg, deadletter.NewMemoryQueue(), zerolog.Nop(), 20*time.Millisecond)
}

func TestRegisterPipeline_UnknownSource(t *testing.T) {
	r := newTestRouter(context.Background())
	r.AddSink("snk", &fakeSink{name: "snk"})
	err := r.RegisterPipeline(config.PipelineConfig{Name: "p", SourceName: "missing", SinkName: "snk", BatchSize: 10, Retry: testRetryPolicy()})
	if !errors.Is(err, cdcerr.ErrUnknownSource) {
		t.Fatalf("err = %v, want ErrUnknownSource", err)
	}
}

func TestRegisterPipeline_DuplicateName(t *testing.T) {
	r := newTestRouter(context.Background())
	r.AddSource("src", newFakeSource("src"))
	r.AddSink("snk", &fakeSink{name: "snk"})
	cfg := config.PipelineConfig{Name: "p", SourceName: "src", SinkName: "snk", BatchSize: 10, Retry: testRetryPolicy(), Enabled: true}
	if err := r.RegisterPipeline(cfg); err != nil {
		t.Fatalf("first RegisterPipeline() error: %v", err)
	}
	if err := r.RegisterPipeline(cfg); !errors.Is(err, cdcerr.ErrDuplicateName) {
		t.Fatalf("err = %v, want ErrDuplicateName", err)
	}
}

func TestOnChange_UnmatchedAcksImmediately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := newTestRouter(ctx)
	src := newFakeSource("src")
	r.AddSource("src", src)
	r.AddSink("snk", &fakeSink{name: "snk"})
	cfg := config.PipelineConfig{Name: "p", SourceName: "src", SinkName: "snk", FilterExpression: "table:orders", BatchSize: 10, Retry: testRetryPolicy(), Enabled: true}
	if err := r.RegisterPipeline(cfg); err != nil {
		t.Fatalf("RegisterPipeline() error: %v", err)
	}

	c := insertChange(t, "customers", model.Position("1"))
	r.OnChange("src", c)

	select {
	case <-src.ackSig:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for immediate ack of unmatched change")
	}
	if got := src.ackedPositions(); len(got) != 1 {
		t.Fatalf("acked = %v, want 1 position", got)
	}
}

func TestOnChange_MatchedAppliesAndAcks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := newTestRouter(ctx)
	src := newFakeSource("src")
	snk := &fakeSink{name: "snk"}
	r.AddSource("src", src)
	r.AddSink("snk", snk)
	cfg := config.PipelineConfig{Name: "p", SourceName: "src", SinkName: "snk", FilterExpression: "table:orders", BatchSize: 10, Retry: testRetryPolicy(), Enabled: true}
	if err := r.RegisterPipeline(cfg); err != nil {
		t.Fatalf("RegisterPipeline() error: %v", err)
	}

	c := insertChange(t, "orders", model.Position("1"))
	r.OnChange("src", c)

	select {
	case <-src.ackSig:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ack after successful apply")
	}

	snk.mu.Lock()
	applied := len(snk.applied)
	snk.mu.Unlock()
	if applied != 1 {
		t.Fatalf("applied = %d, want 1", applied)
	}
}

func TestOnChange_RetriesThenSucceeds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := newTestRouter(ctx)
	src := newFakeSource("src")
	snk := &fakeSink{name: "snk", failNTimes: 2}
	r.AddSource("src", src)
	r.AddSink("snk", snk)
	cfg := config.PipelineConfig{Name: "p", SourceName: "src", SinkName: "snk", BatchSize: 10, Retry: testRetryPolicy(), Enabled: true}
	if err := r.RegisterPipeline(cfg); err != nil {
		t.Fatalf("RegisterPipeline() error: %v", err)
	}

	c := insertChange(t, "orders", model.Position("1"))
	r.OnChange("src", c)

	select {
	case <-src.ackSig:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ack after retried apply")
	}

	snk.mu.Lock()
	attempts := snk.attempts
	snk.mu.Unlock()
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3 (2 failures + 1 success)", attempts)
	}
}

func TestOnChange_ExceedsMaxRetriesDeadLetters(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := newTestRouter(ctx)
	src := newFakeSource("src")
	snk := &fakeSink{name: "snk", failNTimes: 100}
	r.AddSource("src", src)
	r.AddSink("snk", snk)
	cfg := config.PipelineConfig{Name: "p", SourceName: "src", SinkName: "snk", BatchSize: 10, Retry: config.RetryPolicy{Kind: config.RetryFixed, BaseDelay: time.Millisecond, MaxRetries: 1}, Enabled: true}
	if err := r.RegisterPipeline(cfg); err != nil {
		t.Fatalf("RegisterPipeline() error: %v", err)
	}

	c := insertChange(t, "orders", model.Position("1"))
	r.OnChange("src", c)

	select {
	case <-src.ackSig:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ack after dead-lettering")
	}

	entries, err := r.deadletter.List(ctx, "p", 10)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("dead-lettered entries = %d, want 1", len(entries))
	}
}

func TestEnableDisable_UnknownPipeline(t *testing.T) {
	r := newTestRouter(context.Background())
	if err := r.Enable("nope"); !errors.Is(err, cdcerr.ErrUnknownPipeline) {
		t.Fatalf("err = %v, want ErrUnknownPipeline", err)
	}
}

func TestDisable_StopsMatchingNewChanges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := newTestRouter(ctx)
	src := newFakeSource("src")
	snk := &fakeSink{name: "snk"}
	r.AddSource("src", src)
	r.AddSink("snk", snk)
	cfg := config.PipelineConfig{Name: "p", SourceName: "src", SinkName: "snk", BatchSize: 10, Retry: testRetryPolicy(), Enabled: true}
	if err := r.RegisterPipeline(cfg); err != nil {
		t.Fatalf("RegisterPipeline() error: %v", err)
	}
	if err := r.Disable("p"); err != nil {
		t.Fatalf("Disable() error: %v", err)
	}

	c := insertChange(t, "orders", model.Position("1"))
	r.OnChange("src", c)

	select {
	case <-src.ackSig:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for immediate ack of change on a disabled pipeline")
	}
	snk.mu.Lock()
	applied := len(snk.applied)
	snk.mu.Unlock()
	if applied != 0 {
		t.Fatalf("applied = %d, want 0 (pipeline disabled)", applied)
	}
}

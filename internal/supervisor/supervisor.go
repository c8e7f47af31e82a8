// Package supervisor implements the Lifecycle Supervisor (spec
// §4.8/§5), grounded on the teacher's pipeline.go orchestration shape
// (phase tracking under a mutex, a single root context.CancelFunc
// stored on the struct, deterministic teardown order in Close()) and
// cmd/pgmigrator/root.go's config-driven construction-then-run
// pattern, generalized from "drive one migration" to "construct and
// own every source/sink/pipeline named in a config.Config".
package supervisor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/jfoltran/cdcfabric/internal/config"
	"github.com/jfoltran/cdcfabric/internal/deadletter"
	"github.com/jfoltran/cdcfabric/internal/model"
	"github.com/jfoltran/cdcfabric/internal/position"
	"github.com/jfoltran/cdcfabric/internal/router"
	"github.com/jfoltran/cdcfabric/internal/sink"
	"github.com/jfoltran/cdcfabric/internal/sink/document"
	"github.com/jfoltran/cdcfabric/internal/sink/relational"
	"github.com/jfoltran/cdcfabric/internal/source"
	"github.com/jfoltran/cdcfabric/internal/source/broker"
	"github.com/jfoltran/cdcfabric/internal/source/changestream"
	"github.com/jfoltran/cdcfabric/internal/source/wal"
	"github.com/jfoltran/cdcfabric/internal/stats"
)

// Supervisor owns every source, sink, and pipeline built from a
// config.Config, and coordinates their connection and teardown order.
type Supervisor struct {
	logger zerolog.Logger

	mu        sync.Mutex
	phase     string
	cfg       *config.Config
	router    *router.Router
	statsReg  *stats.Registry
	statePers *stats.StatePersister
	posStore  position.Store

	sources  map[string]source.Connector
	sinks    map[string]sink.Writer
	pgPools  []*pgxpool.Pool
	mongoCls []*mongo.Client

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a ready-to-Start Supervisor.
func New(logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		logger:  logger.With().Str("component", "supervisor").Logger(),
		sources: make(map[string]source.Connector),
		sinks:   make(map[string]sink.Writer),
	}
}

// Start validates cfg, builds every sink, then every source (§4.8:
// "sinks first, then sources"), registers every pipeline once both
// sides are connected, and launches the per-source streaming
// goroutines plus the health-scan loop. All goroutines are parented
// off one root context derived from ctx.
func (s *Supervisor) Start(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	rootCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cfg = cfg
	s.cancel = cancel
	s.setPhaseLocked("starting")
	s.mu.Unlock()

	s.statsReg = stats.NewRegistry(cfg.StalenessThreshold, s.logger)
	dlq := deadletter.NewMemoryQueue()
	s.router = router.New(rootCtx, s.statsReg, dlq, s.logger, cfg.FlushInterval)

	s.setPhase("connecting-sinks")
	for name, sc := range cfg.Sinks {
		w, err := s.buildSink(ctx, name, sc)
		if err != nil {
			return fmt.Errorf("build sink %q: %w", name, err)
		}
		if err := w.Connect(ctx); err != nil {
			return fmt.Errorf("connect sink %q: %w", name, err)
		}
		s.sinks[name] = w
		s.router.AddSink(name, w)
		s.statsReg.Sink(name).SetConnected(true)
	}

	if err := s.buildPositionStore(ctx, cfg); err != nil {
		return fmt.Errorf("build position store: %w", err)
	}

	s.setPhase("connecting-sources")
	for name, sc := range cfg.Sources {
		built, err := s.buildSource(ctx, name, sc)
		if err != nil {
			return fmt.Errorf("build source %q: %w", name, err)
		}
		conn := &posPersistingConnector{Connector: built, name: name, store: s.posStore}
		lastPosBytes, _, err := s.posStore.Load(ctx, name)
		if err != nil {
			return fmt.Errorf("load position for source %q: %w", name, err)
		}
		if err := conn.Connect(ctx, model.Position(lastPosBytes)); err != nil {
			return fmt.Errorf("connect source %q: %w", name, err)
		}
		s.sources[name] = conn
		s.router.AddSource(name, conn)
		s.statsReg.Source(name).SetConnected(true)

		s.wg.Add(1)
		go s.runSource(rootCtx, name, conn)
	}

	s.setPhase("registering-pipelines")
	for _, pc := range cfg.Pipelines {
		if err := s.router.RegisterPipeline(pc); err != nil {
			return fmt.Errorf("register pipeline %q: %w", pc.Name, err)
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.statsReg.ScanHealth(rootCtx, cfg.HealthInterval)
	}()

	if pers, err := stats.NewStatePersister(s.statsReg, s.logger); err != nil {
		s.logger.Warn().Err(err).Msg("state persister unavailable, `status` will be offline-only")
	} else {
		s.statePers = pers
		s.statePers.Start(cfg.StatsInterval)
	}

	s.setPhase("running")
	return nil
}

func (s *Supervisor) runSource(ctx context.Context, name string, conn source.Connector) {
	defer s.wg.Done()
	srcStats := s.statsReg.Source(name)

	err := conn.Stream(ctx, func(c *model.Change) {
		now := time.Now()
		lag := now.Sub(c.CommitTime())
		srcStats.RecordEvent(now, lag)
		s.router.OnChange(name, c)
	})
	if err != nil && ctx.Err() == nil {
		s.logger.Error().Err(err).Str("source", name).Msg("source stream ended with error")
	}
}

// Shutdown stops sources first (no more changes enter), lets the
// router drain in-flight changes through the sinks, and disconnects
// sinks, all bounded by cfg.ShutdownGrace per §4.8. There is no
// separate final position write: each Ack has already committed its
// position to the store.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.setPhase("stopping")

	if s.statePers != nil {
		s.statePers.Stop()
	}

	s.mu.Lock()
	grace := config.DefaultShutdownGrace
	if s.cfg != nil {
		grace = s.cfg.ShutdownGrace
	}
	cancel := s.cancel
	s.mu.Unlock()

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, grace)
	defer shutdownCancel()

	for name, src := range s.sources {
		if err := src.Disconnect(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Str("source", name).Msg("source disconnect failed during shutdown")
		}
	}

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		s.logger.Warn().Msg("shutdown grace period exceeded, forcing teardown")
	}

	if cancel != nil {
		cancel()
	}

	for name, snk := range s.sinks {
		if err := snk.Disconnect(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Str("sink", name).Msg("sink disconnect failed during shutdown")
		}
	}

	for _, pool := range s.pgPools {
		pool.Close()
	}
	for _, cl := range s.mongoCls {
		_ = cl.Disconnect(shutdownCtx)
	}

	if s.statsReg != nil {
		s.statsReg.Close()
	}

	s.setPhase("stopped")
	return nil
}

func (s *Supervisor) setPhase(phase string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setPhaseLocked(phase)
}

func (s *Supervisor) setPhaseLocked(phase string) {
	s.phase = phase
	s.logger.Info().Str("phase", phase).Msg("phase transition")
	if s.statsReg != nil {
		s.statsReg.SetPhase(phase)
	}
}

// Phase returns the supervisor's current lifecycle phase.
func (s *Supervisor) Phase() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Supervisor) buildSink(ctx context.Context, name string, sc config.SinkConfig) (sink.Writer, error) {
	switch sc.Kind {
	case config.SinkKindRelational:
		pool, err := pgxpool.New(ctx, sc.Conn.DSN())
		if err != nil {
			return nil, fmt.Errorf("relational sink pool: %w", err)
		}
		s.pgPools = append(s.pgPools, pool)
		return relational.New(name, pool, relational.Postgres{}, sc.TableMapping, s.logger), nil

	case config.SinkKindDocument:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(sc.Conn.DSN()))
		if err != nil {
			return nil, fmt.Errorf("document sink client: %w", err)
		}
		s.mongoCls = append(s.mongoCls, client)
		return document.New(name, client.Database(sc.Database), sc.TableMapping, s.logger), nil

	default:
		return nil, fmt.Errorf("unknown sink kind %q", sc.Kind)
	}
}

func (s *Supervisor) buildSource(ctx context.Context, name string, sc config.SourceConfig) (source.Connector, error) {
	switch sc.Kind {
	case config.SourceKindWAL:
		return wal.New(name, sc.Conn.ReplicationDSN(), sc.SlotName, sc.PublicationName, sc.Tables, s.logger), nil

	case config.SourceKindBroker:
		seeds := strings.Split(sc.Conn.Host, ",")
		return broker.New(name, seeds, sc.Topics, sc.ConsumerGroup, s.logger), nil

	case config.SourceKindChangeStream:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(sc.Conn.DSN()))
		if err != nil {
			return nil, fmt.Errorf("change stream client: %w", err)
		}
		s.mongoCls = append(s.mongoCls, client)
		if len(sc.Tables) == 0 {
			return nil, fmt.Errorf("change_stream source %q requires one collection name in tables", name)
		}
		coll := client.Database(sc.Conn.DBName).Collection(sc.Tables[0])
		policy := changestream.PositionLostResumeLatest
		if sc.PositionLostMode == config.PositionLostFatal {
			policy = changestream.PositionLostFatal
		}
		return changestream.New(name, coll, policy, s.logger), nil

	default:
		return nil, fmt.Errorf("unknown source kind %q", sc.Kind)
	}
}

// buildPositionStore picks a durable position store backed by the
// first relational sink's pool, if one exists; otherwise positions are
// tracked by the source's own server-side cursor only (e.g. a
// replication slot) and Load/Commit are no-ops.
func (s *Supervisor) buildPositionStore(ctx context.Context, cfg *config.Config) error {
	if len(s.pgPools) == 0 {
		s.posStore = position.NoopStore{}
		return nil
	}
	store := position.NewPostgresStore(s.pgPools[0])
	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}
	s.posStore = store
	return nil
}

// posPersistingConnector decorates a source.Connector so that every Ack
// also durably commits the position to the supervisor's position store,
// letting a restart resume from the last acknowledged point even for
// connectors (like change streams) with no server-side cursor of their
// own.
type posPersistingConnector struct {
	source.Connector
	name  string
	store position.Store
}

func (p *posPersistingConnector) Ack(ctx context.Context, pos model.Position) error {
	if err := p.Connector.Ack(ctx, pos); err != nil {
		return err
	}
	return p.store.Commit(ctx, p.name, pos)
}

// Package broker implements a Source Connector over a durable message
// broker subscription, grounded on github.com/twmb/franz-go/pkg/kgo
// (the same NewClient/ConsumerGroup/PollFetches/CommitRecords
// vocabulary the franz-go consumer internals, carried in the example
// pack, expose publicly). Each record's value is a JSON CDC envelope
// decoded by internal/source/broker/envelope; the position is the
// record's partition+offset.
package broker

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/jfoltran/cdcfabric/internal/cdcerr"
	"github.com/jfoltran/cdcfabric/internal/model"
	"github.com/jfoltran/cdcfabric/internal/source"
	"github.com/jfoltran/cdcfabric/internal/source/backoff"
	"github.com/jfoltran/cdcfabric/internal/source/broker/envelope"
)

// Connector consumes CDC envelopes from a set of broker topics as a
// member of a durable consumer group.
type Connector struct {
	name          string
	seedBrokers   []string
	topics        []string
	consumerGroup string
	logger        zerolog.Logger
	backoffPolicy backoff.Policy

	mu      sync.Mutex
	client  *kgo.Client
	state   source.State
	lastErr error
	paused  chan struct{}

	pendingMu sync.Mutex
	pending   map[string]*kgo.Record // position-string -> record, for Ack -> CommitRecords
}

// New constructs a broker.Connector. seedBrokers is a list of
// "host:port" broker addresses.
func New(name string, seedBrokers, topics []string, consumerGroup string, logger zerolog.Logger) *Connector {
	c := &Connector{
		name:          name,
		seedBrokers:   seedBrokers,
		topics:        topics,
		consumerGroup: consumerGroup,
		logger:        logger.With().Str("component", "source.broker").Str("source", name).Logger(),
		backoffPolicy: backoff.Default,
		pending:       make(map[string]*kgo.Record),
	}
	c.paused = make(chan struct{})
	close(c.paused)
	return c
}

func (c *Connector) Name() string { return c.name }

// Connect builds the underlying kgo.Client. lastPosition is unused: the
// consumer group's committed offsets, not an externally supplied
// position, determine where consumption resumes (spec §4.2's "not all
// connectors require C3 externally").
func (c *Connector) Connect(ctx context.Context, lastPosition model.Position) error {
	c.mu.Lock()
	c.state = source.StateConnecting
	c.mu.Unlock()

	opts := []kgo.Opt{
		kgo.SeedBrokers(c.seedBrokers...),
		kgo.ConsumeTopics(c.topics...),
		kgo.ConsumerGroup(c.consumerGroup),
		kgo.DisableAutoCommit(),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		c.setErr(cdcerr.New(cdcerr.KindConnectFailed, fmt.Errorf("create broker client: %w", err)))
		return c.lastErr
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		c.setErr(cdcerr.New(cdcerr.KindConnectFailed, fmt.Errorf("ping brokers: %w", err)))
		return c.lastErr
	}

	c.mu.Lock()
	c.client = client
	c.state = source.StateStreaming
	c.lastErr = nil
	c.mu.Unlock()
	return nil
}

// Stream polls for new records and decodes each one into a model.Change,
// reconnecting with backoff when PollFetches reports a fatal client
// error.
func (c *Connector) Stream(ctx context.Context, handler source.Handler) error {
	b := backoff.New(c.backoffPolicy)
	for {
		err := c.pollLoop(ctx, handler)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			return nil
		}
		if b.Exhausted() {
			c.logger.Error().Err(err).Msg("broker source reconnect attempts exhausted")
			return err
		}
		delay := b.Next()
		c.logger.Warn().Err(err).Dur("retry_in", delay).Msg("broker stream error, reconnecting")

		c.mu.Lock()
		c.state = source.StateReconnecting
		c.mu.Unlock()

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
		if cerr := c.Connect(ctx, nil); cerr != nil {
			continue
		}
		b.Reset()
	}
}

func (c *Connector) pollLoop(ctx context.Context, handler source.Handler) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return cdcerr.New(cdcerr.KindFatal, cdcerr.ErrNotInitialized)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.paused:
		}

		fetches := client.PollFetches(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			return cdcerr.New(cdcerr.KindTransient, fmt.Errorf("poll fetches: %v", errs[0].Err))
		}

		fetches.EachRecord(func(rec *kgo.Record) {
			pos := encodePosition(rec.Partition, rec.Offset)
			ch, err := envelope.Decode(rec.Value, pos)
			if err != nil {
				c.logger.Err(err).Str("topic", rec.Topic).Msg("dropping malformed broker record")
				return
			}
			c.pendingMu.Lock()
			c.pending[pos.String()] = rec
			c.pendingMu.Unlock()
			handler(ch)
		})
	}
}

// Ack commits the broker offset for the record at pos, matching spec
// §4.2's "ack the broker only after the router calls ack."
func (c *Connector) Ack(ctx context.Context, pos model.Position) error {
	c.pendingMu.Lock()
	rec, ok := c.pending[pos.String()]
	if ok {
		delete(c.pending, pos.String())
	}
	c.pendingMu.Unlock()
	if !ok {
		return nil
	}

	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return cdcerr.New(cdcerr.KindFatal, cdcerr.ErrNotInitialized)
	}
	return client.CommitRecords(ctx, rec)
}

func (c *Connector) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.paused:
		c.paused = make(chan struct{})
		c.state = source.StatePaused
	default:
	}
}

func (c *Connector) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.paused:
	default:
		close(c.paused)
		c.state = source.StateStreaming
	}
}

func (c *Connector) Health() source.Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	return source.Health{State: c.state, LastError: c.lastErr}
}

func (c *Connector) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.state = source.StateStopped
	c.mu.Unlock()
	if client == nil {
		return nil
	}
	client.Close()
	return nil
}

func (c *Connector) setErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

// encodePosition packs a partition+offset pair into a model.Position.
func encodePosition(partition int32, offset int64) model.Position {
	b := make([]byte, 12)
	binary.BigEndian.PutUint32(b[0:4], uint32(partition))
	binary.BigEndian.PutUint64(b[4:12], uint64(offset))
	return model.Position(b)
}

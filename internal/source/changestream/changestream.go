// Package changestream implements a Source Connector over a MongoDB
// change stream, grounded on go.mongodb.org/mongo-driver/mongo's
// Collection.Watch/*mongo.ChangeStream (the ecosystem successor to the
// legacy driver internals carried in the example pack: resume tokens,
// invalidate-event handling). cs.Next(ctx)/cs.Decode(&event) drives the
// stream; cs.ResumeToken() is the opaque model.Position.
package changestream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/jfoltran/cdcfabric/internal/cdcerr"
	"github.com/jfoltran/cdcfabric/internal/model"
	"github.com/jfoltran/cdcfabric/internal/source"
	"github.com/jfoltran/cdcfabric/internal/source/backoff"
)

// PositionLostPolicy controls recovery when the server invalidates the
// stream's resume token (a collection drop/rename, or a token aged out
// past the oplog window).
type PositionLostPolicy string

const (
	PositionLostResumeLatest PositionLostPolicy = "resume_latest"
	PositionLostFatal        PositionLostPolicy = "fatal"
)

type changeEvent struct {
	OperationType string        `bson:"operationType"`
	DocumentKey   bson.Raw      `bson:"documentKey"`
	FullDocument  bson.Raw      `bson:"fullDocument"`
	Ns            struct {
		DB   string `bson:"db"`
		Coll string `bson:"coll"`
	} `bson:"ns"`
	ClusterTime time.Time `bson:"clusterTime"`
}

// Connector streams change events from a single MongoDB collection.
type Connector struct {
	name           string
	collection     *mongo.Collection
	positionPolicy PositionLostPolicy
	logger         zerolog.Logger
	backoffPolicy  backoff.Policy

	mu      sync.Mutex
	stream  *mongo.ChangeStream
	state   source.State
	lastErr error
	resume  bson.Raw
	paused  chan struct{}
}

// New constructs a changestream.Connector over an already-connected
// *mongo.Collection.
func New(name string, collection *mongo.Collection, positionPolicy PositionLostPolicy, logger zerolog.Logger) *Connector {
	if positionPolicy == "" {
		positionPolicy = PositionLostFatal
	}
	c := &Connector{
		name:           name,
		collection:     collection,
		positionPolicy: positionPolicy,
		logger:         logger.With().Str("component", "source.changestream").Str("source", name).Logger(),
		backoffPolicy:  backoff.Default,
	}
	c.paused = make(chan struct{})
	close(c.paused)
	return c
}

func (c *Connector) Name() string { return c.name }

// Connect opens the change stream, resuming after lastPosition if
// supplied.
func (c *Connector) Connect(ctx context.Context, lastPosition model.Position) error {
	c.mu.Lock()
	c.state = source.StateConnecting
	c.mu.Unlock()

	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	if len(lastPosition) > 0 {
		opts.SetResumeAfter(bson.Raw(lastPosition))
	}

	stream, err := c.collection.Watch(ctx, mongo.Pipeline{}, opts)
	if err != nil {
		c.setErr(cdcerr.New(cdcerr.KindConnectFailed, fmt.Errorf("watch collection: %w", err)))
		return c.lastErr
	}

	c.mu.Lock()
	c.stream = stream
	c.state = source.StateStreaming
	c.lastErr = nil
	c.mu.Unlock()
	return nil
}

// Stream decodes change events into model.Change and invokes handler,
// reconnecting with backoff on a transient cursor error and applying
// the configured position-lost policy on resume-token invalidation.
func (c *Connector) Stream(ctx context.Context, handler source.Handler) error {
	b := backoff.New(c.backoffPolicy)
	for {
		err := c.consumeLoop(ctx, handler)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			return nil
		}
		if cdcerr.As(err) == cdcerr.KindPositionLost && c.positionPolicy == PositionLostFatal {
			c.logger.Error().Err(err).Msg("resume token invalidated, fatal per configured policy")
			return err
		}
		if b.Exhausted() {
			c.logger.Error().Err(err).Msg("changestream reconnect attempts exhausted")
			return err
		}
		delay := b.Next()
		c.logger.Warn().Err(err).Dur("retry_in", delay).Msg("changestream error, reconnecting")

		c.mu.Lock()
		c.state = source.StateReconnecting
		resumeFrom := c.resume
		c.mu.Unlock()

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}

		pos := model.Position(nil)
		if cdcerr.As(err) != cdcerr.KindPositionLost && resumeFrom != nil {
			pos = model.Position(resumeFrom)
		}
		if cerr := c.Connect(ctx, pos); cerr != nil {
			continue
		}
		b.Reset()
	}
}

func (c *Connector) consumeLoop(ctx context.Context, handler source.Handler) error {
	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()
	if stream == nil {
		return cdcerr.New(cdcerr.KindFatal, cdcerr.ErrNotInitialized)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.paused:
		}

		if !stream.Next(ctx) {
			if err := stream.Err(); err != nil {
				if isResumeTokenError(err) {
					return cdcerr.New(cdcerr.KindPositionLost, fmt.Errorf("change stream invalidated: %w", err))
				}
				return cdcerr.New(cdcerr.KindTransient, err)
			}
			return nil
		}

		var event changeEvent
		if err := stream.Decode(&event); err != nil {
			c.logger.Err(err).Msg("decode change event")
			continue
		}

		token := stream.ResumeToken()
		c.mu.Lock()
		c.resume = token
		c.mu.Unlock()

		ch, err := c.toChange(event, model.Position(token))
		if err != nil {
			c.logger.Err(err).Msg("invalid change event")
			continue
		}
		handler(ch)

		if event.OperationType == "invalidate" {
			return cdcerr.New(cdcerr.KindPositionLost, fmt.Errorf("collection invalidated"))
		}
	}
}

func (c *Connector) toChange(event changeEvent, pos model.Position) (*model.Change, error) {
	ident := model.Ident{Database: event.Ns.DB, Table: event.Ns.Coll}

	var before, after *model.Tuple
	var op model.Op
	switch event.OperationType {
	case "insert":
		op = model.OpInsert
		after = decodeDoc(event.FullDocument)
	case "update", "replace":
		op = model.OpUpdate
		after = decodeDoc(event.FullDocument)
	case "delete":
		op = model.OpDelete
		before = decodeDoc(event.DocumentKey)
	case "drop", "dropDatabase":
		op = model.OpTruncate
	default:
		return nil, fmt.Errorf("unsupported change event type %q", event.OperationType)
	}

	return model.New(op, ident, before, after, nil, nil, pos, event.ClusterTime, "")
}

func decodeDoc(raw bson.Raw) *model.Tuple {
	if raw == nil {
		return nil
	}
	elems, err := raw.Elements()
	if err != nil {
		return nil
	}
	t := &model.Tuple{Fields: make([]model.Field, 0, len(elems))}
	for _, e := range elems {
		t.Fields = append(t.Fields, model.Field{Name: e.Key(), Value: e.Value().String()})
	}
	return t
}

// Ack is a no-op for change streams: the resume token already captures
// position, and there is no separate server-side cursor to advance
// beyond re-issuing Watch with resumeAfter.
func (c *Connector) Ack(ctx context.Context, pos model.Position) error { return nil }

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
	stream := c.stream
	c.stream = nil
	c.state = source.StateStopped
	c.mu.Unlock()
	if stream == nil {
		return nil
	}
	return stream.Close(ctx)
}

func (c *Connector) setErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

// isResumeTokenError reports whether err indicates the change stream's
// resume token can no longer be used to resume (collection dropped or
// renamed, or the token aged out of the server's history), as opposed
// to a plain transient connectivity error.
func isResumeTokenError(err error) bool {
	if errors.Is(err, mongo.ErrMissingResumeToken) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "resume") || strings.Contains(msg, "ChangeStreamHistoryLost")
}

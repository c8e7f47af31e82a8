// Package document implements the Sink Writer for document targets
// (spec §4.5), generalizing the same Apply/ApplyBatch contract the
// relational sink implements onto go.mongodb.org/mongo-driver: Insert
// and Update both become ReplaceOne with upsert enabled (a document
// store has no separate "this row must already exist" update path the
// way SQL UPDATE does), Delete becomes DeleteOne, and Truncate drops
// the collection outright.
package document

import (
	"context"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"github.com/rs/zerolog"

	"github.com/jfoltran/cdcfabric/internal/cdcerr"
	"github.com/jfoltran/cdcfabric/internal/model"
	"github.com/jfoltran/cdcfabric/internal/sink"
)

// Sink is a document-store Writer.
type Sink struct {
	name     string
	database *mongo.Database
	mapping  map[string]string // "schema.table" -> target collection override
	logger   zerolog.Logger

	mu      sync.Mutex
	state   sink.State
	lastErr error
}

// New constructs a document Sink writing through database.
func New(name string, database *mongo.Database, mapping map[string]string, logger zerolog.Logger) *Sink {
	return &Sink{
		name:     name,
		database: database,
		mapping:  mapping,
		logger:   logger.With().Str("component", "sink.document").Str("sink", name).Logger(),
	}
}

func (s *Sink) Name() string { return s.name }

func (s *Sink) Connect(ctx context.Context) error {
	if err := s.database.Client().Ping(ctx, nil); err != nil {
		s.setErr(cdcerr.New(cdcerr.KindConnectFailed, fmt.Errorf("ping document sink: %w", err)))
		return s.lastErr
	}
	s.mu.Lock()
	s.state = sink.StateConnected
	s.lastErr = nil
	s.mu.Unlock()
	return nil
}

func (s *Sink) Disconnect(ctx context.Context) error {
	err := s.database.Client().Disconnect(ctx)
	s.mu.Lock()
	s.state = sink.StateDisconnected
	s.mu.Unlock()
	return err
}

func (s *Sink) Health() sink.Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sink.Health{State: s.state, LastError: s.lastErr}
}

func (s *Sink) collectionFor(c *model.Change) *mongo.Collection {
	return s.collectionForIdent(c.Ident())
}

func (s *Sink) collectionForIdent(ident model.Ident) *mongo.Collection {
	key := ident.Schema + "." + ident.Table
	if override, ok := s.mapping[key]; ok {
		return s.database.Collection(override)
	}
	return s.database.Collection(ident.Table)
}

func keyFilter(c *model.Change) bson.M {
	filter := bson.M{}
	for _, f := range model.KeyOf(c) {
		filter[f.Name] = f.Value
	}
	return filter
}

func docOf(t *model.Tuple) bson.M {
	doc := bson.M{}
	for _, f := range t.Fields {
		doc[f.Name] = f.Value
	}
	return doc
}

// Apply writes a single change. intent is accepted for interface
// symmetry with the relational sink but does not change behavior here:
// Insert/Update are always idempotent upserts, since ReplaceOne with
// upsert is the document store's natural equivalent of both.
func (s *Sink) Apply(ctx context.Context, c *model.Change, intent sink.WriteIntent) error {
	coll := s.collectionFor(c)

	switch c.Op() {
	case model.OpInsert, model.OpUpdate:
		after := c.After()
		if after == nil {
			return cdcerr.New(cdcerr.KindInvalidChange, fmt.Errorf("%s with no after tuple", c.Op()))
		}
		_, err := coll.ReplaceOne(ctx, keyFilter(c), docOf(after), options.Replace().SetUpsert(true))
		if err != nil {
			return cdcerr.New(cdcerr.KindTransient, fmt.Errorf("replace in %s: %w", coll.Name(), err))
		}
		return nil

	case model.OpDelete:
		if _, err := coll.DeleteOne(ctx, keyFilter(c)); err != nil {
			return cdcerr.New(cdcerr.KindTransient, fmt.Errorf("delete from %s: %w", coll.Name(), err))
		}
		return nil

	case model.OpTruncate:
		if err := coll.Drop(ctx); err != nil {
			return cdcerr.New(cdcerr.KindTransient, fmt.Errorf("drop %s: %w", coll.Name(), err))
		}
		return nil

	default:
		return cdcerr.New(cdcerr.KindInvalidChange, fmt.Errorf("unsupported op %v", c.Op()))
	}
}

// ApplyBatch writes changes sharing the same collection as one
// unordered bulk write, which mongo-driver still applies atomically
// per-document rather than per-batch, matching the at-least-once
// per-row semantics the relational batch path also provides.
func (s *Sink) ApplyBatch(ctx context.Context, changes []*model.Change, intent sink.WriteIntent) error {
	if len(changes) == 0 {
		return nil
	}
	coll := s.collectionFor(changes[0])

	models := make([]mongo.WriteModel, 0, len(changes))
	for _, c := range changes {
		switch c.Op() {
		case model.OpInsert, model.OpUpdate:
			after := c.After()
			if after == nil {
				return cdcerr.New(cdcerr.KindInvalidChange, fmt.Errorf("%s with no after tuple", c.Op()))
			}
			models = append(models, mongo.NewReplaceOneModel().
				SetFilter(keyFilter(c)).
				SetReplacement(docOf(after)).
				SetUpsert(true))
		case model.OpDelete:
			models = append(models, mongo.NewDeleteOneModel().SetFilter(keyFilter(c)))
		case model.OpTruncate:
			if err := coll.Drop(ctx); err != nil {
				return cdcerr.New(cdcerr.KindTransient, fmt.Errorf("drop %s: %w", coll.Name(), err))
			}
		default:
			return cdcerr.New(cdcerr.KindInvalidChange, fmt.Errorf("unsupported op %v", c.Op()))
		}
	}
	if len(models) == 0 {
		return nil
	}

	if _, err := coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false)); err != nil {
		return cdcerr.New(cdcerr.KindTransient, fmt.Errorf("bulk write to %s (%d ops): %w", coll.Name(), len(models), err))
	}
	return nil
}

// Delete removes the document identified by key from the collection
// table maps to, bypassing the Change-driven Apply/ApplyBatch path. It
// is the escape hatch spec §4.5 reserves for sources that cannot supply
// a full Delete envelope.
func (s *Sink) Delete(ctx context.Context, table model.Ident, key []model.Field) error {
	coll := s.collectionForIdent(table)
	filter := bson.M{}
	for _, f := range key {
		filter[f.Name] = f.Value
	}
	if _, err := coll.DeleteOne(ctx, filter); err != nil {
		return cdcerr.New(cdcerr.KindTransient, fmt.Errorf("delete from %s: %w", coll.Name(), err))
	}
	return nil
}

func (s *Sink) setErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

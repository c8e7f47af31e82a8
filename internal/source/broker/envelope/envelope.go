// Package envelope decodes the broker-carried CDC JSON envelope into a
// model.Change. Grounded on the other_examples edgeflare-pgo CDC
// example (cdc.OpCreate/OpUpdate/OpDelete, event.Payload.Source.Table,
// event.Payload.Before/After) — same op/source{db,schema,table}/
// before/after shape, tolerant of an optional outer {"payload": {...}}
// wrapper some producers add.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jfoltran/cdcfabric/internal/cdcerr"
	"github.com/jfoltran/cdcfabric/internal/model"
)

type wireSource struct {
	Database string `json:"db"`
	Schema   string `json:"schema"`
	Table    string `json:"table"`
}

type wireEnvelope struct {
	Op     string                    `json:"op"`
	TsMs   int64                     `json:"ts_ms"`
	Source wireSource                `json:"source"`
	Before map[string]json.RawMessage `json:"before"`
	After  map[string]json.RawMessage `json:"after"`

	// Payload is set when the producer wraps the envelope as
	// {"payload": {...the fields above...}}.
	Payload *wireEnvelope `json:"payload"`
}

func parseOp(s string) (model.Op, error) {
	switch s {
	case "c", "insert", "create":
		return model.OpInsert, nil
	case "u", "update":
		return model.OpUpdate, nil
	case "d", "delete":
		return model.OpDelete, nil
	case "t", "truncate":
		return model.OpTruncate, nil
	default:
		return model.OpUnknown, fmt.Errorf("unknown envelope op %q", s)
	}
}

func toTuple(fields map[string]json.RawMessage) (*model.Tuple, map[string]any) {
	if fields == nil {
		return nil, nil
	}
	t := &model.Tuple{Fields: make([]model.Field, 0, len(fields))}
	unknownTypes := make(map[string]any)
	for name, raw := range fields {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			unknownTypes[name] = string(raw)
			continue
		}
		t.Fields = append(t.Fields, model.Field{Name: name, Value: v})
	}
	if len(unknownTypes) == 0 {
		unknownTypes = nil
	}
	return t, unknownTypes
}

// Decode parses raw into a model.Change, appending anything it cannot
// classify into the resulting Change's Headers rather than dropping it:
// unknown envelope fields keep their raw JSON text under their own name,
// and before/after values that fail to decode go under "before."/"after.".
func Decode(raw []byte, pos model.Position) (*model.Change, error) {
	var env wireEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, cdcerr.New(cdcerr.KindInvalidChange, fmt.Errorf("decode envelope: %w", err))
	}
	fields := map[string]json.RawMessage{}
	_ = json.Unmarshal(raw, &fields)
	if p, ok := fields["payload"]; ok && env.Payload != nil {
		fields = map[string]json.RawMessage{}
		_ = json.Unmarshal(p, &fields)
	}
	if env.Payload != nil {
		env = *env.Payload
	}

	op, err := parseOp(env.Op)
	if err != nil {
		return nil, cdcerr.New(cdcerr.KindInvalidChange, err)
	}

	before, beforeUnknown := toTuple(env.Before)
	after, afterUnknown := toTuple(env.After)

	headers := map[string]any{}
	for k, v := range beforeUnknown {
		headers["before."+k] = v
	}
	for k, v := range afterUnknown {
		headers["after."+k] = v
	}
	for k, v := range fields {
		switch k {
		case "op", "ts_ms", "source", "before", "after", "payload":
			continue
		}
		headers[k] = string(v)
	}
	if len(headers) == 0 {
		headers = nil
	}

	commitTime := time.Now()
	if env.TsMs > 0 {
		commitTime = time.UnixMilli(env.TsMs)
	}

	ident := model.Ident{Database: env.Source.Database, Schema: env.Source.Schema, Table: env.Source.Table}
	return model.New(op, ident, before, after, nil, headers, pos, commitTime, "")
}

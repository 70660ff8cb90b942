// Package upcast rewrites historical event payloads into the current
// schema before any consumer sees them. The same pipeline serves both
// aggregate reconstruction and projection delivery, so every consumer
// observes one schema.
package upcast

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/chronicleworks/chronicle/event"
)

// ErrUnupcastable indicates a historical event has no rule path to the
// current schema. Fatal: a new rule must be deployed, retrying won't help.
var ErrUnupcastable = errors.New("chronicle/upcast: no upcast path")

// Rule lifts a payload at (Type, FromSchema) to FromSchema+1. Rules must
// be deterministic and free of side effects; they are chained until the
// current schema version is reached.
type Rule struct {
	Type       string
	FromSchema int
	Transform  func(payload map[string]interface{}, meta event.Metadata) (map[string]interface{}, event.Metadata, error)
}

// New returns a pipeline with the given rules
func New(rules ...Rule) *Pipeline {
	p := &Pipeline{
		rules:   make(map[string]map[int]Rule),
		current: make(map[string]int),
	}
	for _, r := range rules {
		p.Register(r)
	}
	return p
}

// Pipeline holds the rule chains per event type
type Pipeline struct {
	rules   map[string]map[int]Rule
	current map[string]int
}

// Register adds a rule. Later registrations for the same (type, schema)
// replace earlier ones.
func (p *Pipeline) Register(r Rule) {
	if p.rules[r.Type] == nil {
		p.rules[r.Type] = make(map[int]Rule)
	}
	p.rules[r.Type][r.FromSchema] = r
	if r.FromSchema+1 > p.current[r.Type] {
		p.current[r.Type] = r.FromSchema + 1
	}
}

// target is the schema version events of this type must reach: the
// registered body's schema when known, else the highest rule output
func (p *Pipeline) target(eventType string, at int) int {
	if current, ok := event.CurrentSchema(eventType); ok {
		return current
	}
	if current, ok := p.current[eventType]; ok && current > at {
		return current
	}
	return at
}

// Apply upcasts an event to the current schema for its type. Events
// already at the current schema pass through untouched.
func (p *Pipeline) Apply(e event.Event) (event.Event, error) {
	target := p.target(e.Type, e.SchemaVersion)
	if e.SchemaVersion >= target {
		return e, nil
	}

	payload := map[string]interface{}{}
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return event.Event{}, fmt.Errorf("decoding %s payload for upcast: %w", e.Type, err)
	}
	meta := e.Metadata

	for v := e.SchemaVersion; v < target; v++ {
		rule, ok := p.rules[e.Type][v]
		if !ok {
			return event.Event{}, fmt.Errorf("%w: %s schema %d", ErrUnupcastable, e.Type, v)
		}
		var err error
		payload, meta, err = rule.Transform(payload, meta)
		if err != nil {
			return event.Event{}, fmt.Errorf("upcasting %s schema %d: %w", e.Type, v, err)
		}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return event.Event{}, fmt.Errorf("encoding upcast %s payload: %w", e.Type, err)
	}

	e.Payload = raw
	e.SchemaVersion = target
	e.Metadata = meta
	return e, nil
}

// Decode fills a typed shape from a raw payload map, honouring json tags.
// A convenience for rule authors.
func Decode(in map[string]interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "json",
		Result:  out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}

// Encode turns a typed shape back into a payload map, honouring json tags
func Encode(in interface{}) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "json",
		Result:  &out,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(in); err != nil {
		return nil, err
	}
	return out, nil
}

package event

import (
	"errors"
	"fmt"
	"reflect"
)

// Body is the typed payload of an event. Implemented by every event type
// an application appends or consumes.
type Body interface {
	// Event returns the event's (unique) type name
	Event() string

	// Schema returns the body's current schema version
	Schema() int
}

// ErrUnregisteredType indicates an event type was never registered
var ErrUnregisteredType = errors.New("chronicle/event: unregistered event type")

var bodies = map[string]registration{}

type registration struct {
	typ    reflect.Type
	schema int
}

// Register records an event body so payloads can later be decoded by
// type name. Call once per event type at startup.
func Register(body Body) {
	t := reflect.TypeOf(body)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	bodies[body.Event()] = registration{typ: t, schema: body.Schema()}
}

// CurrentSchema returns the registered schema version for an event type
func CurrentSchema(eventType string) (int, bool) {
	reg, ok := bodies[eventType]
	if !ok {
		return 0, false
	}
	return reg.schema, true
}

// Body decodes the event's payload into its registered body type
func (e Event) Body() (Body, error) {
	reg, ok := bodies[e.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnregisteredType, e.Type)
	}
	out := reflect.New(reg.typ).Interface()
	if err := e.DecodePayload(out); err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", e.Type, err)
	}
	return out.(Body), nil
}

// Package aggregate reconstructs entity state from the event log and
// executes state-changing commands under optimistic concurrency.
//
// State is a plain value rebuilt by pure transition functions, one per
// event type, resolved by lookup. There is no base class and no mutable
// hidden state: transition(state, event) returns the next state.
package aggregate

import (
	"errors"

	"github.com/chronicleworks/chronicle/event"
)

var (
	// ErrUnhandledEventType indicates a stream contains an event with no
	// registered transition. Fatal: a deployment/ordering bug, not a
	// transient fault.
	ErrUnhandledEventType = errors.New("chronicle/aggregate: unhandled event type")

	// ErrUnknownAggregate indicates no definition is registered for a
	// stream type
	ErrUnknownAggregate = errors.New("chronicle/aggregate: unknown aggregate type")

	// ErrConflictExhausted indicates a command gave up after bounded
	// conflict retries. Surfaced to the command's originator, fatal for
	// that command.
	ErrConflictExhausted = errors.New("chronicle/aggregate: command conflict retries exhausted")
)

// Transition is a pure state transition for one event type
type Transition func(state interface{}, e event.Event) (interface{}, error)

// Definition describes how one aggregate type is rebuilt from its stream
type Definition struct {
	// Type matches event.StreamID.Type
	Type string

	// Initial returns a pointer to the empty state an unseeded rebuild
	// starts from
	Initial func() interface{}

	// Transitions maps event type names to their transition
	Transitions map[string]Transition
}

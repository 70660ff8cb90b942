// Package eventlog defines the append-only event log: the single source
// of truth for all domain facts. Backends live in subpackages.
package eventlog

import (
	"context"
	"errors"

	"github.com/chronicleworks/chronicle/event"
)

// ExpectedVersion is the stream head a writer believes it saw.
// Appending with a stale value fails with ErrConcurrencyConflict.
type ExpectedVersion int64

// Any disables the optimistic check for an append
const Any ExpectedVersion = -1

var (
	// ErrConcurrencyConflict indicates an optimistic locking failure:
	// the stream head moved since the writer loaded it
	ErrConcurrencyConflict = errors.New("chronicle/eventlog: concurrency conflict")
	// ErrForeignEvent indicates an appended batch contains an event
	// belonging to a different stream
	ErrForeignEvent = errors.New("chronicle/eventlog: event belongs to another stream")
	// ErrEmptyAppend indicates an append was attempted with no events
	ErrEmptyAppend = errors.New("chronicle/eventlog: empty append")
	// ErrStorageUnavailable indicates the durable store is unreachable.
	// The append path fails fast on this; writes are never buffered.
	ErrStorageUnavailable = errors.New("chronicle/eventlog: storage unavailable")
)

// Log is an append-only, versioned-per-stream event store.
type Log interface {
	// Append atomically appends a batch to one stream, assigning
	// consecutive stream versions starting at expected+1 and a contiguous
	// global offset segment. Returns the new head version. Fails with
	// ErrConcurrencyConflict if the stream head is not at expected.
	Append(ctx context.Context, stream event.StreamID, expected ExpectedVersion, events ...event.Event) (int64, error)

	// ReadStream returns the stream's events with versions greater than
	// after, ordered by stream version ascending
	ReadStream(ctx context.Context, stream event.StreamID, after int64) ([]event.Event, error)

	// ReadGlobal returns up to limit events with global offsets greater
	// than after, ordered by global offset ascending. Used for replay and
	// projection delivery, never for aggregate loading.
	ReadGlobal(ctx context.Context, after int64, limit int) ([]event.Event, error)

	Close() error
}

// CheckExpectedVersion performs the optimistic concurrency check against
// a stream's current head
func CheckExpectedVersion(head int64, expected ExpectedVersion) error {
	if expected == Any {
		return nil
	}
	if head != int64(expected) {
		return ErrConcurrencyConflict
	}
	return nil
}

// CheckBatch validates that an append batch is non-empty and wholly
// owned by the target stream
func CheckBatch(stream event.StreamID, events []event.Event) error {
	if len(events) == 0 {
		return ErrEmptyAppend
	}
	for _, e := range events {
		if !e.Stream.IsZero() && e.Stream != stream {
			return ErrForeignEvent
		}
	}
	return nil
}

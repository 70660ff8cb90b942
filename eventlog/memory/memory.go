// Package memory is an in-memory event log, for tests and local development
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/chronicleworks/chronicle/event"
	"github.com/chronicleworks/chronicle/eventlog"
)

// New returns an empty in-memory log. An optional notifier receives
// append notifications after each commit.
func New(notifier ...eventlog.Notifier) *Log {
	l := &Log{
		heads:    make(map[event.StreamID]int64),
		notifier: eventlog.NopNotifier{},
	}
	if len(notifier) > 0 {
		l.notifier = notifier[0]
	}
	return l
}

// Log keeps every event in a single global-order slice
type Log struct {
	mu       sync.Mutex
	events   []event.Event
	heads    map[event.StreamID]int64
	notifier eventlog.Notifier
}

var _ eventlog.Log = (*Log)(nil)

func (l *Log) Append(ctx context.Context, stream event.StreamID, expected eventlog.ExpectedVersion, events ...event.Event) (int64, error) {
	if err := eventlog.CheckBatch(stream, events); err != nil {
		return 0, err
	}

	l.mu.Lock()
	head := l.heads[stream]
	if err := eventlog.CheckExpectedVersion(head, expected); err != nil {
		l.mu.Unlock()
		return 0, err
	}

	first := int64(len(l.events)) + 1
	for i, e := range events {
		e.Stream = stream
		e.StreamVersion = head + int64(i) + 1
		e.GlobalOffset = first + int64(i)
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now().UTC()
		}
		l.events = append(l.events, e)
	}
	newHead := head + int64(len(events))
	l.heads[stream] = newHead
	last := int64(len(l.events))
	l.mu.Unlock()

	l.notifier.Notify(ctx, eventlog.Notification{
		Stream:     stream,
		FromOffset: first,
		ToOffset:   last,
		Types:      types(events),
	})
	return newHead, nil
}

func (l *Log) ReadStream(ctx context.Context, stream event.StreamID, after int64) ([]event.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []event.Event
	for _, e := range l.events {
		if e.Stream != stream || e.StreamVersion <= after {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (l *Log) ReadGlobal(ctx context.Context, after int64, limit int) ([]event.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if after >= int64(len(l.events)) {
		return nil, nil
	}
	out := l.events[after:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	result := make([]event.Event, len(out))
	copy(result, out)
	return result, nil
}

func (l *Log) Close() error {
	return nil
}

func types(events []event.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

package aggregate_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronicleworks/chronicle/aggregate"
	"github.com/chronicleworks/chronicle/event"
	"github.com/chronicleworks/chronicle/eventlog"
	"github.com/chronicleworks/chronicle/eventlog/memory"
	"github.com/chronicleworks/chronicle/upcast"
)

// conflictingLog fails the first n appends with a concurrency conflict,
// then delegates
type conflictingLog struct {
	eventlog.Log
	remaining int
}

func (l *conflictingLog) Append(ctx context.Context, stream event.StreamID, expected eventlog.ExpectedVersion, events ...event.Event) (int64, error) {
	if l.remaining > 0 {
		l.remaining--
		return 0, eventlog.ErrConcurrencyConflict
	}
	return l.Log.Append(ctx, stream, expected, events...)
}

func newExecutor(l eventlog.Log) *aggregate.Executor {
	recon := aggregate.NewReconstructor(l, nil, upcast.New(), definition())
	x := aggregate.NewExecutor(l, recon)
	x.Interval = time.Millisecond
	return x
}

func TestExecuteAppendsDecidedEvents(t *testing.T) {
	l := memory.New()
	stream := newStream()
	x := newExecutor(l)

	head, err := x.Execute(context.Background(), stream, func(state interface{}, version int64) ([]event.Event, error) {
		require.Equal(t, int64(0), version)
		return []event.Event{mustEvent(t, stream, accountOpened{Owner: "ada"})}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), head)

	events, err := l.ReadStream(context.Background(), stream, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "account.opened", events[0].Type)
}

func TestExecuteNoEventsIsNoOp(t *testing.T) {
	l := memory.New()
	stream := newStream()
	x := newExecutor(l)

	head, err := x.Execute(context.Background(), stream, func(interface{}, int64) ([]event.Event, error) {
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), head)
}

func TestExecuteRetriesConflicts(t *testing.T) {
	l := &conflictingLog{Log: memory.New(), remaining: 2}
	stream := newStream()
	x := newExecutor(l)

	var decided int
	head, err := x.Execute(context.Background(), stream, func(state interface{}, version int64) ([]event.Event, error) {
		decided++
		return []event.Event{mustEvent(t, stream, accountCredited{Amount: 1})}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), head)
	assert.Equal(t, 3, decided, "the command is re-decided against fresh state on every attempt")
}

func TestExecuteExhaustsConflicts(t *testing.T) {
	l := &conflictingLog{Log: memory.New(), remaining: 100}
	stream := newStream()
	x := newExecutor(l)
	x.Retries = 2

	_, err := x.Execute(context.Background(), stream, func(interface{}, int64) ([]event.Event, error) {
		return []event.Event{mustEvent(t, stream, accountCredited{Amount: 1})}, nil
	})
	assert.ErrorIs(t, err, aggregate.ErrConflictExhausted)

	events, readErr := l.Log.ReadStream(context.Background(), stream, 0)
	require.NoError(t, readErr)
	assert.Empty(t, events, "no event from an aborted attempt is visible")
}

func TestExecuteZeroRetriesTriesOnce(t *testing.T) {
	l := &conflictingLog{Log: memory.New(), remaining: 100}
	stream := newStream()
	x := newExecutor(l)
	x.Retries = 0

	var decided int
	_, err := x.Execute(context.Background(), stream, func(interface{}, int64) ([]event.Event, error) {
		decided++
		return []event.Event{mustEvent(t, stream, accountCredited{Amount: 1})}, nil
	})
	assert.ErrorIs(t, err, aggregate.ErrConflictExhausted)
	assert.Equal(t, 1, decided)
}

func TestExecuteZeroRetriesSurfacesBusinessError(t *testing.T) {
	stream := newStream()
	x := newExecutor(memory.New())
	x.Retries = 0
	boom := errors.New("insufficient funds")

	_, err := x.Execute(context.Background(), stream, func(interface{}, int64) ([]event.Event, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestExecuteBusinessErrorNotRetried(t *testing.T) {
	stream := newStream()
	x := newExecutor(memory.New())
	boom := errors.New("insufficient funds")

	var decided int
	_, err := x.Execute(context.Background(), stream, func(interface{}, int64) ([]event.Event, error) {
		decided++
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, decided)
}

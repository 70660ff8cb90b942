package aggregate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v3"

	"github.com/chronicleworks/chronicle/event"
	"github.com/chronicleworks/chronicle/eventlog"
	"github.com/chronicleworks/chronicle/log"
)

// Decide inspects current state and returns the events a command
// produces. Returning no events is a successful no-op. Business rule
// failures are returned as errors, never raised from transitions.
type Decide func(state interface{}, version int64) ([]event.Event, error)

// NewExecutor wraps the log's append path with bounded conflict retries
func NewExecutor(l eventlog.Log, recon *Reconstructor) *Executor {
	return &Executor{
		log:      l,
		recon:    recon,
		Retries:  3,
		Interval: time.Millisecond * 25,
	}
}

// Executor runs commands under optimistic concurrency. On a conflict the
// aggregate is reloaded and the command decided again, so no event from
// an aborted attempt is ever visible.
type Executor struct {
	log   eventlog.Log
	recon *Reconstructor

	// Retries bounds conflict retries per command
	Retries uint64
	// Interval seeds the retry backoff
	Interval time.Duration
}

// Execute loads the stream, lets decide produce events, and appends them
// with the loaded version as the optimistic check. Conflicts are retried
// with backoff up to Retries times; exhaustion returns
// ErrConflictExhausted.
func (x *Executor) Execute(ctx context.Context, stream event.StreamID, decide Decide) (int64, error) {
	var head int64

	attempt := func() error {
		state, version, err := x.recon.Retrieve(ctx, stream)
		if err != nil {
			return backoff.Permanent(err)
		}

		events, err := decide(state, version)
		if err != nil {
			return backoff.Permanent(err)
		}
		if len(events) == 0 {
			head = version
			return nil
		}

		head, err = x.log.Append(ctx, stream, eventlog.ExpectedVersion(version), events...)
		if errors.Is(err, eventlog.ErrConcurrencyConflict) {
			log.Debug(ctx, "append conflicted, retrying command", log.F{"stream": stream.String()})
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	var err error
	if x.Retries == 0 {
		// WithMaxRetries treats 0 as unlimited, so a single attempt is
		// made explicitly
		err = attempt()
		if perm, ok := err.(*backoff.PermanentError); ok {
			err = perm.Err
		}
	} else {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = x.Interval
		b.MaxElapsedTime = 0
		err = backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(b, x.Retries), ctx))
	}
	if errors.Is(err, eventlog.ErrConcurrencyConflict) {
		return 0, fmt.Errorf("%w: %s", ErrConflictExhausted, stream)
	}
	if err != nil {
		return 0, err
	}
	return head, nil
}

package projection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v3"

	"github.com/chronicleworks/chronicle/event"
	"github.com/chronicleworks/chronicle/eventlog"
	"github.com/chronicleworks/chronicle/log"
	"github.com/chronicleworks/chronicle/upcast"
)

// Mode selects what happens when a projector exhausts apply retries
type Mode int

const (
	// DeadLetterMode records the event as a dead letter and advances past
	// it, so one poison event can't stall the whole read model
	DeadLetterMode Mode = iota

	// FailFastMode stops the delivery loop with the error
	FailFastMode
)

// Option configures an Engine
type Option func(*Engine)

func WithMode(m Mode) Option {
	return func(e *Engine) { e.mode = m }
}

// WithRetries sets the bounded apply retry count and backoff seed
func WithRetries(retries uint64, interval time.Duration) Option {
	return func(e *Engine) {
		e.retries = retries
		e.retryInterval = interval
	}
}

func WithBatchSize(n int) Option {
	return func(e *Engine) { e.batchSize = n }
}

func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) { e.pollInterval = d }
}

func WithCursorStore(s CursorStore) Option {
	return func(e *Engine) { e.cursors = s }
}

func WithDeadLetterStore(s DeadLetterStore) Option {
	return func(e *Engine) { e.deadLetters = s }
}

// WithNotifier wakes the delivery loop on append notifications instead of
// waiting for the next poll tick
func WithNotifier(n *eventlog.ChannelNotifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// NewEngine returns a projection engine reading from the log through the
// upcast pipeline
func NewEngine(l eventlog.Log, pipeline *upcast.Pipeline, opts ...Option) *Engine {
	e := &Engine{
		log:           l,
		pipeline:      pipeline,
		cursors:       NewMemoryCursorStore(),
		deadLetters:   NewMemoryDeadLetterStore(),
		router:        NewRouter(),
		mode:          DeadLetterMode,
		retries:       3,
		retryInterval: time.Millisecond * 50,
		batchSize:     256,
		pollInterval:  time.Millisecond * 250,
		projectors:    make(map[string]Projector),
		interests:     make(map[string]map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine delivers committed events to registered projectors in
// global-offset order, advancing each projector's durable cursor only
// after a successful apply
type Engine struct {
	log      eventlog.Log
	pipeline *upcast.Pipeline
	notifier *eventlog.ChannelNotifier

	cursors     CursorStore
	deadLetters DeadLetterStore
	router      *Router

	mode          Mode
	retries       uint64
	retryInterval time.Duration
	batchSize     int
	pollInterval  time.Duration

	mu         sync.RWMutex
	projectors map[string]Projector
	interests  map[string]map[string]bool
}

// Register adds a projector, allocating its live target if the router
// doesn't hold one yet
func (e *Engine) Register(ctx context.Context, p Projector) error {
	e.mu.Lock()
	e.projectors[p.Name()] = p
	interest := make(map[string]bool, len(p.InterestTypes()))
	for _, t := range p.InterestTypes() {
		interest[t] = true
	}
	e.interests[p.Name()] = interest
	e.mu.Unlock()

	if _, ok := e.router.Live(p.Name()); !ok {
		target, err := p.NewTarget(ctx)
		if err != nil {
			return fmt.Errorf("allocating live target for %s: %w", p.Name(), err)
		}
		e.router.SetLive(p.Name(), target)
	}
	return nil
}

// Projector returns a registered projector by name
func (e *Engine) Projector(name string) (Projector, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.projectors[name]
	return p, ok
}

// Names returns all registered projector names
func (e *Engine) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.projectors))
	for name := range e.projectors {
		out = append(out, name)
	}
	return out
}

// Router returns the live/shadow target router
func (e *Engine) Router() *Router {
	return e.router
}

// Cursor returns a projector's last applied global offset
func (e *Engine) Cursor(ctx context.Context, projector string) (int64, error) {
	return e.cursors.Load(ctx, projector)
}

// Interested reports whether a projector consumes an event type
func (e *Engine) Interested(projector, eventType string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.interests[projector][eventType]
}

// Run drives live delivery until the context is cancelled: waking on
// append notifications when a notifier is wired, and on a poll tick
// regardless, since notifications are only a hint
func (e *Engine) Run(ctx context.Context) error {
	var wake <-chan eventlog.Notification
	if e.notifier != nil {
		var err error
		wake, err = e.notifier.Subscribe(ctx)
		if err != nil {
			return err
		}
	}

	log.Info(ctx, "starting projection delivery", log.F{})
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info(ctx, "stopping projection delivery", log.F{})
			return nil
		case <-ticker.C:
		case _, ok := <-wake:
			if !ok {
				wake = nil
				continue
			}
		}

		if err := e.Sweep(ctx); err != nil {
			if e.mode == FailFastMode {
				return err
			}
			log.Warn(ctx, "projection sweep failed", log.F{"error": err.Error()})
		}
	}
}

// Sweep delivers all pending events to every projector once. Exposed so
// rebuild coordination and tests can drive delivery deterministically.
func (e *Engine) Sweep(ctx context.Context) error {
	for _, name := range e.Names() {
		if err := e.sweep(ctx, name); err != nil {
			if e.mode == FailFastMode {
				return err
			}
			// The projector stalls (eg. awaiting an upcast rule deploy);
			// others keep going
			log.Warn(ctx, "projector stalled", log.F{"projector": name, "error": err.Error()})
		}
	}
	return nil
}

func (e *Engine) sweep(ctx context.Context, name string) error {
	p, ok := e.Projector(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProjector, name)
	}

	for {
		cursor, err := e.cursors.Load(ctx, name)
		if err != nil {
			return err
		}
		events, err := e.log.ReadGlobal(ctx, cursor, e.batchSize)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}

		for _, ev := range events {
			if err := ctx.Err(); err != nil {
				return err
			}
			if e.Interested(name, ev.Type) {
				if err := e.dispatch(ctx, p, ev); err != nil {
					return err
				}
			}
			// Cursor advances over uninteresting events too, or they'd be
			// re-read forever
			if err := e.cursors.Save(ctx, name, ev.GlobalOffset); err != nil {
				return err
			}
		}

		if len(events) < e.batchSize {
			return nil
		}
	}
}

// dispatch upcasts and applies one event to every destination the router
// names for the projector (live, plus shadow while dual-writing)
func (e *Engine) dispatch(ctx context.Context, p Projector, ev event.Event) error {
	upcasted, err := e.pipeline.Apply(ev)
	if err != nil {
		// ErrUnupcastable blocks the projector until a rule is deployed
		return err
	}

	for _, target := range e.router.Destinations(p.Name()) {
		if err := e.applyWithRetry(ctx, p, target, upcasted); err != nil {
			if e.mode == FailFastMode {
				return err
			}
			letter := DeadLetter{
				Projector: p.Name(),
				Offset:    upcasted.GlobalOffset,
				Stream:    upcasted.Stream,
				Type:      upcasted.Type,
				Payload:   upcasted.Payload,
				Reason:    err.Error(),
				At:        time.Now().UTC(),
			}
			if err := e.deadLetters.Record(ctx, letter); err != nil {
				return fmt.Errorf("recording dead letter: %w", err)
			}
			log.Warn(ctx, "event dead-lettered", log.F{
				"projector": p.Name(),
				"type":      upcasted.Type,
				"offset":    fmt.Sprint(upcasted.GlobalOffset),
			})
		}
	}
	return nil
}

// Project upcasts and applies one event to an explicit target, without
// touching the cursor. The replay path streams history into shadow
// targets through this, so live and rebuilt read models share one code
// path. Returns false if the projector isn't interested.
func (e *Engine) Project(ctx context.Context, name string, target Target, ev event.Event) (bool, error) {
	p, ok := e.Projector(name)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownProjector, name)
	}
	if !e.Interested(name, ev.Type) {
		return false, nil
	}
	upcasted, err := e.pipeline.Apply(ev)
	if err != nil {
		return false, err
	}
	if err := e.applyWithRetry(ctx, p, target, upcasted); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) applyWithRetry(ctx context.Context, p Projector, target Target, ev event.Event) error {
	// WithMaxRetries treats 0 as unlimited, so a single attempt is
	// made explicitly
	if e.retries == 0 {
		return p.Apply(ctx, target, ev)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.retryInterval
	b.MaxElapsedTime = 0

	return backoff.Retry(func() error {
		return p.Apply(ctx, target, ev)
	}, backoff.WithContext(backoff.WithMaxRetries(b, e.retries), ctx))
}

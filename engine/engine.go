// Package engine assembles the log, snapshots, upcasters, projections
// and rebuild coordination into one runnable unit. Applications
// contribute their aggregates, events and projectors through modules.
package engine

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sarulabs/di/v2"

	"github.com/chronicleworks/chronicle/aggregate"
	"github.com/chronicleworks/chronicle/errors"
	"github.com/chronicleworks/chronicle/event"
	"github.com/chronicleworks/chronicle/eventlog"
	"github.com/chronicleworks/chronicle/eventlog/memory"
	"github.com/chronicleworks/chronicle/log"
	"github.com/chronicleworks/chronicle/ports"
	"github.com/chronicleworks/chronicle/projection"
	"github.com/chronicleworks/chronicle/replay"
	"github.com/chronicleworks/chronicle/snapshot"
	"github.com/chronicleworks/chronicle/upcast"
)

// Def is a service definition contributed by a module
type Def struct {
	Name  string
	Build func(ctn di.Container) (interface{}, error)
}

// Module is a unit of application functionality plugged into the engine
type Module interface {
	// Services returns container definitions for the module's projectors
	// and their collaborators
	Services() []Def

	// Aggregates returns the module's aggregate definitions
	Aggregates() []aggregate.Definition

	// Events returns the module's event bodies, registered for payload
	// decoding
	Events() []event.Body

	// UpcastRules returns payload migrations for historical schemas
	UpcastRules() []upcast.Rule

	// Projectors names the container services implementing
	// projection.Projector
	Projectors() []string
}

// Config configures the engine during construction
type Config func(*Engine) error

// UseEventLog provides the durable log backend. Defaults to in-memory.
func UseEventLog(l eventlog.Log) Config {
	return func(e *Engine) error {
		e.log = l
		return nil
	}
}

// UseNotifier wires the append notifier shared with the log backend, so
// the projection loop wakes on commit instead of waiting for a poll
func UseNotifier(n *eventlog.ChannelNotifier) Config {
	return func(e *Engine) error {
		e.notifier = n
		return nil
	}
}

// UseSnapshotStore enables snapshot seeding and the background snapshot
// writer
func UseSnapshotStore(s snapshot.Store) Config {
	return func(e *Engine) error {
		e.snapshots = s
		return nil
	}
}

// WithSnapshotEvery sets the event-count threshold for the background
// snapshot writer
func WithSnapshotEvery(n int64) Config {
	return func(e *Engine) error {
		e.snapshotEvery = n
		return nil
	}
}

// UseCursorStore provides durable projection cursors
func UseCursorStore(s projection.CursorStore) Config {
	return func(e *Engine) error {
		e.projectionOpts = append(e.projectionOpts, projection.WithCursorStore(s))
		return nil
	}
}

// UseDeadLetterStore provides durable dead letters
func UseDeadLetterStore(s projection.DeadLetterStore) Config {
	return func(e *Engine) error {
		e.projectionOpts = append(e.projectionOpts, projection.WithDeadLetterStore(s))
		return nil
	}
}

// WithProjectionMode selects dead-letter or fail-fast delivery
func WithProjectionMode(m projection.Mode) Config {
	return func(e *Engine) error {
		e.projectionOpts = append(e.projectionOpts, projection.WithMode(m))
		return nil
	}
}

// UseCheckpointStore provides durable replay checkpoints
func UseCheckpointStore(s replay.CheckpointStore) Config {
	return func(e *Engine) error {
		e.replayOpts = append(e.replayOpts, replay.WithCheckpointStore(s))
		return nil
	}
}

// UseVerifier sets the blue/green verification strategy
func UseVerifier(v replay.Verifier) Config {
	return func(e *Engine) error {
		e.replayOpts = append(e.replayOpts, replay.WithVerifier(v))
		return nil
	}
}

// New builds an engine from modules. Aggregates, events, upcast rules
// and projectors are collected from every module; backends default to
// in-memory until a Config provides otherwise.
func New(ctx context.Context, mods []Module, configs ...Config) (*Engine, error) {
	ctx, cancel := context.WithCancel(log.WithID(ctx))
	e := &Engine{
		ctx:           ctx,
		cancel:        cancel,
		snapshotEvery: 100,
	}

	for _, conf := range configs {
		if err := conf(e); err != nil {
			cancel()
			return nil, err
		}
	}

	if e.notifier == nil {
		e.notifier = eventlog.NewChannelNotifier()
	}
	if e.log == nil {
		e.log = memory.New(e.notifier)
	}

	builder, _ := di.NewBuilder()
	for _, mod := range mods {
		for _, def := range mod.Services() {
			if err := builder.Add(di.Def{Name: def.Name, Build: def.Build}); err != nil {
				cancel()
				return nil, fmt.Errorf("registering service %s: %w", def.Name, err)
			}
		}
	}
	e.container = builder.Build()

	var rules []upcast.Rule
	var defs []aggregate.Definition
	for _, mod := range mods {
		for _, body := range mod.Events() {
			event.Register(body)
		}
		rules = append(rules, mod.UpcastRules()...)
		defs = append(defs, mod.Aggregates()...)
	}
	e.pipeline = upcast.New(rules...)
	e.recon = aggregate.NewReconstructor(e.log, e.snapshots, e.pipeline, defs...)
	e.executor = aggregate.NewExecutor(e.log, e.recon)

	e.projections = projection.NewEngine(e.log, e.pipeline,
		append(e.projectionOpts, projection.WithNotifier(e.notifier))...)
	for _, mod := range mods {
		for _, name := range mod.Projectors() {
			p, ok := e.container.Get(name).(projection.Projector)
			if !ok {
				cancel()
				return nil, fmt.Errorf("service %s is not a projection.Projector", name)
			}
			if err := e.projections.Register(ctx, p); err != nil {
				cancel()
				return nil, err
			}
		}
	}

	e.replays = replay.NewCoordinator(e.log, e.projections, e.replayOpts...)

	if e.snapshots != nil {
		e.writer = snapshot.NewWriter(e.snapshots, e.recon.Capture, e.snapshotEvery)
	}
	return e, nil
}

// Engine is the assembled event-sourcing runtime
type Engine struct {
	ctx    context.Context
	cancel context.CancelFunc

	container di.Container

	log      eventlog.Log
	notifier *eventlog.ChannelNotifier

	pipeline *upcast.Pipeline
	recon    *aggregate.Reconstructor
	executor *aggregate.Executor

	snapshots     snapshot.Store
	snapshotEvery int64
	writer        *snapshot.Writer

	projections    *projection.Engine
	projectionOpts []projection.Option

	replays    *replay.Coordinator
	replayOpts []replay.Option
}

// Run blocks, running the projection delivery loop and the snapshot
// writer with graceful shutdown
func (e *Engine) Run() error {
	ps := ports.Ports{}
	ps = ps.Func(e.projections.Run)
	if e.writer != nil {
		ps = ps.Func(e.writer.Run)
	}
	err := ps.Run(e.ctx)
	e.Close()
	return err
}

// Close releases the engine's resources
func (e *Engine) Close() {
	e.cancel()
	if err := e.notifier.Close(); err != nil {
		log.Warn(e.ctx, "could not close notifier", log.F{"error": err.Error()})
	}
	if err := e.log.Close(); err != nil {
		log.Warn(e.ctx, "could not close event log", log.F{"error": err.Error()})
	}
	e.container.Delete()
}

// Get returns a service from the container
func (e *Engine) Get(name string) interface{} {
	return e.container.Get(name)
}

// Append is the raw append surface for command handlers that manage
// their own expected versions
func (e *Engine) Append(ctx context.Context, stream event.StreamID, expected eventlog.ExpectedVersion, events ...event.Event) (int64, error) {
	head, err := e.log.Append(ctx, stream, expected, events...)
	if err != nil {
		return 0, err
	}
	e.observe(stream, head)
	return head, nil
}

// ReadStream is the per-stream read surface
func (e *Engine) ReadStream(ctx context.Context, stream event.StreamID, after int64) ([]event.Event, error) {
	return e.log.ReadStream(ctx, stream, after)
}

// Retrieve rebuilds a stream's current state and head version
func (e *Engine) Retrieve(ctx context.Context, stream event.StreamID) (interface{}, int64, error) {
	return e.recon.Retrieve(ctx, stream)
}

// Execute runs a command against a stream with bounded conflict retries
func (e *Engine) Execute(ctx context.Context, stream event.StreamID, decide aggregate.Decide) (int64, error) {
	head, err := e.executor.Execute(ctx, stream, decide)
	if err != nil {
		return 0, err
	}
	e.observe(stream, head)
	return head, nil
}

func (e *Engine) observe(stream event.StreamID, head int64) {
	if e.writer != nil {
		e.writer.Observe(stream, head)
	}
}

// StartReplay launches a blue/green rebuild of the named projectors
func (e *Engine) StartReplay(ctx context.Context, projectors ...string) (uuid.UUID, error) {
	return e.replays.Start(ctx, projectors...)
}

// ReplayStatus returns a rebuild job's state
func (e *Engine) ReplayStatus(jobID uuid.UUID) (replay.Status, error) {
	return e.replays.Status(jobID)
}

// CancelReplay cooperatively cancels a rebuild
func (e *Engine) CancelReplay(jobID uuid.UUID) error {
	return e.replays.Cancel(jobID)
}

// Projections exposes the projection engine, mainly for operational
// tooling
func (e *Engine) Projections() *projection.Engine {
	return e.projections
}

// UserFacing maps internal errors to the port-visible ones. Only
// concurrency conflicts surface to end users, as a retry condition;
// everything else is hidden as an internal error.
func UserFacing(err error) errors.Error {
	if stderrors.Is(err, eventlog.ErrConcurrencyConflict) || stderrors.Is(err, aggregate.ErrConflictExhausted) {
		return errors.ConflictError
	}
	return errors.Block(err)
}

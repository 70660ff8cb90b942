package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/google/uuid"

	"github.com/chronicleworks/chronicle/event"
	"github.com/chronicleworks/chronicle/eventlog"
	"github.com/chronicleworks/chronicle/log"
	"github.com/chronicleworks/chronicle/projection"
)

var (
	// ErrUnknownJob indicates no job exists under an ID
	ErrUnknownJob = errors.New("chronicle/replay: unknown job")
	// ErrProjectorBusy indicates a projector is already being rebuilt
	ErrProjectorBusy = errors.New("chronicle/replay: projector already under rebuild")
)

// Option configures a Coordinator
type Option func(*Coordinator)

func WithCheckpointStore(s CheckpointStore) Option {
	return func(c *Coordinator) { c.checkpoints = s }
}

func WithVerifier(v Verifier) Option {
	return func(c *Coordinator) { c.verifier = v }
}

// WithCheckpointEvery sets how many replayed events pass between durable
// checkpoints
func WithCheckpointEvery(n int) Option {
	return func(c *Coordinator) { c.checkpointEvery = n }
}

func WithBatchSize(n int) Option {
	return func(c *Coordinator) { c.batchSize = n }
}

// WithCatchupWindow sets how far behind the live cursor (in offsets) a
// shadow may be and still count as converged
func WithCatchupWindow(n int64) Option {
	return func(c *Coordinator) { c.catchupWindow = n }
}

// WithGracePeriod sets how long retired targets are kept after a swap
// before being reclaimed
func WithGracePeriod(d time.Duration) Option {
	return func(c *Coordinator) { c.grace = d }
}

// WithRetries sets the bounded step retry count and backoff seed
func WithRetries(retries uint64, interval time.Duration) Option {
	return func(c *Coordinator) {
		c.retries = retries
		c.retryInterval = interval
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.poll = d }
}

// NewCoordinator returns a rebuild coordinator over the engine's
// projectors
func NewCoordinator(l eventlog.Log, engine *projection.Engine, opts ...Option) *Coordinator {
	c := &Coordinator{
		log:             l,
		engine:          engine,
		checkpoints:     NewMemoryCheckpointStore(),
		verifier:        CountVerifier{},
		batchSize:       256,
		checkpointEvery: 500,
		catchupWindow:   0,
		retries:         3,
		retryInterval:   time.Millisecond * 100,
		poll:            time.Millisecond * 100,
		jobs:            make(map[uuid.UUID]*Job),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Coordinator orchestrates blue/green rebuilds. The live read path is
// never blocked by a rebuild; any failure before the swap leaves the
// system exactly as it was.
type Coordinator struct {
	log    eventlog.Log
	engine *projection.Engine

	checkpoints CheckpointStore
	verifier    Verifier

	batchSize       int
	checkpointEvery int
	catchupWindow   int64
	grace           time.Duration
	retries         uint64
	retryInterval   time.Duration
	poll            time.Duration

	mu   sync.Mutex
	jobs map[uuid.UUID]*Job
}

// Start launches a rebuild of the named projectors, returning the job ID.
// The rebuild runs on its own context: it outlives the caller's request
// and stops only on completion, failure or Cancel.
func (c *Coordinator) Start(ctx context.Context, projectors ...string) (uuid.UUID, error) {
	if len(projectors) == 0 {
		return uuid.Nil, errors.New("chronicle/replay: no projectors given")
	}
	for _, name := range projectors {
		if _, ok := c.engine.Projector(name); !ok {
			return uuid.Nil, fmt.Errorf("%w: %s", projection.ErrUnknownProjector, name)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, job := range c.jobs {
		status := job.Status()
		if status.State == Done || status.State == Aborted {
			continue
		}
		for _, name := range projectors {
			for _, busy := range status.Projectors {
				if name == busy {
					return uuid.Nil, fmt.Errorf("%w: %s (job %s)", ErrProjectorBusy, name, status.ID)
				}
			}
		}
	}

	jobCtx, cancel := context.WithCancel(log.WithID(context.Background()))
	job := newJob(projectors, cancel)
	c.jobs[job.ID] = job

	go c.run(jobCtx, job)
	return job.ID, nil
}

// Status returns a snapshot of a job
func (c *Coordinator) Status(jobID uuid.UUID) (Status, error) {
	c.mu.Lock()
	job, ok := c.jobs[jobID]
	c.mu.Unlock()
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	return job.Status(), nil
}

// Cancel requests cooperative cancellation. The job lands in Aborted with
// the live path intact; a swap is never left half-applied.
func (c *Coordinator) Cancel(jobID uuid.UUID) error {
	c.mu.Lock()
	job, ok := c.jobs[jobID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	job.cancel()
	return nil
}

// Wait blocks until the job finishes, for callers that need the outcome
func (c *Coordinator) Wait(ctx context.Context, jobID uuid.UUID) (Status, error) {
	for {
		status, err := c.Status(jobID)
		if err != nil {
			return Status{}, err
		}
		if status.State == Done || status.State == Aborted {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-time.After(c.poll):
		}
	}
}

func (c *Coordinator) run(ctx context.Context, job *Job) {
	log.Info(ctx, "starting projection rebuild", log.F{"job": job.ID.String()})

	shadows, err := c.createShadows(ctx, job)
	if err != nil {
		c.abort(ctx, job, err)
		return
	}

	if err := c.replayHistory(ctx, job); err != nil {
		c.abort(ctx, job, err)
		return
	}

	if err := c.converge(ctx, job); err != nil {
		c.abort(ctx, job, err)
		return
	}

	if err := c.verify(ctx, job, shadows); err != nil {
		c.abort(ctx, job, err)
		return
	}

	if err := c.swap(ctx, job); err != nil {
		c.abort(ctx, job, err)
		return
	}

	job.setState(Done)
	if err := c.checkpoints.Clear(ctx, job.ID); err != nil {
		log.Warn(ctx, "could not clear replay checkpoint", log.F{"job": job.ID.String(), "error": err.Error()})
	}
	log.Info(ctx, "projection rebuild complete", log.F{"job": job.ID.String()})
}

// createShadows allocates a fresh, empty target per projector and hangs
// it off the router as that projector's shadow
func (c *Coordinator) createShadows(ctx context.Context, job *Job) (map[string]projection.Target, error) {
	shadows := make(map[string]projection.Target, len(job.Projectors))
	for _, name := range job.Projectors {
		p, _ := c.engine.Projector(name)
		var target projection.Target
		err := c.retryStep(ctx, func() error {
			var err error
			target, err = p.NewTarget(ctx)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("creating shadow target for %s: %w", name, err)
		}
		if err := c.engine.Router().AttachShadow(name, target); err != nil {
			return nil, err
		}
		shadows[name] = target
	}
	job.setState(ShadowCreated)
	return shadows, nil
}

// replayHistory streams the global log into the shadow targets, from the
// job's last durable checkpoint, until within one batch of the head
func (c *Coordinator) replayHistory(ctx context.Context, job *Job) error {
	job.setState(Replaying)

	offset, err := c.checkpoints.Load(ctx, job.ID)
	if err != nil {
		return err
	}
	job.setCheckpoint(offset)

	sinceCheckpoint := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		events, err := c.readGlobal(ctx, offset)
		if err != nil {
			return err
		}

		for _, ev := range events {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := c.projectIntoShadows(ctx, job, ev); err != nil {
				return err
			}
			offset = ev.GlobalOffset
			job.setCheckpoint(offset)
			sinceCheckpoint++
			if sinceCheckpoint >= c.checkpointEvery {
				if err := c.checkpoints.Save(ctx, job.ID, offset); err != nil {
					return err
				}
				sinceCheckpoint = 0
			}
		}

		if len(events) < c.batchSize {
			// Near head: the remaining gap closes under dual-write
			return c.checkpoints.Save(ctx, job.ID, offset)
		}
	}
}

// converge turns on dual-write so new live events hit both targets, then
// drains the remaining gap until every shadow is within the catch-up
// window of its live cursor
func (c *Coordinator) converge(ctx context.Context, job *Job) error {
	job.setState(DualWriteConverging)

	for _, name := range job.Projectors {
		if err := c.engine.Router().EnableDualWrite(name); err != nil {
			return err
		}
	}

	offset, err := c.checkpoints.Load(ctx, job.ID)
	if err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		events, err := c.readGlobal(ctx, offset)
		if err != nil {
			return err
		}
		for _, ev := range events {
			if err := ctx.Err(); err != nil {
				return err
			}
			// Overlap with dual-written events is harmless: applies are
			// idempotent by contract
			if err := c.projectIntoShadows(ctx, job, ev); err != nil {
				return err
			}
			offset = ev.GlobalOffset
			job.setCheckpoint(offset)
		}
		if err := c.checkpoints.Save(ctx, job.ID, offset); err != nil {
			return err
		}

		if len(events) < c.batchSize {
			converged, err := c.converged(ctx, job, offset)
			if err != nil {
				return err
			}
			if converged {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.poll):
		}
	}
}

func (c *Coordinator) converged(ctx context.Context, job *Job, shadowOffset int64) (bool, error) {
	for _, name := range job.Projectors {
		liveCursor, err := c.engine.Cursor(ctx, name)
		if err != nil {
			return false, err
		}
		if shadowOffset+c.catchupWindow < liveCursor {
			return false, nil
		}
	}
	return true, nil
}

func (c *Coordinator) verify(ctx context.Context, job *Job, shadows map[string]projection.Target) error {
	job.setState(Verifying)

	for _, name := range job.Projectors {
		if err := ctx.Err(); err != nil {
			return err
		}
		live, ok := c.engine.Router().Live(name)
		if !ok {
			return fmt.Errorf("%w: %s", projection.ErrUnknownProjector, name)
		}

		verify := func() (VerificationResult, error) {
			var result VerificationResult
			err := c.retryStep(ctx, func() error {
				var err error
				result, err = c.verifier.Verify(ctx, live, shadows[name])
				return err
			})
			return result, err
		}

		result, err := verify()
		if err != nil {
			return err
		}
		if !result.Passed {
			// Counts are read non-atomically, so a dual-written event
			// landing between the two reads looks like divergence. Settle
			// and check once more before aborting.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.poll):
			}
			result, err = verify()
			if err != nil {
				return err
			}
		}
		job.setVerification(name, result)

		if !result.Passed {
			return fmt.Errorf("%w: %s diverged by %.4f", ErrVerificationFailed, name, result.Divergence)
		}
	}
	return nil
}

// swap flips routing for every projector in one indivisible step, then
// reclaims the retired targets after the grace period
func (c *Coordinator) swap(ctx context.Context, job *Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	job.setState(Swapping)

	// No suspension points between here and the flip: cancellation can
	// land before or after the swap, never inside it
	retired, err := c.engine.Router().SwapAll(job.Projectors)
	if err != nil {
		return err
	}

	go c.reclaim(ctx, job.ID, retired)
	return nil
}

func (c *Coordinator) reclaim(ctx context.Context, jobID uuid.UUID, retired []projection.Target) {
	if c.grace > 0 {
		select {
		case <-time.After(c.grace):
		case <-ctx.Done():
		}
	}
	for _, target := range retired {
		if closer, ok := target.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				log.Warn(ctx, "could not reclaim retired target", log.F{"job": jobID.String(), "error": err.Error()})
			}
		}
	}
}

// abort tears the shadows down and leaves the live path exactly as it
// was. Reached from any failed step, verification divergence, or
// cancellation.
func (c *Coordinator) abort(ctx context.Context, job *Job, cause error) {
	for _, name := range job.Projectors {
		c.engine.Router().DetachShadow(name)
	}
	job.fail(cause)
	job.setState(Aborted)
	log.Error(ctx, fmt.Errorf("projection rebuild aborted: %w", cause), log.F{"job": job.ID.String()})
}

// projectIntoShadows pushes one historical event through the same apply
// logic used live, into each shadow target only
func (c *Coordinator) projectIntoShadows(ctx context.Context, job *Job, ev event.Event) error {
	for _, name := range job.Projectors {
		shadow, ok := c.engine.Router().Shadow(name)
		if !ok {
			return fmt.Errorf("chronicle/replay: shadow for %s went missing", name)
		}
		if _, err := c.engine.Project(ctx, name, shadow, ev); err != nil {
			return fmt.Errorf("replaying offset %d into %s: %w", ev.GlobalOffset, name, err)
		}
	}
	return nil
}

func (c *Coordinator) readGlobal(ctx context.Context, after int64) ([]event.Event, error) {
	var events []event.Event
	err := c.retryStep(ctx, func() error {
		var err error
		events, err = c.log.ReadGlobal(ctx, after, c.batchSize)
		return err
	})
	return events, err
}

func (c *Coordinator) retryStep(ctx context.Context, step func() error) error {
	// WithMaxRetries treats 0 as unlimited, so a single attempt is made
	// explicitly
	if c.retries == 0 {
		return step()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInterval
	b.MaxElapsedTime = 0
	return backoff.Retry(step, backoff.WithContext(backoff.WithMaxRetries(b, c.retries), ctx))
}

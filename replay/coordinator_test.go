package replay_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronicleworks/chronicle/event"
	"github.com/chronicleworks/chronicle/eventlog"
	"github.com/chronicleworks/chronicle/eventlog/memory"
	"github.com/chronicleworks/chronicle/projection"
	"github.com/chronicleworks/chronicle/replay"
	"github.com/chronicleworks/chronicle/upcast"
)

type accountCredited struct {
	Amount int `json:"amount"`
}

func (accountCredited) Event() string { return "account.credited" }
func (accountCredited) Schema() int   { return 1 }

// ledgerTable applies credits idempotently (version-guarded) and is
// countable for rebuild verification
type ledgerTable struct {
	mu       sync.Mutex
	balances map[string]int
	versions map[string]int64
	applied  map[string]int64
}

func (t *ledgerTable) balance(stream string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.balances[stream]
}

func (t *ledgerTable) Counts(ctx context.Context) (map[string]int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int64, len(t.applied))
	for k, v := range t.applied {
		out[k] = v
	}
	return out, nil
}

type ledger struct{}

func (ledger) Name() string            { return "ledger" }
func (ledger) InterestTypes() []string { return []string{"account.credited"} }

func (ledger) NewTarget(ctx context.Context) (projection.Target, error) {
	return &ledgerTable{
		balances: make(map[string]int),
		versions: make(map[string]int64),
		applied:  make(map[string]int64),
	}, nil
}

func (ledger) Apply(ctx context.Context, target projection.Target, e event.Event) error {
	t := target.(*ledgerTable)
	t.mu.Lock()
	defer t.mu.Unlock()
	key := e.Stream.String()
	if e.StreamVersion <= t.versions[key] {
		return nil
	}
	var body accountCredited
	if err := e.DecodePayload(&body); err != nil {
		return err
	}
	t.balances[key] += body.Amount
	t.versions[key] = e.StreamVersion
	t.applied[key]++
	return nil
}

// gatedVerifier holds verification until the test releases it, so the
// test controls what the log looks like at verification time
type gatedVerifier struct {
	gate  chan struct{}
	inner replay.Verifier
}

func (v gatedVerifier) Verify(ctx context.Context, live, shadow projection.Target) (replay.VerificationResult, error) {
	select {
	case <-v.gate:
	case <-ctx.Done():
		return replay.VerificationResult{}, ctx.Err()
	}
	return v.inner.Verify(ctx, live, shadow)
}

// settlingVerifier reports divergence on the first check only, the way
// an in-flight dual-written event does
type settlingVerifier struct {
	calls *int32
}

func (v settlingVerifier) Verify(ctx context.Context, live, shadow projection.Target) (replay.VerificationResult, error) {
	if atomic.AddInt32(v.calls, 1) == 1 {
		return replay.VerificationResult{Divergence: 1, Passed: false}, nil
	}
	return replay.CountVerifier{}.Verify(ctx, live, shadow)
}

type failingVerifier struct{}

func (failingVerifier) Verify(ctx context.Context, live, shadow projection.Target) (replay.VerificationResult, error) {
	return replay.VerificationResult{Divergence: 1, Passed: false}, nil
}

func credit(t *testing.T, l eventlog.Log, stream event.StreamID, amounts ...int) {
	t.Helper()
	events := make([]event.Event, 0, len(amounts))
	for _, a := range amounts {
		e, err := event.New(stream, accountCredited{Amount: a}, nil)
		require.NoError(t, err)
		events = append(events, e)
	}
	_, err := l.Append(context.Background(), stream, eventlog.Any, events...)
	require.NoError(t, err)
}

func newFixture(t *testing.T, opts ...replay.Option) (eventlog.Log, *projection.Engine, *replay.Coordinator) {
	t.Helper()
	l := memory.New()
	e := projection.NewEngine(l, upcast.New())
	require.NoError(t, e.Register(context.Background(), ledger{}))
	opts = append([]replay.Option{
		replay.WithPollInterval(time.Millisecond * 5),
		replay.WithRetries(1, time.Millisecond),
	}, opts...)
	return l, e, replay.NewCoordinator(l, e, opts...)
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	t.Cleanup(cancel)
	return ctx
}

func TestRebuildSwapsInConvergedShadow(t *testing.T) {
	gate := make(chan struct{})
	l, e, coord := newFixture(t, replay.WithVerifier(gatedVerifier{gate: gate, inner: replay.CountVerifier{}}))

	alice := event.StreamID{Type: "account", ID: "alice"}
	bob := event.StreamID{Type: "account", ID: "bob"}
	credit(t, l, alice, 5, 3)
	credit(t, l, bob, 10)
	require.NoError(t, e.Sweep(context.Background()))

	before, ok := e.Router().Live("ledger")
	require.True(t, ok)
	require.Equal(t, 8, before.(*ledgerTable).balance(alice.String()))

	jobID, err := coord.Start(context.Background(), "ledger")
	require.NoError(t, err)

	// A write lands while the rebuild is in flight; the delivery sweep
	// dual-writes it once the shadow is attached, and the replay stream
	// covers it otherwise
	credit(t, l, alice, 2)
	require.NoError(t, e.Sweep(context.Background()))
	close(gate)

	status, err := coord.Wait(waitCtx(t), jobID)
	require.NoError(t, err)
	require.Equal(t, replay.Done, status.State, "status: %+v", status)
	assert.Empty(t, status.Error)
	require.Contains(t, status.Verification, "ledger")
	assert.True(t, status.Verification["ledger"].Passed)

	after, ok := e.Router().Live("ledger")
	require.True(t, ok)
	assert.NotSame(t, before, after, "the rebuilt target replaces the live one")

	table := after.(*ledgerTable)
	assert.Equal(t, 10, table.balance(alice.String()))
	assert.Equal(t, 10, table.balance(bob.String()))

	counts, err := table.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts[alice.String()], "overlapping replay and dual-write apply each event once")
	assert.Equal(t, int64(1), counts[bob.String()])

	// Live delivery keeps flowing into the swapped-in target
	credit(t, l, bob, 4)
	require.NoError(t, e.Sweep(context.Background()))
	assert.Equal(t, 14, table.balance(bob.String()))
}

func TestCancelAbortsWithLiveIntact(t *testing.T) {
	cursors := projection.NewMemoryCursorStore()
	l := memory.New()
	e := projection.NewEngine(l, upcast.New(), projection.WithCursorStore(cursors))
	require.NoError(t, e.Register(context.Background(), ledger{}))
	coord := replay.NewCoordinator(l, e,
		replay.WithPollInterval(time.Millisecond*5),
		replay.WithRetries(1, time.Millisecond))

	alice := event.StreamID{Type: "account", ID: "alice"}
	credit(t, l, alice, 5)
	require.NoError(t, e.Sweep(context.Background()))
	before, _ := e.Router().Live("ledger")

	// Park the live cursor far ahead so convergence can never be reached
	require.NoError(t, cursors.Save(context.Background(), "ledger", 1_000_000))

	jobID, err := coord.Start(context.Background(), "ledger")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, err := coord.Status(jobID)
		return err == nil && status.State == replay.DualWriteConverging
	}, time.Second*5, time.Millisecond*5)

	require.NoError(t, coord.Cancel(jobID))
	status, err := coord.Wait(waitCtx(t), jobID)
	require.NoError(t, err)
	assert.Equal(t, replay.Aborted, status.State)
	assert.NotEmpty(t, status.Error)

	after, ok := e.Router().Live("ledger")
	require.True(t, ok)
	assert.Same(t, before, after)
	_, shadowed := e.Router().Shadow("ledger")
	assert.False(t, shadowed, "an aborted rebuild leaves no shadow behind")
}

func TestTransientDivergenceIsRechecked(t *testing.T) {
	var calls int32
	l, e, coord := newFixture(t, replay.WithVerifier(settlingVerifier{calls: &calls}))

	alice := event.StreamID{Type: "account", ID: "alice"}
	credit(t, l, alice, 5)
	require.NoError(t, e.Sweep(context.Background()))

	jobID, err := coord.Start(context.Background(), "ledger")
	require.NoError(t, err)

	status, err := coord.Wait(waitCtx(t), jobID)
	require.NoError(t, err)
	assert.Equal(t, replay.Done, status.State, "one diverged reading must not abort a healthy rebuild")
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestVerificationDivergenceAborts(t *testing.T) {
	l, e, coord := newFixture(t, replay.WithVerifier(failingVerifier{}))

	alice := event.StreamID{Type: "account", ID: "alice"}
	credit(t, l, alice, 5)
	require.NoError(t, e.Sweep(context.Background()))
	before, _ := e.Router().Live("ledger")

	jobID, err := coord.Start(context.Background(), "ledger")
	require.NoError(t, err)

	status, err := coord.Wait(waitCtx(t), jobID)
	require.NoError(t, err)
	assert.Equal(t, replay.Aborted, status.State)
	assert.Contains(t, status.Error, "divergence")

	after, _ := e.Router().Live("ledger")
	assert.Same(t, before, after, "a failed verification never touches the live target")
}

func TestProjectorBusyAndUnknown(t *testing.T) {
	cursors := projection.NewMemoryCursorStore()
	l := memory.New()
	e := projection.NewEngine(l, upcast.New(), projection.WithCursorStore(cursors))
	require.NoError(t, e.Register(context.Background(), ledger{}))
	coord := replay.NewCoordinator(l, e, replay.WithPollInterval(time.Millisecond*5))

	_, err := coord.Start(context.Background(), "nope")
	assert.ErrorIs(t, err, projection.ErrUnknownProjector)

	require.NoError(t, cursors.Save(context.Background(), "ledger", 1_000_000))
	jobID, err := coord.Start(context.Background(), "ledger")
	require.NoError(t, err)

	_, err = coord.Start(context.Background(), "ledger")
	assert.ErrorIs(t, err, replay.ErrProjectorBusy)

	require.NoError(t, coord.Cancel(jobID))
	_, err = coord.Wait(waitCtx(t), jobID)
	require.NoError(t, err)
}

func TestResumeFromCheckpoint(t *testing.T) {
	checkpoints := replay.NewMemoryCheckpointStore()
	l, e, coord := newFixture(t, replay.WithCheckpointStore(checkpoints))

	alice := event.StreamID{Type: "account", ID: "alice"}
	credit(t, l, alice, 1, 2, 3, 4)
	require.NoError(t, e.Sweep(context.Background()))

	jobID, err := coord.Start(context.Background(), "ledger")
	require.NoError(t, err)
	status, err := coord.Wait(waitCtx(t), jobID)
	require.NoError(t, err)
	require.Equal(t, replay.Done, status.State)
	assert.Equal(t, int64(4), status.Checkpoint)

	// A completed job leaves no checkpoint to resume from
	offset, err := checkpoints.Load(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), offset)
}

package aggregate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chronicleworks/chronicle/event"
	"github.com/chronicleworks/chronicle/eventlog"
	"github.com/chronicleworks/chronicle/snapshot"
	"github.com/chronicleworks/chronicle/upcast"
)

// NewReconstructor returns a reconstructor for the given aggregate
// definitions. snapshots may be nil, in which case every retrieve
// replays from version zero.
func NewReconstructor(log eventlog.Log, snapshots snapshot.Store, pipeline *upcast.Pipeline, defs ...Definition) *Reconstructor {
	r := &Reconstructor{
		log:       log,
		snapshots: snapshots,
		pipeline:  pipeline,
		defs:      make(map[string]Definition),
	}
	for _, def := range defs {
		r.defs[def.Type] = def
	}
	return r
}

// Reconstructor rebuilds current aggregate state by seeding from the
// latest snapshot and folding subsequent events through the upcaster
type Reconstructor struct {
	log       eventlog.Log
	snapshots snapshot.Store
	pipeline  *upcast.Pipeline
	defs      map[string]Definition
}

// Register adds an aggregate definition
func (r *Reconstructor) Register(def Definition) {
	r.defs[def.Type] = def
}

// Retrieve returns the stream's current state and head version. The
// version is the caller's expectedVersion for its next append.
func (r *Reconstructor) Retrieve(ctx context.Context, stream event.StreamID) (interface{}, int64, error) {
	return r.retrieve(ctx, stream, true)
}

// Replay rebuilds state from version zero, ignoring snapshots. Retrieve
// and Replay must always agree; snapshots are a cache, not truth.
func (r *Reconstructor) Replay(ctx context.Context, stream event.StreamID) (interface{}, int64, error) {
	return r.retrieve(ctx, stream, false)
}

func (r *Reconstructor) retrieve(ctx context.Context, stream event.StreamID, useSnapshot bool) (interface{}, int64, error) {
	def, ok := r.defs[stream.Type]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrUnknownAggregate, stream.Type)
	}

	state := def.Initial()
	var version int64

	if useSnapshot && r.snapshots != nil {
		snap, found, err := r.snapshots.LoadLatest(ctx, stream)
		if err == nil && found {
			if err := json.Unmarshal(snap.State, state); err != nil {
				return nil, 0, fmt.Errorf("decoding %s snapshot state: %w", stream, err)
			}
			version = snap.Version
		}
		// A snapshot load failure is not fatal, the log has everything
	}

	events, err := r.log.ReadStream(ctx, stream, version)
	if err != nil {
		return nil, 0, err
	}

	for _, e := range events {
		e, err := r.pipeline.Apply(e)
		if err != nil {
			return nil, 0, err
		}
		transition, ok := def.Transitions[e.Type]
		if !ok {
			return nil, 0, fmt.Errorf("%w: %s on %s", ErrUnhandledEventType, e.Type, stream.Type)
		}
		state, err = transition(state, e)
		if err != nil {
			return nil, 0, err
		}
		version = e.StreamVersion
	}

	return state, version, nil
}

// Capture serializes the stream's current state as a snapshot. Used by
// the background snapshot writer.
func (r *Reconstructor) Capture(ctx context.Context, stream event.StreamID) (snapshot.Snapshot, error) {
	state, version, err := r.Retrieve(ctx, stream)
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("encoding %s snapshot state: %w", stream, err)
	}
	return snapshot.Snapshot{
		Stream:  stream,
		Version: version,
		State:   raw,
		TakenAt: time.Now().UTC(),
	}, nil
}

package snapshot

import (
	"context"

	"github.com/chronicleworks/chronicle/event"
	"github.com/chronicleworks/chronicle/log"
)

// Capture produces a snapshot of a stream's current state. Wired to the
// aggregate reconstructor by the engine.
type Capture func(ctx context.Context, stream event.StreamID) (Snapshot, error)

// NewWriter returns a background snapshot writer that captures a stream
// after every `every` observed appends to it
func NewWriter(store Store, capture Capture, every int64) *Writer {
	if every <= 0 {
		every = 100
	}
	return &Writer{
		store:   store,
		capture: capture,
		every:   every,
		heads:   make(chan observation, 256),
		taken:   make(map[event.StreamID]int64),
	}
}

// Writer runs the snapshot policy off the append path. Observations are
// dropped rather than ever blocking an append.
type Writer struct {
	store   Store
	capture Capture
	every   int64

	heads chan observation
	taken map[event.StreamID]int64
}

type observation struct {
	stream event.StreamID
	head   int64
}

// Observe records that a stream's head moved. Non-blocking.
func (w *Writer) Observe(stream event.StreamID, head int64) {
	select {
	case w.heads <- observation{stream, head}:
	default:
	}
}

// Run processes observations until the context is cancelled
func (w *Writer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case obs := <-w.heads:
			if obs.head-w.taken[obs.stream] < w.every {
				continue
			}
			snap, err := w.capture(ctx, obs.stream)
			if err != nil {
				log.Warn(ctx, "could not capture snapshot", log.F{
					"stream": obs.stream.String(),
					"error":  err.Error(),
				})
				continue
			}
			if err := w.store.Save(ctx, snap); err != nil {
				log.Warn(ctx, "could not save snapshot", log.F{
					"stream": obs.stream.String(),
					"error":  err.Error(),
				})
				continue
			}
			w.taken[obs.stream] = snap.Version
			log.Debug(ctx, "snapshot taken", log.F{"stream": obs.stream.String()})
		}
	}
}

package eventlog_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/chronicleworks/chronicle/event"
	"github.com/chronicleworks/chronicle/eventlog"
	"github.com/chronicleworks/chronicle/eventlog/memory"
)

// Property: whatever the batching pattern, a stream's versions come back
// as exactly 1..N with no gaps or duplicates
func TestGaplessVersionsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("versions are exactly 1..N after any batching", prop.ForAll(
		func(batches []int) bool {
			l := memory.New()
			defer l.Close()
			stream := event.StreamID{Type: "account", ID: uuid.NewString()}

			var head int64
			total := 0
			for _, size := range batches {
				events := make([]event.Event, size)
				for i := range events {
					e, err := event.New(stream, accountCredited{Amount: i}, nil)
					if err != nil {
						return false
					}
					events[i] = e
				}
				newHead, err := l.Append(context.Background(), stream, eventlog.ExpectedVersion(head), events...)
				if err != nil {
					return false
				}
				head = newHead
				total += size
			}

			read, err := l.ReadStream(context.Background(), stream, 0)
			if err != nil || len(read) != total {
				return false
			}
			for i, e := range read {
				if e.StreamVersion != int64(i+1) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(1, 4)),
	))

	properties.TestingRun(t)
}

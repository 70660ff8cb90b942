// Package projection maintains derived read models by applying events to
// registered projectors, in global-offset order, with durable resume
// cursors. Delivery is at-least-once: a restart may re-deliver the final
// in-flight event, so every projector's Apply must be idempotent.
package projection

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/chronicleworks/chronicle/event"
)

// ErrUnknownProjector indicates no projector is registered under a name
var ErrUnknownProjector = errors.New("chronicle/projection: unknown projector")

// Target is an opaque handle on the sink a projector writes to. Which
// target a projector receives (live or shadow) is decided by the router,
// never by a process-wide flag.
type Target interface{}

// Projector builds one read model from the events it declares interest in
type Projector interface {
	// Name uniquely identifies the projector and keys its cursor
	Name() string

	// InterestTypes returns the event types the projector consumes
	InterestTypes() []string

	// NewTarget allocates a fresh, empty sink, structurally identical to
	// any existing one but logically separate. Called for the initial
	// live target and for shadow rebuilds.
	NewTarget(ctx context.Context) (Target, error)

	// Apply writes the event into the target. It MUST be idempotent
	// (upsert by natural key, not blind insert/increment): the engine
	// redelivers on restart. Transient sink errors should be returned
	// as-is; they are retried with backoff.
	Apply(ctx context.Context, target Target, e event.Event) error
}

// DeadLetter records an event a projector permanently failed to apply
type DeadLetter struct {
	Projector string
	Offset    int64
	Stream    event.StreamID
	Type      string
	Payload   []byte
	Reason    string
	At        time.Time
}

// DeadLetterStore keeps failed deliveries for operator inspection
type DeadLetterStore interface {
	Record(ctx context.Context, letter DeadLetter) error
}

// CursorStore durably tracks each projector's last applied global offset
type CursorStore interface {
	// Load returns the projector's cursor, 0 if it has never applied
	Load(ctx context.Context, projector string) (int64, error)
	Save(ctx context.Context, projector string, offset int64) error
}

// NewMemoryCursorStore returns an in-memory cursor store
func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{cursors: make(map[string]int64)}
}

type MemoryCursorStore struct {
	mu      sync.RWMutex
	cursors map[string]int64
}

func (s *MemoryCursorStore) Load(ctx context.Context, projector string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursors[projector], nil
}

func (s *MemoryCursorStore) Save(ctx context.Context, projector string, offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[projector] = offset
	return nil
}

// NewMemoryDeadLetterStore returns an in-memory dead letter store
func NewMemoryDeadLetterStore() *MemoryDeadLetterStore {
	return &MemoryDeadLetterStore{}
}

type MemoryDeadLetterStore struct {
	mu      sync.Mutex
	letters []DeadLetter
}

func (s *MemoryDeadLetterStore) Record(ctx context.Context, letter DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.letters = append(s.letters, letter)
	return nil
}

// All returns a copy of the recorded letters
func (s *MemoryDeadLetterStore) All() []DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeadLetter, len(s.letters))
	copy(out, s.letters)
	return out
}

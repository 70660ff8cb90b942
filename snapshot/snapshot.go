// Package snapshot caches point-in-time aggregate state so replays don't
// start from version zero. Snapshots are rederivable, never authoritative.
package snapshot

import (
	"context"
	"sync"
	"time"

	"github.com/chronicleworks/chronicle/event"
)

// Snapshot is serialized aggregate state captured at a stream version
type Snapshot struct {
	Stream  event.StreamID
	Version int64
	State   []byte
	TakenAt time.Time
}

// Store persists snapshots. Saves are best-effort: a failed or stale
// snapshot only costs replay time.
type Store interface {
	Save(ctx context.Context, s Snapshot) error

	// LoadLatest returns the highest-version snapshot for the stream.
	// It may be stale relative to concurrent appends; callers reconcile
	// by reading forward events.
	LoadLatest(ctx context.Context, stream event.StreamID) (Snapshot, bool, error)
}

// NewMemoryStore returns an in-memory snapshot store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: make(map[event.StreamID]Snapshot)}
}

type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[event.StreamID]Snapshot
}

func (s *MemoryStore) Save(ctx context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.snapshots[snap.Stream]; ok && existing.Version > snap.Version {
		return nil
	}
	s.snapshots[snap.Stream] = snap
	return nil
}

func (s *MemoryStore) LoadLatest(ctx context.Context, stream event.StreamID) (Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[stream]
	return snap, ok, nil
}

package projection

import (
	"fmt"
	"sync"
)

// NewRouter returns an empty target router
func NewRouter() *Router {
	return &Router{routes: make(map[string]*route)}
}

// Router owns the "which target is live" decision per projector. A swap
// is a single critical-section flip: readers either see the old live
// target or the new one, never an intermediate state.
type Router struct {
	mu     sync.RWMutex
	routes map[string]*route
}

type route struct {
	live   Target
	shadow Target
	dual   bool
}

// SetLive installs a projector's live target
func (r *Router) SetLive(projector string, t Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[projector] = &route{live: t}
}

// Live returns the projector's current live target
func (r *Router) Live(projector string) (Target, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.routes[projector]
	if !ok {
		return nil, false
	}
	return rt.live, true
}

// AttachShadow installs a shadow target alongside the live one. The
// shadow receives nothing until dual-write is enabled or a replay is
// streamed into it directly.
func (r *Router) AttachShadow(projector string, t Target) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.routes[projector]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProjector, projector)
	}
	rt.shadow = t
	return nil
}

// Shadow returns the projector's shadow target, if attached
func (r *Router) Shadow(projector string) (Target, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.routes[projector]
	if !ok || rt.shadow == nil {
		return nil, false
	}
	return rt.shadow, true
}

// EnableDualWrite makes live deliveries also hit the shadow target
func (r *Router) EnableDualWrite(projector string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.routes[projector]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProjector, projector)
	}
	if rt.shadow == nil {
		return fmt.Errorf("chronicle/projection: no shadow attached for %s", projector)
	}
	rt.dual = true
	return nil
}

// Destinations returns the targets a live delivery must reach: the live
// target, plus the shadow while dual-write is on
func (r *Router) Destinations(projector string) []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.routes[projector]
	if !ok {
		return nil
	}
	out := []Target{rt.live}
	if rt.dual && rt.shadow != nil {
		out = append(out, rt.shadow)
	}
	return out
}

// Swap atomically promotes the shadow to live, returning the retired
// target. Dual-write ends with the same flip.
func (r *Router) Swap(projector string) (Target, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.routes[projector]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProjector, projector)
	}
	if rt.shadow == nil {
		return nil, fmt.Errorf("chronicle/projection: no shadow to swap in for %s", projector)
	}
	retired := rt.live
	rt.live = rt.shadow
	rt.shadow = nil
	rt.dual = false
	return retired, nil
}

// SwapAll promotes every named shadow in one critical section, so a
// multi-projector rebuild flips as a unit. No route is changed unless
// all of them can be.
func (r *Router) SwapAll(projectors []string) ([]Target, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range projectors {
		rt, ok := r.routes[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownProjector, name)
		}
		if rt.shadow == nil {
			return nil, fmt.Errorf("chronicle/projection: no shadow to swap in for %s", name)
		}
	}

	retired := make([]Target, 0, len(projectors))
	for _, name := range projectors {
		rt := r.routes[name]
		retired = append(retired, rt.live)
		rt.live = rt.shadow
		rt.shadow = nil
		rt.dual = false
	}
	return retired, nil
}

// DetachShadow drops the shadow and disables dual-write, leaving the
// live target untouched. Used on abort.
func (r *Router) DetachShadow(projector string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.routes[projector]
	if !ok {
		return
	}
	rt.shadow = nil
	rt.dual = false
}

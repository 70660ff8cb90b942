// Package chronicle is an event-sourced persistence and
// projection-rebuild engine: an append-only log of immutable facts,
// reconstruction of entity state from that log, and zero-downtime
// blue/green rebuilds of derived read models.
package chronicle

import (
	// Engine package - assembles the runtime from application modules
	_ "github.com/chronicleworks/chronicle/engine"
	// Eventlog package - the append-only source of truth
	_ "github.com/chronicleworks/chronicle/eventlog"
	// Projection package - read model maintenance with durable cursors
	_ "github.com/chronicleworks/chronicle/projection"
	// Replay package - blue/green projection rebuilds
	_ "github.com/chronicleworks/chronicle/replay"
)

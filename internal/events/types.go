// Package events provides event types for the Enclave control-plane event system.
package events

// Event types for sandbox lifecycle
const (
	SandboxCreated   = "sandbox.created"
	SandboxBound     = "sandbox.bound"
	SandboxIdle      = "sandbox.idle"
	SandboxDestroyed = "sandbox.destroyed"
	SandboxRecovered = "sandbox.recovered"
	SandboxOrphaned  = "sandbox.orphaned"
)

// Event types for the warm pool
const (
	PoolAcquired    = "pool.acquired"
	PoolReplenished = "pool.replenished"
	PoolPreheated   = "pool.preheated"
)

// Event types for turns
const (
	TurnStarted   = "turn.started"
	TurnCompleted = "turn.completed"
	TurnFailed    = "turn.failed"
)

// Event types for the garbage collector
const (
	GCReaped       = "gc.reaped"
	GCOrphanReaped = "gc.orphan_reaped"
)

// Event types for file sync
const (
	FilesSyncedIn  = "files.synced_in"
	FilesSyncedOut = "files.synced_out"
)

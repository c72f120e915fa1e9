// Package sandbox defines the unit of ownership tracked by the control plane:
// one isolated container bound to at most one conversation at a time.
package sandbox

import (
	"time"

	v1 "github.com/enclaveworks/enclave/pkg/api/v1"
)

// ManagerType identifies which runtime backend owns a sandbox.
type ManagerType string

const (
	ManagerTypeDocker ManagerType = "docker"
)

// Info describes one sandbox. It is persisted in the registry as a hash and
// round-trips through string maps (see internal/registry).
type Info struct {
	SandboxID      string   // opaque runtime handle (container ID)
	ConversationID string   // owner once bound; empty while warm
	TenantID       string   // owning tenant, scopes object store keys
	AgentEndpoint  Endpoint // how to reach the in-sandbox agent
	ProxyEndpoint  Endpoint // admin endpoint of the credential proxy
	CreatedAt      time.Time
	LastActiveAt   time.Time
	Status         v1.SandboxStatus
	ManagerType    ManagerType
}

// IsWarm reports whether the sandbox sits unbound in the warm pool.
func (i *Info) IsWarm() bool {
	return i.Status == v1.SandboxStatusWarm && i.ConversationID == ""
}

// Age returns the time since creation.
func (i *Info) Age(now time.Time) time.Duration {
	return now.Sub(i.CreatedAt)
}

// IdleFor returns the time since the last completed turn.
func (i *Info) IdleFor(now time.Time) time.Duration {
	return now.Sub(i.LastActiveAt)
}

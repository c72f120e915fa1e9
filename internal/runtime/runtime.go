// Package runtime defines the container lifecycle capability used by the
// warm pool, orchestrator, and garbage collector. Implementations own the
// mechanics of isolation; callers only see handles.
package runtime

import (
	"context"
	"io"
	"time"
)

// Labels attached to every sandbox container so crashed control planes can
// re-discover their containers by listing the runtime.
const (
	LabelManaged        = "workspace"
	LabelConversationID = "workspace.conversation_id"
	LabelCreatedAt      = "workspace.created_at"
)

// CreateSpec describes the sandbox to provision. Resource caps and isolation
// hardening come from static configuration, not from CreateSpec, so a caller
// can never weaken them per-request.
type CreateSpec struct {
	Name           string
	ConversationID string   // empty for warm pool candidates
	Env            []string // KEY=VALUE pairs, no secrets
	SocketDir      string   // host dir bind-mounted for agent/proxy sockets
	ExtraMounts    []Mount
}

// Mount is a host bind mount into the sandbox.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Instance is a handle to a provisioned container.
type Instance struct {
	ID             string
	Name           string
	ConversationID string // from labels; empty for warm sandboxes
	State          string // created, running, exited, dead
	CreatedAt      time.Time
	ExitCode       int
}

// Running reports whether the container process is alive.
func (i *Instance) Running() bool {
	return i.State == "running"
}

// ExecResult is the outcome of a command run inside a sandbox.
type ExecResult struct {
	ExitCode int
	Output   []byte // combined stdout and stderr
}

// Lifecycle provisions and destroys sandbox containers. All methods are safe
// for concurrent use.
type Lifecycle interface {
	// Create provisions and starts a hardened container. The returned
	// instance is running but the in-sandbox agent may not be ready yet.
	Create(ctx context.Context, spec CreateSpec) (*Instance, error)

	// Destroy stops the container with the grace period and force-removes
	// it. Destroying an already-removed container is not an error.
	Destroy(ctx context.Context, id string, grace time.Duration) error

	// Inspect returns the current state of a container.
	Inspect(ctx context.Context, id string) (*Instance, error)

	// List returns every container carrying the managed label, running or
	// not. Used for startup reconciliation and orphan detection.
	List(ctx context.Context) ([]*Instance, error)

	// Exec runs a command inside the sandbox and returns its combined
	// output. Used by the file sync path.
	Exec(ctx context.Context, id string, cmd []string) (*ExecResult, error)

	// ExecBinary runs a command with unmultiplexed stdio: stdin, when
	// non-nil, is streamed to the process, and raw stdout is returned.
	// A non-zero exit becomes an error carrying the exit code and stderr.
	// This is the file transport: the rootfs is read-only, so writes go
	// through a process inside the workspace tmpfs, never the copy API.
	ExecBinary(ctx context.Context, id string, cmd []string, stdin io.Reader) ([]byte, error)

	// Logs streams container output for diagnostics.
	Logs(ctx context.Context, id string, tail string) (io.ReadCloser, error)

	// Ping verifies the runtime backend is reachable.
	Ping(ctx context.Context) error
}

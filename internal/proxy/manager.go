package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/enclaveworks/enclave/internal/common/config"
	apperrors "github.com/enclaveworks/enclave/internal/common/errors"
	"github.com/enclaveworks/enclave/internal/common/logger"
	"github.com/enclaveworks/enclave/internal/sandbox"
)

// Manager runs one proxy per sandbox, each listening on the Unix socket
// mounted into that sandbox. The socket is bound before the sandbox agent can
// reach the network, so there is no window where user code has raw egress.
type Manager struct {
	cfg   config.ProxyConfig
	audit *AuditLogger
	log   *logger.Logger

	mu      sync.Mutex
	proxies map[string]*instance // keyed by sandbox ID
}

type instance struct {
	proxy    *Proxy
	server   *http.Server
	listener net.Listener
}

// NewManager creates the proxy manager with a shared audit log.
func NewManager(cfg config.ProxyConfig, audit *AuditLogger, log *logger.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		audit:   audit,
		log:     log,
		proxies: make(map[string]*instance),
	}
}

// StartFor binds and serves the egress proxy for a sandbox. Idempotent: a
// second call for the same sandbox is a no-op.
func (m *Manager) StartFor(info *sandbox.Info) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.proxies[info.SandboxID]; ok {
		return nil
	}

	socketPath := info.ProxyEndpoint.SocketPath()
	if socketPath == "" {
		return apperrors.BadRequest(fmt.Sprintf(
			"sandbox %s has no proxy socket endpoint", info.SandboxID))
	}

	// Stale socket from a previous process; the registry record outlived it.
	_ = os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on proxy socket %s: %w", socketPath, err)
	}
	// The in-sandbox non-root user must be able to connect.
	if err := os.Chmod(socketPath, 0o666); err != nil {
		listener.Close()
		return fmt.Errorf("chmod proxy socket %s: %w", socketPath, err)
	}

	p := New(m.cfg, uuid.New().String(), m.audit, m.log.WithSandboxID(info.SandboxID))
	server := &http.Server{
		Handler:     p,
		IdleTimeout: 120 * time.Second,
	}

	m.proxies[info.SandboxID] = &instance{proxy: p, server: server, listener: listener}

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			m.log.Error("Proxy server exited",
				zap.String("sandbox_id", info.SandboxID), zap.Error(err))
		}
	}()

	m.log.Info("Credential proxy started",
		zap.String("sandbox_id", info.SandboxID),
		zap.String("socket", socketPath),
	)
	return nil
}

// Configure pushes credentials and allow-list to a sandbox's proxy.
func (m *Manager) Configure(sandboxID string, cfg Config) error {
	inst, err := m.get(sandboxID)
	if err != nil {
		return err
	}
	inst.proxy.Configure(cfg)
	return nil
}

// UpdateRules swaps the MCP header rules on a sandbox's proxy.
func (m *Manager) UpdateRules(sandboxID string, rules []HeaderRule) error {
	inst, err := m.get(sandboxID)
	if err != nil {
		return err
	}
	inst.proxy.UpdateRules(rules)
	return nil
}

// StopFor shuts down a sandbox's proxy and removes its socket.
func (m *Manager) StopFor(ctx context.Context, sandboxID string) error {
	m.mu.Lock()
	inst, ok := m.proxies[sandboxID]
	delete(m.proxies, sandboxID)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if err := inst.server.Shutdown(ctx); err != nil {
		inst.server.Close()
	}
	m.log.Info("Credential proxy stopped", zap.String("sandbox_id", sandboxID))
	return nil
}

// StopAll drains every proxy in parallel, bounded by the context deadline.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.proxies))
	for id := range m.proxies {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			return m.StopFor(gctx, id)
		})
	}
	_ = g.Wait()
}

func (m *Manager) get(sandboxID string) (*instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.proxies[sandboxID]
	if !ok {
		return nil, apperrors.NotFound("proxy", sandboxID)
	}
	return inst, nil
}

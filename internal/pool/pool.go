// Package pool maintains a queue of pre-created sandboxes so a conversation's
// first turn does not pay container provisioning latency.
package pool

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/enclaveworks/enclave/internal/common/config"
	apperrors "github.com/enclaveworks/enclave/internal/common/errors"
	"github.com/enclaveworks/enclave/internal/common/logger"
	"github.com/enclaveworks/enclave/internal/events"
	"github.com/enclaveworks/enclave/internal/events/bus"
	"github.com/enclaveworks/enclave/internal/metrics"
	"github.com/enclaveworks/enclave/internal/registry"
	"github.com/enclaveworks/enclave/internal/runtime"
	"github.com/enclaveworks/enclave/internal/sandbox"
	v1 "github.com/enclaveworks/enclave/pkg/api/v1"
)

const (
	// maxUnhealthyPops bounds how many dead pool entries one acquisition
	// will discard before falling back to on-demand creation.
	maxUnhealthyPops = 3

	replenishInterval = 15 * time.Second
	readyPollInterval = 250 * time.Millisecond

	eventSource = "warm-pool"
)

// HealthProbe verifies that a sandbox's agent is responsive. Replaceable in
// tests.
type HealthProbe func(ctx context.Context, info *sandbox.Info) error

// DefaultHealthProbe asks the in-sandbox agent for its health endpoint.
func DefaultHealthProbe(ctx context.Context, info *sandbox.Info) error {
	client := info.AgentEndpoint.HTTPClient(5 * time.Second)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, info.AgentEndpoint.BaseURL()+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("agent health probe: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agent health probe returned status %d", resp.StatusCode)
	}
	return nil
}

// Manager owns the warm pool queue and all sandbox provisioning.
type Manager struct {
	warmCfg  config.WarmPoolConfig
	docker   config.DockerConfig
	grace    time.Duration
	registry *registry.Registry
	runtime  runtime.Lifecycle
	bus      bus.EventBus
	probe    HealthProbe
	log      *logger.Logger

	// createSem caps concurrent container creations across warm fill and
	// on-demand cold starts; nil means uncapped.
	createSem *semaphore.Weighted

	mu       sync.Mutex
	draining bool

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewManager creates a warm pool manager.
func NewManager(
	warmCfg config.WarmPoolConfig,
	dockerCfg config.DockerConfig,
	grace time.Duration,
	maxConcurrent int,
	reg *registry.Registry,
	rt runtime.Lifecycle,
	eventBus bus.EventBus,
	log *logger.Logger,
) *Manager {
	m := &Manager{
		warmCfg:  warmCfg,
		docker:   dockerCfg,
		grace:    grace,
		registry: reg,
		runtime:  rt,
		bus:      eventBus,
		probe:    DefaultHealthProbe,
		log:      log,
		stopCh:   make(chan struct{}),
	}
	if maxConcurrent > 0 {
		m.createSem = semaphore.NewWeighted(int64(maxConcurrent))
	}
	return m
}

// SetHealthProbe replaces the agent readiness probe. Tests only.
func (m *Manager) SetHealthProbe(probe HealthProbe) {
	m.probe = probe
}

// Start preheats the pool to its target size and launches the background
// replenish loop.
func (m *Manager) Start(ctx context.Context) error {
	if m.started {
		return nil
	}
	m.started = true

	if err := m.Preheat(ctx); err != nil {
		// Preheat failure is not fatal; acquisitions fall back to
		// on-demand creation and the loop keeps retrying.
		m.log.Warn("Warm pool preheat incomplete", zap.Error(err))
	}

	m.wg.Add(1)
	go m.replenishLoop()

	m.log.Info("Warm pool started",
		zap.Int("target_size", m.warmCfg.TargetSize),
		zap.Int("max_size", m.warmCfg.MaxSize),
	)
	return nil
}

// Stop halts replenishment and waits for in-flight creations. Pool contents
// stay in the registry for the next process to adopt or drain.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return
	}
	m.draining = true
	m.mu.Unlock()

	if m.started {
		close(m.stopCh)
	}
	m.wg.Wait()
	m.log.Info("Warm pool stopped")
}

// Acquire hands a healthy sandbox to a conversation. The pop is atomic, so
// concurrent acquisitions never share a sandbox. Unhealthy entries are
// discarded and destroyed, bounded per call; an empty or exhausted pool falls
// back to on-demand creation. The binding is persisted before returning.
func (m *Manager) Acquire(ctx context.Context, conversationID string) (*sandbox.Info, error) {
	log := m.log.WithConversationID(conversationID)

	for attempt := 0; attempt < maxUnhealthyPops; attempt++ {
		info, err := m.registry.PopWarm(ctx)
		if err != nil {
			if apperrors.IsNotFound(err) {
				break // pool empty
			}
			return nil, err
		}

		if probeErr := m.probe(ctx, info); probeErr != nil {
			log.Warn("Discarding unhealthy warm sandbox",
				zap.String("sandbox_id", info.SandboxID),
				zap.Error(probeErr),
			)
			metrics.WarmPoolHitsTotal.WithLabelValues("discarded").Inc()
			m.destroySandbox(ctx, info)
			continue
		}

		metrics.WarmPoolHitsTotal.WithLabelValues("hit").Inc()
		m.triggerReplenish()
		return m.bind(ctx, info, conversationID)
	}

	// Pool exhausted: create on demand within the same creation budget.
	metrics.WarmPoolHitsTotal.WithLabelValues("miss").Inc()
	log.Info("Warm pool empty, creating sandbox on demand")

	info, err := m.createSandbox(ctx, conversationID)
	if err != nil {
		metrics.SandboxCreationsTotal.WithLabelValues("on_demand", "failed").Inc()
		return nil, apperrors.CreateFailed(err)
	}
	metrics.SandboxCreationsTotal.WithLabelValues("on_demand", "ok").Inc()

	m.triggerReplenish()
	return m.bind(ctx, info, conversationID)
}

// bind persists the conversation's ownership of the sandbox.
func (m *Manager) bind(ctx context.Context, info *sandbox.Info, conversationID string) (*sandbox.Info, error) {
	now := time.Now().UTC()
	info.ConversationID = conversationID
	info.Status = v1.SandboxStatusRunning
	info.LastActiveAt = now

	if err := m.registry.SaveBinding(ctx, info); err != nil {
		// Without a persisted binding the sandbox would leak past a
		// restart, so fail the acquisition and destroy it.
		m.destroySandbox(ctx, info)
		return nil, err
	}

	metrics.SandboxesActive.Inc()
	m.publish(ctx, events.SandboxBound, map[string]interface{}{
		"sandbox_id":      info.SandboxID,
		"conversation_id": conversationID,
	})
	m.publish(ctx, events.PoolAcquired, map[string]interface{}{
		"sandbox_id":      info.SandboxID,
		"conversation_id": conversationID,
	})
	return info, nil
}

// Preheat brings the pool up to its target size in parallel, bounded by the
// concurrent-creation cap. Used at startup and after an explicit reset.
func (m *Manager) Preheat(ctx context.Context) error {
	sizes := m.effectiveSizes(ctx)
	created, err := m.fillTo(ctx, sizes, sizes.TargetSize)
	if err != nil {
		return err
	}
	if created > 0 {
		m.publish(ctx, events.PoolPreheated, map[string]interface{}{"created": created})
	}
	return nil
}

// Replenish restores the pool floor after acquisitions. Each creation retries
// transient runtime failures with exponential backoff; a failed replenish is
// not user-visible, it just means the next acquisition is a cold start.
func (m *Manager) Replenish(ctx context.Context) error {
	sizes := m.effectiveSizes(ctx)
	if sizes.MinSize <= 0 {
		return nil
	}
	created, err := m.fillTo(ctx, sizes, sizes.MinSize)
	if err != nil {
		return err
	}
	if created > 0 {
		m.publish(ctx, events.PoolReplenished, map[string]interface{}{"created": created})
	}
	return nil
}

// fillTo creates sandboxes until the queue reaches goal, never exceeding the
// pool's max size. A failure of one creation does not abort the others.
func (m *Manager) fillTo(ctx context.Context, sizes registry.PoolSizes, goal int) (int, error) {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return 0, nil
	}
	m.mu.Unlock()

	current, err := m.registry.WarmPoolSize(ctx)
	if err != nil {
		return 0, err
	}
	metrics.WarmPoolSize.Set(float64(current))

	deficit := goal - current
	if deficit <= 0 {
		return 0, nil
	}
	if sizes.MaxSize > 0 && current+deficit > sizes.MaxSize {
		deficit = sizes.MaxSize - current
	}

	m.log.Info("Filling warm pool",
		zap.Int("current", current),
		zap.Int("goal", goal),
		zap.Int("deficit", deficit),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.warmCfg.MaxConcurrentCreates)
	for i := 0; i < deficit; i++ {
		g.Go(func() error {
			info, err := m.createWithBackoff(gctx)
			if err != nil {
				metrics.SandboxCreationsTotal.WithLabelValues("warm_pool", "failed").Inc()
				return err
			}
			metrics.SandboxCreationsTotal.WithLabelValues("warm_pool", "ok").Inc()

			if err := m.registry.PushWarm(gctx, info); err != nil {
				m.destroySandbox(gctx, info)
				return err
			}
			return nil
		})
	}
	err = g.Wait()

	if n, sizeErr := m.registry.WarmPoolSize(ctx); sizeErr == nil {
		metrics.WarmPoolSize.Set(float64(n))
	}
	if err != nil {
		return deficit, fmt.Errorf("warm pool fill: %w", err)
	}
	return deficit, nil
}

// createWithBackoff retries transient runtime failures before giving up.
func (m *Manager) createWithBackoff(ctx context.Context) (*sandbox.Info, error) {
	backoff := 500 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		info, err := m.createSandbox(ctx, "")
		if err == nil {
			return info, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// createSandbox provisions a container, waits for the agent to come up, and
// returns its record. On any failure the container is destroyed so nothing
// half-created survives.
func (m *Manager) createSandbox(ctx context.Context, conversationID string) (*sandbox.Info, error) {
	if m.createSem != nil {
		if err := m.createSem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer m.createSem.Release(1)
	}

	start := time.Now()
	name := "enclave-sb-" + uuid.New().String()[:8]

	socketDir := filepath.Join(m.docker.SocketBasePath, name)
	if err := os.MkdirAll(socketDir, 0o700); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.warmCfg.CreateTimeoutDuration())
	defer cancel()

	inst, err := m.runtime.Create(ctx, runtime.CreateSpec{
		Name:           name,
		ConversationID: conversationID,
		SocketDir:      socketDir,
	})
	if err != nil {
		_ = os.RemoveAll(socketDir)
		return nil, err
	}

	info := &sandbox.Info{
		SandboxID:      inst.ID,
		ConversationID: conversationID,
		AgentEndpoint:  sandbox.UnixEndpoint(filepath.Join(socketDir, "agent.sock")),
		ProxyEndpoint:  sandbox.UnixEndpoint(filepath.Join(socketDir, "proxy.sock")),
		CreatedAt:      inst.CreatedAt,
		LastActiveAt:   inst.CreatedAt,
		Status:         v1.SandboxStatusWarm,
		ManagerType:    sandbox.ManagerTypeDocker,
	}

	if err := m.waitReady(ctx, info); err != nil {
		m.destroySandbox(context.WithoutCancel(ctx), info)
		return nil, fmt.Errorf("sandbox %s never became ready: %w", inst.ID, err)
	}

	metrics.SandboxCreateDuration.Observe(time.Since(start).Seconds())
	m.publish(ctx, events.SandboxCreated, map[string]interface{}{
		"sandbox_id": inst.ID,
		"name":       name,
	})
	return info, nil
}

// waitReady polls the agent until it responds or the creation budget runs out.
func (m *Manager) waitReady(ctx context.Context, info *sandbox.Info) error {
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		if lastErr = m.probe(ctx, info); lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return fmt.Errorf("%w (last probe: %v)", ctx.Err(), lastErr)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// destroySandbox tears down a container and its socket dir, logging rather
// than failing; callers are already on an error path.
func (m *Manager) destroySandbox(ctx context.Context, info *sandbox.Info) {
	if err := m.runtime.Destroy(ctx, info.SandboxID, m.grace); err != nil {
		m.log.Warn("Failed to destroy sandbox",
			zap.String("sandbox_id", info.SandboxID),
			zap.Error(err),
		)
	}
	if p := info.AgentEndpoint.SocketPath(); p != "" {
		_ = os.RemoveAll(filepath.Dir(p))
	}
}

// effectiveSizes returns operator overrides from the registry when present,
// falling back to static configuration. This makes pool sizing adjustable
// without a restart.
func (m *Manager) effectiveSizes(ctx context.Context) registry.PoolSizes {
	static := registry.PoolSizes{
		MinSize:    m.warmCfg.MinSize,
		TargetSize: m.warmCfg.TargetSize,
		MaxSize:    m.warmCfg.MaxSize,
	}
	override, err := m.registry.GetPoolSizes(ctx)
	if err != nil || override == nil {
		if err != nil {
			m.log.Warn("Ignoring invalid pool size override", zap.Error(err))
		}
		return static
	}
	return *override
}

// replenishLoop keeps the pool at target size and evicts entries that sat
// warm past their idle TTL.
func (m *Manager) replenishLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(replenishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), replenishInterval)
			m.evictExpired(ctx)
			if err := m.Replenish(ctx); err != nil {
				m.log.Warn("Warm pool replenish failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// evictExpired destroys pool entries older than the in-pool idle TTL.
func (m *Manager) evictExpired(ctx context.Context) {
	ttl := m.warmCfg.IdleTTLInPoolDuration()
	if ttl <= 0 {
		return
	}

	infos, err := m.registry.ListWarm(ctx)
	if err != nil {
		m.log.Warn("Failed to list warm pool for eviction", zap.Error(err))
		return
	}

	now := time.Now().UTC()
	for _, info := range infos {
		if info.Age(now) < ttl {
			continue
		}
		m.log.Info("Evicting stale warm sandbox",
			zap.String("sandbox_id", info.SandboxID),
			zap.Duration("age", info.Age(now)),
		)
		if err := m.registry.RemoveWarm(ctx, info.SandboxID); err != nil {
			continue
		}
		metrics.WarmPoolHitsTotal.WithLabelValues("discarded").Inc()
		m.destroySandbox(ctx, info)
	}
}

// triggerReplenish tops the pool back up without blocking the acquisition
// path.
func (m *Manager) triggerReplenish() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.warmCfg.CreateTimeoutDuration())
		defer cancel()
		if err := m.Replenish(ctx); err != nil {
			m.log.Warn("Async warm pool replenish failed", zap.Error(err))
		}
	}()
}

func (m *Manager) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, eventType, bus.NewEvent(eventType, eventSource, data)); err != nil {
		m.log.Debug("Event publish failed", zap.String("type", eventType), zap.Error(err))
	}
}

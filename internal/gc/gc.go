// Package gc reclaims sandboxes that outlived their usefulness: idle past the
// inactivity window, older than the absolute lifetime, failing health checks,
// or running with no registry record at all.
package gc

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/enclaveworks/enclave/internal/common/config"
	apperrors "github.com/enclaveworks/enclave/internal/common/errors"
	"github.com/enclaveworks/enclave/internal/common/logger"
	"github.com/enclaveworks/enclave/internal/events"
	"github.com/enclaveworks/enclave/internal/events/bus"
	"github.com/enclaveworks/enclave/internal/metrics"
	"github.com/enclaveworks/enclave/internal/pool"
	"github.com/enclaveworks/enclave/internal/registry"
	"github.com/enclaveworks/enclave/internal/runtime"
	"github.com/enclaveworks/enclave/internal/sandbox"
	v1 "github.com/enclaveworks/enclave/pkg/api/v1"
)

const eventSource = "gc"

// Reap reasons, also used as metric labels.
const (
	ReasonInactive    = "inactive"
	ReasonAbsoluteTTL = "absolute_ttl"
	ReasonUnhealthy   = "unhealthy"
	ReasonOrphan      = "orphan"
)

// Cleanup is the teardown capability the collector borrows from the
// orchestrator, so reaping follows the same path as an explicit destroy
// (final flush, proxy stop, binding delete).
type Cleanup interface {
	Destroy(ctx context.Context, conversationID string) error
}

// Collector periodically sweeps bindings and, less often, unrecorded
// containers.
type Collector struct {
	cfg       config.GCConfig
	container config.ContainerConfig
	registry  *registry.Registry
	runtime   runtime.Lifecycle
	cleanup   Cleanup
	probe     pool.HealthProbe
	bus       bus.EventBus
	log       *logger.Logger

	cycle int

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// New creates a collector.
func New(
	cfg config.GCConfig,
	container config.ContainerConfig,
	reg *registry.Registry,
	rt runtime.Lifecycle,
	cleanup Cleanup,
	eventBus bus.EventBus,
	log *logger.Logger,
) *Collector {
	return &Collector{
		cfg:       cfg,
		container: container,
		registry:  reg,
		runtime:   rt,
		cleanup:   cleanup,
		probe:     pool.DefaultHealthProbe,
		bus:       eventBus,
		log:       log,
		stopCh:    make(chan struct{}),
	}
}

// SetHealthProbe replaces the agent probe. Tests only.
func (c *Collector) SetHealthProbe(probe pool.HealthProbe) {
	c.probe = probe
}

// Start launches the sweep loop.
func (c *Collector) Start() {
	if c.started {
		return
	}
	c.started = true
	c.wg.Add(1)
	go c.loop()
	c.log.Info("Garbage collector started",
		zap.Duration("interval", c.cfg.IntervalDuration()),
		zap.Int("orphan_every_n", c.cfg.OrphanEveryN),
	)
}

// Stop halts the loop and waits for an in-flight sweep.
func (c *Collector) Stop() {
	if !c.started {
		return
	}
	close(c.stopCh)
	c.wg.Wait()
	c.log.Info("Garbage collector stopped")
}

func (c *Collector) loop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.IntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.IntervalDuration())
			c.RunCycle(ctx)
			cancel()
		}
	}
}

// RunCycle performs one sweep: every binding is checked against the reap
// rules, and every OrphanEveryN-th cycle unrecorded containers are removed.
func (c *Collector) RunCycle(ctx context.Context) {
	c.cycle++

	bindings, err := c.registry.ListBindings(ctx)
	if err != nil {
		c.log.Warn("GC cannot list bindings", zap.Error(err))
		return
	}

	now := time.Now().UTC()
	for _, info := range bindings {
		reason := c.shouldReap(ctx, info, now)
		if reason == "" {
			continue
		}
		c.log.Info("Reaping sandbox",
			zap.String("conversation_id", info.ConversationID),
			zap.String("sandbox_id", info.SandboxID),
			zap.String("reason", reason),
		)
		if err := c.cleanup.Destroy(ctx, info.ConversationID); err != nil {
			c.log.Warn("GC destroy failed",
				zap.String("conversation_id", info.ConversationID),
				zap.Error(err),
			)
			continue
		}
		metrics.GCReapsTotal.WithLabelValues(reason).Inc()
		c.publish(ctx, events.GCReaped, map[string]interface{}{
			"conversation_id": info.ConversationID,
			"sandbox_id":      info.SandboxID,
			"reason":          reason,
		})
	}

	if c.cfg.OrphanEveryN > 0 && c.cycle%c.cfg.OrphanEveryN == 0 {
		c.reapOrphans(ctx, now)
	}
}

// shouldReap decides whether a bound sandbox must go, and why. A sandbox in
// the middle of a turn is never reaped; the per-turn timeout bounds runaways.
func (c *Collector) shouldReap(ctx context.Context, info *sandbox.Info, now time.Time) string {
	if info.Status == v1.SandboxStatusRunning {
		return ""
	}
	if ttl := c.container.AbsoluteTTLDuration(); ttl > 0 && info.Age(now) > ttl {
		return ReasonAbsoluteTTL
	}
	if ttl := c.container.InactiveTTLDuration(); ttl > 0 && info.IdleFor(now) > ttl {
		return ReasonInactive
	}

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.probe(probeCtx, info); err != nil {
		return ReasonUnhealthy
	}
	return ""
}

// reapOrphans destroys workspace-labeled containers the registry does not
// know about. The age threshold protects containers still being created,
// whose records have not been written yet.
func (c *Collector) reapOrphans(ctx context.Context, now time.Time) {
	instances, err := c.runtime.List(ctx)
	if err != nil {
		c.log.Warn("GC cannot list containers", zap.Error(err))
		return
	}

	warmIDs := make(map[string]bool)
	if warm, err := c.registry.ListWarm(ctx); err == nil {
		for _, info := range warm {
			warmIDs[info.SandboxID] = true
		}
	}

	threshold := c.cfg.OrphanThresholdDuration()
	for _, inst := range instances {
		if now.Sub(inst.CreatedAt) < threshold {
			continue
		}
		if warmIDs[inst.ID] {
			continue
		}
		if _, err := c.registry.ConversationForSandbox(ctx, inst.ID); err == nil {
			continue
		} else if !apperrors.IsNotFound(err) {
			// Registry trouble is not a reason to destroy containers.
			continue
		}

		c.log.Warn("Destroying orphaned container",
			zap.String("sandbox_id", inst.ID),
			zap.Duration("age", now.Sub(inst.CreatedAt)),
		)
		if err := c.runtime.Destroy(ctx, inst.ID, c.container.GracePeriodDuration()); err != nil {
			c.log.Warn("Orphan destroy failed",
				zap.String("sandbox_id", inst.ID), zap.Error(err))
			continue
		}
		metrics.GCReapsTotal.WithLabelValues(ReasonOrphan).Inc()
		c.publish(ctx, events.GCOrphanReaped, map[string]interface{}{
			"sandbox_id": inst.ID,
		})
	}
}

func (c *Collector) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(ctx, eventType, bus.NewEvent(eventType, eventSource, data)); err != nil {
		c.log.Debug("Event publish failed", zap.String("type", eventType), zap.Error(err))
	}
}

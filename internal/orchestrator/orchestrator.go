// Package orchestrator binds conversations to sandboxes and runs agent turns
// against them. It is the only component that composes the warm pool, the
// registry, the credential proxies, and file sync into one lifecycle.
package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/enclaveworks/enclave/internal/common/config"
	apperrors "github.com/enclaveworks/enclave/internal/common/errors"
	"github.com/enclaveworks/enclave/internal/common/logger"
	"github.com/enclaveworks/enclave/internal/events"
	"github.com/enclaveworks/enclave/internal/events/bus"
	"github.com/enclaveworks/enclave/internal/filesync"
	"github.com/enclaveworks/enclave/internal/metrics"
	"github.com/enclaveworks/enclave/internal/pool"
	"github.com/enclaveworks/enclave/internal/proxy"
	"github.com/enclaveworks/enclave/internal/registry"
	"github.com/enclaveworks/enclave/internal/runtime"
	"github.com/enclaveworks/enclave/internal/sandbox"
	v1 "github.com/enclaveworks/enclave/pkg/api/v1"
)

const (
	eventSource = "orchestrator"

	// destroyConcurrency bounds parallel teardown during drain.
	destroyConcurrency = 8
)

// Orchestrator owns sandbox bindings end to end: acquisition, turn execution,
// recovery, and teardown. All operations on one conversation are serialized.
type Orchestrator struct {
	cfg     config.ContainerConfig
	syncCfg config.FileSyncConfig

	pool     *pool.Manager
	registry *registry.Registry
	runtime  runtime.Lifecycle
	proxies  *proxy.Manager
	syncer   *filesync.Syncer
	flusher  *filesync.Flusher
	bus      bus.EventBus
	probe    pool.HealthProbe
	log      *logger.Logger

	// proxyDefaults is applied to every proxy at start; per-turn requests can
	// layer additional configuration on top.
	proxyDefaults proxy.Config

	locks    *keyedMutex
	shutdown atomic.Bool
	turns    sync.WaitGroup
}

// New wires the orchestrator. flusher may be nil; it is created around this
// orchestrator's flush function.
func New(
	cfg config.ContainerConfig,
	syncCfg config.FileSyncConfig,
	poolMgr *pool.Manager,
	reg *registry.Registry,
	rt runtime.Lifecycle,
	proxies *proxy.Manager,
	syncer *filesync.Syncer,
	eventBus bus.EventBus,
	proxyDefaults proxy.Config,
	log *logger.Logger,
) *Orchestrator {
	o := &Orchestrator{
		cfg:           cfg,
		syncCfg:       syncCfg,
		pool:          poolMgr,
		registry:      reg,
		runtime:       rt,
		proxies:       proxies,
		syncer:        syncer,
		bus:           eventBus,
		probe:         pool.DefaultHealthProbe,
		proxyDefaults: proxyDefaults,
		log:           log,
		locks:         newKeyedMutex(),
	}
	o.flusher = filesync.NewFlusher(
		syncCfg.DebounceDuration(),
		syncCfg.FlushTimeoutDuration(),
		syncer.SyncOut,
		log,
	)
	return o
}

// SetHealthProbe replaces the liveness probe. Tests only.
func (o *Orchestrator) SetHealthProbe(probe pool.HealthProbe) {
	o.probe = probe
}

// ShuttingDown reports whether new work is being rejected.
func (o *Orchestrator) ShuttingDown() bool {
	return o.shutdown.Load()
}

// GetOrCreate returns the sandbox bound to a conversation, acquiring one from
// the warm pool when none exists or the bound one is dead.
func (o *Orchestrator) GetOrCreate(ctx context.Context, conversationID, tenantID string) (*sandbox.Info, error) {
	if o.ShuttingDown() {
		return nil, apperrors.ShuttingDown()
	}
	unlock := o.locks.lock(conversationID)
	defer unlock()
	return o.getOrCreateLocked(ctx, conversationID, tenantID)
}

func (o *Orchestrator) getOrCreateLocked(ctx context.Context, conversationID, tenantID string) (*sandbox.Info, error) {
	log := o.log.WithConversationID(conversationID)

	info, err := o.registry.GetBinding(ctx, conversationID)
	switch {
	case err == nil:
		if aliveErr := o.verifyAlive(ctx, info); aliveErr == nil {
			_ = o.registry.TouchBinding(ctx, conversationID, time.Now().UTC())
			// After a control plane restart the proxy is not running in this
			// process; StartFor is idempotent otherwise.
			if perr := o.startProxy(info); perr != nil {
				log.Warn("Failed to restart proxy for adopted sandbox", zap.Error(perr))
			}
			return info, nil
		} else {
			log.Warn("Bound sandbox is dead, replacing",
				zap.String("sandbox_id", info.SandboxID),
				zap.Error(aliveErr),
			)
			o.teardown(ctx, info)
		}
	case !apperrors.IsNotFound(err):
		return nil, err
	}

	info, err = o.pool.Acquire(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	if tenantID != "" && info.TenantID != tenantID {
		info.TenantID = tenantID
		if err := o.registry.SaveBinding(ctx, info); err != nil {
			o.teardown(ctx, info)
			return nil, err
		}
	}

	if err := o.startProxy(info); err != nil {
		o.teardown(ctx, info)
		return nil, apperrors.CreateFailed(err)
	}
	return info, nil
}

// verifyAlive checks that the container is running and its agent answers.
func (o *Orchestrator) verifyAlive(ctx context.Context, info *sandbox.Info) error {
	inst, err := o.runtime.Inspect(ctx, info.SandboxID)
	if err != nil {
		return err
	}
	if !inst.Running() {
		return apperrors.SandboxUnhealthy(info.SandboxID, nil)
	}
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := o.probe(probeCtx, info); err != nil {
		return apperrors.SandboxUnhealthy(info.SandboxID, err)
	}
	return nil
}

// startProxy brings up the sandbox's egress proxy and applies the default
// credential and allow-list configuration before any sandbox code can use it.
func (o *Orchestrator) startProxy(info *sandbox.Info) error {
	if err := o.proxies.StartFor(info); err != nil {
		return err
	}
	return o.proxies.Configure(info.SandboxID, o.proxyDefaults)
}

// Destroy tears down a conversation's sandbox: final flush, proxy stop,
// container removal, binding delete. Missing bindings are a no-op.
func (o *Orchestrator) Destroy(ctx context.Context, conversationID string) error {
	unlock := o.locks.lock(conversationID)
	defer unlock()
	return o.destroyLocked(ctx, conversationID)
}

func (o *Orchestrator) destroyLocked(ctx context.Context, conversationID string) error {
	log := o.log.WithConversationID(conversationID)

	info, err := o.registry.GetBinding(ctx, conversationID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil
		}
		return err
	}

	_ = o.registry.SetStatus(ctx, conversationID, v1.SandboxStatusDraining)
	o.flusher.Cancel(conversationID)

	// Best effort: pending workspace changes outlive the sandbox.
	if o.syncer.Enabled() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.syncCfg.FlushTimeoutDuration())
		if serr := o.syncer.SyncOut(flushCtx, o.target(info)); serr != nil {
			log.Warn("Final sync-out failed during destroy", zap.Error(serr))
		}
		cancel()
	}

	o.teardown(ctx, info)
	log.Info("Sandbox destroyed", zap.String("sandbox_id", info.SandboxID))
	return nil
}

// teardown removes every trace of a sandbox. Errors are logged, not returned;
// callers are already committed to removal.
func (o *Orchestrator) teardown(ctx context.Context, info *sandbox.Info) {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	_ = o.proxies.StopFor(stopCtx, info.SandboxID)
	cancel()

	if err := o.runtime.Destroy(context.WithoutCancel(ctx), info.SandboxID, o.cfg.GracePeriodDuration()); err != nil {
		o.log.Warn("Failed to destroy container",
			zap.String("sandbox_id", info.SandboxID),
			zap.Error(err),
		)
	}
	if p := info.AgentEndpoint.SocketPath(); p != "" {
		_ = os.RemoveAll(filepath.Dir(p))
	}
	o.syncer.Forget(info.SandboxID)

	if info.ConversationID != "" {
		if err := o.registry.DeleteBinding(ctx, info.ConversationID); err != nil {
			o.log.Warn("Failed to delete binding",
				zap.String("conversation_id", info.ConversationID),
				zap.Error(err),
			)
		}
		metrics.SandboxesActive.Dec()
		o.publish(ctx, events.SandboxDestroyed, map[string]interface{}{
			"sandbox_id":      info.SandboxID,
			"conversation_id": info.ConversationID,
		})
	}
}

// DestroyAll drains every bound sandbox in parallel, bounded by the context
// deadline.
func (o *Orchestrator) DestroyAll(ctx context.Context) {
	infos, err := o.registry.ListBindings(ctx)
	if err != nil {
		o.log.Error("Cannot list bindings for drain", zap.Error(err))
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(destroyConcurrency)
	for _, info := range infos {
		info := info
		g.Go(func() error {
			if err := o.Destroy(gctx, info.ConversationID); err != nil {
				o.log.Warn("Drain destroy failed",
					zap.String("conversation_id", info.ConversationID),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Shutdown rejects new turns, waits for in-flight ones up to the drain
// deadline, then destroys all sandboxes and stops the flusher.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.shutdown.Store(true)

	done := make(chan struct{})
	go func() {
		o.turns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		o.log.Warn("Drain deadline reached with turns still in flight")
	}

	o.DestroyAll(ctx)
	o.flusher.Stop()
	o.proxies.StopAll(ctx)
	o.log.Info("Orchestrator shut down")
}

// Reconcile runs at startup, after a crash or restart: it re-adopts live
// bound sandboxes (restarting their proxies), deletes bindings whose
// containers are gone, and drops warm pool entries that no longer run.
// Containers with no record at all are left to the garbage collector's orphan
// pass.
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	bindings, err := o.registry.ListBindings(ctx)
	if err != nil {
		return err
	}
	for _, info := range bindings {
		if aliveErr := o.verifyAlive(ctx, info); aliveErr != nil {
			o.log.Info("Reconcile: dropping binding to dead sandbox",
				zap.String("conversation_id", info.ConversationID),
				zap.String("sandbox_id", info.SandboxID),
			)
			o.teardown(ctx, info)
			continue
		}
		if err := o.startProxy(info); err != nil {
			o.log.Warn("Reconcile: proxy restart failed",
				zap.String("sandbox_id", info.SandboxID),
				zap.Error(err),
			)
		}
		metrics.SandboxesActive.Inc()
	}

	warm, err := o.registry.ListWarm(ctx)
	if err != nil {
		return err
	}
	for _, info := range warm {
		inst, ierr := o.runtime.Inspect(ctx, info.SandboxID)
		if ierr == nil && inst.Running() {
			continue
		}
		o.log.Info("Reconcile: evicting dead warm entry",
			zap.String("sandbox_id", info.SandboxID))
		_ = o.registry.RemoveWarm(ctx, info.SandboxID)
	}

	o.log.Info("Startup reconciliation complete",
		zap.Int("bindings", len(bindings)),
		zap.Int("warm", len(warm)),
	)
	return nil
}

func (o *Orchestrator) target(info *sandbox.Info) filesync.Target {
	return filesync.Target{
		TenantID:       info.TenantID,
		ConversationID: info.ConversationID,
		SandboxID:      info.SandboxID,
	}
}

func (o *Orchestrator) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if o.bus == nil {
		return
	}
	if err := o.bus.Publish(ctx, eventType, bus.NewEvent(eventType, eventSource, data)); err != nil {
		o.log.Debug("Event publish failed", zap.String("type", eventType), zap.Error(err))
	}
}

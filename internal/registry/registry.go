// Package registry persists sandbox state in Redis so the control plane can
// recover bindings and warm-pool contents after a restart. All state a
// restart must survive lives here; in-memory maps are caches only.
package registry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/enclaveworks/enclave/internal/common/config"
	apperrors "github.com/enclaveworks/enclave/internal/common/errors"
	"github.com/enclaveworks/enclave/internal/common/logger"
	"github.com/enclaveworks/enclave/internal/sandbox"
	v1 "github.com/enclaveworks/enclave/pkg/api/v1"
)

const (
	bindingKeyPrefix = "workspace:container:"       // hash keyed by conversation ID
	sandboxKeyPrefix = "workspace:sandbox:"         // reverse index: sandbox ID -> conversation ID
	warmPoolKey      = "workspace:warm_pool"        // list of warm sandbox IDs
	warmEntryPrefix  = "workspace:warm_pool:"       // hash per warm sandbox
	poolConfigKey    = "workspace:warm_pool:config" // operator-set size overrides
	scanBatchSize    = 100
)

// Registry stores sandbox bindings and the warm pool queue in Redis.
type Registry struct {
	client     *redis.Client
	bindingTTL time.Duration
	log        *logger.Logger
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg *config.RedisConfig, bindingTTL time.Duration, log *logger.Logger) (*Registry, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, apperrors.RegistryUnavailable(fmt.Errorf("ping %s: %w", cfg.Addr, err))
	}

	return &Registry{
		client:     client,
		bindingTTL: bindingTTL,
		log:        log,
	}, nil
}

// NewWithClient builds a registry around an existing client. Used by tests.
func NewWithClient(client *redis.Client, bindingTTL time.Duration, log *logger.Logger) *Registry {
	return &Registry{client: client, bindingTTL: bindingTTL, log: log}
}

// Close releases the Redis connection.
func (r *Registry) Close() error {
	return r.client.Close()
}

// Ping reports registry reachability for health checks.
func (r *Registry) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return apperrors.RegistryUnavailable(err)
	}
	return nil
}

// SaveBinding persists a conversation's sandbox binding. The binding key
// carries a TTL slightly beyond the inactivity window; the garbage collector
// reaps the container itself.
func (r *Registry) SaveBinding(ctx context.Context, info *sandbox.Info) error {
	if info.ConversationID == "" {
		return apperrors.BadRequest("cannot save a binding without a conversation ID")
	}

	key := bindingKeyPrefix + info.ConversationID
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, encodeInfo(info))
	// The reverse index expires with the binding; a stale entry would hide
	// the container from orphan detection forever.
	pipe.Set(ctx, sandboxKeyPrefix+info.SandboxID, info.ConversationID, r.keyTTL())
	if ttl := r.keyTTL(); ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.RegistryUnavailable(fmt.Errorf("save binding for %s: %w", info.ConversationID, err))
	}
	return nil
}

// GetBinding loads the sandbox bound to a conversation. Returns a NOT_FOUND
// error when no binding exists.
func (r *Registry) GetBinding(ctx context.Context, conversationID string) (*sandbox.Info, error) {
	fields, err := r.client.HGetAll(ctx, bindingKeyPrefix+conversationID).Result()
	if err != nil {
		return nil, apperrors.RegistryUnavailable(fmt.Errorf("get binding for %s: %w", conversationID, err))
	}
	if len(fields) == 0 {
		return nil, apperrors.NotFound("sandbox binding", conversationID)
	}
	return decodeInfo(fields)
}

// DeleteBinding removes a conversation's binding and its reverse index entry.
func (r *Registry) DeleteBinding(ctx context.Context, conversationID string) error {
	info, err := r.GetBinding(ctx, conversationID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil
		}
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, bindingKeyPrefix+conversationID)
	pipe.Del(ctx, sandboxKeyPrefix+info.SandboxID)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.RegistryUnavailable(fmt.Errorf("delete binding for %s: %w", conversationID, err))
	}
	return nil
}

// TouchBinding records activity: updates lastActiveAt and refreshes the key
// TTL so active conversations never expire out of the registry.
func (r *Registry) TouchBinding(ctx context.Context, conversationID string, at time.Time) error {
	key := bindingKeyPrefix + conversationID
	sandboxID, err := r.client.HGet(ctx, key, "sandboxId").Result()
	if err != nil && err != redis.Nil {
		return apperrors.RegistryUnavailable(fmt.Errorf("touch binding for %s: %w", conversationID, err))
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, "lastActiveAt", at.UTC().Format(time.RFC3339Nano))
	if ttl := r.keyTTL(); ttl > 0 {
		pipe.Expire(ctx, key, ttl)
		if sandboxID != "" {
			pipe.Expire(ctx, sandboxKeyPrefix+sandboxID, ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.RegistryUnavailable(fmt.Errorf("touch binding for %s: %w", conversationID, err))
	}
	return nil
}

// keyTTL is the expiry for binding and reverse-index keys, slightly beyond
// the inactivity window so the garbage collector acts first.
func (r *Registry) keyTTL() time.Duration {
	if r.bindingTTL <= 0 {
		return 0
	}
	return r.bindingTTL + 5*time.Minute
}

// SetStatus updates just the lifecycle status field of a binding.
func (r *Registry) SetStatus(ctx context.Context, conversationID string, status v1.SandboxStatus) error {
	if err := r.client.HSet(ctx, bindingKeyPrefix+conversationID, "status", string(status)).Err(); err != nil {
		return apperrors.RegistryUnavailable(fmt.Errorf("set status for %s: %w", conversationID, err))
	}
	return nil
}

// ConversationForSandbox resolves a sandbox ID to its owning conversation via
// the reverse index. Returns NOT_FOUND for untracked sandboxes; the garbage
// collector uses this to detect orphans.
func (r *Registry) ConversationForSandbox(ctx context.Context, sandboxID string) (string, error) {
	conversationID, err := r.client.Get(ctx, sandboxKeyPrefix+sandboxID).Result()
	if err == redis.Nil {
		return "", apperrors.NotFound("sandbox", sandboxID)
	}
	if err != nil {
		return "", apperrors.RegistryUnavailable(fmt.Errorf("reverse lookup for %s: %w", sandboxID, err))
	}
	return conversationID, nil
}

// ListBindings returns all persisted bindings using SCAN, never KEYS.
func (r *Registry) ListBindings(ctx context.Context) ([]*sandbox.Info, error) {
	var (
		infos  []*sandbox.Info
		cursor uint64
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, bindingKeyPrefix+"*", scanBatchSize).Result()
		if err != nil {
			return nil, apperrors.RegistryUnavailable(fmt.Errorf("scan bindings: %w", err))
		}
		for _, key := range keys {
			fields, err := r.client.HGetAll(ctx, key).Result()
			if err != nil || len(fields) == 0 {
				continue // key expired between SCAN and HGETALL
			}
			info, err := decodeInfo(fields)
			if err != nil {
				r.log.Warn("Skipping undecodable binding", zap.String("key", key), zap.Error(err))
				continue
			}
			infos = append(infos, info)
		}
		cursor = next
		if cursor == 0 {
			return infos, nil
		}
	}
}

// PushWarm appends a freshly created sandbox to the warm pool queue.
func (r *Registry) PushWarm(ctx context.Context, info *sandbox.Info) error {
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, warmEntryPrefix+info.SandboxID, encodeInfo(info))
	pipe.LPush(ctx, warmPoolKey, info.SandboxID)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.RegistryUnavailable(fmt.Errorf("push warm sandbox %s: %w", info.SandboxID, err))
	}
	return nil
}

// PopWarm atomically removes the oldest warm sandbox from the queue and
// returns its record. Returns NOT_FOUND when the pool is empty. The pop is a
// single RPOP so two concurrent acquisitions can never receive the same
// sandbox.
func (r *Registry) PopWarm(ctx context.Context) (*sandbox.Info, error) {
	sandboxID, err := r.client.RPop(ctx, warmPoolKey).Result()
	if err == redis.Nil {
		return nil, apperrors.NotFound("warm sandbox", "pool")
	}
	if err != nil {
		return nil, apperrors.RegistryUnavailable(fmt.Errorf("pop warm pool: %w", err))
	}

	entryKey := warmEntryPrefix + sandboxID
	fields, err := r.client.HGetAll(ctx, entryKey).Result()
	if err != nil {
		return nil, apperrors.RegistryUnavailable(fmt.Errorf("load warm entry %s: %w", sandboxID, err))
	}
	_ = r.client.Del(ctx, entryKey).Err()
	if len(fields) == 0 {
		// Entry hash lost (partial delete); caller must treat the ID as dead.
		return nil, apperrors.NotFound("warm sandbox entry", sandboxID)
	}
	return decodeInfo(fields)
}

// RemoveWarm deletes a specific sandbox from the pool, e.g. after it failed
// a health probe or exceeded its pool idle TTL.
func (r *Registry) RemoveWarm(ctx context.Context, sandboxID string) error {
	pipe := r.client.TxPipeline()
	pipe.LRem(ctx, warmPoolKey, 0, sandboxID)
	pipe.Del(ctx, warmEntryPrefix+sandboxID)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.RegistryUnavailable(fmt.Errorf("remove warm sandbox %s: %w", sandboxID, err))
	}
	return nil
}

// WarmPoolSize returns the current queue depth.
func (r *Registry) WarmPoolSize(ctx context.Context) (int, error) {
	n, err := r.client.LLen(ctx, warmPoolKey).Result()
	if err != nil {
		return 0, apperrors.RegistryUnavailable(fmt.Errorf("warm pool size: %w", err))
	}
	return int(n), nil
}

// ListWarm returns the records of all queued warm sandboxes, oldest last.
func (r *Registry) ListWarm(ctx context.Context) ([]*sandbox.Info, error) {
	ids, err := r.client.LRange(ctx, warmPoolKey, 0, -1).Result()
	if err != nil {
		return nil, apperrors.RegistryUnavailable(fmt.Errorf("list warm pool: %w", err))
	}

	infos := make([]*sandbox.Info, 0, len(ids))
	for _, id := range ids {
		fields, err := r.client.HGetAll(ctx, warmEntryPrefix+id).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		info, err := decodeInfo(fields)
		if err != nil {
			continue
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// PoolSizes is the operator-adjustable warm pool sizing, stored in Redis so
// it can be changed without a daemon restart.
type PoolSizes struct {
	MinSize    int
	TargetSize int
	MaxSize    int
}

// GetPoolSizes returns the stored size override, or nil when none is set.
func (r *Registry) GetPoolSizes(ctx context.Context) (*PoolSizes, error) {
	fields, err := r.client.HGetAll(ctx, poolConfigKey).Result()
	if err != nil {
		return nil, apperrors.RegistryUnavailable(fmt.Errorf("get pool config: %w", err))
	}
	if len(fields) == 0 {
		return nil, nil
	}

	sizes := &PoolSizes{}
	sizes.MinSize, _ = strconv.Atoi(fields["minSize"])
	sizes.TargetSize, _ = strconv.Atoi(fields["targetSize"])
	sizes.MaxSize, _ = strconv.Atoi(fields["maxSize"])
	if sizes.TargetSize <= 0 || sizes.MaxSize < sizes.TargetSize || sizes.MinSize > sizes.TargetSize {
		return nil, apperrors.BadRequest(fmt.Sprintf(
			"invalid pool size override min=%d target=%d max=%d", sizes.MinSize, sizes.TargetSize, sizes.MaxSize))
	}
	return sizes, nil
}

// SetPoolSizes stores a size override for the replenish loop to pick up.
func (r *Registry) SetPoolSizes(ctx context.Context, sizes PoolSizes) error {
	err := r.client.HSet(ctx, poolConfigKey, map[string]any{
		"minSize":    sizes.MinSize,
		"targetSize": sizes.TargetSize,
		"maxSize":    sizes.MaxSize,
	}).Err()
	if err != nil {
		return apperrors.RegistryUnavailable(fmt.Errorf("set pool config: %w", err))
	}
	return nil
}

// encodeInfo flattens a sandbox record into a Redis hash.
func encodeInfo(info *sandbox.Info) map[string]any {
	return map[string]any{
		"sandboxId":      info.SandboxID,
		"conversationId": info.ConversationID,
		"tenantId":       info.TenantID,
		"agentEndpoint":  info.AgentEndpoint.String(),
		"proxyEndpoint":  info.ProxyEndpoint.String(),
		"createdAt":      info.CreatedAt.UTC().Format(time.RFC3339Nano),
		"lastActiveAt":   info.LastActiveAt.UTC().Format(time.RFC3339Nano),
		"status":         string(info.Status),
		"managerType":    string(info.ManagerType),
	}
}

// decodeInfo rebuilds a sandbox record from a Redis hash.
func decodeInfo(fields map[string]string) (*sandbox.Info, error) {
	info := &sandbox.Info{
		SandboxID:      fields["sandboxId"],
		ConversationID: fields["conversationId"],
		TenantID:       fields["tenantId"],
		Status:         v1.SandboxStatus(fields["status"]),
		ManagerType:    sandbox.ManagerType(fields["managerType"]),
	}
	if info.SandboxID == "" {
		return nil, fmt.Errorf("record missing sandboxId")
	}

	if raw := fields["agentEndpoint"]; raw != "" {
		ep, err := sandbox.ParseEndpoint(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid agent endpoint: %w", err)
		}
		info.AgentEndpoint = ep
	}
	if raw := fields["proxyEndpoint"]; raw != "" {
		ep, err := sandbox.ParseEndpoint(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy endpoint: %w", err)
		}
		info.ProxyEndpoint = ep
	}

	var err error
	if info.CreatedAt, err = time.Parse(time.RFC3339Nano, fields["createdAt"]); err != nil {
		return nil, fmt.Errorf("invalid createdAt: %w", err)
	}
	if info.LastActiveAt, err = time.Parse(time.RFC3339Nano, fields["lastActiveAt"]); err != nil {
		return nil, fmt.Errorf("invalid lastActiveAt: %w", err)
	}
	return info, nil
}

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8086, cfg.Server.Port)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.WarmPool.MinSize)
	assert.Equal(t, 3, cfg.WarmPool.TargetSize)
	assert.Equal(t, 10, cfg.WarmPool.MaxSize)
	assert.Equal(t, "none", cfg.Container.NetworkMode)
	assert.Equal(t, "docker", cfg.Container.ManagerType)
	assert.Equal(t, time.Hour, cfg.Container.InactiveTTLDuration())
	assert.Equal(t, 8*time.Hour, cfg.Container.AbsoluteTTLDuration())
	assert.Equal(t, 5*time.Minute, cfg.Proxy.DNSCacheTTLDuration())
	assert.Equal(t, 30*time.Second, cfg.Proxy.DNSNegativeTTLDuration())
	assert.Equal(t, 5, cfg.GC.OrphanEveryN)
	assert.Equal(t, "/workspace", cfg.FileSync.WorkspaceDir)

	// File sync is off until a bucket is configured.
	assert.Empty(t, cfg.Storage.Bucket)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("ENCLAVE_WARM_POOL_MIN_SIZE", "1")
	t.Setenv("ENCLAVE_WARM_POOL_TARGET_SIZE", "4")
	t.Setenv("ENCLAVE_WARM_POOL_MAX_SIZE", "20")
	t.Setenv("ENCLAVE_CONTAINER_INACTIVE_TTL", "1800")
	t.Setenv("ENCLAVE_NETWORK_MODE_FOR_SANDBOX", "internal")
	t.Setenv("ENCLAVE_PROXY_DOMAIN_WHITELIST", "api.anthropic.com, *.amazonaws.com")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.WarmPool.MinSize)
	assert.Equal(t, 4, cfg.WarmPool.TargetSize)
	assert.Equal(t, 20, cfg.WarmPool.MaxSize)
	assert.Equal(t, 30*time.Minute, cfg.Container.InactiveTTLDuration())
	assert.Equal(t, "internal", cfg.Container.NetworkMode)
	assert.Equal(t, []string{"api.anthropic.com", "*.amazonaws.com"}, cfg.Proxy.DomainWhitelistPatterns())
}

func TestValidationRejectsBadPoolSizes(t *testing.T) {
	t.Setenv("ENCLAVE_WARM_POOL_MIN_SIZE", "5") // above the default target of 3

	_, err := LoadWithPath(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "targetSize")
}

func TestValidationRejectsBadNetworkMode(t *testing.T) {
	t.Setenv("ENCLAVE_NETWORK_MODE_FOR_SANDBOX", "bridge")

	_, err := LoadWithPath(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "networkMode")
}

func TestSplitCSVTrimsAndSkipsEmpty(t *testing.T) {
	assert.Nil(t, splitCSV(""))
	assert.Equal(t, []string{"a.com", "b.com"}, splitCSV(" a.com ,, b.com "))
}

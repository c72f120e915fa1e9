// Package config provides configuration management for the Enclave control plane.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the control plane.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Redis     RedisConfig     `mapstructure:"redis"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Docker    DockerConfig    `mapstructure:"docker"`
	WarmPool  WarmPoolConfig  `mapstructure:"warmPool"`
	Container ContainerConfig `mapstructure:"container"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Storage   StorageConfig   `mapstructure:"storage"`
	FileIndex FileIndexConfig `mapstructure:"fileIndex"`
	FileSync  FileSyncConfig  `mapstructure:"fileSync"`
	GC        GCConfig        `mapstructure:"gc"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds the daemon's HTTP server configuration (health + metrics).
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// RedisConfig holds the sandbox registry (KV store) connection configuration.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	Image          string `mapstructure:"image"`          // sandbox image
	SocketBasePath string `mapstructure:"socketBasePath"` // host dir for per-sandbox agent/proxy sockets
	SeccompProfile string `mapstructure:"seccompProfile"` // path to a seccomp profile, empty for runtime default
}

// WarmPoolConfig holds warm pool sizing and creation limits.
type WarmPoolConfig struct {
	MinSize              int `mapstructure:"minSize"`
	TargetSize           int `mapstructure:"targetSize"`
	MaxSize              int `mapstructure:"maxSize"`
	MaxConcurrentCreates int `mapstructure:"maxConcurrentCreates"`
	CreateTimeout        int `mapstructure:"createTimeout"` // in seconds
	IdleTTLInPool        int `mapstructure:"idleTtlInPool"` // in seconds
}

// ContainerConfig holds sandbox lifecycle and resource caps.
type ContainerConfig struct {
	InactiveTTL       int     `mapstructure:"inactiveTtl"`       // in seconds
	AbsoluteTTL       int     `mapstructure:"absoluteTtl"`       // in seconds
	ExecutionTimeout  int     `mapstructure:"executionTimeout"`  // in seconds, per turn
	IdleStreamTimeout int     `mapstructure:"idleStreamTimeout"` // in seconds, max gap between agent events
	GracePeriod       int     `mapstructure:"gracePeriod"`       // in seconds, SIGTERM grace before force remove
	ShutdownTimeout   int     `mapstructure:"shutdownTimeout"`   // in seconds, DestroyAll drain deadline
	CPULimit          float64 `mapstructure:"cpuLimit"`          // cores
	MemoryLimitMB     int64   `mapstructure:"memoryLimitMb"`
	PidsLimit         int64   `mapstructure:"pidsLimit"`
	DiskLimitMB       int64   `mapstructure:"diskLimitMb"`
	NetworkMode       string  `mapstructure:"networkMode"` // none, internal
	MaxConcurrent     int     `mapstructure:"maxConcurrent"`
	ManagerType       string  `mapstructure:"managerType"` // docker
}

// ProxyConfig holds credential injection proxy configuration.
type ProxyConfig struct {
	DomainWhitelist    string `mapstructure:"domainWhitelist"` // comma-separated host patterns
	SigningSuffixes    string `mapstructure:"signingSuffixes"` // comma-separated host suffixes requiring SigV4
	SigningService     string `mapstructure:"signingService"`  // AWS service name for signed requests
	SigningRegion      string `mapstructure:"signingRegion"`   // fallback region when not derivable from host
	LogAllRequests     bool   `mapstructure:"logAllRequests"`
	AuditLogPath       string `mapstructure:"auditLogPath"`
	AuditLogMaxSizeMB  int    `mapstructure:"auditLogMaxSizeMb"`
	AuditLogMaxBackups int    `mapstructure:"auditLogMaxBackups"`
	DNSCacheTTL        int    `mapstructure:"dnsCacheTtl"`    // in seconds
	DNSNegativeTTL     int    `mapstructure:"dnsNegativeTtl"` // in seconds
	AdminAddr          string `mapstructure:"adminAddr"`      // sidecar mode admin listener
	ListenAddr         string `mapstructure:"listenAddr"`     // sidecar mode egress listener
}

// StorageConfig holds object store configuration. An empty bucket disables
// file sync (logged, not failed).
type StorageConfig struct {
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"` // custom endpoint for S3-compatible stores
	KeyPrefix string `mapstructure:"keyPrefix"`
}

// FileIndexConfig holds the conversation file index database configuration.
// An empty DSN disables the index.
type FileIndexConfig struct {
	DSN string `mapstructure:"dsn"`
}

// FileSyncConfig holds file synchronization behavior.
type FileSyncConfig struct {
	Debounce     int    `mapstructure:"debounce"`     // in seconds, mid-run flush coalescing window
	FlushTimeout int    `mapstructure:"flushTimeout"` // in seconds, best-effort flush deadline on destroy
	WorkspaceDir string `mapstructure:"workspaceDir"` // workspace path inside the sandbox
}

// GCConfig holds garbage collector cadence.
type GCConfig struct {
	Interval        int `mapstructure:"interval"`        // in seconds
	OrphanEveryN    int `mapstructure:"orphanEveryN"`    // orphan reap every Nth cycle
	OrphanThreshold int `mapstructure:"orphanThreshold"` // in seconds, orphan safety age
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// CreateTimeoutDuration returns the per-attempt creation budget.
func (w *WarmPoolConfig) CreateTimeoutDuration() time.Duration {
	return time.Duration(w.CreateTimeout) * time.Second
}

// IdleTTLInPoolDuration returns the pool-entry eviction age.
func (w *WarmPoolConfig) IdleTTLInPoolDuration() time.Duration {
	return time.Duration(w.IdleTTLInPool) * time.Second
}

// InactiveTTLDuration returns the inactivity window.
func (c *ContainerConfig) InactiveTTLDuration() time.Duration {
	return time.Duration(c.InactiveTTL) * time.Second
}

// AbsoluteTTLDuration returns the absolute sandbox lifetime.
func (c *ContainerConfig) AbsoluteTTLDuration() time.Duration {
	return time.Duration(c.AbsoluteTTL) * time.Second
}

// ExecutionTimeoutDuration returns the per-turn budget.
func (c *ContainerConfig) ExecutionTimeoutDuration() time.Duration {
	return time.Duration(c.ExecutionTimeout) * time.Second
}

// IdleStreamTimeoutDuration returns the maximum silent gap on the agent stream.
func (c *ContainerConfig) IdleStreamTimeoutDuration() time.Duration {
	return time.Duration(c.IdleStreamTimeout) * time.Second
}

// GracePeriodDuration returns the SIGTERM grace window.
func (c *ContainerConfig) GracePeriodDuration() time.Duration {
	return time.Duration(c.GracePeriod) * time.Second
}

// ShutdownTimeoutDuration returns the DestroyAll drain deadline.
func (c *ContainerConfig) ShutdownTimeoutDuration() time.Duration {
	return time.Duration(c.ShutdownTimeout) * time.Second
}

// DebounceDuration returns the mid-run flush coalescing window.
func (f *FileSyncConfig) DebounceDuration() time.Duration {
	return time.Duration(f.Debounce) * time.Second
}

// FlushTimeoutDuration returns the best-effort flush deadline.
func (f *FileSyncConfig) FlushTimeoutDuration() time.Duration {
	return time.Duration(f.FlushTimeout) * time.Second
}

// IntervalDuration returns the GC cadence.
func (g *GCConfig) IntervalDuration() time.Duration {
	return time.Duration(g.Interval) * time.Second
}

// OrphanThresholdDuration returns the orphan safety age.
func (g *GCConfig) OrphanThresholdDuration() time.Duration {
	return time.Duration(g.OrphanThreshold) * time.Second
}

// DNSCacheTTLDuration returns the positive DNS cache TTL.
func (p *ProxyConfig) DNSCacheTTLDuration() time.Duration {
	return time.Duration(p.DNSCacheTTL) * time.Second
}

// DNSNegativeTTLDuration returns the negative DNS cache TTL.
func (p *ProxyConfig) DNSNegativeTTLDuration() time.Duration {
	return time.Duration(p.DNSNegativeTTL) * time.Second
}

// DomainWhitelistPatterns returns the parsed allow-list patterns.
func (p *ProxyConfig) DomainWhitelistPatterns() []string {
	return splitCSV(p.DomainWhitelist)
}

// SigningSuffixPatterns returns the parsed signing-policy suffixes.
func (p *ProxyConfig) SigningSuffixPatterns() []string {
	return splitCSV(p.SigningSuffixes)
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8086)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Redis defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "enclave-control-plane")
	v.SetDefault("nats.maxReconnects", 10)

	// Docker defaults
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "")
	v.SetDefault("docker.image", "enclave/sandbox:latest")
	v.SetDefault("docker.socketBasePath", "/var/lib/enclave/sockets")
	v.SetDefault("docker.seccompProfile", "")

	// Warm pool defaults
	v.SetDefault("warmPool.minSize", 2)
	v.SetDefault("warmPool.targetSize", 3)
	v.SetDefault("warmPool.maxSize", 10)
	v.SetDefault("warmPool.maxConcurrentCreates", 4)
	v.SetDefault("warmPool.createTimeout", 120)
	v.SetDefault("warmPool.idleTtlInPool", 3600)

	// Container lifecycle defaults
	v.SetDefault("container.inactiveTtl", 3600)      // 60 min
	v.SetDefault("container.absoluteTtl", 28800)     // 8 h
	v.SetDefault("container.executionTimeout", 600)  // 10 min per turn
	v.SetDefault("container.idleStreamTimeout", 120) // 2 min silent stream
	v.SetDefault("container.gracePeriod", 10)
	v.SetDefault("container.shutdownTimeout", 60)
	v.SetDefault("container.cpuLimit", 2.0)
	v.SetDefault("container.memoryLimitMb", 4096)
	v.SetDefault("container.pidsLimit", 256)
	v.SetDefault("container.diskLimitMb", 2048)
	v.SetDefault("container.networkMode", "none")
	v.SetDefault("container.maxConcurrent", 50)
	v.SetDefault("container.managerType", "docker")

	// Proxy defaults
	v.SetDefault("proxy.domainWhitelist", "")
	v.SetDefault("proxy.signingSuffixes", "")
	v.SetDefault("proxy.signingService", "bedrock")
	v.SetDefault("proxy.signingRegion", "us-east-1")
	v.SetDefault("proxy.logAllRequests", false)
	v.SetDefault("proxy.auditLogPath", "/var/log/enclave/proxy-audit.log")
	v.SetDefault("proxy.auditLogMaxSizeMb", 100)
	v.SetDefault("proxy.auditLogMaxBackups", 5)
	v.SetDefault("proxy.dnsCacheTtl", 300)
	v.SetDefault("proxy.dnsNegativeTtl", 30)
	v.SetDefault("proxy.adminAddr", "127.0.0.1:8088")
	v.SetDefault("proxy.listenAddr", ":8087")

	// Storage defaults - empty bucket disables file sync
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.keyPrefix", "")

	// File index defaults - empty DSN disables the index
	v.SetDefault("fileIndex.dsn", "")

	// File sync defaults
	v.SetDefault("fileSync.debounce", 2)
	v.SetDefault("fileSync.flushTimeout", 30)
	v.SetDefault("fileSync.workspaceDir", "/workspace")

	// GC defaults
	v.SetDefault("gc.interval", 60)
	v.SetDefault("gc.orphanEveryN", 5)
	v.SetDefault("gc.orphanThreshold", 300)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix ENCLAVE_ with snake_case naming.
// Config file should be named enclave.yaml and placed in the current directory
// or /etc/enclave/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("ENCLAVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("warmPool.minSize", "ENCLAVE_WARM_POOL_MIN_SIZE")
	_ = v.BindEnv("warmPool.targetSize", "ENCLAVE_WARM_POOL_TARGET_SIZE")
	_ = v.BindEnv("warmPool.maxSize", "ENCLAVE_WARM_POOL_MAX_SIZE")
	_ = v.BindEnv("container.inactiveTtl", "ENCLAVE_CONTAINER_INACTIVE_TTL")
	_ = v.BindEnv("container.absoluteTtl", "ENCLAVE_CONTAINER_ABSOLUTE_TTL")
	_ = v.BindEnv("container.executionTimeout", "ENCLAVE_CONTAINER_EXECUTION_TIMEOUT")
	_ = v.BindEnv("container.networkMode", "ENCLAVE_NETWORK_MODE_FOR_SANDBOX")
	_ = v.BindEnv("container.managerType", "ENCLAVE_CONTAINER_MANAGER_TYPE")
	_ = v.BindEnv("proxy.domainWhitelist", "ENCLAVE_PROXY_DOMAIN_WHITELIST")
	_ = v.BindEnv("proxy.logAllRequests", "ENCLAVE_PROXY_LOG_ALL_REQUESTS")
	_ = v.BindEnv("gc.interval", "ENCLAVE_GC_INTERVAL")
	_ = v.BindEnv("container.shutdownTimeout", "ENCLAVE_SHUTDOWN_TIMEOUT")

	// Configure config file
	v.SetConfigName("enclave")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/enclave/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks configuration invariants that would otherwise surface as
// confusing runtime behavior.
func validate(cfg *Config) error {
	if cfg.WarmPool.MinSize < 0 || cfg.WarmPool.TargetSize < 0 || cfg.WarmPool.MaxSize < 0 {
		return fmt.Errorf("warm pool sizes must be non-negative")
	}
	if cfg.WarmPool.TargetSize < cfg.WarmPool.MinSize {
		return fmt.Errorf("warmPool.targetSize (%d) must be >= warmPool.minSize (%d)",
			cfg.WarmPool.TargetSize, cfg.WarmPool.MinSize)
	}
	if cfg.WarmPool.MaxSize > 0 && cfg.WarmPool.MaxSize < cfg.WarmPool.TargetSize {
		return fmt.Errorf("warmPool.maxSize (%d) must be >= warmPool.targetSize (%d)",
			cfg.WarmPool.MaxSize, cfg.WarmPool.TargetSize)
	}
	if cfg.Container.InactiveTTL <= 0 || cfg.Container.AbsoluteTTL <= 0 {
		return fmt.Errorf("container TTLs must be positive")
	}
	switch cfg.Container.NetworkMode {
	case "none", "internal":
	default:
		return fmt.Errorf("container.networkMode must be 'none' or 'internal', got %q", cfg.Container.NetworkMode)
	}
	if cfg.Container.ManagerType != "docker" {
		return fmt.Errorf("unsupported container.managerType %q", cfg.Container.ManagerType)
	}
	return nil
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("ENCLAVE_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

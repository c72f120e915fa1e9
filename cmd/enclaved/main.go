package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/enclaveworks/enclave/internal/common/config"
	"github.com/enclaveworks/enclave/internal/common/logger"
	"github.com/enclaveworks/enclave/internal/events/bus"
	"github.com/enclaveworks/enclave/internal/filesync"
	"github.com/enclaveworks/enclave/internal/gc"
	"github.com/enclaveworks/enclave/internal/orchestrator"
	"github.com/enclaveworks/enclave/internal/pool"
	"github.com/enclaveworks/enclave/internal/proxy"
	"github.com/enclaveworks/enclave/internal/registry"
	"github.com/enclaveworks/enclave/internal/runtime/docker"
	"github.com/enclaveworks/enclave/internal/server"
	"github.com/enclaveworks/enclave/internal/storage"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Enclave control plane...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Connect to the sandbox registry
	reg, err := registry.New(ctx, &cfg.Redis, cfg.Container.InactiveTTLDuration(), log)
	if err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer reg.Close()
	log.Info("Connected to sandbox registry", zap.String("addr", cfg.Redis.Addr))

	// 5. Connect the event bus (in-memory when no NATS URL is configured)
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		eventBus, err = bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 6. Initialize the container runtime and pull the sandbox image
	dockerClient, err := docker.NewClient(cfg.Docker, cfg.Container, log)
	if err != nil {
		log.Fatal("Failed to initialize Docker client", zap.Error(err))
	}
	defer dockerClient.Close()

	if err := dockerClient.Ping(ctx); err != nil {
		log.Fatal("Failed to connect to Docker daemon", zap.Error(err))
	}
	if err := dockerClient.PullImage(ctx); err != nil {
		log.Warn("Sandbox image pull failed, continuing with local image",
			zap.String("image", cfg.Docker.Image), zap.Error(err))
	}
	log.Info("Connected to Docker daemon", zap.String("image", cfg.Docker.Image))

	// 7. Set up the per-sandbox credential proxies
	audit := proxy.NewAuditLogger(cfg.Proxy)
	defer audit.Close()
	proxies := proxy.NewManager(cfg.Proxy, audit, log)
	proxyDefaults := proxy.Config{
		Credentials:     credentialsFromEnv(),
		AllowedHosts:    cfg.Proxy.DomainWhitelistPatterns(),
		SigningSuffixes: cfg.Proxy.SigningSuffixPatterns(),
	}

	// 8. Set up file sync: object store, index, syncer
	var store storage.ObjectStore
	if cfg.Storage.Bucket != "" {
		store, err = storage.NewS3Store(ctx, cfg.Storage)
		if err != nil {
			log.Fatal("Failed to initialize object store", zap.Error(err))
		}
		log.Info("Object store connected", zap.String("bucket", cfg.Storage.Bucket))
	} else {
		log.Warn("No object store bucket configured, file sync disabled")
	}

	var index *filesync.FileIndex
	if cfg.FileIndex.DSN != "" {
		index, err = filesync.NewFileIndex(ctx, cfg.FileIndex.DSN)
		if err != nil {
			log.Fatal("Failed to connect file index", zap.Error(err))
		}
		defer index.Close()
		log.Info("Conversation file index connected")
	}
	syncer := filesync.NewSyncer(store, dockerClient, index, cfg.FileSync, log)

	// 9. Initialize the warm pool
	poolMgr := pool.NewManager(cfg.WarmPool, cfg.Docker, cfg.Container.GracePeriodDuration(),
		cfg.Container.MaxConcurrent, reg, dockerClient, eventBus, log)

	// 10. Initialize the orchestrator and reconcile state from before the restart
	orch := orchestrator.New(cfg.Container, cfg.FileSync, poolMgr, reg, dockerClient,
		proxies, syncer, eventBus, proxyDefaults, log)
	if err := orch.Reconcile(ctx); err != nil {
		log.Error("Startup reconciliation failed", zap.Error(err))
	}

	// 11. Start the warm pool and the garbage collector
	if err := poolMgr.Start(ctx); err != nil {
		log.Fatal("Failed to start warm pool", zap.Error(err))
	}
	collector := gc.New(cfg.GC, cfg.Container, reg, dockerClient, orch, eventBus, log)
	collector.Start()

	// 12. Start the HTTP server
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server.New(orch, reg, dockerClient, log).Router(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: 0, // turn streams outlive any fixed write timeout
	}
	go func() {
		log.Info("HTTP server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 13. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Enclave control plane...")

	// 14. Graceful shutdown: stop intake, drain turns, destroy sandboxes
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		cfg.Container.ShutdownTimeoutDuration())
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	collector.Stop()
	poolMgr.Stop()
	orch.Shutdown(shutdownCtx)

	log.Info("Enclave control plane stopped")
}

// credentialsFromEnv reads the signing credentials handed to the daemon. They
// never reach sandbox processes; the proxy injects signatures on their behalf.
func credentialsFromEnv() *proxy.Credentials {
	accessKey := os.Getenv("AWS_ACCESS_KEY_ID")
	secretKey := os.Getenv("AWS_SECRET_ACCESS_KEY")
	if accessKey == "" || secretKey == "" {
		return nil
	}
	return &proxy.Credentials{
		AccessKeyID:     accessKey,
		SecretAccessKey: secretKey,
		SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
		Region:          os.Getenv("AWS_REGION"),
	}
}

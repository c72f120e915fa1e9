// sandbox-proxy runs the credential injection proxy as a standalone sidecar,
// for deployments where the control plane cannot mount a Unix socket into the
// sandbox. The egress listener faces the sandbox; the admin listener faces
// the control plane.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/enclaveworks/enclave/internal/common/config"
	"github.com/enclaveworks/enclave/internal/common/logger"
	"github.com/enclaveworks/enclave/internal/proxy"
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

	log.Info("Starting sandbox egress proxy...")

	// 3. Build the proxy with its audit log
	audit := proxy.NewAuditLogger(cfg.Proxy)
	defer audit.Close()

	p := proxy.New(cfg.Proxy, uuid.New().String(), audit, log)
	p.Configure(proxy.Config{
		AllowedHosts:    cfg.Proxy.DomainWhitelistPatterns(),
		SigningSuffixes: cfg.Proxy.SigningSuffixPatterns(),
	})

	// 4. Serve the egress listener (sandbox-facing)
	egress := &http.Server{
		Addr:    cfg.Proxy.ListenAddr,
		Handler: p,
	}
	go func() {
		log.Info("Egress proxy listening", zap.String("addr", egress.Addr))
		if err := egress.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start egress listener", zap.Error(err))
		}
	}()

	// 5. Serve the admin API (control-plane-facing)
	admin := &http.Server{
		Addr:         cfg.Proxy.AdminAddr,
		Handler:      proxy.NewAdminRouter(p, log),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("Admin API listening", zap.String("addr", admin.Addr))
		if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start admin listener", zap.Error(err))
		}
	}()

	// 6. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down sandbox egress proxy...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := egress.Shutdown(shutdownCtx); err != nil {
		log.Error("Egress listener shutdown error", zap.Error(err))
	}
	if err := admin.Shutdown(shutdownCtx); err != nil {
		log.Error("Admin listener shutdown error", zap.Error(err))
	}

	log.Info("Sandbox egress proxy stopped")
}

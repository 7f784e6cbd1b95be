// Package main provides the entry point for the Tokens API server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tapis-project/tokens-api/internal/api/rest"
	"github.com/tapis-project/tokens-api/internal/bootstrap"
	"github.com/tapis-project/tokens-api/internal/config"
	"github.com/tapis-project/tokens-api/internal/logging"
	"github.com/tapis-project/tokens-api/internal/tenants"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	var (
		configPath      = flag.String("config", "config.yaml", "Path to the service config file")
		port            = flag.Int("port", 0, "HTTP port (overrides the config file)")
		showVersion     = flag.Bool("version", false, "Show version information")
		gracefulTimeout = flag.Duration("shutdown-timeout", 30*time.Second, "Graceful shutdown timeout")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("tokens-server %s\n", Version)
		fmt.Printf("  Build Time: %s\n", BuildTime)
		fmt.Printf("  Git Commit: %s\n", GitCommit)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Port = *port
	}

	logger, err := logging.New(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting Tokens API",
		zap.String("version", Version),
		zap.String("site_id", cfg.ServiceSiteID),
		zap.String("tenant_id", cfg.ServiceTenantID),
		zap.Bool("use_sk", cfg.UseSK),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svcs, err := bootstrap.Init(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("bootstrap failed", zap.Error(err))
	}

	// in development mode the signing key lives in a file; watch it so key
	// swaps do not require a restart
	if !cfg.UseSK && cfg.SiteAdminPrivateKeyFile != "" {
		watcher, err := tenants.NewKeyWatcher(cfg.SiteAdminPrivateKeyFile, svcs.Tenants, logger)
		if err != nil {
			logger.Fatal("key watcher setup failed", zap.Error(err))
		}
		go func() {
			if err := watcher.Watch(ctx); err != nil && err != context.Canceled {
				logger.Error("key watcher stopped", zap.Error(err))
			}
		}()
	}

	srv, err := rest.New(rest.Config{
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		Version:      Version,
	}, svcs, logger)
	if err != nil {
		logger.Fatal("server setup failed", zap.Error(err))
	}

	errChan := make(chan error, 1)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		errChan <- srv.Start()
	}()

	select {
	case err := <-errChan:
		if err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	case sig := <-sigChan:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), *gracefulTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}

	logger.Info("server stopped")
}

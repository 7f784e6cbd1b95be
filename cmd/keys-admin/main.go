// Package main provides the key-bootstrap utility for new Tapis sites. It
// generates signing key pairs in the Security Kernel for every configured
// tenant and publishes the public keys to the Tenants registry, directly at
// the primary site or via files exchanged with an associate site.
//
// The utility is a dry run unless ACTUALLY_RUN_UPDATES=true is set.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/tapis-project/tokens-api/internal/bootstrap"
	"github.com/tapis-project/tokens-api/internal/config"
	"github.com/tapis-project/tokens-api/internal/keys"
	"github.com/tapis-project/tokens-api/internal/logging"
)

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "Path to the service config file")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.Options{
		Level:  cfg.LogLevel,
		Format: "console",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	dryRun := !config.ActuallyRunUpdates()
	logger.Info("starting keys-admin",
		zap.String("site_id", cfg.ServiceSiteID),
		zap.Strings("tenants", cfg.Tenants),
		zap.Bool("dry_run", dryRun),
		zap.Bool("running_at_primary_site", cfg.RunningAtPrimarySite),
		zap.Bool("update_associate_site", cfg.UpdateAssociateSite),
	)

	ctx := context.Background()
	svcs, err := bootstrap.Init(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("bootstrap failed", zap.Error(err))
	}

	admin := keys.NewAdmin(svcs, cfg.DataDir, dryRun, logger)
	if err := admin.Run(ctx); err != nil {
		logger.Fatal("key bootstrap failed", zap.Error(err))
	}
	logger.Info("keys-admin finished")
}

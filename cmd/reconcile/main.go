package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"controlplane/internal/config"
	"controlplane/internal/database"
	"controlplane/internal/identity"
	"controlplane/internal/logger"
	"controlplane/internal/metrics"
	"controlplane/internal/repository"
	"controlplane/internal/service"
	"controlplane/internal/storage"

	"github.com/joho/godotenv"
)

func main() {
	log := logger.New()
	opts, err := parseFlags(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		log.Fatal().Msgf("Invalid flags: %v", err)
	}

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("Warning: no .env file found")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Msgf("Error loading config: %v", err)
	}
	logger := logger.NewWithLevel(cfg.LogLevel)

	// Set up context with graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := service.ResolveConfigSecrets(ctx, cfg); err != nil {
		logger.Fatal().Msgf("Failed to resolve secrets: %v", err)
	}

	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Msgf("Failed to connect to DB: %v", err)
	}
	defer pool.Close()

	m := metrics.NewNop()
	idp, err := identity.NewClient(cfg.IdentityAPIURL, cfg.IdentitySecretKey, cfg.IdentityJWTKey)
	if err != nil {
		logger.Fatal().Msgf("Failed to create identity client: %v", err)
	}
	mirror := service.NewMirrorService(idp, m, logger)
	sweep := service.NewReconcileService(repository.NewUserRepo(pool), idp, mirror, m, logger)

	report, runErr := sweep.Run(ctx, opts)

	// A partial report is still worth archiving.
	if cfg.ReconcileReportBucket != "" && report != nil {
		s3Client, err := storage.NewS3Client(ctx, cfg)
		if err != nil {
			logger.Error().Msgf("Failed to create S3 client: %v", err)
		} else {
			key, err := service.NewReportStore(s3Client, cfg.ReconcileReportBucket).Save(ctx, report)
			if err != nil {
				logger.Error().Msgf("Failed to upload reconcile report: %v", err)
			} else {
				logger.Info().Str("bucket", cfg.ReconcileReportBucket).Str("key", key).Msg("Reconcile report uploaded")
			}
		}
	}

	if runErr != nil {
		logger.Fatal().Msgf("Reconciliation failed: %v", runErr)
	}
	logger.Info().Msg("Reconciliation finished")
}

func parseFlags(args []string) (service.ReconcileOptions, error) {
	fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	dryRun := fs.Bool("dry-run", false, "Report drift without rewriting identity provider roles")
	batch := fs.Int("batch", 200, "Records fetched per page")
	if err := fs.Parse(args); err != nil {
		return service.ReconcileOptions{}, err
	}
	if *batch <= 0 {
		return service.ReconcileOptions{}, errors.New("-batch must be positive")
	}
	return service.ReconcileOptions{DryRun: *dryRun, BatchSize: *batch}, nil
}

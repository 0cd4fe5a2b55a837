package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hostedops/deployoor/pkg/api"
	"github.com/hostedops/deployoor/pkg/artifact"
	"github.com/hostedops/deployoor/pkg/clock"
	"github.com/hostedops/deployoor/pkg/config"
	"github.com/hostedops/deployoor/pkg/configserver"
	"github.com/hostedops/deployoor/pkg/controller"
	"github.com/hostedops/deployoor/pkg/deployment"
	"github.com/hostedops/deployoor/pkg/logstore"
	"github.com/hostedops/deployoor/pkg/mailer"
	"github.com/hostedops/deployoor/pkg/registry"
	"github.com/hostedops/deployoor/pkg/routing"
	"github.com/hostedops/deployoor/pkg/runner"
	"github.com/hostedops/deployoor/pkg/store"
	"github.com/hostedops/deployoor/pkg/testercloud"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the deployment controller",
	Long:  `Start the job controller, maintainer loop, and API server.`,
	RunE:  runController,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runController(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use --config)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	if logLevel == "info" && cfg.Global.LogLevel != "" {
		level, err := logrusLevel(cfg.Global.LogLevel)
		if err != nil {
			return err
		}

		log.SetLevel(level)
	}

	// Setup context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("Received shutdown signal")
		cancel()
	}()

	// Durable store.
	db := store.NewStore(log, &cfg.Store)
	if err := db.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	defer func() {
		if err := db.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop store")
		}
	}()

	// Artifact store.
	var artifacts artifact.Store

	switch cfg.Artifact.Backend {
	case "s3":
		artifacts = artifact.NewS3(log, &cfg.Artifact.S3)
	default:
		artifacts = artifact.NewLocal(log, cfg.Artifact.Local.Dir)
	}

	// Mailer.
	var mail mailer.Mailer
	if cfg.Mailer.Enabled {
		mail = mailer.NewSMTP(log, &cfg.Mailer)
	} else {
		mail = mailer.NewNull(log)
	}

	// Zone metadata.
	ttls := make(map[deployment.ZoneID]time.Duration, len(cfg.Zones))

	for _, zone := range cfg.Zones {
		ttls[deployment.ZoneID{
			Environment: deployment.Environment(zone.Environment),
			Region:      zone.Region,
		}] = zone.DeploymentTTL
	}

	// Assemble the controller.
	bundle := &controller.Controller{
		Log:          log,
		Clock:        clock.System(),
		Store:        db,
		Logs:         logstore.New(log, db),
		Artifacts:    artifacts,
		ConfigServer: configserver.NewClient(log, cfg.ConfigServer.URL),
		TesterCloud:  testercloud.NewClient(log),
		Router:       routing.NewClient(log, cfg.Routing.URL),
		Mailer:       mail,
		Registry:     registry.New(log, db),
		System:       deployment.System(cfg.Global.System),
		Zones:        deployment.NewZoneRegistry(ttls),
		LockTimeout:  cfg.Runner.LockTimeout,
	}

	jobs := controller.NewJobController(bundle)

	// Maintainer loop with its worker pool.
	jobRunner := runner.NewJobRunner(
		log,
		&runner.Config{
			TickInterval: cfg.Runner.TickInterval,
			JobTimeout:   cfg.Runner.JobTimeout,
		},
		jobs,
		runner.NewStepRunner(log, jobs),
		runner.NewPoolExecutor(cfg.Runner.Workers),
	)

	if err := jobRunner.Start(ctx); err != nil {
		return fmt.Errorf("starting job runner: %w", err)
	}

	defer func() {
		if err := jobRunner.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop job runner")
		}
	}()

	// Garbage collection loop.
	go func() {
		ticker := time.NewTicker(cfg.Runner.GCInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := jobs.CollectGarbage(ctx); err != nil {
					log.WithError(err).Warn("Garbage collection failed")
				}
			}
		}
	}()

	// API server.
	apiServer := api.NewServer(log, &cfg.API, jobs)
	if err := apiServer.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	defer func() {
		if err := apiServer.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop api server")
		}
	}()

	log.Info("Deployment controller running")

	<-ctx.Done()

	return nil
}

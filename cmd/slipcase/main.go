package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/slipcase/slipcase/internal/api"
	"github.com/slipcase/slipcase/internal/config"
	"github.com/slipcase/slipcase/internal/database"
	"github.com/slipcase/slipcase/internal/downloader"
	"github.com/slipcase/slipcase/internal/history"
	"github.com/slipcase/slipcase/internal/logger"
	"github.com/slipcase/slipcase/internal/scheduler"
	"github.com/slipcase/slipcase/internal/scheduler/tasks"
	"github.com/slipcase/slipcase/internal/snatch"
	"github.com/slipcase/slipcase/internal/validator"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "slipcase: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Path:   "./logs",
	})
	defer log.Close()

	log.Info().Str("db", cfg.Database.Path).Msg("Slipcase starting")

	db, err := database.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	store := snatch.NewStore(db.Conn(), log.Logger)
	historySvc := history.NewService(db.Conn(), log.Logger)

	registry, err := downloader.NewRegistry(cfg.BackendConfigs(), store, log.Logger)
	if err != nil {
		return fmt.Errorf("failed to build downloader registry: %w", err)
	}
	facade := downloader.NewFacade(registry, store, log.Logger)

	policies, err := validator.LoadPolicies(cfg.Downloader.PoliciesPath)
	if err != nil {
		return fmt.Errorf("failed to load rejection policies: %w", err)
	}
	v := validator.New(policies, log.Logger)

	sched, err := scheduler.New(log.Logger)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	// Completed downloads are left in place for the library importer;
	// the monitor only verifies the folder is reachable.
	process := func(ctx context.Context, record *snatch.Record, folder string) error {
		log.Info().
			Str("title", record.Title).
			Str("folder", folder).
			Msg("download ready for import")
		return nil
	}

	monitor := tasks.NewDownloadMonitorTask(facade, store, v, historySvc, process, log.Logger)
	if err := tasks.RegisterDownloadMonitorTask(sched, monitor, cfg.Downloader.PollInterval); err != nil {
		return fmt.Errorf("failed to register download monitor: %w", err)
	}

	if err := sched.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer sched.Stop()

	server := api.NewServer(cfg, facade, store, historySvc, log.Logger)
	server.SetScheduler(sched)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	if err := server.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}
	return nil
}

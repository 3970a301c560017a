// Command server runs the backtesting service: panel ingestion endpoints,
// grid-search execution, and stored-result queries over HTTP, plus optional
// cron-scheduled searches.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/quantfin/internal/backtest"
	"github.com/aristath/quantfin/internal/config"
	"github.com/aristath/quantfin/internal/database"
	"github.com/aristath/quantfin/internal/panel"
	"github.com/aristath/quantfin/internal/results"
	"github.com/aristath/quantfin/internal/runs"
	"github.com/aristath/quantfin/internal/scheduler"
	"github.com/aristath/quantfin/internal/server"
	"github.com/aristath/quantfin/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info"})
		fallback.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().
		Str("data_dir", cfg.DataDir).
		Int("port", cfg.Port).
		Int("workers", cfg.Workers).
		Msg("Starting quantfin")

	panelDB, err := database.New(database.Config{
		Path:    cfg.PanelDBPath(),
		Profile: database.ProfilePanel,
		Name:    "panel",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open panel database")
	}
	defer panelDB.Close()

	resultsDB, err := database.New(database.Config{
		Path:    cfg.ResultsDBPath(),
		Profile: database.ProfileResults,
		Name:    "results",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open results database")
	}
	defer resultsDB.Close()

	panelRepo := panel.NewRepository(panelDB)
	if err := panelRepo.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate panel database")
	}
	resultsRepo := results.NewRepository(resultsDB)
	if err := resultsRepo.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate results database")
	}

	policy := backtest.RecordAndContinue
	if cfg.AbortOnRuleError {
		policy = backtest.AbortOnError
	}
	manager := runs.NewManager(panelRepo, resultsRepo, cfg.Workers, policy, log)

	sched := scheduler.New(log)
	if cfg.SearchCron != "" {
		job := scheduler.NewSearchJob(cfg.StrategyFile, manager, log)
		if err := sched.AddJob(cfg.SearchCron, job); err != nil {
			log.Fatal().Err(err).Str("schedule", cfg.SearchCron).Msg("Failed to register search job")
		}
	}
	sched.Start()
	defer sched.Stop()

	srv := server.New(server.Config{
		Log:         log,
		Port:        cfg.Port,
		DevMode:     cfg.DevMode,
		DataDir:     cfg.DataDir,
		PanelDB:     panelDB,
		ResultsDB:   resultsDB,
		PanelRepo:   panelRepo,
		ResultsRepo: resultsRepo,
		Runs:        manager,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatal().Err(err).Msg("HTTP server failed")
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Graceful shutdown failed")
	}
}

// Package main is the entry point for the strategy evolution service.
// It serves the lineage and session API, streams loop events, and runs
// scheduled evolution sessions and maintenance in the background.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/evolver/internal/config"
	"github.com/aristath/evolver/internal/di"
	"github.com/aristath/evolver/internal/server"
	"github.com/aristath/evolver/pkg/logger"
)

// main loads configuration, wires the container, starts the HTTP server and
// the scheduler, then waits for SIGINT/SIGTERM and shuts down in reverse order:
// scheduler, running sessions, HTTP server, database.
func main() {
	cfg, err := config.Load()
	if err != nil {
		// Use fallback logger if config fails
		fallbackLog := logger.New(logger.Config{
			Level:  "info",
			Pretty: true,
		})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty,
	})

	log.Info().
		Str("data_dir", cfg.DataDir).
		Str("backend", cfg.LineageBackend).
		Str("mode", string(cfg.BacktestMode)).
		Msg("Starting evolver")

	container, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}

	srv := server.New(server.Config{
		Log:      log,
		Port:     cfg.Port,
		DevMode:  cfg.DevMode,
		EventBus: container.EventBus,
		System:   container.SystemHandlers,
		Modules: []server.RouteRegistrar{
			container.LineageHandler,
			container.EvolutionHandler,
		},
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	container.Scheduler.Start()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	container.Scheduler.Stop()

	// Running sessions get time to record any backtest that already finished
	sessionCtx, sessionCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer sessionCancel()
	if err := container.Sessions.Shutdown(sessionCtx); err != nil {
		log.Error().Err(err).Msg("Evolution sessions did not stop in time")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	if err := container.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close lineage database")
	}

	log.Info().Msg("Server stopped")
}

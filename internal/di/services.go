package di

import (
	"context"
	"fmt"

	"github.com/aristath/evolver/internal/clients/backtest"
	"github.com/aristath/evolver/internal/clients/openai"
	"github.com/aristath/evolver/internal/config"
	"github.com/aristath/evolver/internal/domain"
	"github.com/aristath/evolver/internal/events"
	"github.com/aristath/evolver/internal/modules/evolution"
	evolutionhandlers "github.com/aristath/evolver/internal/modules/evolution/handlers"
	lineagehandlers "github.com/aristath/evolver/internal/modules/lineage/handlers"
	"github.com/aristath/evolver/internal/modules/parser"
	"github.com/aristath/evolver/internal/modules/versioning"
	"github.com/aristath/evolver/internal/reliability"
	"github.com/aristath/evolver/internal/server"
	"github.com/rs/zerolog"
)

// InitializeServices builds the collaborators, the controller and the handlers.
func InitializeServices(container *Container, cfg *config.Config, log zerolog.Logger) error {
	container.EventBus = events.NewBus(log)

	parserCfg := parser.DefaultConfig()
	parserCfg.WarningsBlock = cfg.WarningsBlock
	container.Parser = parser.New(parserCfg)
	container.Namer = versioning.NewNamer(log)

	if cfg.Archive.Bucket != "" {
		archiver, err := reliability.NewArchiveService(context.Background(), reliability.ArchiveConfig{
			Bucket:          cfg.Archive.Bucket,
			Prefix:          cfg.Archive.Prefix,
			Endpoint:        cfg.Archive.Endpoint,
			Region:          cfg.Archive.Region,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			SecretAccessKey: cfg.Archive.SecretAccessKey,
		}, log)
		if err != nil {
			return fmt.Errorf("failed to initialize archive service: %w", err)
		}
		container.Archiver = archiver
	}

	var archiver domain.Archiver
	if container.Archiver != nil {
		archiver = container.Archiver
	}
	container.Runner = backtest.NewProcessRunner(backtest.Config{
		Modes:      cfg.Runner.ExecutionModes(),
		WorkDir:    cfg.Runner.WorkDir,
		Shell:      cfg.Runner.Shell,
		SourceRoot: cfg.StrategiesDir(),
		OutputRoot: cfg.ResultsDir(),
	}, archiver, log)

	if cfg.OpenAI.APIKey == "" {
		log.Warn().Msg("OPENAI_API_KEY is not set, candidate generation is disabled")
		container.Generator = openai.Disabled{Reason: "OPENAI_API_KEY is not set"}
	} else {
		generator, err := openai.NewGenerator(openai.Config{
			APIKey:      cfg.OpenAI.APIKey,
			Model:       cfg.OpenAI.Model,
			BaseURL:     cfg.OpenAI.BaseURL,
			MaxAttempts: cfg.OpenAI.MaxAttempts,
		}, log)
		if err != nil {
			return fmt.Errorf("failed to initialize generator: %w", err)
		}
		container.Generator = generator
	}

	evoCfg := evolution.DefaultConfig()
	evoCfg.MaxIterations = cfg.MaxIterations
	evoCfg.MinTrades = cfg.MinTrades
	evoCfg.RunTimeout = cfg.BacktestTimeout
	evoCfg.Mode = cfg.BacktestMode

	container.Controller = evolution.NewController(
		container.Lineage,
		container.Artifacts,
		container.Generator,
		container.Runner,
		container.Parser,
		container.Namer,
		container.EventBus,
		evoCfg,
		log,
	)
	container.Sessions = evolution.NewSessionManager(container.Controller, log)

	container.LineageHandler = lineagehandlers.NewHandler(container.Lineage, container.Artifacts, container.ScoreFunc(), log)
	container.EvolutionHandler = evolutionhandlers.NewHandler(container.Sessions, log)
	container.SystemHandlers = server.NewSystemHandlers(log, cfg.DataDir, container.LineageDB, container.Sessions)

	return nil
}

// Package config provides configuration management functionality.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aristath/evolver/internal/domain"
	"github.com/joho/godotenv"
)

// Lineage storage backends
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Config holds application configuration
type Config struct {
	DataDir   string // Base directory for strategies, results and databases (always absolute)
	LogLevel  string
	LogPretty bool
	Port      int
	DevMode   bool

	LineageBackend   string
	BacktestMode     domain.ExecutionMode
	BacktestTimeout  time.Duration
	RunnerConfigPath string
	Runner           *RunnerFile

	MaxIterations int
	MinTrades     int
	ReviewTimeout time.Duration
	WarningsBlock bool

	OpenAI  OpenAIConfig
	Archive ArchiveConfig

	EvolveSchedule      string   // cron spec, empty disables scheduled sessions
	EvolveFamilies      []string // families started by the schedule
	MaintenanceSchedule string
}

// OpenAIConfig configures the candidate generator
type OpenAIConfig struct {
	APIKey      string
	Model       string
	BaseURL     string
	MaxAttempts int
}

// ArchiveConfig configures result folder archiving. Empty Bucket disables it.
type ArchiveConfig struct {
	Bucket          string
	Prefix          string
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("EVOLVER_DATA_DIR", "data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:          absDataDir,
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogPretty:        getEnvAsBool("LOG_PRETTY", false),
		Port:             getEnvAsInt("GO_PORT", 8001),
		DevMode:          getEnvAsBool("DEV_MODE", false),
		LineageBackend:   getEnv("LINEAGE_BACKEND", BackendFile),
		BacktestMode:     domain.ExecutionMode(getEnv("BACKTEST_MODE", string(domain.ModeLocal))),
		BacktestTimeout:  getEnvAsDuration("BACKTEST_TIMEOUT", 30*time.Minute),
		RunnerConfigPath: getEnv("RUNNER_CONFIG", filepath.Join(absDataDir, "runner.yaml")),
		MaxIterations:    getEnvAsInt("MAX_ITERATIONS", 10),
		MinTrades:        getEnvAsInt("MIN_TRADES", 100),
		ReviewTimeout:    getEnvAsDuration("REVIEW_TIMEOUT", 60*time.Second),
		WarningsBlock:    getEnvAsBool("WARNINGS_BLOCK", true),
		OpenAI: OpenAIConfig{
			APIKey:      getEnv("OPENAI_API_KEY", ""),
			Model:       getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			BaseURL:     getEnv("OPENAI_BASE_URL", ""),
			MaxAttempts: getEnvAsInt("GENERATOR_MAX_ATTEMPTS", 3),
		},
		Archive: ArchiveConfig{
			Bucket:          getEnv("ARCHIVE_BUCKET", ""),
			Prefix:          getEnv("ARCHIVE_PREFIX", "evolver"),
			Endpoint:        getEnv("ARCHIVE_ENDPOINT", ""),
			Region:          getEnv("ARCHIVE_REGION", ""),
			AccessKeyID:     getEnv("ARCHIVE_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("ARCHIVE_SECRET_ACCESS_KEY", ""),
		},
		EvolveSchedule:      getEnv("EVOLVE_SCHEDULE", ""),
		EvolveFamilies:      getEnvAsList("EVOLVE_FAMILIES"),
		MaintenanceSchedule: getEnv("MAINTENANCE_SCHEDULE", "0 0 3 * * *"),
	}

	runner, err := LoadRunnerFile(cfg.RunnerConfigPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		runner = DefaultRunnerFile()
	case err != nil:
		return nil, err
	}
	cfg.Runner = runner

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// StrategiesDir holds one folder per family with sources and lineage.json.
func (c *Config) StrategiesDir() string {
	return filepath.Join(c.DataDir, "strategies")
}

// ResultsDir receives one folder per backtest run.
func (c *Config) ResultsDir() string {
	return filepath.Join(c.DataDir, "results")
}

// LineageDBPath is the SQLite file used by the sqlite backend.
func (c *Config) LineageDBPath() string {
	return filepath.Join(c.DataDir, "lineage.db")
}

// Validate checks the configuration for values the engine cannot run with
func (c *Config) Validate() error {
	if c.LineageBackend != BackendFile && c.LineageBackend != BackendSQLite {
		return fmt.Errorf("unknown LINEAGE_BACKEND %q (want %s or %s)", c.LineageBackend, BackendFile, BackendSQLite)
	}
	if c.BacktestTimeout <= 0 {
		return fmt.Errorf("BACKTEST_TIMEOUT must be positive, got %s", c.BacktestTimeout)
	}
	if c.ReviewTimeout <= 0 {
		return fmt.Errorf("REVIEW_TIMEOUT must be positive, got %s", c.ReviewTimeout)
	}
	if c.MaxIterations < 0 {
		return fmt.Errorf("MAX_ITERATIONS must not be negative, got %d", c.MaxIterations)
	}
	if c.MinTrades < 0 {
		return fmt.Errorf("MIN_TRADES must not be negative, got %d", c.MinTrades)
	}
	if c.Runner == nil {
		return fmt.Errorf("no runner configuration")
	}
	if _, ok := c.Runner.Modes[string(c.BacktestMode)]; !ok {
		return fmt.Errorf("BACKTEST_MODE %q has no command in %s", c.BacktestMode, c.RunnerConfigPath)
	}
	if c.EvolveSchedule != "" && len(c.EvolveFamilies) == 0 {
		return fmt.Errorf("EVOLVE_SCHEDULE is set but EVOLVE_FAMILIES is empty")
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvAsDuration accepts Go durations ("90s") or plain seconds ("90").
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvAsList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

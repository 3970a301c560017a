// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir          string // Base directory for the panel and results databases
	LogLevel         string
	Port             int
	Workers          int    // Search worker pool size, defaults to available cores
	SearchCron       string // Optional cron expression for scheduled searches ("" disables)
	StrategyFile     string // Search request JSON consumed by scheduled searches
	DevMode          bool
	AbortOnRuleError bool // Whether a misconfigured rule aborts the whole search
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("QUANTFIN_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	// Always resolve to absolute path
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	// Ensure directory exists
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:          absDataDir,
		Port:             getEnvAsInt("QUANTFIN_PORT", 8002),
		Workers:          getEnvAsInt("QUANTFIN_WORKERS", runtime.NumCPU()),
		SearchCron:       getEnv("QUANTFIN_SEARCH_CRON", ""),
		StrategyFile:     getEnv("QUANTFIN_STRATEGY_FILE", filepath.Join(absDataDir, "strategy.json")),
		DevMode:          getEnvAsBool("DEV_MODE", false),
		AbortOnRuleError: getEnvAsBool("QUANTFIN_ABORT_ON_RULE_ERROR", true),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
	}

	if cfg.Workers < 1 {
		cfg.Workers = 1
	}

	return cfg, nil
}

// PanelDBPath returns the full path to the panel database
func (c *Config) PanelDBPath() string {
	return filepath.Join(c.DataDir, "panel.db")
}

// ResultsDBPath returns the full path to the results database
func (c *Config) ResultsDBPath() string {
	return filepath.Join(c.DataDir, "results.db")
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type Config struct {
	StockbitConfig StockbitConfig `json:"stockbit"`
	StorageConfig  StorageConfig  `json:"storage"`
	ServerConfig   ServerConfig   `json:"server"`
	LoggingConfig  LoggingConfig  `json:"logging"`
	DaemonConfig   DaemonConfig   `json:"daemon"`

	ShutdownTimeoutSeconds int `json:"shutdown_timeout_seconds"` // graceful shutdown bound
}

// StockbitConfig holds the broker endpoints.
type StockbitConfig struct {
	APIBaseURL         string `json:"api_base_url"`         // REST base, no trailing slash
	StreamURL          string `json:"stream_url"`           // websocket endpoint
	HTTPTimeoutSeconds int    `json:"http_timeout_seconds"` // per-request timeout
}

// StorageConfig holds filesystem layout and CSV rotation settings.
type StorageConfig struct {
	DataDir     string `json:"data_dir"`     // CSV archive root
	ConfigDir   string `json:"config_dir"`   // credential, watchlist, job database
	CSVTimezone string `json:"csv_timezone"` // IANA name for daily file rotation; empty = UTC
}

type ServerConfig struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	ProductionMode bool   `json:"production_mode"`
}

type LoggingConfig struct {
	Level      string `json:"level"`       // debug, info, warn, error
	JSONFormat bool   `json:"json_format"` // JSON lines instead of console output
}

// DaemonConfig controls the market-hours streaming supervisor.
type DaemonConfig struct {
	Enabled bool `json:"enabled"`
}

func Load() (*Config, error) {
	// Base config from file; overrides from the environment win.
	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = &Config{}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.StockbitConfig.APIBaseURL = getEnvOrDefault("STOCKBIT_API_BASE", cfg.StockbitConfig.APIBaseURL)
	if cfg.StockbitConfig.APIBaseURL == "" {
		cfg.StockbitConfig.APIBaseURL = "https://exodus.stockbit.com"
	}
	cfg.StockbitConfig.StreamURL = getEnvOrDefault("STOCKBIT_STREAM_URL", cfg.StockbitConfig.StreamURL)
	if cfg.StockbitConfig.StreamURL == "" {
		cfg.StockbitConfig.StreamURL = "wss://wss-jkt.trading.stockbit.com/ws"
	}
	if cfg.StockbitConfig.HTTPTimeoutSeconds <= 0 {
		cfg.StockbitConfig.HTTPTimeoutSeconds = 30
	}
	cfg.StockbitConfig.HTTPTimeoutSeconds = getEnvIntOrDefault("STOCKBIT_HTTP_TIMEOUT_SECONDS", cfg.StockbitConfig.HTTPTimeoutSeconds)

	cfg.StorageConfig.DataDir = getEnvOrDefault("DATA_DIR", cfg.StorageConfig.DataDir)
	if cfg.StorageConfig.DataDir == "" {
		cfg.StorageConfig.DataDir = "data"
	}
	cfg.StorageConfig.ConfigDir = getEnvOrDefault("CONFIG_DIR", cfg.StorageConfig.ConfigDir)
	if cfg.StorageConfig.ConfigDir == "" {
		cfg.StorageConfig.ConfigDir = "config_data"
	}
	cfg.StorageConfig.CSVTimezone = getEnvOrDefault("CSV_TIMEZONE", cfg.StorageConfig.CSVTimezone)

	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", cfg.ServerConfig.Host)
	if cfg.ServerConfig.Host == "" {
		cfg.ServerConfig.Host = "0.0.0.0"
	}
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", cfg.ServerConfig.Port)
	if cfg.ServerConfig.Port == 0 {
		cfg.ServerConfig.Port = 8080
	}
	cfg.ServerConfig.ProductionMode = getEnvOrDefault("PRODUCTION_MODE", boolString(cfg.ServerConfig.ProductionMode)) == "true"

	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	if cfg.LoggingConfig.Level == "" {
		cfg.LoggingConfig.Level = "info"
	}
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", boolString(cfg.LoggingConfig.JSONFormat)) == "true"

	cfg.DaemonConfig.Enabled = getEnvOrDefault("DAEMON_ENABLED", boolString(cfg.DaemonConfig.Enabled)) == "true"

	cfg.ShutdownTimeoutSeconds = getEnvIntOrDefault("SHUTDOWN_TIMEOUT_SECONDS", cfg.ShutdownTimeoutSeconds)
	if cfg.ShutdownTimeoutSeconds <= 0 {
		cfg.ShutdownTimeoutSeconds = 10
	}
}

// CredentialPath is where the bearer token persists.
func (c *Config) CredentialPath() string {
	return filepath.Join(c.StorageConfig.ConfigDir, "token.json")
}

// JobsDBPath is the SQLite job database.
func (c *Config) JobsDBPath() string {
	return filepath.Join(c.StorageConfig.ConfigDir, "jobs.db")
}

// WatchlistPath is the daemon's persisted ticker list.
func (c *Config) WatchlistPath() string {
	return filepath.Join(c.StorageConfig.ConfigDir, "watchlist.json")
}

// HTTPTimeout returns the REST client timeout as a duration.
func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.StockbitConfig.HTTPTimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds graceful shutdown.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// CSVLocation resolves the rotation timezone; empty means UTC.
func (c *Config) CSVLocation() (*time.Location, error) {
	if c.StorageConfig.CSVTimezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.StorageConfig.CSVTimezone)
	if err != nil {
		return nil, fmt.Errorf("config: csv_timezone %q: %w", c.StorageConfig.CSVTimezone, err)
	}
	return loc, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

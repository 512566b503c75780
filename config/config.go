package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultFileName is the config file looked up when no path is given.
const DefaultFileName = "funnelscope.yml"

// Config is the root configuration.
type Config struct {
	FunnelScope FunnelScopeConfig `yaml:"funnelscope"`
}

// FunnelScopeConfig is the project configuration.
type FunnelScopeConfig struct {
	Source  SourceConfig  `yaml:"source"`
	Input   InputConfig   `yaml:"input"`
	Ingest  IngestConfig  `yaml:"ingest"`
	Engine  EngineConfig  `yaml:"engine"`
	Output  OutputConfig  `yaml:"output"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// SourceConfig selects the event store backing funnel queries.
type SourceConfig struct {
	Mode    string       `yaml:"mode"` // sqlite|redis
	Project string       `yaml:"project"`
	SQLite  SQLiteConfig `yaml:"sqlite"`
	Redis   RedisConfig  `yaml:"redis"`
}

// SQLiteConfig controls the embedded event store.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig controls Redis access.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	Key          string        `yaml:"key"`
	KeyPrefix    string        `yaml:"key_prefix"`
	BlockTimeout time.Duration `yaml:"block_timeout"`
	Prefetch     int           `yaml:"prefetch"`
}

// InputConfig controls the ingest reader.
type InputConfig struct {
	Redis RedisConfig `yaml:"redis"`
}

// IngestConfig controls ingest batching.
type IngestConfig struct {
	Workers       int           `yaml:"workers"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// EngineConfig controls funnel evaluation.
type EngineConfig struct {
	Workers        int `yaml:"workers"`
	BreakdownLimit int `yaml:"breakdown_limit"`
}

// OutputConfig controls where results are written.
type OutputConfig struct {
	Mode       string                 `yaml:"mode"` // stdout|file|clickhouse|xlsx|http
	File       FileOutputConfig       `yaml:"file"`
	ClickHouse ClickHouseOutputConfig `yaml:"clickhouse"`
	XLSX       FileOutputConfig       `yaml:"xlsx"`
	HTTP       HTTPOutputConfig       `yaml:"http"`
}

// HTTPOutputConfig config for posting reports to a webhook.
type HTTPOutputConfig struct {
	URL     string            `yaml:"url"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

// ClickHouseOutputConfig config for ClickHouse HTTP JSONEachRow writes.
type ClickHouseOutputConfig struct {
	URL       string            `yaml:"url"`
	Database  string            `yaml:"database"`
	Table     string            `yaml:"table"`
	BinsTable string            `yaml:"bins_table"`
	Username  string            `yaml:"username"`
	Password  string            `yaml:"password"`
	Timeout   time.Duration     `yaml:"timeout"`
	Headers   map[string]string `yaml:"headers"`
}

// FileOutputConfig config for local file output.
type FileOutputConfig struct {
	Path string `yaml:"path"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LoggingConfig controls logging output.
type LoggingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
	File    string `yaml:"file"`
	Console bool   `yaml:"console"`
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Load reads the config at path, or the defaults when path is empty, then
// applies environment overrides and defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		loaded, err := LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := ApplyEnv(cfg, ".env"); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	return cfg, nil
}

// FindConfigFile resolves the config path from the flag, the working
// directory, then the executable directory. It returns "" when none exists.
func FindConfigFile(configArg string) string {
	if configArg != "" {
		if _, err := os.Stat(configArg); err == nil {
			return configArg
		}
		log.Printf("Warning: config file not found at %s, trying default locations", configArg)
	}

	if _, err := os.Stat(DefaultFileName); err == nil {
		return DefaultFileName
	}

	exePath, err := os.Executable()
	if err == nil {
		path := filepath.Join(filepath.Dir(exePath), DefaultFileName)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// ApplyEnv loads an optional dotenv file and overrides secrets and paths
// from the environment.
func ApplyEnv(cfg *Config, envFile string) error {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return fmt.Errorf("load env file: %w", err)
			}
		}
	}

	fs := &cfg.FunnelScope
	if v := strings.TrimSpace(os.Getenv("FUNNELSCOPE_SQLITE_PATH")); v != "" {
		fs.Source.SQLite.Path = v
	}
	if v := os.Getenv("FUNNELSCOPE_REDIS_PASSWORD"); v != "" {
		fs.Source.Redis.Password = v
		fs.Input.Redis.Password = v
	}
	if v := strings.TrimSpace(os.Getenv("FUNNELSCOPE_REDIS_ADDR")); v != "" {
		fs.Source.Redis.Addr = v
		fs.Input.Redis.Addr = v
	}
	if v := os.Getenv("FUNNELSCOPE_CLICKHOUSE_PASSWORD"); v != "" {
		fs.Output.ClickHouse.Password = v
	}
	return nil
}

// ApplyDefaults fills unset values.
func ApplyDefaults(cfg *Config) {
	fs := &cfg.FunnelScope

	if fs.Source.Mode == "" {
		fs.Source.Mode = "sqlite"
	}
	if fs.Source.SQLite.Path == "" {
		fs.Source.SQLite.Path = "data/funnelscope.db"
	}
	if fs.Source.Redis.Addr == "" {
		fs.Source.Redis.Addr = "127.0.0.1:6379"
	}
	if fs.Source.Redis.KeyPrefix == "" {
		fs.Source.Redis.KeyPrefix = "funnelscope"
	}

	if fs.Input.Redis.Addr == "" {
		fs.Input.Redis.Addr = fs.Source.Redis.Addr
	}
	if fs.Input.Redis.Key == "" {
		fs.Input.Redis.Key = "funnelscope_events"
	}
	if fs.Input.Redis.BlockTimeout <= 0 {
		fs.Input.Redis.BlockTimeout = 5 * time.Second
	}

	if fs.Ingest.Workers <= 0 {
		fs.Ingest.Workers = 4
	}
	if fs.Ingest.BatchSize <= 0 {
		fs.Ingest.BatchSize = 500
	}
	if fs.Ingest.FlushInterval <= 0 {
		fs.Ingest.FlushInterval = 2 * time.Second
	}

	if fs.Engine.Workers <= 0 {
		fs.Engine.Workers = 8
	}
	if fs.Engine.BreakdownLimit <= 0 {
		fs.Engine.BreakdownLimit = 25
	}

	if fs.Output.Mode == "" {
		fs.Output.Mode = "stdout"
	}
	if fs.Output.File.Path == "" {
		fs.Output.File.Path = "output/funnel_results.jsonl"
	}
	if fs.Output.XLSX.Path == "" {
		fs.Output.XLSX.Path = "output/funnel_results.xlsx"
	}
	if fs.Output.ClickHouse.Database == "" {
		fs.Output.ClickHouse.Database = "funnelscope"
	}
	if fs.Output.ClickHouse.Table == "" {
		fs.Output.ClickHouse.Table = "funnel_steps"
	}
	if fs.Output.ClickHouse.BinsTable == "" {
		fs.Output.ClickHouse.BinsTable = "ttc_bins"
	}

	if fs.Metrics.Addr == "" {
		fs.Metrics.Addr = ":9464"
	}

	if fs.Logging.Level == "" {
		fs.Logging.Level = "info"
	}
}

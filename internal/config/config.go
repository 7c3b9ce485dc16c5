package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config represents runtime configuration for the service.
type Config struct {
	Server    ServerConfig              `json:"server" yaml:"server"`
	Database  DatabaseConfig            `json:"database" yaml:"database"`
	Databases map[string]DBConfig       `json:"databases" yaml:"databases"`
	Redis     RedisConfig               `json:"redis" yaml:"redis"`
	Upstream  UpstreamConfig            `json:"upstream" yaml:"upstream"`
	Arbiter   ArbiterConfig             `json:"arbiter" yaml:"arbiter"`
	Generator GeneratorConfig           `json:"generator" yaml:"generator"`
	Providers map[string]ProviderConfig `json:"providers" yaml:"providers"`
	Worker    WorkerConfig              `json:"worker" yaml:"worker"`
	Log       LogConfig                 `json:"log" yaml:"log"`
	Telemetry TelemetryConfig           `json:"telemetry" yaml:"telemetry"`
}

type ServerConfig struct {
	Address         string `json:"address" yaml:"address"`
	UpstreamAddress string `json:"upstream_address" yaml:"upstream_address"`
}

// DatabaseConfig selects which entry of Databases backs the session store.
type DatabaseConfig struct {
	Driver string `json:"driver" yaml:"driver"`
}

type DBConfig struct {
	DSN      string `json:"dsn" yaml:"dsn"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DBName   string `json:"db_name" yaml:"db_name"`
	Params   string `json:"params" yaml:"params"`
}

type RedisConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

// UpstreamConfig points the transport adapter at the submission endpoint.
// SessionsURL is where deleted sessions are forgotten; it defaults to the
// sibling /sessions collection of a submit URL ending in /chat.
type UpstreamConfig struct {
	SubmitURL      string `json:"submit_url" yaml:"submit_url"`
	SessionsURL    string `json:"sessions_url" yaml:"sessions_url"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

type ArbiterConfig struct {
	ObserveTimeoutSeconds int `json:"observe_timeout_seconds" yaml:"observe_timeout_seconds"`
	TitleLength           int `json:"title_length" yaml:"title_length"`
}

// GeneratorConfig drives the reference upstream and its workers.
type GeneratorConfig struct {
	Provider    string   `json:"provider" yaml:"provider"`
	Model       string   `json:"model" yaml:"model"`
	AsyncAgents []string `json:"async_agents" yaml:"async_agents"`
	AssetURL    string   `json:"asset_url" yaml:"asset_url"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url" yaml:"base_url"`
	Model   string `json:"model" yaml:"model"`
	APIKey  string `json:"api_key" yaml:"api_key"`
}

type WorkerConfig struct {
	MinWorkers         int `json:"min_workers" yaml:"min_workers"`
	MaxWorkers         int `json:"max_workers" yaml:"max_workers"`
	QueueSize          int `json:"queue_size" yaml:"queue_size"`
	IdleTimeoutSeconds int `json:"idle_timeout_seconds" yaml:"idle_timeout_seconds"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

type TelemetryConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	ServiceName string `json:"service_name" yaml:"service_name"`
}

// ObserveTimeout returns the change-feed deadline.
func (c ArbiterConfig) ObserveTimeout() time.Duration {
	if c.ObserveTimeoutSeconds <= 0 {
		return 120 * time.Second
	}
	return time.Duration(c.ObserveTimeoutSeconds) * time.Second
}

func (c UpstreamConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c WorkerConfig) IdleTimeout() time.Duration {
	if c.IdleTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// Load reads configuration from the provided path (defaults to config.json).
// Files ending in .yaml or .yml are decoded as YAML, everything else as JSON.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrap(err, "resolve config path")
	}

	raw, err := os.ReadFile(absPath)
	if err != nil {
		return nil, errors.Wrapf(err, "open config %s", absPath)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(absPath)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, errors.Wrap(err, "decode yaml config")
		}
	default:
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, errors.Wrap(err, "decode config")
		}
	}

	if err := cfg.normalize(filepath.Dir(absPath)); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize(baseDir string) error {
	if c.Server.Address == "" {
		c.Server.Address = ":8090"
	}
	if c.Server.UpstreamAddress == "" {
		c.Server.UpstreamAddress = ":8091"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite3"
	}
	if c.Databases == nil {
		c.Databases = map[string]DBConfig{}
	}
	driver := strings.ToLower(c.Database.Driver)
	if driver == "sqlite" || driver == "sqlite3" {
		dbCfg := c.Databases[c.Database.Driver]
		if dbCfg.DSN == "" {
			return errors.New("sqlite dsn must be configured")
		}
		if !strings.HasPrefix(dbCfg.DSN, "file:") && dbCfg.DSN != ":memory:" && !filepath.IsAbs(dbCfg.DSN) {
			dbCfg.DSN = filepath.Join(baseDir, dbCfg.DSN)
		}
		c.Databases[c.Database.Driver] = dbCfg
	}
	if c.Upstream.SubmitURL == "" {
		c.Upstream.SubmitURL = "http://127.0.0.1" + c.Server.UpstreamAddress + "/api/chat"
	}
	if c.Upstream.SessionsURL == "" && strings.HasSuffix(c.Upstream.SubmitURL, "/chat") {
		c.Upstream.SessionsURL = strings.TrimSuffix(c.Upstream.SubmitURL, "/chat") + "/sessions"
	}
	if c.Arbiter.TitleLength <= 0 {
		c.Arbiter.TitleLength = 50
	}
	if c.Worker.MinWorkers <= 0 {
		c.Worker.MinWorkers = 1
	}
	if c.Worker.MaxWorkers < c.Worker.MinWorkers {
		c.Worker.MaxWorkers = c.Worker.MinWorkers
	}
	if c.Worker.QueueSize <= 0 {
		c.Worker.QueueSize = 64
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "relaychat"
	}
	return nil
}

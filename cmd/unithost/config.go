package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"unithost/internal/command"
	"unithost/internal/common/cache"
	"unithost/internal/common/http/middleware"
	"unithost/internal/common/mq"
	"unithost/internal/common/storage"
	"unithost/internal/host/deps"
	"unithost/internal/host/loader"
	"unithost/internal/host/mount"
	"unithost/internal/host/output"
	"unithost/internal/unitstore"
	"unithost/pkg/utils/logger"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:5000"
	defaultReadTimeout     = 15 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 15 * time.Second
	defaultMaxHeaderBytes  = 1 << 20
	defaultUnitDir         = "uploads"
	defaultEventsTopic     = "unithost.events"
	defaultEventsBuffer    = 256
	defaultPackagesKey     = "unithost:packages"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr" toml:"addr"`
	ReadTimeout     time.Duration `yaml:"readTimeout" toml:"readTimeout"`
	// WriteTimeout stays unset by default; job streams and hosted units hold responses open.
	WriteTimeout    time.Duration `yaml:"writeTimeout" toml:"writeTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout" toml:"idleTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" toml:"shutdownTimeout"`
	MaxHeaderBytes  int           `yaml:"maxHeaderBytes" toml:"maxHeaderBytes"`
}

// SupervisorConfig holds run settings for units.
type SupervisorConfig struct {
	// Interpreters maps an extension to a command template.
	Interpreters  map[string]string `yaml:"interpreters" toml:"interpreters"`
	WorkDir       string            `yaml:"workDir" toml:"workDir"`
	Env           []string          `yaml:"env" toml:"env"`
	ProgressEvery int               `yaml:"progressEvery" toml:"progressEvery"`
	StopGrace     time.Duration     `yaml:"stopGrace" toml:"stopGrace"`
	Output        output.Config     `yaml:"output" toml:"output"`
	// ResolveDeps installs missing imports before a unit starts.
	ResolveDeps bool `yaml:"resolveDeps" toml:"resolveDeps"`
}

// EventsConfig controls lifecycle event publishing. Kafka brokers must be set.
type EventsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Topic   string `yaml:"topic" toml:"topic"`
	Buffer  int    `yaml:"buffer" toml:"buffer"`
}

// CommandsConfig controls the redis command queue poller.
type CommandsConfig struct {
	Enabled        bool                `yaml:"enabled" toml:"enabled"`
	PollInterval   time.Duration       `yaml:"pollInterval" toml:"pollInterval"`
	RestartBackoff time.Duration       `yaml:"restartBackoff" toml:"restartBackoff"`
	Queue          command.QueueConfig `yaml:"queue" toml:"queue"`
}

// PackagesConfig controls the installed package set.
type PackagesConfig struct {
	// RedisKey is used when redis is configured; otherwise the set lives in memory.
	RedisKey string `yaml:"redisKey" toml:"redisKey"`
}

// APIConfig holds control API settings.
type APIConfig struct {
	CORS             middleware.CORSConfig `yaml:"cors" toml:"cors"`
	IgnoreUserHeader bool                  `yaml:"ignoreUserHeader" toml:"ignoreUserHeader"`
	StreamBuffer     int                   `yaml:"streamBuffer" toml:"streamBuffer"`
	// RateLimit applies only when redis is configured.
	RateLimit middleware.RateLimitPolicy `yaml:"rateLimit" toml:"rateLimit"`
	// StreamOrigins lists browser origins allowed to open job streams.
	StreamOrigins []string `yaml:"streamOrigins" toml:"streamOrigins"`
}

// AppConfig holds the host configuration.
type AppConfig struct {
	Server      ServerConfig          `yaml:"server" toml:"server"`
	Logger      logger.Config         `yaml:"logger" toml:"logger"`
	AdminID     string                `yaml:"adminID" toml:"adminID"`
	ExternalURL string                `yaml:"externalURL" toml:"externalURL"`
	Entrypoint  string                `yaml:"entrypoint" toml:"entrypoint"`
	Units       unitstore.Config      `yaml:"units" toml:"units"`
	Supervisor  SupervisorConfig      `yaml:"supervisor" toml:"supervisor"`
	Loader      loader.ProcessConfig  `yaml:"loader" toml:"loader"`
	Mounts      mount.Config          `yaml:"mounts" toml:"mounts"`
	Deps        deps.Config           `yaml:"deps" toml:"deps"`
	Packages    PackagesConfig        `yaml:"packages" toml:"packages"`
	Redis       cache.RedisConfig     `yaml:"redis" toml:"redis"`
	Kafka       mq.KafkaConfig        `yaml:"kafka" toml:"kafka"`
	Events      EventsConfig          `yaml:"events" toml:"events"`
	MinIO       storage.MinIOConfig   `yaml:"minio" toml:"minio"`
	Commands    CommandsConfig        `yaml:"commands" toml:"commands"`
	API         APIConfig             `yaml:"api" toml:"api"`
}

func decodeFile(path string, out interface{}) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.DecodeFile(path, out); err != nil {
			return fmt.Errorf("parse config file failed: %w", err)
		}
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

// loadAppConfig reads path, applies environment overrides and fills defaults.
// A missing file is only accepted when optional is set.
func loadAppConfig(path string, optional bool, getenv func(string) string) (*AppConfig, error) {
	var cfg AppConfig
	if path != "" {
		err := decodeFile(path, &cfg)
		if err != nil && !(optional && errors.Is(err, fs.ErrNotExist)) {
			return nil, err
		}
	}
	applyEnv(&cfg, getenv)
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *AppConfig, getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if port := strings.TrimSpace(getenv("PORT")); port != "" {
		cfg.Server.Addr = "0.0.0.0:" + port
	}
	cfg.AdminID = envOr(getenv, "ADMIN_ID", cfg.AdminID)
	cfg.ExternalURL = envOr(getenv, "RENDER_EXTERNAL_HOSTNAME", cfg.ExternalURL)
	cfg.ExternalURL = envOr(getenv, "EXTERNAL_HOSTNAME", cfg.ExternalURL)
	cfg.Units.Dir = envOr(getenv, "UNITHOST_UNIT_DIR", cfg.Units.Dir)
	cfg.Redis.Addr = envOr(getenv, "REDIS_ADDR", cfg.Redis.Addr)
	cfg.Logger.Level = envOr(getenv, "LOG_LEVEL", cfg.Logger.Level)
}

func envOr(getenv func(string) string, key, fallback string) string {
	if v := strings.TrimSpace(getenv(key)); v != "" {
		return v
	}
	return fallback
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.Server.MaxHeaderBytes == 0 {
		cfg.Server.MaxHeaderBytes = defaultMaxHeaderBytes
	}
	if cfg.Entrypoint == "" {
		cfg.Entrypoint = "app"
	}
	if cfg.Loader.Entrypoint == "" {
		cfg.Loader.Entrypoint = cfg.Entrypoint
	}
	if cfg.Units.Dir == "" {
		cfg.Units.Dir = defaultUnitDir
	}
	if len(cfg.Supervisor.Interpreters) == 0 {
		cfg.Supervisor.Interpreters = map[string]string{
			".py": "python3 -u",
			".sh": "sh",
			".js": "node",
		}
	}
	if cfg.Supervisor.WorkDir == "" {
		cfg.Supervisor.WorkDir = cfg.Units.Dir
	}
	if cfg.Redis.Addr != "" {
		cfg.Redis.ApplyDefaults()
	}
	if cfg.Packages.RedisKey == "" {
		cfg.Packages.RedisKey = defaultPackagesKey
	}
	if cfg.Events.Topic == "" {
		cfg.Events.Topic = defaultEventsTopic
	}
	if cfg.Events.Buffer == 0 {
		cfg.Events.Buffer = defaultEventsBuffer
	}
	if cfg.API.RateLimit.Window == 0 {
		cfg.API.RateLimit.Window = time.Minute
	}
	if cfg.MinIO.Bucket == "" {
		cfg.MinIO.Bucket = "units"
	}
}

func validate(cfg *AppConfig) error {
	if cfg.Events.Enabled && len(cfg.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka brokers are required when events are enabled")
	}
	if cfg.Commands.Enabled && cfg.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required when the command queue is enabled")
	}
	if cfg.Supervisor.ResolveDeps && !cfg.Deps.Enabled {
		return fmt.Errorf("deps must be enabled to resolve unit imports")
	}
	return nil
}

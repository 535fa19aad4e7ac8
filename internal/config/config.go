// Package config provides configuration management for jtstream using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. JTSTREAM_INGEST_PORT.
const EnvPrefix = "JTSTREAM"

// Default configuration values.
const (
	defaultIngestPort       = 8000
	defaultHTTPPort         = 8080
	defaultQueueCapacity    = 100
	defaultDrainTimeout     = 30 * time.Second
	defaultServerTimeout    = 30 * time.Second
	defaultShutdownTimeout  = 10 * time.Second
	defaultOrphanMaxAge     = time.Hour
	defaultHLSTime          = 6
	defaultHLSInitTime      = 1
	defaultHLSListSize      = 10
	defaultStartupDelay     = time.Second
	defaultDialTimeout      = 5 * time.Second
	defaultLeaseTimeout     = 15 * time.Second
	defaultHistoryRetention = 30 * 24 * time.Hour
	defaultMaxOpenConns     = 10
	defaultMaxIdleConns     = 5
)

// Config holds all configuration for the application.
type Config struct {
	Ingest     IngestConfig     `mapstructure:"ingest"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Transcoder TranscoderConfig `mapstructure:"transcoder"`
	Session    SessionConfig    `mapstructure:"session"`
	History    HistoryConfig    `mapstructure:"history"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// IngestConfig holds the device-facing TCP listener configuration.
type IngestConfig struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	QueueCapacity int    `mapstructure:"queue_capacity"`
	// Resync scans for the next frame header after a malformed frame
	// instead of decoding from the byte that follows it.
	Resync bool `mapstructure:"resync"`
	// MaxPayload rejects frames declaring a larger body. Zero disables the
	// check. Supports human-readable values like "32KB".
	MaxPayload               ByteSize      `mapstructure:"max_payload"`
	CancelSessionsOnShutdown bool          `mapstructure:"cancel_sessions_on_shutdown"`
	DrainTimeout             time.Duration `mapstructure:"drain_timeout"`
}

// HTTPConfig holds the republishing HTTP server configuration.
type HTTPConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	Metrics         bool          `mapstructure:"metrics"`
	API             bool          `mapstructure:"api"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// StorageConfig holds the HLS output tree configuration.
type StorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
	// OrphanMaxAge is how old a device directory without a live session must
	// be before the sweeper removes it.
	OrphanMaxAge Duration `mapstructure:"orphan_max_age"`
}

// TranscoderConfig holds FFmpeg configuration.
type TranscoderConfig struct {
	Transport       string        `mapstructure:"transport"`   // pipe, socket
	BinaryPath      string        `mapstructure:"binary_path"` // empty = auto-detect
	InputFormat     string        `mapstructure:"input_format"`
	LogLevel        string        `mapstructure:"log_level"`
	Realtime        bool          `mapstructure:"realtime"`
	HLSTime         int           `mapstructure:"hls_time"`
	HLSInitTime     int           `mapstructure:"hls_init_time"`
	HLSListSize     int           `mapstructure:"hls_list_size"`
	HLSFlags        string        `mapstructure:"hls_flags"`
	SegmentPattern  string        `mapstructure:"segment_pattern"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
	StderrLogDir    string        `mapstructure:"stderr_log_dir"`
}

// SessionConfig holds per-connection pipeline configuration.
type SessionConfig struct {
	LeaseTimeout time.Duration `mapstructure:"lease_timeout"`
}

// HistoryConfig holds the closed-session store configuration.
type HistoryConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	Retention       Duration      `mapstructure:"retention"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// SchedulerConfig holds background job schedules (6-field cron expressions).
type SchedulerConfig struct {
	SweepCron     string `mapstructure:"sweep_cron"`
	RetentionCron string `mapstructure:"retention_cron"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with JTSTREAM_ and use underscores for nesting.
// Example: JTSTREAM_INGEST_PORT=9000. PORT and HTTP_PORT are honoured as
// fallbacks for the two listen ports.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/jtstream")
		v.AddConfigPath("$HOME/.jtstream")
	}

	if err := BindEnv(v); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	return FromViper(v)
}

// BindEnv enables environment overrides on v.
func BindEnv(v *viper.Viper) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Explicit bindings list the prefixed name first so it wins.
	if err := v.BindEnv("ingest.port", EnvPrefix+"_INGEST_PORT", "PORT"); err != nil {
		return fmt.Errorf("binding ingest port env: %w", err)
	}
	if err := v.BindEnv("http.port", EnvPrefix+"_HTTP_PORT", "HTTP_PORT"); err != nil {
		return fmt.Errorf("binding http port env: %w", err)
	}
	return nil
}

// FromViper decodes and validates the configuration held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Ingest defaults
	v.SetDefault("ingest.host", "0.0.0.0")
	v.SetDefault("ingest.port", defaultIngestPort)
	v.SetDefault("ingest.queue_capacity", defaultQueueCapacity)
	v.SetDefault("ingest.resync", false)
	v.SetDefault("ingest.max_payload", "0")
	v.SetDefault("ingest.cancel_sessions_on_shutdown", false)
	v.SetDefault("ingest.drain_timeout", defaultDrainTimeout)

	// HTTP defaults
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", defaultHTTPPort)
	v.SetDefault("http.read_timeout", defaultServerTimeout)
	v.SetDefault("http.write_timeout", defaultServerTimeout)
	v.SetDefault("http.idle_timeout", 2*time.Minute)
	v.SetDefault("http.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("http.cors_origins", []string{"*"})
	v.SetDefault("http.metrics", true)
	v.SetDefault("http.api", true)

	// Storage defaults
	v.SetDefault("storage.base_dir", "./media")
	v.SetDefault("storage.orphan_max_age", defaultOrphanMaxAge.String())

	// Transcoder defaults
	v.SetDefault("transcoder.transport", "pipe")
	v.SetDefault("transcoder.binary_path", "")
	v.SetDefault("transcoder.input_format", "")
	v.SetDefault("transcoder.log_level", "error")
	v.SetDefault("transcoder.realtime", true)
	v.SetDefault("transcoder.hls_time", defaultHLSTime)
	v.SetDefault("transcoder.hls_init_time", defaultHLSInitTime)
	v.SetDefault("transcoder.hls_list_size", defaultHLSListSize)
	v.SetDefault("transcoder.hls_flags", "delete_segments")
	v.SetDefault("transcoder.segment_pattern", "%Y-%m-%d_%H-%M-%S.ts")
	v.SetDefault("transcoder.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("transcoder.startup_delay", defaultStartupDelay)
	v.SetDefault("transcoder.dial_timeout", defaultDialTimeout)
	v.SetDefault("transcoder.stderr_log_dir", "")

	// Session defaults
	v.SetDefault("session.lease_timeout", defaultLeaseTimeout)

	// History defaults
	v.SetDefault("history.enabled", false)
	v.SetDefault("history.driver", "sqlite")
	v.SetDefault("history.dsn", "jtstream.db")
	v.SetDefault("history.retention", "30d")
	v.SetDefault("history.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("history.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("history.conn_max_lifetime", time.Hour)
	v.SetDefault("history.log_level", "warn")

	// Scheduler defaults
	v.SetDefault("scheduler.sweep_cron", "0 */5 * * * *")   // every 5 minutes
	v.SetDefault("scheduler.retention_cron", "0 0 3 * * *") // daily at 3 AM

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Ingest.Port < 1 || c.Ingest.Port > maxPort {
		return fmt.Errorf("ingest.port must be between 1 and %d", maxPort)
	}
	if c.HTTP.Port < 1 || c.HTTP.Port > maxPort {
		return fmt.Errorf("http.port must be between 1 and %d", maxPort)
	}
	if c.Ingest.QueueCapacity < 1 {
		return fmt.Errorf("ingest.queue_capacity must be at least 1")
	}
	if c.Ingest.MaxPayload < 0 {
		return fmt.Errorf("ingest.max_payload must not be negative")
	}

	if c.Storage.BaseDir == "" {
		return fmt.Errorf("storage.base_dir is required")
	}

	switch c.Transcoder.Transport {
	case "pipe", "socket":
	default:
		return fmt.Errorf("transcoder.transport must be one of: pipe, socket")
	}
	if c.Transcoder.HLSTime < 1 {
		return fmt.Errorf("transcoder.hls_time must be at least 1")
	}
	if c.Transcoder.HLSListSize < 0 {
		return fmt.Errorf("transcoder.hls_list_size must not be negative")
	}
	if c.Transcoder.SegmentPattern == "" {
		return fmt.Errorf("transcoder.segment_pattern is required")
	}
	if c.Transcoder.ShutdownTimeout <= 0 {
		return fmt.Errorf("transcoder.shutdown_timeout must be positive")
	}

	if c.History.Enabled {
		validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
		if !validDrivers[c.History.Driver] {
			return fmt.Errorf("history.driver must be one of: sqlite, postgres, mysql")
		}
		if c.History.DSN == "" {
			return fmt.Errorf("history.dsn is required")
		}
	}

	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for key, expr := range map[string]string{
		"scheduler.sweep_cron":     c.Scheduler.SweepCron,
		"scheduler.retention_cron": c.Scheduler.RetentionCron,
	} {
		if expr == "" {
			continue
		}
		if _, err := parser.Parse(expr); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// Address returns the ingest listen address in host:port format.
func (c *IngestConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Address returns the HTTP listen address in host:port format.
func (c *HTTPConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

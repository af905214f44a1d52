// Package config provides Viper-based configuration loading for the overworld server.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds the websocket listener settings.
type ServerConfig struct {
	// Host is the bind address for the HTTP/websocket listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the HTTP/websocket listener.
	Port int `mapstructure:"port"`
	// WSPath is the HTTP path upgraded to a websocket.
	WSPath string `mapstructure:"ws_path"`
	// ReadTimeout is the idle read deadline; pongs extend it.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout is the per-frame write deadline.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// OutboxSize is the per-connection outbound frame queue length.
	OutboxSize int `mapstructure:"outbox_size"`
	// MaxMessageBytes caps the size of a single inbound frame.
	MaxMessageBytes int64 `mapstructure:"max_message_bytes"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// BroadcastConfig holds presence broadcast settings.
type BroadcastConfig struct {
	// Interval is the fixed presence snapshot period.
	Interval time.Duration `mapstructure:"interval"`
}

// HandshakeConfig holds challenge/invite negotiation settings.
type HandshakeConfig struct {
	// DefaultTimeout applies to every kind that does not declare its own timeout.
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	// Catalog is the path to the handshake kind YAML; empty selects the built-in catalog.
	Catalog string `mapstructure:"catalog"`
}

// ChatConfig holds chat log settings.
type ChatConfig struct {
	// HistoryLimit is the number of messages retained and replayed on join.
	HistoryLimit int `mapstructure:"history_limit"`
	// MaxLength is the maximum accepted message length in runes.
	MaxLength int `mapstructure:"max_length"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
	// File is an optional rolling log file path written in addition to stderr.
	File string `mapstructure:"file"`
	// MaxSizeMB is the size at which the log file is rotated.
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of rotated files kept.
	MaxBackups int `mapstructure:"max_backups"`
	// MaxAgeDays is the retention of rotated files in days.
	MaxAgeDays int `mapstructure:"max_age_days"`
}

// DatabaseConfig holds PostgreSQL connection settings for player inventory lookups.
type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	// HealthInterval is how often the running server pings the database.
	HealthInterval time.Duration `mapstructure:"health_interval"`
	// HealthTimeout bounds a single ping.
	HealthTimeout time.Duration `mapstructure:"health_timeout"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// HealthConfig holds the gRPC health endpoint settings.
type HealthConfig struct {
	GRPCHost string `mapstructure:"grpc_host"`
	GRPCPort int    `mapstructure:"grpc_port"`
}

// Addr returns the "host:port" gRPC address.
func (h HealthConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.GRPCHost, h.GRPCPort)
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Handshake HandshakeConfig `mapstructure:"handshake"`
	Chat      ChatConfig      `mapstructure:"chat"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Health    HealthConfig    `mapstructure:"health"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateServer(c.Server); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateBroadcast(c.Broadcast); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateHandshake(c.Handshake); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateChat(c.Chat); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Database.Enabled {
		if err := validateDatabase(c.Database); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if err := validateHealth(c.Health); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	var errs []string
	if s.Port < 1 || s.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be 1-65535, got %d", s.Port))
	}
	if !strings.HasPrefix(s.WSPath, "/") {
		errs = append(errs, fmt.Sprintf("server.ws_path must start with '/', got %q", s.WSPath))
	}
	if s.ReadTimeout < 0 {
		errs = append(errs, "server.read_timeout must not be negative")
	}
	if s.WriteTimeout < 0 {
		errs = append(errs, "server.write_timeout must not be negative")
	}
	if s.OutboxSize < 1 {
		errs = append(errs, fmt.Sprintf("server.outbox_size must be >= 1, got %d", s.OutboxSize))
	}
	if s.MaxMessageBytes < 1 {
		errs = append(errs, fmt.Sprintf("server.max_message_bytes must be >= 1, got %d", s.MaxMessageBytes))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateBroadcast(b BroadcastConfig) error {
	if b.Interval <= 0 {
		return fmt.Errorf("broadcast.interval must be > 0, got %s", b.Interval)
	}
	return nil
}

func validateHandshake(h HandshakeConfig) error {
	if h.DefaultTimeout <= 0 {
		return fmt.Errorf("handshake.default_timeout must be > 0, got %s", h.DefaultTimeout)
	}
	return nil
}

func validateChat(c ChatConfig) error {
	var errs []string
	if c.HistoryLimit < 1 {
		errs = append(errs, fmt.Sprintf("chat.history_limit must be >= 1, got %d", c.HistoryLimit))
	}
	if c.MaxLength < 1 {
		errs = append(errs, fmt.Sprintf("chat.max_length must be >= 1, got %d", c.MaxLength))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	if l.File != "" && l.MaxSizeMB < 1 {
		return fmt.Errorf("logging.max_size_mb must be >= 1 when logging.file is set, got %d", l.MaxSizeMB)
	}
	return nil
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	if d.HealthInterval <= 0 {
		errs = append(errs, fmt.Sprintf("database.health_interval must be > 0, got %s", d.HealthInterval))
	}
	if d.HealthTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("database.health_timeout must be > 0, got %s", d.HealthTimeout))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateHealth(h HealthConfig) error {
	if h.GRPCHost == "" {
		return errors.New("health.grpc_host must not be empty")
	}
	if h.GRPCPort < 1 || h.GRPCPort > 65535 {
		return fmt.Errorf("health.grpc_port must be 1-65535, got %d", h.GRPCPort)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with OVERWORLD_ prefix
	v.SetEnvPrefix("OVERWORLD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// SetDefaults installs the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.ws_path", "/ws")
	v.SetDefault("server.read_timeout", "60s")
	v.SetDefault("server.write_timeout", "5s")
	v.SetDefault("server.outbox_size", 64)
	v.SetDefault("server.max_message_bytes", 1<<16)

	v.SetDefault("broadcast.interval", "50ms")

	v.SetDefault("handshake.default_timeout", "10s")
	v.SetDefault("handshake.catalog", "")

	v.SetDefault("chat.history_limit", 100)
	v.SetDefault("chat.max_length", 280)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 7)

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "overworld")
	v.SetDefault("database.password", "overworld")
	v.SetDefault("database.name", "overworld")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.health_interval", "30s")
	v.SetDefault("database.health_timeout", "5s")

	v.SetDefault("health.grpc_host", "127.0.0.1")
	v.SetDefault("health.grpc_port", 50061)
}

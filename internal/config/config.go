package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/mcpvisor/internal/env"
	"github.com/loykin/mcpvisor/internal/logger"
)

// EnvPrefix prefixes environment overrides, e.g. MCPVISOR_SERVER_LISTEN.
const EnvPrefix = "MCPVISOR"

// Config is the daemon configuration. Every key may come from the config file
// (TOML, YAML or JSON by extension) or from MCPVISOR_* environment variables.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Registry   RegistryConfig   `mapstructure:"registry"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Log        LogConfig        `mapstructure:"log"`
	History    HistoryConfig    `mapstructure:"history"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Probe      ProbeConfig      `mapstructure:"probe"`
	// Env and EnvFiles are applied to every server, below each server's own env.
	Env      []string `mapstructure:"env"`
	EnvFiles []string `mapstructure:"env_files"`
}

type ServerConfig struct {
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
	// AuthSecret enables bearer-token auth on every route but /healthz.
	AuthSecret string        `mapstructure:"auth_secret"`
	TokenTTL   time.Duration `mapstructure:"token_ttl"`
}

type RegistryConfig struct {
	Path string `mapstructure:"path"`
}

type SupervisorConfig struct {
	MaxRestarts    int           `mapstructure:"max_restarts"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	GracePeriod    time.Duration `mapstructure:"grace_period"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
	LogCapacity    int           `mapstructure:"log_capacity"`
	// Autostart starts every enabled server when the daemon comes up.
	Autostart bool `mapstructure:"autostart"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Color      bool   `mapstructure:"color"`
	File       string `mapstructure:"file"`
	Dir        string `mapstructure:"dir"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type HistoryConfig struct {
	Sinks []string `mapstructure:"sinks"`
}

type MetricsConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Listen        string        `mapstructure:"listen"`
	UsageInterval time.Duration `mapstructure:"usage_interval"`
}

type ProbeConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", "127.0.0.1:8787")
	v.SetDefault("server.base_path", "/api/mcp")
	v.SetDefault("server.auth_secret", "")
	v.SetDefault("server.token_ttl", 24*time.Hour)
	v.SetDefault("registry.path", "")
	v.SetDefault("supervisor.max_restarts", 2)
	v.SetDefault("supervisor.backoff_base", 2*time.Second)
	v.SetDefault("supervisor.grace_period", 5*time.Second)
	v.SetDefault("supervisor.health_interval", 10*time.Second)
	v.SetDefault("supervisor.log_capacity", 1000)
	v.SetDefault("supervisor.autostart", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.dir", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)
	v.SetDefault("history.sinks", []string{})
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.usage_interval", 15*time.Second)
	v.SetDefault("probe.timeout", 5*time.Second)
	v.SetDefault("env", []string{})
	v.SetDefault("env_files", []string{})
}

// Load reads path (optional) on top of the defaults and environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Default returns the configuration used when no file and no overrides are present.
func Default() *Config {
	c, err := Load("")
	if err != nil {
		// defaults are static and always valid
		panic(err)
	}
	return c
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.Listen) == "" {
		errs = append(errs, errors.New("server.listen must not be empty"))
	}
	if c.Server.AuthSecret != "" && len(c.Server.AuthSecret) < 16 {
		errs = append(errs, errors.New("server.auth_secret must be at least 16 bytes"))
	}
	if c.Supervisor.BackoffBase < 0 || c.Supervisor.GracePeriod < 0 {
		errs = append(errs, errors.New("supervisor durations must not be negative"))
	}
	if c.Supervisor.LogCapacity < 0 {
		errs = append(errs, errors.New("supervisor.log_capacity must not be negative"))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" && c.Server.Listen == "" {
		errs = append(errs, errors.New("metrics.listen required"))
	}
	if c.Probe.Timeout < 0 {
		errs = append(errs, errors.New("probe.timeout must not be negative"))
	}
	return errors.Join(errs...)
}

// Logger maps the log section to logger.Config.
func (c *Config) Logger() logger.Config {
	return logger.Config{
		Level:  c.Log.Level,
		Format: c.Log.Format,
		Color:  c.Log.Color,
		Path:   c.Log.File,
		File: logger.FileConfig{
			Dir:        c.Log.Dir,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Compress:   c.Log.Compress,
		},
	}
}

// GlobalEnv builds the environment every server inherits: the daemon's own environment,
// then env_files in order, then the env list.
func (c *Config) GlobalEnv() (*env.Env, error) {
	e := env.New()
	for _, p := range c.EnvFiles {
		pairs, err := LoadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			e = e.WithSet(k, v)
		}
	}
	for k, v := range env.Parse(c.Env) {
		e = e.WithSet(k, v)
	}
	return e, nil
}

// LoadEnvFile parses a simple .env file with KEY=VALUE lines. Blank lines and lines
// starting with # are ignored, as is a leading "export ". Matching surrounding quotes are stripped.
func LoadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read env file: %w", err)
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		i := strings.IndexByte(line, '=')
		if i <= 0 {
			continue
		}
		k := strings.TrimSpace(line[:i])
		v := strings.TrimSpace(line[i+1:])
		if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
			v = v[1 : len(v)-1]
		}
		m[k] = v
	}
	return m, nil
}

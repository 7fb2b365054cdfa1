// Package config provides configuration management for stepflow.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	sferrors "github.com/randalmurphal/stepflow/internal/errors"
	"github.com/randalmurphal/stepflow/internal/util"
)

const (
	// ConfigFileName is the default config file name
	ConfigFileName = "config.yaml"
	// Dir is the stepflow configuration directory
	Dir = ".stepflow"
	// EnvPrefix prefixes every environment override, e.g. STEPFLOW_ENGINE_BASE_URL.
	EnvPrefix = "STEPFLOW"
)

// Config is the full stepflow configuration.
type Config struct {
	Engine   EngineConfig   `mapstructure:"engine" yaml:"engine"`
	Run      RunConfig      `mapstructure:"run" yaml:"run"`
	Catalog  CatalogConfig  `mapstructure:"catalog" yaml:"catalog"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Executor ExecutorConfig `mapstructure:"executor" yaml:"executor"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
}

// EngineConfig selects the remote engine. BaseURL serves both the catalog REST
// API and the run stream; its scheme decides ws or wss.
type EngineConfig struct {
	BaseURL    string `mapstructure:"base_url" yaml:"base_url"`
	PathPrefix string `mapstructure:"path_prefix" yaml:"path_prefix"`
}

// RunConfig controls the run orchestrator.
type RunConfig struct {
	// IdleTimeout errors a run that hears nothing from the engine for this long. 0 disables it.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	// StrictChaining treats nextStep before any result as a protocol error.
	StrictChaining bool `mapstructure:"strict_chaining" yaml:"strict_chaining"`
}

// CatalogConfig controls the workflow catalog REST client.
type CatalogConfig struct {
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Retry   RetryConfig   `mapstructure:"retry" yaml:"retry"`
}

// RetryConfig controls retries of idempotent catalog reads.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseBackoff time.Duration `mapstructure:"base_backoff" yaml:"base_backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
}

// ServerConfig is the bind address of `stepflow serve`.
type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// DatabaseConfig selects catalog storage.
type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres"
	Driver string `mapstructure:"driver" yaml:"driver"`
	// DSN is a file path for sqlite or a connection URL for postgres
	DSN string `mapstructure:"dsn" yaml:"dsn"`
}

// ExecutorConfig selects how the reference engine executes step prompts.
type ExecutorConfig struct {
	// Kind is "echo" or "anthropic"
	Kind              string `mapstructure:"kind" yaml:"kind"`
	Model             string `mapstructure:"model" yaml:"model"`
	MaxTokens         int    `mapstructure:"max_tokens" yaml:"max_tokens"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
}

// LogConfig controls log output.
type LogConfig struct {
	// Format is "text" (colored, human) or "json"
	Format string `mapstructure:"format" yaml:"format"`
	Level  string `mapstructure:"level" yaml:"level"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			BaseURL:    "http://localhost:8000",
			PathPrefix: "api",
		},
		Run: RunConfig{
			IdleTimeout:    0,
			StrictChaining: false,
		},
		Catalog: CatalogConfig{
			Timeout: 10 * time.Second,
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseBackoff: 250 * time.Millisecond,
				MaxBackoff:  5 * time.Second,
			},
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8000,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "stepflow.db",
		},
		Executor: ExecutorConfig{
			Kind:              "echo",
			Model:             "claude-sonnet-4-5",
			MaxTokens:         1024,
			RequestsPerMinute: 50,
		},
		Log: LogConfig{
			Format: "text",
			Level:  "info",
		},
	}
}

// SetDefaults registers every default with v so that env overrides and
// Unmarshal see the full key set.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("engine.base_url", d.Engine.BaseURL)
	v.SetDefault("engine.path_prefix", d.Engine.PathPrefix)

	v.SetDefault("run.idle_timeout", d.Run.IdleTimeout)
	v.SetDefault("run.strict_chaining", d.Run.StrictChaining)

	v.SetDefault("catalog.timeout", d.Catalog.Timeout)
	v.SetDefault("catalog.retry.max_attempts", d.Catalog.Retry.MaxAttempts)
	v.SetDefault("catalog.retry.base_backoff", d.Catalog.Retry.BaseBackoff)
	v.SetDefault("catalog.retry.max_backoff", d.Catalog.Retry.MaxBackoff)

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)

	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.dsn", d.Database.DSN)

	v.SetDefault("executor.kind", d.Executor.Kind)
	v.SetDefault("executor.model", d.Executor.Model)
	v.SetDefault("executor.max_tokens", d.Executor.MaxTokens)
	v.SetDefault("executor.requests_per_minute", d.Executor.RequestsPerMinute)

	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.level", d.Log.Level)
}

// Configure prepares v: defaults, env prefix and key replacer, and the config
// file location (cfgFile, or the standard search paths when empty).
func Configure(v *viper.Viper, cfgFile string) {
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(Dir)
		v.AddConfigPath(filepath.Join("$HOME", Dir))
		v.SetConfigType("yaml")
		v.SetConfigName(strings.TrimSuffix(ConfigFileName, filepath.Ext(ConfigFileName)))
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// LoadDotEnv loads .env from the working directory when present. Variables
// already set in the environment win.
func LoadDotEnv() error {
	if !util.FileExists(".env") {
		return nil
	}
	if err := godotenv.Load(); err != nil {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// ReadInConfig reads the config file selected by Configure. A missing file in
// the search paths is not an error; a missing explicit file is.
func ReadInConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// Load decodes v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, sferrors.ErrConfigInvalid("config", err.Error())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveTo writes the configuration as YAML to path.
func (c *Config) SaveTo(path string) error {
	if err := util.WriteYAML(path, c, 0644); err != nil {
		return fmt.Errorf("save config %s: %w", path, err)
	}
	return nil
}

// Init writes the default configuration to .stepflow/config.yaml unless it
// already exists and force is false. Returns the written path.
func Init(force bool) (string, error) {
	path := filepath.Join(Dir, ConfigFileName)
	if !force && util.FileExists(path) {
		return "", fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := Default().SaveTo(path); err != nil {
		return "", err
	}
	return path, nil
}

// ValidDrivers returns the supported database drivers.
func ValidDrivers() []string {
	return []string{"sqlite", "postgres"}
}

// ValidExecutors returns the supported step executors.
func ValidExecutors() []string {
	return []string{"echo", "anthropic"}
}

// ValidLogFormats returns the supported log formats.
func ValidLogFormats() []string {
	return []string{"text", "json"}
}

// ValidLogLevels returns the supported log levels.
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks every field and reports the first problem as a
// CONFIG_INVALID error.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Engine.BaseURL)
	if err != nil || u.Host == "" {
		return sferrors.ErrConfigInvalid("engine.base_url", fmt.Sprintf("%q is not an absolute URL", c.Engine.BaseURL))
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "ws", "wss":
	default:
		return sferrors.ErrConfigInvalid("engine.base_url", fmt.Sprintf("scheme %q must be http or https", u.Scheme))
	}

	if c.Run.IdleTimeout < 0 {
		return sferrors.ErrConfigInvalid("run.idle_timeout", "must not be negative")
	}
	if c.Catalog.Timeout <= 0 {
		return sferrors.ErrConfigInvalid("catalog.timeout", "must be positive")
	}
	if c.Catalog.Retry.MaxAttempts < 1 {
		return sferrors.ErrConfigInvalid("catalog.retry.max_attempts", "must be at least 1")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return sferrors.ErrConfigInvalid("server.port", fmt.Sprintf("%d is out of range", c.Server.Port))
	}
	if !slices.Contains(ValidDrivers(), c.Database.Driver) {
		return sferrors.ErrConfigInvalid("database.driver", fmt.Sprintf("%q must be one of %s", c.Database.Driver, strings.Join(ValidDrivers(), ", ")))
	}
	if c.Database.DSN == "" {
		return sferrors.ErrConfigMissing("database.dsn")
	}
	if !slices.Contains(ValidExecutors(), c.Executor.Kind) {
		return sferrors.ErrConfigInvalid("executor.kind", fmt.Sprintf("%q must be one of %s", c.Executor.Kind, strings.Join(ValidExecutors(), ", ")))
	}
	if c.Executor.Kind == "anthropic" {
		if c.Executor.Model == "" {
			return sferrors.ErrConfigMissing("executor.model")
		}
		if c.Executor.MaxTokens <= 0 {
			return sferrors.ErrConfigInvalid("executor.max_tokens", "must be positive")
		}
		if c.Executor.RequestsPerMinute <= 0 {
			return sferrors.ErrConfigInvalid("executor.requests_per_minute", "must be positive")
		}
	}
	if !slices.Contains(ValidLogFormats(), c.Log.Format) {
		return sferrors.ErrConfigInvalid("log.format", fmt.Sprintf("%q must be text or json", c.Log.Format))
	}
	if !slices.Contains(ValidLogLevels(), c.Log.Level) {
		return sferrors.ErrConfigInvalid("log.level", fmt.Sprintf("%q must be one of %s", c.Log.Level, strings.Join(ValidLogLevels(), ", ")))
	}
	return nil
}

// AnthropicKeyPresent reports whether the Anthropic SDK will find credentials.
func AnthropicKeyPresent() bool {
	return os.Getenv("ANTHROPIC_API_KEY") != ""
}

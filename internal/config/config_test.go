package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sferrors "github.com/randalmurphal/stepflow/internal/errors"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "http://localhost:8000", cfg.Engine.BaseURL)
	assert.Equal(t, "api", cfg.Engine.PathPrefix)
	assert.Zero(t, cfg.Run.IdleTimeout)
	assert.False(t, cfg.Run.StrictChaining)
	assert.Equal(t, 10*time.Second, cfg.Catalog.Timeout)
	assert.Equal(t, 3, cfg.Catalog.Retry.MaxAttempts)
	assert.Equal(t, "127.0.0.1:8000", cfg.Server.Addr())
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "stepflow.db", cfg.Database.DSN)
	assert.Equal(t, "echo", cfg.Executor.Kind)
	assert.Equal(t, "text", cfg.Log.Format)
	require.NoError(t, cfg.Validate())
}

func TestLoad_Defaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("STEPFLOW_ENGINE_BASE_URL", "https://engine.example.com")
	t.Setenv("STEPFLOW_RUN_IDLE_TIMEOUT", "45s")
	t.Setenv("STEPFLOW_RUN_STRICT_CHAINING", "true")
	t.Setenv("STEPFLOW_SERVER_PORT", "9090")

	v := viper.New()
	Configure(v, filepath.Join(t.TempDir(), "absent.yaml"))

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "https://engine.example.com", cfg.Engine.BaseURL)
	assert.Equal(t, 45*time.Second, cfg.Run.IdleTimeout)
	assert.True(t, cfg.Run.StrictChaining)
	assert.Equal(t, 9090, cfg.Server.Port)
}

func TestSaveToAndReadBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".stepflow", "config.yaml")

	cfg := Default()
	cfg.Engine.BaseURL = "https://engine.internal"
	cfg.Run.IdleTimeout = 2 * time.Minute
	cfg.Executor.Kind = "anthropic"
	require.NoError(t, cfg.SaveTo(path))

	v := viper.New()
	Configure(v, path)
	require.NoError(t, ReadInConfig(v))
	assert.Equal(t, path, v.ConfigFileUsed())

	loaded, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestReadInConfig(t *testing.T) {
	t.Run("search path miss is fine", func(t *testing.T) {
		t.Chdir(t.TempDir())
		v := viper.New()
		Configure(v, "")
		assert.NoError(t, ReadInConfig(v))
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("engine: [unclosed"), 0644))
		v := viper.New()
		Configure(v, path)
		assert.Error(t, ReadInConfig(v))
	})
}

func TestInit(t *testing.T) {
	t.Chdir(t.TempDir())

	path, err := Init(false)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(Dir, ConfigFileName), path)
	assert.FileExists(t, path)

	_, err = Init(false)
	assert.Error(t, err, "second init without force must not overwrite")

	_, err = Init(true)
	assert.NoError(t, err)
}

func TestLoadDotEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	require.NoError(t, LoadDotEnv(), "missing .env is not an error")

	require.NoError(t, os.WriteFile(".env", []byte("STEPFLOW_TEST_DOTENV=from-file\n"), 0600))
	t.Setenv("STEPFLOW_TEST_DOTENV", "")
	require.NoError(t, os.Unsetenv("STEPFLOW_TEST_DOTENV"))
	require.NoError(t, LoadDotEnv())
	assert.Equal(t, "from-file", os.Getenv("STEPFLOW_TEST_DOTENV"))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{"relative base url", func(c *Config) { c.Engine.BaseURL = "localhost:8000" }, "engine.base_url"},
		{"ftp base url", func(c *Config) { c.Engine.BaseURL = "ftp://host" }, "engine.base_url"},
		{"negative idle timeout", func(c *Config) { c.Run.IdleTimeout = -time.Second }, "run.idle_timeout"},
		{"zero catalog timeout", func(c *Config) { c.Catalog.Timeout = 0 }, "catalog.timeout"},
		{"zero attempts", func(c *Config) { c.Catalog.Retry.MaxAttempts = 0 }, "catalog.retry.max_attempts"},
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, "database.driver"},
		{"missing dsn", func(c *Config) { c.Database.DSN = "" }, "database.dsn"},
		{"unknown executor", func(c *Config) { c.Executor.Kind = "openai" }, "executor.kind"},
		{"anthropic without tokens", func(c *Config) {
			c.Executor.Kind = "anthropic"
			c.Executor.MaxTokens = 0
		}, "executor.max_tokens"},
		{"unknown log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"unknown log level", func(c *Config) { c.Log.Level = "trace" }, "log.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			sfErr := sferrors.AsError(err)
			require.NotNil(t, sfErr)
			assert.Contains(t, []sferrors.Code{sferrors.CodeConfigInvalid, sferrors.CodeConfigMissing}, sfErr.Code)
			assert.Contains(t, sfErr.What, tt.field)
		})
	}
}

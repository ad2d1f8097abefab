package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))

	return configPath
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
global:
  log_level: ""
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Global.LogLevel)
	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "./llmrace.db", cfg.Database.SQLite.Path)
	assert.Equal(t, DefaultToolLoopLimit, cfg.Engine.ToolLoopLimit)
	assert.Equal(t, 400*time.Millisecond, cfg.Telemetry.PollIntervalDuration())
	assert.Equal(t, 10*time.Second, cfg.Telemetry.HeartbeatIntervalDuration())
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	path := writeConfig(t, `
global:
  log_level: info
server:
  listen: ":9999"
database:
  driver: sqlite
  sqlite:
    path: ./test.db
`)

	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name:    "no env vars uses yaml values",
			envVars: map[string]string{},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "info", cfg.Global.LogLevel)
				assert.Equal(t, ":9999", cfg.Server.Listen)
			},
		},
		{
			name: "string override - log_level",
			envVars: map[string]string{
				"LLMRACE_GLOBAL_LOG_LEVEL": "debug",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "debug", cfg.Global.LogLevel)
			},
		},
		{
			name: "string override - sqlite path",
			envVars: map[string]string{
				"LLMRACE_DATABASE_SQLITE_PATH": "/tmp/other.db",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "/tmp/other.db", cfg.Database.SQLite.Path)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg, err := Load(path)
			require.NoError(t, err)
			tt.validate(t, cfg)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:   "valid defaults",
			mutate: func(cfg *Config) {},
		},
		{
			name: "unknown driver",
			mutate: func(cfg *Config) {
				cfg.Database.Driver = "oracle"
			},
			wantErr: "unsupported database driver",
		},
		{
			name: "bad poll interval",
			mutate: func(cfg *Config) {
				cfg.Telemetry.PollInterval = "soon"
			},
			wantErr: "poll_interval",
		},
		{
			name: "seed car references unknown connection",
			mutate: func(cfg *Config) {
				cfg.Seeds = &SeedConfig{
					Cars: []SeedCar{{Name: "c1", Connection: "nope", ModelName: "m"}},
				}
			},
			wantErr: "unknown connection",
		},
		{
			name: "duplicate test order index",
			mutate: func(cfg *Config) {
				cfg.Seeds = &SeedConfig{
					Suites: []SeedSuite{{
						Name:     "s",
						Category: "general",
						Tests: []SeedTest{
							{Name: "a", OrderIndex: 1, UserPrompt: "p"},
							{Name: "b", OrderIndex: 1, UserPrompt: "q"},
						},
					}},
				}
			},
			wantErr: "duplicate order_index",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.applyDefaults()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

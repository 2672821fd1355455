package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kychandar/changecast/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_WithConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeConfig(t, tmpDir, "config.yaml", `
server:
  host: "127.0.0.1"
  port: 9090
  allowed_origins:
    - "https://app.example.com"
pubsub:
  enabled: true
  url: "nats://test:4222"
roomStore:
  enabled: true
  addr:
    - "valkey1:6379"
    - "valkey2:6379"
channel:
  rooms: ["resources", "news"]
`)

	cfg, err := Load(configPath, "")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Server.AllowedOrigins)
	assert.True(t, cfg.PubSub.Enabled)
	assert.Equal(t, "nats://test:4222", cfg.PubSub.URL)
	assert.True(t, cfg.RoomStore.Enabled)
	assert.Equal(t, []string{"valkey1:6379", "valkey2:6379"}, cfg.RoomStore.Addr)
	assert.Equal(t, []common.RoomName{"resources", "news"}, cfg.Channel.RoomNames())
}

func TestLoad_WithDefaults(t *testing.T) {
	configPath := writeConfig(t, t.TempDir(), "config.yaml", "")

	cfg, err := Load(configPath, "")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 5, cfg.Channel.ReconnectionAttempts)
	assert.Equal(t, time.Second, cfg.Channel.ReconnectionDelay())
	assert.Equal(t, 5*time.Second, cfg.Channel.ReconnectionDelayMax())
	assert.Equal(t, 20*time.Second, cfg.Channel.Timeout())
	assert.Equal(t, []common.RoomName{common.RoomResources}, cfg.Channel.RoomNames())
	assert.Equal(t, common.DefaultEntities, cfg.Channel.Entities)
	assert.True(t, cfg.Channel.StrictEventNames)
	assert.Equal(t, DriverMemory, cfg.Database.Driver)
	assert.False(t, cfg.PubSub.Enabled)
	assert.False(t, cfg.RoomStore.Enabled)
	assert.True(t, cfg.Health.Enabled)
	assert.Equal(t, "/health/ready", cfg.Health.ReadinessPath)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_ChannelURLDefaulting(t *testing.T) {
	t.Run("development derives local endpoint", func(t *testing.T) {
		configPath := writeConfig(t, t.TempDir(), "config.yaml", "server:\n  port: 7000\n")
		cfg, err := Load(configPath, "development")
		require.NoError(t, err)
		assert.Equal(t, "ws://localhost:7000/ws", cfg.Channel.URL)
	})

	t.Run("tls uses wss", func(t *testing.T) {
		configPath := writeConfig(t, t.TempDir(), "config.yaml", "server:\n  port: 8443\n  tls:\n    enabled: true\n")
		cfg, err := Load(configPath, "")
		require.NoError(t, err)
		assert.Equal(t, "wss://localhost:8443/ws", cfg.Channel.URL)
	})

	t.Run("production loads without endpoint", func(t *testing.T) {
		configPath := writeConfig(t, t.TempDir(), "config.yaml", "")
		cfg, err := Load(configPath, "prod")
		require.NoError(t, err)
		assert.Empty(t, cfg.Channel.URL)
		assert.ErrorIs(t, cfg.RequireChannelURL(), ErrMissingChannelURL)
	})

	t.Run("explicit endpoint kept", func(t *testing.T) {
		configPath := writeConfig(t, t.TempDir(), "config.yaml", "channel:\n  url: wss://changes.example.com/ws\n")
		cfg, err := Load(configPath, "prod")
		require.NoError(t, err)
		assert.Equal(t, "wss://changes.example.com/ws", cfg.Channel.URL)
		assert.NoError(t, cfg.RequireChannelURL())
		assert.False(t, cfg.Channel.StrictEventNames)
		assert.Equal(t, "prod", cfg.Env)
	})
}

func TestLoad_WithEnvironmentFileMerge(t *testing.T) {
	tmpDir := t.TempDir()
	writeConfig(t, tmpDir, "config.yaml", `
server:
  host: "localhost"
  port: 8080
pubsub:
  url: "nats://localhost:4222"
`)
	writeConfig(t, tmpDir, "config.prod.yaml", `
server:
  port: 9090
pubsub:
  url: "nats://prod:4222"
channel:
  url: "wss://prod.example.com/ws"
`)

	originalWd, _ := os.Getwd()
	require.NoError(t, os.Chdir(tmpDir))
	defer os.Chdir(originalWd)

	cfg, err := Load("", "prod")
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "nats://prod:4222", cfg.PubSub.URL)
	assert.Equal(t, "wss://prod.example.com/ws", cfg.Channel.URL)
}

func TestLoad_EnvironmentFileNextToExplicitPath(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeConfig(t, tmpDir, "config.yaml", "server:\n  port: 8080\n")
	writeConfig(t, tmpDir, "config.staging.yaml", "server:\n  port: 8181\nchannel:\n  url: ws://staging/ws\n")

	cfg, err := Load(configPath, "staging")
	require.NoError(t, err)
	assert.Equal(t, 8181, cfg.Server.Port)
}

func TestLoad_EnvironmentVariableOverride(t *testing.T) {
	configPath := writeConfig(t, t.TempDir(), "config.yaml", "server:\n  host: localhost\n  port: 8080\n")

	t.Setenv("CHANGECAST_SERVER_PORT", "3000")
	t.Setenv("CHANGECAST_CHANNEL_RECONNECTION_ATTEMPTS", "2")
	t.Setenv("CHANGECAST_DATABASE_DRIVER", "mysql")
	t.Setenv("CHANGECAST_DATABASE_DSN", "user:pass@tcp(db:3306)/changecast")

	cfg, err := Load(configPath, "")
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 2, cfg.Channel.ReconnectionAttempts)
	assert.Equal(t, DriverMySQL, cfg.Database.Driver)
	assert.Equal(t, "ws://localhost:3000/ws", cfg.Channel.URL)
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errPart string
	}{
		{name: "negative attempts", content: "channel:\n  reconnection_attempts: -1\n", errPart: "reconnection_attempts"},
		{name: "zero delay", content: "channel:\n  reconnection_delay_ms: 0\n", errPart: "reconnection_delay_ms"},
		{name: "max below base", content: "channel:\n  reconnection_delay_ms: 3000\n  reconnection_delay_max_ms: 1000\n", errPart: "reconnection_delay_max_ms"},
		{name: "zero timeout", content: "channel:\n  timeout_ms: 0\n", errPart: "timeout_ms"},
		{name: "mysql without dsn", content: "database:\n  driver: mysql\n", errPart: "database.dsn"},
		{name: "unknown driver", content: "database:\n  driver: sqlite\n", errPart: "sqlite"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := writeConfig(t, t.TempDir(), "config.yaml", tt.content)
			cfg, err := Load(configPath, "")
			require.Error(t, err)
			assert.Nil(t, cfg)
			assert.Contains(t, err.Error(), tt.errPart)
		})
	}
}

func TestLoad_NonExistentConfigFile(t *testing.T) {
	cfg, err := Load("/nonexistent/config.yaml", "")
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "error reading config")
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, t.TempDir(), "config.yaml", `
server:
  host: "localhost"
  port: invalid_port
  this is not valid yaml
`)

	cfg, err := Load(configPath, "")
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestIsDevelopment(t *testing.T) {
	for _, env := range []string{"", "dev", "development", "Development", "local"} {
		assert.True(t, IsDevelopment(env), env)
	}
	for _, env := range []string{"prod", "production", "staging"} {
		assert.False(t, IsDevelopment(env), env)
	}
}

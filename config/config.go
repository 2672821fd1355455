package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kychandar/changecast/common"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"

	DriverMemory = "memory"
	DriverMySQL  = "mysql"
)

var ErrMissingChannelURL = errors.New("channel.url must be set outside development")

type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
	CAFile   string `mapstructure:"ca_file"`
}

// ChannelConfig configures the client side of the change channel.
type ChannelConfig struct {
	URL                    string   `mapstructure:"url"`
	ReconnectionAttempts   int      `mapstructure:"reconnection_attempts"`
	ReconnectionDelayMs    int      `mapstructure:"reconnection_delay_ms"`
	ReconnectionDelayMaxMs int      `mapstructure:"reconnection_delay_max_ms"`
	TimeoutMs              int      `mapstructure:"timeout_ms"`
	Rooms                  []string `mapstructure:"rooms"`
	Entities               []string `mapstructure:"entities"`
	StrictEventNames       bool     `mapstructure:"strict_event_names"`
}

func (c ChannelConfig) ReconnectionDelay() time.Duration {
	return time.Duration(c.ReconnectionDelayMs) * time.Millisecond
}

func (c ChannelConfig) ReconnectionDelayMax() time.Duration {
	return time.Duration(c.ReconnectionDelayMaxMs) * time.Millisecond
}

func (c ChannelConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c ChannelConfig) RoomNames() []common.RoomName {
	rooms := make([]common.RoomName, 0, len(c.Rooms))
	for _, r := range c.Rooms {
		rooms = append(rooms, common.RoomName(r))
	}
	return rooms
}

type Config struct {
	Env    string `mapstructure:"-"`
	Server struct {
		Host            string    `mapstructure:"host"`
		Port            int       `mapstructure:"port"`
		TLS             TLSConfig `mapstructure:"tls"`
		ShutdownTimeout int       `mapstructure:"shutdown_timeout"` // seconds
		NodeID          string    `mapstructure:"node_id"`
		AllowedOrigins  []string  `mapstructure:"allowed_origins"`
		WriteQueueSize  int       `mapstructure:"write_queue_size"`
		PingPeriod      int       `mapstructure:"ping_period"` // seconds
	} `mapstructure:"server"`
	Channel ChannelConfig `mapstructure:"channel"`
	PubSub  struct {
		Enabled  bool      `mapstructure:"enabled"`
		Provider string    `mapstructure:"provider"`
		URL      string    `mapstructure:"url"`
		TLS      TLSConfig `mapstructure:"tls"`
	} `mapstructure:"pubsub"`
	RoomStore struct {
		Enabled bool     `mapstructure:"enabled"`
		Addr    []string `mapstructure:"addr"`
	} `mapstructure:"roomStore"`
	Database struct {
		Driver string `mapstructure:"driver"`
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"database"`
	Health struct {
		Enabled       bool   `mapstructure:"enabled"`
		ReadinessPath string `mapstructure:"readiness_path"`
		LivenessPath  string `mapstructure:"liveness_path"`
	} `mapstructure:"health"`
	Metrics struct {
		Enabled bool   `mapstructure:"enabled"`
		Path    string `mapstructure:"path"`
	} `mapstructure:"metrics"`
	Log struct {
		File  string `mapstructure:"file"`
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
}

// IsDevelopment treats an unset environment as development.
func IsDevelopment(env string) bool {
	switch strings.ToLower(env) {
	case "", "dev", EnvDevelopment, "local":
		return true
	}
	return false
}

func setDefaults(v *viper.Viper, env string) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 30)
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.node_id", "")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.write_queue_size", 256)
	v.SetDefault("server.ping_period", 25)

	v.SetDefault("channel.url", "")
	v.SetDefault("channel.reconnection_attempts", 5)
	v.SetDefault("channel.reconnection_delay_ms", 1000)
	v.SetDefault("channel.reconnection_delay_max_ms", 5000)
	v.SetDefault("channel.timeout_ms", 20000)
	v.SetDefault("channel.rooms", []string{string(common.RoomResources)})
	v.SetDefault("channel.entities", common.DefaultEntities)
	v.SetDefault("channel.strict_event_names", IsDevelopment(env))

	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.provider", "nats")
	v.SetDefault("pubsub.url", "nats://127.0.0.1:4222")
	v.SetDefault("pubsub.tls.enabled", false)

	v.SetDefault("roomStore.enabled", false)
	v.SetDefault("roomStore.addr", []string{"127.0.0.1:6379"})

	v.SetDefault("database.driver", DriverMemory)
	v.SetDefault("database.dsn", "")

	v.SetDefault("health.enabled", true)
	v.SetDefault("health.readiness_path", "/health/ready")
	v.SetDefault("health.liveness_path", "/health/live")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("log.file", "changecast.log")
	v.SetDefault("log.level", "info")
}

func Load(cfgFile, env string) (*Config, error) {
	v := viper.New()
	setDefaults(v, env)

	// If config file passed via CLI flag
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// Read main config
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config: %w", err)
	}

	// Merge environment-specific config (config.prod.yaml, etc.) found next to the main one
	if env != "" {
		used := v.ConfigFileUsed()
		ext := filepath.Ext(used)
		envFile := filepath.Join(filepath.Dir(used), fmt.Sprintf("config.%s%s", env, ext))
		if _, err := os.Stat(envFile); err == nil {
			v.SetConfigFile(envFile)
			if err := v.MergeInConfig(); err != nil {
				return nil, fmt.Errorf("error merging %s: %w", envFile, err)
			}
		}
	}

	// Environment overrides
	v.SetEnvPrefix("CHANGECAST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}
	cfg.Env = env

	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// RequireChannelURL reports ErrMissingChannelURL when no channel endpoint is set. Only
// the client side needs one; development derives it from the server port.
func (c *Config) RequireChannelURL() error {
	if c.Channel.URL == "" {
		return fmt.Errorf("env %q: %w", c.Env, ErrMissingChannelURL)
	}
	return nil
}

// resolve fills derived values and rejects settings the services cannot run with.
func (c *Config) resolve() error {
	if c.Channel.URL == "" && IsDevelopment(c.Env) {
		scheme := "ws"
		if c.Server.TLS.Enabled {
			scheme = "wss"
		}
		c.Channel.URL = fmt.Sprintf("%s://localhost:%d/ws", scheme, c.Server.Port)
	}

	var errs []error
	if c.Channel.ReconnectionAttempts < 0 {
		errs = append(errs, errors.New("channel.reconnection_attempts must not be negative"))
	}
	if c.Channel.ReconnectionDelayMs <= 0 {
		errs = append(errs, errors.New("channel.reconnection_delay_ms must be positive"))
	}
	if c.Channel.ReconnectionDelayMaxMs < c.Channel.ReconnectionDelayMs {
		errs = append(errs, errors.New("channel.reconnection_delay_max_ms must not be below channel.reconnection_delay_ms"))
	}
	if c.Channel.TimeoutMs <= 0 {
		errs = append(errs, errors.New("channel.timeout_ms must be positive"))
	}
	switch c.Database.Driver {
	case DriverMemory:
	case DriverMySQL:
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required for the mysql driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown database.driver %q", c.Database.Driver))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

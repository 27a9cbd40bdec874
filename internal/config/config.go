// Package config provides YAML-based configuration loading for udpecho.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/PeernetOfficial/udpstream"
)

// Config is the root application configuration.
type Config struct {
	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`

	// Server configures the echo server
	Server ServerConfig `mapstructure:"server"`

	// Bench configures the echo benchmark client
	Bench BenchConfig `mapstructure:"bench"`

	// Stream tunes the udpstream listener and dialer
	Stream StreamConfig `mapstructure:"stream"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool `mapstructure:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// ServerConfig configures the echo server.
type ServerConfig struct {
	Listen string `mapstructure:"listen"`
	// IdleTimeoutMS closes a stream that has been silent this long; 0 disables it
	IdleTimeoutMS int `mapstructure:"idle_timeout_ms"`
}

// BenchConfig configures the echo benchmark.
type BenchConfig struct {
	Server      string `mapstructure:"server"`
	Clients     int    `mapstructure:"clients"`
	Rounds      int    `mapstructure:"rounds"`
	PayloadSize int    `mapstructure:"payload_size"`
	TimeoutMS   int    `mapstructure:"timeout_ms"`
	Progress    bool   `mapstructure:"progress"`
}

// StreamConfig mirrors udpstream.Config.
type StreamConfig struct {
	BufferUnit      int  `mapstructure:"buffer_unit"`
	BufferGrowUnits int  `mapstructure:"buffer_grow_units"`
	QueueLen        int  `mapstructure:"queue_len"`
	AcceptBacklog   int  `mapstructure:"accept_backlog"`
	ReadBatch       int  `mapstructure:"read_batch"`
	StreamMode      bool `mapstructure:"stream_mode"`
	ReusePort       bool `mapstructure:"reuse_port"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	sc := udpstream.DefaultConfig()
	return &Config{
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stderr"},
			Development: false,
			Rotation: RotationConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Server: ServerConfig{
			Listen:        "127.0.0.1:20007",
			IdleTimeoutMS: 10000,
		},
		Bench: BenchConfig{
			Server:      "127.0.0.1:20007",
			Clients:     10,
			Rounds:      20,
			PayloadSize: 256,
			TimeoutMS:   1000,
		},
		Stream: StreamConfig{
			BufferUnit:      sc.BufferUnit,
			BufferGrowUnits: sc.BufferGrowUnits,
			QueueLen:        sc.QueueLen,
			AcceptBacklog:   sc.AcceptBacklog,
			ReadBatch:       sc.ReadBatch,
		},
	}
}

// Load reads configuration from path (YAML). An empty path searches
// ./udpecho.yaml, ./configs and ~/.udpecho; a missing file is not an error.
// UDPECHO_* environment variables override file values.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("UDPECHO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("server.listen", cfg.Server.Listen)
	v.SetDefault("server.idle_timeout_ms", cfg.Server.IdleTimeoutMS)
	v.SetDefault("bench.server", cfg.Bench.Server)
	v.SetDefault("bench.clients", cfg.Bench.Clients)
	v.SetDefault("bench.rounds", cfg.Bench.Rounds)
	v.SetDefault("bench.payload_size", cfg.Bench.PayloadSize)
	v.SetDefault("bench.timeout_ms", cfg.Bench.TimeoutMS)
	v.SetDefault("bench.progress", cfg.Bench.Progress)
	v.SetDefault("stream.buffer_unit", cfg.Stream.BufferUnit)
	v.SetDefault("stream.buffer_grow_units", cfg.Stream.BufferGrowUnits)
	v.SetDefault("stream.queue_len", cfg.Stream.QueueLen)
	v.SetDefault("stream.accept_backlog", cfg.Stream.AcceptBacklog)
	v.SetDefault("stream.read_batch", cfg.Stream.ReadBatch)
	v.SetDefault("stream.stream_mode", cfg.Stream.StreamMode)
	v.SetDefault("stream.reuse_port", cfg.Stream.ReusePort)

	if path == "" {
		if envPath := os.Getenv("UDPECHO_CONFIG"); envPath != "" {
			path = envPath
		}
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("udpecho")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".udpecho"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config")
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return errors.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}
	if c.Bench.Clients <= 0 {
		return errors.Errorf("invalid bench.clients: %d", c.Bench.Clients)
	}
	if c.Bench.Rounds <= 0 {
		return errors.Errorf("invalid bench.rounds: %d", c.Bench.Rounds)
	}
	if c.Bench.PayloadSize <= 0 || c.Bench.PayloadSize > c.Stream.BufferUnit {
		return errors.Errorf("invalid bench.payload_size: %d", c.Bench.PayloadSize)
	}
	return nil
}

// UDPStream converts the stream section into a udpstream.Config.
func (c StreamConfig) UDPStream(logger *zap.Logger, closer udpstream.Closer) udpstream.Config {
	return udpstream.Config{
		BufferUnit:      c.BufferUnit,
		BufferGrowUnits: c.BufferGrowUnits,
		QueueLen:        c.QueueLen,
		AcceptBacklog:   c.AcceptBacklog,
		ReadBatch:       c.ReadBatch,
		StreamMode:      c.StreamMode,
		ReusePort:       c.ReusePort,
		Logger:          logger,
		Closer:          closer,
	}
}

// IdleTimeout returns the server idle timeout as a duration.
func (c ServerConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMS) * time.Millisecond
}

// Timeout returns the per-round read timeout as a duration.
func (c BenchConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

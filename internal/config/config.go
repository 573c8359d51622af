package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	Runtime RuntimeConfig `mapstructure:"runtime"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Server  ServerConfig  `mapstructure:"server"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type RuntimeConfig struct {
	// MaxThreads caps push worker threads. Zero means no cap beyond the
	// allocator's cpuset.
	MaxThreads int `mapstructure:"max_threads"`
	// MinTilesPerThread is the smallest per-thread share of quads for which
	// a push is split across workers.
	MinTilesPerThread int  `mapstructure:"min_tiles_per_thread"`
	PinThreads        bool `mapstructure:"pin_threads"`
	// DeviceNUMA maps device ids to the NUMA node closest to them.
	DeviceNUMA map[int]int `mapstructure:"device_numa"`
}

type QueueConfig struct {
	WriteCombine bool          `mapstructure:"write_combine"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	PushTimeout  time.Duration `mapstructure:"push_timeout"`
	Descriptors  string        `mapstructure:"descriptors"`
}

type ServerConfig struct {
	FlightAddr      string `mapstructure:"flight_addr"`
	MetricsAddr     string `mapstructure:"metrics_addr"`
	MaxMessageBytes int    `mapstructure:"max_message_bytes"`
}

func Default() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "console"},
		Runtime: RuntimeConfig{
			MaxThreads:        8,
			MinTilesPerThread: 32,
			PinThreads:        false,
			DeviceNUMA:        map[int]int{},
		},
		Queue: QueueConfig{
			WriteCombine: true,
			PollInterval: 0,
			PushTimeout:  30 * time.Second,
			Descriptors:  "queues.yaml",
		},
		Server: ServerConfig{
			FlightAddr:      "localhost:8815",
			MetricsAddr:     ":9090",
			MaxMessageBytes: 256 << 20,
		},
	}
}

func (c *Config) Validate() error {
	if c.Runtime.MaxThreads < 0 {
		return fmt.Errorf("invalid max_threads: %d (must be non-negative)", c.Runtime.MaxThreads)
	}
	if c.Runtime.MinTilesPerThread < 1 {
		return fmt.Errorf("invalid min_tiles_per_thread: %d (must be positive)", c.Runtime.MinTilesPerThread)
	}
	for dev, node := range c.Runtime.DeviceNUMA {
		if dev < 0 || node < 0 {
			return fmt.Errorf("invalid device_numa entry %d -> %d", dev, node)
		}
	}
	if c.Queue.PollInterval < 0 {
		return fmt.Errorf("invalid poll_interval: %v (must be non-negative)", c.Queue.PollInterval)
	}
	if c.Queue.PushTimeout < 0 {
		return fmt.Errorf("invalid push_timeout: %v (must be non-negative)", c.Queue.PushTimeout)
	}
	if c.Server.MaxMessageBytes <= 0 {
		return fmt.Errorf("invalid max_message_bytes: %d (must be positive)", c.Server.MaxMessageBytes)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "console", "":
	default:
		return fmt.Errorf("invalid log format %q", c.Log.Format)
	}
	return nil
}

type LoadOptions struct {
	Flags      *pflag.FlagSet
	ConfigFile string
	Defaults   Config
}

func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.String("log-level", defaults.Log.Level, "Log level (debug, info, warn, error)")
	fs.String("log-format", defaults.Log.Format, "Log format (console or json)")
	fs.Int("runtime-max-threads", defaults.Runtime.MaxThreads, "Maximum push worker threads")
	fs.Int("runtime-min-tiles-per-thread", defaults.Runtime.MinTilesPerThread, "Minimum quads per worker before a push is split")
	fs.Bool("runtime-pin-threads", defaults.Runtime.PinThreads, "Pin worker threads to the device's NUMA node")
	fs.Bool("queue-write-combine", defaults.Queue.WriteCombine, "Stage quads on the host and spill them in blocks")
	fs.Duration("queue-poll-interval", defaults.Queue.PollInterval, "Sleep between queue space polls (0 spins)")
	fs.Duration("queue-push-timeout", defaults.Queue.PushTimeout, "Backpressure timeout per push (0 waits forever)")
	fs.String("queue-descriptors", defaults.Queue.Descriptors, "Queue descriptor YAML file")
	fs.String("server-flight-addr", defaults.Server.FlightAddr, "Arrow Flight ingest address")
	fs.String("server-metrics-addr", defaults.Server.MetricsAddr, "Metrics and health address")
	fs.Int("server-max-message-bytes", defaults.Server.MaxMessageBytes, "Maximum gRPC message size")
}

var aliases = map[string]string{
	"log.level":                    "log-level",
	"log.format":                   "log-format",
	"runtime.max_threads":          "runtime-max-threads",
	"runtime.min_tiles_per_thread": "runtime-min-tiles-per-thread",
	"runtime.pin_threads":          "runtime-pin-threads",
	"queue.write_combine":          "queue-write-combine",
	"queue.poll_interval":          "queue-poll-interval",
	"queue.push_timeout":           "queue-push-timeout",
	"queue.descriptors":            "queue-descriptors",
	"server.flight_addr":           "server-flight-addr",
	"server.metrics_addr":          "server-metrics-addr",
	"server.max_message_bytes":     "server-max-message-bytes",
}

// Load resolves configuration from defaults, an optional config file,
// TILIZE_* environment variables and flags, in increasing precedence.
func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)
	if opts.Flags != nil {
		for key, flag := range aliases {
			if f := opts.Flags.Lookup(flag); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("bind flag %s: %w", flag, err)
				}
			}
		}
	}

	v.SetEnvPrefix("TILIZE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("tilize")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Runtime.DeviceNUMA == nil {
		cfg.Runtime.DeviceNUMA = map[int]int{}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("log.level", c.Log.Level)
	v.SetDefault("log.format", c.Log.Format)
	v.SetDefault("runtime.max_threads", c.Runtime.MaxThreads)
	v.SetDefault("runtime.min_tiles_per_thread", c.Runtime.MinTilesPerThread)
	v.SetDefault("runtime.pin_threads", c.Runtime.PinThreads)
	v.SetDefault("runtime.device_numa", c.Runtime.DeviceNUMA)
	v.SetDefault("queue.write_combine", c.Queue.WriteCombine)
	v.SetDefault("queue.poll_interval", c.Queue.PollInterval)
	v.SetDefault("queue.push_timeout", c.Queue.PushTimeout)
	v.SetDefault("queue.descriptors", c.Queue.Descriptors)
	v.SetDefault("server.flight_addr", c.Server.FlightAddr)
	v.SetDefault("server.metrics_addr", c.Server.MetricsAddr)
	v.SetDefault("server.max_message_bytes", c.Server.MaxMessageBytes)
}

package modhost

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/golobby/cast"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from "500ms" style strings
// in every supported config format.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, used by the TOML
// decoder and the env override pass.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// UnmarshalYAML accepts either a duration string or a bare number of
// nanoseconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		return d.UnmarshalText([]byte(v))
	case int:
		*d = Duration(v)
		return nil
	case float64:
		*d = Duration(v)
		return nil
	default:
		return fmt.Errorf("cannot parse %v as duration", raw)
	}
}

// Config is the host configuration. Values load from a YAML or TOML file
// over the defaults, then env vars override individual fields.
type Config struct {
	Log     LogConfig     `yaml:"log" toml:"log"`
	Bus     BusConfig     `yaml:"bus" toml:"bus"`
	Redis   RedisConfig   `yaml:"redis" toml:"redis"`
	Server  ServerConfig  `yaml:"server" toml:"server"`
	Watcher WatcherConfig `yaml:"watcher" toml:"watcher"`
	Workers WorkersConfig `yaml:"workers" toml:"workers"`
	Modules ModulesConfig `yaml:"modules" toml:"modules"`
}

type LogConfig struct {
	Level  string `yaml:"level" toml:"level" env:"MODHOST_LOG_LEVEL"`
	Format string `yaml:"format" toml:"format" env:"MODHOST_LOG_FORMAT"`
}

type BusConfig struct {
	AsyncBufferSize int      `yaml:"asyncBufferSize" toml:"async_buffer_size" env:"MODHOST_BUS_ASYNC_BUFFER"`
	RequestTimeout  Duration `yaml:"requestTimeout" toml:"request_timeout" env:"MODHOST_BUS_REQUEST_TIMEOUT"`
}

type RedisConfig struct {
	Enabled       bool   `yaml:"enabled" toml:"enabled" env:"MODHOST_REDIS_ENABLED"`
	URL           string `yaml:"url" toml:"url" env:"MODHOST_REDIS_URL"`
	ChannelPrefix string `yaml:"channelPrefix" toml:"channel_prefix" env:"MODHOST_REDIS_PREFIX"`
}

type ServerConfig struct {
	Enabled         bool     `yaml:"enabled" toml:"enabled" env:"MODHOST_SERVER_ENABLED"`
	Addr            string   `yaml:"addr" toml:"addr" env:"MODHOST_SERVER_ADDR"`
	ReadTimeout     Duration `yaml:"readTimeout" toml:"read_timeout" env:"MODHOST_SERVER_READ_TIMEOUT"`
	WriteTimeout    Duration `yaml:"writeTimeout" toml:"write_timeout" env:"MODHOST_SERVER_WRITE_TIMEOUT"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout" toml:"shutdown_timeout" env:"MODHOST_SERVER_SHUTDOWN_TIMEOUT"`
}

type WatcherConfig struct {
	Enabled  bool     `yaml:"enabled" toml:"enabled" env:"MODHOST_WATCHER_ENABLED"`
	Debounce Duration `yaml:"debounce" toml:"debounce" env:"MODHOST_WATCHER_DEBOUNCE"`
}

type WorkersConfig struct {
	Heartbeat      Duration `yaml:"heartbeat" toml:"heartbeat" env:"MODHOST_WORKER_HEARTBEAT"`
	ChangeScanCron string   `yaml:"changeScanCron" toml:"change_scan_cron" env:"MODHOST_WORKER_CHANGE_SCAN_CRON"`
}

type ModulesConfig struct {
	// Sources maps module names to the file or directory their change
	// fingerprints are taken from.
	Sources map[string]string `yaml:"sources" toml:"sources"`
	// Autoload lists modules loaded at startup, in order.
	Autoload []string `yaml:"autoload" toml:"autoload"`
	// Config holds per-module sections handed to Configurable modules.
	Config          map[string]map[string]any `yaml:"config" toml:"config"`
	TeardownTimeout Duration                  `yaml:"teardownTimeout" toml:"teardown_timeout" env:"MODHOST_MODULE_TEARDOWN_TIMEOUT"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Bus: BusConfig{
			AsyncBufferSize: defaultAsyncBufferSize,
			RequestTimeout:  Duration(DefaultRequestTimeout),
		},
		Redis: RedisConfig{
			URL:           "redis://localhost:6379/0",
			ChannelPrefix: DefaultChannelPrefix,
		},
		Server: ServerConfig{
			Enabled:         true,
			Addr:            ":8080",
			ReadTimeout:     Duration(15 * time.Second),
			WriteTimeout:    Duration(15 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Watcher: WatcherConfig{Debounce: Duration(DefaultDebounce)},
		Workers: WorkersConfig{
			Heartbeat:      Duration(30 * time.Second),
			ChangeScanCron: "@every 1m",
		},
		Modules: ModulesConfig{
			TeardownTimeout: Duration(DefaultTeardownTimeout),
		},
	}
}

// LoadConfig builds the configuration: defaults, then the file at path
// when given (format by extension), then env var overrides, then
// validation.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		switch ext := strings.ToLower(filepath.Ext(path)); ext {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(raw, cfg); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
		case ".toml":
			if err := toml.Unmarshal(raw, cfg); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedConfigFormat, ext)
		}
	}
	if err := applyEnvOverrides(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides walks the struct and replaces any field whose env tag
// names a set variable.
func applyEnvOverrides(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fv := v.Field(i)
		if fv.Kind() == reflect.Struct {
			if err := applyEnvOverrides(fv); err != nil {
				return err
			}
			continue
		}
		name := field.Tag.Get("env")
		if name == "" {
			continue
		}
		raw, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		if field.Type == reflect.TypeOf(Duration(0)) {
			parsed, err := time.ParseDuration(raw)
			if err != nil {
				return fmt.Errorf("env %s: %w", name, err)
			}
			fv.SetInt(int64(parsed))
			continue
		}
		converted, err := cast.FromType(raw, field.Type)
		if err != nil {
			return fmt.Errorf("env %s: %w", name, err)
		}
		fv.Set(reflect.ValueOf(converted).Convert(field.Type))
	}
	return nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log format must be text or json, got %q", c.Log.Format)
	}
	if c.Redis.Enabled && c.Redis.URL == "" {
		return fmt.Errorf("redis enabled but no url configured")
	}
	if c.Server.Enabled && c.Server.Addr == "" {
		return fmt.Errorf("server enabled but no listen address configured")
	}
	if c.Bus.AsyncBufferSize <= 0 {
		return fmt.Errorf("bus async buffer size must be positive, got %d", c.Bus.AsyncBufferSize)
	}
	return nil
}

// NewLogger builds an slog logger per the log section.
func (c LogConfig) NewLogger() *slog.Logger {
	var level slog.Level
	switch c.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if c.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

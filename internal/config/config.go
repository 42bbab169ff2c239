// Package config loads the controller configuration from defaults, an
// optional YAML file and AGENTPLANE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/VerteraIO/agentplane/internal/controlplane/reconciler"
	"github.com/VerteraIO/agentplane/internal/controlplane/scheduler"
	"github.com/VerteraIO/agentplane/internal/logging"
)

const EnvPrefix = "AGENTPLANE"

type Config struct {
	HTTP       HTTPConfig        `mapstructure:"http" yaml:"http"`
	GRPC       GRPCConfig        `mapstructure:"grpc" yaml:"grpc"`
	Log        logging.Config    `mapstructure:"log" yaml:"log"`
	Store      StoreConfig       `mapstructure:"store" yaml:"store"`
	Redis      RedisConfig       `mapstructure:"redis" yaml:"redis"`
	Lease      LeaseConfig       `mapstructure:"lease" yaml:"lease"`
	Reconciler reconciler.Config `mapstructure:"reconciler" yaml:"reconciler"`
	Scheduler  scheduler.Policy  `mapstructure:"scheduler" yaml:"scheduler"`
}

type HTTPConfig struct {
	Addr           string        `mapstructure:"addr" yaml:"addr"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	// RateLimit is the sustained requests per second allowed on mutating
	// endpoints. Zero disables limiting.
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst" yaml:"rate_burst"`
}

type GRPCConfig struct {
	Enabled bool      `mapstructure:"enabled" yaml:"enabled"`
	Addr    string    `mapstructure:"addr" yaml:"addr"`
	TLS     TLSConfig `mapstructure:"tls" yaml:"tls"`
}

// TLSConfig enables mutual TLS when all three paths are set.
type TLSConfig struct {
	CACert string `mapstructure:"ca_cert" yaml:"ca_cert"`
	Cert   string `mapstructure:"cert" yaml:"cert"`
	Key    string `mapstructure:"key" yaml:"key"`
}

func (t TLSConfig) Enabled() bool { return t.CACert != "" || t.Cert != "" || t.Key != "" }

// StoreConfig selects where engine snapshots are persisted: memory, postgres or sqlite.
type StoreConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"`
	DSN    string `mapstructure:"dsn" yaml:"dsn"`
}

// RedisConfig enables event mirroring to Redis pub/sub when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
	Channel  string `mapstructure:"channel" yaml:"channel"`
	Buffer   int    `mapstructure:"buffer" yaml:"buffer"`
}

// LeaseConfig enables signed assignment leases when Secret is set.
type LeaseConfig struct {
	Secret string        `mapstructure:"secret" yaml:"secret"`
	TTL    time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:           ":8080",
			RequestTimeout: 60 * time.Second,
			RateLimit:      50,
			RateBurst:      100,
		},
		GRPC:       GRPCConfig{Enabled: true, Addr: ":9090"},
		Log:        logging.DefaultConfig(),
		Store:      StoreConfig{Driver: "memory"},
		Redis:      RedisConfig{Channel: "agentplane:events", Buffer: 256},
		Lease:      LeaseConfig{TTL: 4 * time.Hour},
		Reconciler: reconciler.DefaultConfig(),
		Scheduler:  scheduler.DefaultPolicy(),
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.HTTP.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("http.request_timeout must be positive, got %s", c.HTTP.RequestTimeout))
	}
	if c.HTTP.RateLimit < 0 || (c.HTTP.RateLimit > 0 && c.HTTP.RateBurst < 1) {
		errs = append(errs, errors.New("http.rate_limit must be >= 0 and rate_burst >= 1 when limiting"))
	}
	if c.GRPC.Enabled && c.GRPC.Addr == "" {
		errs = append(errs, errors.New("grpc.addr is required when grpc is enabled"))
	}
	if t := c.GRPC.TLS; t.Enabled() && (t.CACert == "" || t.Cert == "" || t.Key == "") {
		errs = append(errs, errors.New("grpc.tls needs ca_cert, cert and key together"))
	}
	if err := c.Log.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("log: %w", err))
	}
	switch c.Store.Driver {
	case "memory":
	case "postgres", "sqlite":
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	if c.Redis.Buffer < 0 {
		errs = append(errs, fmt.Errorf("redis.buffer must be >= 0, got %d", c.Redis.Buffer))
	}
	if c.Lease.Secret != "" && c.Lease.TTL <= 0 {
		errs = append(errs, fmt.Errorf("lease.ttl must be positive, got %s", c.Lease.TTL))
	}
	if err := c.Reconciler.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Scheduler.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("scheduler: %w", err))
	}
	return errors.Join(errs...)
}

// Load reads path when given, otherwise looks for agentplane.yaml in the
// working directory and /etc/agentplane. A missing default file is not an
// error. Environment variables override both, e.g. AGENTPLANE_HTTP_ADDR.
func Load(path string) (Config, error) {
	v := viper.New()
	if err := setDefaults(v, Default()); err != nil {
		return Config{}, err
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("agentplane")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/agentplane")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every field of def so that env overrides apply to
// keys the config file does not mention.
func setDefaults(v *viper.Viper, def Config) error {
	raw, err := yaml.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to encode defaults: %w", err)
	}
	var tree map[string]any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return fmt.Errorf("failed to decode defaults: %w", err)
	}
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, val := range m {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			if sub, ok := val.(map[string]any); ok {
				walk(key, sub)
				continue
			}
			v.SetDefault(key, val)
		}
	}
	walk("", tree)
	return nil
}

// Dump writes cfg as YAML with secrets masked.
func Dump(w io.Writer, cfg Config) error {
	if cfg.Lease.Secret != "" {
		cfg.Lease.Secret = "<redacted>"
	}
	if cfg.Redis.Password != "" {
		cfg.Redis.Password = "<redacted>"
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}

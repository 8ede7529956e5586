// Package config loads the daemon configuration: a YAML file with
// environment variable interpolation, backend selection for the origin and
// cache, and tuning knobs for the sync engine and trigger handler.
package config

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	str2duration "github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

// ErrInvalid indicates a configuration that fails validation.
var ErrInvalid = errors.New("config: invalid configuration")

// Duration parses YAML values like "30s", "5m" or "1h30m" via str2duration.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := str2duration.ParseDuration(raw)
	if err != nil {
		return errors.Wrapf(ErrInvalid, "bad duration %q: %v", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// OriginConfig selects and configures the durable blob store.
type OriginConfig struct {
	Kind      string `yaml:"kind"` // s3, file or memory
	Bucket    string `yaml:"bucket,omitempty"`
	Prefix    string `yaml:"prefix,omitempty"`
	Region    string `yaml:"region,omitempty"`
	Endpoint  string `yaml:"endpoint,omitempty"`
	AccessKey string `yaml:"access_key,omitempty"`
	SecretKey string `yaml:"secret_key,omitempty"`
	PathStyle bool   `yaml:"path_style,omitempty"`
	Dir       string `yaml:"dir,omitempty"` // file backend root
}

// CacheConfig selects and configures the low-latency projection store.
type CacheConfig struct {
	Kind         string   `yaml:"kind"` // redis or memory
	Addr         string   `yaml:"addr,omitempty"`
	Password     string   `yaml:"password,omitempty"`
	DB           int      `yaml:"db,omitempty"`
	Prefix       string   `yaml:"prefix,omitempty"`
	QueryTimeout Duration `yaml:"query_timeout,omitempty"`
}

// SyncConfig tunes the refresh engine.
type SyncConfig struct {
	LeaseTTL          Duration `yaml:"lease_ttl,omitempty"`
	MaxRetries        int      `yaml:"max_retries,omitempty"`
	InitialBackoff    Duration `yaml:"initial_backoff,omitempty"`
	MaxBackoff        Duration `yaml:"max_backoff,omitempty"`
	BackoffMultiplier float64  `yaml:"backoff_multiplier,omitempty"`

	// BreakerMaxFailures opens a circuit breaker around origin I/O after
	// this many consecutive failures. Zero disables the breaker.
	BreakerMaxFailures int      `yaml:"breaker_max_failures,omitempty"`
	BreakerTimeout     Duration `yaml:"breaker_timeout,omitempty"`
}

// EventingConfig configures the change-notification bus.
type EventingConfig struct {
	Kind             string   `yaml:"kind"` // redis or memory
	Subject          string   `yaml:"subject,omitempty"`
	Queue            string   `yaml:"queue,omitempty"`
	DeadLetterStream string   `yaml:"dead_letter_stream,omitempty"`
	DedupeWindow     Duration `yaml:"dedupe_window,omitempty"`
	MaxInFlight      int      `yaml:"max_in_flight,omitempty"`
}

// Config is the full daemon configuration.
type Config struct {
	ServiceName string         `yaml:"service_name,omitempty"`
	LogLevel    string         `yaml:"log_level,omitempty"`
	Origin      OriginConfig   `yaml:"origin"`
	Cache       CacheConfig    `yaml:"cache"`
	Sync        SyncConfig     `yaml:"sync,omitempty"`
	Eventing    EventingConfig `yaml:"eventing,omitempty"`
}

// Default returns a configuration suitable for local development: file
// origin under ./data, in-memory cache and bus.
func Default() Config {
	return Config{
		ServiceName: "tablesync",
		Origin:      OriginConfig{Kind: "file", Dir: "data"},
		Cache:       CacheConfig{Kind: "memory"},
		Eventing:    EventingConfig{Kind: "memory", Subject: "tablesync.changes", Queue: "tablesync-workers"},
	}
}

// Load reads a YAML file, interpolates ${VAR} and ${VAR:-default} references
// from the process environment, and validates the result.
func Load(path string) (Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "read config %s", path)
	}
	return Parse(buf)
}

// Parse decodes and validates configuration bytes.
func Parse(buf []byte) (Config, error) {
	cfg := Default()
	interpolated := Interpolate(string(buf), os.LookupEnv)
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return Config{}, errors.Wrapf(ErrInvalid, "parse yaml: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks backend kinds and their required fields.
func (c *Config) Validate() error {
	switch c.Origin.Kind {
	case "s3":
		if c.Origin.Bucket == "" {
			return errors.Wrap(ErrInvalid, "origin.bucket is required for the s3 backend")
		}
	case "file":
		if c.Origin.Dir == "" {
			return errors.Wrap(ErrInvalid, "origin.dir is required for the file backend")
		}
	case "memory":
	default:
		return errors.Wrapf(ErrInvalid, "unknown origin.kind %q (want s3, file or memory)", c.Origin.Kind)
	}

	switch c.Cache.Kind {
	case "redis":
		if c.Cache.Addr == "" {
			return errors.Wrap(ErrInvalid, "cache.addr is required for the redis backend")
		}
	case "memory":
	default:
		return errors.Wrapf(ErrInvalid, "unknown cache.kind %q (want redis or memory)", c.Cache.Kind)
	}

	switch c.Eventing.Kind {
	case "", "memory":
	case "redis":
		if c.Cache.Kind != "redis" {
			return errors.Wrap(ErrInvalid, "eventing.kind redis requires cache.kind redis (shared connection)")
		}
	default:
		return errors.Wrapf(ErrInvalid, "unknown eventing.kind %q (want redis or memory)", c.Eventing.Kind)
	}

	if c.Sync.BackoffMultiplier < 0 || (c.Sync.BackoffMultiplier > 0 && c.Sync.BackoffMultiplier < 1) {
		return errors.Wrap(ErrInvalid, "sync.backoff_multiplier must be >= 1")
	}
	return nil
}

// Package config loads poolman's YAML configuration: manager tuning,
// logging, the optional audit archive, and per-pool policies.
package config

import (
	"fmt"
	"os"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/consultra/poolman/internal/errs"
	"github.com/consultra/poolman/internal/pool"
)

// Duration parses YAML strings like "500ms", "10s", "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("bad duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root of the YAML file.
type Config struct {
	Logging LoggingConfig         `yaml:"logging"`
	Manager ManagerConfig         `yaml:"manager"`
	Audit   AuditConfig           `yaml:"audit"`
	Pools   map[string]PoolConfig `yaml:"pools"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

type ManagerConfig struct {
	ReapInterval      Duration `yaml:"reap_interval"`
	DrainPollInterval Duration `yaml:"drain_poll_interval"`
	DrainTimeout      Duration `yaml:"drain_timeout"`
}

type AuditConfig struct {
	// Buffer sizes the async sink; 0 uses the default.
	Buffer int `yaml:"buffer"`

	// Archive, when set, batches audit events to object storage.
	Archive *ArchiveConfig `yaml:"archive"`
}

type ArchiveConfig struct {
	Endpoint      string   `yaml:"endpoint"`
	AccessKey     string   `yaml:"access_key"`
	SecretKey     string   `yaml:"secret_key"`
	UseSSL        bool     `yaml:"use_ssl"`
	Region        string   `yaml:"region"`
	Bucket        string   `yaml:"bucket"`
	FlushInterval Duration `yaml:"flush_interval"`
}

// PoolConfig is one pool's YAML stanza.
type PoolConfig struct {
	Driver   string `yaml:"driver"` // postgres, mysql
	Target   string `yaml:"target"` // credential-provider lookup key
	Required bool   `yaml:"required"`

	MinSize             int      `yaml:"min_size"`
	MaxSize             int      `yaml:"max_size"`
	ConnectTimeout      Duration `yaml:"connect_timeout"`
	LeaseMaxDuration    Duration `yaml:"lease_max_duration"`
	HealthCheckInterval Duration `yaml:"health_check_interval"`
	ScaleUpThreshold    float64  `yaml:"scale_up_threshold"`
	ScaleDownThreshold  float64  `yaml:"scale_down_threshold"`
	ScaleUpIncrement    int      `yaml:"scale_up_increment"`
	ScaleDownDecrement  int      `yaml:"scale_down_decrement"`
	ScaleInterval       Duration `yaml:"scale_interval"`
	MaxIdleLifetime     Duration `yaml:"max_idle_lifetime"`
}

// PoolConfiguration converts the stanza into the pool core's type.
// Zero fields pick up the core's defaults.
func (c PoolConfig) PoolConfiguration() pool.Configuration {
	return pool.Configuration{
		MinSize:             c.MinSize,
		MaxSize:             c.MaxSize,
		ConnectTimeout:      c.ConnectTimeout.Std(),
		LeaseMaxDuration:    c.LeaseMaxDuration.Std(),
		HealthCheckInterval: c.HealthCheckInterval.Std(),
		ScaleUpThreshold:    c.ScaleUpThreshold,
		ScaleDownThreshold:  c.ScaleDownThreshold,
		ScaleUpIncrement:    c.ScaleUpIncrement,
		ScaleDownDecrement:  c.ScaleDownDecrement,
		ScaleInterval:       c.ScaleInterval.Std(),
		MaxIdleLifetime:     c.MaxIdleLifetime.Std(),
	}
}

// Load reads and validates the YAML file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindInvalidConfig, "cannot read config file", err)
	}
	return Parse(raw)
}

// Parse decodes and validates raw YAML.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, errs.Wrap(errs.ErrKindInvalidConfig, "malformed config", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	for id, pc := range c.Pools {
		switch pc.Driver {
		case "postgres", "mysql":
		case "":
			return errs.New(errs.ErrKindInvalidConfig, fmt.Sprintf("pool %q: driver is required", id))
		default:
			return errs.New(errs.ErrKindInvalidConfig, fmt.Sprintf("pool %q: unknown driver %q", id, pc.Driver))
		}
		if pc.Target == "" {
			return errs.New(errs.ErrKindInvalidConfig, fmt.Sprintf("pool %q: target is required", id))
		}
		if err := pc.PoolConfiguration().WithDefaults().Validate(); err != nil {
			return errs.Wrap(errs.ErrKindInvalidConfig, fmt.Sprintf("pool %q", id), err)
		}
	}
	if c.Audit.Archive != nil {
		if c.Audit.Archive.Endpoint == "" || c.Audit.Archive.Bucket == "" {
			return errs.New(errs.ErrKindInvalidConfig, "audit archive needs endpoint and bucket")
		}
	}
	return nil
}

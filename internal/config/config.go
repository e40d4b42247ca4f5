package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	SchemaVersion        = 1
	DefaultPath          = "/etc/robobridge/config.yaml"
	DefaultGRPCAddr      = "0.0.0.0:9000"
	DefaultHTTPAddr      = "0.0.0.0:8080"
	DefaultDashboardDir  = "/var/lib/robobridge/dashboards"
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "text"
	DefaultDiscoveryAddr = ":58866"
	DefaultHealthPoll    = 5 * time.Second
)

type Config struct {
	SchemaVersion int             `yaml:"schema_version"`
	Core          *CoreConfig     `yaml:"core"`
	Log           *LogConfig      `yaml:"log"`
	Roborock      *RoborockConfig `yaml:"roborock"`
}

type CoreConfig struct {
	GRPCAddr     string        `yaml:"grpc_addr"`
	HTTPAddr     string        `yaml:"http_addr"`
	DashboardDir string        `yaml:"dashboard_dir"`
	HealthPoll   time.Duration `yaml:"health_poll"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type RoborockConfig struct {
	BootstrapFile     string            `yaml:"bootstrap_file"`
	BootstrapBlob     *BlobConfig       `yaml:"bootstrap_blob"`
	DeviceIPOverrides map[string]string `yaml:"device_ip_overrides"`
	CloudFallback     bool              `yaml:"cloud_fallback"`
	Discovery         *bool             `yaml:"discovery"`
	DiscoveryAddr     string            `yaml:"discovery_addr"`
	Timeouts          TimeoutsConfig    `yaml:"timeouts"`
}

// BlobConfig points at a bootstrap document in S3-compatible storage.
type BlobConfig struct {
	Endpoint      string `yaml:"endpoint"`
	Bucket        string `yaml:"bucket"`
	Key           string `yaml:"key"`
	AccessKeyFile string `yaml:"access_key_file"`
	SecretKeyFile string `yaml:"secret_key_file"`
	Region        string `yaml:"region"`
}

// TimeoutsConfig overrides protocol timers. Zero keeps the built-in default.
type TimeoutsConfig struct {
	RPC               time.Duration `yaml:"rpc"`
	Hello             time.Duration `yaml:"hello"`
	Keepalive         time.Duration `yaml:"keepalive"`
	Reconnect         time.Duration `yaml:"reconnect"`
	FragmentDebounce  time.Duration `yaml:"fragment_debounce"`
	FragmentTolerance time.Duration `yaml:"fragment_tolerance"`
}

// Load parses the YAML config file, applies defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Core == nil {
		cfg.Core = &CoreConfig{}
	}
	if cfg.Core.GRPCAddr == "" {
		cfg.Core.GRPCAddr = DefaultGRPCAddr
	}
	if cfg.Core.HTTPAddr == "" {
		cfg.Core.HTTPAddr = DefaultHTTPAddr
	}
	if cfg.Core.DashboardDir == "" {
		cfg.Core.DashboardDir = DefaultDashboardDir
	}
	if cfg.Core.HealthPoll == 0 {
		cfg.Core.HealthPoll = DefaultHealthPoll
	}

	if cfg.Log == nil {
		cfg.Log = &LogConfig{}
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = DefaultLogFormat
	}

	if cfg.Roborock != nil {
		if cfg.Roborock.Discovery == nil {
			enabled := true
			cfg.Roborock.Discovery = &enabled
		}
		if cfg.Roborock.DiscoveryAddr == "" {
			cfg.Roborock.DiscoveryAddr = DefaultDiscoveryAddr
		}
	}
}

// Validate enforces required invariants beyond YAML typing.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if cfg.SchemaVersion != SchemaVersion {
		return fmt.Errorf("schema_version must be %d", SchemaVersion)
	}

	if cfg.Core == nil {
		return fmt.Errorf("core config is required")
	}
	if cfg.Core.GRPCAddr == "" {
		return fmt.Errorf("core.grpc_addr is required")
	}
	if cfg.Core.HTTPAddr == "" {
		return fmt.Errorf("core.http_addr is required")
	}
	if cfg.Core.HealthPoll < 0 {
		return fmt.Errorf("core.health_poll must not be negative")
	}

	if cfg.Log != nil {
		switch strings.ToLower(cfg.Log.Level) {
		case "debug", "info", "notice", "warn", "error":
		default:
			return fmt.Errorf("log.level %q is not one of debug, info, notice, warn, error", cfg.Log.Level)
		}
		switch cfg.Log.Format {
		case "text", "json":
		default:
			return fmt.Errorf("log.format %q must be text or json", cfg.Log.Format)
		}
	}

	if r := cfg.Roborock; r != nil {
		if r.BootstrapFile == "" && r.BootstrapBlob == nil {
			return fmt.Errorf("roborock.bootstrap_file or roborock.bootstrap_blob is required")
		}
		if r.BootstrapFile != "" && r.BootstrapBlob != nil {
			return fmt.Errorf("roborock.bootstrap_file and roborock.bootstrap_blob are mutually exclusive")
		}
		if b := r.BootstrapBlob; b != nil {
			if b.Endpoint == "" || b.Bucket == "" || b.Key == "" {
				return fmt.Errorf("roborock.bootstrap_blob needs endpoint, bucket and key")
			}
			if b.AccessKeyFile == "" || b.SecretKeyFile == "" {
				return fmt.Errorf("roborock.bootstrap_blob needs access_key_file and secret_key_file")
			}
		}
		for duid, ip := range r.DeviceIPOverrides {
			if duid == "" || ip == "" {
				return fmt.Errorf("roborock.device_ip_overrides entries need a duid and an ip")
			}
		}
		t := r.Timeouts
		for name, d := range map[string]time.Duration{
			"rpc": t.RPC, "hello": t.Hello, "keepalive": t.Keepalive, "reconnect": t.Reconnect,
			"fragment_debounce": t.FragmentDebounce, "fragment_tolerance": t.FragmentTolerance,
		} {
			if d < 0 {
				return fmt.Errorf("roborock.timeouts.%s must not be negative", name)
			}
		}
	}

	return nil
}

// EnabledPlugins maps enabled plugin IDs based on config presence.
func EnabledPlugins(cfg *Config) map[string]bool {
	enabled := make(map[string]bool)
	if cfg == nil {
		return enabled
	}
	if cfg.Roborock != nil {
		enabled["roborock"] = true
	}
	return enabled
}

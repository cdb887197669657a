// Package config loads and validates the taskmirror YAML configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/njoerd114/taskmirror/internal/cache"
)

// Remote kinds.
const (
	RemoteHomeAssistant = "homeassistant"
	RemoteVdir          = "vdir"
)

// DefaultSchedule is used when schedule is unset.
const DefaultSchedule = "@every 5m"

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// Remote selects and configures the authoritative replica.
	Remote RemoteConfig `yaml:"remote"`

	// CachePath is the SQLite file of the local replica. Defaults to
	// [cache.DefaultDBPath].
	CachePath string `yaml:"cache_path"`

	// Schedule is a cron expression (or "@every <duration>") for daemon
	// passes. Defaults to DefaultSchedule.
	Schedule string `yaml:"schedule"`

	// CreateMissingCalendars creates a local calendar for every remote one
	// that has no counterpart, instead of only reporting it.
	CreateMissingCalendars bool `yaml:"create_missing_calendars"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`

	schedule cron.Schedule
}

// RemoteConfig configures the remote replica. Fields that do not apply to
// the selected Kind must be left empty.
type RemoteConfig struct {
	// Kind is "homeassistant" or "vdir".
	Kind string `yaml:"kind"`

	// HAURL is the base URL of the Home Assistant instance (e.g. "http://homeassistant.local:8123").
	HAURL string `yaml:"ha_url"`

	// HAToken is the long-lived access token used to authenticate with Home Assistant.
	HAToken string `yaml:"ha_token"`

	// Entities restricts sync to these todo entity IDs. Empty means all.
	Entities []string `yaml:"entities"`

	// ShadowPath is the SQLite file holding the last known state of each HA
	// list. Defaults to shadow.db next to the cache.
	ShadowPath string `yaml:"shadow_path"`

	// Path is the root directory of a vdir remote, one subdirectory per calendar.
	Path string `yaml:"path"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "taskmirror".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request, e.g. Authorization: "Bearer <token>".
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path: ~/.config/taskmirror/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "taskmirror", "config.yaml"), nil
}

// Load reads and validates the configuration file at the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// CronSchedule returns the parsed Schedule. Only valid on a loaded Config.
func (c *Config) CronSchedule() cron.Schedule { return c.schedule }

// validate checks that all required fields are present and well-formed, and
// fills in defaults.
func (c *Config) validate() error {
	if err := c.Remote.validate(); err != nil {
		return err
	}

	if c.CachePath == "" {
		p, err := cache.DefaultDBPath()
		if err != nil {
			return err
		}
		c.CachePath = p
	}
	c.CachePath = expandHome(c.CachePath)

	if c.Remote.Kind == RemoteHomeAssistant {
		if c.Remote.ShadowPath == "" {
			c.Remote.ShadowPath = filepath.Join(filepath.Dir(c.CachePath), "shadow.db")
		}
		c.Remote.ShadowPath = expandHome(c.Remote.ShadowPath)
		if filepath.Clean(c.Remote.ShadowPath) == filepath.Clean(c.CachePath) {
			return errors.New("remote.shadow_path must differ from cache_path")
		}
	}

	if c.Schedule == "" {
		c.Schedule = DefaultSchedule
	}
	sched, err := cron.ParseStandard(c.Schedule)
	if err != nil {
		return fmt.Errorf("schedule %q: %w", c.Schedule, err)
	}
	c.schedule = sched

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return errors.New("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}

func (r *RemoteConfig) validate() error {
	switch r.Kind {
	case RemoteHomeAssistant:
		if r.HAURL == "" {
			return errors.New("remote.ha_url is required")
		}
		u, err := url.ParseRequestURI(r.HAURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("remote.ha_url %q must be a valid http or https URL", r.HAURL)
		}
		if r.HAToken == "" {
			return errors.New("remote.ha_token is required")
		}
		for _, id := range r.Entities {
			if !strings.HasPrefix(id, "todo.") {
				return fmt.Errorf("remote.entities: %q is not a todo entity", id)
			}
		}
		if r.Path != "" {
			return errors.New("remote.path does not apply to a homeassistant remote")
		}
	case RemoteVdir:
		if r.Path == "" {
			return errors.New("remote.path is required")
		}
		r.Path = expandHome(r.Path)
		if r.HAURL != "" || r.HAToken != "" || len(r.Entities) > 0 || r.ShadowPath != "" {
			return errors.New("remote.ha_* settings do not apply to a vdir remote")
		}
	case "":
		return errors.New("remote.kind is required")
	default:
		return fmt.Errorf("remote.kind %q must be %q or %q", r.Kind, RemoteHomeAssistant, RemoteVdir)
	}
	return nil
}

// expandHome replaces a leading "~/" with the user's home directory.
func expandHome(p string) string {
	rest, ok := strings.CutPrefix(p, "~/")
	if !ok {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, rest)
}

package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const FileName = "board.yml"

// Config models board.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"basePath"`
	} `yaml:"server"`
	Store struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"store"`
	Lease struct {
		StaleAfterMinutes int           `yaml:"staleAfterMinutes"`
		ReapInterval      time.Duration `yaml:"reapInterval"`
		HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	} `yaml:"lease"`
	Events struct {
		PulseInterval time.Duration `yaml:"pulseInterval"`
		PollInterval  time.Duration `yaml:"pollInterval"`
		SinkBuffer    int           `yaml:"sinkBuffer"`
	} `yaml:"events"`
	Work struct {
		DefaultAssignee string            `yaml:"defaultAssignee"`
		Instructions    map[string]string `yaml:"instructions"`
	} `yaml:"work"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Log      struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

type WebhookConfig struct {
	URL     string        `yaml:"url"`
	Events  []string      `yaml:"events,omitempty"`
	Secret  string        `yaml:"secret,omitempty"`
	Enabled *bool         `yaml:"enabled,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// Active reports whether the hook should be registered.
func (w WebhookConfig) Active() bool {
	return strings.TrimSpace(w.URL) != "" && (w.Enabled == nil || *w.Enabled)
}

// Instructions returns the execution instructions for an assignee, falling back to the default entry.
func (c *Config) Instructions(assignee string) string {
	if v, ok := c.Work.Instructions[assignee]; ok {
		return v
	}
	return c.Work.Instructions["default"]
}

// StaleAfter is the lease age past which the reaper clears a lease.
func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.Lease.StaleAfterMinutes) * time.Minute
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("config.store.dsn is required for driver %s", c.Store.Driver)
		}
	case "memory":
	default:
		return fmt.Errorf("config.store.driver must be one of sqlite, postgres, memory")
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.basePath must start with /")
	}
	if c.Lease.StaleAfterMinutes < 1 {
		return fmt.Errorf("config.lease.staleAfterMinutes must be >= 1")
	}
	if c.Lease.ReapInterval <= 0 {
		return fmt.Errorf("config.lease.reapInterval must be positive")
	}
	if c.Lease.HeartbeatInterval <= 0 {
		return fmt.Errorf("config.lease.heartbeatInterval must be positive")
	}
	if c.Lease.HeartbeatInterval >= c.StaleAfter() {
		return fmt.Errorf("config.lease.heartbeatInterval must be shorter than staleAfterMinutes")
	}
	if c.Events.PulseInterval <= 0 || c.Events.PollInterval <= 0 {
		return fmt.Errorf("config.events intervals must be positive")
	}
	if c.Events.SinkBuffer < 1 {
		return fmt.Errorf("config.events.sinkBuffer must be >= 1")
	}
	if strings.TrimSpace(c.Work.DefaultAssignee) == "" {
		return fmt.Errorf("config.work.defaultAssignee is required")
	}
	for i, hook := range c.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if !strings.HasPrefix(hook.URL, "http://") && !strings.HasPrefix(hook.URL, "https://") {
			return fmt.Errorf("config.webhooks[%d].url must be an http(s) URL", i)
		}
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config.log.format must be text or json")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	return FromFile(Path(workspace))
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with mc config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: ":8080"
  basePath: /api

store:
  driver: sqlite
  dsn: mission-control.db

lease:
  staleAfterMinutes: 5
  reapInterval: 1m
  heartbeatInterval: 1m

events:
  pulseInterval: 15s
  pollInterval: 30s
  sinkBuffer: 64

work:
  defaultAssignee: clawdbot
  instructions:
    default: "Follow the plan checklist, append progress notes and heartbeat while working. Release the lease when done."

log:
  level: info
  format: text
`

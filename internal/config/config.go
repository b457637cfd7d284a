package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all orchestrator configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	ListenAddr  string `envconfig:"LISTEN_ADDR" default:":8080"`
	DBPath      string `envconfig:"DB_PATH" default:"orchestrator.db"`

	// Secrets
	SandboxTokenSecret string `envconfig:"SANDBOX_TOKEN_SECRET"`
	CallbackSecret     string `envconfig:"CALLBACK_SECRET"`

	// WebSocket clients
	WSTokenTTL     time.Duration `envconfig:"WS_TOKEN_TTL" default:"24h"`
	ReplayPageSize int           `envconfig:"REPLAY_PAGE_SIZE" default:"100"`

	// Sandbox runtime
	RuntimeMode      string        `envconfig:"SANDBOX_RUNTIME_MODE" default:"http"` // "http", "k8s", "none"
	RuntimeURL       string        `envconfig:"SANDBOX_RUNTIME_URL"`
	RuntimeToken     string        `envconfig:"SANDBOX_RUNTIME_TOKEN"`
	RuntimeTimeout   time.Duration `envconfig:"SANDBOX_RUNTIME_TIMEOUT" default:"30s"`
	RuntimeNamespace string        `envconfig:"SANDBOX_NAMESPACE" default:"sandboxes"`
	RuntimeImage     string        `envconfig:"SANDBOX_IMAGE"`
	KubeconfigPath   string        `envconfig:"KUBECONFIG_PATH"`

	// Callbacks
	CallbackTimeout time.Duration `envconfig:"CALLBACK_TIMEOUT" default:"30s"`
	CallbackRetries int           `envconfig:"CALLBACK_RETRIES" default:"3"`

	// Spawn limits (overridable via the policy file)
	LimitsFile string `envconfig:"LIMITS_FILE"`
	Limits     Limits `envconfig:"-"`

	// CORS
	CORSOrigins string `envconfig:"CORS_ORIGINS"`
}

// Limits holds the child-spawn admission limits and session defaults.
type Limits struct {
	MaxSpawnDepth      int    `yaml:"max_spawn_depth"`
	MaxActiveChildren  int    `yaml:"max_active_children"`
	MaxTotalChildren   int    `yaml:"max_total_children"`
	DefaultModel       string `yaml:"default_model"`
	ReplayPageSize     int    `yaml:"replay_page_size"`
	EventWindowSize    int    `yaml:"event_window_size"`
}

// DefaultLimits returns the built-in admission limits.
func DefaultLimits() Limits {
	return Limits{
		MaxSpawnDepth:     2,
		MaxActiveChildren: 5,
		MaxTotalChildren:  15,
		ReplayPageSize:    100,
		EventWindowSize:   50,
	}
}

// Load reads configuration from environment variables and, when configured,
// merges the YAML limits file on top of the built-in limits.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	cfg.Limits = DefaultLimits()
	if cfg.ReplayPageSize > 0 {
		cfg.Limits.ReplayPageSize = cfg.ReplayPageSize
	}

	if cfg.LimitsFile != "" {
		if err := cfg.loadLimitsFile(cfg.LimitsFile); err != nil {
			return nil, err
		}
	}

	return &cfg, nil
}

func (c *Config) loadLimitsFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading limits file: %w", err)
	}

	var overrides Limits
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return fmt.Errorf("parsing limits file %s: %w", path, err)
	}

	if overrides.MaxSpawnDepth > 0 {
		c.Limits.MaxSpawnDepth = overrides.MaxSpawnDepth
	}
	if overrides.MaxActiveChildren > 0 {
		c.Limits.MaxActiveChildren = overrides.MaxActiveChildren
	}
	if overrides.MaxTotalChildren > 0 {
		c.Limits.MaxTotalChildren = overrides.MaxTotalChildren
	}
	if overrides.DefaultModel != "" {
		c.Limits.DefaultModel = overrides.DefaultModel
	}
	if overrides.ReplayPageSize > 0 {
		c.Limits.ReplayPageSize = overrides.ReplayPageSize
	}
	if overrides.EventWindowSize > 0 {
		c.Limits.EventWindowSize = overrides.EventWindowSize
	}
	return nil
}

// RuntimeEnabled returns true if a sandbox runtime is configured.
func (c *Config) RuntimeEnabled() bool {
	switch c.RuntimeMode {
	case "http":
		return c.RuntimeURL != ""
	case "k8s":
		return c.RuntimeImage != ""
	default:
		return false
	}
}

// Validate checks required settings for non-development environments.
func (c *Config) Validate() error {
	if c.Environment == "development" {
		return nil
	}
	if c.SandboxTokenSecret == "" {
		return fmt.Errorf("SANDBOX_TOKEN_SECRET is required outside development")
	}
	if c.CallbackSecret == "" {
		return fmt.Errorf("CALLBACK_SECRET is required outside development")
	}
	return nil
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models testgate.yml.
type Config struct {
	Signing struct {
		// Secret is the HMAC key for stage tokens. Leave empty to read it
		// from the TESTGATE_SECRET environment variable instead.
		Secret string `yaml:"secret"`
	} `yaml:"signing"`
	Tokens struct {
		TTL             time.Duration `yaml:"ttl"`
		RateLimitPerMin int           `yaml:"rate_limit_per_min"`
	} `yaml:"tokens"`
	Workflow struct {
		MaxAttemptsPerStage int `yaml:"max_attempts_per_stage"`
	} `yaml:"workflow"`
	Oracle struct {
		URL    string `yaml:"url"`
		APIKey string `yaml:"api_key"`
	} `yaml:"oracle"`
	Storage struct {
		MaxConns       int           `yaml:"max_conns"`
		AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	} `yaml:"storage"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
}

// SigningSecret resolves the token secret from config or environment.
func (c *Config) SigningSecret() string {
	if c.Signing.Secret != "" {
		return c.Signing.Secret
	}
	return os.Getenv("TESTGATE_SECRET")
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Tokens.TTL < 0 {
		return fmt.Errorf("config.tokens.ttl must not be negative")
	}
	if c.Tokens.RateLimitPerMin < 0 {
		return fmt.Errorf("config.tokens.rate_limit_per_min must not be negative")
	}
	if c.Workflow.MaxAttemptsPerStage < 0 {
		return fmt.Errorf("config.workflow.max_attempts_per_stage must not be negative")
	}
	if c.Storage.MaxConns < 0 {
		return fmt.Errorf("config.storage.max_conns must not be negative")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "testgate.yml")
}

// Load reads and validates config from the workspace. A missing file yields
// the defaults.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
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

// Default returns the baseline configuration.
func Default() *Config {
	var cfg Config
	cfg.Tokens.TTL = 7 * 24 * time.Hour
	cfg.Tokens.RateLimitPerMin = 30
	cfg.Workflow.MaxAttemptsPerStage = 3
	cfg.Storage.MaxConns = 8
	cfg.Storage.AcquireTimeout = 5 * time.Second
	cfg.Server.Addr = "127.0.0.1:8080"
	cfg.Server.BasePath = "/v0"
	return &cfg
}

// GenerateDefault returns the default config as YAML, for `tg init`.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `signing:
  # HMAC key for stage tokens. Prefer the TESTGATE_SECRET environment
  # variable over committing a secret here.
  secret: ""

tokens:
  ttl: 168h
  rate_limit_per_min: 30

workflow:
  max_attempts_per_stage: 3

oracle:
  url: ""
  api_key: ""

storage:
  max_conns: 8
  acquire_timeout: 5s

server:
  addr: 127.0.0.1:8080
  base_path: /v0
`

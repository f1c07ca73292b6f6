package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"labelcheck-assistant/internal/core"
)

// FileEnv names the environment variable that points at an optional YAML
// configuration file.
const FileEnv = "LABELCHECK_CONFIG"

// Config holds all service configuration.  Values come from the YAML file
// named by LABELCHECK_CONFIG, then from environment variables, which win.
type Config struct {
	// Analysis backend
	BackendURL     string        `yaml:"backend_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// Direct mode, used when BackendURL is empty
	OpenAIAPIKey string `yaml:"openai_api_key"`
	OpenAIModel  string `yaml:"openai_model"`

	// Optional exchange archive
	DatabaseURL   string `yaml:"database_url"`
	NotifyChannel string `yaml:"notify_channel"`

	// HTTP service
	Port        string `yaml:"port"`
	MaxSessions int    `yaml:"max_sessions"`

	LogLevel string `yaml:"log_level"`

	Reveal core.RevealConfig `yaml:"reveal"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		RequestTimeout: 60 * time.Second,
		OpenAIModel:    "gpt-4o-mini",
		NotifyChannel:  "turn_revealed",
		Port:           "8080",
		MaxSessions:    256,
		LogLevel:       "info",
		Reveal:         core.DefaultRevealConfig(),
	}
}

// Load builds the configuration from defaults, the optional file and the
// environment.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv(FileEnv); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	cfg.BackendURL = strings.TrimRight(cfg.BackendURL, "/")
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("BACKEND_URL", &c.BackendURL)
	str("OPENAI_API_KEY", &c.OpenAIAPIKey)
	str("OPENAI_MODEL", &c.OpenAIModel)
	str("DATABASE_URL", &c.DatabaseURL)
	str("NOTIFY_CHANNEL", &c.NotifyChannel)
	str("PORT", &c.Port)
	str("LOG_LEVEL", &c.LogLevel)

	if v, ok := lookup("REQUEST_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("REQUEST_TIMEOUT: %w", err)
		}
		c.RequestTimeout = d
	}
	if v, ok := lookup("MAX_SESSIONS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_SESSIONS: %w", err)
		}
		c.MaxSessions = n
	}
	return nil
}

// Validate reports configuration that cannot work.
func (c Config) Validate() error {
	if c.BackendURL == "" && c.OpenAIAPIKey == "" {
		return errors.New("either BACKEND_URL or OPENAI_API_KEY must be set")
	}
	if c.MaxSessions <= 0 {
		return errors.New("max_sessions must be positive")
	}
	r := c.Reveal
	if r.MinDelay > r.MaxDelay {
		return fmt.Errorf("reveal.min_delay %s exceeds reveal.max_delay %s", r.MinDelay, r.MaxDelay)
	}
	if r.MaxSteps <= 0 || r.DefaultSteps <= 0 {
		return errors.New("reveal.max_steps and reveal.default_steps must be positive")
	}
	return nil
}

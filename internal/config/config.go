package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	crewotel "github.com/bloq-ai/crewd/internal/otel"
)

// LLMConfig holds language model settings. The API key is never stored in
// config.yaml; it comes from the environment.
type LLMConfig struct {
	Model          string `yaml:"model" envconfig:"LLM_MODEL"`
	MaxTokens      int    `yaml:"max_tokens" envconfig:"LLM_MAX_TOKENS"`
	TimeoutSeconds int    `yaml:"timeout_seconds" envconfig:"LLM_TIMEOUT_SECONDS"`
}

// APIKey returns the Anthropic API key from the environment.
func (c LLMConfig) APIKey() string {
	return os.Getenv("ANTHROPIC_API_KEY")
}

// MissionConfig tunes the mission execution engine.
type MissionConfig struct {
	WorkerCount        int `yaml:"worker_count" envconfig:"WORKER_COUNT"`
	StepTimeoutSeconds int `yaml:"step_timeout_seconds" envconfig:"STEP_TIMEOUT_SECONDS"`
	StaleAfterMinutes  int `yaml:"stale_after_minutes" envconfig:"STALE_AFTER_MINUTES"`
}

// RoundtableConfig tunes the conversation scheduler.
type RoundtableConfig struct {
	Enabled       bool `yaml:"enabled" envconfig:"ROUNDTABLE_ENABLED"`
	MaxTurns      int  `yaml:"max_turns" envconfig:"ROUNDTABLE_MAX_TURNS"`
	CharCap       int  `yaml:"char_cap" envconfig:"ROUNDTABLE_CHAR_CAP"`
	MaxConcurrent int  `yaml:"max_concurrent" envconfig:"ROUNDTABLE_MAX_CONCURRENT"`
}

type Config struct {
	HomeDir string `yaml:"-" envconfig:"HOME_DIR"`

	BindAddr  string `yaml:"bind_addr" envconfig:"BIND_ADDR"`
	AuthToken string `yaml:"auth_token" envconfig:"AUTH_TOKEN"`
	LogLevel  string `yaml:"log_level" envconfig:"LOG_LEVEL"`
	Quiet     bool   `yaml:"quiet" envconfig:"QUIET"`

	// HeartbeatCron is a standard 5-field cron expression for the
	// coordination tick.
	HeartbeatCron string `yaml:"heartbeat_cron" envconfig:"HEARTBEAT_CRON"`

	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds" envconfig:"HEARTBEAT_INTERVAL_SECONDS"`

	Mission    MissionConfig    `yaml:"mission"`
	Roundtable RoundtableConfig `yaml:"roundtable"`
	LLM        LLMConfig        `yaml:"llm"`
	Otel       crewotel.Config  `yaml:"otel"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// DBPath returns the path to the SQLite database within the home directory.
func (c Config) DBPath() string {
	return filepath.Join(c.HomeDir, "crewd.db")
}

// StepTimeout returns the step execution timeout as a duration.
func (c Config) StepTimeout() time.Duration {
	return time.Duration(c.Mission.StepTimeoutSeconds) * time.Second
}

// StaleAfter returns the running-step staleness threshold as a duration.
func (c Config) StaleAfter() time.Duration {
	return time.Duration(c.Mission.StaleAfterMinutes) * time.Minute
}

// HeartbeatInterval returns the heartbeat cadence as a duration.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

// Fingerprint returns a stable hash of the active config, logged at startup
// so operators can tell which settings a running daemon picked up.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|hb=%d|workers=%d|timeout=%d|stale=%d|model=%s",
		c.BindAddr, c.LogLevel, c.HeartbeatIntervalSeconds,
		c.Mission.WorkerCount, c.Mission.StepTimeoutSeconds, c.Mission.StaleAfterMinutes,
		c.LLM.Model)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:                 "127.0.0.1:18990",
		LogLevel:                 "info",
		HeartbeatCron:            "* * * * *",
		HeartbeatIntervalSeconds: 60,
		Mission: MissionConfig{
			WorkerCount:        4,
			StepTimeoutSeconds: int((10 * time.Minute).Seconds()),
			StaleAfterMinutes:  30,
		},
		Roundtable: RoundtableConfig{
			Enabled:       true,
			MaxTurns:      12,
			CharCap:       120,
			MaxConcurrent: 1,
		},
		LLM: LLMConfig{
			Model:          "claude-sonnet-4-20250514",
			MaxTokens:      1024,
			TimeoutSeconds: 60,
		},
	}
}

// HomeDir resolves the crewd home directory. CREWD_HOME overrides the
// default of ~/.crewd.
func HomeDir() string {
	if override := os.Getenv("CREWD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".crewd")
}

// Load reads config.yaml from the crewd home directory, applies CREWD_*
// environment overrides, and fills in defaults.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create crewd home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	if err := envconfig.Process("CREWD", &cfg); err != nil {
		return cfg, fmt.Errorf("apply env overrides: %w", err)
	}

	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18990"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.HeartbeatIntervalSeconds <= 0 {
		cfg.HeartbeatIntervalSeconds = 60
	}
	if strings.TrimSpace(cfg.HeartbeatCron) == "" {
		cfg.HeartbeatCron = "* * * * *"
	}
	if cfg.Mission.WorkerCount <= 0 {
		cfg.Mission.WorkerCount = 4
	}
	if cfg.Mission.StepTimeoutSeconds <= 0 {
		cfg.Mission.StepTimeoutSeconds = int((10 * time.Minute).Seconds())
	}
	if cfg.Mission.StaleAfterMinutes <= 0 {
		cfg.Mission.StaleAfterMinutes = 30
	}
	if cfg.Roundtable.MaxTurns <= 0 {
		cfg.Roundtable.MaxTurns = 12
	}
	if cfg.Roundtable.CharCap <= 0 {
		cfg.Roundtable.CharCap = 120
	}
	if cfg.Roundtable.MaxConcurrent <= 0 {
		cfg.Roundtable.MaxConcurrent = 1
	}
	if strings.TrimSpace(cfg.LLM.Model) == "" {
		cfg.LLM.Model = "claude-sonnet-4-20250514"
	}
	if cfg.LLM.MaxTokens <= 0 {
		cfg.LLM.MaxTokens = 1024
	}
	if cfg.LLM.TimeoutSeconds <= 0 {
		cfg.LLM.TimeoutSeconds = 60
	}
}

// WriteDefault writes a commented default config.yaml if none exists yet.
func WriteDefault(homeDir string) error {
	path := ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	cfg := defaultConfig()
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

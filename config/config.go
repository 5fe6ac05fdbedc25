// Package config loads YAML configuration for the polypilot services. A
// missing file yields the built-in defaults, so every binary runs without
// any configuration at all; the file only overrides what it names.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/davidnguyen-tech/polypilot/bridge"
	"github.com/davidnguyen-tech/polypilot/cycle"
	"github.com/davidnguyen-tech/polypilot/engine"
	"github.com/davidnguyen-tech/polypilot/sentinel"
	"github.com/davidnguyen-tech/polypilot/session"
)

// Duration wraps time.Duration so YAML values can be written in the usual
// "30s" / "10m" notation.
type Duration time.Duration

// UnmarshalYAML parses a YAML scalar via time.ParseDuration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration in time.Duration notation.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// ProviderFile selects and tunes the model connector.
type ProviderFile struct {
	// Name picks the connector: "anthropic" or "openai".
	Name string `yaml:"name"`

	// Model overrides the connector's default model id.
	Model string `yaml:"model"`

	// Temperature overrides the sampling temperature. Zero keeps the
	// connector default.
	Temperature float64 `yaml:"temperature"`

	// MaxTokens overrides the per-turn completion cap.
	MaxTokens int64 `yaml:"max_tokens"`

	// APIKeyEnv names the environment variable holding the API key. The
	// key itself never lives in the file.
	APIKeyEnv string `yaml:"api_key_env"`
}

// SessionFile tunes the session pipeline.
type SessionFile struct {
	WatchdogInterval  Duration `yaml:"watchdog_interval"`
	InactivityTimeout Duration `yaml:"inactivity_timeout"`
	ToolTimeout       Duration `yaml:"tool_timeout"`
	ActivityBuffer    int      `yaml:"activity_buffer"`
	DeniedTools       []string `yaml:"denied_tools"`
}

// EngineFile tunes the orchestration loop and its reflection cycle.
type EngineFile struct {
	PlanRetries          int      `yaml:"plan_retries"`
	WorkerTimeout        Duration `yaml:"worker_timeout"`
	ErrorBackoff         Duration `yaml:"error_backoff"`
	MaxIterations        int      `yaml:"max_iterations"`
	PassScore            float64  `yaml:"pass_score"`
	MaxConsecutiveStalls int      `yaml:"max_consecutive_stalls"`
	MaxConsecutiveErrors int      `yaml:"max_consecutive_errors"`
	SimilarityThreshold  float64  `yaml:"similarity_threshold"`
}

// BridgeFile tunes the WebSocket bridge.
type BridgeFile struct {
	Addr         string   `yaml:"addr"`
	ReadLimit    int64    `yaml:"read_limit"`
	WriteTimeout Duration `yaml:"write_timeout"`
	PingInterval Duration `yaml:"ping_interval"`
	PongWait     Duration `yaml:"pong_wait"`
	SendBuffer   int      `yaml:"send_buffer"`
}

// StoreFile locates the organization database.
type StoreFile struct {
	// Path is the SQLite database file. Defaults to "polypilot.db".
	Path string `yaml:"path"`
}

// File is the full on-disk configuration.
type File struct {
	Provider ProviderFile `yaml:"provider"`
	Session  SessionFile  `yaml:"session"`
	Engine   EngineFile   `yaml:"engine"`
	Bridge   BridgeFile   `yaml:"bridge"`
	Store    StoreFile    `yaml:"store"`

	// LogLevel is one of debug, info, warn, error. Defaults to info.
	LogLevel string `yaml:"log_level"`
}

// Default returns the built-in configuration.
func Default() *File {
	return &File{
		Provider: ProviderFile{Name: "anthropic", APIKeyEnv: "ANTHROPIC_API_KEY"},
		Store:    StoreFile{Path: "polypilot.db"},
		LogLevel: "info",
	}
}

// Load reads path and merges it over the defaults. A missing file is not an
// error; the defaults are returned unchanged.
func Load(path string) (*File, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// APIKey resolves the provider API key from the configured environment
// variable. Empty when unset; the connectors fall back to their own
// environment lookup.
func (f *File) APIKey() string {
	if f.Provider.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(f.Provider.APIKeyEnv)
}

// SessionConfig merges the file over session.DefaultConfig. Zero-valued
// fields keep the default.
func (f *File) SessionConfig() session.Config {
	cfg := session.DefaultConfig
	if v := time.Duration(f.Session.WatchdogInterval); v > 0 {
		cfg.WatchdogInterval = v
	}
	if v := time.Duration(f.Session.InactivityTimeout); v > 0 {
		cfg.InactivityTimeout = v
	}
	if v := time.Duration(f.Session.ToolTimeout); v > 0 {
		cfg.ToolTimeout = v
	}
	if f.Session.ActivityBuffer > 0 {
		cfg.ActivityBuffer = f.Session.ActivityBuffer
	}
	if f.Session.DeniedTools != nil {
		cfg.DeniedTools = f.Session.DeniedTools
	}
	return cfg
}

// EngineConfig merges the file over engine.DefaultConfig and the cycle
// defaults. Zero-valued fields keep the defaults.
func (f *File) EngineConfig() engine.Config {
	cfg := engine.DefaultConfig
	cfg.Cycle = cycle.DefaultConfig()

	if f.Engine.PlanRetries > 0 {
		cfg.PlanRetries = f.Engine.PlanRetries
	}
	if v := time.Duration(f.Engine.WorkerTimeout); v > 0 {
		cfg.WorkerTimeout = v
	}
	if v := time.Duration(f.Engine.ErrorBackoff); v > 0 {
		cfg.ErrorBackoff = v
	}
	if f.Engine.MaxIterations > 0 {
		cfg.Cycle.MaxIterations = f.Engine.MaxIterations
	}
	if f.Engine.PassScore > 0 {
		cfg.Cycle.PassScore = f.Engine.PassScore
	}
	if f.Engine.MaxConsecutiveStalls > 0 {
		cfg.Cycle.MaxConsecutiveStalls = f.Engine.MaxConsecutiveStalls
	}
	if f.Engine.MaxConsecutiveErrors > 0 {
		cfg.Cycle.MaxConsecutiveErrors = f.Engine.MaxConsecutiveErrors
	}
	if f.Engine.SimilarityThreshold > 0 {
		cfg.Cycle.Stall = sentinel.Config{
			HistorySize:         cfg.Cycle.Stall.HistorySize,
			SimilarityThreshold: f.Engine.SimilarityThreshold,
		}
	}
	return cfg
}

// BridgeConfig merges the file over bridge.DefaultConfig. Zero-valued fields
// keep the default.
func (f *File) BridgeConfig() bridge.Config {
	cfg := bridge.DefaultConfig
	if f.Bridge.Addr != "" {
		cfg.Addr = f.Bridge.Addr
	}
	if f.Bridge.ReadLimit > 0 {
		cfg.ReadLimit = f.Bridge.ReadLimit
	}
	if v := time.Duration(f.Bridge.WriteTimeout); v > 0 {
		cfg.WriteTimeout = v
	}
	if v := time.Duration(f.Bridge.PingInterval); v > 0 {
		cfg.PingInterval = v
	}
	if v := time.Duration(f.Bridge.PongWait); v > 0 {
		cfg.PongWait = v
	}
	if f.Bridge.SendBuffer > 0 {
		cfg.SendBuffer = f.Bridge.SendBuffer
	}
	return cfg
}

package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

var (
	ErrInvalidJSON      = errors.New("invalid config JSON")
	ErrInvalidThreshold = errors.New("summarize_threshold must be in (0, 1]")
	ErrInvalidKeep      = errors.New("context_keep and recent_keep must be positive")
)

// Defaults applied when the config file is absent or fields are unset.
const (
	DefaultBaseURL            = "http://localhost:11434"
	DefaultContextKeep        = 20
	DefaultRecentKeep         = 10
	DefaultCharsPerToken      = 4
	DefaultSummarizeThreshold = 0.8
)

// Config holds the global chatbridge configuration.
type Config struct {
	BaseURL            string         `json:"base_url"`
	APIKey             string         `json:"api_key"`             // optional bearer token sent on all backend requests
	DefaultModel       string         `json:"default_model"`       // model used when a session has none
	Stream             *bool          `json:"stream"`              // streamed responses (default: true)
	ContextKeep        *int           `json:"context_keep"`        // outbound history cap N (default: 20)
	RecentKeep         *int           `json:"recent_keep"`         // turns kept verbatim after summarization K (default: 10)
	CharsPerToken      *int           `json:"chars_per_token"`     // heuristic token estimate divisor (default: 4)
	SummarizeThreshold *float64       `json:"summarize_threshold"` // fraction of max context that triggers summarization (default: 0.8)
	ModelContext       map[string]int `json:"model_context"`       // overrides for the built-in model context table
}

// Load reads the config from ~/.config/chatbridge/config.json.
// A missing file yields the defaults; the backend is usable with a
// plain local Ollama and no config at all.
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	configPath := filepath.Join(homeDir, ".config", "chatbridge", "config.json")
	return LoadFrom(configPath)
}

// LoadFrom reads the config from a specific path.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := &Config{}
			cfg.applyDefaults()
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, ErrInvalidJSON
	}

	cfg.applyDefaults()

	if *cfg.SummarizeThreshold <= 0 || *cfg.SummarizeThreshold > 1 {
		return nil, ErrInvalidThreshold
	}
	if *cfg.ContextKeep <= 0 || *cfg.RecentKeep <= 0 {
		return nil, ErrInvalidKeep
	}
	if *cfg.CharsPerToken <= 0 {
		return nil, ErrInvalidKeep
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.Stream == nil {
		t := true
		c.Stream = &t
	}
	if c.ContextKeep == nil {
		n := DefaultContextKeep
		c.ContextKeep = &n
	}
	if c.RecentKeep == nil {
		n := DefaultRecentKeep
		c.RecentKeep = &n
	}
	if c.CharsPerToken == nil {
		n := DefaultCharsPerToken
		c.CharsPerToken = &n
	}
	if c.SummarizeThreshold == nil {
		f := DefaultSummarizeThreshold
		c.SummarizeThreshold = &f
	}
}

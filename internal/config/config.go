package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// AgentConfig declares one agent hosted by the gateway.
type AgentConfig struct {
	ID string `json:"id"`
	// Heartbeat overrides the global heartbeat interval for this agent.
	// Empty inherits the global value; "0" excludes the agent from the
	// heartbeat schedule.
	Heartbeat string `json:"heartbeat,omitempty"`
	// MainSession is the rest-path the "main" alias resolves to for this
	// agent. Empty means the literal "main" rest-path.
	MainSession string `json:"main_session,omitempty"`
	// TurnTimeout overrides the default chat turn timeout.
	TurnTimeout string `json:"turn_timeout,omitempty"`
	Model       string `json:"model,omitempty"`
	Provider    string `json:"provider,omitempty"`
}

type Config struct {
	DataDir       string        `json:"data_dir"`
	LogLevel      string        `json:"log_level"`
	MaxConcurrent int           `json:"max_concurrent"`
	DefaultAgent  string        `json:"default_agent"`
	Agents        []AgentConfig `json:"agents"`

	Session struct {
		// Store is the session store path; "{agent}" partitions per agent.
		Store     string `json:"store"`
		MainAlias string `json:"main_alias"`
	} `json:"session"`

	Heartbeat struct {
		Interval string   `json:"interval,omitempty"`
		Prompt   string   `json:"prompt,omitempty"`
		Cron     []string `json:"cron,omitempty"`
	} `json:"heartbeat"`

	Models struct {
		Primary   string   `json:"primary"`
		Fallbacks []string `json:"fallbacks,omitempty"`
		Catalog   []string `json:"catalog,omitempty"`
	} `json:"models"`

	LLM struct {
		Provider         string  `json:"provider"`
		BaseURL          string  `json:"base_url"`
		APIKey           string  `json:"api_key"`
		MaxTokens        int     `json:"max_tokens"`
		Temperature      float32 `json:"temperature"`
		MaxContextTokens int     `json:"max_context_tokens"`
		OutputReserve    int     `json:"output_reserve"`
	} `json:"llm"`

	Gateway struct {
		Listen        string `json:"listen"`
		AllowRestart  bool   `json:"allow_restart"`
		TurnTimeout   string `json:"turn_timeout"`
		UsageCacheTTL string `json:"usage_cache_ttl"`
	} `json:"gateway"`

	Telegram struct {
		Token string `json:"token"`
	} `json:"telegram"`
}

// Defaults returns a Config populated with default values.
func Defaults() *Config {
	cfg := &Config{
		DataDir:       filepath.Join(os.Getenv("HOME"), ".gateclaw"),
		LogLevel:      "info",
		MaxConcurrent: 4,
		DefaultAgent:  "main",
		Agents:        []AgentConfig{{ID: "main"}},
	}
	cfg.Session.Store = filepath.Join("{data_dir}", "sessions", "{agent}.json")
	cfg.Session.MainAlias = "main"
	cfg.Heartbeat.Interval = "30m"
	cfg.Heartbeat.Prompt = "Check in: anything pending for me?"
	cfg.Models.Primary = "gpt-4o-mini"
	cfg.LLM.Provider = "openai"
	cfg.LLM.BaseURL = "https://api.openai.com/v1"
	cfg.LLM.MaxTokens = 2000
	cfg.LLM.Temperature = 0.7
	cfg.LLM.MaxContextTokens = 128000
	cfg.LLM.OutputReserve = 4096
	cfg.Gateway.Listen = "127.0.0.1:18789"
	cfg.Gateway.TurnTimeout = "10m"
	cfg.Gateway.UsageCacheTTL = "30s"
	return cfg
}

// Load reads the config file, writing defaults on first run, then applies env
// overrides (highest precedence).
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := writeDefaults(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		cfg.LLM.APIKey = apiKey
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		cfg.LLM.BaseURL = baseURL
	}
	if tgToken := os.Getenv("TELEGRAM_BOT_TOKEN"); tgToken != "" {
		cfg.Telegram.Token = tgToken
	}
}

func writeDefaults(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename default config: %w", err)
	}
	return nil
}

// SessionStorePath expands the session store template for the configured data
// dir, leaving "{agent}" in place for the resolver.
func (c *Config) SessionStorePath() string {
	return expandDataDir(c.Session.Store, c.DataDir)
}

func expandDataDir(path, dataDir string) string {
	return strings.ReplaceAll(path, "{data_dir}", dataDir)
}

// AgentIDs returns the configured agent ids.
func (c *Config) AgentIDs() []string {
	out := make([]string, 0, len(c.Agents))
	for _, a := range c.Agents {
		out = append(out, a.ID)
	}
	return out
}

// Agent returns the config block for an agent id, or nil.
func (c *Config) Agent(id string) *AgentConfig {
	for i := range c.Agents {
		if c.Agents[i].ID == id {
			return &c.Agents[i]
		}
	}
	return nil
}

// TurnTimeout resolves the chat turn timeout for an agent: per-agent override
// first, then the gateway default, then 10 minutes.
func (c *Config) TurnTimeout(agentID string) time.Duration {
	if a := c.Agent(agentID); a != nil && a.TurnTimeout != "" {
		if d, err := time.ParseDuration(a.TurnTimeout); err == nil && d > 0 {
			return d
		}
	}
	if d, err := time.ParseDuration(c.Gateway.TurnTimeout); err == nil && d > 0 {
		return d
	}
	return 10 * time.Minute
}

// HeartbeatInterval resolves the heartbeat interval for an agent. Zero means
// the agent is excluded from heartbeat scheduling.
func (c *Config) HeartbeatInterval(agentID string) time.Duration {
	raw := c.Heartbeat.Interval
	if a := c.Agent(agentID); a != nil && a.Heartbeat != "" {
		raw = a.Heartbeat
	}
	if raw == "" || raw == "0" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// UsageCacheTTL returns the usage cache freshness window.
func (c *Config) UsageCacheTTL() time.Duration {
	if d, err := time.ParseDuration(c.Gateway.UsageCacheTTL); err == nil && d > 0 {
		return d
	}
	return 30 * time.Second
}

// Package config defines the Maestro application configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Maestro configuration.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Store     StoreConfig     `json:"store" yaml:"store"`
	Provider  ProviderConfig  `json:"provider" yaml:"provider"`
	Agents    AgentsConfig    `json:"agents" yaml:"agents"`
	Routing   RoutingConfig   `json:"routing" yaml:"routing"`
	Approvals ApprovalsConfig `json:"approvals" yaml:"approvals"`
	Secrets   SecretsConfig   `json:"secrets" yaml:"secrets"`
	DataDir   string          `json:"data_dir" yaml:"data_dir"`
	LogLevel  string          `json:"log_level" yaml:"log_level"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"` // listen address, e.g., ":9090"
}

// StoreConfig selects and tunes the task store backend.
type StoreConfig struct {
	Backend string `json:"backend" yaml:"backend"` // "sqlite", "redis", "memory"

	// Path is the SQLite database file, relative paths under DataDir.
	Path string `json:"path,omitempty" yaml:"path"`

	// Redis connection, used when Backend is "redis".
	RedisAddr     string `json:"redis_addr,omitempty" yaml:"redis_addr"`
	RedisPassword string `json:"redis_password,omitempty" yaml:"redis_password"`
	RedisDB       int    `json:"redis_db,omitempty" yaml:"redis_db"`

	// TTL is how long idle tasks survive. Zero keeps the default of one
	// hour.
	TTL time.Duration `json:"ttl,omitempty" yaml:"ttl"`
}

// ProviderConfig selects the chat model used for routing and
// summarization.
type ProviderConfig struct {
	Name    string `json:"name" yaml:"name"` // "ollama", "mock"
	BaseURL string `json:"base_url,omitempty" yaml:"base_url"`
	Model   string `json:"model,omitempty" yaml:"model"`
}

// AgentsConfig wires the worker agents.
type AgentsConfig struct {
	// ResearchURL is the base URL of the research service.
	ResearchURL string `json:"research_url" yaml:"research_url"`

	// PRCommand runs the pull request agent; the task objective is
	// appended as the final argument.
	PRCommand string   `json:"pr_command" yaml:"pr_command"`
	PRArgs    []string `json:"pr_args,omitempty" yaml:"pr_args"`
	PRWorkDir string   `json:"pr_workdir,omitempty" yaml:"pr_workdir"`

	// DocsDir is the knowledge base the context agent searches.
	DocsDir string `json:"docs_dir" yaml:"docs_dir"`

	// Timeout bounds a single agent invocation. Zero keeps the default
	// of five minutes.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout"`
}

// RoutingConfig tunes the supervisor loop.
type RoutingConfig struct {
	Strategy      string `json:"strategy" yaml:"strategy"` // "adaptive", "research_first", "context_first"
	MaxIterations int    `json:"max_iterations" yaml:"max_iterations"`
	MaxRetries    int    `json:"max_retries" yaml:"max_retries"`
}

// ApprovalsConfig tunes the approval gate.
type ApprovalsConfig struct {
	// Path is the approval history database, relative paths under
	// DataDir.
	Path string `json:"path,omitempty" yaml:"path"`

	// Timeout overrides the per-tier default wait for a human decision.
	// Zero keeps the tier defaults (5/10/15 minutes).
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout"`

	// RiskOverrides raises the risk tier of named operations, e.g.
	// {"api_call": "high"}. Overrides can only raise, never lower.
	RiskOverrides map[string]string `json:"risk_overrides,omitempty" yaml:"risk_overrides"`
}

// SecretsConfig extends the redaction filter.
type SecretsConfig struct {
	// ExtraPatterns maps pattern names to regular expressions scanned in
	// addition to the built-in set.
	ExtraPatterns map[string]string `json:"extra_patterns,omitempty" yaml:"extra_patterns"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":9090",
		},
		Store: StoreConfig{
			Backend: "sqlite",
			Path:    "tasks.db",
		},
		Provider: ProviderConfig{
			Name:    "ollama",
			BaseURL: "http://localhost:11434",
			Model:   "llama3.2",
		},
		Agents: AgentsConfig{
			ResearchURL: "http://localhost:8080",
			PRCommand:   "maestro-pr-agent",
			DocsDir:     "./docs",
		},
		Routing: RoutingConfig{
			Strategy:      "adaptive",
			MaxIterations: 10,
			MaxRetries:    3,
		},
		Approvals: ApprovalsConfig{
			Path: "approvals.db",
		},
		DataDir:  "./data",
		LogLevel: "info",
	}
}

// Load reads a YAML config file and returns the parsed configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

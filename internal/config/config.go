// Package config handles Quill configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Provider names accepted in models.available[].provider.
const (
	ProviderGemini    = "gemini"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/quill/config.yaml, /etc/quill/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "quill", "config.yaml"))
	}

	paths = append(paths, "/etc/quill/config.yaml")
	return paths
}

// ErrNoConfig is returned by FindConfig when no explicit path was given
// and none of the default search paths exist.
var ErrNoConfig = errors.New("no config file found")

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error wrapping ErrNoConfig if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%w (searched: %v)", ErrNoConfig, DefaultSearchPaths())
}

// Config holds all Quill configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Models    ModelsConfig    `yaml:"models"`
	Gemini    GeminiConfig    `yaml:"gemini"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Agent     AgentConfig     `yaml:"agent"`
	Items     ItemsConfig     `yaml:"items"`
	Usage     UsageConfig     `yaml:"usage"`
	CORS      CORSConfig      `yaml:"cors"`
	MCP       MCPConfig       `yaml:"mcp"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelsConfig defines model routing settings.
type ModelsConfig struct {
	Default     string        `yaml:"default"`
	OllamaURL   string        `yaml:"ollama_url"`
	Temperature float64       `yaml:"temperature"`
	Available   []ModelConfig `yaml:"available"`
}

// ModelConfig maps a model name to the provider that serves it.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // gemini, anthropic, ollama
}

// GeminiConfig defines Google Gemini API settings.
type GeminiConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // override for testing; empty = public endpoint
}

// Configured reports whether a Gemini API key is present.
func (g GeminiConfig) Configured() bool { return g.APIKey != "" }

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// Configured reports whether an Anthropic API key is present.
func (a AnthropicConfig) Configured() bool { return a.APIKey != "" }

// AgentConfig tunes the tool-calling loop.
type AgentConfig struct {
	// MaxIterations caps inference/tool round-trips per run.
	MaxIterations int `yaml:"max_iterations"`
	// InferenceTimeoutSec bounds a single inference call.
	InferenceTimeoutSec int `yaml:"inference_timeout_sec"`
	// ToolTimeoutSec bounds a single tool invocation.
	ToolTimeoutSec int `yaml:"tool_timeout_sec"`
	// SequentialTools disables concurrent dispatch of tool calls issued
	// together by one assistant message.
	SequentialTools bool `yaml:"sequential_tools"`
	// SystemPrompt is prepended to every inference call. Empty = none.
	SystemPrompt string `yaml:"system_prompt"`
}

// InferenceTimeout returns the per-call inference deadline.
func (a AgentConfig) InferenceTimeout() time.Duration {
	return time.Duration(a.InferenceTimeoutSec) * time.Second
}

// ToolTimeout returns the per-call tool deadline.
func (a AgentConfig) ToolTimeout() time.Duration {
	return time.Duration(a.ToolTimeoutSec) * time.Second
}

// ItemsConfig selects the item store backend.
type ItemsConfig struct {
	Backend string `yaml:"backend"` // memory (default) or sqlite
}

// UsageConfig controls the token usage ledger.
type UsageConfig struct {
	Enabled bool `yaml:"enabled"`
	// Pricing maps model names to USD per million tokens. Models absent
	// from the table are recorded at zero cost.
	Pricing map[string]PricingEntry `yaml:"pricing"`
}

// PricingEntry is the per-million-token price of one model.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// CORSConfig lists origins allowed to call the API from a browser.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LoadDotEnv loads KEY=value pairs from each existing file into the process
// environment. Variables already set are never overridden. Missing files
// are skipped silently.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads configuration from a YAML file. A .env file next to the
// config file is loaded first so ${VARS} in the YAML can reference it.
func Load(path string) (*Config, error) {
	if err := LoadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

// MCPConfig lists external MCP servers whose tools are bridged into
// the agent's registry.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes one stdio MCP server.
type MCPServerConfig struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"` // KEY=value, appended to the process environment

	// Include limits bridging to these MCP tool names. Exclude is
	// ignored when Include is set.
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
}

// Default returns a default configuration, filled from the environment.
// Used when no config file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg
}

// applyEnv fills blank secrets and endpoints from well-known environment
// variables. Values from the YAML file always win.
func (c *Config) applyEnv() {
	if c.Gemini.APIKey == "" {
		c.Gemini.APIKey = os.Getenv("GEMINI_API_KEY")
	}
	if c.Anthropic.APIKey == "" {
		c.Anthropic.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if c.Models.OllamaURL == "" {
		c.Models.OllamaURL = os.Getenv("OLLAMA_URL")
	}
	if c.Models.Default == "" {
		c.Models.Default = os.Getenv("QUILL_MODEL")
	}
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 5001
	}
	if c.Models.Default == "" {
		c.Models.Default = "gemini-2.5-flash-lite"
	}
	if c.Models.OllamaURL == "" {
		c.Models.OllamaURL = "http://localhost:11434"
	}
	if c.Models.Temperature == 0 {
		c.Models.Temperature = 0.7
	}
	for i := range c.Models.Available {
		if c.Models.Available[i].Provider == "" {
			c.Models.Available[i].Provider = inferProvider(c.Models.Available[i].Name)
		}
	}
	if c.Agent.MaxIterations == 0 {
		c.Agent.MaxIterations = 8
	}
	if c.Agent.InferenceTimeoutSec == 0 {
		c.Agent.InferenceTimeoutSec = 120
	}
	if c.Agent.ToolTimeoutSec == 0 {
		c.Agent.ToolTimeoutSec = 10
	}
	if c.Items.Backend == "" {
		c.Items.Backend = "memory"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	c.DataDir = expandHome(c.DataDir)
	if len(c.CORS.AllowedOrigins) == 0 {
		c.CORS.AllowedOrigins = []string{"*"}
	}
}

// Validate checks the configuration for values that would fail at runtime.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat)
	}
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	if c.Agent.MaxIterations < 1 {
		return fmt.Errorf("agent.max_iterations must be at least 1, got %d", c.Agent.MaxIterations)
	}
	if c.Agent.InferenceTimeoutSec < 0 || c.Agent.ToolTimeoutSec < 0 {
		return fmt.Errorf("agent timeouts must not be negative")
	}
	switch c.Items.Backend {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("unknown items.backend %q (valid: memory, sqlite)", c.Items.Backend)
	}
	seen := make(map[string]bool, len(c.MCP.Servers))
	for i, srv := range c.MCP.Servers {
		if srv.Name == "" {
			return fmt.Errorf("mcp.servers[%d]: name is required", i)
		}
		if srv.Command == "" {
			return fmt.Errorf("mcp server %q: command is required", srv.Name)
		}
		if seen[srv.Name] {
			return fmt.Errorf("mcp server %q: duplicate name", srv.Name)
		}
		seen[srv.Name] = true
	}
	for _, m := range c.Models.Available {
		switch m.Provider {
		case ProviderGemini, ProviderAnthropic, ProviderOllama:
		default:
			return fmt.Errorf("model %q: unknown provider %q", m.Name, m.Provider)
		}
	}
	return nil
}

// ProviderFor returns the provider that serves model. Explicit entries in
// models.available win; otherwise the provider is inferred from the name.
func (c *Config) ProviderFor(model string) string {
	for _, m := range c.Models.Available {
		if m.Name == model {
			return m.Provider
		}
	}
	return inferProvider(model)
}

// InferenceConfigured reports whether the default model's provider has
// the credentials it needs.
func (c *Config) InferenceConfigured() bool {
	switch c.ProviderFor(c.Models.Default) {
	case ProviderGemini:
		return c.Gemini.Configured()
	case ProviderAnthropic:
		return c.Anthropic.Configured()
	default:
		return c.Models.OllamaURL != ""
	}
}

func inferProvider(model string) string {
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "gemini"):
		return ProviderGemini
	case strings.HasPrefix(m, "claude"):
		return ProviderAnthropic
	default:
		return ProviderOllama
	}
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// Package config handles foreman configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/foreman/config.yaml, /etc/foreman/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "foreman", "config.yaml"))
	}

	paths = append(paths, "/etc/foreman/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
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

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all foreman configuration.
type Config struct {
	Listen      ListenConfig      `yaml:"listen"`
	Anthropic   AnthropicConfig   `yaml:"anthropic"`
	AzureOpenAI AzureOpenAIConfig `yaml:"azure_openai"`
	Models      ModelsConfig      `yaml:"models"`
	Chat        ChatConfig        `yaml:"chat"`
	Database    DatabaseConfig    `yaml:"database"`
	Auth        AuthConfig        `yaml:"auth"`
	MCP         MCPConfig         `yaml:"mcp"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	SMTP        SMTPConfig        `yaml:"smtp"`
	Invitations InvitationsConfig `yaml:"invitations"`
	DataDir     string            `yaml:"data_dir"`
	LogLevel    string            `yaml:"log_level"`
	LogFormat   string            `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // override for proxies and tests
}

// AzureOpenAIConfig defines Azure OpenAI settings. Used when the
// default model is prefixed with "azure:" or no Anthropic key is set.
type AzureOpenAIConfig struct {
	Endpoint   string `yaml:"endpoint"`
	APIKey     string `yaml:"api_key"`
	Deployment string `yaml:"deployment"`
}

// Configured reports whether enough settings are present to build a client.
func (c AzureOpenAIConfig) Configured() bool {
	return c.Endpoint != "" && c.APIKey != "" && c.Deployment != ""
}

// ModelsConfig selects the model and its output budget.
type ModelsConfig struct {
	Default   string `yaml:"default"`
	MaxTokens int    `yaml:"max_tokens"`
	// Pricing maps model names to per-million-token prices for usage
	// cost accounting. Unlisted models cost nothing.
	Pricing map[string]PricingEntry `yaml:"pricing"`
}

// PricingEntry is the USD price per million tokens.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// ChatConfig tunes the chat orchestration core.
type ChatConfig struct {
	ModelTimeout  time.Duration `yaml:"model_timeout"`
	ToolTimeout   time.Duration `yaml:"tool_timeout"`
	SystemPrompt  string        `yaml:"system_prompt"`
	WorkflowStore string        `yaml:"workflow_store"` // memory (default) or sqlite
}

// DatabaseConfig selects the repository backend.
type DatabaseConfig struct {
	// Driver is sqlite3 (cgo, default), sqlite (pure Go), or memory.
	Driver string `yaml:"driver"`
	// Path to the database file. Defaults to <data_dir>/foreman.db.
	Path string `yaml:"path"`
}

// AuthConfig maps static bearer tokens to user ids.
type AuthConfig struct {
	Tokens map[string]string `yaml:"tokens"`
}

// MCPConfig configures the stdio MCP server.
type MCPConfig struct {
	// UserID is the identity tool calls run as over stdio, where there is
	// no bearer token to resolve.
	UserID string `yaml:"user_id"`
}

// MQTTConfig configures the optional event forwarder.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // e.g. mqtt://localhost:1883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
}

// Configured reports whether the forwarder should start.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// SMTPConfig holds outbound mail settings for invitations.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// TLS selects implicit TLS (port 465 style). When false, STARTTLS
	// is attempted if the server offers it.
	TLS bool `yaml:"tls"`
}

// Configured reports whether outbound mail is possible.
func (c SMTPConfig) Configured() bool {
	return c.Host != ""
}

// InvitationsConfig shapes invitation emails.
type InvitationsConfig struct {
	From    string `yaml:"from"`
	BaseURL string `yaml:"base_url"` // accept link prefix
}

// Load reads configuration from a YAML file, expands environment
// variables, and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a configuration that runs entirely in memory.
func Default() *Config {
	cfg := &Config{
		Database: DatabaseConfig{Driver: "memory"},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Models.Default == "" {
		c.Models.Default = "claude-sonnet-4-20250514"
	}
	if c.Models.MaxTokens == 0 {
		c.Models.MaxTokens = 4096
	}
	if c.Chat.ModelTimeout == 0 {
		c.Chat.ModelTimeout = 120 * time.Second
	}
	if c.Chat.ToolTimeout == 0 {
		c.Chat.ToolTimeout = 30 * time.Second
	}
	if c.Chat.WorkflowStore == "" {
		c.Chat.WorkflowStore = "memory"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite3"
	}
	if c.Database.Path == "" && c.Database.Driver != "memory" {
		c.Database.Path = filepath.Join(c.DataDir, "foreman.db")
	}
	if c.MCP.UserID == "" {
		c.MCP.UserID = "local"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "foreman"
	}
	if c.SMTP.Port == 0 {
		c.SMTP.Port = 587
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q (valid: text, json)", c.LogFormat))
	}
	switch c.Database.Driver {
	case "sqlite3", "sqlite", "memory":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q (valid: sqlite3, sqlite, memory)", c.Database.Driver))
	}
	switch c.Chat.WorkflowStore {
	case "memory", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("chat.workflow_store %q (valid: memory, sqlite)", c.Chat.WorkflowStore))
	}
	if c.Chat.WorkflowStore == "sqlite" && c.Database.Driver == "memory" {
		errs = append(errs, errors.New("chat.workflow_store sqlite requires a file-backed database.driver"))
	}
	if c.Chat.ModelTimeout < 0 || c.Chat.ToolTimeout < 0 {
		errs = append(errs, errors.New("chat timeouts must not be negative"))
	}
	if c.Models.MaxTokens < 0 {
		errs = append(errs, errors.New("models.max_tokens must not be negative"))
	}
	for token, user := range c.Auth.Tokens {
		if strings.TrimSpace(token) == "" || strings.TrimSpace(user) == "" {
			errs = append(errs, errors.New("auth.tokens entries need both a token and a user id"))
			break
		}
	}

	return errors.Join(errs...)
}

// ModelConfigured reports whether any model provider has credentials.
func (c *Config) ModelConfigured() bool {
	return c.Anthropic.APIKey != "" || c.AzureOpenAI.Configured()
}

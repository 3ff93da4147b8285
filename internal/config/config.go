// Package config provides configuration management for the Pool Proxy API server.
// It handles loading and parsing YAML configuration files, persisting the key
// pool back into the same file, and provides structured access to application
// settings including server port, retry policy, proxy configuration, fake
// streaming behavior, and Vertex credentials.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"
)

// GeminiEndpoint is the base URL of the Generative Language API.
var GeminiEndpoint = "https://generativelanguage.googleapis.com"

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Port is the network port on which the API server will listen.
	Port int `yaml:"port"`
	// ManagementPassword protects the key-management endpoints. It may be a
	// bcrypt hash (preferred) or a plain string for local setups.
	ManagementPassword string `yaml:"management-password"`
	// Debug enables or disables debug-level logging and other debug features.
	Debug bool `yaml:"debug"`
	// LoggingToFile routes log output to rotating files instead of stdout.
	LoggingToFile bool `yaml:"logging-to-file"`
	// ProxyURL is the URL of an optional proxy server to use for outbound requests.
	ProxyURL string `yaml:"proxy-url"`
	// MaxRetries is the number of retries per request; attempts = MaxRetries + 1.
	MaxRetries int `yaml:"max-retries"`
	// CooldownSeconds is how long a key rests after the upstream returns 429.
	CooldownSeconds int `yaml:"cooldown-seconds"`
	// FakeStreaming enables keep-alive SSE frames while a non-streaming
	// upstream call is in flight.
	FakeStreaming bool `yaml:"fake-streaming"`
	// FakeStreamingInterval is the keep-alive period in seconds.
	FakeStreamingInterval float64 `yaml:"fake-streaming-interval"`
	// RequiredTags is a comma-separated list of tag names that must appear at
	// the top level of generated text; empty disables the check.
	RequiredTags string `yaml:"required-tags"`
	// SaveResponseBeforeTagCheck dumps the response text to a timestamped file
	// before tag validation runs. Diagnostic only.
	SaveResponseBeforeTagCheck bool `yaml:"save-response-before-tag-check"`
	// NoFs suppresses all filesystem writes by diagnostic helpers and the
	// usage store.
	NoFs bool `yaml:"no-fs"`
	// GeminiKeys is the persisted credential pool. Mutated only through the
	// key pool actor; the actor writes this list back to disk on changes.
	GeminiKeys []KeyStatus `yaml:"gemini-keys"`
	// Vertex configures the Google Cloud hosted Gemini variant.
	Vertex VertexConfig `yaml:"vertex"`
	// Claude configures the Claude upstream family.
	Claude ClaudeConfig `yaml:"claude"`

	// path is the file this configuration was loaded from.
	path string
}

// VertexConfig holds the service-account credential for the Vertex AI path.
type VertexConfig struct {
	// Credential is the raw service-account JSON. Empty disables Vertex.
	Credential string `yaml:"credential"`
}

// Enabled reports whether a Vertex credential is configured.
func (v *VertexConfig) Enabled() bool {
	return v.Credential != ""
}

// ProjectID extracts the project id from the service-account JSON.
func (v *VertexConfig) ProjectID() string {
	return gjson.Get(v.Credential, "project_id").String()
}

// ClaudeConfig holds the endpoints for the Claude upstream family.
type ClaudeConfig struct {
	// WebEndpoint is the base URL for the Claude Web variant.
	WebEndpoint string `yaml:"web-endpoint"`
	// CodeEndpoint is the base URL for the Claude Code variant.
	CodeEndpoint string `yaml:"code-endpoint"`
	// APIVersion is sent as the anthropic-version header.
	APIVersion string `yaml:"api-version"`
}

// current holds the live configuration snapshot. Readers never block; the
// watcher and the key pool actor replace the whole pointer.
var current atomic.Pointer[Config]

// Snapshot returns the current configuration. The returned value must be
// treated as read-only.
func Snapshot() *Config {
	return current.Load()
}

// Replace installs cfg as the new live configuration snapshot.
func Replace(cfg *Config) {
	current.Store(cfg)
}

// Update clones the current snapshot, applies fn to the clone, and installs
// the result. The key pool actor is the only component updating gemini-keys.
func Update(fn func(*Config)) *Config {
	cfg := Snapshot()
	if cfg == nil {
		cfg = &Config{}
	}
	cfg = cfg.Clone()
	fn(cfg)
	Replace(cfg)
	return cfg
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.GeminiKeys = make([]KeyStatus, len(c.GeminiKeys))
	for i := range c.GeminiKeys {
		clone.GeminiKeys[i] = c.GeminiKeys[i].Clone()
	}
	return &clone
}

// Path returns the file this configuration was loaded from.
func (c *Config) Path() string {
	return c.path
}

// SetPath records the backing file for configurations built in memory.
func (c *Config) SetPath(path string) {
	c.path = path
}

// LoadConfig reads a YAML configuration file from the given path,
// unmarshals it into a Config struct, and returns it.
func LoadConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err = yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	config.applyDefaults()
	config.path = configFile

	return &config, nil
}

// applyDefaults fills in values that the file may omit.
func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8317
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.CooldownSeconds == 0 {
		c.CooldownSeconds = 60
	}
	if c.FakeStreamingInterval == 0 {
		c.FakeStreamingInterval = 5
	}
	if c.Claude.WebEndpoint == "" {
		c.Claude.WebEndpoint = "https://claude.ai"
	}
	if c.Claude.CodeEndpoint == "" {
		c.Claude.CodeEndpoint = "https://api.anthropic.com"
	}
	if c.Claude.APIVersion == "" {
		c.Claude.APIVersion = "2023-06-01"
	}
}

// Save writes the configuration back to the file it was loaded from. The
// write is atomic: a temporary file in the same directory is renamed over
// the original. Honors no-fs.
func (c *Config) Save() error {
	if c.NoFs {
		return nil
	}
	if c.path == "" {
		return fmt.Errorf("config has no backing file")
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(c.path)
	tmp, err := os.CreateTemp(dir, ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write temp config file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close temp config file: %w", err)
	}
	if err = os.Rename(tmpName, c.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace config file: %w", err)
	}
	return nil
}

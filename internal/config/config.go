// Package config builds the effective session configuration: defaults,
// an optional YAML file, overrides stored in the database and secret
// references resolved from the environment.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Provider names understood by the llm and embedding packages.
const (
	ProviderOpenAI    = "openai"
	ProviderOllama    = "ollama"
	ProviderAnthropic = "anthropic"
	ProviderHash      = "hash"
	ProviderChromem   = "chromem"
	// ProviderNone disables the LLM: text is stored as given.
	ProviderNone = "none"
)

// DefaultOllamaURL is used when an ollama provider has no base URL.
const DefaultOllamaURL = "http://localhost:11434"

// Settings holds the provider specific knobs of an LLM or embedder.
type Settings struct {
	Model       string  `yaml:"model" json:"model,omitempty"`
	APIKey      string  `yaml:"api_key" json:"api_key,omitempty"`
	BaseURL     string  `yaml:"base_url" json:"base_url,omitempty"`
	Temperature float64 `yaml:"temperature" json:"temperature,omitempty"`
	MaxTokens   int     `yaml:"max_tokens" json:"max_tokens,omitempty"`
	Dims        int     `yaml:"dims" json:"dims,omitempty"`
}

// Provider selects an implementation and its settings.
type Provider struct {
	Provider string   `yaml:"provider" json:"provider"`
	Config   Settings `yaml:"config" json:"config"`
}

// VectorStore configures the vector backend. A nil VectorStore means basic mode.
type VectorStore struct {
	Provider   string `yaml:"provider" json:"provider"`
	Path       string `yaml:"path" json:"path,omitempty"` // empty keeps vectors in memory
	Collection string `yaml:"collection" json:"collection"`
	Compress   bool   `yaml:"compress" json:"compress,omitempty"`
}

// Config is the effective session configuration.
type Config struct {
	LLM                Provider     `yaml:"llm" json:"llm"`
	Embedder           Provider     `yaml:"embedder" json:"embedder"`
	VectorStore        *VectorStore `yaml:"vector_store" json:"vector_store,omitempty"`
	CustomInstructions string       `yaml:"custom_instructions" json:"custom_instructions,omitempty"`
	Version            string       `yaml:"version" json:"version"`
}

// Default returns the built-in configuration. The vector store section
// follows MEMGATE_VECTOR_STORE, MEMGATE_VECTOR_PATH and MEMGATE_VECTOR_COLLECTION.
func Default() *Config {
	return &Config{
		LLM: Provider{
			Provider: ProviderOpenAI,
			Config: Settings{
				Model:       "gpt-4o-mini",
				APIKey:      "env:OPENAI_API_KEY",
				Temperature: 0.1,
				MaxTokens:   2000,
			},
		},
		Embedder: Provider{
			Provider: ProviderOpenAI,
			Config: Settings{
				Model:  "text-embedding-3-small",
				APIKey: "env:OPENAI_API_KEY",
			},
		},
		VectorStore: defaultVectorStore(),
		Version:     "v1.1",
	}
}

func defaultVectorStore() *VectorStore {
	switch strings.ToLower(os.Getenv("MEMGATE_VECTOR_STORE")) {
	case "disabled", "off", "false":
		return nil
	}

	path := os.Getenv("MEMGATE_VECTOR_PATH")
	if path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, ".memgate", "vectors")
		}
	}
	collection := os.Getenv("MEMGATE_VECTOR_COLLECTION")
	if collection == "" {
		collection = "memgate"
	}
	return &VectorStore{Provider: ProviderChromem, Path: path, Collection: collection, Compress: true}
}

// LoadFile reads a YAML file over the defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	out := *c
	if c.VectorStore != nil {
		vs := *c.VectorStore
		out.VectorStore = &vs
	}
	return &out
}

// HasVectorStore reports whether the configuration asks for a vector backend.
func (c *Config) HasVectorStore() bool {
	return c.VectorStore != nil
}

// Hash returns a change-detection key over the canonical JSON encoding.
// Struct fields marshal in declaration order, so equal configs hash equally.
func (c *Config) Hash() string {
	b, _ := json.Marshal(c)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Redacted returns a copy safe to print: literal API keys are masked,
// env: references are kept.
func (c *Config) Redacted() *Config {
	out := c.Clone()
	out.LLM.Config.APIKey = redact(out.LLM.Config.APIKey)
	out.Embedder.Config.APIKey = redact(out.Embedder.Config.APIKey)
	return out
}

func redact(key string) string {
	if key == "" || strings.HasPrefix(key, envPrefix) {
		return key
	}
	return "***"
}

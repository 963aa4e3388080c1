package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

const envPrefix = "env:"

// Overrides is the JSON document stored under the "main" config row.
// A present section replaces the matching section of the base config.
// VectorStore may be set to {"provider":"disabled"} to force basic mode.
type Overrides struct {
	LLM                *Provider    `json:"llm,omitempty"`
	Embedder           *Provider    `json:"embedder,omitempty"`
	VectorStore        *VectorStore `json:"vector_store,omitempty"`
	CustomInstructions *string      `json:"custom_instructions,omitempty"`
}

// ParseOverrides decodes and validates a stored overrides document.
func ParseOverrides(data []byte) (*Overrides, error) {
	var o Overrides
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&o); err != nil {
		return nil, fmt.Errorf("parse overrides: %w", err)
	}
	return &o, nil
}

// Merge applies stored overrides over base and returns a new config.
// Empty data returns a copy of base.
func Merge(base *Config, data []byte) (*Config, error) {
	out := base.Clone()
	if len(data) == 0 {
		return out, nil
	}

	o, err := ParseOverrides(data)
	if err != nil {
		return nil, err
	}

	if o.LLM != nil {
		out.LLM = *o.LLM
	}
	if o.Embedder != nil {
		out.Embedder = *o.Embedder
	}
	if o.VectorStore != nil {
		if o.VectorStore.Provider == "disabled" {
			out.VectorStore = nil
		} else {
			vs := *o.VectorStore
			if vs.Provider == "" {
				vs.Provider = ProviderChromem
			}
			out.VectorStore = &vs
		}
	}
	if o.CustomInstructions != nil {
		out.CustomInstructions = *o.CustomInstructions
	}
	return out, nil
}

// ResolveSecrets replaces env:NAME references in API keys and base URLs
// with the value of the named variable. Unresolved references are kept
// and their names returned.
func ResolveSecrets(c *Config, lookup func(string) (string, bool), logger *slog.Logger) []string {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if logger == nil {
		logger = slog.Default()
	}

	var missing []string
	resolve := func(field, v string) string {
		if !strings.HasPrefix(v, envPrefix) {
			return v
		}
		name := strings.TrimPrefix(v, envPrefix)
		if val, ok := lookup(name); ok && val != "" {
			return val
		}
		logger.Warn("environment variable not set, keeping reference", "field", field, "var", name)
		missing = append(missing, name)
		return v
	}

	c.LLM.Config.APIKey = resolve("llm.api_key", c.LLM.Config.APIKey)
	c.LLM.Config.BaseURL = resolve("llm.base_url", c.LLM.Config.BaseURL)
	c.Embedder.Config.APIKey = resolve("embedder.api_key", c.Embedder.Config.APIKey)
	c.Embedder.Config.BaseURL = resolve("embedder.base_url", c.Embedder.Config.BaseURL)
	return missing
}

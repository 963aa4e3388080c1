package config

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_VectorStoreDisabled(t *testing.T) {
	t.Setenv("MEMGATE_VECTOR_STORE", "off")
	assert.False(t, Default().HasVectorStore())

	t.Setenv("MEMGATE_VECTOR_STORE", "")
	t.Setenv("MEMGATE_VECTOR_PATH", "/tmp/vec")
	t.Setenv("MEMGATE_VECTOR_COLLECTION", "c1")
	vs := Default().VectorStore
	require.NotNil(t, vs)
	assert.Equal(t, ProviderChromem, vs.Provider)
	assert.Equal(t, "/tmp/vec", vs.Path)
	assert.Equal(t, "c1", vs.Collection)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memgate.yaml")
	data := `
llm:
  provider: anthropic
  config:
    model: claude-3-5-haiku-latest
    api_key: env:ANTHROPIC_API_KEY
custom_instructions: only remember food preferences
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, ProviderAnthropic, cfg.LLM.Provider)
	assert.Equal(t, "claude-3-5-haiku-latest", cfg.LLM.Config.Model)
	assert.Equal(t, "only remember food preferences", cfg.CustomInstructions)
	// untouched sections keep their defaults
	assert.Equal(t, "text-embedding-3-small", cfg.Embedder.Config.Model)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestMerge(t *testing.T) {
	base := Default()
	base.VectorStore = &VectorStore{Provider: ProviderChromem, Collection: "memgate"}

	out, err := Merge(base, []byte(`{"llm":{"provider":"ollama","config":{"model":"llama3"}},"custom_instructions":"be brief"}`))
	require.NoError(t, err)
	assert.Equal(t, ProviderOllama, out.LLM.Provider)
	assert.Equal(t, "llama3", out.LLM.Config.Model)
	assert.Empty(t, out.LLM.Config.APIKey, "a present section replaces the base section")
	assert.Equal(t, "be brief", out.CustomInstructions)
	assert.Equal(t, ProviderOpenAI, base.LLM.Provider, "base is not mutated")

	out, err = Merge(base, []byte(`{"vector_store":{"provider":"disabled"}}`))
	require.NoError(t, err)
	assert.Nil(t, out.VectorStore)
	assert.NotNil(t, base.VectorStore)

	out, err = Merge(base, nil)
	require.NoError(t, err)
	assert.Equal(t, base.Hash(), out.Hash())

	_, err = Merge(base, []byte(`{"unknown":1}`))
	assert.Error(t, err)
}

func TestHash(t *testing.T) {
	a := Default()
	b := Default()
	assert.Equal(t, a.Hash(), b.Hash())

	b.LLM.Config.Temperature = 0.2
	assert.NotEqual(t, a.Hash(), b.Hash())
}

func TestResolveSecrets(t *testing.T) {
	cfg := Default()
	cfg.Embedder.Config.APIKey = "env:MISSING_KEY"
	env := map[string]string{"OPENAI_API_KEY": "sk-test"}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	missing := ResolveSecrets(cfg, lookup, nil)
	assert.Equal(t, "sk-test", cfg.LLM.Config.APIKey)
	assert.Equal(t, "env:MISSING_KEY", cfg.Embedder.Config.APIKey)
	assert.Equal(t, []string{"MISSING_KEY"}, missing)
}

func TestRedacted(t *testing.T) {
	cfg := Default()
	cfg.LLM.Config.APIKey = "sk-secret"
	r := cfg.Redacted()
	assert.Equal(t, "***", r.LLM.Config.APIKey)
	assert.Equal(t, "env:OPENAI_API_KEY", r.Embedder.Config.APIKey)
	assert.Equal(t, "sk-secret", cfg.LLM.Config.APIKey)
}

const routeTable = `Iface	Destination	Gateway 	Flags	RefCnt	Use	Metric	Mask		MTU	Window	IRTT
eth0	00000000	010011AC	0003	0	0	0	00000000	0	0	0
eth0	000011AC	00000000	0001	0	0	0	0000FFFF	0	0	0
`

func TestDefaultGateway(t *testing.T) {
	gw, err := DefaultGateway(strings.NewReader(routeTable))
	require.NoError(t, err)
	assert.Equal(t, "172.17.0.1", gw)

	_, err = DefaultGateway(strings.NewReader("Iface\tDestination\tGateway\n"))
	assert.Error(t, err)
}

func newRewriter(env map[string]string, inContainer, resolves bool, routes string) *HostRewriter {
	return &HostRewriter{
		Getenv:      func(k string) string { return env[k] },
		InContainer: func() bool { return inContainer },
		Resolves:    func(string) bool { return resolves },
		Routes: func() (io.ReadCloser, error) {
			if routes == "" {
				return nil, os.ErrNotExist
			}
			return io.NopCloser(strings.NewReader(routes)), nil
		},
	}
}

func TestHostRewriter(t *testing.T) {
	tests := []struct {
		name     string
		rw       *HostRewriter
		baseURL  string
		provider string
		want     string
	}{
		{"not in container", newRewriter(nil, false, true, routeTable), "http://localhost:11434", ProviderOllama, "http://localhost:11434"},
		{"ollama host override", newRewriter(map[string]string{"OLLAMA_HOST": "http://10.0.0.5:9999"}, false, false, ""), "http://localhost:11434", ProviderOllama, "http://10.0.0.5:11434"},
		{"docker internal", newRewriter(nil, true, true, routeTable), "http://127.0.0.1:11434", ProviderOllama, "http://host.docker.internal:11434"},
		{"gateway", newRewriter(nil, true, false, strings.Replace(routeTable, "010011AC", "0101A8C0", 1)), "http://localhost:11434", ProviderOllama, "http://192.168.1.1:11434"},
		{"bridge fallback", newRewriter(nil, true, false, ""), "http://localhost:11434", ProviderOllama, "http://172.17.0.1:11434"},
		{"default url", newRewriter(nil, true, true, ""), "", ProviderOllama, "http://host.docker.internal:11434"},
		{"remote url kept", newRewriter(nil, true, true, ""), "http://ollama.internal:11434", ProviderOllama, "http://ollama.internal:11434"},
		{"other provider", newRewriter(nil, true, true, ""), "http://localhost:8080", ProviderOpenAI, "http://localhost:8080"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Embedder = Provider{Provider: tt.provider, Config: Settings{BaseURL: tt.baseURL}}
			tt.rw.Rewrite(cfg)
			assert.Equal(t, tt.want, cfg.Embedder.Config.BaseURL)
		})
	}
}

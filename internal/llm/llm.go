// Package llm provides the completion providers used for fact extraction
// and categorization.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/rcliao/memgate/internal/config"
)

// Provider completes a single system + user prompt pair.
type Provider interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
	Name() string
}

const requestTimeout = 30 * time.Second

// OpenAI talks to the Chat Completions API. Ollama is served through its
// OpenAI compatible endpoint.
type OpenAI struct {
	client      openai.Client
	name        string
	model       string
	temperature float64
	maxTokens   int
}

// NewOpenAI creates an OpenAI chat provider.
func NewOpenAI(s config.Settings) *OpenAI {
	opts := []option.RequestOption{option.WithRequestTimeout(requestTimeout)}
	if s.APIKey != "" {
		opts = append(opts, option.WithAPIKey(s.APIKey))
	}
	if s.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(s.BaseURL))
	}
	model := s.Model
	if model == "" {
		model = string(openai.ChatModelGPT4oMini)
	}
	return &OpenAI{
		client:      openai.NewClient(opts...),
		name:        config.ProviderOpenAI,
		model:       model,
		temperature: s.Temperature,
		maxTokens:   s.MaxTokens,
	}
}

// NewOllama creates a provider for an Ollama server.
func NewOllama(s config.Settings) *OpenAI {
	base := s.BaseURL
	if base == "" {
		base = config.DefaultOllamaURL
	}
	s.BaseURL = strings.TrimSuffix(base, "/") + "/v1"
	if s.APIKey == "" {
		s.APIKey = "ollama"
	}
	if s.Model == "" {
		s.Model = "llama3.1"
	}
	p := NewOpenAI(s)
	p.name = config.ProviderOllama
	return p
}

func (p *OpenAI) Name() string { return p.name }

func (p *OpenAI) Complete(ctx context.Context, system, prompt string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(p.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(p.temperature),
	}
	if p.maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(p.maxTokens))
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("%s api error: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

// Anthropic talks to the Messages API.
type Anthropic struct {
	client      anthropic.Client
	model       string
	temperature float64
	maxTokens   int64
}

// NewAnthropic creates an Anthropic provider.
func NewAnthropic(s config.Settings) *Anthropic {
	opts := []aoption.RequestOption{aoption.WithRequestTimeout(requestTimeout)}
	if s.APIKey != "" {
		opts = append(opts, aoption.WithAPIKey(s.APIKey))
	}
	if s.BaseURL != "" {
		opts = append(opts, aoption.WithBaseURL(s.BaseURL))
	}
	model := s.Model
	if model == "" {
		model = "claude-3-5-haiku-latest"
	}
	maxTokens := int64(s.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 2000
	}
	return &Anthropic{
		client:      anthropic.NewClient(opts...),
		model:       model,
		temperature: s.Temperature,
		maxTokens:   maxTokens,
	}
}

func (p *Anthropic) Name() string { return config.ProviderAnthropic }

func (p *Anthropic) Complete(ctx context.Context, system, prompt string) (string, error) {
	resp, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: p.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
		Temperature: anthropic.Float(p.temperature),
	})
	if err != nil {
		return "", fmt.Errorf("anthropic api error: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}

// New creates a provider for the configured LLM section. It returns a nil
// Provider for ProviderNone.
func New(p config.Provider) (Provider, error) {
	if p.Provider == config.ProviderNone {
		return nil, nil
	}
	if strings.HasPrefix(p.Config.APIKey, "env:") {
		return nil, fmt.Errorf("%s llm: api key %s is not set", p.Provider, strings.TrimPrefix(p.Config.APIKey, "env:"))
	}
	switch p.Provider {
	case config.ProviderOpenAI:
		return NewOpenAI(p.Config), nil
	case config.ProviderOllama:
		return NewOllama(p.Config), nil
	case config.ProviderAnthropic:
		return NewAnthropic(p.Config), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", p.Provider)
	}
}

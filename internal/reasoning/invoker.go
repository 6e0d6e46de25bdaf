// Package reasoning asks a language model to judge authenticity signals and
// fused prices, and falls back to deterministic results whenever it cannot.
package reasoning

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/sells-group/card-appraiser/internal/config"
	"github.com/sells-group/card-appraiser/pkg/anthropic"
)

// Request is one reasoning call.
type Request struct {
	Operation string // "authenticity" or "valuation", used for logging
	System    string
	Prompt    string
	MaxTokens int
}

// Invoker is a reasoning capability. Implementations return the raw model
// text or an error; they do not apply fallbacks.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (string, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, req Request) (string, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// ErrEmptyResponse is returned when the model produced no text.
var ErrEmptyResponse = eris.New("reasoning: empty response")

// ErrTruncated is returned when the model hit its output token limit.
var ErrTruncated = eris.New("reasoning: response truncated")

// AnthropicInvoker calls the Anthropic Messages API.
type AnthropicInvoker struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicInvoker creates an invoker over client.
func NewAnthropicInvoker(client anthropic.Client, model string, maxTokens int) *AnthropicInvoker {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &AnthropicInvoker{client: client, model: model, maxTokens: int64(maxTokens)}
}

// Invoke sends one user message with a cached system prompt.
func (a *AnthropicInvoker) Invoke(ctx context.Context, req Request) (string, error) {
	maxTokens := a.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}
	temp := 0.0
	resp, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       a.model,
		MaxTokens:   maxTokens,
		System:      anthropic.CachedSystem(req.System, "5m"),
		Messages:    []anthropic.Message{{Role: "user", Content: req.Prompt}},
		Temperature: &temp,
	})
	if err != nil {
		return "", eris.Wrapf(err, "reasoning: anthropic %s", req.Operation)
	}
	resp.Usage.LogCost(a.model, req.Operation)
	if resp.Truncated() {
		return "", eris.Wrapf(ErrTruncated, "reasoning: anthropic %s at %d tokens", req.Operation, maxTokens)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// contentGenerator is the part of *genai.Models the invoker needs.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiInvoker calls the Gemini API through the genai SDK.
type GeminiInvoker struct {
	models    contentGenerator
	model     string
	maxTokens int32
}

// NewGeminiInvoker creates a Gemini client for apiKey.
func NewGeminiInvoker(ctx context.Context, apiKey, model string, maxTokens int) (*GeminiInvoker, error) {
	if apiKey == "" {
		return nil, eris.New("reasoning: gemini API key is required")
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, eris.Wrap(err, "reasoning: create gemini client")
	}
	return newGeminiInvoker(client.Models, model, maxTokens), nil
}

func newGeminiInvoker(models contentGenerator, model string, maxTokens int) *GeminiInvoker {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &GeminiInvoker{models: models, model: model, maxTokens: int32(maxTokens)}
}

// Invoke generates a JSON response for the prompt.
func (g *GeminiInvoker) Invoke(ctx context.Context, req Request) (string, error) {
	maxTokens := g.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = int32(req.MaxTokens)
	}
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(req.System, genai.RoleUser),
		Temperature:       genai.Ptr[float32](0),
		MaxOutputTokens:   maxTokens,
		ResponseMIMEType:  "application/json",
	}
	resp, err := g.models.GenerateContent(ctx, g.model,
		[]*genai.Content{genai.NewContentFromText(req.Prompt, genai.RoleUser)}, cfg)
	if err != nil {
		return "", eris.Wrapf(err, "reasoning: gemini %s", req.Operation)
	}
	if resp.UsageMetadata != nil {
		zap.L().Debug("reasoning tokens",
			zap.String("model", g.model),
			zap.String("operation", req.Operation),
			zap.Int32("input_tokens", resp.UsageMetadata.PromptTokenCount),
			zap.Int32("output_tokens", resp.UsageMetadata.CandidatesTokenCount),
		)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// NewInvoker builds the configured provider. A nil Invoker with no error
// means reasoning is disabled and every call uses the fallback.
func NewInvoker(ctx context.Context, cfg *config.Config) (Invoker, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Reasoning.Provider)) {
	case "", "none":
		return nil, nil
	case "anthropic":
		if cfg.Anthropic.Key == "" {
			zap.L().Warn("reasoning: anthropic key not set, using fallbacks only")
			return nil, nil
		}
		client := anthropic.NewClient(cfg.Anthropic.Key)
		return NewAnthropicInvoker(client, cfg.Anthropic.Model, cfg.Anthropic.MaxTokens), nil
	case "gemini":
		if cfg.Gemini.Key == "" {
			zap.L().Warn("reasoning: gemini key not set, using fallbacks only")
			return nil, nil
		}
		inv, err := NewGeminiInvoker(ctx, cfg.Gemini.Key, cfg.Gemini.Model, cfg.Anthropic.MaxTokens)
		if err != nil {
			return nil, err
		}
		return inv, nil
	default:
		return nil, eris.Errorf("reasoning: unknown provider %q", cfg.Reasoning.Provider)
	}
}

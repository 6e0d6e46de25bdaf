package reasoning

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/sells-group/card-appraiser/internal/config"
	"github.com/sells-group/card-appraiser/pkg/anthropic"
)

type fakeAnthropic struct {
	resp *anthropic.MessageResponse
	err  error
	got  anthropic.MessageRequest
}

func (f *fakeAnthropic) CreateMessage(_ context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	f.got = req
	return f.resp, f.err
}

func TestAnthropicInvoker(t *testing.T) {
	fake := &fakeAnthropic{resp: &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: ` {"score": 0.8} `}},
		Usage:   anthropic.TokenUsage{InputTokens: 100, OutputTokens: 20},
	}}
	inv := NewAnthropicInvoker(fake, "claude-haiku-4-5-20251001", 0)

	out, err := inv.Invoke(context.Background(), Request{Operation: OpAuthenticity, System: "sys", Prompt: "judge"})
	require.NoError(t, err)
	assert.Equal(t, `{"score": 0.8}`, out)
	assert.Equal(t, int64(1024), fake.got.MaxTokens)
	assert.Equal(t, "claude-haiku-4-5-20251001", fake.got.Model)
	require.Len(t, fake.got.System, 1)
	assert.Equal(t, "sys", fake.got.System[0].Text)
	require.Len(t, fake.got.Messages, 1)
	assert.Equal(t, "judge", fake.got.Messages[0].Content)
	require.NotNil(t, fake.got.Temperature)
	assert.Zero(t, *fake.got.Temperature)
}

func TestAnthropicInvoker_Errors(t *testing.T) {
	inv := NewAnthropicInvoker(&fakeAnthropic{err: errors.New("overloaded")}, "m", 256)
	_, err := inv.Invoke(context.Background(), Request{Operation: OpValuation})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic valuation")

	inv = NewAnthropicInvoker(&fakeAnthropic{resp: &anthropic.MessageResponse{}}, "m", 256)
	_, err = inv.Invoke(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestAnthropicInvoker_TruncatedVerdictRejected(t *testing.T) {
	inv := NewAnthropicInvoker(&fakeAnthropic{resp: &anthropic.MessageResponse{
		Content:    []anthropic.ContentBlock{{Type: "text", Text: `{"score": 0.`}},
		StopReason: "max_tokens",
	}}, "m", 16)
	_, err := inv.Invoke(context.Background(), Request{Operation: OpAuthenticity})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTruncated)
	assert.Contains(t, err.Error(), "at 16 tokens")
}

type fakeGenerator struct {
	resp  *genai.GenerateContentResponse
	err   error
	model string
	cfg   *genai.GenerateContentConfig
}

func (f *fakeGenerator) GenerateContent(_ context.Context, model string, _ []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.model = model
	f.cfg = cfg
	return f.resp, f.err
}

func TestGeminiInvoker(t *testing.T) {
	fake := &fakeGenerator{resp: &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: genai.NewContentFromText(`{"summary":"ok"}`, genai.RoleModel)}},
	}}
	inv := newGeminiInvoker(fake, "gemini-2.5-flash", 512)

	out, err := inv.Invoke(context.Background(), Request{Operation: OpValuation, System: "sys", Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, `{"summary":"ok"}`, out)
	assert.Equal(t, "gemini-2.5-flash", fake.model)
	assert.Equal(t, int32(512), fake.cfg.MaxOutputTokens)
	assert.Equal(t, "application/json", fake.cfg.ResponseMIMEType)
}

func TestGeminiInvoker_Errors(t *testing.T) {
	_, err := newGeminiInvoker(&fakeGenerator{err: errors.New("quota")}, "m", 0).Invoke(context.Background(), Request{Operation: OpAuthenticity})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gemini authenticity")

	_, err = newGeminiInvoker(&fakeGenerator{resp: &genai.GenerateContentResponse{}}, "m", 0).Invoke(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrEmptyResponse)

	_, err = NewGeminiInvoker(context.Background(), "", "", 0)
	assert.Error(t, err)
}

func TestNewInvoker(t *testing.T) {
	inv, err := NewInvoker(context.Background(), &config.Config{Reasoning: config.ReasoningConfig{Provider: "none"}})
	require.NoError(t, err)
	assert.Nil(t, inv)

	inv, err = NewInvoker(context.Background(), &config.Config{Reasoning: config.ReasoningConfig{Provider: "anthropic"}})
	require.NoError(t, err)
	assert.Nil(t, inv, "missing key disables reasoning")

	inv, err = NewInvoker(context.Background(), &config.Config{
		Reasoning: config.ReasoningConfig{Provider: "Anthropic"},
		Anthropic: config.AnthropicConfig{Key: "k", Model: "m"},
	})
	require.NoError(t, err)
	assert.IsType(t, &AnthropicInvoker{}, inv)

	_, err = NewInvoker(context.Background(), &config.Config{Reasoning: config.ReasoningConfig{Provider: "oracle"}})
	assert.Error(t, err)
}

package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dispatch/internal/common"
	"github.com/ternarybob/dispatch/internal/interfaces"
)

func newTestFactory(defaultProvider common.LLMProvider) *ProviderFactory {
	cfg := common.NewDefaultConfig()
	cfg.LLM.DefaultProvider = defaultProvider
	cfg.Gemini.APIKey = ""
	cfg.Claude.APIKey = ""
	return NewProviderFactory(&cfg.Gemini, &cfg.Claude, &cfg.LLM, arbor.NewLogger())
}

func TestDetectProvider(t *testing.T) {
	f := newTestFactory(common.LLMProviderGemini)

	tests := []struct {
		model string
		want  ProviderType
	}{
		{"claude-sonnet-4-20250514", ProviderClaude},
		{"claude/claude-3-5-haiku-20241022", ProviderClaude},
		{"anthropic/whatever", ProviderClaude},
		{"gemini-2.5-flash", ProviderGemini},
		{"Gemini/gemini-2.5-pro", ProviderGemini},
		{"google/gemini-2.5-flash", ProviderGemini},
		{"custom-model", ProviderGemini},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			assert.Equal(t, tt.want, f.DetectProvider(tt.model))
		})
	}

	assert.Equal(t, ProviderClaude, newTestFactory(common.LLMProviderClaude).DetectProvider("custom-model"))
}

func TestNormalizeModel(t *testing.T) {
	assert.Equal(t, "gemini-2.5-flash", NormalizeModel("gemini/gemini-2.5-flash"))
	assert.Equal(t, "claude-sonnet-4-20250514", NormalizeModel("Claude/claude-sonnet-4-20250514"))
	assert.Equal(t, "gemini-2.5-flash", NormalizeModel("gemini-2.5-flash"))
}

func TestGenerateWithoutCredentials(t *testing.T) {
	f := newTestFactory(common.LLMProviderGemini)

	_, err := f.Generate(context.Background(), &interfaces.GenerateRequest{Model: "gemini-2.5-flash", Prompt: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no Gemini API key")

	_, err = f.Generate(context.Background(), &interfaces.GenerateRequest{Model: "claude-sonnet-4-20250514", Prompt: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no Anthropic API key")

	_, err = f.Generate(context.Background(), &interfaces.GenerateRequest{Model: "gemini/", Prompt: "hi"})
	assert.ErrorContains(t, err, "model is required")
}

func TestClaudeClientCachedPerKey(t *testing.T) {
	f := newTestFactory(common.LLMProviderClaude)

	_, err := f.claudeClient("key-a")
	require.NoError(t, err)
	_, err = f.claudeClient("key-a")
	require.NoError(t, err)
	_, err = f.claudeClient("key-b")
	require.NoError(t, err)

	assert.Len(t, f.claudeClients, 2)
	require.NoError(t, f.Close())
	assert.Empty(t, f.claudeClients)
}

func TestIsRateLimitError(t *testing.T) {
	assert.False(t, IsRateLimitError(nil))
	assert.True(t, IsRateLimitError(errors.New("Error 429, Message: Resource has been exhausted")))
	assert.True(t, IsRateLimitError(errors.New("Status: RESOURCE_EXHAUSTED")))
	assert.True(t, IsRateLimitError(errors.New(`{"type":"rate_limit_error"}`)))
	assert.True(t, IsRateLimitError(errors.New("Quota exceeded for metric")))
	assert.False(t, IsRateLimitError(errors.New("500 internal error")))
}

func TestExtractRetryDelay(t *testing.T) {
	err := errors.New("Error 429, Message: ... Please retry in 45.5s., Status: RESOURCE_EXHAUSTED")
	assert.Equal(t, 45500*time.Millisecond, ExtractRetryDelay(err))
	assert.Equal(t, 12*time.Second, ExtractRetryDelay(errors.New("retryDelay: 12s")))
	assert.Equal(t, time.Duration(0), ExtractRetryDelay(errors.New("no hint")))
}

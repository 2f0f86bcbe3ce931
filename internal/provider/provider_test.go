package provider

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quill/internal/config"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		settings config.ProviderSettings
		wantErr  error
	}{
		{name: "openai with key", provider: OpenAIName, settings: config.ProviderSettings{OpenAI: config.OpenAISettings{APIKey: "sk"}}},
		{name: "openai without key", provider: OpenAIName, wantErr: ErrNotConfigured},
		{name: "gemini without key", provider: GeminiName, settings: config.ProviderSettings{Gemini: config.GeminiSettings{APIKey: "  "}}, wantErr: ErrNotConfigured},
		{name: "claude with key", provider: ClaudeName, settings: config.ProviderSettings{Claude: config.ClaudeSettings{APIKey: "c"}}},
		{name: "ollama needs only a url", provider: OllamaName, settings: config.ProviderSettings{Ollama: config.OllamaSettings{URL: "http://localhost:11434"}}},
		{name: "openwebui without url", provider: OllamaName, settings: config.ProviderSettings{Ollama: config.OllamaSettings{URL: "http://x", UseOpenWebUI: true}}, wantErr: ErrNotConfigured},
		{name: "unknown provider", provider: "mistral", wantErr: ErrUnknownProvider},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.provider, tt.settings)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestNew(t *testing.T) {
	settings := config.ProviderSettings{
		OpenAI: config.OpenAISettings{APIKey: "sk", Model: "gpt-4o"},
		Ollama: config.OllamaSettings{URL: "http://localhost:11434", Model: "llama2", OpenWebUIURL: "http://localhost:3000/"},
		Gemini: config.GeminiSettings{APIKey: "g", Model: "gemini-pro"},
		Claude: config.ClaudeSettings{APIKey: "c", Model: "claude-3-sonnet-20240229"},
	}

	for _, name := range Names() {
		p, err := New(name, settings, http.DefaultClient, time.Second)
		require.NoError(t, err, name)
		assert.Equal(t, name, p.Name())
	}

	p, err := New(OllamaName, settings, nil, time.Second)
	require.NoError(t, err)
	assert.IsType(t, &Ollama{}, p)

	settings.Ollama.UseOpenWebUI = true
	p, err = New(OllamaName, settings, nil, time.Second)
	require.NoError(t, err)
	assert.IsType(t, &OpenAI{}, p)
	assert.Equal(t, OllamaName, p.Name())
	assert.Equal(t, "llama2", p.Model())

	_, err = New("mistral", settings, nil, time.Second)
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestKnown(t *testing.T) {
	assert.True(t, Known(ClaudeName))
	assert.False(t, Known("Claude"))
	assert.Len(t, Names(), 4)
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	value := "ääää"
	got := truncate(value, 3)
	assert.Equal(t, "ä", got)
	assert.Equal(t, value, truncate(value, 100))
}

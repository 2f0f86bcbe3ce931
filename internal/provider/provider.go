// Package provider adapts the external text-generation services behind one
// capability interface.
package provider

import (
	"context"
	"fmt"
	"iter"
	"net/http"
	"slices"
	"strings"
	"time"

	"quill/internal/config"
)

const (
	OpenAIName = "openai"
	OllamaName = "ollama"
	GeminiName = "gemini"
	ClaudeName = "claude"
)

var known = []string{OpenAIName, OllamaName, GeminiName, ClaudeName}

// Rewriter is the text-generation capability the orchestrator calls.
type Rewriter interface {
	Name() string
	Model() string
	// Rewrite returns the whitespace-trimmed rewrite of text.
	Rewrite(ctx context.Context, text, systemPrompt string) (string, error)
	// RewriteStream yields chunks in order. A failure is yielded once as the
	// final element.
	RewriteStream(ctx context.Context, text, systemPrompt string) iter.Seq2[string, error]
	TestConnection(ctx context.Context) ConnectionResult
}

// ConnectionResult is the outcome of TestConnection.
type ConnectionResult struct {
	Success bool     `json:"success"`
	Message string   `json:"message,omitempty"`
	Models  []string `json:"models,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// Names lists the supported providers.
func Names() []string {
	return slices.Clone(known)
}

func Known(name string) bool {
	return slices.Contains(known, name)
}

// Validate reports whether settings hold what a call to name needs.
func Validate(name string, settings config.ProviderSettings) error {
	missing := func(label string) error {
		return fmt.Errorf("%w: %s API key is not configured", ErrNotConfigured, label)
	}
	switch name {
	case OpenAIName:
		if strings.TrimSpace(settings.OpenAI.APIKey) == "" {
			return missing("OpenAI")
		}
	case GeminiName:
		if strings.TrimSpace(settings.Gemini.APIKey) == "" {
			return missing("Gemini")
		}
	case ClaudeName:
		if strings.TrimSpace(settings.Claude.APIKey) == "" {
			return missing("Claude")
		}
	case OllamaName:
		url := settings.Ollama.URL
		if settings.Ollama.UseOpenWebUI {
			url = settings.Ollama.OpenWebUIURL
		}
		if strings.TrimSpace(url) == "" {
			return fmt.Errorf("%w: Ollama URL is not configured", ErrNotConfigured)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return nil
}

// New builds the adapter for name. timeout bounds non-streaming calls; the
// connect and read limits live in client's transport.
func New(name string, settings config.ProviderSettings, client *http.Client, timeout time.Duration) (Rewriter, error) {
	if client == nil {
		client = http.DefaultClient
	}
	switch name {
	case OpenAIName:
		s := settings.OpenAI
		return NewOpenAI(OpenAIName, s.APIKey, s.Model, s.BaseURL, true, client, timeout), nil
	case OllamaName:
		s := settings.Ollama
		if s.UseOpenWebUI {
			baseURL := strings.TrimSuffix(s.OpenWebUIURL, "/") + "/api/v1/"
			return NewOpenAI(OllamaName, "", s.Model, baseURL, false, client, timeout), nil
		}
		return NewOllama(s.URL, s.Model, client, timeout), nil
	case GeminiName:
		s := settings.Gemini
		return NewGemini(s.BaseURL, s.APIKey, s.Model, client, timeout), nil
	case ClaudeName:
		s := settings.Claude
		return NewClaude(s.BaseURL, s.APIKey, s.Model, client, timeout), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
}

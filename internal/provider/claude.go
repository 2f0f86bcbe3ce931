package provider

import (
	"context"
	"iter"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// anthropicVersion is the API version to use.
const anthropicVersion = "2023-06-01"

// Claude calls the Anthropic messages API.
type Claude struct {
	caller
	baseURL string
	apiKey  string
	model   string
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeRequest struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens"`
	System    string          `json:"system,omitempty"`
	Messages  []claudeMessage `json:"messages"`
	Stream    bool            `json:"stream,omitempty"`
}

func NewClaude(baseURL, apiKey, model string, client *http.Client, timeout time.Duration) *Claude {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	return &Claude{
		caller:  caller{provider: ClaudeName, client: client, timeout: timeout},
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
	}
}

func (c *Claude) Name() string  { return ClaudeName }
func (c *Claude) Model() string { return c.model }

func (c *Claude) messages(body claudeRequest) request {
	return request{
		method: http.MethodPost,
		url:    c.baseURL + "/v1/messages",
		header: http.Header{
			"X-Api-Key":         []string{c.apiKey},
			"Anthropic-Version": []string{anthropicVersion},
		},
		body: body,
	}
}

func (c *Claude) rewriteRequest(text, systemPrompt string, stream bool) request {
	return c.messages(claudeRequest{
		Model:     c.model,
		MaxTokens: 4096,
		System:    systemPrompt,
		Messages:  []claudeMessage{{Role: "user", Content: text}},
		Stream:    stream,
	})
}

func (c *Claude) Rewrite(ctx context.Context, text, systemPrompt string) (string, error) {
	return c.text(ctx, c.rewriteRequest(text, systemPrompt, false), "content.0.text")
}

func (c *Claude) RewriteStream(ctx context.Context, text, systemPrompt string) iter.Seq2[string, error] {
	return c.stream(ctx, c.rewriteRequest(text, systemPrompt, true), true, func(payload gjson.Result) (string, bool, error) {
		switch payload.Get("type").String() {
		case "content_block_delta":
			return payload.Get("delta.text").String(), false, nil
		case "message_stop":
			return "", true, nil
		case "error":
			return "", true, &Error{Provider: ClaudeName, Detail: truncate(payload.Get("error.message").String(), maxDetail)}
		default:
			return "", false, nil
		}
	})
}

// TestConnection sends a minimal message; the API has no cheap model list.
func (c *Claude) TestConnection(ctx context.Context) ConnectionResult {
	_, err := c.fetch(ctx, c.messages(claudeRequest{
		Model:     c.model,
		MaxTokens: 10,
		Messages:  []claudeMessage{{Role: "user", Content: "test"}},
	}))
	if err != nil {
		return failed(err)
	}
	return ConnectionResult{Success: true, Message: "Connection successful"}
}

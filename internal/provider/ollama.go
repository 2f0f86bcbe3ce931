package provider

import (
	"context"
	"fmt"
	"iter"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Ollama calls a local Ollama server directly through /api/generate.
type Ollama struct {
	caller
	baseURL string
	model   string
}

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

func NewOllama(baseURL, model string, client *http.Client, timeout time.Duration) *Ollama {
	return &Ollama{
		caller:  caller{provider: OllamaName, client: client, timeout: timeout},
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
	}
}

func (o *Ollama) Name() string  { return OllamaName }
func (o *Ollama) Model() string { return o.model }

func (o *Ollama) generate(text, systemPrompt string, stream bool) request {
	return request{
		method: http.MethodPost,
		url:    o.baseURL + "/api/generate",
		body: ollamaRequest{
			Model:  o.model,
			Prompt: joinPrompt(systemPrompt, text),
			Stream: stream,
		},
	}
}

func (o *Ollama) Rewrite(ctx context.Context, text, systemPrompt string) (string, error) {
	return o.text(ctx, o.generate(text, systemPrompt, false), "response")
}

func (o *Ollama) RewriteStream(ctx context.Context, text, systemPrompt string) iter.Seq2[string, error] {
	return o.stream(ctx, o.generate(text, systemPrompt, true), false, func(payload gjson.Result) (string, bool, error) {
		if msg := payload.Get("error"); msg.Exists() {
			return "", true, &Error{Provider: OllamaName, Detail: truncate(msg.String(), maxDetail)}
		}
		return payload.Get("response").String(), payload.Get("done").Bool(), nil
	})
}

func (o *Ollama) TestConnection(ctx context.Context) ConnectionResult {
	result, err := o.fetch(ctx, request{method: http.MethodGet, url: o.baseURL + "/api/tags"})
	if err != nil {
		return failed(err)
	}
	return ConnectionResult{
		Success: true,
		Message: fmt.Sprintf("Connection successful to %s", o.baseURL),
		Models:  names(result, "models.#.name"),
	}
}

package provider

import (
	"context"
	"iter"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const geminiTextPath = "candidates.0.content.parts.0.text"

// Gemini calls the Generative Language REST API. The key travels in a
// header so it never shows up in logged URLs.
type Gemini struct {
	caller
	baseURL string
	apiKey  string
	model   string
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

func NewGemini(baseURL, apiKey, model string, client *http.Client, timeout time.Duration) *Gemini {
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}
	return &Gemini{
		caller:  caller{provider: GeminiName, client: client, timeout: timeout},
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
	}
}

func (g *Gemini) Name() string  { return GeminiName }
func (g *Gemini) Model() string { return g.model }

func (g *Gemini) header() http.Header {
	return http.Header{"X-Goog-Api-Key": []string{g.apiKey}}
}

func (g *Gemini) generate(method, text, systemPrompt string) request {
	return request{
		method: http.MethodPost,
		url:    g.baseURL + "/v1beta/models/" + url.PathEscape(g.model) + ":" + method,
		header: g.header(),
		body: geminiRequest{Contents: []geminiContent{{
			Parts: []geminiPart{{Text: joinPrompt(systemPrompt, text)}},
		}}},
	}
}

func (g *Gemini) Rewrite(ctx context.Context, text, systemPrompt string) (string, error) {
	return g.text(ctx, g.generate("generateContent", text, systemPrompt), geminiTextPath)
}

func (g *Gemini) RewriteStream(ctx context.Context, text, systemPrompt string) iter.Seq2[string, error] {
	req := g.generate("streamGenerateContent", text, systemPrompt)
	req.url += "?alt=sse"
	return g.stream(ctx, req, true, func(payload gjson.Result) (string, bool, error) {
		if msg := payload.Get("error.message"); msg.Exists() {
			return "", true, &Error{Provider: GeminiName, Detail: truncate(msg.String(), maxDetail)}
		}
		return payload.Get(geminiTextPath).String(), false, nil
	})
}

func (g *Gemini) TestConnection(ctx context.Context) ConnectionResult {
	result, err := g.fetch(ctx, request{
		method: http.MethodGet,
		url:    g.baseURL + "/v1beta/models",
		header: g.header(),
	})
	if err != nil {
		return failed(err)
	}
	return ConnectionResult{Success: true, Message: "Connection successful", Models: names(result, "models.#.name")}
}

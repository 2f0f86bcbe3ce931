package provider

import (
	"context"
	"errors"
	"iter"
	"net/http"
	"strings"
	"time"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAI talks to the chat completions API through the official SDK. It
// also serves OpenWebUI, which exposes the same API under /api/v1/.
type OpenAI struct {
	name    string
	model   string
	client  openai.Client
	timeout time.Duration
	// gptOnly filters the model list of the hosted API
	gptOnly bool
}

func NewOpenAI(name, apiKey, model, baseURL string, gptOnly bool, httpClient *http.Client, timeout time.Duration) *OpenAI {
	opts := []option.RequestOption{
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAI{
		name:    name,
		model:   model,
		client:  openai.NewClient(opts...),
		timeout: timeout,
		gptOnly: gptOnly,
	}
}

func (o *OpenAI) Name() string  { return o.name }
func (o *OpenAI) Model() string { return o.model }

func (o *OpenAI) params(text, systemPrompt string) openai.ChatCompletionNewParams {
	return openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(text),
		},
		Temperature: openai.Float(0.7),
	}
}

func (o *OpenAI) Rewrite(ctx context.Context, text, systemPrompt string) (string, error) {
	ctx, cancel := withTimeout(ctx, o.timeout)
	defer cancel()

	resp, err := o.client.Chat.Completions.New(ctx, o.params(text, systemPrompt))
	if err != nil {
		return "", o.wrap(err)
	}
	if len(resp.Choices) == 0 {
		return "", &Error{Provider: o.name, Detail: "empty choices"}
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (o *OpenAI) RewriteStream(ctx context.Context, text, systemPrompt string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		idle := startIdleTimer(o.timeout, cancel)
		defer idle.pause()

		stream := o.client.Chat.Completions.NewStreaming(ctx, o.params(text, systemPrompt))
		defer stream.Close()

		for stream.Next() {
			idle.pause()
			chunk := stream.Current()
			if len(chunk.Choices) > 0 {
				if delta := chunk.Choices[0].Delta.Content; delta != "" && !yield(delta, nil) {
					return
				}
			}
			idle.resume()
		}
		if idle.Expired() {
			yield("", &Error{Provider: o.name, Timeout: true, Err: stream.Err()})
			return
		}
		if err := stream.Err(); err != nil {
			yield("", o.wrap(err))
		}
	}
}

func (o *OpenAI) TestConnection(ctx context.Context) ConnectionResult {
	ctx, cancel := withTimeout(ctx, o.timeout)
	defer cancel()

	page, err := o.client.Models.List(ctx)
	if err != nil {
		return failed(o.wrap(err))
	}
	models := make([]string, 0, len(page.Data))
	for _, model := range page.Data {
		if o.gptOnly && !strings.HasPrefix(model.ID, "gpt") {
			continue
		}
		models = append(models, model.ID)
	}
	return ConnectionResult{Success: true, Message: "Connection successful", Models: models}
}

func (o *OpenAI) wrap(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &Error{
			Provider:   o.name,
			StatusCode: apiErr.StatusCode,
			Detail:     truncate(apiErr.Message, maxDetail),
			Err:        err,
		}
	}
	return transportError(o.name, err)
}

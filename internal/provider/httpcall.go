package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
)

const maxResponseSize = 10 * 1024 * 1024

// NewHTTPClient returns the client shared by all adapters. connect bounds
// dialing and the TLS handshake, read bounds the wait for response headers.
func NewHTTPClient(connect, read time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: connect, KeepAlive: 30 * time.Second}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			TLSHandshakeTimeout:   connect,
			ResponseHeaderTimeout: read,
			MaxIdleConnsPerHost:   4,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}

// request describes one provider call.
type request struct {
	method string
	url    string
	header http.Header
	body   any
}

// chunkFunc decodes one streamed payload. done ends the stream.
type chunkFunc func(payload gjson.Result) (text string, done bool, err error)

// caller performs provider calls; every adapter built on plain HTTP goes
// through it.
type caller struct {
	provider string
	client   *http.Client
	// timeout bounds a whole non-streaming call, and the silence between
	// frames of a streaming one
	timeout time.Duration
}

// idleTimer cancels a streaming call once the provider has been silent for
// longer than timeout. A zero timeout disables it.
type idleTimer struct {
	timeout time.Duration
	timer   *time.Timer
	expired atomic.Bool
}

func startIdleTimer(timeout time.Duration, cancel context.CancelFunc) *idleTimer {
	t := &idleTimer{timeout: timeout}
	if timeout > 0 {
		t.timer = time.AfterFunc(timeout, func() {
			t.expired.Store(true)
			cancel()
		})
	}
	return t
}

// pause stops the clock while the consumer handles a chunk.
func (t *idleTimer) pause() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *idleTimer) resume() {
	if t.timer != nil && !t.expired.Load() {
		t.timer.Reset(t.timeout)
	}
}

func (t *idleTimer) Expired() bool {
	return t.expired.Load()
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func (c caller) do(ctx context.Context, req request) (*http.Response, error) {
	var reader io.Reader
	if req.body != nil {
		data, err := json.Marshal(req.body)
		if err != nil {
			return nil, fmt.Errorf("encode %s request: %w", c.provider, err)
		}
		reader = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, req.url, reader)
	if err != nil {
		return nil, &Error{Provider: c.provider, Detail: "invalid endpoint", Err: err}
	}
	for key, values := range req.header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}
	if req.body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, transportError(c.provider, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxDetail+1))
		return nil, statusError(c.provider, resp.StatusCode, body)
	}
	return resp, nil
}

// fetch performs req and parses the JSON response body.
func (c caller) fetch(ctx context.Context, req request) (gjson.Result, error) {
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.do(ctx, req)
	if err != nil {
		return gjson.Result{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return gjson.Result{}, transportError(c.provider, err)
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, &Error{Provider: c.provider, Detail: "invalid JSON response"}
	}
	return gjson.ParseBytes(body), nil
}

// text performs req and returns the trimmed string found at path.
func (c caller) text(ctx context.Context, req request, path string) (string, error) {
	result, err := c.fetch(ctx, req)
	if err != nil {
		return "", err
	}
	value := result.Get(path)
	if !value.Exists() {
		return "", &Error{Provider: c.provider, Detail: "unexpected response format"}
	}
	return strings.TrimSpace(value.String()), nil
}

// stream performs req and yields the decoded chunks in arrival order. With
// sse set the body is read as Server-Sent Events, otherwise as one JSON
// document per line. Stopping the iteration closes the response body. A
// provider that stays silent for longer than the call timeout ends the
// stream with a timeout error.
func (c caller) stream(ctx context.Context, req request, sse bool, decode chunkFunc) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		idle := startIdleTimer(c.timeout, cancel)
		defer idle.pause()

		resp, err := c.do(ctx, req)
		if err != nil {
			if idle.Expired() {
				err = &Error{Provider: c.provider, Timeout: true, Err: err}
			}
			yield("", err)
			return
		}
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxResponseSize)
		for scanner.Scan() {
			idle.pause()
			line := bytes.TrimSpace(scanner.Bytes())
			if sse {
				if !bytes.HasPrefix(line, []byte("data:")) {
					idle.resume()
					continue
				}
				line = bytes.TrimSpace(line[len("data:"):])
				if string(line) == "[DONE]" {
					return
				}
			}
			if len(line) == 0 {
				idle.resume()
				continue
			}
			if !gjson.ValidBytes(line) {
				yield("", &Error{Provider: c.provider, Detail: "invalid stream frame"})
				return
			}
			text, done, err := decode(gjson.ParseBytes(line))
			if err != nil {
				yield("", err)
				return
			}
			if text != "" && !yield(text, nil) {
				return
			}
			if done {
				return
			}
			idle.resume()
		}
		if idle.Expired() {
			yield("", &Error{Provider: c.provider, Timeout: true, Err: scanner.Err()})
			return
		}
		if err := scanner.Err(); err != nil {
			yield("", transportError(c.provider, err))
		}
	}
}

// names collects the string values at path, e.g. "models.#.name".
func names(result gjson.Result, path string) []string {
	values := result.Get(path).Array()
	out := make([]string, 0, len(values))
	for _, value := range values {
		if name := value.String(); name != "" {
			out = append(out, name)
		}
	}
	return out
}

func joinPrompt(systemPrompt, text string) string {
	return systemPrompt + "\n\nText:\n" + text
}

func failed(err error) ConnectionResult {
	var perr *Error
	if errors.As(err, &perr) {
		return ConnectionResult{Success: false, Error: perr.SafeMessage()}
	}
	return ConnectionResult{Success: false, Error: err.Error()}
}

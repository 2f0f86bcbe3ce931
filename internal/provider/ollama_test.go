package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, seq iter.Seq2[string, error]) (string, error) {
	t.Helper()
	var b strings.Builder
	for chunk, err := range seq {
		if err != nil {
			return b.String(), err
		}
		b.WriteString(chunk)
	}
	return b.String(), nil
}

func TestOllama_Rewrite(t *testing.T) {
	var got ollamaRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"model":"llama2","response":"  Hello world\n","done":true}`)
	}))
	defer server.Close()

	p := NewOllama(server.URL+"/", "llama2", server.Client(), time.Second)
	text, err := p.Rewrite(context.Background(), "Hello wrold", "Fix it.")
	require.NoError(t, err)

	assert.Equal(t, "Hello world", text)
	assert.Equal(t, "llama2", got.Model)
	assert.Equal(t, "Fix it.\n\nText:\nHello wrold", got.Prompt)
	assert.False(t, got.Stream)
}

func TestOllama_RewriteStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"response":"Hello","done":false}`)
		fmt.Fprintln(w, `{"response":" world","done":false}`)
		fmt.Fprintln(w, `{"response":"","done":true}`)
		fmt.Fprintln(w, `{"response":"ignored","done":false}`)
	}))
	defer server.Close()

	p := NewOllama(server.URL, "llama2", server.Client(), time.Second)
	text, err := collect(t, p.RewriteStream(context.Background(), "Hello wrold", "Fix it."))
	require.NoError(t, err)
	assert.Equal(t, "Hello world", text)
}

func TestOllama_RewriteStreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"response":"Hel","done":false}`)
		fmt.Fprintln(w, `{"error":"model crashed"}`)
	}))
	defer server.Close()

	p := NewOllama(server.URL, "llama2", server.Client(), time.Second)
	text, err := collect(t, p.RewriteStream(context.Background(), "x", "y"))
	require.Error(t, err)
	assert.Equal(t, "Hel", text)

	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "model crashed", perr.Detail)
}

func TestOllama_TestConnection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		fmt.Fprint(w, `{"models":[{"name":"llama2:latest"},{"name":"mistral:7b"}]}`)
	}))
	defer server.Close()

	p := NewOllama(server.URL, "llama2", server.Client(), time.Second)
	result := p.TestConnection(context.Background())

	assert.True(t, result.Success)
	assert.Equal(t, []string{"llama2:latest", "mistral:7b"}, result.Models)
	assert.Contains(t, result.Message, server.URL)
}

func TestOllama_StatusErrorIsTruncated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, strings.Repeat("x", 2000))
	}))
	defer server.Close()

	p := NewOllama(server.URL, "llama2", server.Client(), time.Second)
	_, err := p.Rewrite(context.Background(), "x", "y")
	require.Error(t, err)

	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, http.StatusInternalServerError, perr.StatusCode)
	assert.Len(t, perr.Detail, maxDetail)
	assert.False(t, perr.Timeout)
}

func TestOllama_ReadTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := NewHTTPClient(time.Second, 50*time.Millisecond)
	p := NewOllama(server.URL, "llama2", client, 0)
	_, err := p.Rewrite(context.Background(), "x", "y")
	require.Error(t, err)

	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.True(t, perr.Timeout)
	assert.Contains(t, perr.SafeMessage(), "timed out")
}

func TestOllama_CallTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	p := NewOllama(server.URL, "llama2", server.Client(), 50*time.Millisecond)
	_, err := p.Rewrite(context.Background(), "x", "y")

	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.True(t, perr.Timeout)
}

func TestOllama_StreamStallTimesOut(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"response":"Hel","done":false}`)
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	p := NewOllama(server.URL, "llama2", NewHTTPClient(200*time.Millisecond, 200*time.Millisecond), 400*time.Millisecond)

	type outcome struct {
		text string
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		text, err := collect(t, p.RewriteStream(context.Background(), "x", "y"))
		done <- outcome{text, err}
	}()

	select {
	case got := <-done:
		assert.Equal(t, "Hel", got.text)
		var perr *Error
		require.True(t, errors.As(got.err, &perr))
		assert.True(t, perr.Timeout)
		assert.Equal(t, OllamaName, perr.Provider)
	case <-time.After(3 * time.Second):
		t.Fatal("stalled stream did not time out")
	}
}

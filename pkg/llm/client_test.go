package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/docassist/pkg/conversation"
)

func newServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func testRequest() Request {
	return Request{
		APIKey: "sk-test",
		Model:  "openai/gpt-4o",
		Messages: []conversation.Message{
			conversation.NewMessage(conversation.RoleSystem, "be helpful"),
			conversation.NewMessage(conversation.RoleUser, "hi"),
		},
	}
}

func TestCompleteSuccess(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "https://example.com/app", r.Header.Get("HTTP-Referer"))
		assert.Equal(t, "Document Assistant", r.Header.Get("X-Title"))

		var body struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "openai/gpt-4o", body.Model)
		require.Len(t, body.Messages, 2)
		assert.Equal(t, "system", body.Messages[0].Role)
		assert.Equal(t, "hi", body.Messages[1].Content)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "gen-1",
			"model": "openai/gpt-4o",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "Hello there"}}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15}
		}`))
	})

	c := NewClient(
		WithBaseURL(srv.URL+"/api/v1"),
		WithAttribution("https://example.com/app", "Document Assistant"),
	)
	completion, err := c.Complete(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "Hello there", completion.Content)
	assert.Equal(t, 12, completion.PromptTokens)
	assert.Equal(t, 3, completion.CompletionTokens)
}

func TestCompleteMissingCredential(t *testing.T) {
	var calls int32
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	})

	req := testRequest()
	req.APIKey = ""
	_, err := NewClient(WithBaseURL(srv.URL)).Complete(context.Background(), req)
	require.ErrorIs(t, err, ErrMissingCredential)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestCompleteUnauthorized(t *testing.T) {
	var calls int32
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error": {"message": "Invalid API key", "type": "auth", "code": 401}}`))
	})

	_, err := NewClient(WithBaseURL(srv.URL)).Complete(context.Background(), testRequest())
	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, http.StatusUnauthorized, upstream.StatusCode)
	assert.Equal(t, "Invalid API key", upstream.Message)
	assert.Equal(t, "API error 401: Invalid API key", upstream.Error())
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "failures are not retried")
}

func TestCompleteErrorWithoutEnvelope(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	})

	_, err := NewClient(WithBaseURL(srv.URL)).Complete(context.Background(), testRequest())
	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, http.StatusBadGateway, upstream.StatusCode)
	assert.Equal(t, "upstream down", upstream.Message)
	assert.Equal(t, "API error 502: upstream down", upstream.Error())
}

func TestCompleteErrorWithEmptyBody(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := NewClient(WithBaseURL(srv.URL)).Complete(context.Background(), testRequest())
	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, http.StatusServiceUnavailable, upstream.StatusCode)
	assert.Equal(t, "Service Unavailable", upstream.Message)
}

func TestCompleteErrorBodyIsBounded(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(strings.Repeat("x", 2*maxErrorBody)))
	})

	_, err := NewClient(WithBaseURL(srv.URL)).Complete(context.Background(), testRequest())
	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Len(t, upstream.Message, maxErrorBody)
}

func TestCompleteEmptyChoices(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": "gen-1", "choices": []}`))
	})

	_, err := NewClient(WithBaseURL(srv.URL)).Complete(context.Background(), testRequest())
	assert.ErrorIs(t, err, ErrEmptyCompletion)
}

func TestCompleteTimeout(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{"choices": []}`))
	})

	_, err := NewClient(WithBaseURL(srv.URL), WithTimeout(20*time.Millisecond)).
		Complete(context.Background(), testRequest())
	require.Error(t, err)
	var upstream *UpstreamError
	assert.False(t, errors.As(err, &upstream), "transport failures carry no status code")
}

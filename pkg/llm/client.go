package llm

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"

	"github.com/go-go-golems/docassist/pkg/conversation"
)

const DefaultBaseURL = "https://openrouter.ai/api/v1"

// maxErrorBody bounds the part of a non-success response body kept for error messages.
const maxErrorBody = 4096

// Request is one chat completion call. The API key travels with the request
// because it belongs to the session, not to the client.
type Request struct {
	APIKey   string
	Model    string
	Messages []conversation.Message
}

type Completion struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Completer is implemented by *Client and by test doubles.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
}

// Client talks to an OpenAI compatible chat completions endpoint.
type Client struct {
	baseURL    string
	referer    string
	title      string
	httpClient *http.Client
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = baseURL
		}
	}
}

// WithAttribution sets the HTTP-Referer and X-Title headers OpenRouter uses to identify apps.
func WithAttribution(referer, title string) Option {
	return func(c *Client) {
		c.referer = referer
		c.title = title
	}
}

// WithTimeout bounds each request. Zero keeps the transport default (no timeout).
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		timeout := c.httpClient.Timeout
		c.httpClient = httpClient
		if c.httpClient.Timeout == 0 {
			c.httpClient.Timeout = timeout
		}
	}
}

func NewClient(options ...Option) *Client {
	ret := &Client{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{},
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

// attributionTransport adds the OpenRouter headers and remembers the body of a
// non-success response, which go-openai drops when it carries no error envelope.
type attributionTransport struct {
	base    http.RoundTripper
	referer string
	title   string

	errorBody string
}

func (t *attributionTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if t.referer != "" {
		req.Header.Set("HTTP-Referer", t.referer)
	}
	if t.title != "" {
		req.Header.Set("X-Title", t.title)
	}
	resp, err := t.base.RoundTrip(req)
	if err != nil || resp.StatusCode < 300 {
		return resp, err
	}

	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	if readErr != nil {
		return resp, nil
	}
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	t.errorBody = strings.TrimSpace(string(body))
	return resp, nil
}

func (c *Client) makeClient(apiKey string) (*go_openai.Client, *attributionTransport) {
	base := c.httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	transport := &attributionTransport{base: base, referer: c.referer, title: c.title}
	httpClient := &http.Client{
		Transport: transport,
		Timeout:   c.httpClient.Timeout,
	}

	config := go_openai.DefaultConfig(apiKey)
	config.BaseURL = c.baseURL
	config.HTTPClient = httpClient
	return go_openai.NewClientWithConfig(config), transport
}

func (c *Client) Complete(ctx context.Context, req Request) (*Completion, error) {
	if req.APIKey == "" {
		return nil, ErrMissingCredential
	}

	messages := make([]go_openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, go_openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}

	log.Debug().
		Str("model", req.Model).
		Int("messages", len(messages)).
		Str("base_url", c.baseURL).
		Msg("sending chat completion request")

	client, transport := c.makeClient(req.APIKey)
	resp, err := client.CreateChatCompletion(ctx, go_openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
	})
	if err != nil {
		return nil, mapError(err, transport.errorBody)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyCompletion
	}

	return &Completion{
		Content:          resp.Choices[0].Message.Content,
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

var _ Completer = (*Client)(nil)

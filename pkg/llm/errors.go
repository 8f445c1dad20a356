package llm

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
	go_openai "github.com/sashabaranov/go-openai"
)

var (
	ErrMissingCredential = errors.New("no API key provided")
	ErrEmptyCompletion   = errors.New("no response generated")
)

// UpstreamError is a non-success answer of the completion API.
type UpstreamError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Message)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// mapError turns go-openai errors into *UpstreamError when a status code is known.
// The error envelope message wins, then the raw response body, then the status text.
func mapError(err error, body string) error {
	message := func(status int, envelope string) string {
		switch {
		case envelope != "":
			return envelope
		case body != "":
			return body
		default:
			return http.StatusText(status)
		}
	}

	var apiErr *go_openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &UpstreamError{StatusCode: apiErr.HTTPStatusCode, Message: message(apiErr.HTTPStatusCode, apiErr.Message), Err: err}
	}

	var reqErr *go_openai.RequestError
	if errors.As(err, &reqErr) {
		envelope := ""
		var inner *go_openai.APIError
		if errors.As(reqErr.Err, &inner) {
			envelope = inner.Message
		}
		return &UpstreamError{StatusCode: reqErr.HTTPStatusCode, Message: message(reqErr.HTTPStatusCode, envelope), Err: err}
	}

	return errors.Wrap(err, "completion request failed")
}

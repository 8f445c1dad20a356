package search

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var DefaultTriggers = []string{"search", "find", "look up", "google", "information about"}

// Helper decides whether a message asks for a web search and turns the answer into text.
type Helper struct {
	provider   Provider
	triggers   []string
	maxRelated int
}

type HelperOption func(*Helper)

func WithTriggers(triggers ...string) HelperOption {
	return func(h *Helper) {
		h.triggers = nil
		for _, t := range triggers {
			t = strings.ToLower(strings.TrimSpace(t))
			if t != "" {
				h.triggers = append(h.triggers, t)
			}
		}
	}
}

func WithMaxRelated(n int) HelperOption {
	return func(h *Helper) {
		if n > 0 {
			h.maxRelated = n
		}
	}
}

func NewHelper(provider Provider, options ...HelperOption) *Helper {
	ret := &Helper{
		provider:   provider,
		maxRelated: DefaultMaxRelated,
	}
	WithTriggers(DefaultTriggers...)(ret)
	for _, o := range options {
		o(ret)
	}
	return ret
}

// Triggered reports whether input contains one of the trigger phrases, ignoring case.
func (h *Helper) Triggered(input string) bool {
	lower := strings.ToLower(input)
	for _, t := range h.triggers {
		if strings.Contains(lower, t) {
			return true
		}
	}
	return false
}

// Outcome always carries text suitable for the model. Err is set when the text
// describes a failure instead of search results.
type Outcome struct {
	Text string
	Err  error
}

func (o Outcome) Ok() bool {
	return o.Err == nil
}

// Lookup never fails: provider errors are folded into descriptive text.
func (h *Helper) Lookup(ctx context.Context, query string) Outcome {
	results, err := h.provider.Search(ctx, query)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			log.Warn().Int("status", statusErr.StatusCode).Str("provider", statusErr.Provider).Msg("web search unavailable")
			return Outcome{Text: unavailableText(query, statusErr.StatusCode), Err: err}
		}
		log.Warn().Err(err).Str("provider", h.provider.Name()).Msg("web search failed")
		return Outcome{Text: failureText(err), Err: err}
	}
	return Outcome{Text: Format(results, h.maxRelated)}
}

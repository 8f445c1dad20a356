package search

import (
	"context"
	"fmt"
	"strings"
)

const DefaultMaxRelated = 5

// Results is the provider independent shape of a web search answer.
type Results struct {
	Summary       string
	SummarySource string
	Related       []string
}

// Provider runs a web search. A non-success HTTP status is reported as *StatusError.
type Provider interface {
	Name() string
	Search(ctx context.Context, query string) (*Results, error)
}

type StatusError struct {
	Provider   string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.Provider, e.StatusCode)
}

// Format renders results into the text block handed to the model.
// Empty sections are left out and at most maxRelated related entries are listed.
func Format(r *Results, maxRelated int) string {
	if maxRelated <= 0 {
		maxRelated = DefaultMaxRelated
	}

	var sb strings.Builder
	sb.WriteString("Web search results:\n\n")
	if r == nil {
		return sb.String()
	}

	if r.Summary != "" {
		source := r.SummarySource
		if source == "" {
			source = "N/A"
		}
		sb.WriteString("Summary: " + r.Summary + "\n")
		sb.WriteString("Source: " + source + "\n\n")
	}

	related := r.Related
	if len(related) > maxRelated {
		related = related[:maxRelated]
	}
	if len(related) > 0 {
		sb.WriteString("Related Information:\n")
		for _, text := range related {
			sb.WriteString("- " + text + "\n")
		}
	}

	return sb.String()
}

func unavailableText(query string, statusCode int) string {
	return fmt.Sprintf(
		"Web search results for '%s' are unavailable (search provider returned status %d).",
		query, statusCode)
}

func failureText(err error) string {
	return fmt.Sprintf("Unable to perform web search. Error: %v", err)
}

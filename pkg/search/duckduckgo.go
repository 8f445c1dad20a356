package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const DefaultDuckDuckGoURL = "https://api.duckduckgo.com/"

// DuckDuckGo queries the instant answer API.
type DuckDuckGo struct {
	baseURL    string
	httpClient *http.Client
	maxTopics  int
}

type DuckDuckGoOption func(*DuckDuckGo)

func WithDuckDuckGoURL(baseURL string) DuckDuckGoOption {
	return func(d *DuckDuckGo) {
		if baseURL != "" {
			d.baseURL = baseURL
		}
	}
}

func WithDuckDuckGoHTTPClient(c *http.Client) DuckDuckGoOption {
	return func(d *DuckDuckGo) {
		d.httpClient = c
	}
}

// WithMaxTopics limits how many related topics are inspected for text.
func WithMaxTopics(n int) DuckDuckGoOption {
	return func(d *DuckDuckGo) {
		if n > 0 {
			d.maxTopics = n
		}
	}
}

func NewDuckDuckGo(options ...DuckDuckGoOption) *DuckDuckGo {
	ret := &DuckDuckGo{
		baseURL:    DefaultDuckDuckGoURL,
		httpClient: http.DefaultClient,
		maxTopics:  DefaultMaxRelated,
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

func (d *DuckDuckGo) Name() string { return "duckduckgo" }

type duckDuckGoTopic struct {
	Text     string `json:"Text"`
	FirstURL string `json:"FirstURL"`
}

type duckDuckGoResponse struct {
	AbstractText   string            `json:"AbstractText"`
	AbstractSource string            `json:"AbstractSource"`
	RelatedTopics  []duckDuckGoTopic `json:"RelatedTopics"`
}

func (d *DuckDuckGo) Search(ctx context.Context, query string) (*Results, error) {
	u, err := url.Parse(d.baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid search url")
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("format", "json")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to send request")
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Provider: d.Name(), StatusCode: resp.StatusCode}
	}

	var data duckDuckGoResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, errors.Wrap(err, "failed to decode response")
	}

	ret := &Results{
		Summary:       data.AbstractText,
		SummarySource: data.AbstractSource,
	}
	topics := data.RelatedTopics
	if len(topics) > d.maxTopics {
		topics = topics[:d.maxTopics]
	}
	for _, topic := range topics {
		if topic.Text != "" {
			ret.Related = append(ret.Related, topic.Text)
		}
	}

	log.Debug().
		Str("query", query).
		Bool("summary", ret.Summary != "").
		Int("related", len(ret.Related)).
		Msg("duckduckgo search done")

	return ret, nil
}

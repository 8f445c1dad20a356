package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const DefaultKagiURL = "https://kagi.com/api/v0/enrich/web"

// Kagi queries the Kagi enrichment API, which needs a bot token.
type Kagi struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

type KagiOption func(*Kagi)

func WithKagiURL(baseURL string) KagiOption {
	return func(k *Kagi) {
		if baseURL != "" {
			k.baseURL = baseURL
		}
	}
}

func WithKagiHTTPClient(c *http.Client) KagiOption {
	return func(k *Kagi) {
		k.httpClient = c
	}
}

var ErrMissingKagiToken = errors.New("no kagi API token provided")

func NewKagi(token string, options ...KagiOption) (*Kagi, error) {
	if token == "" {
		return nil, ErrMissingKagiToken
	}
	ret := &Kagi{
		baseURL:    DefaultKagiURL,
		token:      token,
		httpClient: http.DefaultClient,
	}
	for _, o := range options {
		o(ret)
	}
	return ret, nil
}

func (k *Kagi) Name() string { return "kagi" }

type kagiSearchObject struct {
	T         int    `json:"t"`
	Rank      int    `json:"rank"`
	URL       string `json:"url"`
	Title     string `json:"title"`
	Snippet   string `json:"snippet"`
	Published string `json:"published"`
}

type kagiEnrichResponse struct {
	Meta struct {
		ID   string `json:"id"`
		Node string `json:"node"`
		MS   int    `json:"ms"`
	} `json:"meta"`
	Data []kagiSearchObject `json:"data"`
}

func (k *Kagi) Search(ctx context.Context, query string) (*Results, error) {
	url_ := fmt.Sprintf("%s?q=%s", k.baseURL, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url_, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Authorization", "Bot "+k.token)

	resp, err := k.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to send request")
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Provider: k.Name(), StatusCode: resp.StatusCode}
	}

	var data kagiEnrichResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, errors.Wrap(err, "failed to decode response")
	}

	ret := &Results{}
	for _, obj := range data.Data {
		// t=0 are search results, other types are related searches without content
		if obj.T != 0 {
			continue
		}
		entry := strings.TrimSpace(obj.Title)
		if snippet := strings.TrimSpace(obj.Snippet); snippet != "" {
			entry += ": " + snippet
		}
		if obj.URL != "" {
			entry += " (" + obj.URL + ")"
		}
		if entry != "" {
			ret.Related = append(ret.Related, entry)
		}
	}

	log.Debug().Str("query", query).Str("node", data.Meta.Node).Int("results", len(ret.Related)).Msg("kagi search done")

	return ret, nil
}

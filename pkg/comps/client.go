// Package comps provides a client for comparable-sales price APIs. Every
// configured price source speaks the same JSON contract.
package comps

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/card-appraiser/internal/model"
)

// Client defines the comparable-sales API operations.
type Client interface {
	Search(ctx context.Context, q SearchRequest) ([]model.RawComp, error)
}

// SearchRequest is the query for GET /v1/comps.
type SearchRequest struct {
	Name   string
	Set    string
	Number string
	Since  time.Time
	Limit  int
}

// SearchResponse is the response from GET /v1/comps.
type SearchResponse struct {
	Comps []Sale `json:"comps"`
}

// Sale is one sale as reported by a source.
type Sale struct {
	Price      float64   `json:"price"`
	Currency   string    `json:"currency"`
	Condition  string    `json:"condition"`
	SoldAt     time.Time `json:"sold_at"`
	ListingRef string    `json:"listing_ref,omitempty"`
}

// StatusError is returned for any non-200 response.
type StatusError struct {
	Source     string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("comps %s: status %d: %s", e.Source, e.StatusCode, e.Body)
}

// Option configures the comps client.
type Option func(*httpClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	source  string
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the source named source at baseURL.
func NewClient(source, baseURL, apiKey string, opts ...Option) Client {
	c := &httpClient{
		source:  source,
		apiKey:  apiKey,
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Search(ctx context.Context, q SearchRequest) ([]model.RawComp, error) {
	params := url.Values{}
	params.Set("name", q.Name)
	if q.Set != "" {
		params.Set("set", q.Set)
	}
	if q.Number != "" {
		params.Set("number", q.Number)
	}
	if !q.Since.IsZero() {
		params.Set("since", q.Since.UTC().Format(time.RFC3339))
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/comps?"+params.Encode(), nil)
	if err != nil {
		return nil, eris.Wrapf(err, "comps %s: create request", c.source)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "comps %s: request failed", c.source)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrapf(err, "comps %s: read response body", c.source)
	}
	if resp.StatusCode != http.StatusOK {
		if len(body) > 256 {
			body = body[:256]
		}
		return nil, &StatusError{Source: c.source, StatusCode: resp.StatusCode, Body: string(body)}
	}

	var sr SearchResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, eris.Wrapf(err, "comps %s: decode response", c.source)
	}

	out := make([]model.RawComp, 0, len(sr.Comps))
	for _, s := range sr.Comps {
		out = append(out, model.RawComp{
			Source:     c.source,
			Price:      s.Price,
			Currency:   s.Currency,
			Condition:  s.Condition,
			SoldAt:     s.SoldAt,
			ListingRef: s.ListingRef,
		})
	}
	return out, nil
}

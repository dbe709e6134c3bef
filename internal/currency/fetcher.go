package currency

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RateFetcher loads a live EUR-based rate table.
type RateFetcher interface {
	FetchRates(ctx context.Context) (map[string]float64, error)
}

// HTTPRateFetcher reads rates from an exchangerate-api style endpoint
// returning {"rates": {"USD": 1.08, ...}}.
type HTTPRateFetcher struct {
	url        string
	httpClient *http.Client
}

// NewHTTPRateFetcher creates a fetcher for url with the given timeout.
func NewHTTPRateFetcher(url string, timeout time.Duration) *HTTPRateFetcher {
	return &HTTPRateFetcher{
		url: url,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type ratesResponse struct {
	Base  string             `json:"base"`
	Rates map[string]float64 `json:"rates"`
}

func (f *HTTPRateFetcher) FetchRates(ctx context.Context) (map[string]float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build rates request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch rates: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("fetch rates: unexpected status %d", resp.StatusCode)
	}

	var body ratesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode rates: %w", err)
	}
	if len(body.Rates) == 0 {
		return nil, fmt.Errorf("decode rates: empty rate table")
	}
	return body.Rates, nil
}

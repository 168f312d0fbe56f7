// Package upstream fetches exchange rates from the Emcont quote endpoint.
//
// The endpoint answers with a JSONP-wrapped body of the form `null(<json>);`
// where <json> carries a Rates array. Only Symbol, Bid and Ask are consumed;
// every other field is tolerated and ignored.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"time"
)

// ErrFormat reports an upstream payload that does not match the expected
// JSONP envelope or JSON shape. Ticks log it and retry on the next run.
var ErrFormat = errors.New("unexpected upstream payload format")

const requestTimeout = 2500 * time.Millisecond

var envelopeRe = regexp.MustCompile(`(?s)^null\((.*)\);$`)

// Rate is the DTO for one upstream quote.
type Rate struct {
	Symbol string  `json:"Symbol"`
	Bid    float64 `json:"Bid"`
	Ask    float64 `json:"Ask"`
}

// Mid returns the arithmetic mean of bid and ask.
func (r Rate) Mid() float64 {
	return (r.Bid + r.Ask) / 2
}

// Fetcher performs HTTP GETs against the quote endpoint. One Fetcher is
// shared per process; the underlying client keeps connections alive.
type Fetcher struct {
	url    string
	client *http.Client
}

// NewFetcher builds a fetcher with 2.5 s connect and total timeouts.
func NewFetcher(url string) *Fetcher {
	return &Fetcher{
		url: url,
		client: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: requestTimeout,
				}).DialContext,
			},
		},
	}
}

// FetchRates retrieves and decodes the current quote list.
func (f *Fetcher) FetchRates(ctx context.Context) ([]Rate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch upstream rates: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	return extractRates(body)
}

func extractRates(body []byte) ([]Rate, error) {
	m := envelopeRe.FindSubmatch(body)
	if m == nil {
		return nil, fmt.Errorf("%w: missing null(...) envelope", ErrFormat)
	}

	var payload struct {
		Rates json.RawMessage `json:"Rates"`
	}
	if err := json.Unmarshal(m[1], &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if payload.Rates == nil {
		return nil, fmt.Errorf("%w: missing Rates array", ErrFormat)
	}
	var out []Rate
	if err := json.Unmarshal(payload.Rates, &out); err != nil {
		return nil, fmt.Errorf("%w: Rates is not an array of quotes: %v", ErrFormat, err)
	}
	return out, nil
}

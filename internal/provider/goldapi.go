package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

const defaultGoldAPIURL = "https://www.goldapi.io"

// GoldAPI fetches the silver spot price from goldapi.io (symbol XAG).
type GoldAPI struct {
	// BaseURL can be overridden for tests.
	BaseURL string

	apiKey string
	client *http.Client
}

// NewGoldAPI creates the fetcher. The API key must be non-empty.
func NewGoldAPI(apiKey string) (*GoldAPI, error) {
	if apiKey == "" {
		return nil, errors.New("goldapi: empty api key")
	}
	return &GoldAPI{
		BaseURL: defaultGoldAPIURL,
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}, nil
}

func (g *GoldAPI) Name() string { return "goldapi" }

// Fetch returns the silver spot price in USD per troy ounce.
func (g *GoldAPI) Fetch(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", g.BaseURL+"/api/XAG/USD", nil)
	if err != nil {
		return 0, fmt.Errorf("goldapi: create request: %w", err)
	}
	req.Header.Set("x-access-token", g.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("goldapi: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("goldapi: unexpected status %d", resp.StatusCode)
	}

	var payload struct {
		Price float64 `json:"price"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("goldapi: decode: %w", err)
	}
	if payload.Price <= 0 {
		return 0, ErrNoQuote
	}
	return payload.Price, nil
}

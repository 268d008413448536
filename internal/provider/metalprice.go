package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

const defaultMetalPriceURL = "https://api.metalpriceapi.com"

// MetalPriceAPI fetches the XAG/USD rate from metalpriceapi.com.
type MetalPriceAPI struct {
	// BaseURL can be overridden for tests.
	BaseURL string

	apiKey string
	client *http.Client
}

// NewMetalPriceAPI creates the fetcher. The API key must be non-empty.
func NewMetalPriceAPI(apiKey string) (*MetalPriceAPI, error) {
	if apiKey == "" {
		return nil, errors.New("metalpriceapi: empty api key")
	}
	return &MetalPriceAPI{
		BaseURL: defaultMetalPriceURL,
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}, nil
}

func (m *MetalPriceAPI) Name() string { return "metalpriceapi" }

// Fetch returns the silver spot price in USD per troy ounce.
func (m *MetalPriceAPI) Fetch(ctx context.Context) (float64, error) {
	url := fmt.Sprintf("%s/v1/latest?api_key=%s&base=USD&currencies=XAG", m.BaseURL, m.apiKey)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return 0, fmt.Errorf("metalpriceapi: create request: %w", err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("metalpriceapi: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("metalpriceapi: unexpected status %d", resp.StatusCode)
	}

	var payload struct {
		Success bool               `json:"success"`
		Rates   map[string]float64 `json:"rates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("metalpriceapi: decode: %w", err)
	}

	rate, ok := payload.Rates["XAG"]
	if !payload.Success || !ok || rate <= 0 {
		return 0, ErrNoQuote
	}
	// The API reports XAG per USD; the spot price is the inverse.
	return 1 / rate, nil
}

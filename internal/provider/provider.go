// Package provider implements quote fetchers for external silver spot
// price APIs. Each fetcher is independently fallible: network failures,
// non-2xx responses and malformed payloads all surface as errors that the
// caller treats as "try the next source", never as hard failures. No
// retries happen inside a fetcher; backoff is the caller's responsibility.
package provider

import (
	"context"
	"errors"
	"log"
	"sync"
)

// ErrNoQuote is returned when a provider responds but carries no usable price.
var ErrNoQuote = errors.New("provider: no quote available")

// Fetcher retrieves the current silver spot price from one external provider.
type Fetcher interface {
	Name() string
	Fetch(ctx context.Context) (float64, error)
}

// FetchAll runs every fetcher concurrently and waits for all outcomes —
// it does not race-cancel on first success, since all sources feed the
// aggregation. Returns the prices that succeeded. onResult, if non-nil,
// is called once per fetcher with its outcome.
func FetchAll(ctx context.Context, fetchers []Fetcher, onResult func(name string, err error)) []float64 {
	type result struct {
		price float64
		err   error
	}

	results := make([]result, len(fetchers))
	var wg sync.WaitGroup
	for i, f := range fetchers {
		wg.Add(1)
		go func(i int, f Fetcher) {
			defer wg.Done()
			price, err := f.Fetch(ctx)
			results[i] = result{price: price, err: err}
		}(i, f)
	}
	wg.Wait()

	var prices []float64
	for i, r := range results {
		if r.err != nil {
			log.Printf("[provider] %s fetch failed: %v", fetchers[i].Name(), r.err)
		} else {
			prices = append(prices, r.price)
		}
		if onResult != nil {
			onResult(fetchers[i].Name(), r.err)
		}
	}
	return prices
}

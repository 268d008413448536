// Package sim produces synthetic per-venue silver quotes around a base
// price. Real per-venue feeds are not available on the free tiers of the
// upstream providers, so venue spread is modeled as bounded random
// perturbation with a persistent physical-market premium on Shanghai.
package sim

import (
	"time"

	"silverfeed/internal/model"
)

// venueSpec describes one simulated venue: its nominal aggregation weight,
// the half-width of its multiplicative perturbation range, and a fixed
// price bias (Shanghai carries a persistent physical-delivery premium).
type venueSpec struct {
	exchange model.Exchange
	weight   float64
	span     float64
	bias     float64
}

var venues = [4]venueSpec{
	{model.ExchangeLBMA, 0.40, 0.003, 1.0},
	{model.ExchangeCOMEX, 0.30, 0.004, 1.0},
	{model.ExchangeShanghai, 0.20, 0.005, 1.02},
	{model.ExchangeOther, 0.10, 0.006, 1.0},
}

// Exchanges produces exactly the four named venue quotes around base.
// Every quote is marked active; no outage modeling is attempted here.
// Output is randomized — callers and tests must treat individual quote
// values as bounded-range, not exact.
func Exchanges(base float64, rnd Rand, now time.Time) []model.ExchangeQuote {
	quotes := make([]model.ExchangeQuote, len(venues))
	for i, v := range venues {
		jitter := 1 + (rnd.Float64()*2-1)*v.span
		quotes[i] = model.ExchangeQuote{
			Exchange:   v.exchange,
			Price:      base * v.bias * jitter,
			Weight:     v.weight,
			Active:     true,
			ObservedAt: now,
		}
	}
	return quotes
}

// Package agg computes weight-normalized aggregate prices over venue
// quotes and synthetic 24h statistics over retained history.
package agg

import (
	"math"

	"silverfeed/internal/model"
	"silverfeed/internal/sim"
)

// FallbackPrice is the last-resort spot price when no quote is usable.
const FallbackPrice = 31.25

// volumeScale converts the day's relative range into a synthetic volume
// figure. Explicitly not a real traded-volume number.
const volumeScale = 850000

// WeightedAverage computes Σ(price·weight) / Σ(weight) over active quotes.
// Weights are renormalized when some quotes are inactive rather than held
// at their nominal split, so partial data does not silently underweight
// the reported price. With no active quotes it degrades to the first
// quote's price, then to FallbackPrice.
func WeightedAverage(quotes []model.ExchangeQuote) float64 {
	var sum, wsum float64
	for _, q := range quotes {
		if !q.Active {
			continue
		}
		sum += q.Price * q.Weight
		wsum += q.Weight
	}
	if wsum == 0 {
		if len(quotes) > 0 {
			return quotes[0].Price
		}
		return FallbackPrice
	}
	return sum / wsum
}

// Stats24h returns the high, low and synthetic volume over the retained
// history. Volume is derived from the day's range plus a small jitter.
func Stats24h(points []model.PricePoint, rnd sim.Rand) (high, low, volume float64) {
	if len(points) == 0 {
		return 0, 0, 0
	}
	high, low = points[0].Price, points[0].Price
	for _, p := range points[1:] {
		if p.Price > high {
			high = p.Price
		}
		if p.Price < low {
			low = p.Price
		}
	}
	if low > 0 {
		volume = Round2((high - low) / low * volumeScale * (1 + 0.1*rnd.Float64()))
	}
	return high, low, volume
}

// Round2 rounds to two decimal places (cents).
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

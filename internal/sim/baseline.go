package sim

import "sync"

// Default drift parameters. Bounds are chosen so that a simulated
// aggregate (base × venue bias × perturbation) stays inside a plausible
// silver spot range even at the extremes.
const (
	defaultStart = 30.50
	defaultMin   = 28.80
	defaultMax   = 34.20
	defaultStep  = 0.12
)

// Baseline is a slowly drifting internal base price. It seeds the venue
// simulator when no live quote and no cached value is available, so that
// consecutive synthetic aggregates move like a market instead of jumping
// around independently.
type Baseline struct {
	mu    sync.Mutex
	price float64
	min   float64
	max   float64
	step  float64
	rnd   Rand
}

// NewBaseline creates a drifting baseline starting at the default silver
// spot level.
func NewBaseline(rnd Rand) *Baseline {
	return &Baseline{
		price: defaultStart,
		min:   defaultMin,
		max:   defaultMax,
		step:  defaultStep,
		rnd:   rnd,
	}
}

// Next advances the drift by one bounded random step and returns the new
// base price.
func (b *Baseline) Next() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.price += (b.rnd.Float64()*2 - 1) * b.step
	if b.price < b.min {
		b.price = b.min
	}
	if b.price > b.max {
		b.price = b.max
	}
	return b.price
}

// Anchor re-centers the drift on an externally observed price, clamped to
// the configured bounds. Called after a successful live fetch so a later
// outage degrades from the last real level rather than a stale one.
func (b *Baseline) Anchor(price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if price < b.min {
		price = b.min
	}
	if price > b.max {
		price = b.max
	}
	b.price = price
}

package model

import (
	"encoding/json"
	"time"
)

// Exchange identifies one of the simulated silver trading venues.
type Exchange string

const (
	ExchangeLBMA     Exchange = "LBMA"
	ExchangeCOMEX    Exchange = "COMEX"
	ExchangeShanghai Exchange = "SHANGHAI"
	ExchangeOther    Exchange = "OTHER"
)

// Source tags the provenance of a returned price so consumers can tell
// live data from cached or synthetic values.
type Source string

const (
	SourceLive      Source = "live"
	SourceCache     Source = "cache"
	SourceSimulated Source = "simulated"
)

// ExchangeQuote is one venue's contribution to an aggregate price.
// Quotes are recomputed on every aggregation pass and never persisted
// individually; only the resulting aggregate survives the cycle.
// Nominal weights across the fixed venue set sum to 1.0 (40/30/20/10).
type ExchangeQuote struct {
	Exchange   Exchange  `json:"exchange"`
	Price      float64   `json:"price"`
	Weight     float64   `json:"weight"`
	Active     bool      `json:"active"`
	ObservedAt time.Time `json:"observed_at"`
}

// PricePoint is one aggregate observation in the rolling history.
// Immutable once created; evicted when older than the retention window.
type PricePoint struct {
	TS                time.Time            `json:"ts"`
	Price             float64              `json:"price"`
	ExchangeBreakdown map[Exchange]float64 `json:"exchange_breakdown,omitempty"`
}

// AggregatePrice is the weighted combination of venue quotes into one
// representative spot price. Instances are superseded, never mutated:
// each successful computation produces a fresh value and the most recent
// one is what callers observe.
type AggregatePrice struct {
	Price         float64         `json:"price"`
	Change        float64         `json:"change"`
	ChangePercent float64         `json:"change_percent"`
	ObservedAt    time.Time       `json:"observed_at"`
	High24h       float64         `json:"high_24h,omitempty"`
	Low24h        float64         `json:"low_24h,omitempty"`
	Volume24h     float64         `json:"volume_24h,omitempty"`
	Exchanges     []ExchangeQuote `json:"exchanges,omitempty"`
	Source        Source          `json:"source"`

	// CacheAge is set only when Source is "cache": how stale the value was
	// when it was served. SimReason is set only when Source is "simulated".
	CacheAge  time.Duration `json:"cache_age,omitempty"`
	SimReason string        `json:"sim_reason,omitempty"`
}

// RegionalPrice is the Shanghai-market price derived from the global
// aggregate plus a randomized physical-delivery premium.
type RegionalPrice struct {
	USDPrice       float64   `json:"usd_price"`
	Change         float64   `json:"change"`
	ChangePercent  float64   `json:"change_percent"`
	PremiumPercent float64   `json:"premium_percent"` // vs global aggregate, never negative
	ObservedAt     time.Time `json:"observed_at"`
	Source         Source    `json:"source"`

	CacheAge  time.Duration `json:"cache_age,omitempty"`
	SimReason string        `json:"sim_reason,omitempty"`
}

// JSON returns the JSON-encoded aggregate (ignoring errors for hot-path usage).
func (a *AggregatePrice) JSON() []byte {
	b, _ := json.Marshal(a)
	return b
}

// JSON returns the JSON-encoded regional price.
func (r *RegionalPrice) JSON() []byte {
	b, _ := json.Marshal(r)
	return b
}

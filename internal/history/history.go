// Package history maintains the rolling 24-hour window of aggregate
// observations and produces hourly series for charting.
package history

import (
	"time"

	"silverfeed/internal/agg"
	"silverfeed/internal/model"
	"silverfeed/internal/sim"
)

// Window is the retention window for aggregate observations.
const Window = 24 * time.Hour

// backfillSpan bounds the hour-to-hour step of the synthetic random walk.
const backfillSpan = 0.004

// AppendAndTrim drops every point older than the retention window
// (measured from the new point's timestamp) and appends p. The input
// slice is not mutated. Growth within the window is unbounded; at the
// 60-second polling cadence that caps out around 1440 points.
func AppendAndTrim(points []model.PricePoint, p model.PricePoint) []model.PricePoint {
	cutoff := p.TS.Add(-Window)
	kept := make([]model.PricePoint, 0, len(points)+1)
	for _, pt := range points {
		if pt.TS.Before(cutoff) {
			continue
		}
		kept = append(kept, pt)
	}
	return append(kept, p)
}

// Hourly produces exactly n points spaced one hour apart ending at
// (current, end). Slots covered by retained observations use the real
// price; gaps are filled with a bounded random walk seeded from the
// nearest known value. The final point's price is exactly current.
func Hourly(retained []model.PricePoint, current float64, n int, end time.Time, rnd sim.Rand) []model.PricePoint {
	if n <= 0 {
		return nil
	}
	pts := make([]model.PricePoint, n)
	pts[n-1] = model.PricePoint{TS: end, Price: current}

	prev := current
	for i := n - 2; i >= 0; i-- {
		ts := end.Add(-time.Duration(n-1-i) * time.Hour)
		if price, ok := nearest(retained, ts); ok {
			prev = price
		} else {
			prev = agg.Round2(prev * (1 + (rnd.Float64()*2-1)*backfillSpan))
		}
		pts[i] = model.PricePoint{TS: ts, Price: prev}
	}
	return pts
}

// nearest returns the retained price closest to ts, if one exists within
// half an hour of the slot.
func nearest(retained []model.PricePoint, ts time.Time) (float64, bool) {
	const tolerance = 30 * time.Minute

	best := tolerance + 1
	var price float64
	for _, p := range retained {
		d := p.TS.Sub(ts)
		if d < 0 {
			d = -d
		}
		if d < best {
			best = d
			price = p.Price
		}
	}
	if best > tolerance {
		return 0, false
	}
	return price, true
}

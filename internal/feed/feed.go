// Package feed implements the pricing service: multi-source quote
// aggregation with a freshness-gated cache and a fallback chain of
// fresh cache → live fetch → stale cache → synthetic simulation.
//
// The service guarantees it always returns some value — transport
// failures, malformed payloads and storage errors are all resolved by
// falling through the chain, never propagated to price consumers.
package feed

import (
	"context"
	"log"
	"sync"
	"time"

	"silverfeed/internal/agg"
	"silverfeed/internal/history"
	"silverfeed/internal/model"
	"silverfeed/internal/provider"
	"silverfeed/internal/sim"
)

const (
	// FreshnessWindow is the interval within which a persisted snapshot
	// is reused without recomputation.
	FreshnessWindow = 30 * time.Second

	// DefaultHistoryPoints is the default chart series length.
	DefaultHistoryPoints = 24

	// Exponential backoff after a full provider outage:
	// initialRetryDelay × 2^retryCount, with retryCount capped.
	initialRetryDelay = 2 * time.Second
	maxRetries        = 3

	// Placeholder deltas used when no previous value exists to diff against.
	placeholderChange    = 0.12
	placeholderChangePct = 0.40

	// Regional premium: base × (1.02 + uniform(0, 0.01)).
	regionalPremiumBase = 1.02
	regionalPremiumSpan = 0.01
)

// Series labels used in hooks and logs.
const (
	SeriesGlobal   = "global"
	SeriesRegional = "regional"
)

// Config configures the pricing service.
type Config struct {
	Fetchers []provider.Fetcher  // empty → pure simulation mode
	Store    model.SnapshotStore // optional; nil → memory-only caching
	Rand     sim.Rand            // optional; defaults to a time-seeded source
	Archive  chan<- model.PricePoint

	// SeedHistory pre-populates the rolling window, e.g. from the SQLite
	// archive after a restart.
	SeedHistory []model.PricePoint
}

type retryState struct {
	count       int
	nextAttempt time.Time
}

// Service owns all pricing state for one application session. Construct
// once and share by reference; there are no package-level caches.
type Service struct {
	fetchers []provider.Fetcher
	store    model.SnapshotStore
	rnd      sim.Rand
	baseline *sim.Baseline
	archive  chan<- model.PricePoint

	nowFn func() time.Time

	mu            sync.Mutex
	lastGlobal    *model.AggregatePrice
	lastRegional  *model.RegionalPrice
	points        []model.PricePoint
	globalRetry   retryState
	regionalRetry retryState

	// Metrics hooks (optional, set externally).
	OnServe        func(series string, src model.Source)
	OnFreshnessHit func(series string)
	OnFetchResult  func(providerName string, err error)
	OnHistorySize  func(n int)
	OnRetry        func(series string, count int)
}

// New creates the pricing service.
func New(cfg Config) *Service {
	rnd := cfg.Rand
	if rnd == nil {
		rnd = sim.DefaultRand()
	}
	return &Service{
		fetchers: cfg.Fetchers,
		store:    cfg.Store,
		rnd:      rnd,
		baseline: sim.NewBaseline(rnd),
		archive:  cfg.Archive,
		nowFn:    time.Now,
		points:   append([]model.PricePoint(nil), cfg.SeedHistory...),
	}
}

// LiveMode reports whether any quote providers are configured.
func (s *Service) LiveMode() bool { return len(s.fetchers) > 0 }

// GlobalPrice returns the current global aggregate. It never fails: on a
// full provider outage it falls back to the persisted stale snapshot,
// then the in-memory last-good value, then synthetic simulation.
func (s *Service) GlobalPrice(ctx context.Context) model.AggregatePrice {
	now := s.nowFn()

	// 1. Freshness gate: a young persisted snapshot is returned verbatim,
	// so same-cycle callers observe bit-identical values. The snapshot is
	// loaded once and reused by the stale fallback below.
	snap := s.loadGlobalSnapshot(ctx)
	if snap != nil && now.Sub(snap.ObservedAt) < FreshnessWindow {
		s.noteFreshnessHit(SeriesGlobal)
		s.noteServe(SeriesGlobal, snap.Source)
		return *snap
	}

	// Pure simulation mode skips fetching entirely.
	if len(s.fetchers) == 0 {
		return s.compute(ctx, now, s.baseline.Next(), model.SourceSimulated, "no providers configured")
	}

	// 2–3. Live fetch, unless suppressed by backoff from earlier failures.
	if s.canAttempt(&s.globalRetry, now) {
		prices := provider.FetchAll(ctx, s.fetchers, s.OnFetchResult)
		if len(prices) > 0 {
			base := mean(prices)
			s.baseline.Anchor(base)
			s.resetRetry(SeriesGlobal, &s.globalRetry)
			return s.compute(ctx, now, base, model.SourceLive, "")
		}
		s.recordFailure(SeriesGlobal, &s.globalRetry, now)
	}

	// 4. Fallback chain: persisted stale → in-memory last-good → synthetic.
	if snap != nil {
		out := *snap
		out.Source = model.SourceCache
		out.CacheAge = now.Sub(snap.ObservedAt)
		out.SimReason = ""
		s.noteServe(SeriesGlobal, out.Source)
		return out
	}

	s.mu.Lock()
	last := s.lastGlobal
	s.mu.Unlock()
	if last != nil {
		out := *last
		out.Source = model.SourceCache
		out.CacheAge = now.Sub(last.ObservedAt)
		out.SimReason = ""
		s.noteServe(SeriesGlobal, out.Source)
		return out
	}

	return s.compute(ctx, now, s.baseline.Next(), model.SourceSimulated, "all providers failed")
}

// RegionalPrice returns the Shanghai price: the resolved global aggregate
// plus a randomized physical premium, with its own independent cache and
// fallback chain.
func (s *Service) RegionalPrice(ctx context.Context) model.RegionalPrice {
	now := s.nowFn()

	snap := s.loadRegionalSnapshot(ctx)
	if snap != nil && now.Sub(snap.ObservedAt) < FreshnessWindow {
		s.noteFreshnessHit(SeriesRegional)
		s.noteServe(SeriesRegional, snap.Source)
		return *snap
	}

	// The resolved global is held for the last resort below: re-resolving
	// it there would hit the backoff just recorded and come back retagged
	// as cache, hiding that the value is synthetic.
	var global *model.AggregatePrice
	if s.canAttempt(&s.regionalRetry, now) {
		g := s.GlobalPrice(ctx)
		outage := len(s.fetchers) > 0 && g.Source == model.SourceSimulated
		if !outage {
			s.resetRetry(SeriesRegional, &s.regionalRetry)
			return s.deriveRegional(ctx, g, now)
		}
		s.recordFailure(SeriesRegional, &s.regionalRetry, now)
		global = &g
	}

	// Providers are down: prefer cached regional data over compounding a
	// simulated global with a simulated premium.
	if snap != nil {
		out := *snap
		out.Source = model.SourceCache
		out.CacheAge = now.Sub(snap.ObservedAt)
		out.SimReason = ""
		s.noteServe(SeriesRegional, out.Source)
		return out
	}

	s.mu.Lock()
	last := s.lastRegional
	s.mu.Unlock()
	if last != nil {
		out := *last
		out.Source = model.SourceCache
		out.CacheAge = now.Sub(last.ObservedAt)
		out.SimReason = ""
		s.noteServe(SeriesRegional, out.Source)
		return out
	}

	// Nothing cached anywhere: synthesize from the global resolved above,
	// carrying its provenance tag and reason through. global is only nil
	// here when the attempt was suppressed, and every suppressed pass
	// follows an attempt that populated lastRegional; resolve one anyway
	// rather than return a zero value.
	if global == nil {
		g := s.GlobalPrice(ctx)
		global = &g
	}
	return s.deriveRegional(ctx, *global, now)
}

// History returns exactly n points spaced one hour apart ending at
// current, using retained real observations where available and a
// synthetic random walk elsewhere.
func (s *Service) History(current float64, n int) []model.PricePoint {
	if n <= 0 {
		n = DefaultHistoryPoints
	}
	s.mu.Lock()
	retained := append([]model.PricePoint(nil), s.points...)
	s.mu.Unlock()
	return history.Hourly(retained, current, n, s.nowFn(), s.rnd)
}

// compute runs one full aggregation pass: simulate venues around base,
// weighted-average, diff against the in-memory last-good value, update
// the rolling history, persist, and publish to the archive.
func (s *Service) compute(ctx context.Context, now time.Time, base float64, src model.Source, simReason string) model.AggregatePrice {
	quotes := sim.Exchanges(base, s.rnd, now)
	price := agg.Round2(agg.WeightedAverage(quotes))

	breakdown := make(map[model.Exchange]float64, len(quotes))
	for _, q := range quotes {
		breakdown[q.Exchange] = agg.Round2(q.Price)
	}
	point := model.PricePoint{TS: now, Price: price, ExchangeBreakdown: breakdown}

	s.mu.Lock()
	change, pct := placeholderChange, placeholderChangePct
	if s.lastGlobal != nil && s.lastGlobal.Price > 0 {
		change = agg.Round2(price - s.lastGlobal.Price)
		pct = agg.Round2(change / s.lastGlobal.Price * 100)
	}
	s.points = history.AppendAndTrim(s.points, point)
	high, low, volume := agg.Stats24h(s.points, s.rnd)

	out := model.AggregatePrice{
		Price:         price,
		Change:        change,
		ChangePercent: pct,
		ObservedAt:    now,
		High24h:       high,
		Low24h:        low,
		Volume24h:     volume,
		Exchanges:     quotes,
		Source:        src,
		SimReason:     simReason,
	}
	s.lastGlobal = &out
	retained := append([]model.PricePoint(nil), s.points...)
	historyLen := len(s.points)
	s.mu.Unlock()

	s.persistGlobal(ctx, out, retained)
	s.publishPoint(point)
	if s.OnHistorySize != nil {
		s.OnHistorySize(historyLen)
	}
	s.noteServe(SeriesGlobal, src)
	return out
}

// deriveRegional computes the Shanghai price from the resolved global
// aggregate. Provenance propagates from the global value.
func (s *Service) deriveRegional(ctx context.Context, global model.AggregatePrice, now time.Time) model.RegionalPrice {
	premium := regionalPremiumBase + s.rnd.Float64()*regionalPremiumSpan
	usd := agg.Round2(global.Price * premium)

	pct := 0.0
	if global.Price > 0 {
		pct = agg.Round2((usd - global.Price) / global.Price * 100)
	}
	if pct < 0 {
		pct = 0
	}

	s.mu.Lock()
	change, changePct := placeholderChange, placeholderChangePct
	if s.lastRegional != nil && s.lastRegional.USDPrice > 0 {
		change = agg.Round2(usd - s.lastRegional.USDPrice)
		changePct = agg.Round2(change / s.lastRegional.USDPrice * 100)
	}
	out := model.RegionalPrice{
		USDPrice:       usd,
		Change:         change,
		ChangePercent:  changePct,
		PremiumPercent: pct,
		ObservedAt:     now,
		Source:         global.Source,
		SimReason:      global.SimReason,
	}
	s.lastRegional = &out
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.SaveRegional(ctx, out); err != nil {
			log.Printf("[feed] regional snapshot save failed: %v (memory-only this cycle)", err)
		}
	}
	s.noteServe(SeriesRegional, out.Source)
	return out
}

// persistGlobal writes the snapshot and history fire-and-forget: a failed
// write degrades to memory-only caching for the cycle.
func (s *Service) persistGlobal(ctx context.Context, out model.AggregatePrice, retained []model.PricePoint) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveGlobal(ctx, out); err != nil {
		log.Printf("[feed] global snapshot save failed: %v (memory-only this cycle)", err)
	}
	if err := s.store.SaveHistory(ctx, retained); err != nil {
		log.Printf("[feed] history save failed: %v", err)
	}
}

// publishPoint hands the finalized point to the archive without blocking
// the pricing path.
func (s *Service) publishPoint(p model.PricePoint) {
	if s.archive == nil {
		return
	}
	select {
	case s.archive <- p:
	default:
		log.Printf("[feed] archive channel full, dropping point ts=%v", p.TS)
	}
}

func (s *Service) loadGlobalSnapshot(ctx context.Context) *model.AggregatePrice {
	if s.store == nil {
		return nil
	}
	snap, err := s.store.LoadGlobal(ctx)
	if err != nil {
		// Storage-read and parse failures fall through the chain.
		log.Printf("[feed] global snapshot load failed: %v", err)
		return nil
	}
	return snap
}

func (s *Service) loadRegionalSnapshot(ctx context.Context) *model.RegionalPrice {
	if s.store == nil {
		return nil
	}
	snap, err := s.store.LoadRegional(ctx)
	if err != nil {
		log.Printf("[feed] regional snapshot load failed: %v", err)
		return nil
	}
	return snap
}

// canAttempt reports whether live fetching is currently allowed for the
// series, i.e. not suppressed by the backoff deadline.
func (s *Service) canAttempt(rs *retryState, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !now.Before(rs.nextAttempt)
}

// recordFailure advances the exponential backoff: the next live attempt
// is suppressed for initialRetryDelay × 2^count, with count capped.
func (s *Service) recordFailure(series string, rs *retryState, now time.Time) {
	s.mu.Lock()
	delay := initialRetryDelay << uint(rs.count)
	rs.nextAttempt = now.Add(delay)
	if rs.count < maxRetries {
		rs.count++
	}
	count := rs.count
	s.mu.Unlock()

	if s.OnRetry != nil {
		s.OnRetry(series, count)
	}
}

func (s *Service) resetRetry(series string, rs *retryState) {
	s.mu.Lock()
	rs.count = 0
	rs.nextAttempt = time.Time{}
	s.mu.Unlock()

	if s.OnRetry != nil {
		s.OnRetry(series, 0)
	}
}

func (s *Service) noteServe(series string, src model.Source) {
	if s.OnServe != nil {
		s.OnServe(series, src)
	}
}

func (s *Service) noteFreshnessHit(series string) {
	if s.OnFreshnessHit != nil {
		s.OnFreshnessHit(series)
	}
}

func mean(prices []float64) float64 {
	var sum float64
	for _, p := range prices {
		sum += p
	}
	return sum / float64(len(prices))
}

package feed

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"silverfeed/internal/model"
	"silverfeed/internal/provider"
)

type fixedRand struct{ v float64 }

func (f fixedRand) Float64() float64 { return f.v }

// fakeStore is an in-memory SnapshotStore.
type fakeStore struct {
	mu       sync.Mutex
	global   *model.AggregatePrice
	regional *model.RegionalPrice
	history  []model.PricePoint

	saveErr error

	saveGlobalCalls   int
	saveRegionalCalls int
	saveHistoryCalls  int
	loadGlobalCalls   int
	loadRegionalCalls int
}

func (f *fakeStore) SaveGlobal(ctx context.Context, p model.AggregatePrice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveGlobalCalls++
	if f.saveErr != nil {
		return f.saveErr
	}
	f.global = &p
	return nil
}

func (f *fakeStore) LoadGlobal(ctx context.Context) (*model.AggregatePrice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadGlobalCalls++
	if f.global == nil {
		return nil, nil
	}
	cp := *f.global
	return &cp, nil
}

func (f *fakeStore) SaveRegional(ctx context.Context, p model.RegionalPrice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveRegionalCalls++
	if f.saveErr != nil {
		return f.saveErr
	}
	f.regional = &p
	return nil
}

func (f *fakeStore) LoadRegional(ctx context.Context) (*model.RegionalPrice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadRegionalCalls++
	if f.regional == nil {
		return nil, nil
	}
	cp := *f.regional
	return &cp, nil
}

func (f *fakeStore) SaveHistory(ctx context.Context, points []model.PricePoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveHistoryCalls++
	if f.saveErr != nil {
		return f.saveErr
	}
	f.history = append([]model.PricePoint(nil), points...)
	return nil
}

func (f *fakeStore) LoadHistory(ctx context.Context) ([]model.PricePoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.PricePoint(nil), f.history...), nil
}

// stubFetcher is a controllable quote source.
type stubFetcher struct {
	mu    sync.Mutex
	price float64
	err   error
	calls int
}

func (s *stubFetcher) Name() string { return "stub" }

func (s *stubFetcher) Fetch(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.price, s.err
}

func (s *stubFetcher) set(price float64, err error) {
	s.mu.Lock()
	s.price, s.err = price, err
	s.mu.Unlock()
}

func (s *stubFetcher) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestService(t *testing.T, cfg Config, now time.Time) *Service {
	t.Helper()
	if cfg.Rand == nil {
		cfg.Rand = fixedRand{0.5}
	}
	svc := New(cfg)
	svc.nowFn = func() time.Time { return now }
	return svc
}

var t0 = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// With a 0.5 randomness source every perturbation is zero: the baseline
// holds at 30.50 and the aggregate is 30.50 × (0.40 + 0.30 + 0.20×1.02 + 0.10).
const simulatedPrice = 30.62

func TestGlobalPrice_NoProviders(t *testing.T) {
	svc := newTestService(t, Config{}, t0)

	got := svc.GlobalPrice(context.Background())
	if got.Source != model.SourceSimulated {
		t.Fatalf("expected simulated source, got %s", got.Source)
	}
	if got.SimReason != "no providers configured" {
		t.Errorf("unexpected sim reason %q", got.SimReason)
	}
	if got.Price != simulatedPrice {
		t.Errorf("expected price %.2f, got %.2f", simulatedPrice, got.Price)
	}
	if got.Price < 28 || got.Price > 35 {
		t.Errorf("simulated price %.2f outside plausible range", got.Price)
	}
	if got.Change != 0.12 || got.ChangePercent != 0.40 {
		t.Errorf("expected placeholder deltas 0.12/0.40, got %.2f/%.2f", got.Change, got.ChangePercent)
	}
	if len(got.Exchanges) != 4 {
		t.Errorf("expected 4 venue quotes, got %d", len(got.Exchanges))
	}
}

func TestGlobalPrice_FreshSnapshotVerbatim(t *testing.T) {
	fetcher := &stubFetcher{price: 99.00}
	store := &fakeStore{global: &model.AggregatePrice{
		Price:      31.11,
		Change:     0.05,
		ObservedAt: t0.Add(-10 * time.Second),
		Source:     model.SourceLive,
	}}

	var hits int
	svc := newTestService(t, Config{Fetchers: []provider.Fetcher{fetcher}, Store: store}, t0)
	svc.OnFreshnessHit = func(series string) { hits++ }

	first := svc.GlobalPrice(context.Background())
	second := svc.GlobalPrice(context.Background())

	if first.Price != 31.11 || first.Source != model.SourceLive || first.CacheAge != 0 {
		t.Errorf("expected snapshot returned verbatim, got %+v", first)
	}
	if !reflect.DeepEqual(first, second) {
		t.Error("repeated reads within the freshness window must be identical")
	}
	if fetcher.callCount() != 0 {
		t.Errorf("expected no live fetch on a fresh snapshot, got %d calls", fetcher.callCount())
	}
	if hits != 2 {
		t.Errorf("expected 2 freshness hits, got %d", hits)
	}
}

func TestGlobalPrice_StaleSnapshotRecomputed(t *testing.T) {
	fetcher := &stubFetcher{price: 32.00}
	store := &fakeStore{global: &model.AggregatePrice{
		Price:      31.11,
		ObservedAt: t0.Add(-40 * time.Second),
		Source:     model.SourceLive,
	}}

	svc := newTestService(t, Config{Fetchers: []provider.Fetcher{fetcher}, Store: store}, t0)
	got := svc.GlobalPrice(context.Background())

	if fetcher.callCount() != 1 {
		t.Fatalf("expected one live fetch past the freshness window, got %d", fetcher.callCount())
	}
	if got.Source != model.SourceLive {
		t.Errorf("expected live source, got %s", got.Source)
	}
	// 32.00 base through the venue weights with zero perturbation.
	if got.Price != 32.13 {
		t.Errorf("expected aggregate 32.13, got %.2f", got.Price)
	}
	if !got.ObservedAt.Equal(t0) {
		t.Errorf("expected observed_at %v, got %v", t0, got.ObservedAt)
	}
	if store.saveGlobalCalls != 1 || store.saveHistoryCalls != 1 {
		t.Errorf("expected snapshot and history persisted, got %d/%d saves",
			store.saveGlobalCalls, store.saveHistoryCalls)
	}
	if store.global.Price != 32.13 {
		t.Errorf("persisted snapshot price %.2f, want 32.13", store.global.Price)
	}
}

func TestGlobalPrice_FallsBackToStaleCache(t *testing.T) {
	fetcher := &stubFetcher{err: errors.New("connection refused")}
	store := &fakeStore{global: &model.AggregatePrice{
		Price:      31.11,
		ObservedAt: t0.Add(-40 * time.Second),
		Source:     model.SourceLive,
	}}

	svc := newTestService(t, Config{Fetchers: []provider.Fetcher{fetcher}, Store: store}, t0)
	got := svc.GlobalPrice(context.Background())

	if fetcher.callCount() != 1 {
		t.Fatalf("expected one fetch attempt, got %d", fetcher.callCount())
	}
	if got.Source != model.SourceCache {
		t.Fatalf("expected cache source, got %s", got.Source)
	}
	if got.Price != 31.11 {
		t.Errorf("expected stale price 31.11, got %.2f", got.Price)
	}
	if got.CacheAge != 40*time.Second {
		t.Errorf("expected cache age 40s, got %v", got.CacheAge)
	}
	if got.SimReason != "" {
		t.Errorf("cache value must not carry a sim reason, got %q", got.SimReason)
	}
}

func TestGlobalPrice_SimulatedWhenNothingCached(t *testing.T) {
	fetcher := &stubFetcher{err: errors.New("timeout")}
	svc := newTestService(t, Config{Fetchers: []provider.Fetcher{fetcher}}, t0)

	got := svc.GlobalPrice(context.Background())
	if got.Source != model.SourceSimulated {
		t.Fatalf("expected simulated source, got %s", got.Source)
	}
	if got.SimReason != "all providers failed" {
		t.Errorf("unexpected sim reason %q", got.SimReason)
	}
	if got.Price != simulatedPrice {
		t.Errorf("expected price %.2f, got %.2f", simulatedPrice, got.Price)
	}
}

func TestGlobalPrice_BackoffSchedule(t *testing.T) {
	fetcher := &stubFetcher{err: errors.New("down")}
	now := t0
	svc := New(Config{Fetchers: []provider.Fetcher{fetcher}, Rand: fixedRand{0.5}})
	svc.nowFn = func() time.Time { return now }

	ctx := context.Background()
	call := func(offset time.Duration) {
		now = t0.Add(offset)
		svc.GlobalPrice(ctx)
	}

	// Failures double the suppression window: 2s, 4s, 8s, then capped at 16s.
	steps := []struct {
		offset    time.Duration
		wantCalls int
	}{
		{0, 1},                   // first failure, next attempt at +2s
		{1 * time.Second, 1},     // suppressed
		{2 * time.Second, 2},     // second failure, next at +6s
		{5 * time.Second, 2},     // suppressed
		{6 * time.Second, 3},     // third failure, next at +14s
		{13 * time.Second, 3},    // suppressed
		{14 * time.Second, 4},    // fourth failure, delay now capped: next at +30s
		{29 * time.Second, 4},    // suppressed
		{30 * time.Second, 5},    // capped delay again: next at +46s
		{45 * time.Second, 5},    // suppressed — cap held, no further growth
		{46 * time.Second, 6},    // allowed
	}
	for i, s := range steps {
		call(s.offset)
		if got := fetcher.callCount(); got != s.wantCalls {
			t.Fatalf("step %d (offset %v): expected %d fetch attempts, got %d",
				i, s.offset, s.wantCalls, got)
		}
	}
}

func TestGlobalPrice_SuppressedCallsServeLastGood(t *testing.T) {
	fetcher := &stubFetcher{err: errors.New("down")}
	now := t0
	svc := New(Config{Fetchers: []provider.Fetcher{fetcher}, Rand: fixedRand{0.5}})
	svc.nowFn = func() time.Time { return now }

	ctx := context.Background()
	first := svc.GlobalPrice(ctx) // fails, falls to simulation

	now = t0.Add(time.Second)
	second := svc.GlobalPrice(ctx) // suppressed by backoff

	if second.Source != model.SourceCache {
		t.Fatalf("expected in-memory last-good served as cache, got %s", second.Source)
	}
	if second.Price != first.Price {
		t.Errorf("expected last-good price %.2f, got %.2f", first.Price, second.Price)
	}
	if second.CacheAge != time.Second {
		t.Errorf("expected cache age 1s, got %v", second.CacheAge)
	}
}

func TestGlobalPrice_RecoveryResetsBackoff(t *testing.T) {
	fetcher := &stubFetcher{err: errors.New("down")}
	now := t0
	svc := New(Config{Fetchers: []provider.Fetcher{fetcher}, Rand: fixedRand{0.5}})
	svc.nowFn = func() time.Time { return now }

	ctx := context.Background()
	svc.GlobalPrice(ctx) // failure, next attempt at +2s

	fetcher.set(31.00, nil)
	now = t0.Add(2 * time.Second)
	got := svc.GlobalPrice(ctx)
	if got.Source != model.SourceLive {
		t.Fatalf("expected live source after recovery, got %s", got.Source)
	}
	if got.Price != 31.12 {
		t.Errorf("expected aggregate 31.12, got %.2f", got.Price)
	}

	// A success clears the suppression: the very next cycle may fetch again.
	fetcher.set(0, errors.New("down again"))
	now = t0.Add(3 * time.Second)
	before := fetcher.callCount()
	svc.GlobalPrice(ctx)
	if fetcher.callCount() != before+1 {
		t.Error("expected an immediate fetch attempt after a successful cycle")
	}
}

func TestGlobalPrice_SnapshotRoundTrip(t *testing.T) {
	store := &fakeStore{}
	now := t0
	svc := New(Config{Store: store, Rand: fixedRand{0.5}})
	svc.nowFn = func() time.Time { return now }

	ctx := context.Background()
	first := svc.GlobalPrice(ctx) // computed and persisted

	var hits int
	svc.OnFreshnessHit = func(string) { hits++ }

	now = t0.Add(10 * time.Second)
	second := svc.GlobalPrice(ctx)
	if hits != 1 {
		t.Fatalf("expected a freshness hit, got %d", hits)
	}
	if !reflect.DeepEqual(first, second) {
		t.Error("fresh snapshot must round-trip identically through the store")
	}

	now = t0.Add(31 * time.Second)
	third := svc.GlobalPrice(ctx)
	if !third.ObservedAt.Equal(now) {
		t.Errorf("expected recomputation past the window, observed_at %v", third.ObservedAt)
	}
}

func TestGlobalPrice_StoreSaveErrorDegrades(t *testing.T) {
	store := &fakeStore{saveErr: errors.New("redis: connection pool timeout")}
	svc := newTestService(t, Config{Store: store}, t0)

	got := svc.GlobalPrice(context.Background())
	if got.Price != simulatedPrice {
		t.Errorf("expected price %.2f despite save failure, got %.2f", simulatedPrice, got.Price)
	}
	if store.saveGlobalCalls != 1 {
		t.Errorf("expected one save attempt, got %d", store.saveGlobalCalls)
	}
}

func TestRegionalPrice_Premium(t *testing.T) {
	svc := newTestService(t, Config{}, t0)

	got := svc.RegionalPrice(context.Background())
	if got.Source != model.SourceSimulated {
		t.Fatalf("expected simulated source, got %s", got.Source)
	}
	if got.SimReason != "no providers configured" {
		t.Errorf("expected sim reason propagated from global, got %q", got.SimReason)
	}
	// 30.62 × 1.025 premium.
	if got.USDPrice != 31.39 {
		t.Errorf("expected 31.39, got %.2f", got.USDPrice)
	}
	if got.PremiumPercent != 2.51 {
		t.Errorf("expected premium 2.51%%, got %.2f", got.PremiumPercent)
	}
	if got.PremiumPercent < 0 {
		t.Error("premium must never be negative")
	}
	if got.Change != 0.12 || got.ChangePercent != 0.40 {
		t.Errorf("expected placeholder deltas, got %.2f/%.2f", got.Change, got.ChangePercent)
	}
}

func TestRegionalPrice_FreshSnapshotVerbatim(t *testing.T) {
	fetcher := &stubFetcher{price: 99.00}
	store := &fakeStore{regional: &model.RegionalPrice{
		USDPrice:       31.50,
		PremiumPercent: 2.40,
		ObservedAt:     t0.Add(-5 * time.Second),
		Source:         model.SourceLive,
	}}

	svc := newTestService(t, Config{Fetchers: []provider.Fetcher{fetcher}, Store: store}, t0)
	got := svc.RegionalPrice(context.Background())

	if got.USDPrice != 31.50 || got.Source != model.SourceLive || got.CacheAge != 0 {
		t.Errorf("expected snapshot returned verbatim, got %+v", got)
	}
	if fetcher.callCount() != 0 {
		t.Errorf("expected no global evaluation on a fresh regional snapshot, got %d fetches",
			fetcher.callCount())
	}
}

func TestRegionalPrice_OutageServesCachedRegional(t *testing.T) {
	fetcher := &stubFetcher{err: errors.New("down")}
	store := &fakeStore{regional: &model.RegionalPrice{
		USDPrice:   31.50,
		ObservedAt: t0.Add(-40 * time.Second),
		Source:     model.SourceLive,
	}}

	svc := newTestService(t, Config{Fetchers: []provider.Fetcher{fetcher}, Store: store}, t0)
	got := svc.RegionalPrice(context.Background())

	if got.Source != model.SourceCache {
		t.Fatalf("expected cached regional during outage, got %s", got.Source)
	}
	if got.USDPrice != 31.50 {
		t.Errorf("expected cached price 31.50, got %.2f", got.USDPrice)
	}
	if got.CacheAge != 40*time.Second {
		t.Errorf("expected cache age 40s, got %v", got.CacheAge)
	}
}

func TestRegionalPrice_DerivedFromSimulatedGlobalLastResort(t *testing.T) {
	fetcher := &stubFetcher{err: errors.New("down")}
	svc := newTestService(t, Config{Fetchers: []provider.Fetcher{fetcher}}, t0)

	// Providers configured but down, nothing cached anywhere: the value is
	// freshly synthesized and must say so, not masquerade as cached data.
	got := svc.RegionalPrice(context.Background())
	if got.Source != model.SourceSimulated {
		t.Fatalf("expected simulated regional with nothing cached, got %s", got.Source)
	}
	if got.SimReason != "all providers failed" {
		t.Errorf("expected sim reason carried from the resolved global, got %q", got.SimReason)
	}
	if got.CacheAge != 0 {
		t.Errorf("synthetic value must not carry a cache age, got %v", got.CacheAge)
	}
	if got.USDPrice <= 0 {
		t.Errorf("expected positive price, got %.2f", got.USDPrice)
	}
	if got.PremiumPercent < 0 {
		t.Error("premium must never be negative")
	}
}

func TestGlobalPrice_SingleSnapshotReadPerPass(t *testing.T) {
	// Stale snapshot plus a failing fetcher walks the whole chain: the
	// freshness gate and the stale fallback must share one store read.
	fetcher := &stubFetcher{err: errors.New("down")}
	store := &fakeStore{global: &model.AggregatePrice{
		Price:      31.11,
		ObservedAt: t0.Add(-40 * time.Second),
		Source:     model.SourceLive,
	}}

	svc := newTestService(t, Config{Fetchers: []provider.Fetcher{fetcher}, Store: store}, t0)
	got := svc.GlobalPrice(context.Background())

	if got.Source != model.SourceCache {
		t.Fatalf("expected cache source, got %s", got.Source)
	}
	if store.loadGlobalCalls != 1 {
		t.Errorf("expected 1 snapshot read for the full pass, got %d", store.loadGlobalCalls)
	}
}

func TestRegionalPrice_SingleSnapshotReadPerPass(t *testing.T) {
	fetcher := &stubFetcher{err: errors.New("down")}
	store := &fakeStore{regional: &model.RegionalPrice{
		USDPrice:   31.50,
		ObservedAt: t0.Add(-40 * time.Second),
		Source:     model.SourceLive,
	}}

	svc := newTestService(t, Config{Fetchers: []provider.Fetcher{fetcher}, Store: store}, t0)
	got := svc.RegionalPrice(context.Background())

	if got.Source != model.SourceCache {
		t.Fatalf("expected cache source, got %s", got.Source)
	}
	if store.loadRegionalCalls != 1 {
		t.Errorf("expected 1 snapshot read for the full pass, got %d", store.loadRegionalCalls)
	}
}

func TestHistory(t *testing.T) {
	svc := newTestService(t, Config{}, t0)
	current := svc.GlobalPrice(context.Background())

	pts := svc.History(current.Price, 5)
	if len(pts) != 5 {
		t.Fatalf("expected 5 points, got %d", len(pts))
	}
	last := pts[4]
	if !last.TS.Equal(t0) || last.Price != current.Price {
		t.Errorf("expected final point (%v, %.2f), got (%v, %.2f)",
			t0, current.Price, last.TS, last.Price)
	}

	// Non-positive count falls back to the default series length.
	if pts := svc.History(current.Price, 0); len(pts) != DefaultHistoryPoints {
		t.Errorf("expected %d points for n=0, got %d", DefaultHistoryPoints, len(pts))
	}
}

func TestCompute_PublishesToArchive(t *testing.T) {
	ch := make(chan model.PricePoint, 1)
	svc := newTestService(t, Config{Archive: ch}, t0)

	got := svc.GlobalPrice(context.Background())

	select {
	case p := <-ch:
		if p.Price != got.Price {
			t.Errorf("archived price %.2f, want %.2f", p.Price, got.Price)
		}
		if len(p.ExchangeBreakdown) != 4 {
			t.Errorf("expected 4-venue breakdown, got %d", len(p.ExchangeBreakdown))
		}
	default:
		t.Fatal("expected a point published to the archive channel")
	}
}

func TestCompute_ArchiveFullDoesNotBlock(t *testing.T) {
	ch := make(chan model.PricePoint) // unbuffered, no reader
	svc := newTestService(t, Config{Archive: ch}, t0)

	done := make(chan struct{})
	go func() {
		svc.GlobalPrice(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pricing path blocked on a full archive channel")
	}
}

func TestSeedHistory(t *testing.T) {
	seed := []model.PricePoint{
		{TS: t0.Add(-2 * time.Hour), Price: 30.10},
		{TS: t0.Add(-1 * time.Hour), Price: 30.30},
	}
	svc := newTestService(t, Config{SeedHistory: seed}, t0)

	var sizes []int
	svc.OnHistorySize = func(n int) { sizes = append(sizes, n) }

	svc.GlobalPrice(context.Background())
	if len(sizes) != 1 || sizes[0] != 3 {
		t.Fatalf("expected history of 3 after seeding 2 points, got %v", sizes)
	}

	pts := svc.History(30.62, 4)
	// The 1h and 2h slots are covered by seeded observations.
	if pts[2].Price != 30.30 {
		t.Errorf("expected seeded price 30.30 at 1h slot, got %.2f", pts[2].Price)
	}
	if pts[1].Price != 30.10 {
		t.Errorf("expected seeded price 30.10 at 2h slot, got %.2f", pts[1].Price)
	}
}

func TestOnRetryHook(t *testing.T) {
	fetcher := &stubFetcher{err: errors.New("down")}
	now := t0
	svc := New(Config{Fetchers: []provider.Fetcher{fetcher}, Rand: fixedRand{0.5}})
	svc.nowFn = func() time.Time { return now }

	var counts []int
	svc.OnRetry = func(series string, count int) {
		if series == SeriesGlobal {
			counts = append(counts, count)
		}
	}

	ctx := context.Background()
	svc.GlobalPrice(ctx) // failure → level 1

	now = t0.Add(2 * time.Second)
	svc.GlobalPrice(ctx) // failure → level 2

	fetcher.set(31.00, nil)
	now = t0.Add(6 * time.Second)
	svc.GlobalPrice(ctx) // recovery → reset to 0

	want := []int{1, 2, 0}
	if !reflect.DeepEqual(counts, want) {
		t.Errorf("expected retry levels %v, got %v", want, counts)
	}
}

func TestOnServeHook(t *testing.T) {
	var mu sync.Mutex
	served := make(map[string][]model.Source)

	svc := newTestService(t, Config{}, t0)
	svc.OnServe = func(series string, src model.Source) {
		mu.Lock()
		served[series] = append(served[series], src)
		mu.Unlock()
	}

	svc.GlobalPrice(context.Background())
	svc.RegionalPrice(context.Background())

	if got := served[SeriesGlobal]; len(got) < 1 || got[0] != model.SourceSimulated {
		t.Errorf("expected simulated global serve recorded, got %v", got)
	}
	if got := served[SeriesRegional]; len(got) != 1 || got[0] != model.SourceSimulated {
		t.Errorf("expected simulated regional serve recorded, got %v", got)
	}
}

package feed

import (
	"context"
	"log"
	"sync/atomic"
	"time"
)

// Poller drives periodic re-evaluation of both price series. The two
// series run on independent timers; each evaluation is guarded by an
// in-flight flag so a slow cycle is skipped rather than overlapped.
type Poller struct {
	svc      *Service
	interval time.Duration

	globalBusy   atomic.Bool
	regionalBusy atomic.Bool

	// OnSkip is called when a tick is skipped because the previous
	// evaluation of that series is still in flight. OnEval is called
	// after each completed evaluation with its duration. Both optional.
	OnSkip func(series string)
	OnEval func(series string, d time.Duration)
}

// NewPoller creates a poller for the service. interval <= 0 defaults to
// one minute.
func NewPoller(svc *Service, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Poller{svc: svc, interval: interval}
}

// Run starts both series pollers and blocks until ctx is cancelled.
// Each series is evaluated once immediately so consumers have a value
// before the first tick.
func (p *Poller) Run(ctx context.Context) {
	done := make(chan struct{}, 2)

	go func() {
		p.loop(ctx, SeriesGlobal, &p.globalBusy, func() { p.svc.GlobalPrice(ctx) })
		done <- struct{}{}
	}()
	go func() {
		p.loop(ctx, SeriesRegional, &p.regionalBusy, func() { p.svc.RegionalPrice(ctx) })
		done <- struct{}{}
	}()

	<-done
	<-done
}

func (p *Poller) loop(ctx context.Context, series string, busy *atomic.Bool, eval func()) {
	p.evalGuarded(series, busy, eval)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.evalGuarded(series, busy, eval)
		}
	}
}

func (p *Poller) evalGuarded(series string, busy *atomic.Bool, eval func()) {
	if !busy.CompareAndSwap(false, true) {
		log.Printf("[feed] %s evaluation still in flight, skipping tick", series)
		if p.OnSkip != nil {
			p.OnSkip(series)
		}
		return
	}
	defer busy.Store(false)

	start := time.Now()
	eval()
	if p.OnEval != nil {
		p.OnEval(series, time.Since(start))
	}
}

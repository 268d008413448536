package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"silverfeed/config"
	"silverfeed/internal/api"
	"silverfeed/internal/feed"
	"silverfeed/internal/history"
	"silverfeed/internal/logger"
	"silverfeed/internal/metrics"
	"silverfeed/internal/model"
	"silverfeed/internal/notification"
	"silverfeed/internal/provider"
	redisstore "silverfeed/internal/store/redis"
	sqlitestore "silverfeed/internal/store/sqlite"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	logger.Init("feedengine", slog.LevelInfo)
	log.Println("[feedengine] starting...")

	cfg := config.Load()

	// ---- Build quote fetchers from configured keys ----
	var fetchers []provider.Fetcher
	if cfg.LiveMode() {
		if cfg.MetalPriceAPIKey != "" {
			f, err := provider.NewMetalPriceAPI(cfg.MetalPriceAPIKey)
			if err != nil {
				log.Fatalf("[feedengine] metalpriceapi init failed: %v", err)
			}
			fetchers = append(fetchers, f)
		}
		if cfg.GoldAPIKey != "" {
			f, err := provider.NewGoldAPI(cfg.GoldAPIKey)
			if err != nil {
				log.Fatalf("[feedengine] goldapi init failed: %v", err)
			}
			fetchers = append(fetchers, f)
		}
	}
	if len(fetchers) == 0 {
		log.Println("[feedengine] no provider keys configured — running in simulation mode")
	} else {
		log.Printf("[feedengine] live mode with %d provider(s)", len(fetchers))
	}

	// ---- Setup metrics & health ----
	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	health.SetLiveProviders(len(fetchers))
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	// ---- Setup context for graceful shutdown ----
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- SQLite archive (off hot path) ----
	os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755)
	archive, err := sqlitestore.New(sqlitestore.ArchiveConfig{DBPath: cfg.SQLitePath})
	if err != nil {
		log.Fatalf("[feedengine] sqlite init failed: %v", err)
	}
	defer archive.Close()
	health.SetSQLiteOK(true)

	// Warm-start the rolling window from the archive.
	seed, err := archive.ReadSince(time.Now().Add(-history.Window).Unix())
	if err != nil {
		log.Printf("[feedengine] archive warm-start failed: %v (starting empty)", err)
	} else if len(seed) > 0 {
		log.Printf("[feedengine] warm-started history with %d archived points", len(seed))
	}
	if err := archive.Prune(time.Now().Add(-2 * history.Window).Unix()); err != nil {
		log.Printf("[feedengine] archive prune warning: %v", err)
	}

	archiveCh := make(chan model.PricePoint, 512)
	go archive.Run(ctx, archiveCh)

	// ---- Redis snapshot store (optional) ----
	var snapshots model.SnapshotStore
	var rdb *redisstore.Store
	rdb, err = redisstore.New(redisstore.StoreConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		log.Printf("[feedengine] WARNING: redis init failed: %v (memory-only caching)", err)
		health.SetRedisConnected(false)
	} else {
		health.SetRedisConnected(true)

		cb := redisstore.NewCircuitBreaker(5, 10*time.Second)
		cb.OnStateChange = func(from, to redisstore.State) {
			log.Printf("[feedengine] redis circuit breaker %s → %s", from, to)
			prom.BreakerState.Set(float64(to))
			if to == redisstore.StateOpen {
				prom.BreakerTrips.Inc()
			}
		}
		buffered := redisstore.NewBufferedStore(rdb, cb)
		buffered.OnBuffer = func() { prom.BufferedSaves.Inc() }
		snapshots = buffered
	}

	// Fresh database but a surviving cache: seed the window from Redis.
	if len(seed) == 0 && snapshots != nil {
		if pts, err := snapshots.LoadHistory(ctx); err == nil && len(pts) > 0 {
			seed = pts
			log.Printf("[feedengine] warm-started history with %d cached points", len(pts))
		}
	}

	// ---- Pricing service ----
	svc := feed.New(feed.Config{
		Fetchers:    fetchers,
		Store:       snapshots,
		Archive:     archiveCh,
		SeedHistory: seed,
	})

	// ---- Degradation alerts ----
	var notifier notification.Notifier
	if cfg.AlertWebhookURL != "" {
		notifier = notification.NewWebhookNotifier(cfg.AlertWebhookURL)
	}
	var alertMu sync.Mutex
	lastSrc := model.Source("")

	svc.OnServe = func(series string, src model.Source) {
		prom.PricesServed.WithLabelValues(series, string(src)).Inc()
		if series != feed.SeriesGlobal {
			return
		}
		health.SetLastGlobal(string(src), time.Now())

		alertMu.Lock()
		prev := lastSrc
		lastSrc = src
		alertMu.Unlock()
		if notifier == nil || prev == src {
			return
		}
		if src == model.SourceSimulated && len(fetchers) > 0 {
			go notifier.Send(ctx, notification.Alert{
				Level:   notification.LevelWarning,
				Title:   "silver feed degraded",
				Message: "all quote providers failed; serving simulated data",
			})
		} else if prev == model.SourceSimulated && src == model.SourceLive {
			go notifier.Send(ctx, notification.Alert{
				Level:   notification.LevelInfo,
				Title:   "silver feed recovered",
				Message: "live quotes restored",
			})
		}
	}
	svc.OnFreshnessHit = func(series string) {
		prom.FreshnessHits.WithLabelValues(series).Inc()
	}
	svc.OnFetchResult = func(name string, err error) {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		prom.FetchesTotal.WithLabelValues(name, outcome).Inc()
	}
	svc.OnHistorySize = func(n int) {
		prom.HistoryPoints.Set(float64(n))
	}
	svc.OnRetry = func(series string, count int) {
		prom.RetryCount.WithLabelValues(series).Set(float64(count))
	}

	// ---- Periodic liveness checks ----
	if rdb != nil {
		health.StartLivenessChecker(ctx, rdb.Client(), archive.DB(), 10*time.Second)
	} else {
		health.StartLivenessChecker(ctx, nil, archive.DB(), 10*time.Second)
	}

	// ---- Pollers (global + regional, independent 60s timers) ----
	poller := feed.NewPoller(svc, cfg.PollInterval)
	poller.OnSkip = func(series string) {
		prom.PollSkips.WithLabelValues(series).Inc()
	}
	poller.OnEval = func(series string, d time.Duration) {
		prom.EvalDur.WithLabelValues(series).Observe(d.Seconds())
	}
	go poller.Run(ctx)

	// ---- Public API ----
	apiSrv := api.NewServer(cfg.APIAddr, svc)
	apiSrv.Start()

	mode := "simulation"
	if len(fetchers) > 0 {
		mode = fmt.Sprintf("live (%d providers)", len(fetchers))
	}
	log.Printf("[feedengine] ready — mode=%s poll=%v api=%s metrics=%s",
		mode, cfg.PollInterval, cfg.APIAddr, cfg.MetricsAddr)

	// ---- Wait for shutdown signal ----
	<-sigCh
	log.Println("[feedengine] shutdown signal received, cleaning up...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	apiSrv.Stop(shutdownCtx)
	metricsSrv.Stop(shutdownCtx)

	if rdb != nil {
		rdb.Close()
	}

	log.Println("[feedengine] shutdown complete.")
}

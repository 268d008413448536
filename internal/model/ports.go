package model

import "context"

// ── Storage Port Interfaces ──
// These interfaces decouple the pricing service from concrete storage
// implementations (Redis, SQLite). Each implementation satisfies one or
// more of these interfaces.

// SnapshotStore persists the three externally-keyed records: the global
// price snapshot, the regional price snapshot, and the rolling history.
// Load methods return nil, nil (or nil slice) when no record exists.
type SnapshotStore interface {
	SaveGlobal(ctx context.Context, p AggregatePrice) error
	LoadGlobal(ctx context.Context) (*AggregatePrice, error)

	SaveRegional(ctx context.Context, p RegionalPrice) error
	LoadRegional(ctx context.Context) (*RegionalPrice, error)

	SaveHistory(ctx context.Context, points []PricePoint) error
	LoadHistory(ctx context.Context) ([]PricePoint, error)
}

// PointArchiver receives finalized aggregate points for durable archival
// and serves them back for warm-starting the history after a restart.
type PointArchiver interface {
	// Run reads points from ch and archives them in batches.
	// Blocks until ctx is cancelled or ch is closed.
	Run(ctx context.Context, ch <-chan PricePoint)

	// ReadSince returns archived points with TS >= ts (Unix seconds).
	ReadSince(ts int64) ([]PricePoint, error)

	// Close releases underlying resources.
	Close() error
}

// Package redis persists price snapshots and the rolling history.
// All records are plain timestamped JSON under the "silver:" prefix with
// no schema versioning — a format change requires a new key prefix.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"silverfeed/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const (
	keyGlobal   = "silver:spot:latest"
	keyRegional = "silver:shanghai:latest"
	keyHistory  = "silver:spot:history"

	// Snapshots well past the freshness window still serve the stale-cache
	// fallback; the TTL only bounds abandoned keys.
	snapshotTTL = 48 * time.Hour
)

// StoreConfig configures the Redis store.
type StoreConfig struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
}

// Store reads and writes price snapshots and the rolling history.
type Store struct {
	client *goredis.Client
}

// Client returns the underlying Redis client for health checks.
func (s *Store) Client() *goredis.Client { return s.client }

// New creates a new Store and pings the server.
func New(cfg StoreConfig) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return &Store{client: client}, nil
}

// SaveGlobal persists the global aggregate snapshot.
func (s *Store) SaveGlobal(ctx context.Context, p model.AggregatePrice) error {
	return s.client.Set(ctx, keyGlobal, string(p.JSON()), snapshotTTL).Err()
}

// LoadGlobal returns the persisted global snapshot, or nil, nil when absent.
func (s *Store) LoadGlobal(ctx context.Context) (*model.AggregatePrice, error) {
	data, err := s.client.Get(ctx, keyGlobal).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get %s: %w", keyGlobal, err)
	}

	var p model.AggregatePrice
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", keyGlobal, err)
	}
	return &p, nil
}

// SaveRegional persists the regional price snapshot.
func (s *Store) SaveRegional(ctx context.Context, p model.RegionalPrice) error {
	return s.client.Set(ctx, keyRegional, string(p.JSON()), snapshotTTL).Err()
}

// LoadRegional returns the persisted regional snapshot, or nil, nil when absent.
func (s *Store) LoadRegional(ctx context.Context) (*model.RegionalPrice, error) {
	data, err := s.client.Get(ctx, keyRegional).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get %s: %w", keyRegional, err)
	}

	var p model.RegionalPrice
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", keyRegional, err)
	}
	return &p, nil
}

// SaveHistory persists the rolling history array.
func (s *Store) SaveHistory(ctx context.Context, points []model.PricePoint) error {
	data, err := json.Marshal(points)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	return s.client.Set(ctx, keyHistory, string(data), snapshotTTL).Err()
}

// LoadHistory returns the persisted history, or nil, nil when absent.
func (s *Store) LoadHistory(ctx context.Context) ([]model.PricePoint, error) {
	data, err := s.client.Get(ctx, keyHistory).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get %s: %w", keyHistory, err)
	}

	var points []model.PricePoint
	if err := json.Unmarshal([]byte(data), &points); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", keyHistory, err)
	}
	return points, nil
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

package redis

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"silverfeed/internal/model"
)

// Buffered record kinds.
const (
	kindGlobal   = "global"
	kindRegional = "regional"
	kindHistory  = "history"
)

// BufferedStore wraps a Store with a circuit breaker. While the breaker
// is open, saves are held in memory and replayed once it closes. Because
// every record is a superseding snapshot, only the latest payload per
// kind is kept — there is nothing to gain from replaying stale ones.
// Reads bypass the breaker; a read failure is already non-fatal upstream.
type BufferedStore struct {
	store *Store
	cb    *CircuitBreaker

	mu      sync.Mutex
	pending map[string][]byte // kind → latest JSON payload

	// OnBuffer is called when a save is buffered, OnFlush after replaying
	// buffered saves. Both are optional metrics hooks.
	OnBuffer func()
	OnFlush  func(count int)
}

// NewBufferedStore wraps s with cb. The breaker's OnStateChange callback
// is chained so that closing the circuit triggers a flush.
func NewBufferedStore(s *Store, cb *CircuitBreaker) *BufferedStore {
	bs := &BufferedStore{
		store:   s,
		cb:      cb,
		pending: make(map[string][]byte, 3),
	}

	prev := cb.OnStateChange
	cb.OnStateChange = func(from, to State) {
		if prev != nil {
			prev(from, to)
		}
		if to == StateClosed {
			go bs.flush(context.Background())
		}
	}
	return bs
}

// SaveGlobal persists the global snapshot through the breaker.
func (bs *BufferedStore) SaveGlobal(ctx context.Context, p model.AggregatePrice) error {
	return bs.save(ctx, kindGlobal, p.JSON(), func() error {
		return bs.store.SaveGlobal(ctx, p)
	})
}

// LoadGlobal delegates to the underlying store.
func (bs *BufferedStore) LoadGlobal(ctx context.Context) (*model.AggregatePrice, error) {
	return bs.store.LoadGlobal(ctx)
}

// SaveRegional persists the regional snapshot through the breaker.
func (bs *BufferedStore) SaveRegional(ctx context.Context, p model.RegionalPrice) error {
	return bs.save(ctx, kindRegional, p.JSON(), func() error {
		return bs.store.SaveRegional(ctx, p)
	})
}

// LoadRegional delegates to the underlying store.
func (bs *BufferedStore) LoadRegional(ctx context.Context) (*model.RegionalPrice, error) {
	return bs.store.LoadRegional(ctx)
}

// SaveHistory persists the rolling history through the breaker.
func (bs *BufferedStore) SaveHistory(ctx context.Context, points []model.PricePoint) error {
	data, err := json.Marshal(points)
	if err != nil {
		return err
	}
	return bs.save(ctx, kindHistory, data, func() error {
		return bs.store.SaveHistory(ctx, points)
	})
}

// LoadHistory delegates to the underlying store.
func (bs *BufferedStore) LoadHistory(ctx context.Context) ([]model.PricePoint, error) {
	return bs.store.LoadHistory(ctx)
}

func (bs *BufferedStore) save(ctx context.Context, kind string, payload []byte, write func() error) error {
	err := bs.cb.Execute(write)
	if err == ErrCircuitOpen {
		bs.mu.Lock()
		bs.pending[kind] = payload
		bs.mu.Unlock()
		if bs.OnBuffer != nil {
			bs.OnBuffer()
		}
		return nil // buffered, not lost
	}
	return err
}

// flush replays the latest buffered payload of each kind.
func (bs *BufferedStore) flush(ctx context.Context) {
	bs.mu.Lock()
	if len(bs.pending) == 0 {
		bs.mu.Unlock()
		return
	}
	toFlush := bs.pending
	bs.pending = make(map[string][]byte, 3)
	bs.mu.Unlock()

	flushed := 0
	for kind, data := range toFlush {
		switch kind {
		case kindGlobal:
			var p model.AggregatePrice
			if json.Unmarshal(data, &p) == nil && bs.store.SaveGlobal(ctx, p) == nil {
				flushed++
			}
		case kindRegional:
			var p model.RegionalPrice
			if json.Unmarshal(data, &p) == nil && bs.store.SaveRegional(ctx, p) == nil {
				flushed++
			}
		case kindHistory:
			var points []model.PricePoint
			if json.Unmarshal(data, &points) == nil && bs.store.SaveHistory(ctx, points) == nil {
				flushed++
			}
		}
	}

	log.Printf("[buffered-store] flushed %d buffered saves", flushed)
	if bs.OnFlush != nil {
		bs.OnFlush(flushed)
	}
}

// PendingCount returns the number of buffered saves waiting to be flushed.
func (bs *BufferedStore) PendingCount() int {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return len(bs.pending)
}

// Underlying returns the wrapped Store for direct access.
func (bs *BufferedStore) Underlying() *Store {
	return bs.store
}

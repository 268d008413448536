package sim

import (
	"math/rand"
	"sync"
	"time"
)

// Rand is the randomness source used by the simulator. It exists so tests
// can supply a deterministic generator instead of the time-seeded default.
type Rand interface {
	Float64() float64 // uniform in [0, 1)
}

type lockedRand struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rnd.Float64()
}

// NewRand returns a goroutine-safe Rand seeded with the given seed.
func NewRand(seed int64) Rand {
	return &lockedRand{rnd: rand.New(rand.NewSource(seed))}
}

// DefaultRand returns a time-seeded goroutine-safe Rand.
func DefaultRand() Rand {
	return NewRand(time.Now().UnixNano())
}

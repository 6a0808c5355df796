package bingo

import (
	"math/rand"
	"sync"
	"time"
)

// Rand is the randomness the engine and schedulers draw from.
type Rand interface {
	Intn(n int) int
	Float64() float64
}

type lockedRand struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRand returns a goroutine-safe Rand seeded with seed.
func NewRand(seed int64) Rand {
	return &lockedRand{rnd: rand.New(rand.NewSource(seed))}
}

// NewTimeSeededRand returns a goroutine-safe Rand seeded from the clock.
func NewTimeSeededRand() Rand {
	return NewRand(time.Now().UnixNano())
}

func (r *lockedRand) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rnd.Intn(n)
}

func (r *lockedRand) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rnd.Float64()
}

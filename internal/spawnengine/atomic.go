package spawnengine

import (
	"math"
	"sync/atomic"
)

// atomic64 is an atomic float64 for density multipliers and counters.
type atomic64 struct {
	bits atomic.Uint64
}

func (a *atomic64) store(v float64) { a.bits.Store(math.Float64bits(v)) }
func (a *atomic64) load() float64   { return math.Float64frombits(a.bits.Load()) }

func (a *atomic64) add(delta float64) {
	for {
		old := a.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if a.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

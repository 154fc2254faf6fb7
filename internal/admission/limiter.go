// Package admission bounds how many resource units running stages may hold at
// once. A stage's cores count as units; memory and GPU slots are optional
// secondary budgets.
package admission

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/vk/stagegrid/internal/stage"
)

// Capacity configures a Limiter. Zero MemoryMB or GPUSlots disables that budget.
type Capacity struct {
	Units    int64
	MemoryMB int64
	GPUSlots int64
}

// Limiter hands out resource units to stage attempts.
type Limiter struct {
	capacity Capacity
	units    *semaphore.Weighted
	memory   *semaphore.Weighted
	gpus     *semaphore.Weighted
	inUse    atomic.Int64
}

// New creates a Limiter. Units must be at least one.
func New(c Capacity) (*Limiter, error) {
	if c.Units < 1 {
		return nil, fmt.Errorf("admission units must be at least 1, got %d", c.Units)
	}
	if c.MemoryMB < 0 || c.GPUSlots < 0 {
		return nil, fmt.Errorf("admission budgets must not be negative")
	}
	l := &Limiter{capacity: c, units: semaphore.NewWeighted(c.Units)}
	if c.MemoryMB > 0 {
		l.memory = semaphore.NewWeighted(c.MemoryMB)
	}
	if c.GPUSlots > 0 {
		l.gpus = semaphore.NewWeighted(c.GPUSlots)
	}
	return l, nil
}

// Capacity returns the configured budgets.
func (l *Limiter) Capacity() Capacity { return l.capacity }

// InUse returns the number of units currently held.
func (l *Limiter) InUse() int64 { return l.inUse.Load() }

// Acquire blocks until r fits in every budget or ctx is done. Budgets are
// taken in a fixed order (units, memory, GPU) and released again if a later
// one cannot be taken. A demand larger than a budget is clamped to it, so a
// stage can always run on an otherwise idle limiter.
//
// The returned release func is idempotent.
func (l *Limiter) Acquire(ctx context.Context, r stage.Resources) (func(), error) {
	units := min(r.Units(), l.capacity.Units)
	if err := l.units.Acquire(ctx, units); err != nil {
		return nil, err
	}

	var mem int64
	if l.memory != nil && r.MemoryMB > 0 {
		mem = min(int64(r.MemoryMB), l.capacity.MemoryMB)
		if err := l.memory.Acquire(ctx, mem); err != nil {
			l.units.Release(units)
			return nil, err
		}
	}

	var gpu int64
	if l.gpus != nil && r.GPU {
		gpu = 1
		if err := l.gpus.Acquire(ctx, gpu); err != nil {
			if mem > 0 {
				l.memory.Release(mem)
			}
			l.units.Release(units)
			return nil, err
		}
	}

	l.inUse.Add(units)
	var released atomic.Bool
	return func() {
		if !released.CompareAndSwap(false, true) {
			return
		}
		if gpu > 0 {
			l.gpus.Release(gpu)
		}
		if mem > 0 {
			l.memory.Release(mem)
		}
		l.inUse.Add(-units)
		l.units.Release(units)
	}, nil
}

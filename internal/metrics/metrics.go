// Package metrics collects per-phase and per-tick counters. The scheduler
// writes from its single scheduling thread; readers take a snapshot.
package metrics

import (
	"sync"
	"time"
)

// Phase indexes in a tick's phase array.
const (
	PhasePre = iota
	PhaseRed
	PhaseGreen
	PhaseBlue
	PhasePost
	PhaseCount
)

// PhaseStats records one phase of one tick.
type PhaseStats struct {
	Wall        time.Duration
	WorkersBusy int
	Overrun     bool
}

// TickStats records one committed tick.
type TickStats struct {
	Tick           uint64
	Phases         [PhaseCount]PhaseStats
	DeferredByKind [6]int
	EntityCount    int
	ArchetypeCount int
	BytesAppended  uint64
	CommitLatency  time.Duration
	Quarantined    int
}

// Collector aggregates tick stats.
type Collector struct {
	mu       sync.Mutex
	last     TickStats
	ticks    uint64
	overruns uint64
}

func NewCollector() *Collector {
	return &Collector{}
}

// RecordTick stores the finished tick's stats.
func (c *Collector) RecordTick(t TickStats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = t
	c.ticks++
	for _, p := range t.Phases {
		if p.Overrun {
			c.overruns++
		}
	}
}

// Last returns the most recent tick's stats.
func (c *Collector) Last() TickStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Ticks returns the number of recorded ticks.
func (c *Collector) Ticks() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ticks
}

// Overruns returns the total count of phases that exceeded the soft
// deadline.
func (c *Collector) Overruns() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.overruns
}

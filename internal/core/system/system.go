// Package system runs the five-phase tick pipeline: Pre, the R/G/B color
// phases with barriers between them, and Post. Pre and Post run on the
// scheduling thread and may mutate the world directly; color phases fan
// out one task per cell, reading a shared immutable view and writing only
// to cell-local deferred buffers.
package system

import (
	"time"

	"github.com/rgbmc/server/internal/core/ecs"
	"github.com/rgbmc/server/internal/spatial"
)

// Phase places a global system in the pipeline.
type Phase uint8

const (
	// PhasePre runs before the color phases. The inbound command queue is
	// drained here; WORLD singletons may be mutated directly.
	PhasePre Phase = iota
	// PhasePost runs after all deferred mutations are applied and before
	// the tick commits.
	PhasePost
)

// GlobalSystem runs single-threaded in Pre or Post with direct world
// access.
type GlobalSystem interface {
	Name() string
	Phase() Phase
	Update(w *ecs.World, dt time.Duration)
}

// CellSystem runs once per cell per tick, during the cell's color phase.
// It reads through the Ctx and defers all writes. Blocking I/O inside a
// cell system is forbidden: I/O is routed through the command channel and
// the outbound packet buffers.
type CellSystem interface {
	Name() string
	Update(ctx *Ctx, dt time.Duration)
}

// ColorBound is optionally implemented by cell systems that only run for
// cells of one color.
type ColorBound interface {
	Color() spatial.Color
}

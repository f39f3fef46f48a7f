package system

import (
	"fmt"

	"github.com/rgbmc/server/internal/core/ecs"
	"github.com/rgbmc/server/internal/spatial"
)

type overlayKey struct {
	e  ecs.Entity
	id ecs.ComponentID
}

// Ctx is a cell task's view of the world during a color phase. Reads reach
// any entity in the cell and its 8 neighbors; writes are deferred and
// restricted to entities currently located in the task's own cell.
// Deferred writes are visible to the originating task through a
// thread-local overlay; they materialize for everyone else in Post.
type Ctx struct {
	w       *ecs.World
	grid    *spatial.Grid
	cell    spatial.CellID
	buf     *ecs.Buffer
	overlay map[overlayKey]any
}

func NewCtx(w *ecs.World, grid *spatial.Grid, cell spatial.CellID, buf *ecs.Buffer) *Ctx {
	return &Ctx{w: w, grid: grid, cell: cell, buf: buf}
}

func (c *Ctx) Cell() spatial.CellID { return c.cell }

func (c *Ctx) Buffer() *ecs.Buffer { return c.buf }

// Entities returns the entities located in the task's own cell, the only
// ones it may write.
func (c *Ctx) Entities() []ecs.Entity {
	return c.grid.Entities(c.cell)
}

// NeighborEntities returns the entities of the Moore neighborhood, own
// cell included. Read-only territory.
func (c *Ctx) NeighborEntities() []ecs.Entity {
	var out []ecs.Entity
	for _, id := range spatial.Neighborhood(c.cell) {
		out = append(out, c.grid.Entities(id)...)
	}
	return out
}

// Get copies a component value out, preferring this task's own deferred
// writes over the shared view.
func (c *Ctx) Get(e ecs.Entity, id ecs.ComponentID) (any, bool) {
	if v, ok := c.overlay[overlayKey{e: e, id: id}]; ok {
		return v, true
	}
	return c.w.GetByID(e, id)
}

// Alive reports entity liveness in the shared view.
func (c *Ctx) Alive(e ecs.Entity) bool { return c.w.Alive(e) }

// Registry exposes component descriptors for lookups.
func (c *Ctx) Registry() *ecs.Registry { return c.w.Registry() }

// mustOwn enforces the cell-write restriction. The panic is caught at the
// task boundary and quarantines the cell for the tick.
func (c *Ctx) mustOwn(e ecs.Entity) {
	if !c.grid.Contains(e, c.cell) {
		panic(fmt.Sprintf("system: write to %s outside own %s", e, c.cell))
	}
}

// Update defers an overwrite of an existing component.
func (c *Ctx) Update(e ecs.Entity, id ecs.ComponentID, v any) {
	c.mustOwn(e)
	c.buf.Update(e, id, v)
	c.setOverlay(e, id, v)
}

// Insert defers a component insertion.
func (c *Ctx) Insert(e ecs.Entity, id ecs.ComponentID, v any) {
	c.mustOwn(e)
	c.buf.Insert(e, id, v)
	c.setOverlay(e, id, v)
}

// Remove defers a component removal.
func (c *Ctx) Remove(e ecs.Entity, id ecs.ComponentID) {
	c.mustOwn(e)
	c.buf.Remove(e, id)
}

// Despawn defers an entity despawn.
func (c *Ctx) Despawn(e ecs.Entity) {
	c.mustOwn(e)
	c.buf.Despawn(e)
}

// Spawn defers an entity spawn. The entity is allocated in Post; its
// handle is not observable during the phase.
func (c *Ctx) Spawn(bundle []ecs.ComponentValue, pairs []ecs.Pair) {
	c.buf.Spawn(bundle, pairs)
}

// AddPair defers attaching a pair to an entity in the own cell.
func (c *Ctx) AddPair(p ecs.Pair, subject ecs.Entity) {
	c.mustOwn(subject)
	c.buf.AddPair(p, subject)
}

// EmitTargeted defers an event addressed to an entity.
func (c *Ctx) EmitTargeted(target ecs.Entity, payload any) {
	c.buf.EmitTargeted(target, payload)
}

// EmitSpatial defers an event tagged with this cell.
func (c *Ctx) EmitSpatial(payload any) {
	c.buf.EmitSpatial(payload)
}

// EmitGlobal defers a global event.
func (c *Ctx) EmitGlobal(payload any) {
	c.buf.EmitGlobal(payload)
}

func (c *Ctx) setOverlay(e ecs.Entity, id ecs.ComponentID, v any) {
	if c.overlay == nil {
		c.overlay = make(map[overlayKey]any, 16)
	}
	c.overlay[overlayKey{e: e, id: id}] = v
}

// GetAs copies component T out of the view, overlay included.
func GetAs[T any](c *Ctx, e ecs.Entity) (T, bool) {
	var zero T
	id := ecs.ID[T](c.w)
	v, ok := c.Get(e, id)
	if !ok {
		return zero, false
	}
	return v.(T), true
}

// UpdateAs defers an overwrite of component T.
func UpdateAs[T any](c *Ctx, e ecs.Entity, v T) {
	c.Update(e, ecs.ID[T](c.w), v)
}

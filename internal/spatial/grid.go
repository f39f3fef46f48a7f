// Package spatial maps world positions to fixed 16-unit cells and assigns
// each cell a color in {R,G,B}. Cells are the unit of parallel scheduling:
// the color function guarantees that edge-adjacent cells never share a
// color, so tasks of one color have disjoint write sets.
package spatial

import (
	"fmt"
	"math"
	"sort"

	"github.com/rgbmc/server/internal/core/ecs"
)

// CellShift is log2 of the cell edge (16 units, same as a chunk edge).
const CellShift = 4

// CellEdge is the cell edge length in world units.
const CellEdge = 1 << CellShift

// Color is the RGB label of a cell.
type Color uint8

const (
	Red Color = iota
	Green
	Blue
)

// Colors lists all colors in execution order.
var Colors = [3]Color{Red, Green, Blue}

func (c Color) String() string {
	switch c {
	case Red:
		return "R"
	case Green:
		return "G"
	case Blue:
		return "B"
	}
	return "?"
}

// CellID packs integer cell coordinates (cx, cz) into one handle.
type CellID uint64

func Cell(cx, cz int32) CellID {
	return CellID(uint64(uint32(cx))<<32 | uint64(uint32(cz)))
}

func (id CellID) Split() (cx, cz int32) {
	return int32(uint32(id >> 32)), int32(uint32(id))
}

func (id CellID) String() string {
	cx, cz := id.Split()
	return fmt.Sprintf("cell(%d,%d)", cx, cz)
}

// less orders cells by ascending (cx, cz), the scheduler's dispatch order.
func (id CellID) less(other CellID) bool {
	ax, az := id.Split()
	bx, bz := other.Split()
	if ax != bx {
		return ax < bx
	}
	return az < bz
}

// CellAt maps a world position to its cell. Arithmetic shift is floor
// division, so negative coordinates land in the correct cell.
func CellAt(x, z float64) CellID {
	cx := int32(math.Floor(x)) >> CellShift
	cz := int32(math.Floor(z)) >> CellShift
	return Cell(cx, cz)
}

// ColorOf computes a cell's color: ((cx + cz) mod 3) with the
// arithmetically correct modulo, so cells at negative coordinates mirror
// their symmetric positives. Pure arithmetic, never allocates.
func ColorOf(id CellID) Color {
	cx, cz := id.Split()
	return Color(((cx+cz)%3 + 3) % 3)
}

// ColorAt is ColorOf(CellAt(x, z)).
func ColorAt(x, z float64) Color {
	return ColorOf(CellAt(x, z))
}

// Neighborhood returns the Moore neighborhood: the cell itself plus its 8
// surrounding cells. Handlers use it to read adjacent cells' entities.
func Neighborhood(id CellID) [9]CellID {
	cx, cz := id.Split()
	var out [9]CellID
	i := 0
	for dx := int32(-1); dx <= 1; dx++ {
		for dz := int32(-1); dz <= 1; dz++ {
			out[i] = Cell(cx+dx, cz+dz)
			i++
		}
	}
	return out
}

// Grid tracks which entities are in which cells. Membership is maintained
// by the scheduler: reads happen during color phases, and membership
// changes (Add, Remove, Migrate) run only on the scheduling thread outside
// the color phases (the sweeps after Pre and in Post, and the rebuild on
// revert), so no locks are needed. Empty cells are not materialized
// until an entity enters them.
type Grid struct {
	cells map[CellID]map[ecs.Entity]struct{}
}

func NewGrid() *Grid {
	return &Grid{
		cells: make(map[CellID]map[ecs.Entity]struct{}),
	}
}

// Add places an entity into a cell.
func (g *Grid) Add(e ecs.Entity, id CellID) {
	cell := g.cells[id]
	if cell == nil {
		cell = make(map[ecs.Entity]struct{})
		g.cells[id] = cell
	}
	cell[e] = struct{}{}
}

// Remove takes an entity out of a cell, dropping the cell when it empties.
func (g *Grid) Remove(e ecs.Entity, id CellID) {
	cell := g.cells[id]
	if cell != nil {
		delete(cell, e)
		if len(cell) == 0 {
			delete(g.cells, id)
		}
	}
}

// Migrate moves an entity between cells when its position changed.
// Invoked only from the scheduler's membership sweeps after Pre and in Post.
func (g *Grid) Migrate(e ecs.Entity, from, to CellID) {
	if from == to {
		return
	}
	g.Remove(e, from)
	g.Add(e, to)
}

// Entities returns the members of a cell sorted by handle, so handler
// iteration order is deterministic.
func (g *Grid) Entities(id CellID) []ecs.Entity {
	cell := g.cells[id]
	if len(cell) == 0 {
		return nil
	}
	out := make([]ecs.Entity, 0, len(cell))
	for e := range cell {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Contains reports cell membership.
func (g *Grid) Contains(e ecs.Entity, id CellID) bool {
	_, ok := g.cells[id][e]
	return ok
}

// CellsOfColor returns the materialized cells of one color in ascending
// (cx, cz) order; the scheduler hands tasks to the pool in this order.
func (g *Grid) CellsOfColor(c Color) []CellID {
	var out []CellID
	for id := range g.cells {
		if ColorOf(id) == c {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].less(out[j]) })
	return out
}

// Len returns the number of materialized cells.
func (g *Grid) Len() int { return len(g.cells) }

// Reset drops all membership. Used when the world is rebuilt from a
// historical snapshot.
func (g *Grid) Reset() {
	g.cells = make(map[CellID]map[ecs.Entity]struct{})
}

package spatial

import (
	"testing"

	"github.com/rgbmc/server/internal/core/ecs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCellAtBoundaries(t *testing.T) {
	assert.Equal(t, Cell(0, 0), CellAt(0, 0))
	assert.Equal(t, Cell(0, 0), CellAt(15.9, 15.9))
	assert.Equal(t, Cell(1, 0), CellAt(16, 0))
	assert.Equal(t, Cell(0, 1), CellAt(0, 16))
	assert.Equal(t, Cell(1, 0), CellAt(18, 0))

	// Negative coordinates floor toward negative infinity.
	assert.Equal(t, Cell(-1, 0), CellAt(-0.5, 0))
	assert.Equal(t, Cell(-1, -1), CellAt(-16, -16))
	assert.Equal(t, Cell(-2, 0), CellAt(-17, 0))
}

func TestColorFormula(t *testing.T) {
	// (0+0) mod 3 = 0 → R
	assert.Equal(t, Red, ColorAt(0, 0))
	assert.Equal(t, Red, ColorAt(15.9, 15.9))
	// Cell (1,0) and (0,1) → G; cell (1,1) → B.
	assert.Equal(t, Green, ColorAt(16, 0))
	assert.Equal(t, Green, ColorAt(0, 16))
	assert.Equal(t, Blue, ColorAt(16, 16))
}

func TestColorNegativeMirrorsPositive(t *testing.T) {
	// The arithmetically correct modulo keeps the pattern consistent
	// across the origin: cell (-1,0) ≡ (2,0) in the 3-cycle.
	assert.Equal(t, ColorOf(Cell(2, 0)), ColorOf(Cell(-1, 0)))
	assert.Equal(t, ColorOf(Cell(0, 2)), ColorOf(Cell(0, -1)))
	assert.Equal(t, ColorOf(Cell(1, 1)), ColorOf(Cell(-2, -2)))
	for cx := int32(-9); cx < 9; cx++ {
		for cz := int32(-9); cz < 9; cz++ {
			c := ColorOf(Cell(cx, cz))
			assert.Equal(t, c, ColorOf(Cell(cx+3, cz)), "period 3 in x")
			assert.Equal(t, c, ColorOf(Cell(cx, cz+3)), "period 3 in z")
		}
	}
}

func TestColorPartitionNoEdgeAdjacentSameColor(t *testing.T) {
	edgeNeighbors := [][2]int32{{0, -1}, {0, 1}, {-1, 0}, {1, 0}}
	for cx := int32(-10); cx <= 10; cx++ {
		for cz := int32(-10); cz <= 10; cz++ {
			c := ColorOf(Cell(cx, cz))
			for _, d := range edgeNeighbors {
				n := ColorOf(Cell(cx+d[0], cz+d[1]))
				require.NotEqual(t, c, n,
					"edge-adjacent cells (%d,%d) and (%d,%d) share color %s",
					cx, cz, cx+d[0], cz+d[1], c)
			}
		}
	}
}

func TestMembershipAndMigrate(t *testing.T) {
	g := NewGrid()
	e := ecs.NewEntity(1, 0)

	from := Cell(0, 0)
	to := Cell(1, 0)

	g.Add(e, from)
	assert.True(t, g.Contains(e, from))
	assert.Equal(t, []ecs.Entity{e}, g.Entities(from))

	g.Migrate(e, from, to)
	assert.False(t, g.Contains(e, from))
	assert.True(t, g.Contains(e, to))

	// Empty cells are dematerialized.
	assert.Nil(t, g.Entities(from))
	assert.Equal(t, 1, g.Len())

	g.Remove(e, to)
	assert.Equal(t, 0, g.Len())
}

func TestEntitiesSorted(t *testing.T) {
	g := NewGrid()
	cell := Cell(0, 0)
	e3 := ecs.NewEntity(3, 0)
	e1 := ecs.NewEntity(1, 0)
	e2 := ecs.NewEntity(2, 0)
	g.Add(e3, cell)
	g.Add(e1, cell)
	g.Add(e2, cell)
	assert.Equal(t, []ecs.Entity{e1, e2, e3}, g.Entities(cell))
}

func TestCellsOfColorAscending(t *testing.T) {
	g := NewGrid()
	e := ecs.NewEntity(1, 0)
	// Materialize red cells out of order: (0,0), (3,0), (-3,0), (0,3).
	for _, c := range []CellID{Cell(3, 0), Cell(0, 0), Cell(-3, 0), Cell(0, 3)} {
		require.Equal(t, Red, ColorOf(c))
		g.Add(e, c)
	}
	cells := g.CellsOfColor(Red)
	require.Len(t, cells, 4)
	assert.Equal(t, Cell(-3, 0), cells[0])
	assert.Equal(t, Cell(0, 0), cells[1])
	assert.Equal(t, Cell(0, 3), cells[2])
	assert.Equal(t, Cell(3, 0), cells[3])

	assert.Empty(t, g.CellsOfColor(Green))
}

func TestNeighborhoodCoversMooreNine(t *testing.T) {
	n := Neighborhood(Cell(0, 0))
	seen := make(map[CellID]bool, 9)
	for _, id := range n {
		seen[id] = true
	}
	assert.Len(t, seen, 9)
	assert.True(t, seen[Cell(0, 0)])
	assert.True(t, seen[Cell(-1, -1)])
	assert.True(t, seen[Cell(1, 1)])
	assert.True(t, seen[Cell(-1, 1)])
}

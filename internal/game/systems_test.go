package game

import (
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/rgbmc/server/internal/core/ecs"
	"github.com/rgbmc/server/internal/core/system"
	"github.com/rgbmc/server/internal/spatial"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newGameWorld(t *testing.T) (*ecs.World, *spatial.Grid) {
	t.Helper()
	w := ecs.NewWorld(zap.NewNop())
	RegisterComponents(w)
	return w, spatial.NewGrid()
}

// runCell executes one cell system against a single cell and applies its
// deferred buffer, the way a color phase plus Post would.
func runCell(w *ecs.World, grid *spatial.Grid, cell spatial.CellID, sys system.CellSystem, dt time.Duration) {
	buf := ecs.NewBuffer(0, uint64(cell))
	ctx := system.NewCtx(w, grid, cell, buf)
	sys.Update(ctx, dt)
	w.Apply(ecs.MergeAll([]*ecs.Buffer{buf}))
}

func TestMovementIntegratesVelocity(t *testing.T) {
	w, grid := newGameWorld(t)

	e := w.Spawn([]ecs.ComponentValue{
		{ID: ecs.ID[Position](w), V: Position{Vec: mgl64.Vec3{0, 64, 0}}},
		{ID: ecs.ID[Velocity](w), V: Velocity{Vec: mgl64.Vec3{4, 0, 2}}},
	}, nil)
	cell := spatial.CellAt(0, 0)
	grid.Add(e, cell)

	runCell(w, grid, cell, MovementSystem{}, 500*time.Millisecond)

	pos, ok := ecs.Get[Position](w, e)
	require.True(t, ok)
	assert.InDelta(t, 2.0, pos.X(), 1e-9)
	assert.InDelta(t, 64.0, pos.Y(), 1e-9)
	assert.InDelta(t, 1.0, pos.Z(), 1e-9)
}

func TestMovementGravityWhileAirborne(t *testing.T) {
	w, grid := newGameWorld(t)

	e := w.Spawn([]ecs.ComponentValue{
		{ID: ecs.ID[Position](w), V: Position{Vec: mgl64.Vec3{0, 64, 0}}},
		{ID: ecs.ID[Velocity](w), V: Velocity{Vec: mgl64.Vec3{0, 0, 0}}},
		{ID: ecs.ID[OnGround](w), V: OnGround{Grounded: false}},
	}, nil)
	cell := spatial.CellAt(0, 0)
	grid.Add(e, cell)

	runCell(w, grid, cell, MovementSystem{}, 500*time.Millisecond)

	vel, _ := ecs.Get[Velocity](w, e)
	assert.InDelta(t, -16.0, vel.Vec[1], 1e-9, "airborne entities accelerate downward")
	pos, _ := ecs.Get[Position](w, e)
	assert.Less(t, pos.Y(), 64.0)

	// Landing stops the fall: grounded entities never move below their
	// current height.
	ecs.Set(w, e, OnGround{Grounded: true})
	pos, _ = ecs.Get[Position](w, e)
	landedY := pos.Y()
	runCell(w, grid, cell, MovementSystem{}, 500*time.Millisecond)
	pos, _ = ecs.Get[Position](w, e)
	assert.InDelta(t, landedY, pos.Y(), 1e-9)
}

func TestRegenRestoresAfterInterval(t *testing.T) {
	w, grid := newGameWorld(t)

	e := w.Spawn([]ecs.ComponentValue{
		{ID: ecs.ID[Position](w), V: Position{Vec: mgl64.Vec3{0, 64, 0}}},
		{ID: ecs.ID[Health](w), V: Health{HP: 10, Max: 20}},
	}, nil)
	cell := spatial.CellAt(0, 0)
	grid.Add(e, cell)

	for i := 0; i < regenInterval; i++ {
		runCell(w, grid, cell, RegenSystem{}, 50*time.Millisecond)
	}

	h, _ := ecs.Get[Health](w, e)
	assert.Equal(t, int32(11), h.HP)
	assert.Zero(t, h.RegenAcc)

	// No regeneration at full health.
	ecs.Set(w, e, Health{HP: 20, Max: 20})
	runCell(w, grid, cell, RegenSystem{}, 50*time.Millisecond)
	h, _ = ecs.Get[Health](w, e)
	assert.Equal(t, int32(20), h.HP)
	assert.Zero(t, h.RegenAcc)
}

func TestLifetimeDespawns(t *testing.T) {
	w, grid := newGameWorld(t)

	e := w.Spawn([]ecs.ComponentValue{
		{ID: ecs.ID[Position](w), V: Position{Vec: mgl64.Vec3{0, 64, 0}}},
		{ID: ecs.ID[Lifetime](w), V: Lifetime{TicksLeft: 2}},
	}, nil)
	cell := spatial.CellAt(0, 0)
	grid.Add(e, cell)

	runCell(w, grid, cell, LifetimeSystem{}, 50*time.Millisecond)
	require.True(t, w.Alive(e))

	runCell(w, grid, cell, LifetimeSystem{}, 50*time.Millisecond)
	assert.False(t, w.Alive(e), "lifetime expiry despawns the entity")
}

func TestPODComponentsRegisterCleanly(t *testing.T) {
	w, _ := newGameWorld(t)
	reg := w.Registry()

	for _, name := range []string{"position", "velocity", "on_ground", "health", "lifetime", "mob"} {
		d, ok := reg.Lookup(name)
		require.True(t, ok, name)
		assert.True(t, d.Persisted(), "%s must reach the versioned store", name)
	}

	conn, ok := reg.Lookup("connection")
	require.True(t, ok)
	assert.False(t, conn.Persisted(), "connection is opaque and never stored")
	assert.True(t, reg.IsOpaque(conn.ID))
}

package system

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rgbmc/server/internal/core/ecs"
	"github.com/rgbmc/server/internal/core/event"
	"github.com/rgbmc/server/internal/metrics"
	"github.com/rgbmc/server/internal/spatial"
	"github.com/rgbmc/server/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type position struct {
	X, Y, Z float64
}

type health struct {
	HP  int32
	Max int32
}

type fixture struct {
	w     *ecs.World
	grid  *spatial.Grid
	bus   *event.Bus
	st    *store.Store
	sched *Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zap.NewNop()
	w := ecs.NewWorld(log)
	ecs.Register[position](w.Registry(), "position", ecs.POD)
	ecs.Register[health](w.Registry(), "health", ecs.POD)

	grid := spatial.NewGrid()
	bus := event.NewBus(log)
	event.Wire(w, bus)

	st, err := store.Open(filepath.Join(t.TempDir(), "world.rgb"), true, log)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	col := metrics.NewCollector()
	sched := NewScheduler(w, grid, bus, st, col, Options{
		Workers:          4,
		DebugConsistency: true,
	}, log)
	t.Cleanup(sched.Close)

	sched.UsePosition(ecs.ID[position](w), func(v any) (float64, float64) {
		p := v.(position)
		return p.X, p.Z
	})
	return &fixture{w: w, grid: grid, bus: bus, st: st, sched: sched}
}

func (f *fixture) spawnAt(p position, comps ...ecs.ComponentValue) ecs.Entity {
	b := []ecs.ComponentValue{{ID: ecs.ID[position](f.w), V: p}}
	b = append(b, comps...)
	return f.w.Spawn(b, nil)
}

const dt = 50 * time.Millisecond

// Scenario: spawn in Pre, commit tick 1, read the committed value back
// from the versioned store.
func TestSpawnReadTick(t *testing.T) {
	f := newFixture(t)

	e1 := f.spawnAt(position{1, 0, 1},
		ecs.ComponentValue{ID: ecs.ID[health](f.w), V: health{10, 10}})

	tick, err := f.sched.RunTick(dt)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), tick)

	raw, ok, err := f.st.GetAt(1, e1, ecs.ID[position](f.w))
	require.NoError(t, err)
	require.True(t, ok)
	v, err := f.w.Registry().Descriptor(ecs.ID[position](f.w)).Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, position{1, 0, 1}, v)

	cell, ok := f.sched.CellOf(e1)
	require.True(t, ok)
	assert.Equal(t, spatial.Cell(0, 0), cell)
	assert.Equal(t, spatial.Red, spatial.ColorOf(cell))
}

// writerSystem sets Health.HP for every entity in its cells; optionally
// bound to one color.
type writerSystem struct {
	hp    int32
	color spatial.Color
}

func (s *writerSystem) Name() string { return "writer" }

func (s *writerSystem) Color() spatial.Color { return s.color }

func (s *writerSystem) Update(ctx *Ctx, _ time.Duration) {
	for _, e := range ctx.Entities() {
		h, ok := GetAs[health](ctx, e)
		if !ok {
			continue
		}
		h.HP = s.hp
		UpdateAs(ctx, e, h)
	}
}

// Scenario: a color-R system writes hp:=5 in its own cell; an entity in a
// green cell is untouched.
func TestColorIsolation(t *testing.T) {
	f := newFixture(t)

	hID := ecs.ID[health](f.w)
	e1 := f.spawnAt(position{1, 0, 1}, ecs.ComponentValue{ID: hID, V: health{10, 10}})  // cell(0,0) R
	e2 := f.spawnAt(position{17, 0, 1}, ecs.ComponentValue{ID: hID, V: health{10, 10}}) // cell(1,0) G

	sys := &writerSystem{hp: 5, color: spatial.Red}
	f.sched.RegisterCell(sys)

	_, err := f.sched.RunTick(dt)
	require.NoError(t, err)

	h1, _ := ecs.Get[health](f.w, e1)
	h2, _ := ecs.Get[health](f.w, e2)
	assert.Equal(t, int32(5), h1.HP, "red cell ran the writer")
	assert.Equal(t, int32(10), h2.HP, "green cell did not run the writer")
}

// moverSystem defers a position update that crosses a cell boundary.
type moverSystem struct {
	to position
}

func (s *moverSystem) Name() string { return "mover" }

func (s *moverSystem) Update(ctx *Ctx, _ time.Duration) {
	for _, e := range ctx.Entities() {
		if _, ok := GetAs[position](ctx, e); ok {
			UpdateAs(ctx, e, s.to)
		}
	}
}

// recorderSystem records which entities each color saw.
type recorderSystem struct {
	color spatial.Color
	mu    chan struct{}
	seen  map[ecs.Entity]bool
}

func newRecorder(c spatial.Color) *recorderSystem {
	return &recorderSystem{
		color: c,
		mu:    make(chan struct{}, 1),
		seen:  make(map[ecs.Entity]bool),
	}
}

func (s *recorderSystem) Name() string         { return "recorder-" + s.color.String() }
func (s *recorderSystem) Color() spatial.Color { return s.color }

func (s *recorderSystem) Update(ctx *Ctx, _ time.Duration) {
	s.mu <- struct{}{}
	for _, e := range ctx.Entities() {
		s.seen[e] = true
	}
	<-s.mu
}

// Scenario: a deferred cross-cell move is applied in Post; the next tick's
// green systems see the entity and red systems do not.
func TestCrossCellMigration(t *testing.T) {
	f := newFixture(t)

	e1 := f.spawnAt(position{0, 0, 0}) // cell(0,0) R

	f.sched.RegisterCell(&moverSystem{to: position{18, 0, 0}}) // cell(1,0) G
	_, err := f.sched.RunTick(dt)
	require.NoError(t, err)

	cell, ok := f.sched.CellOf(e1)
	require.True(t, ok)
	assert.Equal(t, spatial.Cell(1, 0), cell, "membership moved in Post")

	f.sched.UnregisterCell("mover")
	red := newRecorder(spatial.Red)
	green := newRecorder(spatial.Green)
	f.sched.RegisterCell(red)
	f.sched.RegisterCell(green)

	_, err = f.sched.RunTick(dt)
	require.NoError(t, err)

	assert.True(t, green.seen[e1], "color G sees the migrated entity")
	assert.False(t, red.seen[e1], "color R no longer sees it")
}

// panicSystem panics for one specific cell.
type panicSystem struct {
	target spatial.CellID
}

func (s *panicSystem) Name() string { return "panicker" }

func (s *panicSystem) Update(ctx *Ctx, _ time.Duration) {
	for _, e := range ctx.Entities() {
		if ctx.Cell() == s.target {
			panic("handler fault")
		}
		h, ok := GetAs[health](ctx, e)
		if ok {
			h.HP--
			UpdateAs(ctx, e, h)
		}
	}
}

// A panicking handler quarantines only its own cell: that cell's writes
// are discarded, other cells of the same color proceed.
func TestHandlerPanicQuarantinesCell(t *testing.T) {
	f := newFixture(t)

	hID := ecs.ID[health](f.w)
	victim := f.spawnAt(position{1, 0, 1}, ecs.ComponentValue{ID: hID, V: health{10, 10}})     // cell(0,0) R
	bystander := f.spawnAt(position{49, 0, 1}, ecs.ComponentValue{ID: hID, V: health{10, 10}}) // cell(3,0) R

	f.sched.RegisterCell(&panicSystem{target: spatial.Cell(0, 0)})

	_, err := f.sched.RunTick(dt)
	require.NoError(t, err, "a handler fault never fails the tick")

	hv, _ := ecs.Get[health](f.w, victim)
	hb, _ := ecs.Get[health](f.w, bystander)
	assert.Equal(t, int32(10), hv.HP, "quarantined cell keeps its prior state")
	assert.Equal(t, int32(9), hb.HP, "other same-color cells proceed")
}

// Writes to entities outside the task's own cell are rejected.
type rogueSystem struct {
	victim ecs.Entity
	cell   spatial.CellID
}

func (s *rogueSystem) Name() string { return "rogue" }

func (s *rogueSystem) Update(ctx *Ctx, _ time.Duration) {
	if ctx.Cell() == s.cell {
		UpdateAs(ctx, s.victim, position{99, 99, 99})
	}
}

func TestCrossCellWriteRejected(t *testing.T) {
	f := newFixture(t)

	attacker := f.spawnAt(position{1, 0, 1}) // cell(0,0) R
	victim := f.spawnAt(position{17, 0, 1})  // cell(1,0) G
	_ = attacker

	f.sched.RegisterCell(&rogueSystem{victim: victim, cell: spatial.Cell(0, 0)})
	_, err := f.sched.RunTick(dt)
	require.NoError(t, err)

	pos, _ := ecs.Get[position](f.w, victim)
	assert.Equal(t, position{17, 0, 1}, pos, "cross-cell write must not land")
}

// Deferred spawns materialize in Post with deterministic handles.
type spawnerSystem struct {
	hID ecs.ComponentID
	pID ecs.ComponentID
}

func (s *spawnerSystem) Name() string { return "spawner" }

func (s *spawnerSystem) Update(ctx *Ctx, _ time.Duration) {
	for range ctx.Entities() {
		ctx.Spawn([]ecs.ComponentValue{
			{ID: s.pID, V: position{2, 0, 2}},
			{ID: s.hID, V: health{1, 1}},
		}, nil)
	}
}

func TestDeferredSpawnAppliesInPost(t *testing.T) {
	f := newFixture(t)
	f.spawnAt(position{1, 0, 1})

	f.sched.RegisterCell(&spawnerSystem{
		hID: ecs.ID[health](f.w),
		pID: ecs.ID[position](f.w),
	})
	before := f.w.EntityCount()
	_, err := f.sched.RunTick(dt)
	require.NoError(t, err)
	assert.Equal(t, before+1, f.w.EntityCount())
}

func TestRevertRestoresWorldAndGrid(t *testing.T) {
	f := newFixture(t)

	hID := ecs.ID[health](f.w)
	e := f.spawnAt(position{1, 0, 1}, ecs.ComponentValue{ID: hID, V: health{10, 10}})

	_, err := f.sched.RunTick(dt) // tick 1: hp 10
	require.NoError(t, err)

	f.sched.RegisterCell(&writerSystem{hp: 1, color: spatial.Red})
	_, err = f.sched.RunTick(dt) // tick 2: hp 1
	require.NoError(t, err)
	f.sched.UnregisterCell("writer")

	h, _ := ecs.Get[health](f.w, e)
	require.Equal(t, int32(1), h.HP)

	require.NoError(t, f.sched.Revert(1))

	h, ok := ecs.Get[health](f.w, e)
	require.True(t, ok)
	assert.Equal(t, int32(10), h.HP, "world state is back at tick 1")

	cell, ok := f.sched.CellOf(e)
	require.True(t, ok)
	assert.Equal(t, spatial.Cell(0, 0), cell, "grid membership is rebuilt")

	// Committing after revert branches under a fresh tick number; history at
	// the revert target is unchanged.
	tick, err := f.sched.RunTick(dt)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), tick)
	raw, ok, err := f.st.GetAt(1, e, hID)
	require.NoError(t, err)
	require.True(t, ok)
	v, err := f.w.Registry().Descriptor(hID).Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, int32(10), v.(health).HP, "history before the revert target is unchanged")
}

type damageEvent struct {
	Amount int32
}

// A targeted event queued before the tick is delivered during its target's
// color phase, and the handler's deferred write lands in Post.
func TestTargetedEventDeliveredInColorPhase(t *testing.T) {
	f := newFixture(t)

	hID := ecs.ID[health](f.w)
	e := f.spawnAt(position{1, 0, 1}, ecs.ComponentValue{ID: hID, V: health{10, 10}})

	// One tick to establish grid membership for event routing.
	_, err := f.sched.RunTick(dt)
	require.NoError(t, err)

	event.Observe[damageEvent](f.bus, 0, event.Normal, "",
		func(w *ecs.World, buf *ecs.Buffer, target ecs.Entity, payload any) {
			require.NotNil(t, buf, "colored events get the cell's deferred buffer")
			h, _ := ecs.Get[health](w, target)
			h.HP -= payload.(damageEvent).Amount
			buf.Update(target, hID, h)
		})

	cell, _ := f.sched.CellOf(e)
	f.bus.QueueTargeted(e, cell, damageEvent{Amount: 4})

	_, err = f.sched.RunTick(dt)
	require.NoError(t, err)

	h, _ := ecs.Get[health](f.w, e)
	assert.Equal(t, int32(6), h.HP)
}

// An event deferred from a handler during a color phase dispatches next
// tick, never the same tick.
type emitOnceSystem struct {
	emitted bool
	target  ecs.Entity
}

func (s *emitOnceSystem) Name() string { return "emit-once" }

func (s *emitOnceSystem) Update(ctx *Ctx, _ time.Duration) {
	if !s.emitted {
		s.emitted = true
		ctx.EmitTargeted(s.target, damageEvent{Amount: 1})
	}
}

func TestEventEmittedDuringColorWaitsATick(t *testing.T) {
	f := newFixture(t)

	e := f.spawnAt(position{1, 0, 1})
	delivered := 0
	event.Observe[damageEvent](f.bus, 0, event.Normal, "",
		func(*ecs.World, *ecs.Buffer, ecs.Entity, any) { delivered++ })

	f.sched.RegisterCell(&emitOnceSystem{target: e})

	_, err := f.sched.RunTick(dt)
	require.NoError(t, err)
	assert.Zero(t, delivered, "emission from a color phase is deferred")

	_, err = f.sched.RunTick(dt)
	require.NoError(t, err)
	assert.Equal(t, 1, delivered, "delivered on the following tick")
}

func TestDeterministicRootsAcrossRuns(t *testing.T) {
	run := func(t *testing.T) []uint64 {
		f := newFixture(t)
		hID := ecs.ID[health](f.w)
		f.spawnAt(position{1, 0, 1}, ecs.ComponentValue{ID: hID, V: health{10, 10}})
		f.spawnAt(position{17, 0, 1}, ecs.ComponentValue{ID: hID, V: health{10, 10}})
		f.spawnAt(position{-20, 0, 4}, ecs.ComponentValue{ID: hID, V: health{10, 10}})
		f.sched.RegisterCell(&writerSystem{hp: 3, color: spatial.Red})
		f.sched.RegisterCell(&spawnerSystem{hID: hID, pID: ecs.ID[position](f.w)})

		var roots []uint64
		for i := 0; i < 4; i++ {
			tick, err := f.sched.RunTick(dt)
			require.NoError(t, err)
			root, ok := f.st.Root(tick)
			require.True(t, ok)
			roots = append(roots, root)
		}
		return roots
	}

	first := run(t)
	second := run(t)
	assert.Equal(t, first, second,
		"identical initial state and commands must produce byte-identical roots")
}

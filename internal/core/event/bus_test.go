package event

import (
	"testing"

	"github.com/rgbmc/server/internal/core/ecs"
	"github.com/rgbmc/server/internal/spatial"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type chatEvent struct {
	Msg string
}

type explodeEvent struct {
	Power int32
}

func newTestBus(t *testing.T) (*ecs.World, *Bus) {
	t.Helper()
	w := ecs.NewWorld(zap.NewNop())
	b := NewBus(zap.NewNop())
	return w, b
}

func TestGlobalDispatchPriorityOrder(t *testing.T) {
	w, b := newTestBus(t)

	var order []string
	h := func(tag string) Handler {
		return func(*ecs.World, *ecs.Buffer, ecs.Entity, any) {
			order = append(order, tag)
		}
	}
	Observe[chatEvent](b, 0, Normal, "", h("normal-1"))
	Observe[chatEvent](b, 0, Low, "", h("low"))
	Observe[chatEvent](b, 0, High, "", h("high"))
	Observe[chatEvent](b, 0, Normal, "", h("normal-2"))

	b.QueueGlobal(chatEvent{Msg: "hi"})
	b.DispatchGlobal(w)

	assert.Equal(t, []string{"high", "normal-1", "normal-2", "low"}, order,
		"priority first, insertion order as tiebreak")
}

func TestGlobalEmittedDuringDispatchWaitsATick(t *testing.T) {
	w, b := newTestBus(t)

	calls := 0
	Observe[chatEvent](b, 0, Normal, "", func(*ecs.World, *ecs.Buffer, ecs.Entity, any) {
		calls++
		if calls == 1 {
			b.QueueGlobal(chatEvent{Msg: "again"})
		}
	})

	b.QueueGlobal(chatEvent{Msg: "first"})
	b.DispatchGlobal(w)
	assert.Equal(t, 1, calls, "re-emission does not loop within one dispatch")

	b.DispatchGlobal(w)
	assert.Equal(t, 2, calls)
}

func TestTargetedDroppedWhenDead(t *testing.T) {
	w, b := newTestBus(t)
	e := w.Spawn(nil, nil)

	delivered := 0
	Observe[explodeEvent](b, 0, Normal, "", func(*ecs.World, *ecs.Buffer, ecs.Entity, any) {
		delivered++
	})

	cell := spatial.Cell(0, 0)
	b.QueueTargeted(e, cell, explodeEvent{Power: 1})
	w.Despawn(e)

	events := b.TakeColor(spatial.ColorOf(cell))
	require.Len(t, events, 1)
	events[0].Deliver(w, ecs.NewBuffer(0, uint64(cell)))
	assert.Zero(t, delivered, "a dead target drops the event silently")
}

func TestTargetFilterRestrictsDelivery(t *testing.T) {
	w, b := newTestBus(t)
	e1 := w.Spawn(nil, nil)
	e2 := w.Spawn(nil, nil)

	var hits []ecs.Entity
	Observe[explodeEvent](b, e1, Normal, "", func(_ *ecs.World, _ *ecs.Buffer, target ecs.Entity, _ any) {
		hits = append(hits, target)
	})

	cell := spatial.Cell(0, 0)
	b.QueueTargeted(e1, cell, explodeEvent{})
	b.QueueTargeted(e2, cell, explodeEvent{})

	for _, ev := range b.TakeColor(spatial.ColorOf(cell)) {
		ev.Deliver(w, ecs.NewBuffer(0, uint64(cell)))
	}
	assert.Equal(t, []ecs.Entity{e1}, hits)
}

func TestSpatialRoutesToCellColor(t *testing.T) {
	_, b := newTestBus(t)

	greenCell := spatial.Cell(1, 0)
	require.Equal(t, spatial.Green, spatial.ColorOf(greenCell))

	b.QueueSpatial(greenCell, explodeEvent{Power: 2})

	assert.Empty(t, b.TakeColor(spatial.Red))
	evs := b.TakeColor(spatial.Green)
	require.Len(t, evs, 1)
	assert.Equal(t, greenCell, evs[0].Cell)
}

func TestDeferredColoredEventCarriesToNextTick(t *testing.T) {
	w, b := newTestBus(t)
	e := w.Spawn(nil, nil)

	cell := spatial.Cell(0, 0)
	b.QueueDeferred(&ecs.EmitOp{Target: e, Payload: explodeEvent{}, Cell: uint64(cell)})

	// Nothing this tick.
	assert.Empty(t, b.TakeColor(spatial.ColorOf(cell)))

	// Promoted at the next tick start, re-located to the target's cell.
	moved := spatial.Cell(1, 0)
	b.StartTick(func(ecs.Entity) (spatial.CellID, bool) { return moved, true })
	evs := b.TakeColor(spatial.ColorOf(moved))
	require.Len(t, evs, 1)
	assert.Equal(t, moved, evs[0].Cell)
}

func TestDetachOwnerDropsPluginObservers(t *testing.T) {
	w, b := newTestBus(t)

	var host, plugin int
	Observe[chatEvent](b, 0, Normal, "", func(*ecs.World, *ecs.Buffer, ecs.Entity, any) { host++ })
	Observe[chatEvent](b, 0, Normal, "mod-foo", func(*ecs.World, *ecs.Buffer, ecs.Entity, any) { plugin++ })

	b.QueueGlobal(chatEvent{})
	b.DispatchGlobal(w)
	assert.Equal(t, 1, host)
	assert.Equal(t, 1, plugin)

	assert.Equal(t, 1, b.DetachOwner("mod-foo"))
	b.QueueGlobal(chatEvent{})
	b.DispatchGlobal(w)
	assert.Equal(t, 2, host)
	assert.Equal(t, 1, plugin, "detached plugin observer no longer fires")
}

func TestDetachByID(t *testing.T) {
	w, b := newTestBus(t)

	n := 0
	id := Observe[chatEvent](b, 0, Normal, "", func(*ecs.World, *ecs.Buffer, ecs.Entity, any) { n++ })
	b.Detach(id)

	b.QueueGlobal(chatEvent{})
	b.DispatchGlobal(w)
	assert.Zero(t, n)
	assert.Zero(t, b.ObserverCount())
}

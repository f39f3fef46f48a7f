package ecs

import (
	"sort"

	"go.uber.org/zap"
)

// OpKind tags a deferred operation. The declaration order is the apply
// rank: despawns and removes must precede inserts on the same entity so a
// tick cannot observe an intermediate invalid state.
type OpKind uint8

const (
	OpDespawn OpKind = iota
	OpRemove
	OpInsert
	OpUpdate
	OpSpawn
	OpEmit
)

func (k OpKind) String() string {
	switch k {
	case OpDespawn:
		return "despawn"
	case OpRemove:
		return "remove"
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpSpawn:
		return "spawn"
	case OpEmit:
		return "emit"
	}
	return "unknown"
}

// ComponentValue pairs a component ID with a value, used in spawn bundles.
type ComponentValue struct {
	ID ComponentID
	V  any
}

// EmitOp is a deferred event emission carried through the buffer and
// routed by the scheduler after apply.
type EmitOp struct {
	Target  Entity // WORLD for global and spatial events
	Payload any
	Cell    uint64 // originating cell for spatial routing
	Global  bool
	Spatial bool
}

// Op is one deferred mutation. Entries carry the origin cell ID so the
// merged batch has a deterministic order.
type Op struct {
	Kind      OpKind
	Entity    Entity
	Component ComponentID
	Pair      Pair
	IsPair    bool
	Value     any
	Bundle    []ComponentValue // spawn only
	Pairs     []Pair           // spawn only
	Emit      *EmitOp
	Origin    int64
}

// Buffer collects mutations for one cell during a parallel phase. It is
// exclusively owned by the cell's task, so pushes are lock-free. origin is
// the tick-wide dispatch sequence number of the cell's task; cell is the
// packed cell ID for spatial event routing.
type Buffer struct {
	origin int64
	cell   uint64
	ops    []Op
}

func NewBuffer(origin int64, cell uint64) *Buffer {
	return &Buffer{origin: origin, cell: cell}
}

func (b *Buffer) Origin() int64 { return b.origin }
func (b *Buffer) Cell() uint64  { return b.cell }
func (b *Buffer) Len() int      { return len(b.ops) }

func (b *Buffer) Spawn(bundle []ComponentValue, pairs []Pair) {
	b.ops = append(b.ops, Op{Kind: OpSpawn, Bundle: bundle, Pairs: pairs, Origin: b.origin})
}

func (b *Buffer) Despawn(e Entity) {
	b.ops = append(b.ops, Op{Kind: OpDespawn, Entity: e, Origin: b.origin})
}

func (b *Buffer) Insert(e Entity, id ComponentID, v any) {
	b.ops = append(b.ops, Op{Kind: OpInsert, Entity: e, Component: id, Value: v, Origin: b.origin})
}

func (b *Buffer) Remove(e Entity, id ComponentID) {
	b.ops = append(b.ops, Op{Kind: OpRemove, Entity: e, Component: id, Origin: b.origin})
}

func (b *Buffer) Update(e Entity, id ComponentID, v any) {
	b.ops = append(b.ops, Op{Kind: OpUpdate, Entity: e, Component: id, Value: v, Origin: b.origin})
}

func (b *Buffer) AddPair(p Pair, subject Entity) {
	b.ops = append(b.ops, Op{Kind: OpInsert, Entity: subject, Pair: p, IsPair: true, Origin: b.origin})
}

func (b *Buffer) RemovePair(p Pair, subject Entity) {
	b.ops = append(b.ops, Op{Kind: OpRemove, Entity: subject, Pair: p, IsPair: true, Origin: b.origin})
}

// EmitTargeted defers an event addressed to an entity.
func (b *Buffer) EmitTargeted(target Entity, payload any) {
	b.ops = append(b.ops, Op{Kind: OpEmit, Entity: target,
		Emit: &EmitOp{Target: target, Payload: payload, Cell: b.cell}, Origin: b.origin})
}

// EmitSpatial defers an event tagged with the originating cell.
func (b *Buffer) EmitSpatial(payload any) {
	b.ops = append(b.ops, Op{Kind: OpEmit, Entity: WORLD,
		Emit: &EmitOp{Target: WORLD, Payload: payload, Cell: b.cell, Spatial: true}, Origin: b.origin})
}

// EmitGlobal defers a global event, dispatched in the Post phase.
func (b *Buffer) EmitGlobal(payload any) {
	b.ops = append(b.ops, Op{Kind: OpEmit, Entity: WORLD,
		Emit: &EmitOp{Target: WORLD, Payload: payload, Global: true}, Origin: b.origin})
}

// Discard drops all buffered ops. Used to quarantine a cell whose handler
// panicked: that cell contributes no writes this tick.
func (b *Buffer) Discard() {
	b.ops = b.ops[:0]
}

// MergeAll concatenates per-cell buffers in ascending origin order, then
// stable-sorts by (entity slot, op rank). Stability preserves origin-cell
// order among equal keys, which makes duplicate inserts last-writer-wins
// by origin cell and spawn allocation deterministic.
func MergeAll(buffers []*Buffer) []Op {
	sort.Slice(buffers, func(i, j int) bool { return buffers[i].origin < buffers[j].origin })
	total := 0
	for _, b := range buffers {
		total += len(b.ops)
	}
	batch := make([]Op, 0, total)
	for _, b := range buffers {
		batch = append(batch, b.ops...)
		b.ops = b.ops[:0]
	}
	sort.SliceStable(batch, func(i, j int) bool {
		si, sj := sortSlot(batch[i]), sortSlot(batch[j])
		if si != sj {
			return si < sj
		}
		return batch[i].Kind < batch[j].Kind
	})
	return batch
}

// sortSlot keys an op by the affected entity's slot. Spawns have no entity
// yet and sort last; their relative order is origin-cell order.
func sortSlot(op Op) uint32 {
	if op.Kind == OpSpawn {
		return ^uint32(0)
	}
	return op.Entity.Slot()
}

// Apply performs a merged batch against the world in sorted order and
// returns the deferred event emissions for the scheduler to route. Spawned
// entities draw from the free list in batch order, so generations are
// deterministic across runs.
func (w *World) Apply(batch []Op) []*EmitOp {
	var emits []*EmitOp
	for i := range batch {
		op := &batch[i]
		switch op.Kind {
		case OpDespawn:
			w.Despawn(op.Entity)
		case OpRemove:
			if op.IsPair {
				w.RemovePair(op.Pair, op.Entity)
			} else {
				w.Remove(op.Entity, op.Component)
			}
		case OpInsert:
			if op.IsPair {
				w.AddPair(op.Pair, op.Entity)
			} else if !w.Insert(op.Entity, op.Component, op.Value) {
				w.log.Warn("deferred insert dropped, entity dead",
					zap.Stringer("entity", op.Entity),
					zap.Uint16("component", uint16(op.Component)))
			}
		case OpUpdate:
			if !w.Update(op.Entity, op.Component, op.Value) {
				w.log.Warn("deferred update dropped",
					zap.Stringer("entity", op.Entity),
					zap.Uint16("component", uint16(op.Component)))
			}
		case OpSpawn:
			w.Spawn(op.Bundle, op.Pairs)
		case OpEmit:
			emits = append(emits, op.Emit)
		}
	}
	return emits
}

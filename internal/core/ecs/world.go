package ecs

import (
	"fmt"

	"github.com/kamstrup/intmap"
	"go.uber.org/zap"
)

// LifecycleKind identifies a structural change the world reports through
// its lifecycle hook. The event bus turns these into observer
// notifications during the Post phase.
type LifecycleKind uint8

const (
	LifecycleSpawn LifecycleKind = iota
	LifecycleDespawn
	LifecycleInsert
	LifecycleRemove
	LifecyclePairAdd
	LifecyclePairRemove
)

// LifecycleHook receives structural changes as they are applied. comp is
// meaningful for insert/remove, pair for the pair kinds.
type LifecycleHook func(kind LifecycleKind, e Entity, comp ComponentID, pair Pair)

type entityLoc struct {
	arch *Archetype
	row  int
}

// World owns the entity allocator, the archetype graph, pair bookkeeping
// and the named-entity registry. During color phases the world is
// logically immutable: tasks read it and write only to their cell's
// deferred buffer. All mutating methods below are Pre/Post-phase only.
type World struct {
	log   *zap.Logger
	reg   *Registry
	pool  *EntityPool
	index *archetypeIndex
	loc   *intmap.Map[Entity, entityLoc]
	named map[string]Entity

	hooks []LifecycleHook

	tracked    ComponentID
	hasTracked bool
	dirty      []Entity

	touched map[changeKey]struct{}
}

func NewWorld(log *zap.Logger) *World {
	reg := NewRegistry()
	w := &World{
		log:   log,
		reg:   reg,
		pool:  NewEntityPool(),
		index: newArchetypeIndex(reg),
		loc:   intmap.New[Entity, entityLoc](1024),
		named: make(map[string]Entity, 32),
	}
	// WORLD occupies a row of the empty archetype from the start so
	// singleton inserts are ordinary component inserts.
	empty := w.index.find(Bitmask{}, nil)
	row := empty.Reserve(WORLD)
	w.loc.Put(WORLD, entityLoc{arch: empty, row: row})
	return w
}

func (w *World) Registry() *Registry { return w.reg }

// AddLifecycleHook appends a structural-change hook. The event bus and the
// scheduler's grid bookkeeping are wired here at boot; plugins never touch
// this.
func (w *World) AddLifecycleHook(h LifecycleHook) {
	w.hooks = append(w.hooks, h)
}

// TrackComponent marks one component for dirty tracking. The scheduler
// tracks Position: only entities whose position changed this tick are
// checked by the migration sweep.
func (w *World) TrackComponent(id ComponentID) {
	w.tracked = id
	w.hasTracked = true
}

// DrainDirty returns the entities whose tracked component changed since
// the last drain.
func (w *World) DrainDirty() []Entity {
	d := w.dirty
	w.dirty = nil
	return d
}

func (w *World) markDirty(e Entity, id ComponentID) {
	if w.hasTracked && id == w.tracked {
		w.dirty = append(w.dirty, e)
	}
}

func (w *World) fire(kind LifecycleKind, e Entity, comp ComponentID, pair Pair) {
	for _, h := range w.hooks {
		h(kind, e, comp, pair)
	}
}

func (w *World) Alive(e Entity) bool { return w.pool.Alive(e) }

// EntityCount returns the number of live entities, WORLD included.
func (w *World) EntityCount() int { return w.pool.Live() }

// ArchetypeCount returns the number of distinct archetypes created.
func (w *World) ArchetypeCount() int { return w.index.Count() }

// Spawn allocates an entity and appends a row to the archetype matching
// the bundle. Spawns issued during a parallel phase go through the
// deferred buffer instead.
func (w *World) Spawn(bundle []ComponentValue, pairs []Pair) Entity {
	e := w.pool.Allocate()
	var mask Bitmask
	for _, cv := range bundle {
		mask.Set(cv.ID)
	}
	sorted := append([]Pair(nil), pairs...)
	sortPairs(sorted)
	arch := w.index.find(mask, sorted)
	row := arch.Reserve(e)
	for _, cv := range bundle {
		arch.Write(row, cv.ID, cv.V)
		w.markDirty(e, cv.ID)
		w.touch(e, cv.ID)
	}
	w.loc.Put(e, entityLoc{arch: arch, row: row})
	w.fire(LifecycleSpawn, e, 0, Pair{})
	return e
}

// Despawn removes the entity's row, bumps its generation, and notifies the
// lifecycle hook so observers subscribed on the entity are invalidated.
// Despawning a dead handle is a no-op.
func (w *World) Despawn(e Entity) {
	if !w.pool.Alive(e) {
		return
	}
	l, ok := w.loc.Get(e)
	if !ok {
		panic(fmt.Sprintf("ecs: live entity %s has no location", e))
	}
	w.fire(LifecycleDespawn, e, 0, Pair{})
	l.arch.mask.Each(func(id ComponentID) {
		w.touch(e, id)
	})
	if swapped, ok := l.arch.SwapRemove(l.row); ok {
		w.loc.Put(swapped, entityLoc{arch: l.arch, row: l.row})
	}
	w.loc.Del(e)
	w.pool.Release(e)
}

// GetByID copies the component value out. Returns false if the entity is
// dead or lacks the component.
func (w *World) GetByID(e Entity, id ComponentID) (any, bool) {
	if !w.pool.Alive(e) {
		return nil, false
	}
	l, ok := w.loc.Get(e)
	if !ok {
		return nil, false
	}
	return l.arch.Get(l.row, id, w.reg)
}

// Has reports component presence on a live entity.
func (w *World) Has(e Entity, id ComponentID) bool {
	if !w.pool.Alive(e) {
		return false
	}
	l, ok := w.loc.Get(e)
	if !ok {
		return false
	}
	return l.arch.HasComponent(id)
}

// Insert adds a component, migrating the entity along the archetype
// graph. Inserting a component the entity already has is idempotent and
// overwrites the value. Returns false if the entity is dead.
func (w *World) Insert(e Entity, id ComponentID, v any) bool {
	if !w.pool.Alive(e) {
		return false
	}
	l, _ := w.loc.Get(e)
	if l.arch.HasComponent(id) {
		l.arch.Write(l.row, id, v)
		w.markDirty(e, id)
		w.touch(e, id)
		return true
	}
	dst := w.index.withKey(l.arch, componentKey(id))
	w.migrate(e, l, dst)
	nl, _ := w.loc.Get(e)
	nl.arch.Write(nl.row, id, v)
	w.markDirty(e, id)
	w.touch(e, id)
	w.fire(LifecycleInsert, e, id, Pair{})
	return true
}

// Update overwrites an existing component value. Returns false if the
// entity is dead or lacks the component.
func (w *World) Update(e Entity, id ComponentID, v any) bool {
	if !w.pool.Alive(e) {
		return false
	}
	l, ok := w.loc.Get(e)
	if !ok || !l.arch.HasComponent(id) {
		return false
	}
	l.arch.Write(l.row, id, v)
	w.markDirty(e, id)
	w.touch(e, id)
	return true
}

// Remove drops a component, migrating the entity. Removing an absent
// component is a no-op.
func (w *World) Remove(e Entity, id ComponentID) bool {
	if !w.pool.Alive(e) {
		return false
	}
	l, _ := w.loc.Get(e)
	if !l.arch.HasComponent(id) {
		return false
	}
	dst := w.index.withoutKey(l.arch, componentKey(id))
	w.migrate(e, l, dst)
	w.touch(e, id)
	w.fire(LifecycleRemove, e, id, Pair{})
	return true
}

// migrate relocates an entity when its component set changes, fixing the
// swapped entity's index.
func (w *World) migrate(e Entity, l entityLoc, dst *Archetype) {
	dstRow := l.arch.moveRow(l.row, dst)
	if swapped, ok := l.arch.SwapRemove(l.row); ok {
		w.loc.Put(swapped, entityLoc{arch: l.arch, row: l.row})
	}
	w.loc.Put(e, entityLoc{arch: dst, row: dstRow})
}

// AddPair attaches (relation, target) to subject. Adding the same pair
// twice results in exactly one pair; observers fire once.
func (w *World) AddPair(p Pair, subject Entity) bool {
	if !w.pool.Alive(subject) {
		return false
	}
	l, _ := w.loc.Get(subject)
	key := pairKey(p)
	if l.arch.hasKey(key) {
		return true // idempotent
	}
	dst := w.index.withKey(l.arch, key)
	w.migrate(subject, l, dst)
	w.fire(LifecyclePairAdd, subject, p.Relation, p)
	return true
}

// RemovePair detaches (relation, target) from subject.
func (w *World) RemovePair(p Pair, subject Entity) bool {
	if !w.pool.Alive(subject) {
		return false
	}
	l, _ := w.loc.Get(subject)
	key := pairKey(p)
	if !l.arch.hasKey(key) {
		return false
	}
	dst := w.index.withoutKey(l.arch, key)
	w.migrate(subject, l, dst)
	w.fire(LifecyclePairRemove, subject, p.Relation, p)
	return true
}

// HasPair reports whether subject carries the exact pair.
func (w *World) HasPair(p Pair, subject Entity) bool {
	if !w.pool.Alive(subject) {
		return false
	}
	l, ok := w.loc.Get(subject)
	return ok && l.arch.hasKey(pairKey(p))
}

// Targets returns the targets of every (relation, *) pair on subject.
func (w *World) Targets(relation ComponentID, subject Entity) []Entity {
	if !w.pool.Alive(subject) {
		return nil
	}
	l, ok := w.loc.Get(subject)
	if !ok {
		return nil
	}
	var out []Entity
	for _, p := range l.arch.pairs {
		if p.Relation == relation {
			out = append(out, p.Target)
		}
	}
	return out
}

// PairWildcard calls fn for every (subject, target) carrying the relation
// anywhere in the world.
func (w *World) PairWildcard(relation ComponentID, fn func(subject, target Entity)) {
	for _, a := range w.index.all {
		hit := false
		for _, p := range a.pairs {
			if p.Relation == relation {
				hit = true
				break
			}
		}
		if !hit {
			continue
		}
		for row := 0; row < a.Len(); row++ {
			subject := a.EntityAt(row)
			for _, p := range a.pairs {
				if p.Relation == relation {
					fn(subject, p.Target)
				}
			}
		}
	}
}

// SetName interns an entity under a process-wide name.
func (w *World) SetName(name string, e Entity) {
	w.named[name] = e
}

// Named resolves a process-wide name to an entity. The second return is
// false for unknown names and dead entities.
func (w *World) Named(name string) (Entity, bool) {
	e, ok := w.named[name]
	if !ok || !w.pool.Alive(e) {
		return 0, false
	}
	return e, true
}

// EachWith calls fn for every live entity whose archetype contains all the
// given components. Iteration order is archetype creation order, then row
// order, which is deterministic for a deterministic op sequence.
func (w *World) EachWith(ids []ComponentID, fn func(Entity)) {
	var want Bitmask
	for _, id := range ids {
		want.Set(id)
	}
	for _, a := range w.index.all {
		if !a.mask.ContainsAll(want) {
			continue
		}
		for row := 0; row < a.Len(); row++ {
			fn(a.EntityAt(row))
		}
	}
}

// CheckConsistency verifies the row/column and reverse-index invariants.
// A violation is a programming error and aborts with a diagnostic. Called
// from tests and, under a debug flag, at the end of Post.
func (w *World) CheckConsistency() {
	for _, a := range w.index.all {
		for _, c := range a.cols {
			if c.len() != len(a.entities) {
				panic(fmt.Sprintf("ecs: archetype %d column/row mismatch: %d vs %d",
					a.id, c.len(), len(a.entities)))
			}
		}
		for row, e := range a.entities {
			l, ok := w.loc.Get(e)
			if !ok || l.arch != a || l.row != row {
				panic(fmt.Sprintf("ecs: entity index out of sync for %s", e))
			}
		}
	}
}

// Get copies component T out of the entity. The boolean is false if the
// entity is dead or lacks T.
func Get[T any](w *World, e Entity) (T, bool) {
	var zero T
	d, ok := w.reg.LookupType(typeOf[T]())
	if !ok {
		return zero, false
	}
	v, ok := w.GetByID(e, d.ID)
	if !ok {
		return zero, false
	}
	return v.(T), true
}

// Set inserts or overwrites component T on the entity.
func Set[T any](w *World, e Entity, v T) bool {
	d, ok := w.reg.LookupType(typeOf[T]())
	if !ok {
		return false
	}
	return w.Insert(e, d.ID, v)
}

// ID returns the component ID registered for T, panicking if T was never
// registered.
func ID[T any](w *World) ComponentID {
	d, ok := w.reg.LookupType(typeOf[T]())
	if !ok {
		panic(fmt.Sprintf("ecs: type %v not registered", typeOf[T]()))
	}
	return d.ID
}

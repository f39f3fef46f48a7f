package ecs

import (
	"fmt"
	"reflect"
	"sort"
)

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// Change is one key's delta for the versioned store: either the current
// encoded value, or a removal. Only POD components produce changes; opaque
// components never reach the store.
type Change struct {
	E       Entity
	Comp    ComponentID
	Bytes   []byte
	Removed bool
}

type changeKey struct {
	e    Entity
	comp ComponentID
}

// touch records that (entity, component) changed this tick. The value is
// resolved at drain time, so repeated writes to one key cost one entry.
func (w *World) touch(e Entity, id ComponentID) {
	d := w.reg.Descriptor(id)
	if d == nil || !d.Persisted() {
		return
	}
	if w.touched == nil {
		w.touched = make(map[changeKey]struct{}, 64)
	}
	w.touched[changeKey{e: e, comp: id}] = struct{}{}
}

// DrainChanges resolves every touched key against current world state and
// returns the tick's store deltas sorted by (entity handle, component),
// the store's key order, so commits are byte-identical across runs.
func (w *World) DrainChanges() []Change {
	if len(w.touched) == 0 {
		return nil
	}
	keys := make([]changeKey, 0, len(w.touched))
	for k := range w.touched {
		keys = append(keys, k)
	}
	w.touched = nil
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].e != keys[j].e {
			return keys[i].e < keys[j].e
		}
		return keys[i].comp < keys[j].comp
	})

	changes := make([]Change, 0, len(keys))
	for _, k := range keys {
		v, ok := w.GetByID(k.e, k.comp)
		if !ok {
			changes = append(changes, Change{E: k.e, Comp: k.comp, Removed: true})
			continue
		}
		d := w.reg.Descriptor(k.comp)
		b, err := d.Encode(v)
		if err != nil {
			panic(fmt.Sprintf("ecs: encoding registered POD component %q failed: %v", d.Name, err))
		}
		changes = append(changes, Change{E: k.e, Comp: k.comp, Bytes: b})
	}
	return changes
}

// RestoreEntry is one (entity, component, bytes) record from a historical
// snapshot.
type RestoreEntry struct {
	E     Entity
	Comp  ComponentID
	Bytes []byte
}

// ResetTo replaces all entity state with a historical snapshot. The
// registry, named-entity table and lifecycle hook survive; opaque
// components do not (they were never stored), and nothing re-attaches
// them.
func (w *World) ResetTo(entries []RestoreEntry) error {
	pool := NewEntityPool()
	index := newArchetypeIndex(w.reg)
	w.pool = pool
	w.index = index
	w.loc.Clear()
	w.dirty = nil
	w.touched = nil

	empty := index.find(Bitmask{}, nil)
	row := empty.Reserve(WORLD)
	w.loc.Put(WORLD, entityLoc{arch: empty, row: row})

	// Group by entity; entries from a snapshot scan arrive key-ordered.
	adopted := make(map[uint32]uint32, 256)
	var cur Entity
	hasCur := false
	var bundle []ComponentValue
	flush := func() error {
		if !hasCur || len(bundle) == 0 {
			hasCur, bundle = false, nil
			return nil
		}
		if prev, ok := adopted[cur.Slot()]; ok && prev != cur.Generation() {
			return fmt.Errorf("ecs: snapshot has two generations for slot %d", cur.Slot())
		}
		adopted[cur.Slot()] = cur.Generation()
		w.pool.Adopt(cur)
		if cur == WORLD {
			for _, cv := range bundle {
				w.Insert(WORLD, cv.ID, cv.V)
			}
		} else {
			w.spawnAdopted(cur, bundle)
		}
		hasCur, bundle = false, nil
		return nil
	}
	for _, ent := range entries {
		if !hasCur || ent.E != cur {
			if err := flush(); err != nil {
				return err
			}
			cur, hasCur = ent.E, true
		}
		d := w.reg.Descriptor(ent.Comp)
		if d == nil {
			return fmt.Errorf("ecs: snapshot references unregistered component %d", ent.Comp)
		}
		v, err := d.Decode(ent.Bytes)
		if err != nil {
			return fmt.Errorf("ecs: snapshot entry for %s: %w", ent.E, err)
		}
		bundle = append(bundle, ComponentValue{ID: ent.Comp, V: v})
	}
	if err := flush(); err != nil {
		return err
	}
	w.pool.RebuildFreeList(adopted)
	w.touched = nil
	return nil
}

// spawnAdopted places a restored entity, whose handle is already adopted
// by the pool, into its archetype.
func (w *World) spawnAdopted(e Entity, bundle []ComponentValue) {
	var mask Bitmask
	for _, cv := range bundle {
		mask.Set(cv.ID)
	}
	arch := w.index.find(mask, nil)
	row := arch.Reserve(e)
	for _, cv := range bundle {
		arch.Write(row, cv.ID, cv.V)
	}
	w.loc.Put(e, entityLoc{arch: arch, row: row})
}

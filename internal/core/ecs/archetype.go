package ecs

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Archetype holds the columnar data for every live entity sharing one
// component set plus one pair set. Rows are parallel across columns; the
// entities slice is the entity-ID column used to reverse-map row→entity.
type Archetype struct {
	id    uint32
	mask  Bitmask
	pairs []Pair // sorted

	keys     []colKey
	cols     []column
	byKey    map[colKey]int
	entities []Entity

	// Memoized archetype graph edges, built lazily on first traversal.
	addEdge    map[colKey]*Archetype
	removeEdge map[colKey]*Archetype
}

func newArchetype(id uint32, mask Bitmask, pairs []Pair, reg *Registry) *Archetype {
	a := &Archetype{
		id:         id,
		mask:       mask,
		pairs:      pairs,
		byKey:      make(map[colKey]int),
		addEdge:    make(map[colKey]*Archetype),
		removeEdge: make(map[colKey]*Archetype),
	}
	mask.Each(func(cid ComponentID) {
		d := reg.Descriptor(cid)
		if d == nil {
			panic(fmt.Sprintf("ecs: archetype references unregistered component %d", cid))
		}
		a.addColumn(componentKey(cid), d.newColumn())
	})
	for _, p := range pairs {
		a.addColumn(pairKey(p), &tagColumn{})
	}
	return a
}

func (a *Archetype) addColumn(key colKey, c column) {
	a.byKey[key] = len(a.cols)
	a.keys = append(a.keys, key)
	a.cols = append(a.cols, c)
}

func (a *Archetype) ID() uint32 { return a.id }

func (a *Archetype) Len() int { return len(a.entities) }

// HasComponent reports whether the archetype has a column for the
// component.
func (a *Archetype) HasComponent(id ComponentID) bool {
	return a.mask.Has(id)
}

func (a *Archetype) hasKey(key colKey) bool {
	_, ok := a.byKey[key]
	return ok
}

// EntityAt returns the entity occupying the given row.
func (a *Archetype) EntityAt(row int) Entity {
	return a.entities[row]
}

// Reserve appends a new zero-initialized row for the entity and returns
// its row index.
func (a *Archetype) Reserve(e Entity) int {
	row := len(a.entities)
	a.entities = append(a.entities, e)
	for _, c := range a.cols {
		if c.appendDefault() != row {
			panic("ecs: column length mismatch on reserve")
		}
	}
	return row
}

// Get copies the component value out of (row, component). The second
// return is false if the archetype lacks that column.
func (a *Archetype) Get(row int, id ComponentID, reg *Registry) (any, bool) {
	idx, ok := a.byKey[componentKey(id)]
	if !ok {
		return nil, false
	}
	d := reg.Descriptor(id)
	return d.clone(a.cols[idx].get(row)), true
}

// Write overwrites (row, component) with a move. The caller must hold the
// write permission for this archetype for the tick: only the Pre and Post
// phases write directly.
func (a *Archetype) Write(row int, id ComponentID, v any) bool {
	idx, ok := a.byKey[componentKey(id)]
	if !ok {
		return false
	}
	a.cols[idx].set(row, v)
	return true
}

// SwapRemove removes a row, moving the last row into its place. It returns
// the entity that was swapped into the removed slot, if any, so the caller
// can fix the entity index. The boolean is explicit because WORLD's handle
// is zero and would be indistinguishable from "no swap".
func (a *Archetype) SwapRemove(row int) (Entity, bool) {
	last := len(a.entities) - 1
	swapped := Entity(0)
	moved := row != last
	if moved {
		swapped = a.entities[last]
		a.entities[row] = swapped
	}
	a.entities = a.entities[:last]
	for _, c := range a.cols {
		c.swapRemove(row)
		if c.len() != last {
			panic("ecs: column length mismatch after swap-remove")
		}
	}
	return swapped, moved
}

// moveRow relocates a row into dst, copying intersecting columns and
// zero-initializing new ones. It returns the destination row; the caller
// performs the source swap-remove and index fixup.
func (a *Archetype) moveRow(row int, dst *Archetype) int {
	dstRow := dst.Reserve(a.entities[row])
	for i, key := range a.keys {
		if j, ok := dst.byKey[key]; ok {
			dst.cols[j].set(dstRow, a.cols[i].get(row))
		}
	}
	return dstRow
}

// identity hashing

func archetypeHash(mask Bitmask, pairs []Pair) uint64 {
	var buf [8]byte
	h := xxhash.New()
	for _, w := range mask {
		binary.LittleEndian.PutUint64(buf[:], w)
		h.Write(buf[:])
	}
	for _, p := range pairs {
		binary.LittleEndian.PutUint64(buf[:], uint64(p.Relation))
		h.Write(buf[:])
		binary.LittleEndian.PutUint64(buf[:], uint64(p.Target))
		h.Write(buf[:])
	}
	return h.Sum64()
}

func pairsEqual(a, b []Pair) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sortPairs(pairs []Pair) {
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].less(pairs[j]) })
}

// archetypeIndex resolves component/pair sets to archetypes, creating them
// on first use. Removing the last row of an archetype never frees it; an
// empty archetype is reacquired cheaply.
type archetypeIndex struct {
	reg    *Registry
	byHash map[uint64][]*Archetype
	all    []*Archetype
}

func newArchetypeIndex(reg *Registry) *archetypeIndex {
	return &archetypeIndex{
		reg:    reg,
		byHash: make(map[uint64][]*Archetype, 64),
	}
}

func (x *archetypeIndex) find(mask Bitmask, pairs []Pair) *Archetype {
	h := archetypeHash(mask, pairs)
	for _, a := range x.byHash[h] {
		if a.mask.Equals(mask) && pairsEqual(a.pairs, pairs) {
			return a
		}
	}
	a := newArchetype(uint32(len(x.all)), mask, pairs, x.reg)
	x.byHash[h] = append(x.byHash[h], a)
	x.all = append(x.all, a)
	return a
}

// withKey returns the archetype reached from src by adding one column,
// memoizing the edge.
func (x *archetypeIndex) withKey(src *Archetype, key colKey) *Archetype {
	if dst, ok := src.addEdge[key]; ok {
		return dst
	}
	mask := src.mask
	pairs := src.pairs
	if key.pair {
		pairs = append(append([]Pair(nil), src.pairs...), Pair{Relation: key.comp, Target: key.target})
		sortPairs(pairs)
	} else {
		mask.Set(key.comp)
	}
	dst := x.find(mask, pairs)
	src.addEdge[key] = dst
	dst.removeEdge[key] = src
	return dst
}

// withoutKey returns the archetype reached from src by removing one
// column, memoizing the edge.
func (x *archetypeIndex) withoutKey(src *Archetype, key colKey) *Archetype {
	if dst, ok := src.removeEdge[key]; ok {
		return dst
	}
	mask := src.mask
	pairs := src.pairs
	if key.pair {
		filtered := make([]Pair, 0, len(src.pairs))
		for _, p := range src.pairs {
			if pairKey(p) != key {
				filtered = append(filtered, p)
			}
		}
		pairs = filtered
	} else {
		mask.Clear(key.comp)
	}
	dst := x.find(mask, pairs)
	src.removeEdge[key] = dst
	dst.addEdge[key] = src
	return dst
}

// Count returns the number of distinct archetypes created so far.
func (x *archetypeIndex) Count() int { return len(x.all) }

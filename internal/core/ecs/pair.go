package ecs

import "fmt"

// Pair is a composite component identity (relation, target entity). A pair
// occupies its own column in archetypes. Pairs encode parent-child,
// ownership and typed edges without heap collections inside components.
type Pair struct {
	Relation ComponentID
	Target   Entity
}

func (p Pair) String() string {
	return fmt.Sprintf("(%d,%s)", p.Relation, p.Target)
}

// less orders pairs by (relation, target) for canonical archetype identity.
func (p Pair) less(other Pair) bool {
	if p.Relation != other.Relation {
		return p.Relation < other.Relation
	}
	return p.Target < other.Target
}

// colKey identifies a column inside an archetype: either a plain component
// or a pair.
type colKey struct {
	comp   ComponentID
	target Entity
	pair   bool
}

func componentKey(id ComponentID) colKey {
	return colKey{comp: id}
}

func pairKey(p Pair) colKey {
	return colKey{comp: p.Relation, target: p.Target, pair: true}
}

package event

import "github.com/rgbmc/server/internal/core/ecs"

// Lifecycle events published by the world's structural changes. They are
// global events, dispatched in the Post phase of the tick that applied the
// change.

type EntitySpawned struct {
	Entity ecs.Entity
}

type EntityDespawned struct {
	Entity ecs.Entity
}

type ComponentInserted struct {
	Entity    ecs.Entity
	Component ecs.ComponentID
}

type ComponentRemoved struct {
	Entity    ecs.Entity
	Component ecs.ComponentID
}

type PairAdded struct {
	Subject ecs.Entity
	Pair    ecs.Pair
}

type PairRemoved struct {
	Subject ecs.Entity
	Pair    ecs.Pair
}

// Wire connects a world's lifecycle hook to the bus: structural changes
// become global events, and observers subscribed on a despawned entity are
// detached.
func Wire(w *ecs.World, b *Bus) {
	w.AddLifecycleHook(func(kind ecs.LifecycleKind, e ecs.Entity, comp ecs.ComponentID, pair ecs.Pair) {
		switch kind {
		case ecs.LifecycleSpawn:
			b.QueueGlobal(EntitySpawned{Entity: e})
		case ecs.LifecycleDespawn:
			b.DetachTarget(e)
			b.QueueGlobal(EntityDespawned{Entity: e})
		case ecs.LifecycleInsert:
			b.QueueGlobal(ComponentInserted{Entity: e, Component: comp})
		case ecs.LifecycleRemove:
			b.QueueGlobal(ComponentRemoved{Entity: e, Component: comp})
		case ecs.LifecyclePairAdd:
			b.QueueGlobal(PairAdded{Subject: e, Pair: pair})
		case ecs.LifecyclePairRemove:
			b.QueueGlobal(PairRemoved{Subject: e, Pair: pair})
		}
	})
}

// Package game registers the built-in components and systems: movement,
// health regeneration, lifetimes, and the network ingress/egress systems.
package game

import (
	"github.com/go-gl/mathgl/mgl64"
	"github.com/rgbmc/server/internal/core/ecs"
	"github.com/rgbmc/server/internal/net"
)

// Position is an entity's world position. The scheduler dirty-tracks it to
// drive the cell migration sweep.
type Position struct {
	Vec mgl64.Vec3
}

func (p Position) X() float64 { return p.Vec[0] }
func (p Position) Y() float64 { return p.Vec[1] }
func (p Position) Z() float64 { return p.Vec[2] }

// Velocity is an entity's movement per second.
type Velocity struct {
	Vec mgl64.Vec3
}

// OnGround mirrors the client-reported ground state carried by movement
// packets. Airborne entities are subject to gravity.
type OnGround struct {
	Grounded bool
}

// Health tracks hit points. RegenAcc counts ticks toward the next point of
// natural regeneration.
type Health struct {
	HP       int32
	Max      int32
	RegenAcc int32
}

// Lifetime despawns an entity when it reaches zero.
type Lifetime struct {
	TicksLeft int32
}

// Mob marks an entity as a mob instance of a template.
type Mob struct {
	TemplateID int32
}

// Connection is the opaque per-connection component: it owns the session
// whose packet buffer accumulates this entity's outbound bytes. Accessed
// only from the Pre and Post phases.
type Connection struct {
	Session *net.Session
}

// ChildOf is the parent-child relation.
type ChildOf struct{}

// OwnedBy is the ownership relation.
type OwnedBy struct{}

// RegisterComponents registers the built-in component set. Registration
// order is fixed so component IDs are stable across runs.
func RegisterComponents(w *ecs.World) {
	reg := w.Registry()
	ecs.Register[Position](reg, "position", ecs.POD)
	ecs.Register[Velocity](reg, "velocity", ecs.POD)
	ecs.Register[OnGround](reg, "on_ground", ecs.POD)
	ecs.Register[Health](reg, "health", ecs.POD)
	ecs.Register[Lifetime](reg, "lifetime", ecs.POD)
	ecs.Register[Mob](reg, "mob", ecs.POD)
	ecs.Register[Connection](reg, "connection", ecs.Opaque)
	ecs.Register[ChildOf](reg, "child_of", ecs.Tag)
	ecs.Register[OwnedBy](reg, "owned_by", ecs.Tag)
}

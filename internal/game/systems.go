package game

import (
	"time"

	"github.com/rgbmc/server/internal/core/ecs"
	"github.com/rgbmc/server/internal/core/system"
)

// regenInterval is the number of ticks between natural regeneration
// points.
const regenInterval = 20

// gravity is the downward acceleration applied to airborne entities, in
// units per second squared.
const gravity = 32.0

// MovementSystem integrates velocity into position for every entity of
// the cell. Airborne entities (OnGround false) accelerate downward;
// grounded entities never move below their current height. Position
// updates mark the entity dirty, so the Post-phase sweep migrates it if
// it crossed a cell boundary.
type MovementSystem struct{}

func (MovementSystem) Name() string { return "movement" }

func (MovementSystem) Update(ctx *system.Ctx, dt time.Duration) {
	secs := dt.Seconds()
	for _, e := range ctx.Entities() {
		pos, ok := system.GetAs[Position](ctx, e)
		if !ok {
			continue
		}
		vel, hasVel := system.GetAs[Velocity](ctx, e)
		ground, hasGround := system.GetAs[OnGround](ctx, e)
		grounded := hasGround && ground.Grounded

		if hasGround && !grounded && hasVel {
			vel.Vec[1] -= gravity * secs
			system.UpdateAs(ctx, e, vel)
		}
		if !hasVel || vel.Vec.Len() == 0 {
			continue
		}
		if grounded && vel.Vec[1] < 0 {
			vel.Vec[1] = 0
		}
		pos.Vec = pos.Vec.Add(vel.Vec.Mul(secs))
		system.UpdateAs(ctx, e, pos)
	}
}

// RegenSystem restores one hit point every regenInterval ticks.
type RegenSystem struct{}

func (RegenSystem) Name() string { return "regen" }

func (RegenSystem) Update(ctx *system.Ctx, _ time.Duration) {
	for _, e := range ctx.Entities() {
		h, ok := system.GetAs[Health](ctx, e)
		if !ok || h.HP >= h.Max || h.HP <= 0 {
			continue
		}
		h.RegenAcc++
		if h.RegenAcc >= regenInterval {
			h.RegenAcc = 0
			h.HP++
		}
		system.UpdateAs(ctx, e, h)
	}
}

// LifetimeSystem counts down entity lifetimes and despawns expired ones.
type LifetimeSystem struct{}

func (LifetimeSystem) Name() string { return "lifetime" }

func (LifetimeSystem) Update(ctx *system.Ctx, _ time.Duration) {
	for _, e := range ctx.Entities() {
		lt, ok := system.GetAs[Lifetime](ctx, e)
		if !ok {
			continue
		}
		lt.TicksLeft--
		if lt.TicksLeft <= 0 {
			ctx.Despawn(e)
			continue
		}
		system.UpdateAs(ctx, e, lt)
	}
}

// RegisterSystems wires the built-in cell systems into the scheduler.
func RegisterSystems(sched *system.Scheduler) {
	sched.RegisterCell(MovementSystem{})
	sched.RegisterCell(RegenSystem{})
	sched.RegisterCell(LifetimeSystem{})
}

// WirePosition points the scheduler's migration sweep at the Position
// component.
func WirePosition(w *ecs.World, sched *system.Scheduler) {
	sched.UsePosition(ecs.ID[Position](w), func(v any) (float64, float64) {
		p := v.(Position)
		return p.X(), p.Z()
	})
}

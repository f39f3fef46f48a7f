// Package event implements the observer bus: targeted, spatial and global
// events with priority-ordered dispatch. Emission during a color phase is
// deferred like any other mutation; the scheduler routes queued events to
// the color buckets and delivers them to the cell tasks with the cell's
// deferred buffer.
package event

import (
	"reflect"
	"sort"

	"github.com/rgbmc/server/internal/core/ecs"
	"github.com/rgbmc/server/internal/spatial"
	"go.uber.org/zap"
)

// Priority orders handler delivery for one event. Insertion order breaks
// ties.
type Priority uint8

const (
	High Priority = iota
	Normal
	Low
)

// ObserverID identifies a registered observer for detachment.
type ObserverID uint32

// Handler is an observer callback. During color phases buf is the cell's
// deferred buffer and the world must be treated as read-only; in Pre/Post
// buf is nil and direct world mutation is allowed.
type Handler func(w *ecs.World, buf *ecs.Buffer, target ecs.Entity, payload any)

type observer struct {
	id        ObserverID
	eventType reflect.Type
	filter    ecs.Entity // 0 matches any target
	handler   Handler
	priority  Priority
	seq       uint32
	owner     string // plugin name, "" for host observers
}

type queued struct {
	payload reflect.Type
	value   any
	target  ecs.Entity
	cell    spatial.CellID
	spatial bool // spatial (true) or targeted (false); colored events only
	colored bool // spatial or targeted; false = global
}

// Bus routes events to observers. All methods are called from the
// scheduling thread or, for Queue*, from cell tasks via the deferred
// buffer; the bus itself is only mutated between barriers.
type Bus struct {
	log       *zap.Logger
	observers map[reflect.Type][]*observer
	nextID    ObserverID
	nextSeq   uint32

	global   []queued
	colorQ   [3][]queued
	nextTick []queued
}

func NewBus(log *zap.Logger) *Bus {
	return &Bus{
		log:       log,
		observers: make(map[reflect.Type][]*observer),
	}
}

// Observe registers a handler for events of type E. filter restricts
// delivery to one target entity (0 matches any). Returns the observer ID
// for later detachment.
func Observe[E any](b *Bus, filter ecs.Entity, priority Priority, owner string, h Handler) ObserverID {
	t := reflect.TypeOf((*E)(nil)).Elem()
	b.nextID++
	b.nextSeq++
	obs := &observer{
		id:        b.nextID,
		eventType: t,
		filter:    filter,
		handler:   h,
		priority:  priority,
		seq:       b.nextSeq,
		owner:     owner,
	}
	list := append(b.observers[t], obs)
	// Registration order weighted by priority, insertion order as tiebreak.
	sort.SliceStable(list, func(i, j int) bool { return list[i].priority < list[j].priority })
	b.observers[t] = list
	return obs.id
}

// Detach removes one observer.
func (b *Bus) Detach(id ObserverID) {
	for t, list := range b.observers {
		for i, obs := range list {
			if obs.id == id {
				b.observers[t] = append(list[:i], list[i+1:]...)
				return
			}
		}
	}
}

// DetachOwner removes every observer registered under the owner tag.
// Plugin unload uses this to drop all of a plugin's subscriptions.
func (b *Bus) DetachOwner(owner string) int {
	n := 0
	for t, list := range b.observers {
		kept := list[:0]
		for _, obs := range list {
			if obs.owner == owner {
				n++
				continue
			}
			kept = append(kept, obs)
		}
		b.observers[t] = kept
	}
	return n
}

// DetachTarget drops observers filtered on a specific entity. Called when
// the entity despawns.
func (b *Bus) DetachTarget(e ecs.Entity) {
	for t, list := range b.observers {
		kept := list[:0]
		for _, obs := range list {
			if obs.filter == e {
				continue
			}
			kept = append(kept, obs)
		}
		b.observers[t] = kept
	}
}

// QueueGlobal enqueues a global event for dispatch in the Post phase.
func (b *Bus) QueueGlobal(payload any) {
	b.global = append(b.global, queued{
		payload: reflect.TypeOf(payload),
		value:   payload,
		target:  ecs.WORLD,
	})
}

// QueueSpatial enqueues an event tagged with its originating cell, routed
// to the bucket of that cell's color.
func (b *Bus) QueueSpatial(cell spatial.CellID, payload any) {
	b.colorQ[spatial.ColorOf(cell)] = append(b.colorQ[spatial.ColorOf(cell)], queued{
		payload: reflect.TypeOf(payload),
		value:   payload,
		target:  ecs.WORLD,
		cell:    cell,
		spatial: true,
		colored: true,
	})
}

// QueueTargeted enqueues an event addressed to an entity, routed to the
// bucket of the entity's current cell's color. Events whose target is dead
// at dispatch are silently dropped.
func (b *Bus) QueueTargeted(target ecs.Entity, cell spatial.CellID, payload any) {
	b.colorQ[spatial.ColorOf(cell)] = append(b.colorQ[spatial.ColorOf(cell)], queued{
		payload: reflect.TypeOf(payload),
		value:   payload,
		target:  target,
		cell:    cell,
		colored: true,
	})
}

// requeue defers a colored event to the next tick. Used when an event
// emitted during color X lands on a color whose phase already ran.
func (b *Bus) requeue(ev queued) {
	b.nextTick = append(b.nextTick, ev)
}

// QueueDeferred routes an event emission that was deferred during a color
// phase and surfaced by the Post-phase apply. Every color has already run
// by then, so dispatching a colored event now would violate the color
// ordering; it carries over to the next tick instead. Globals dispatch in
// this tick's Post.
func (b *Bus) QueueDeferred(op *ecs.EmitOp) {
	if op.Global {
		b.QueueGlobal(op.Payload)
		return
	}
	b.requeue(queued{
		payload: reflect.TypeOf(op.Payload),
		value:   op.Payload,
		target:  op.Target,
		cell:    spatial.CellID(op.Cell),
		spatial: op.Spatial,
		colored: true,
	})
}

// StartTick promotes events deferred from the previous tick into this
// tick's color buckets. locate re-resolves a targeted event's cell, since
// the target may have migrated; it returns false for dead targets, which
// are dropped.
func (b *Bus) StartTick(locate func(ecs.Entity) (spatial.CellID, bool)) {
	carried := b.nextTick
	b.nextTick = nil
	for _, ev := range carried {
		cell := ev.cell
		if !ev.spatial && ev.target != ecs.WORLD {
			c, ok := locate(ev.target)
			if !ok {
				continue // target died while the event was queued
			}
			cell = c
		}
		ev.cell = cell
		b.colorQ[spatial.ColorOf(cell)] = append(b.colorQ[spatial.ColorOf(cell)], ev)
	}
}

// ColoredEvent is one queued event of a color, ready for delivery by the
// cell's task during the color's phase. Handlers receive the cell's
// deferred buffer, so their writes are deferred like a system's; the
// buffer does not check that a written entity belongs to the cell, so the
// cell-write restriction that system contexts enforce does not apply here.
type ColoredEvent struct {
	Cell    spatial.CellID
	Deliver func(w *ecs.World, buf *ecs.Buffer)
}

// TakeColor drains this tick's bucket for one color. The scheduler hands
// each event to the task of its cell; events for cells with no task this
// tick are delivered on the scheduling thread after the barrier.
func (b *Bus) TakeColor(color spatial.Color) []ColoredEvent {
	bucket := b.colorQ[color]
	b.colorQ[color] = nil
	out := make([]ColoredEvent, 0, len(bucket))
	for i := range bucket {
		ev := bucket[i]
		out = append(out, ColoredEvent{
			Cell: ev.cell,
			Deliver: func(w *ecs.World, buf *ecs.Buffer) {
				b.deliver(w, buf, ev)
			},
		})
	}
	return out
}

// DispatchGlobal delivers all pending global events. Called once from the
// Post phase; events emitted by the handlers themselves queue for the next
// tick's dispatch.
func (b *Bus) DispatchGlobal(w *ecs.World) {
	pending := b.global
	b.global = nil
	for _, ev := range pending {
		b.deliver(w, nil, ev)
	}
}

func (b *Bus) deliver(w *ecs.World, buf *ecs.Buffer, ev queued) {
	if ev.target != ecs.WORLD && !w.Alive(ev.target) {
		b.log.Debug("dropping event for dead target",
			zap.Stringer("target", ev.target),
			zap.String("event", ev.payload.String()))
		return
	}
	for _, obs := range b.observers[ev.payload] {
		if obs.filter != 0 && obs.filter != ev.target {
			continue
		}
		obs.handler(w, buf, ev.target, ev.value)
	}
}

// ObserverCount returns the number of registered observers, for metrics
// and tests.
func (b *Bus) ObserverCount() int {
	n := 0
	for _, list := range b.observers {
		n += len(list)
	}
	return n
}

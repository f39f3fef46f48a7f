// An example behavior plugin. Build with:
//
//	go build -buildmode=plugin -o glow.so ./plugins/example
//
// The host discovers .so files in the plugins directory and calls
// PluginLoad; PluginUnload must leave no observers or systems behind.
package main

import (
	"time"

	"github.com/rgbmc/server/internal/core/ecs"
	"github.com/rgbmc/server/internal/core/event"
	"github.com/rgbmc/server/internal/core/system"
	"github.com/rgbmc/server/internal/plugin"
	"go.uber.org/zap"
)

const pluginName = "glow"

// Glow makes an entity shed light for a limited time.
type Glow struct {
	Strength  int32
	TicksLeft int32
}

type glowSystem struct {
	glowID ecs.ComponentID
}

func (glowSystem) Name() string { return pluginName }

func (s glowSystem) Update(ctx *system.Ctx, _ time.Duration) {
	for _, e := range ctx.Entities() {
		g, ok := system.GetAs[Glow](ctx, e)
		if !ok {
			continue
		}
		g.TicksLeft--
		if g.TicksLeft <= 0 {
			ctx.Remove(e, s.glowID)
			continue
		}
		system.UpdateAs(ctx, e, g)
	}
}

// PluginName identifies this plugin to the host.
func PluginName() string { return pluginName }

// PluginLoad registers the glow component, its decay system, and an
// observer announcing new glows. Safe to call twice.
func PluginLoad(rt *plugin.Runtime) error {
	d := ecs.Register[Glow](rt.World.Registry(), "glow", ecs.POD)
	// Idempotent re-load: drop anything a previous load left behind.
	rt.Sched.UnregisterCell(pluginName)
	rt.Bus.DetachOwner(pluginName)
	rt.Sched.RegisterCell(glowSystem{glowID: d.ID})
	event.Observe[event.ComponentInserted](rt.Bus, 0, event.Normal, pluginName,
		func(w *ecs.World, _ *ecs.Buffer, _ ecs.Entity, payload any) {
			ev := payload.(event.ComponentInserted)
			if ev.Component == ecs.ID[Glow](w) {
				rt.Log.Info("entity started glowing", zap.Stringer("entity", ev.Entity))
			}
		})
	return nil
}

// PluginUnload detaches the system and observer PluginLoad registered; the
// glow component stays registered.
func PluginUnload(rt *plugin.Runtime) error {
	rt.Sched.UnregisterCell(pluginName)
	rt.Bus.DetachOwner(pluginName)
	return nil
}

func main() {}

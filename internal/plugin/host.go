// Package plugin hosts hot-reloadable behavior plugins. Each plugin is a
// Go plugin (.so) exporting three symbols:
//
//	PluginName() string
//	PluginLoad(rt *plugin.Runtime) error
//	PluginUnload(rt *plugin.Runtime) error
//
// PluginLoad registers components, systems and observers against the live
// world and must be idempotent. PluginUnload must detach every observer
// the plugin registered and remove its owned singletons; the host detaches
// the plugin's tagged observers as a backstop. Host and plugins must be
// built with the exact same toolchain version; the ABI is not stable
// across toolchains. The Go runtime cannot unmap a loaded plugin, so
// reloading requires a freshly-built .so under a new path.
package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"plugin"
	"sort"

	"github.com/rgbmc/server/internal/core/ecs"
	"github.com/rgbmc/server/internal/core/event"
	"github.com/rgbmc/server/internal/core/system"
	"go.uber.org/zap"
)

// Runtime is the surface handed to plugins on load and unload.
type Runtime struct {
	World *ecs.World
	Bus   *event.Bus
	Sched *system.Scheduler
	Log   *zap.Logger
}

type loaded struct {
	name   string
	path   string
	load   func(rt *Runtime) error
	unload func(rt *Runtime) error
	active bool
}

// Host loads, unloads and reloads plugins against one runtime.
type Host struct {
	rt      *Runtime
	log     *zap.Logger
	plugins map[string]*loaded
}

func NewHost(rt *Runtime, log *zap.Logger) *Host {
	return &Host{
		rt:      rt,
		log:     log,
		plugins: make(map[string]*loaded),
	}
}

// Load opens a plugin and calls its PluginLoad. Loading an already-active
// plugin name is idempotent and a no-op.
func (h *Host) Load(path string) (string, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return "", fmt.Errorf("open plugin %s: %w", path, err)
	}
	// Symbols are asserted to their raw signatures: a defined function
	// type would not match the plugin's concrete type.
	nameFn, err := lookup[func() string](p, "PluginName")
	if err != nil {
		return "", err
	}
	name := nameFn()

	if existing, ok := h.plugins[name]; ok && existing.active {
		h.log.Debug("plugin already loaded", zap.String("plugin", name))
		return name, nil
	}

	loadFn, err := lookup[func(*Runtime) error](p, "PluginLoad")
	if err != nil {
		return "", err
	}
	unloadFn, err := lookup[func(*Runtime) error](p, "PluginUnload")
	if err != nil {
		return "", err
	}
	if err := loadFn(h.rt); err != nil {
		return "", fmt.Errorf("plugin %s load: %w", name, err)
	}
	h.plugins[name] = &loaded{
		name:   name,
		path:   path,
		load:   loadFn,
		unload: unloadFn,
		active: true,
	}
	h.log.Info("plugin loaded", zap.String("plugin", name), zap.String("path", path))
	return name, nil
}

// Unload calls the plugin's PluginUnload and detaches its observers. The
// code stays mapped (the runtime cannot unmap it) but contributes no
// behavior until loaded again.
func (h *Host) Unload(name string) error {
	pl, ok := h.plugins[name]
	if !ok || !pl.active {
		return fmt.Errorf("plugin %q not loaded", name)
	}
	if err := pl.unload(h.rt); err != nil {
		return fmt.Errorf("plugin %s unload: %w", name, err)
	}
	if n := h.rt.Bus.DetachOwner(name); n > 0 {
		h.log.Warn("plugin left observers attached, detached by host",
			zap.String("plugin", name), zap.Int("observers", n))
	}
	pl.active = false
	h.log.Info("plugin unloaded", zap.String("plugin", name))
	return nil
}

// Reactivate re-runs PluginLoad for a previously unloaded plugin,
// restoring its behavior without reopening the file.
func (h *Host) Reactivate(name string) error {
	pl, ok := h.plugins[name]
	if !ok {
		return fmt.Errorf("plugin %q never loaded", name)
	}
	if pl.active {
		return nil
	}
	if err := pl.load(h.rt); err != nil {
		return fmt.Errorf("plugin %s load: %w", name, err)
	}
	pl.active = true
	h.log.Info("plugin reactivated", zap.String("plugin", name))
	return nil
}

// Reload unloads a plugin and loads a freshly-built .so in its place.
func (h *Host) Reload(name, newPath string) error {
	if pl, ok := h.plugins[name]; ok && pl.active {
		if err := h.Unload(name); err != nil {
			return err
		}
	}
	delete(h.plugins, name)
	_, err := h.Load(newPath)
	return err
}

// LoadDir loads every .so file in a directory, sorted by name.
func (h *Host) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read plugin dir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".so" {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	for _, p := range paths {
		if _, err := h.Load(p); err != nil {
			h.log.Error("plugin failed to load", zap.String("path", p), zap.Error(err))
		}
	}
	return nil
}

// Active returns the names of active plugins, sorted.
func (h *Host) Active() []string {
	var names []string
	for name, pl := range h.plugins {
		if pl.active {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// UnloadAll unloads every active plugin, used at shutdown.
func (h *Host) UnloadAll() {
	for _, name := range h.Active() {
		if err := h.Unload(name); err != nil {
			h.log.Error("plugin unload failed", zap.String("plugin", name), zap.Error(err))
		}
	}
}

func lookup[T any](p *plugin.Plugin, symbol string) (T, error) {
	var zero T
	sym, err := p.Lookup(symbol)
	if err != nil {
		return zero, fmt.Errorf("plugin missing required symbol %q", symbol)
	}
	fn, ok := sym.(T)
	if !ok {
		return zero, fmt.Errorf("plugin symbol %q has wrong signature", symbol)
	}
	return fn, nil
}

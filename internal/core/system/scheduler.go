package system

import (
	"fmt"
	"sync"
	"time"

	"github.com/rgbmc/server/internal/core/ecs"
	"github.com/rgbmc/server/internal/core/event"
	"github.com/rgbmc/server/internal/metrics"
	"github.com/rgbmc/server/internal/spatial"
	"github.com/rgbmc/server/internal/store"
	"go.uber.org/zap"
)

// Scheduler drives the tick pipeline. Pre and Post run on the single
// scheduling thread; each color phase dispatches one task per cell of that
// color to a fixed worker pool and blocks on a barrier. Commits are
// strictly serial: tick N's root is written before tick N+1 begins.
type Scheduler struct {
	log  *zap.Logger
	w    *ecs.World
	grid *spatial.Grid
	bus  *event.Bus
	st   *store.Store
	col  *metrics.Collector

	globals []GlobalSystem
	cells   []CellSystem

	workers      int
	softDeadline time.Duration

	positionID  ecs.ComponentID
	hasPosition bool
	posOf       func(v any) (x, z float64)

	// Authoritative entity→cell map, updated only by the membership
	// sweeps on the scheduling thread.
	locs map[ecs.Entity]spatial.CellID

	tasks   chan func()
	closeWG sync.WaitGroup

	faultMu  sync.Mutex
	faulted  map[spatial.CellID]struct{}
	debugChk bool
}

type Options struct {
	Workers      int
	SoftDeadline time.Duration
	// DebugConsistency runs the world's invariant check at the end of
	// every Post phase.
	DebugConsistency bool
}

func NewScheduler(w *ecs.World, grid *spatial.Grid, bus *event.Bus, st *store.Store, col *metrics.Collector, opts Options, log *zap.Logger) *Scheduler {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	s := &Scheduler{
		log:          log,
		w:            w,
		grid:         grid,
		bus:          bus,
		st:           st,
		col:          col,
		workers:      opts.Workers,
		softDeadline: opts.SoftDeadline,
		locs:         make(map[ecs.Entity]spatial.CellID, 1024),
		tasks:        make(chan func(), 256),
		debugChk:     opts.DebugConsistency,
	}
	for i := 0; i < opts.Workers; i++ {
		s.closeWG.Add(1)
		go func() {
			defer s.closeWG.Done()
			for task := range s.tasks {
				task()
			}
		}()
	}
	w.AddLifecycleHook(func(kind ecs.LifecycleKind, e ecs.Entity, _ ecs.ComponentID, _ ecs.Pair) {
		if kind == ecs.LifecycleDespawn {
			if cell, ok := s.locs[e]; ok {
				s.grid.Remove(e, cell)
				delete(s.locs, e)
			}
		}
	})
	return s
}

// Close stops the worker pool. Call after the last tick.
func (s *Scheduler) Close() {
	close(s.tasks)
	s.closeWG.Wait()
}

// Register adds a Pre or Post global system.
func (s *Scheduler) Register(sys GlobalSystem) {
	s.globals = append(s.globals, sys)
}

// RegisterCell adds a cell system, run once per cell per tick during the
// cell's color phase.
func (s *Scheduler) RegisterCell(sys CellSystem) {
	s.cells = append(s.cells, sys)
}

// UnregisterCell removes a cell system by name. Plugin unload uses this.
func (s *Scheduler) UnregisterCell(name string) {
	kept := s.cells[:0]
	for _, sys := range s.cells {
		if sys.Name() != name {
			kept = append(kept, sys)
		}
	}
	s.cells = kept
}

// Unregister removes a global system by name.
func (s *Scheduler) Unregister(name string) {
	kept := s.globals[:0]
	for _, sys := range s.globals {
		if sys.Name() != name {
			kept = append(kept, sys)
		}
	}
	s.globals = kept
}

// UsePosition tells the scheduler which component is the spatial position
// and how to read its plane coordinates. The component is dirty-tracked:
// only entities whose position changed are checked by the migration sweep.
func (s *Scheduler) UsePosition(id ecs.ComponentID, posOf func(v any) (x, z float64)) {
	s.positionID = id
	s.hasPosition = true
	s.posOf = posOf
	s.w.TrackComponent(id)
}

// CellOf returns the cell an entity is currently a member of.
func (s *Scheduler) CellOf(e ecs.Entity) (spatial.CellID, bool) {
	c, ok := s.locs[e]
	return c, ok
}

// locate resolves a targeted event's destination cell. Entities without a
// position route to cell(0,0).
func (s *Scheduler) locate(e ecs.Entity) (spatial.CellID, bool) {
	if !s.w.Alive(e) {
		return 0, false
	}
	if cell, ok := s.locs[e]; ok {
		return cell, true
	}
	return spatial.Cell(0, 0), true
}

// RunTick executes one full pipeline pass and commits the tick. The
// returned tick number is the committed tick.
func (s *Scheduler) RunTick(dt time.Duration) (uint64, error) {
	var ts metrics.TickStats
	s.faulted = make(map[spatial.CellID]struct{})
	s.bus.StartTick(s.locate)

	// Pre: single-threaded, direct mutation allowed.
	preStart := time.Now()
	s.runGlobals(PhasePre, dt)
	s.syncMembership()
	ts.Phases[metrics.PhasePre] = metrics.PhaseStats{Wall: time.Since(preStart)}

	// Color phases with barriers.
	var buffers []*ecs.Buffer
	originSeq := int64(0)
	for ci, color := range spatial.Colors {
		phaseStart := time.Now()
		cellIDs := s.grid.CellsOfColor(color)
		events := s.bus.TakeColor(color)

		taskCells := make(map[spatial.CellID]struct{}, len(cellIDs))
		for _, id := range cellIDs {
			taskCells[id] = struct{}{}
		}
		eventsByCell := make(map[spatial.CellID][]event.ColoredEvent)
		for _, ev := range events {
			if _, ok := taskCells[ev.Cell]; ok {
				eventsByCell[ev.Cell] = append(eventsByCell[ev.Cell], ev)
			}
		}

		var wg sync.WaitGroup
		for _, cellID := range cellIDs {
			buf := ecs.NewBuffer(originSeq, uint64(cellID))
			originSeq++
			buffers = append(buffers, buf)
			cellEvents := eventsByCell[cellID]
			id := cellID
			wg.Add(1)
			s.tasks <- func() {
				defer wg.Done()
				s.runCell(id, buf, cellEvents, dt)
			}
		}
		wg.Wait()

		// Events for cells with no task this tick: the cell is otherwise
		// idle, so delivering on the scheduling thread keeps write sets
		// disjoint.
		var orphanBuf *ecs.Buffer
		var orphanCell spatial.CellID
		for _, ev := range events {
			if _, ok := taskCells[ev.Cell]; ok {
				continue
			}
			if orphanBuf == nil || orphanCell != ev.Cell {
				orphanBuf = ecs.NewBuffer(originSeq, uint64(ev.Cell))
				orphanCell = ev.Cell
				originSeq++
				buffers = append(buffers, orphanBuf)
			}
			ev.Deliver(s.w, orphanBuf)
		}

		wall := time.Since(phaseStart)
		overrun := s.softDeadline > 0 && wall > s.softDeadline
		if overrun {
			s.log.Warn("color phase overran soft deadline",
				zap.Stringer("color", color),
				zap.Duration("wall", wall),
				zap.Duration("deadline", s.softDeadline))
		}
		ts.Phases[metrics.PhaseRed+ci] = metrics.PhaseStats{
			Wall:        wall,
			WorkersBusy: min(len(cellIDs), s.workers),
			Overrun:     overrun,
		}
	}

	// Post: merge, apply, migrate, commit, notify.
	postStart := time.Now()
	batch := ecs.MergeAll(buffers)
	for _, op := range batch {
		ts.DeferredByKind[op.Kind]++
	}
	emits := s.w.Apply(batch)
	for _, em := range emits {
		s.bus.QueueDeferred(em)
	}
	s.syncMembership()
	s.runGlobals(PhasePost, dt)
	s.syncMembership()

	changes := s.w.DrainChanges()
	commitStart := time.Now()
	tick, _, err := s.st.Commit(changes, s.w.EntityCount())
	if err != nil {
		return 0, fmt.Errorf("commit tick: %w", err)
	}
	ts.CommitLatency = time.Since(commitStart)

	s.bus.DispatchGlobal(s.w)

	if s.debugChk {
		s.w.CheckConsistency()
	}

	ts.Tick = tick
	ts.Phases[metrics.PhasePost] = metrics.PhaseStats{Wall: time.Since(postStart)}
	ts.EntityCount = s.w.EntityCount()
	ts.ArchetypeCount = s.w.ArchetypeCount()
	ts.BytesAppended = s.st.BytesAppended()
	ts.Quarantined = len(s.faulted)
	s.col.RecordTick(ts)
	return tick, nil
}

// runCell executes every cell system and queued event for one cell. A
// panic quarantines the cell: its buffer is discarded, it contributes no
// writes this tick, and its entities remain at the previous tick's state.
func (s *Scheduler) runCell(cell spatial.CellID, buf *ecs.Buffer, events []event.ColoredEvent, dt time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			buf.Discard()
			s.faultMu.Lock()
			_, seen := s.faulted[cell]
			s.faulted[cell] = struct{}{}
			s.faultMu.Unlock()
			if !seen {
				s.log.Error("cell handler panicked, cell quarantined for tick",
					zap.Stringer("cell", cell),
					zap.Any("panic", r))
			}
		}
	}()
	ctx := NewCtx(s.w, s.grid, cell, buf)
	color := spatial.ColorOf(cell)
	for _, sys := range s.cells {
		if cb, ok := sys.(ColorBound); ok && cb.Color() != color {
			continue
		}
		sys.Update(ctx, dt)
	}
	for _, ev := range events {
		ev.Deliver(s.w, buf)
	}
}

func (s *Scheduler) runGlobals(phase Phase, dt time.Duration) {
	for _, sys := range s.globals {
		if sys.Phase() != phase {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("global system panicked",
						zap.String("system", sys.Name()),
						zap.Any("panic", r))
				}
			}()
			sys.Update(s.w, dt)
		}()
	}
}

// syncMembership migrates entities whose position changed since the last
// sweep. Runs after Pre (command-driven moves and spawns) and in Post
// (deferred moves), always on the scheduling thread.
func (s *Scheduler) syncMembership() {
	if !s.hasPosition {
		return
	}
	for _, e := range s.w.DrainDirty() {
		if !s.w.Alive(e) {
			continue
		}
		v, ok := s.w.GetByID(e, s.positionID)
		if !ok {
			if old, had := s.locs[e]; had {
				s.grid.Remove(e, old)
				delete(s.locs, e)
			}
			continue
		}
		x, z := s.posOf(v)
		newCell := spatial.CellAt(x, z)
		if old, had := s.locs[e]; had {
			s.grid.Migrate(e, old, newCell)
		} else {
			s.grid.Add(e, newCell)
		}
		s.locs[e] = newCell
	}
}

// Revert moves the store's current root to a prior tick and rebuilds the
// world from that tick's snapshot. Commands already sitting in the inbound
// queue are untouched and will apply to the reverted state; mutations
// derived from commands after the target tick are discarded with it.
func (s *Scheduler) Revert(tick uint64) error {
	if err := s.st.Revert(tick); err != nil {
		return err
	}
	snap, err := s.st.Snapshot(tick)
	if err != nil {
		return err
	}
	if err := s.w.ResetTo(snap); err != nil {
		return err
	}
	s.grid.Reset()
	s.locs = make(map[ecs.Entity]spatial.CellID, 1024)
	if s.hasPosition {
		s.w.EachWith([]ecs.ComponentID{s.positionID}, func(e ecs.Entity) {
			v, ok := s.w.GetByID(e, s.positionID)
			if !ok {
				return
			}
			x, z := s.posOf(v)
			cell := spatial.CellAt(x, z)
			s.grid.Add(e, cell)
			s.locs[e] = cell
		})
	}
	s.log.Info("world reverted", zap.Uint64("tick", tick))
	return nil
}

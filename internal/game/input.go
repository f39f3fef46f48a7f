package game

import (
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/rgbmc/server/internal/core/ecs"
	"github.com/rgbmc/server/internal/core/system"
	"github.com/rgbmc/server/internal/net"
	"go.uber.org/zap"
)

// HandlerFunc processes one decoded command in the Pre phase. e is the
// connection's entity. Direct world mutation is allowed here.
type HandlerFunc func(w *ecs.World, e ecs.Entity, cmd net.Command)

// InputSystem drains the network server's queues in the Pre phase: new
// connections become entities, dead connections despawn, and inbound
// commands dispatch to their registered handlers. Intake is capped per
// tick to bound tick duration; the rest of the queue waits, which is the
// ingress backpressure.
type InputSystem struct {
	server   *net.Server
	maxCmds  int
	spawnPos mgl64.Vec3
	handlers map[int32]HandlerFunc
	sessions map[uint64]ecs.Entity
	log      *zap.Logger
}

func NewInputSystem(server *net.Server, maxCmds int, log *zap.Logger) *InputSystem {
	return &InputSystem{
		server:   server,
		maxCmds:  maxCmds,
		spawnPos: mgl64.Vec3{0, 64, 0},
		handlers: make(map[int32]HandlerFunc),
		sessions: make(map[uint64]ecs.Entity),
		log:      log,
	}
}

func (s *InputSystem) Name() string        { return "input" }
func (s *InputSystem) Phase() system.Phase { return system.PhasePre }

// Handle registers a packet handler. Later registrations replace earlier
// ones.
func (s *InputSystem) Handle(packetID int32, h HandlerFunc) {
	s.handlers[packetID] = h
}

// Entity returns the entity of a live session.
func (s *InputSystem) Entity(sessionID uint64) (ecs.Entity, bool) {
	e, ok := s.sessions[sessionID]
	return e, ok
}

func (s *InputSystem) Update(w *ecs.World, _ time.Duration) {
	s.drainNewSessions(w)
	s.drainDeadSessions(w)
	s.drainCommands(w)
}

// drainNewSessions turns each new connection into an entity with a
// position, health, and the opaque connection component.
func (s *InputSystem) drainNewSessions(w *ecs.World) {
	for {
		select {
		case sess := <-s.server.NewSessions():
			e := w.Spawn([]ecs.ComponentValue{
				{ID: ecs.ID[Position](w), V: Position{Vec: s.spawnPos}},
				{ID: ecs.ID[OnGround](w), V: OnGround{Grounded: true}},
				{ID: ecs.ID[Health](w), V: Health{HP: 20, Max: 20}},
				{ID: ecs.ID[Connection](w), V: Connection{Session: sess}},
			}, nil)
			s.sessions[sess.ID] = e
			s.log.Info("session entered world",
				zap.Uint64("session", sess.ID),
				zap.Stringer("entity", e))
		default:
			return
		}
	}
}

func (s *InputSystem) drainDeadSessions(w *ecs.World) {
	for {
		select {
		case id := <-s.server.DeadSessions():
			if e, ok := s.sessions[id]; ok {
				delete(s.sessions, id)
				w.Despawn(e)
				s.log.Info("session left world", zap.Uint64("session", id))
			}
		default:
			return
		}
	}
}

func (s *InputSystem) drainCommands(w *ecs.World) {
	for processed := 0; processed < s.maxCmds; processed++ {
		select {
		case cmd := <-s.server.Commands():
			if cmd.Session.Closed() {
				continue
			}
			e, ok := s.sessions[cmd.Session.ID]
			if !ok {
				continue
			}
			h, ok := s.handlers[cmd.PacketID]
			if !ok {
				s.log.Debug("unhandled packet",
					zap.Int32("packet", cmd.PacketID),
					zap.Uint64("session", cmd.Session.ID))
				continue
			}
			h(w, e, cmd)
		default:
			return
		}
	}
}

// OutputSystem flushes every connection entity's packet buffer to its
// writer goroutine after the world has settled for the tick.
type OutputSystem struct{}

func (OutputSystem) Name() string        { return "output" }
func (OutputSystem) Phase() system.Phase { return system.PhasePost }

func (OutputSystem) Update(w *ecs.World, _ time.Duration) {
	connID := ecs.ID[Connection](w)
	w.EachWith([]ecs.ComponentID{connID}, func(e ecs.Entity) {
		if v, ok := w.GetByID(e, connID); ok {
			if sess := v.(Connection).Session; sess != nil {
				sess.FlushOutput()
			}
		}
	})
}

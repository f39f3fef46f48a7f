package game

import (
	"encoding/binary"
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/rgbmc/server/internal/core/ecs"
	"github.com/rgbmc/server/internal/net"
)

// Built-in packet IDs for the thin ingress boundary.
const (
	PacketKeepAlive = 0x00
	PacketMove      = 0x11
)

// RegisterHandlers wires the built-in packet handlers.
func RegisterHandlers(in *InputSystem) {
	in.Handle(PacketKeepAlive, handleKeepAlive)
	in.Handle(PacketMove, handleMove)
}

// handleKeepAlive echoes the payload back on the connection's buffer.
func handleKeepAlive(w *ecs.World, e ecs.Entity, cmd net.Command) {
	cmd.Session.Send(net.Frame(PacketKeepAlive, cmd.Payload))
}

// handleMove reads a little-endian x,y,z triple followed by the on-ground
// flag and moves the entity. Malformed payloads are dropped; the tick
// continues.
func handleMove(w *ecs.World, e ecs.Entity, cmd net.Command) {
	if len(cmd.Payload) != 25 {
		return
	}
	pos := Position{Vec: mgl64.Vec3{
		math.Float64frombits(binary.LittleEndian.Uint64(cmd.Payload[0:8])),
		math.Float64frombits(binary.LittleEndian.Uint64(cmd.Payload[8:16])),
		math.Float64frombits(binary.LittleEndian.Uint64(cmd.Payload[16:24])),
	}}
	ecs.Set(w, e, pos)
	ecs.Set(w, e, OnGround{Grounded: cmd.Payload[24] != 0})
}

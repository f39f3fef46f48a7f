// Package net is the thin ingress/egress boundary. Network readers decode
// frames into a multi-producer single-consumer command queue drained by
// the Pre phase; responses accumulate in per-connection packet buffers
// drained after the Post phase. The wire codec itself (packet definitions,
// state machines) lives outside the core.
package net

// Command is one decoded inbound frame: the connection it arrived on, the
// packet ID, and the raw payload bytes.
type Command struct {
	Session  *Session
	PacketID int32
	Payload  []byte
}

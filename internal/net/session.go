package net

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxFrameSize = 1 << 21 // protocol limit for one packet

// Session represents a single client connection. Network I/O runs in
// dedicated goroutines; game state is accessed only from the game loop.
type Session struct {
	ID     uint64
	Handle uuid.UUID
	conn   net.Conn

	commands chan<- Command // shared ingress queue, drained in Pre
	OutQueue chan []byte    // writer goroutine reads from here

	IP string

	outBuf [][]byte // buffered packets, flushed after Post (game loop only)

	readTimeout  time.Duration
	writeTimeout time.Duration

	closeCh   chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool

	log *zap.Logger
}

func NewSession(conn net.Conn, id uint64, commands chan<- Command, outSize int, readTimeout, writeTimeout time.Duration, log *zap.Logger) *Session {
	return &Session{
		ID:           id,
		Handle:       uuid.New(),
		conn:         conn,
		commands:     commands,
		OutQueue:     make(chan []byte, outSize),
		IP:           conn.RemoteAddr().String(),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		closeCh:      make(chan struct{}),
		log:          log.With(zap.Uint64("session", id)),
	}
}

// Start launches the reader and writer goroutines.
func (s *Session) Start() {
	go s.readLoop()
	go s.writeLoop()
}

// Send buffers a packet for sending. Nothing is written to TCP until
// FlushOutput runs after the Post phase. Called only from the game loop
// goroutine, so outBuf needs no lock.
func (s *Session) Send(data []byte) {
	if s.closed.Load() {
		return
	}
	s.outBuf = append(s.outBuf, data)
}

// FlushOutput drains the output buffer to OutQueue for the writer
// goroutine. Non-blocking: a full OutQueue means a consumer that cannot
// keep up, and the session is disconnected.
func (s *Session) FlushOutput() {
	for _, data := range s.outBuf {
		select {
		case s.OutQueue <- data:
		default:
			s.log.Warn("out queue full, dropping slow connection")
			s.Close()
			s.outBuf = s.outBuf[:0]
			return
		}
	}
	s.outBuf = s.outBuf[:0]
}

// Close shuts the session down. Safe to call from any goroutine.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.closeCh)
		s.conn.Close()
	})
}

func (s *Session) Closed() bool { return s.closed.Load() }

// readLoop decodes length-prefixed frames and pushes them onto the shared
// command queue. A full queue blocks the reader, which is the ingress
// backpressure.
func (s *Session) readLoop() {
	defer s.Close()
	r := bufio.NewReaderSize(s.conn, 4096)
	for {
		if s.readTimeout > 0 {
			s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		}
		length, err := readVarInt(r)
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.closed.Load() {
				s.log.Debug("read failed", zap.Error(err))
			}
			return
		}
		if length <= 0 || length > maxFrameSize {
			s.log.Warn("invalid frame length", zap.Int32("length", length))
			return
		}
		frame := make([]byte, length)
		if _, err := io.ReadFull(r, frame); err != nil {
			return
		}
		packetID, n, err := decodeVarInt(frame)
		if err != nil {
			s.log.Warn("malformed packet id", zap.Error(err))
			return
		}
		select {
		case s.commands <- Command{Session: s, PacketID: packetID, Payload: frame[n:]}:
		case <-s.closeCh:
			return
		}
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case data := <-s.OutQueue:
			if s.writeTimeout > 0 {
				s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			}
			if _, err := s.conn.Write(data); err != nil {
				s.Close()
				return
			}
		case <-s.closeCh:
			return
		}
	}
}

// readVarInt reads a protocol VarInt (LEB128, max 5 bytes) from r.
func readVarInt(r io.ByteReader) (int32, error) {
	var value uint32
	for i := 0; i < 5; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		value |= uint32(b&0x7F) << (7 * i)
		if b&0x80 == 0 {
			return int32(value), nil
		}
	}
	return 0, fmt.Errorf("varint too long")
}

// decodeVarInt reads a VarInt from the head of buf, returning the value
// and the bytes consumed.
func decodeVarInt(buf []byte) (int32, int, error) {
	var value uint32
	for i := 0; i < 5 && i < len(buf); i++ {
		b := buf[i]
		value |= uint32(b&0x7F) << (7 * i)
		if b&0x80 == 0 {
			return int32(value), i + 1, nil
		}
	}
	return 0, 0, fmt.Errorf("varint too long or truncated")
}

// AppendVarInt appends a VarInt encoding of v to dst.
func AppendVarInt(dst []byte, v int32) []byte {
	u := uint32(v)
	for {
		if u&^0x7F == 0 {
			return append(dst, byte(u))
		}
		dst = append(dst, byte(u&0x7F|0x80))
		u >>= 7
	}
}

// Frame wraps a packet ID and payload into one length-prefixed frame.
func Frame(packetID int32, payload []byte) []byte {
	body := AppendVarInt(nil, packetID)
	body = append(body, payload...)
	frame := AppendVarInt(nil, int32(len(body)))
	return append(frame, body...)
}

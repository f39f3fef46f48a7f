// Package store implements the versioned world store: an append-only page
// file holding a copy-on-write B+tree keyed by (entity, component), plus a
// tick index making every committed tick individually reachable. Pages are
// never mutated after being sealed, so historical readers need no locks.
package store

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/rgbmc/server/internal/core/ecs"
)

const (
	// PageSize is the fixed page size. The file header occupies the first
	// page so every page offset is PageSize-aligned.
	PageSize = 4096

	pageHeaderSize = 16
	pagePayload    = PageSize - pageHeaderSize

	pageInternal = 1
	pageLeaf     = 2
	pageOverflow = 3

	// maxInline is the largest value stored inline in a leaf; larger
	// values go to an overflow chain.
	maxInline = 256

	// maxOverflowChain bounds overflow chains; exceeding it is a
	// capacity error.
	maxOverflowChain = 16

	overflowChunk = pagePayload - 12 // next offset + chunk length
)

// keySize is the fixed key width: entity (8, big-endian) then component
// (4, big-endian), so byte-lexicographic order is (entity, component)
// order.
const keySize = 12

type key [keySize]byte

func makeKey(e ecs.Entity, c ecs.ComponentID) key {
	var k key
	binary.BigEndian.PutUint64(k[0:8], uint64(e))
	binary.BigEndian.PutUint32(k[8:12], uint32(c))
	return k
}

func (k key) entity() ecs.Entity {
	return ecs.Entity(binary.BigEndian.Uint64(k[0:8]))
}

func (k key) component() ecs.ComponentID {
	return ecs.ComponentID(binary.BigEndian.Uint32(k[8:12]))
}

func (k key) less(other key) bool {
	for i := 0; i < keySize; i++ {
		if k[i] != other[i] {
			return k[i] < other[i]
		}
	}
	return false
}

// sealPage stamps the page header and checksum into a PageSize buffer
// whose payload is already filled.
func sealPage(buf []byte, typ byte, count uint16, tick uint32) {
	buf[0] = typ
	buf[1] = 0
	binary.LittleEndian.PutUint16(buf[2:4], count)
	binary.LittleEndian.PutUint32(buf[4:8], tick)
	sum := xxhash.Sum64(buf[pageHeaderSize:])
	binary.LittleEndian.PutUint64(buf[8:16], sum)
}

// checkPage validates a page's checksum and returns its type and entry
// count. A mismatch means a torn write; the affected tick is rejected.
func checkPage(buf []byte) (typ byte, count uint16, tick uint32, err error) {
	if len(buf) != PageSize {
		return 0, 0, 0, fmt.Errorf("store: short page read (%d bytes): %w", len(buf), ErrIntegrity)
	}
	want := binary.LittleEndian.Uint64(buf[8:16])
	if got := xxhash.Sum64(buf[pageHeaderSize:]); got != want {
		return 0, 0, 0, fmt.Errorf("store: page checksum mismatch: %w", ErrIntegrity)
	}
	return buf[0], binary.LittleEndian.Uint16(buf[2:4]), binary.LittleEndian.Uint32(buf[4:8]), nil
}

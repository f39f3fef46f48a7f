package store

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// IndexEntry records one committed tick: the root page offset, the wall
// timestamp and the entity count at commit. Entries are strictly ordered
// by tick; entry N's root subsumes all writes through tick N. Tick 0 is
// the genesis root.
type IndexEntry struct {
	Tick        uint64
	Root        uint64
	TimeNano    int64
	EntityCount uint64
}

const indexEntrySize = 40 // 4×8 payload + 8 checksum

func (e IndexEntry) encode() []byte {
	buf := make([]byte, indexEntrySize)
	binary.LittleEndian.PutUint64(buf[0:8], e.Tick)
	binary.LittleEndian.PutUint64(buf[8:16], e.Root)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(e.TimeNano))
	binary.LittleEndian.PutUint64(buf[24:32], e.EntityCount)
	binary.LittleEndian.PutUint64(buf[32:40], xxhash.Sum64(buf[0:32]))
	return buf
}

func decodeIndexEntry(buf []byte) (IndexEntry, error) {
	var e IndexEntry
	if len(buf) < indexEntrySize {
		return e, fmt.Errorf("store: short index entry: %w", ErrIntegrity)
	}
	want := binary.LittleEndian.Uint64(buf[32:40])
	if xxhash.Sum64(buf[0:32]) != want {
		return e, fmt.Errorf("store: index entry checksum mismatch: %w", ErrIntegrity)
	}
	e.Tick = binary.LittleEndian.Uint64(buf[0:8])
	e.Root = binary.LittleEndian.Uint64(buf[8:16])
	e.TimeNano = int64(binary.LittleEndian.Uint64(buf[16:24]))
	e.EntityCount = binary.LittleEndian.Uint64(buf[24:32])
	return e, nil
}

// encodeIndexBlock lays out the tick-index entry stream followed by the
// 8-byte entry count and an 8-byte checksum over the stream.
func encodeIndexBlock(entries []IndexEntry) []byte {
	buf := make([]byte, 0, len(entries)*indexEntrySize+16)
	for _, e := range entries {
		buf = append(buf, e.encode()...)
	}
	stream := buf
	var tail [16]byte
	binary.LittleEndian.PutUint64(tail[0:8], uint64(len(entries)))
	binary.LittleEndian.PutUint64(tail[8:16], xxhash.Sum64(stream))
	return append(buf, tail[:]...)
}

// decodeIndexBlock validates the tail and returns the entries. When the
// stream checksum fails, entries are validated one by one and the usable
// history is truncated to the last good one.
func decodeIndexBlock(buf []byte, count uint64) ([]IndexEntry, bool, error) {
	need := int(count)*indexEntrySize + 16
	if len(buf) < need {
		return nil, false, fmt.Errorf("store: truncated index block: %w", ErrIntegrity)
	}
	stream := buf[:int(count)*indexEntrySize]
	storedCount := binary.LittleEndian.Uint64(buf[len(stream) : len(stream)+8])
	storedSum := binary.LittleEndian.Uint64(buf[len(stream)+8 : len(stream)+16])
	clean := storedCount == count && xxhash.Sum64(stream) == storedSum

	entries := make([]IndexEntry, 0, count)
	for i := 0; i < int(count); i++ {
		e, err := decodeIndexEntry(stream[i*indexEntrySize:])
		if err != nil {
			// Truncate history at the first corrupt entry.
			return entries, false, nil
		}
		if len(entries) > 0 && e.Tick <= entries[len(entries)-1].Tick {
			return entries, false, nil
		}
		entries = append(entries, e)
	}
	return entries, clean, nil
}

func putUint64(b []byte, v uint64) { binary.LittleEndian.PutUint64(b, v) }
func putUint32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }
func getUint64(b []byte) uint64    { return binary.LittleEndian.Uint64(b) }
func getUint32(b []byte) uint32    { return binary.LittleEndian.Uint32(b) }

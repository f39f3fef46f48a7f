package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/rgbmc/server/internal/core/ecs"
	"go.uber.org/zap"
)

const (
	fileMagic     = "RGB\x00"
	formatVersion = 1
	headerSize    = 64
)

// Store is the versioned world store. It is exclusively written from the
// Post phase; historical reads capture a root offset and proceed without
// locks because sealed pages are immutable.
type Store struct {
	f    *os.File
	path string
	log  *zap.Logger
	id   uuid.UUID

	index    []IndexEntry
	baseRoot uint64 // root the next commit branches from
	tail     uint64 // next page-aligned append offset

	syncEveryTick bool
}

// Open opens or creates the store file. On open the tail tick index is
// validated; corrupt entries truncate the usable history to the last good
// one, and the world resumes from that tick.
func Open(path string, syncEveryTick bool, log *zap.Logger) (*Store, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	s := &Store{
		f:             f,
		path:          path,
		log:           log,
		syncEveryTick: syncEveryTick,
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat store: %w", err)
	}
	if fi.Size() == 0 {
		if err := s.initNew(); err != nil {
			f.Close()
			return nil, err
		}
		return s, nil
	}
	if err := s.recover(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initNew() error {
	s.id = uuid.New()
	s.index = []IndexEntry{{Tick: 0, Root: 0, TimeNano: time.Now().UnixNano()}}
	s.tail = PageSize
	indexOff := s.tail
	block := encodeIndexBlock(s.index)
	if _, err := s.f.WriteAt(block, int64(indexOff)); err != nil {
		return fmt.Errorf("write genesis index: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("sync genesis index: %w", err)
	}
	if err := s.writeHeader(indexOff, uint64(len(s.index))); err != nil {
		return err
	}
	s.tail = alignPage(indexOff + uint64(len(block)))
	s.log.Info("created world store",
		zap.String("path", s.path),
		zap.String("id", s.id.String()))
	return nil
}

func (s *Store) writeHeader(indexOff, indexCount uint64) error {
	buf := make([]byte, headerSize)
	copy(buf[0:4], fileMagic)
	binary.LittleEndian.PutUint32(buf[4:8], formatVersion)
	binary.LittleEndian.PutUint32(buf[8:12], PageSize)
	binary.LittleEndian.PutUint64(buf[16:24], indexOff)
	binary.LittleEndian.PutUint64(buf[24:32], indexCount)
	copy(buf[32:48], s.id[:])
	binary.LittleEndian.PutUint64(buf[56:64], xxhash.Sum64(buf[0:56]))
	if _, err := s.f.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("sync header: %w", err)
	}
	return nil
}

func (s *Store) recover() error {
	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(io.NewSectionReader(s.f, 0, headerSize), buf); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	if string(buf[0:4]) != fileMagic {
		return fmt.Errorf("store: bad magic: %w", ErrIntegrity)
	}
	if v := binary.LittleEndian.Uint32(buf[4:8]); v != formatVersion {
		return fmt.Errorf("store: unsupported format version %d", v)
	}
	if ps := binary.LittleEndian.Uint32(buf[8:12]); ps != PageSize {
		return fmt.Errorf("store: unsupported page size %d", ps)
	}
	if want := binary.LittleEndian.Uint64(buf[56:64]); xxhash.Sum64(buf[0:56]) != want {
		return fmt.Errorf("store: header checksum mismatch: %w", ErrIntegrity)
	}
	indexOff := binary.LittleEndian.Uint64(buf[16:24])
	indexCount := binary.LittleEndian.Uint64(buf[24:32])
	copy(s.id[:], buf[32:48])

	blockLen := int(indexCount)*indexEntrySize + 16
	block := make([]byte, blockLen)
	if _, err := io.ReadFull(io.NewSectionReader(s.f, int64(indexOff), int64(blockLen)), block); err != nil {
		return fmt.Errorf("read tick index: %w", err)
	}
	entries, clean, err := decodeIndexBlock(block, indexCount)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("store: empty tick index: %w", ErrIntegrity)
	}
	if !clean {
		s.log.Warn("tick index corrupt, truncating history",
			zap.Uint64("last_good_tick", entries[len(entries)-1].Tick))
	}

	// Reject trailing ticks whose root page took a torn write.
	for len(entries) > 1 {
		last := entries[len(entries)-1]
		if last.Root == 0 {
			break
		}
		page, err := s.readPage(last.Root)
		if err == nil {
			if _, _, _, err = checkPage(page); err == nil {
				break
			}
		}
		s.log.Warn("rejecting tick with unreadable root",
			zap.Uint64("tick", last.Tick),
			zap.Uint64("root", last.Root))
		entries = entries[:len(entries)-1]
	}

	s.index = entries
	s.baseRoot = entries[len(entries)-1].Root
	s.tail = alignPage(indexOff + uint64(blockLen))
	s.log.Info("opened world store",
		zap.String("path", s.path),
		zap.Uint64("latest_tick", s.LatestTick()),
		zap.Int("ticks", len(entries)))
	return nil
}

func (s *Store) Close() error {
	return s.f.Close()
}

// ID returns the store file's identity.
func (s *Store) ID() uuid.UUID { return s.id }

// LatestTick returns the newest committed tick.
func (s *Store) LatestTick() uint64 {
	return s.index[len(s.index)-1].Tick
}

// CurrentRoot returns the root the next commit will branch from.
func (s *Store) CurrentRoot() uint64 { return s.baseRoot }

// Entries returns a copy of the tick index.
func (s *Store) Entries() []IndexEntry {
	return append([]IndexEntry(nil), s.index...)
}

// pager implementation

func (s *Store) readPage(off uint64) ([]byte, error) {
	if off == 0 || off%PageSize != 0 {
		return nil, fmt.Errorf("store: invalid page offset %d: %w", off, ErrIntegrity)
	}
	buf := make([]byte, PageSize)
	if _, err := s.f.ReadAt(buf, int64(off)); err != nil {
		return nil, fmt.Errorf("read page at %d: %w", off, err)
	}
	return buf, nil
}

func (s *Store) appendPage(buf []byte) (uint64, error) {
	off := s.tail
	if _, err := s.f.WriteAt(buf, int64(off)); err != nil {
		return 0, fmt.Errorf("append page: %w", err)
	}
	s.tail += PageSize
	return off, nil
}

// Commit writes a tick's sorted change batch, copying only the pages along
// affected paths, and returns the tick and new root offset. Ordering:
// pages first, then a fresh index block, then the header pointer — a crash
// before the header update leaves the previous tick current and the new
// pages orphaned for compaction to reclaim.
func (s *Store) Commit(changes []ecs.Change, entityCount int) (uint64, uint64, error) {
	tick := s.LatestTick() + 1
	tx := newTreeTx(s, s.baseRoot, uint32(tick))
	for _, ch := range changes {
		k := makeKey(ch.E, ch.Comp)
		if ch.Removed {
			if err := tx.delete(k); err != nil {
				return 0, 0, err
			}
		} else {
			if err := tx.insert(k, ch.Bytes); err != nil {
				return 0, 0, err
			}
		}
	}
	root, err := tx.write()
	if err != nil {
		return 0, 0, err
	}
	if s.syncEveryTick {
		if err := s.f.Sync(); err != nil {
			return 0, 0, fmt.Errorf("sync pages: %w", err)
		}
	}

	entry := IndexEntry{
		Tick:        tick,
		Root:        root,
		TimeNano:    time.Now().UnixNano(),
		EntityCount: uint64(entityCount),
	}
	newIndex := append(s.index, entry)
	indexOff := s.tail
	block := encodeIndexBlock(newIndex)
	if _, err := s.f.WriteAt(block, int64(indexOff)); err != nil {
		return 0, 0, fmt.Errorf("write tick index: %w", err)
	}
	if s.syncEveryTick {
		if err := s.f.Sync(); err != nil {
			return 0, 0, fmt.Errorf("sync tick index: %w", err)
		}
	}
	if err := s.writeHeader(indexOff, uint64(len(newIndex))); err != nil {
		return 0, 0, err
	}

	s.index = newIndex
	s.baseRoot = root
	s.tail = alignPage(indexOff + uint64(len(block)))
	return tick, root, nil
}

// Root returns the root offset recorded for a tick.
func (s *Store) Root(tick uint64) (uint64, bool) {
	i := sort.Search(len(s.index), func(i int) bool { return s.index[i].Tick >= tick })
	if i >= len(s.index) || s.index[i].Tick != tick {
		return 0, false
	}
	return s.index[i].Root, true
}

// GetAt reads one (entity, component) value as of a committed tick. The
// boolean is false when the key was absent at that tick; an
// ErrTickOutOfRange error means the tick itself is unknown.
func (s *Store) GetAt(tick uint64, e ecs.Entity, c ecs.ComponentID) ([]byte, bool, error) {
	root, ok := s.Root(tick)
	if !ok {
		return nil, false, fmt.Errorf("get_at tick %d: %w", tick, ErrTickOutOfRange)
	}
	return treeGet(s, root, makeKey(e, c))
}

// Snapshot range-scans the leaves of a historical root in key order.
func (s *Store) Snapshot(tick uint64) ([]ecs.RestoreEntry, error) {
	root, ok := s.Root(tick)
	if !ok {
		return nil, fmt.Errorf("snapshot tick %d: %w", tick, ErrTickOutOfRange)
	}
	var out []ecs.RestoreEntry
	err := treeScan(s, root, func(k key, val []byte) error {
		out = append(out, ecs.RestoreEntry{
			E:     k.entity(),
			Comp:  k.component(),
			Bytes: append([]byte(nil), val...),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Revert moves the current root pointer to a prior tick's root; subsequent
// commits branch from it under fresh tick numbers, so the index stays
// strictly ordered. History after the target stays readable until
// Truncate.
func (s *Store) Revert(tick uint64) error {
	root, ok := s.Root(tick)
	if !ok {
		return fmt.Errorf("revert to tick %d: %w", tick, ErrTickOutOfRange)
	}
	s.baseRoot = root
	s.log.Info("reverted store root", zap.Uint64("tick", tick), zap.Uint64("root", root))
	return nil
}

// Truncate drops tick-index entries after the target in addition to
// reverting. Orphaned pages are reclaimed by the next Compact.
func (s *Store) Truncate(tick uint64) error {
	i := sort.Search(len(s.index), func(i int) bool { return s.index[i].Tick >= tick })
	if i >= len(s.index) || s.index[i].Tick != tick {
		return fmt.Errorf("truncate to tick %d: %w", tick, ErrTickOutOfRange)
	}
	newIndex := append([]IndexEntry(nil), s.index[:i+1]...)
	indexOff := s.tail
	block := encodeIndexBlock(newIndex)
	if _, err := s.f.WriteAt(block, int64(indexOff)); err != nil {
		return fmt.Errorf("write truncated index: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("sync truncated index: %w", err)
	}
	if err := s.writeHeader(indexOff, uint64(len(newIndex))); err != nil {
		return err
	}
	s.index = newIndex
	s.baseRoot = newIndex[len(newIndex)-1].Root
	s.tail = alignPage(indexOff + uint64(len(block)))
	return nil
}

// Compact rewrites the store into a fresh file, retaining every Nth root
// at or before beforeTick and every root after it, dropping pages no
// surviving root references. Shared pages are copied once, preserving
// copy-on-write sharing.
func (s *Store) Compact(beforeTick uint64, keepEveryN int) error {
	if keepEveryN < 1 {
		keepEveryN = 1
	}
	var kept []IndexEntry
	for i, e := range s.index {
		if e.Tick > beforeTick || i%keepEveryN == 0 || i == len(s.index)-1 {
			kept = append(kept, e)
		}
	}

	tmpPath := s.path + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create compact file: %w", err)
	}
	fail := func(err error) error {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}

	out := &fileAppender{f: tmp, tail: PageSize}
	remap := make(map[uint64]uint64)
	for i := range kept {
		newRoot, err := s.copyTree(out, kept[i].Root, remap)
		if err != nil {
			return fail(fmt.Errorf("compact tick %d: %w", kept[i].Tick, err))
		}
		kept[i].Root = newRoot
	}

	indexOff := out.tail
	block := encodeIndexBlock(kept)
	if _, err := tmp.WriteAt(block, int64(indexOff)); err != nil {
		return fail(fmt.Errorf("write compact index: %w", err))
	}
	hdr := make([]byte, headerSize)
	copy(hdr[0:4], fileMagic)
	binary.LittleEndian.PutUint32(hdr[4:8], formatVersion)
	binary.LittleEndian.PutUint32(hdr[8:12], PageSize)
	binary.LittleEndian.PutUint64(hdr[16:24], indexOff)
	binary.LittleEndian.PutUint64(hdr[24:32], uint64(len(kept)))
	copy(hdr[32:48], s.id[:])
	binary.LittleEndian.PutUint64(hdr[56:64], xxhash.Sum64(hdr[0:56]))
	if _, err := tmp.WriteAt(hdr, 0); err != nil {
		return fail(fmt.Errorf("write compact header: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		return fail(fmt.Errorf("sync compact file: %w", err))
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fail(fmt.Errorf("swap compact file: %w", err))
	}
	old := s.f
	s.f = tmp
	old.Close()
	s.index = kept
	s.baseRoot = kept[len(kept)-1].Root
	s.tail = alignPage(indexOff + uint64(len(block)))
	s.log.Info("compacted store",
		zap.Int("kept_ticks", len(kept)),
		zap.Uint64("bytes", s.tail))
	return nil
}

// copyTree copies every page reachable from root into out, rewriting
// child offsets. The remap memo keeps pages shared across roots shared in
// the new file.
func (s *Store) copyTree(out *fileAppender, root uint64, remap map[uint64]uint64) (uint64, error) {
	if root == 0 {
		return 0, nil
	}
	if newOff, ok := remap[root]; ok {
		return newOff, nil
	}
	buf, err := s.readPage(root)
	if err != nil {
		return 0, err
	}
	typ, _, tick, err := checkPage(buf)
	if err != nil {
		return 0, err
	}
	switch typ {
	case pageOverflow:
		next := getUint64(buf[pageHeaderSize:])
		newNext, err := s.copyTree(out, next, remap)
		if err != nil {
			return 0, err
		}
		nb := append([]byte(nil), buf...)
		putUint64(nb[pageHeaderSize:], newNext)
		sealPage(nb, pageOverflow, 0, tick)
		newOff, err := out.appendPage(nb)
		if err != nil {
			return 0, err
		}
		remap[root] = newOff
		return newOff, nil
	case pageLeaf:
		n, err := decodeNode(buf)
		if err != nil {
			return 0, err
		}
		for i := range n.entries {
			e := &n.entries[i]
			if e.isOverflow {
				newOv, err := s.copyTree(out, e.overflowOff, remap)
				if err != nil {
					return 0, err
				}
				e.overflowOff = newOv
			}
		}
		nb, err := n.encodeLeaf(tick, func([]byte) (uint64, uint32, error) {
			return 0, 0, errors.New("store: unexpected spill during compaction")
		})
		if err != nil {
			return 0, err
		}
		newOff, err := out.appendPage(nb)
		if err != nil {
			return 0, err
		}
		remap[root] = newOff
		return newOff, nil
	case pageInternal:
		n, err := decodeNode(buf)
		if err != nil {
			return 0, err
		}
		for i := range n.children {
			newChild, err := s.copyTree(out, n.children[i].off, remap)
			if err != nil {
				return 0, err
			}
			n.children[i] = childRef{off: newChild}
		}
		newOff, err := out.appendPage(n.encodeInternal(tick))
		if err != nil {
			return 0, err
		}
		remap[root] = newOff
		return newOff, nil
	default:
		return 0, fmt.Errorf("store: unexpected page type %d during compaction: %w", typ, ErrIntegrity)
	}
}

type fileAppender struct {
	f    *os.File
	tail uint64
}

func (a *fileAppender) readPage(off uint64) ([]byte, error) {
	buf := make([]byte, PageSize)
	if _, err := a.f.ReadAt(buf, int64(off)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (a *fileAppender) appendPage(buf []byte) (uint64, error) {
	off := a.tail
	if _, err := a.f.WriteAt(buf, int64(off)); err != nil {
		return 0, err
	}
	a.tail += PageSize
	return off, nil
}

func alignPage(off uint64) uint64 {
	return (off + PageSize - 1) / PageSize * PageSize
}

// BytesAppended reports the current tail, i.e. total file bytes in use.
func (s *Store) BytesAppended() uint64 { return s.tail }

package kvstore

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

// growthIncrement is the step size a value table file grows by once a
// write needs room beyond its current physical size (spec.md section 4.1,
// "Failure semantics": "Physical file growth is lazy: grow() extends
// capacity in 256 KiB increments").
const growthIncrement = 256 << 10

// ValueTable is the slab allocator for one size tier of one column: a
// file of fixed entrySize-byte slots, slot 0 reserved for the header,
// addressed by 0-based slot index (spec.md section 3, "Value table").
type ValueTable struct {
	id         ValueTableID
	path       string
	entrySize  uint16
	multipart  bool
	refCounted bool
	dbVersion  uint32

	fileMu sync.Mutex // guards file growth and the handle
	file   *os.File

	filled      atomic.Uint64
	lastRemoved atomic.Uint64
	dirtyHeader atomic.Bool
	dirty       atomic.Bool
}

// OpenValueTable opens or creates the value table file for id in dir.
// entrySize is that tier's fixed slot size; multipart marks the single
// top tier whose entries chain across slots; refCounted mirrors the
// owning column's configuration. dbVersion governs which historical slot
// discriminants readers must also recognize (spec.md section 6).
func OpenValueTable(dir string, id ValueTableID, entrySize uint16, multipart, refCounted bool, dbVersion uint32) (*ValueTable, error) {
	if entrySize < MinEntrySize || entrySize > MaxEntrySize {
		return nil, fmt.Errorf("kvstore: %s: entry size %d out of bounds [%d,%d]", id.FileName(), entrySize, MinEntrySize, MaxEntrySize)
	}
	path := filepath.Join(dir, id.FileName())
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("kvstore: opening %s: %w", path, err)
	}
	vt := &ValueTable{
		id:         id,
		path:       path,
		entrySize:  entrySize,
		multipart:  multipart,
		refCounted: refCounted,
		dbVersion:  dbVersion,
		file:       f,
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("kvstore: stat %s: %w", path, err)
	}
	if fi.Size() == 0 {
		if err := vt.growLocked(int64(entrySize)); err != nil {
			f.Close()
			return nil, err
		}
		vt.filled.Store(1)
		vt.lastRemoved.Store(0)
		buf := make([]byte, headerSize)
		tableHeader{lastRemoved: 0, filled: 1}.encode(buf)
		if _, err := f.WriteAt(buf, 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("kvstore: writing header of %s: %w", path, err)
		}
	} else {
		// A crash during grow() can leave a short trailing partial slot;
		// trim it so slot arithmetic stays exact.
		if rem := fi.Size() % int64(entrySize); rem != 0 {
			if err := f.Truncate(fi.Size() - rem); err != nil {
				f.Close()
				return nil, fmt.Errorf("kvstore: trimming %s: %w", path, err)
			}
		}
		if err := vt.RefreshMetadata(); err != nil {
			f.Close()
			return nil, err
		}
	}
	return vt, nil
}

// ID returns the table's identity.
func (vt *ValueTable) ID() ValueTableID { return vt.id }

// EntrySize returns the fixed slot size of this tier.
func (vt *ValueTable) EntrySize() uint16 { return vt.entrySize }

// SingleSlotCapacity is the largest payload a value of this tier can hold
// without chaining, used by Column to pick the smallest tier that fits a
// given value.
func (vt *ValueTable) SingleSlotCapacity() int {
	cap := int(vt.entrySize) - sizeSize - PartialKeySize
	if vt.refCounted {
		cap -= refsSize
	}
	if cap < 0 {
		return 0
	}
	return cap
}

// Filled returns the current high-water mark (spec.md invariant 2).
func (vt *ValueTable) Filled() uint64 { return vt.filled.Load() }

// LastRemoved returns the head of the free list (spec.md invariant 3).
func (vt *ValueTable) LastRemoved() uint64 { return vt.lastRemoved.Load() }

func (vt *ValueTable) growLocked(minSize int64) error {
	vt.fileMu.Lock()
	defer vt.fileMu.Unlock()
	fi, err := vt.file.Stat()
	if err != nil {
		return fmt.Errorf("kvstore: stat %s: %w", vt.path, err)
	}
	if fi.Size() >= minSize {
		return nil
	}
	newSize := fi.Size()
	for newSize < minSize {
		newSize += growthIncrement
	}
	if err := vt.file.Truncate(newSize); err != nil {
		return fmt.Errorf("kvstore: growing %s to %d: %w", vt.path, newSize, err)
	}
	return nil
}

func (vt *ValueTable) readSlotInto(index uint64, log LogQuery, buf []byte) error {
	if log != nil && log.Value(vt.id, index, buf) {
		return nil
	}
	off := int64(index) * int64(vt.entrySize)
	n, err := vt.file.ReadAt(buf, off)
	if err != nil && n < len(buf) {
		// A slot at or beyond filled that was never enacted reads as
		// all-zero, which decodes as a complete entry of size 0 — never
		// mistaken for a tombstone or multipart tag. Short reads past
		// EOF are zero-filled the same way a freshly grown file would
		// read.
		for i := n; i < len(buf); i++ {
			buf[i] = 0
		}
		return nil
	}
	return err
}

// --- key-query plumbing shared by Get/Size/PartialKeyAt/HasKeyAt -------

type queryMode int

const (
	queryNone queryMode = iota
	queryFetch
	queryCheck
)

type keyQuery struct {
	mode    queryMode
	check   Key
	fetched PartialKey
}

// walkChain is the shared traversal used by Get, Size, PartialKeyAt and
// HasKeyAt, mirroring original_source/src/table.rs's for_parts: it reads
// the head slot's refcount and partial key once, confirms or fetches the
// key, then streams payload fragments to f until the chain ends or f asks
// to stop.
func (vt *ValueTable) walkChain(q *keyQuery, index uint64, log LogQuery, f func(fragment []byte) bool) (rc uint32, compressed bool, matched bool, err error) {
	rc = 1
	part := 0
	buf := make([]byte, vt.entrySize)
	for {
		if err := vt.readSlotInto(index, log, buf); err != nil {
			return 0, false, false, err
		}
		tag := readTag(buf)
		kind := classifySlot(tag, vt.dbVersion)
		if kind == slotTombstone {
			return 0, false, false, nil
		}

		var cursor, entryEnd int
		var next uint64
		switch kind {
		case slotMultipartHead, slotMultipartContinuation:
			if !vt.multipart {
				return 0, false, false, fmt.Errorf("%w: %s: multipart tag in non-multipart tier", ErrInvalidEntry, vt.id.FileName())
			}
			next = readU64(buf[sizeSize : sizeSize+indexU64])
			cursor = sizeSize + indexU64
			entryEnd = int(vt.entrySize)
		default:
			size, comp := decodeSize(tag)
			compressed = comp
			cursor = sizeSize
			entryEnd = cursor + int(size)
			if entryEnd > int(vt.entrySize) {
				return 0, false, false, fmt.Errorf("%w: %s: slot %d size %d exceeds entry size", ErrInvalidEntry, vt.id.FileName(), index, size)
			}
			next = 0
		}

		if part == 0 {
			if vt.refCounted {
				rc = readU32(buf[cursor:])
				cursor += refsSize
			}
			partial := readPartialKey(buf[cursor:])
			cursor += PartialKeySize
			switch q.mode {
			case queryFetch:
				q.fetched = partial
			case queryCheck:
				if !q.check.matches(partial) {
					return 0, false, false, nil
				}
			}
		}

		if cursor > entryEnd {
			return 0, false, false, fmt.Errorf("%w: %s: slot %d header overruns entry", ErrInvalidEntry, vt.id.FileName(), index)
		}
		if !f(buf[cursor:entryEnd]) {
			return rc, compressed, true, nil
		}
		if next == 0 {
			return rc, compressed, true, nil
		}
		part++
		index = next
	}
}

// Get reads the chain at index, verifying it belongs to key, and returns
// the reconstructed value and its compression flag.
func (vt *ValueTable) Get(key Key, index uint64, log LogQuery) (value []byte, compressed bool, ok bool, err error) {
	var buf bytes.Buffer
	_, compressed, matched, err := vt.walkChain(&keyQuery{mode: queryCheck, check: key}, index, log, func(frag []byte) bool {
		buf.Write(frag)
		return true
	})
	if err != nil || !matched {
		return nil, false, false, err
	}
	return buf.Bytes(), compressed, true, nil
}

// Size traverses the chain accumulating length only.
func (vt *ValueTable) Size(key Key, index uint64, log LogQuery) (length int, compressed bool, ok bool, err error) {
	_, compressed, matched, err := vt.walkChain(&keyQuery{mode: queryCheck, check: key}, index, log, func(frag []byte) bool {
		length += len(frag)
		return true
	})
	if err != nil || !matched {
		return 0, false, false, err
	}
	return length, compressed, true, nil
}

// PartialKeyAt reads only the head slot's partial key, without verifying
// it against any particular key.
func (vt *ValueTable) PartialKeyAt(index uint64, log LogQuery) (PartialKey, bool, error) {
	q := &keyQuery{mode: queryFetch}
	_, _, matched, err := vt.walkChain(q, index, log, func(frag []byte) bool { return false })
	if err != nil || !matched {
		return PartialKey{}, false, err
	}
	return q.fetched, true, nil
}

// HasKeyAt confirms key's partial key matches the head slot at index
// without reading any payload.
func (vt *ValueTable) HasKeyAt(index uint64, key Key, log LogQuery) (bool, error) {
	_, _, matched, err := vt.walkChain(&keyQuery{mode: queryCheck, check: key}, index, log, func(frag []byte) bool { return false })
	return matched, err
}

// --- free list -----------------------------------------------------------

// readNextFree reads the next_removed pointer out of the tombstone at
// index.
func (vt *ValueTable) readNextFree(index uint64, log LogQuery) (uint64, error) {
	buf := make([]byte, vt.entrySize)
	if err := vt.readSlotInto(index, log, buf); err != nil {
		return 0, err
	}
	return readU64(buf[sizeSize : sizeSize+indexU64]), nil
}

// readNextPart reads the next-slot pointer of a multipart slot at index,
// reporting ok=false when the slot is a chain terminal (complete entry).
func (vt *ValueTable) readNextPart(index uint64, log LogQuery) (next uint64, ok bool, err error) {
	buf := make([]byte, vt.entrySize)
	if err := vt.readSlotInto(index, log, buf); err != nil {
		return 0, false, err
	}
	kind := classifySlot(readTag(buf), vt.dbVersion)
	if kind != slotMultipartHead && kind != slotMultipartContinuation {
		return 0, false, nil
	}
	return readU64(buf[sizeSize : sizeSize+indexU64]), true, nil
}

// nextFree pops a slot off the free list, or extends the high-water mark
// if the list is empty, per spec.md section 4.1 "Free-list discipline".
func (vt *ValueTable) nextFree(log LogQuery) (uint64, error) {
	lastRemoved := vt.lastRemoved.Load()
	if lastRemoved != 0 {
		next, err := vt.readNextFree(lastRemoved, log)
		if err != nil {
			return 0, err
		}
		vt.lastRemoved.Store(next)
		vt.dirtyHeader.Store(true)
		return lastRemoved, nil
	}
	filled := vt.filled.Load()
	vt.filled.Store(filled + 1)
	vt.dirtyHeader.Store(true)
	return filled, nil
}

func (vt *ValueTable) clearSlot(index uint64, log LogWriter) {
	buf := make([]byte, sizeSize+indexU64)
	writeTombstoneTag(buf)
	writeU64(buf[sizeSize:], vt.lastRemoved.Load())
	log.InsertValue(vt.id, index, buf)
	vt.lastRemoved.Store(index)
	vt.dirtyHeader.Store(true)
}

func (vt *ValueTable) clearChain(index uint64, log LogWriter) error {
	for {
		next, ok, err := vt.readNextPart(index, log)
		if err != nil {
			return err
		}
		vt.clearSlot(index, log)
		if !ok {
			return nil
		}
		index = next
	}
}

// --- writes ----------------------------------------------------------------

// overwriteChain is the chain write algorithm from spec.md section 4.1.
// If at is non-nil, the chain rooted there is reused in place (extending
// or truncating as needed); otherwise a fresh chain is allocated.
func (vt *ValueTable) overwriteChain(key Key, value []byte, log LogWriter, at *uint64, compressed bool) (uint64, error) {
	refSize := 0
	if vt.refCounted {
		refSize = refsSize
	}
	remainder := len(value) + refSize + PartialKeySize
	offset := 0
	start := uint64(0)

	var index uint64
	var follow bool
	if at != nil {
		index, follow = *at, true
	} else {
		idx, err := vt.nextFree(log)
		if err != nil {
			return 0, err
		}
		index = idx
	}

	for {
		var nextIndex uint64
		if follow {
			n, ok, err := vt.readNextPart(index, log)
			if err != nil {
				return 0, err
			}
			if ok {
				nextIndex = n
			} else {
				follow = false
			}
		}

		buf := make([]byte, vt.entrySize)
		freeSpace := int(vt.entrySize) - sizeSize
		var cursor, valueLen int
		if remainder > freeSpace {
			if !follow {
				n, err := vt.nextFree(log)
				if err != nil {
					return 0, err
				}
				nextIndex = n
			}
			if offset == 0 {
				writeMultipartHeadTag(buf)
			} else {
				writeMultipartContinuationTag(buf)
			}
			writeU64(buf[sizeSize:], nextIndex)
			cursor = sizeSize + indexU64
			valueLen = freeSpace - indexU64
		} else {
			// nextIndex keeps any link left over from a reused chain, so
			// the dangling tail is cleared below.
			writeSize(buf, uint16(remainder), compressed)
			cursor = sizeSize
			valueLen = remainder
		}

		initCursor := cursor
		if offset == 0 {
			if vt.refCounted {
				writeU32(buf[cursor:], 1)
				cursor += refsSize
			}
			writePartialKey(buf[cursor:], key.Partial())
			cursor += PartialKeySize
		}
		written := cursor - initCursor
		payloadLen := valueLen - written
		copy(buf[cursor:cursor+payloadLen], value[offset:offset+payloadLen])
		log.InsertValue(vt.id, index, buf[:cursor+payloadLen])

		offset += payloadLen
		remainder -= valueLen
		if start == 0 {
			start = index
		}
		index = nextIndex
		if remainder == 0 {
			if index != 0 {
				if err := vt.clearChain(index, log); err != nil {
					return 0, err
				}
			}
			break
		}
	}
	return start, nil
}

// WriteInsertPlan allocates a fresh chain for (key, value) and plans its
// contents into log, returning the head slot.
func (vt *ValueTable) WriteInsertPlan(key Key, value []byte, log LogWriter, compressed bool) (uint64, error) {
	return vt.overwriteChain(key, value, log, nil, compressed)
}

// WriteReplacePlan overwrites the chain rooted at index in place.
func (vt *ValueTable) WriteReplacePlan(index uint64, key Key, value []byte, log LogWriter, compressed bool) error {
	_, err := vt.overwriteChain(key, value, log, &index, compressed)
	return err
}

// WriteRemovePlan clears the chain rooted at index.
func (vt *ValueTable) WriteRemovePlan(index uint64, log LogWriter) error {
	cur := index
	for {
		next, ok, err := vt.readNextPart(cur, log)
		if err != nil {
			return err
		}
		vt.clearSlot(cur, log)
		if !ok {
			return nil
		}
		cur = next
	}
}

// changeRef mutates the refcount word of the chain head at index by
// delta, clamping at LockedRef (which never decreases) and saturating at
// zero. A decrement that reaches zero removes the chain.
func (vt *ValueTable) changeRef(index uint64, log LogWriter, delta int32) (stillLive bool, err error) {
	buf := make([]byte, vt.entrySize)
	if err := vt.readSlotInto(index, log, buf); err != nil {
		return false, err
	}
	kind := classifySlot(readTag(buf), vt.dbVersion)
	if kind == slotTombstone {
		return false, nil
	}
	rcOffset := sizeSize
	if kind == slotMultipartHead {
		rcOffset = sizeSize + indexU64
	}
	rc := readU32(buf[rcOffset:])
	switch {
	case rc == LockedRef:
		// Locked entries never change.
	case delta > 0:
		if uint32(delta) >= LockedRef-rc {
			rc = LockedRef
		} else {
			rc += uint32(delta)
		}
	case delta < 0:
		d := uint32(-delta)
		if rc <= d {
			rc = 0
		} else {
			rc -= d
		}
	}
	writeU32(buf[rcOffset:], rc)
	log.InsertValue(vt.id, index, buf)
	if rc == 0 {
		return false, vt.WriteRemovePlan(index, log)
	}
	return true, nil
}

// WriteIncRef increments the refcount of the chain head at index.
func (vt *ValueTable) WriteIncRef(index uint64, log LogWriter) error {
	_, err := vt.changeRef(index, log, 1)
	return err
}

// WriteDecRef decrements the refcount of the chain head at index,
// reporting whether the entry is still live afterwards.
func (vt *ValueTable) WriteDecRef(index uint64, log LogWriter) (bool, error) {
	return vt.changeRef(index, log, -1)
}

// --- plan enactment / completion -----------------------------------------

// EnactPlan pulls bytes (already extracted from a replayed LogAction) into
// the file at index*entrySize. index == 0 replaces the header.
func (vt *ValueTable) EnactPlan(index uint64, data []byte) error {
	off := int64(index) * int64(vt.entrySize)
	if err := vt.growLocked(off + int64(len(data))); err != nil {
		return err
	}
	if _, err := vt.file.WriteAt(data, off); err != nil {
		return fmt.Errorf("kvstore: enacting %s slot %d: %w", vt.id.FileName(), index, err)
	}
	vt.dirty.Store(true)
	if index == 0 {
		if err := vt.RefreshMetadata(); err != nil {
			return err
		}
	}
	return nil
}

// ValidatePlan bounds-checks a slot record without writing, for the WAL's
// record-validation replay pass.
func (vt *ValueTable) ValidatePlan(index uint64, data []byte) error {
	if index == 0 {
		if len(data) != headerSize {
			return fmt.Errorf("%w: %s: header record has %d bytes, want %d", ErrCorruption, vt.id.FileName(), len(data), headerSize)
		}
		return nil
	}
	if len(data) > int(vt.entrySize) {
		return fmt.Errorf("%w: %s: slot %d record of %d bytes exceeds entry size %d", ErrCorruption, vt.id.FileName(), index, len(data), vt.entrySize)
	}
	return nil
}

// RefreshMetadata re-reads the header from disk into the in-memory atomic
// fields.
func (vt *ValueTable) RefreshMetadata() error {
	buf := make([]byte, headerSize)
	if _, err := vt.file.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("kvstore: reading header of %s: %w", vt.path, err)
	}
	h := decodeHeader(buf)
	vt.filled.Store(h.filled)
	vt.lastRemoved.Store(h.lastRemoved)
	return nil
}

// CompletePlan emits an up-to-date header into log if allocations or
// frees happened since the last call, so a crash after insert but before
// flush still replays the correct header (spec.md section 4.1).
func (vt *ValueTable) CompletePlan(log LogWriter) error {
	if !vt.dirtyHeader.CompareAndSwap(true, false) {
		return nil
	}
	buf := make([]byte, headerSize)
	tableHeader{lastRemoved: vt.lastRemoved.Load(), filled: vt.filled.Load()}.encode(buf)
	log.InsertValue(vt.id, 0, buf)
	return nil
}

// Flush fsyncs the file if any writes were enacted since the last flush.
func (vt *ValueTable) Flush() error {
	if !vt.dirty.CompareAndSwap(true, false) {
		return nil
	}
	return fdatasync(vt.file)
}

// Close releases the underlying file handle.
func (vt *ValueTable) Close() error {
	return vt.file.Close()
}

// IterWhile scans slots 1..filled, yielding each live entry's head slot
// index, partial key, reconstructed value and compression flag to f until
// f returns false. Entries that fail to decode are skipped, per spec.md
// section 7 ("can legitimately occur when external indexes point into
// value tables").
func (vt *ValueTable) IterWhile(log LogQuery, f func(index uint64, partial PartialKey, value []byte, compressed bool) bool) error {
	filled := vt.filled.Load()
	// A chain's last slot carries a complete-entry tag; slots reached
	// through another slot's next pointer are never entry heads.
	members := make(map[uint64]bool)
	for i := uint64(1); i < filled; i++ {
		next, ok, err := vt.readNextPart(i, log)
		if err != nil {
			return err
		}
		if ok {
			members[next] = true
		}
	}
	for i := uint64(1); i < filled; i++ {
		buf := make([]byte, vt.entrySize)
		if err := vt.readSlotInto(i, log, buf); err != nil {
			return err
		}
		kind := classifySlot(readTag(buf), vt.dbVersion)
		if kind == slotTombstone || kind == slotMultipartContinuation || members[i] {
			continue
		}
		q := &keyQuery{mode: queryFetch}
		var value bytes.Buffer
		_, compressed, _, err := vt.walkChain(q, i, log, func(frag []byte) bool {
			value.Write(frag)
			return true
		})
		if err != nil {
			if isInvalidEntry(err) {
				continue
			}
			return err
		}
		if !f(i, q.fetched, value.Bytes(), compressed) {
			return nil
		}
	}
	return nil
}

func isInvalidEntry(err error) bool {
	for e := err; e != nil; {
		if e == ErrInvalidEntry {
			return true
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		e = u.Unwrap()
	}
	return false
}

package kvstore

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/edsrzf/mmap-go"
)

// Index table internals are left abstract by spec.md section 4.2 ("this
// spec focuses on coordination; implementers must provide..."); the
// layout below is this implementation's choice, documented in DESIGN.md.
//
// Each index file is an array of 2^bits fixed-size chunks, each holding
// entriesPerChunk slots. A slot is empty when its address word is zero —
// safe because a value table's slot 0 (the only location Address(0,0)
// could name) is always the header, never a real entry. Each slot also
// carries the key's full 48-bit prefix (Key.prefix, stored as a uint64) so Get can
// disambiguate between different keys that hash into the same chunk
// without consulting the value table; the rare case of two distinct keys
// sharing the entire 6-byte prefix is resolved one layer up, by Column's
// has_key_at confirmation against the value table's stored partial key.

const (
	entriesPerChunk = 8
	indexEntrySize  = 16 // [prefix: u64_le][address: u64_le]
	indexChunkSize  = entriesPerChunk * indexEntrySize
	indexFileHeader = 16 // reserved; currently unused beyond alignment
)

// PlanOutcome reports whether WriteInsertPlan could place the entry.
type PlanOutcome int

const (
	PlanWritten PlanOutcome = iota
	PlanNeedRebalance
)

// IndexEntry is a decoded, non-empty index slot, yielded by PlannedEntries
// and Entries.
type IndexEntry struct {
	Address Address
	prefix  uint64
}

// IndexTable maps a key's chunk index to a small fixed group of
// (prefix, address) slots.
type IndexTable struct {
	id   IndexTableID
	path string

	fileMu sync.Mutex
	file   *os.File

	totalEntries atomic.Int64
}

func indexFileSize(bits uint8) int64 {
	return indexFileHeader + (int64(1)<<uint(bits))*indexChunkSize
}

// OpenExistingIndexTable opens id's file if present, reporting ok=false
// without error if it does not exist.
func OpenExistingIndexTable(dir string, id IndexTableID) (it *IndexTable, ok bool, err error) {
	path := filepath.Join(dir, id.FileName())
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kvstore: opening %s: %w", path, err)
	}
	it = &IndexTable{id: id, path: path, file: f}
	if err := it.recount(); err != nil {
		f.Close()
		return nil, false, err
	}
	return it, true, nil
}

// CreateIndexTable creates and zero-initializes a fresh index file for id.
func CreateIndexTable(dir string, id IndexTableID) (*IndexTable, error) {
	path := filepath.Join(dir, id.FileName())
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("kvstore: creating %s: %w", path, err)
	}
	if err := f.Truncate(indexFileSize(id.Bits())); err != nil {
		f.Close()
		return nil, fmt.Errorf("kvstore: sizing %s: %w", path, err)
	}
	return &IndexTable{id: id, path: path, file: f}, nil
}

// ID returns the table's identity.
func (it *IndexTable) ID() IndexTableID { return it.id }

// IndexBits returns the bit width of this index.
func (it *IndexTable) IndexBits() uint8 { return it.id.Bits() }

// TotalChunks returns 2^bits.
func (it *IndexTable) TotalChunks() uint64 { return uint64(1) << uint(it.id.Bits()) }

// TotalEntries returns the live entry count, maintained incrementally
// since the last full recount at open.
func (it *IndexTable) TotalEntries() uint64 { return uint64(it.totalEntries.Load()) }

func chunkOffset(chunk uint64) int64 {
	return indexFileHeader + int64(chunk)*indexChunkSize
}

func (it *IndexTable) readChunk(chunk uint64, log LogQuery, buf []byte) error {
	if log != nil && log.IndexValue(it.id, chunk, buf) {
		return nil
	}
	n, err := it.file.ReadAt(buf, chunkOffset(chunk))
	if err != nil && n < len(buf) {
		for i := n; i < len(buf); i++ {
			buf[i] = 0
		}
		return nil
	}
	return err
}

func decodeIndexSlot(buf []byte) (prefix uint64, addr Address) {
	prefix = binary.LittleEndian.Uint64(buf[0:8])
	addr = Address(binary.LittleEndian.Uint64(buf[8:16]))
	return
}

func encodeIndexSlot(buf []byte, prefix uint64, addr Address) {
	binary.LittleEndian.PutUint64(buf[0:8], prefix)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(addr))
}

func (it *IndexTable) recount() error {
	fi, err := it.file.Stat()
	if err != nil {
		return err
	}
	total := (fi.Size() - indexFileHeader) / indexChunkSize
	var count int64
	buf := make([]byte, indexChunkSize)
	for c := int64(0); c < total; c++ {
		if _, err := it.file.ReadAt(buf, chunkOffset(uint64(c))); err != nil {
			break
		}
		for s := 0; s < entriesPerChunk; s++ {
			_, addr := decodeIndexSlot(buf[s*indexEntrySize:])
			if addr != 0 {
				count++
			}
		}
	}
	it.totalEntries.Store(count)
	return nil
}

// Get looks up key's address, first through log's overlay and falling
// back to the durable file.
func (it *IndexTable) Get(key Key, log LogQuery) (Address, bool, error) {
	chunk := key.chunkIndex(it.id.Bits())
	buf := make([]byte, indexChunkSize)
	if err := it.readChunk(chunk, log, buf); err != nil {
		return 0, false, err
	}
	prefix := key.prefix()
	for s := 0; s < entriesPerChunk; s++ {
		p, addr := decodeIndexSlot(buf[s*indexEntrySize:])
		if addr != 0 && p == prefix {
			return addr, true, nil
		}
	}
	return 0, false, nil
}

// GetPlanned is Get consulted against the same log record that may still
// be accumulating writes — used within Column.WritePlan's read-your-writes
// window (spec.md invariant 5); the implementation is identical, the
// separate name preserved from spec.md section 4.2 to mark the call site.
func (it *IndexTable) GetPlanned(key Key, log LogQuery) (Address, bool, error) {
	return it.Get(key, log)
}

// WriteInsertPlan places (key, addr) into key's home chunk. With overwrite
// set, an existing same-prefix slot is updated in place; otherwise, or
// when no such slot exists, the first empty slot is used. A chunk with no
// usable slot reports PlanNeedRebalance.
func (it *IndexTable) WriteInsertPlan(key Key, addr Address, log LogWriter, overwrite bool) (PlanOutcome, error) {
	chunk := key.chunkIndex(it.id.Bits())
	buf := make([]byte, indexChunkSize)
	if err := it.readChunk(chunk, log, buf); err != nil {
		return PlanNeedRebalance, err
	}
	prefix := key.prefix()

	target := -1
	firstEmpty := -1
	for s := 0; s < entriesPerChunk; s++ {
		p, a := decodeIndexSlot(buf[s*indexEntrySize:])
		if a == 0 {
			if firstEmpty < 0 {
				firstEmpty = s
			}
			continue
		}
		if overwrite && p == prefix {
			target = s
			break
		}
	}
	if target < 0 {
		if firstEmpty < 0 {
			return PlanNeedRebalance, nil
		}
		target = firstEmpty
	}

	encodeIndexSlot(buf[target*indexEntrySize:], prefix, addr)
	log.InsertIndex(it.id, chunk, append([]byte(nil), buf...))
	return PlanWritten, nil
}

// WriteRemovePlan clears key's entry, if present. Absence is a silent
// no-op.
func (it *IndexTable) WriteRemovePlan(key Key, log LogWriter) error {
	chunk := key.chunkIndex(it.id.Bits())
	buf := make([]byte, indexChunkSize)
	if err := it.readChunk(chunk, log, buf); err != nil {
		return err
	}
	prefix := key.prefix()
	for s := 0; s < entriesPerChunk; s++ {
		p, a := decodeIndexSlot(buf[s*indexEntrySize:])
		if a != 0 && p == prefix {
			encodeIndexSlot(buf[s*indexEntrySize:], 0, 0)
			log.InsertIndex(it.id, chunk, append([]byte(nil), buf...))
			return nil
		}
	}
	return nil
}

// EnactPlan applies a replayed chunk record to the file, adjusting the
// live entry count by the occupancy delta between old and new contents.
func (it *IndexTable) EnactPlan(chunk uint64, data []byte) error {
	if len(data) != indexChunkSize {
		return fmt.Errorf("%w: %s: chunk %d record has %d bytes, want %d", ErrCorruption, it.id.FileName(), chunk, len(data), indexChunkSize)
	}
	old := make([]byte, indexChunkSize)
	n, err := it.file.ReadAt(old, chunkOffset(chunk))
	if err != nil && n < len(old) {
		for i := n; i < len(old); i++ {
			old[i] = 0
		}
	} else if err != nil {
		return fmt.Errorf("kvstore: reading %s chunk %d: %w", it.id.FileName(), chunk, err)
	}
	delta := int64(0)
	for s := 0; s < entriesPerChunk; s++ {
		_, before := decodeIndexSlot(old[s*indexEntrySize:])
		_, after := decodeIndexSlot(data[s*indexEntrySize:])
		switch {
		case before == 0 && after != 0:
			delta++
		case before != 0 && after == 0:
			delta--
		}
	}
	if _, err := it.file.WriteAt(data, chunkOffset(chunk)); err != nil {
		return fmt.Errorf("kvstore: enacting %s chunk %d: %w", it.id.FileName(), chunk, err)
	}
	it.totalEntries.Add(delta)
	return nil
}

// ValidatePlan bounds-checks a chunk record during WAL replay validation.
func (it *IndexTable) ValidatePlan(chunk uint64, data []byte) error {
	if len(data) != indexChunkSize {
		return fmt.Errorf("%w: %s: chunk %d record has %d bytes, want %d", ErrCorruption, it.id.FileName(), chunk, len(data), indexChunkSize)
	}
	if chunk >= it.TotalChunks() {
		return fmt.Errorf("%w: %s: chunk %d out of range (%d total)", ErrCorruption, it.id.FileName(), chunk, it.TotalChunks())
	}
	return nil
}

// PlannedEntries returns chunk's non-empty entries as seen through log,
// for the rebalance drain to migrate.
func (it *IndexTable) PlannedEntries(chunk uint64, log LogQuery) ([]IndexEntry, error) {
	buf := make([]byte, indexChunkSize)
	if err := it.readChunk(chunk, log, buf); err != nil {
		return nil, err
	}
	var out []IndexEntry
	for s := 0; s < entriesPerChunk; s++ {
		p, a := decodeIndexSlot(buf[s*indexEntrySize:])
		if a != 0 {
			out = append(out, IndexEntry{Address: a, prefix: p})
		}
	}
	return out, nil
}

// Entries scans the whole table's durable contents (no overlay) yielding
// every live entry's chunk index and address. The table is memory-mapped
// read-only for the duration of the scan, avoiding a read syscall per
// chunk for large indexes. It is a bulk-inspection path, not the per-key
// hot path.
func (it *IndexTable) Entries(f func(chunk uint64, addr Address) bool) error {
	total := it.TotalChunks()
	m, err := mmap.Map(it.file, mmap.RDONLY, 0)
	if err != nil {
		return fmt.Errorf("kvstore: mapping %s: %w", it.id.FileName(), err)
	}
	defer m.Unmap()

	for c := uint64(0); c < total; c++ {
		off := chunkOffset(c)
		if off+indexChunkSize > int64(len(m)) {
			break
		}
		chunk := m[off : off+indexChunkSize]
		for s := 0; s < entriesPerChunk; s++ {
			_, a := decodeIndexSlot(chunk[s*indexEntrySize:])
			if a != 0 {
				if !f(c, a) {
					return nil
				}
			}
		}
	}
	return nil
}

// DropFile closes and unlinks the index file. Only safe once every live
// entry has migrated out (spec.md section 4.3, "Rebalance drain").
func (it *IndexTable) DropFile() error {
	if err := it.file.Close(); err != nil {
		return err
	}
	return os.Remove(it.path)
}

package kvstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// startBits is the bit width a fresh primary index opens at (spec.md
// section 4.3, "Opening"), adopted from
// original_source/src/column.rs's START_BITS.
const startBits = 16

// maxRebalanceBatch bounds how many chunks one Rebalance call drains,
// adopted from original_source/src/column.rs's MAX_REBALANCE_BATCH.
const maxRebalanceBatch = 65536

// tierEntrySizes are the 15 fixed value-table slot sizes, carried over
// unchanged from original_source/src/column.rs's Column::open.
var tierEntrySizes = [MaxSizeTiers]uint16{
	64, 96, 128, 192, 256, 320, 512, 768, 1024, 1536, 2048, 3072, 4096, 8192, 16384,
}

// multipartTier is the one tier configured to chain rather than reject
// oversized values.
const multipartTier = MaxSizeTiers - 1

// RebalanceStatus reports a Column's progress migrating one rebalancing
// index into the primary.
type RebalanceStatus int

const (
	RebalanceInactive RebalanceStatus = iota
	RebalanceInProgress
)

// RebalanceProgress is returned by Column.Rebalance.
type RebalanceProgress struct {
	Status   RebalanceStatus
	Progress uint64
	Total    uint64
}

// Column is an independent key-space: one primary index, zero or more
// rebalancing indexes being drained into it, and the 15 value tables
// shared across all of them (spec.md section 3, "Column").
type Column struct {
	id         ColID
	dir        string
	refCounted bool
	codec      Codec

	mu               sync.RWMutex
	primary          *IndexTable
	rebalancing      []*IndexTable
	rebalanceProgress uint64

	valueTables [MaxSizeTiers]*ValueTable
}

// ColumnOptions configures OpenColumn.
type ColumnOptions struct {
	RefCounted bool
	Codec      Codec // optional; nil disables compression
	DBVersion  uint32
}

// OpenColumn opens or creates column id's files under dir.
func OpenColumn(dir string, id ColID, opts ColumnOptions) (*Column, error) {
	primary, rebalancing, err := openIndexes(dir, id)
	if err != nil {
		return nil, err
	}
	c := &Column{
		id:          id,
		dir:         dir,
		refCounted:  opts.RefCounted,
		codec:       opts.Codec,
		primary:     primary,
		rebalancing: rebalancing,
	}
	for tier, size := range tierEntrySizes {
		vt, err := OpenValueTable(dir, NewValueTableID(id, uint8(tier)), size, tier == multipartTier, opts.RefCounted, opts.DBVersion)
		if err != nil {
			return nil, err
		}
		c.valueTables[tier] = vt
	}
	return c, nil
}

func openIndexes(dir string, id ColID) (primary *IndexTable, rebalancing []*IndexTable, err error) {
	for bits := 64; bits >= startBits; bits-- {
		tbl, ok, err := OpenExistingIndexTable(dir, NewIndexTableID(id, uint8(bits)))
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			continue
		}
		if primary == nil {
			primary = tbl
			continue
		}
		rebalancing = append([]*IndexTable{tbl}, rebalancing...)
	}
	if primary == nil {
		primary, err = CreateIndexTable(dir, NewIndexTableID(id, startBits))
		if err != nil {
			return nil, nil, err
		}
	}
	return primary, rebalancing, nil
}

// ID returns the column's identity.
func (c *Column) ID() ColID { return c.id }

func (c *Column) tierFor(size int) uint8 {
	for tier := 0; tier < multipartTier; tier++ {
		if c.valueTables[tier].SingleSlotCapacity() >= size {
			return uint8(tier)
		}
	}
	return multipartTier
}

// ValueTableFilled reports how many slots of the given size tier have
// ever been allocated (the high-water mark, not the live-entry count),
// for inspection tooling.
func (c *Column) ValueTableFilled(tier uint8) uint64 {
	return c.valueTables[tier].Filled()
}

// ValueTableEntrySize reports the fixed slot size of the given size
// tier, for inspection tooling.
func (c *Column) ValueTableEntrySize(tier uint8) uint16 {
	return c.valueTables[tier].EntrySize()
}

func (c *Column) getEntryValue(key Key, addr Address, log LogQuery) ([]byte, bool, bool, error) {
	if addr.IsOverflow() {
		return nil, false, false, fmt.Errorf("%w: %s: overflow blob addresses are not supported", ErrInvalidEntry, c.valueTables[0].id.FileName())
	}
	raw, compressed, ok, err := c.valueTables[addr.SizeTier()].Get(key, addr.Offset(), log)
	if err != nil || !ok || !compressed {
		return raw, compressed, ok, err
	}
	if c.codec == nil {
		return nil, false, false, fmt.Errorf("%w: %s: entry is compressed but column has no codec configured", ErrInvalidEntry, c.valueTables[addr.SizeTier()].id.FileName())
	}
	value, err := c.codec.Decompress(raw, len(raw))
	if err != nil {
		return nil, false, false, fmt.Errorf("kvstore: decompressing column %d entry: %w", c.id, err)
	}
	return value, compressed, true, nil
}

// Get reads key's value, consulting the primary index then, on a miss,
// every rebalancing index front to back.
func (c *Column) Get(key Key, log LogQuery) (value []byte, compressed bool, ok bool, err error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if addr, found, err := c.primary.Get(key, log); err != nil {
		return nil, false, false, err
	} else if found {
		return c.getEntryValue(key, addr, log)
	}
	for _, r := range c.rebalancing {
		addr, found, err := r.Get(key, log)
		if err != nil {
			return nil, false, false, err
		}
		if found {
			return c.getEntryValue(key, addr, log)
		}
	}
	return nil, false, false, nil
}

// WritePlan plans a set (value non-nil) or delete (value nil) of key into
// log, implementing spec.md section 4.3's write_plan.
func (c *Column) WritePlan(key Key, value []byte, log LogWriter) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if value == nil {
		return c.writeDeletePlan(key, log)
	}

	raw, compressed := value, false
	if c.codec != nil {
		if out, ok := c.codec.Compress(value); ok {
			raw, compressed = out, true
		}
	}
	return c.writeSetPlan(key, raw, log, compressed, false)
}

func (c *Column) writeSetPlan(key Key, raw []byte, log LogWriter, compressed, retried bool) error {
	targetTier := c.tierFor(len(raw))

	existing, found, err := c.primary.GetPlanned(key, log)
	if err != nil {
		return err
	}
	if found {
		existingTier := existing.SizeTier()
		existingTable := c.valueTables[existingTier]
		confirmed, err := existingTable.HasKeyAt(existing.Offset(), key, log)
		if err != nil {
			return err
		}
		if !confirmed {
			if retried {
				return fmt.Errorf("%w: column %d: prefix collision persisted after rebalance", ErrKeyCollision, c.id)
			}
			if err := c.triggerRebalanceLocked(); err != nil {
				return err
			}
			return c.writeSetPlan(key, raw, log, compressed, true)
		}
		if existingTier == targetTier {
			return existingTable.WriteReplacePlan(existing.Offset(), key, raw, log, compressed)
		}
		if err := existingTable.WriteRemovePlan(existing.Offset(), log); err != nil {
			return err
		}
		newOffset, err := c.valueTables[targetTier].WriteInsertPlan(key, raw, log, compressed)
		if err != nil {
			return err
		}
		outcome, err := c.primary.WriteInsertPlan(key, NewAddress(targetTier, newOffset), log, true)
		if err != nil {
			return err
		}
		if outcome == PlanNeedRebalance {
			if retried {
				return fmt.Errorf("%w: column %d: index overflow persisted after rebalance", ErrNeedRebalance, c.id)
			}
			if err := c.triggerRebalanceLocked(); err != nil {
				return err
			}
			return c.writeSetPlan(key, raw, log, compressed, true)
		}
		return nil
	}

	newOffset, err := c.valueTables[targetTier].WriteInsertPlan(key, raw, log, compressed)
	if err != nil {
		return err
	}
	outcome, err := c.primary.WriteInsertPlan(key, NewAddress(targetTier, newOffset), log, false)
	if err != nil {
		return err
	}
	if outcome == PlanNeedRebalance {
		if retried {
			return fmt.Errorf("%w: column %d: index overflow persisted after rebalance", ErrNeedRebalance, c.id)
		}
		if err := c.triggerRebalanceLocked(); err != nil {
			return err
		}
		return c.writeSetPlan(key, raw, log, compressed, true)
	}
	return nil
}

func (c *Column) writeDeletePlan(key Key, log LogWriter) error {
	existing, found, err := c.primary.GetPlanned(key, log)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	table := c.valueTables[existing.SizeTier()]
	confirmed, err := table.HasKeyAt(existing.Offset(), key, log)
	if err != nil {
		return err
	}
	if !confirmed {
		return nil
	}
	if err := table.WriteRemovePlan(existing.Offset(), log); err != nil {
		return err
	}
	return c.primary.WriteRemovePlan(key, log)
}

// IncRef increments key's refcount. A no-op if key is absent.
func (c *Column) IncRef(key Key, log LogWriter) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	addr, found, err := c.primary.GetPlanned(key, log)
	if err != nil || !found {
		return err
	}
	return c.valueTables[addr.SizeTier()].WriteIncRef(addr.Offset(), log)
}

// DecRef decrements key's refcount, removing the entry on reaching zero.
// Reports whether key remained live; a no-op returning true if key is
// absent.
func (c *Column) DecRef(key Key, log LogWriter) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	addr, found, err := c.primary.GetPlanned(key, log)
	if err != nil || !found {
		return true, err
	}
	table := c.valueTables[addr.SizeTier()]
	stillLive, err := table.WriteDecRef(addr.Offset(), log)
	if err != nil {
		return false, err
	}
	if !stillLive {
		if err := c.primary.WriteRemovePlan(key, log); err != nil {
			return false, err
		}
	}
	return stillLive, nil
}

// triggerRebalanceLocked creates a new, one-bit-wider primary index and
// moves the current primary to the back of the rebalancing queue.
// Callers must hold c.mu.
func (c *Column) triggerRebalanceLocked() error {
	newBits := c.primary.IndexBits() + 1
	newPrimary, err := CreateIndexTable(c.dir, NewIndexTableID(c.id, newBits))
	if err != nil {
		return err
	}
	c.rebalancing = append(c.rebalancing, c.primary)
	c.primary = newPrimary
	c.rebalanceProgress = 0
	return nil
}

// EnactPlan routes one replayed LogAction to the table it targets.
func (c *Column) EnactPlan(action LogAction) error {
	switch action.Kind {
	case ActionInsertValue:
		if action.ValueTable.Col() != c.id {
			return fmt.Errorf("%w: action for column %d routed to column %d", ErrCorruption, action.ValueTable.Col(), c.id)
		}
		tier := action.ValueTable.Tier()
		if tier >= MaxSizeTiers {
			return fmt.Errorf("%w: value table tier %d out of range", ErrCorruption, tier)
		}
		return c.valueTables[tier].EnactPlan(action.ValueIndex, action.ValueBytes)

	case ActionInsertIndex:
		if action.IndexTable.Col() != c.id {
			return fmt.Errorf("%w: action for column %d routed to column %d", ErrCorruption, action.IndexTable.Col(), c.id)
		}
		table := c.indexByID(action.IndexTable)
		if table == nil {
			return fmt.Errorf("%w: no open index table %s", ErrCorruption, action.IndexTable.FileName())
		}
		return table.EnactPlan(action.ChunkIndex, action.ChunkBytes)

	case ActionDropTable:
		return c.enactDropTable(action.DropTable)

	default:
		return fmt.Errorf("%w: unknown log action kind %d", ErrCorruption, action.Kind)
	}
}

func (c *Column) indexByID(id IndexTableID) *IndexTable {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.primary.ID() == id {
		return c.primary
	}
	for _, r := range c.rebalancing {
		if r.ID() == id {
			return r
		}
	}
	return nil
}

func (c *Column) enactDropTable(id IndexTableID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.rebalancing) == 0 || c.rebalancing[0].ID() != id {
		return fmt.Errorf("%w: drop of %s is not at the front of the rebalancing queue", ErrCorruption, id.FileName())
	}
	c.rebalancing = append(c.rebalancing[:0:0], c.rebalancing[1:]...)
	return nil
}

// DropIndex unlinks the durable file for id, once its drop record is
// known durable (spec.md section 4.3: "unlinked only after the log record
// committing the drop is durable"). id must no longer be open in this
// column.
func (c *Column) DropIndex(id IndexTableID) error {
	c.mu.RLock()
	primary := c.primary.ID() == id
	var queued bool
	for _, r := range c.rebalancing {
		if r.ID() == id {
			queued = true
		}
	}
	c.mu.RUnlock()
	if primary || queued {
		return fmt.Errorf("%w: index %s is still open, cannot drop", ErrCorruption, id.FileName())
	}
	path := filepath.Join(c.dir, id.FileName())
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("kvstore: dropping %s: %w", path, err)
	}
	return nil
}

// CompletePlan flushes every value table's pending header update into
// log.
func (c *Column) CompletePlan(log LogWriter) error {
	for _, vt := range c.valueTables {
		if err := vt.CompletePlan(log); err != nil {
			return err
		}
	}
	return nil
}

// Flush fsyncs every value table with pending durable writes.
func (c *Column) Flush() error {
	for _, vt := range c.valueTables {
		if err := vt.Flush(); err != nil {
			return err
		}
	}
	return nil
}

// Close releases every open file underneath the column.
func (c *Column) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var first error
	record := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	record(c.primary.file.Close())
	for _, r := range c.rebalancing {
		record(r.file.Close())
	}
	for _, vt := range c.valueTables {
		record(vt.Close())
	}
	return first
}

// rebalancingFront reports the source table currently being drained, if
// any.
func (c *Column) rebalancingFront() *IndexTable {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.rebalancing) == 0 {
		return nil
	}
	return c.rebalancing[0]
}

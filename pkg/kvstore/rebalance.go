package kvstore

import "fmt"

// Rebalance drains up to maxRebalanceBatch chunks of the front rebalancing
// index into the primary, per spec.md section 4.3's "Rebalance drain". It
// opens and commits its own log record. Returns RebalanceInactive
// immediately if nothing is queued.
func (c *Column) Rebalance(log Log) (RebalanceProgress, error) {
	source := c.rebalancingFront()
	if source == nil {
		return RebalanceProgress{Status: RebalanceInactive}, nil
	}

	total := source.TotalChunks()
	c.mu.Lock()
	start := c.rebalanceProgress
	c.mu.Unlock()
	end := start + maxRebalanceBatch
	if end > total {
		end = total
	}

	w := log.BeginRecord()
	for chunk := start; chunk < end; chunk++ {
		entries, err := source.PlannedEntries(chunk, w)
		if err != nil {
			return RebalanceProgress{}, err
		}
		for _, e := range entries {
			if err := c.migrateEntry(source, e, w); err != nil {
				return RebalanceProgress{}, err
			}
		}
	}

	c.mu.Lock()
	c.rebalanceProgress = end
	c.mu.Unlock()

	drained := end >= total
	if drained {
		w.DropTable(source.ID())
	}
	if _, err := log.EndRecord(w, true); err != nil {
		return RebalanceProgress{}, err
	}
	if drained {
		c.mu.Lock()
		c.rebalanceProgress = 0
		c.mu.Unlock()
		return RebalanceProgress{Status: RebalanceInactive}, nil
	}
	return RebalanceProgress{Status: RebalanceInProgress, Progress: end, Total: total}, nil
}

// migrateEntry reconstructs e's key from the value slot's partial key and
// the index entry's stored full prefix, then inserts it into the primary.
// Already migrated entries (found at the identical address) are a no-op,
// making replay of a partially-applied rebalance record idempotent; a
// match at a different address is the corruption case spec.md calls out
// ("collisions during rebalance would indicate corruption").
func (c *Column) migrateEntry(source *IndexTable, e IndexEntry, w LogWriter) error {
	if e.Address.IsOverflow() {
		return fmt.Errorf("%w: %s: overflow address encountered during rebalance", ErrInvalidEntry, source.ID().FileName())
	}
	tier := c.valueTables[e.Address.SizeTier()]
	partial, found, err := tier.PartialKeyAt(e.Address.Offset(), w)
	if err != nil {
		return err
	}
	if !found {
		// The slot was tombstoned after the index entry was written;
		// nothing to migrate.
		return nil
	}
	key := rebuildKey(e.prefix, partial)

	if existing, found, err := c.primary.GetPlanned(key, w); err != nil {
		return err
	} else if found {
		if existing != e.Address {
			return fmt.Errorf("%w: column %d: rebalance found conflicting entry for a migrated key", ErrCorruption, c.id)
		}
		return nil
	}

	outcome, err := c.primary.WriteInsertPlan(key, e.Address, w, false)
	if err != nil {
		return err
	}
	if outcome == PlanNeedRebalance {
		return fmt.Errorf("%w: column %d: new primary index overflowed during rebalance", ErrCorruption, c.id)
	}
	return nil
}

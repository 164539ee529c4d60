package walog

import (
	"sync"

	"github.com/Blockchain215/blockchain-parity-db/pkg/kvstore"
)

type valueKey struct {
	table kvstore.ValueTableID
	index uint64
}

type indexKey struct {
	table kvstore.IndexTableID
	chunk uint64
}

// overlay is the concurrent (table_id, slot_index) -> bytes map spec.md
// section 5 describes: "Readers use the log overlay ... as their first
// lookup source". Shared by every in-flight record; entries are added
// once a record is durable (EndRecord) and removed once a replaying
// reader has consumed that record's actions (Next exhausted).
type overlay struct {
	mu      sync.RWMutex
	values  map[valueKey][]byte
	indexes map[indexKey][]byte
}

func newOverlay() *overlay {
	return &overlay{
		values:  make(map[valueKey][]byte),
		indexes: make(map[indexKey][]byte),
	}
}

func (o *overlay) Value(table kvstore.ValueTableID, index uint64, buf []byte) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	v, ok := o.values[valueKey{table, index}]
	if !ok {
		return false
	}
	copy(buf, v)
	for i := len(v); i < len(buf); i++ {
		buf[i] = 0
	}
	return true
}

func (o *overlay) IndexValue(table kvstore.IndexTableID, chunk uint64, buf []byte) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	v, ok := o.indexes[indexKey{table, chunk}]
	if !ok {
		return false
	}
	copy(buf, v)
	for i := len(v); i < len(buf); i++ {
		buf[i] = 0
	}
	return true
}

func (o *overlay) put(actions []kvstore.LogAction) (vks []valueKey, iks []indexKey) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, a := range actions {
		switch a.Kind {
		case kvstore.ActionInsertValue:
			k := valueKey{a.ValueTable, a.ValueIndex}
			o.values[k] = a.ValueBytes
			vks = append(vks, k)
		case kvstore.ActionInsertIndex:
			k := indexKey{a.IndexTable, a.ChunkIndex}
			o.indexes[k] = a.ChunkBytes
			iks = append(iks, k)
		}
	}
	return vks, iks
}

func (o *overlay) remove(vks []valueKey, iks []indexKey) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, k := range vks {
		delete(o.values, k)
	}
	for _, k := range iks {
		delete(o.indexes, k)
	}
}

var _ kvstore.LogQuery = (*overlay)(nil)

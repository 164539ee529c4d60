package walog

import "github.com/Blockchain215/blockchain-parity-db/pkg/kvstore"

// writer accumulates one record's actions between BeginRecord and
// EndRecord. It satisfies kvstore.LogWriter: reads against its own
// not-yet-committed actions take priority over the shared overlay, giving
// a single write its read-your-writes guarantee before the record has
// even been fsynced.
type writer struct {
	log     *Log
	actions []kvstore.LogAction
	values  map[valueKey][]byte
	indexes map[indexKey][]byte
}

func newWriter(l *Log) *writer {
	return &writer{
		log:     l,
		values:  make(map[valueKey][]byte),
		indexes: make(map[indexKey][]byte),
	}
}

func (w *writer) InsertValue(table kvstore.ValueTableID, index uint64, bytes []byte) {
	cp := append([]byte(nil), bytes...)
	w.actions = append(w.actions, kvstore.LogAction{
		Kind: kvstore.ActionInsertValue, ValueTable: table, ValueIndex: index, ValueBytes: cp,
	})
	w.values[valueKey{table, index}] = cp
}

func (w *writer) InsertIndex(table kvstore.IndexTableID, chunk uint64, bytes []byte) {
	cp := append([]byte(nil), bytes...)
	w.actions = append(w.actions, kvstore.LogAction{
		Kind: kvstore.ActionInsertIndex, IndexTable: table, ChunkIndex: chunk, ChunkBytes: cp,
	})
	w.indexes[indexKey{table, chunk}] = cp
}

func (w *writer) DropTable(table kvstore.IndexTableID) {
	w.actions = append(w.actions, kvstore.LogAction{Kind: kvstore.ActionDropTable, DropTable: table})
}

func (w *writer) Value(table kvstore.ValueTableID, index uint64, buf []byte) bool {
	if v, ok := w.values[valueKey{table, index}]; ok {
		copy(buf, v)
		for i := len(v); i < len(buf); i++ {
			buf[i] = 0
		}
		return true
	}
	return w.log.overlay.Value(table, index, buf)
}

func (w *writer) IndexValue(table kvstore.IndexTableID, chunk uint64, buf []byte) bool {
	if v, ok := w.indexes[indexKey{table, chunk}]; ok {
		copy(buf, v)
		for i := len(v); i < len(buf); i++ {
			buf[i] = 0
		}
		return true
	}
	return w.log.overlay.IndexValue(table, chunk, buf)
}

var _ kvstore.LogWriter = (*writer)(nil)

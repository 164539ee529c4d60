package kvstore

// fakeLog is a minimal in-memory LogWriter/LogQuery used by this
// package's own white-box tests, standing in for a real WAL
// implementation (pkg/kvstore/walog) the way a hand-rolled stub stands
// in for a collaborator interface in isolated unit tests.
type fakeLog struct {
	values  map[ValueTableID]map[uint64][]byte
	indexes map[IndexTableID]map[uint64][]byte
	drops   []IndexTableID
}

func newFakeLog() *fakeLog {
	return &fakeLog{
		values:  make(map[ValueTableID]map[uint64][]byte),
		indexes: make(map[IndexTableID]map[uint64][]byte),
	}
}

func (f *fakeLog) Value(table ValueTableID, index uint64, buf []byte) bool {
	m, ok := f.values[table]
	if !ok {
		return false
	}
	v, ok := m[index]
	if !ok {
		return false
	}
	copy(buf, v)
	return true
}

func (f *fakeLog) IndexValue(table IndexTableID, chunk uint64, buf []byte) bool {
	m, ok := f.indexes[table]
	if !ok {
		return false
	}
	v, ok := m[chunk]
	if !ok {
		return false
	}
	copy(buf, v)
	return true
}

func (f *fakeLog) InsertValue(table ValueTableID, index uint64, bytes []byte) {
	m, ok := f.values[table]
	if !ok {
		m = make(map[uint64][]byte)
		f.values[table] = m
	}
	m[index] = append([]byte(nil), bytes...)
}

func (f *fakeLog) InsertIndex(table IndexTableID, chunk uint64, bytes []byte) {
	m, ok := f.indexes[table]
	if !ok {
		m = make(map[uint64][]byte)
		f.indexes[table] = m
	}
	m[chunk] = append([]byte(nil), bytes...)
}

// DropTable records the drop so a test can enact it afterward.
func (f *fakeLog) DropTable(table IndexTableID) { f.drops = append(f.drops, table) }

// BeginRecord hands back f itself: fakeLog applies InsertValue/InsertIndex
// straight into its own maps rather than staging them separately, so
// there's nothing additional to accumulate per record.
func (f *fakeLog) BeginRecord() LogWriter { return f }

// EndRecord is a no-op; f's writes are already visible the moment they're
// made, which is what lets enactValues/enactIndexes replay them afterward.
func (f *fakeLog) EndRecord(w LogWriter, drain bool) (int, error) { return 0, nil }

// ReadNext reports no pending record: fakeLog has no durable log file for
// Column.Rebalance or anything else to replay.
func (f *fakeLog) ReadNext() (LogReader, bool, error) { return nil, false, nil }

// Overlays hands back f itself as the LogQuery planned reads should
// consult, mirroring how a real walog.Log's overlay view works.
func (f *fakeLog) Overlays() LogQuery { return f }

// enactAll applies every planned byte straight into fn, modeling
// enact_plan without a real log file.
func (f *fakeLog) enactValues(fn func(table ValueTableID, index uint64, data []byte) error) error {
	for table, m := range f.values {
		for index, data := range m {
			if err := fn(table, index, data); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *fakeLog) enactIndexes(fn func(table IndexTableID, chunk uint64, data []byte) error) error {
	for table, m := range f.indexes {
		for chunk, data := range m {
			if err := fn(table, chunk, data); err != nil {
				return err
			}
		}
	}
	return nil
}

var (
	_ LogWriter = (*fakeLog)(nil)
	_ Log       = (*fakeLog)(nil)
)

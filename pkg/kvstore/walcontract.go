package kvstore

// This file specifies the WAL collaborator contract the storage core
// requires (spec.md section 6). The write-ahead log itself — its on-disk
// framing, rotation, fsync cadence — is out of scope for this package;
// only the interface the core plans writes through and replays from is
// specified here, the way pkg/sorted declares the KeyValue interface that
// kvfile, leveldb, and sqlite each implement independently.

// ActionKind discriminates the variants a LogReader yields while
// replaying a record.
type ActionKind int

const (
	// ActionInsertValue plants bytes for a value table slot.
	ActionInsertValue ActionKind = iota
	// ActionInsertIndex plants bytes for an index table chunk.
	ActionInsertIndex
	// ActionDropTable marks an index table as fully drained and safe to
	// unlink once the record committing the drop is durable.
	ActionDropTable
)

// LogAction is one planned mutation within a log record, as yielded in
// order by LogReader.Next: zero or more InsertValue/InsertIndex/DropTable
// actions between an implicit BeginRecord and EndRecord.
type LogAction struct {
	Kind ActionKind

	// Valid when Kind == ActionInsertValue.
	ValueTable  ValueTableID
	ValueIndex  uint64
	ValueBytes  []byte

	// Valid when Kind == ActionInsertIndex.
	IndexTable  IndexTableID
	ChunkIndex  uint64
	ChunkBytes  []byte

	// Valid when Kind == ActionDropTable.
	DropTable IndexTableID
}

// LogQuery is the read-side view of not-yet-durable planned bytes: the
// overlay described in spec.md section 5 ("Sharing"). Value reports
// whether table/index has a planned value in the overlay, copying it
// into buf (which must be at least as large as the table's entry size)
// and returning true, or returning false if nothing is planned for that
// slot (callers then fall back to reading the durable file).
type LogQuery interface {
	Value(table ValueTableID, index uint64, buf []byte) bool

	// IndexValue is Value's counterpart for index chunks: it reports
	// whether table has a planned chunk record for chunk, copying it into
	// buf (sized to the index table's fixed chunk width) and returning
	// true, or returning false if nothing is planned.
	IndexValue(table IndexTableID, chunk uint64, buf []byte) bool
}

// LogWriter accumulates the planned mutations of one record. It also
// satisfies LogQuery so that a write in progress can read its own
// not-yet-committed planned bytes (read-your-writes within the planning
// window, spec.md invariant 5).
type LogWriter interface {
	LogQuery

	// InsertValue plans writing bytes to a value table slot.
	InsertValue(table ValueTableID, index uint64, bytes []byte)
	// InsertIndex plans writing bytes to an index table chunk.
	InsertIndex(table IndexTableID, chunk uint64, bytes []byte)
	// DropTable plans marking an index table as drained.
	DropTable(table IndexTableID)
}

// LogReader replays one record's actions in order. Next returns
// (action, true, nil) for each action, then (LogAction{}, false, nil)
// once the record's EndRecord has been consumed.
type LogReader interface {
	Next() (LogAction, bool, error)
}

// Log is the WAL collaborator contract spec.md section 6 requires:
// begin_record / end_record / read_next / overlays, plus the guarantee
// that within one record either all actions are enacted or none are
// (atomic at the record boundary).
type Log interface {
	// BeginRecord returns a fresh LogWriter to accumulate one record's
	// planned mutations.
	BeginRecord() LogWriter

	// EndRecord durably commits w's accumulated mutations as one record
	// and returns the number of bytes written. If drain is true the
	// implementation may eagerly apply backpressure (e.g. for a
	// rebalance batch) rather than buffering further records.
	EndRecord(w LogWriter, drain bool) (int, error)

	// ReadNext returns the next unreplayed record's reader, or
	// (nil, false, nil) when the log is exhausted.
	ReadNext() (LogReader, bool, error)

	// Overlays returns the read-side snapshot of all not-yet-enacted
	// planned bytes across every in-flight record.
	Overlays() LogQuery
}

package kvstore

import "errors"

// Sentinel errors returned by the storage core. Callers should use
// errors.Is against these rather than comparing strings.
var (
	// ErrNotFound names a key or slot that does not resolve to a live
	// entry. Lookups in this package report absence with ok=false and do
	// not return it.
	ErrNotFound = errors.New("kvstore: key not found")

	// ErrCorruption signals a structural invariant violation: a log
	// record referencing a table that does not exist, an out-of-order
	// rebalance drop, or a malformed chain encountered during a
	// metadata-trusting read. Recovery is left to the caller, typically
	// by halting the column.
	ErrCorruption = errors.New("kvstore: corruption detected")

	// ErrInvalidEntry is returned when a value slot's bytes cannot be
	// decoded as any recognized entry shape. Unlike ErrCorruption this
	// can legitimately occur when iterating with a stale or external
	// index, and callers may choose to skip rather than abort.
	ErrInvalidEntry = errors.New("kvstore: invalid entry data")

	// ErrEntryTooLarge names a value that exceeds the capacity of every
	// configured size tier. Column routes any value too large for a
	// single slot to the multipart tier, which chains slots, so no
	// operation in this package returns it.
	ErrEntryTooLarge = errors.New("kvstore: value exceeds maximum entry size")

	// ErrNeedRebalance is returned by Column.WritePlan when the target
	// index chunk is still full after the column has widened its index
	// and retried once. IndexTable.WriteInsertPlan itself reports a full
	// chunk as PlanNeedRebalance, not as this error.
	ErrNeedRebalance = errors.New("kvstore: index table needs rebalance")

	// ErrKeyCollision is returned from Column.WritePlan when the
	// existing planned entry's partial key does not match the key being
	// written, i.e. two distinct keys share the whole 6-byte index
	// prefix. WritePlan first widens the index and retries once; this
	// error is returned only if the mismatch persists.
	ErrKeyCollision = errors.New("kvstore: partial key collision")
)

package kvstore

import (
	"bytes"
	"testing"
)

// xorCodec is a trivial, lossless stand-in for a real compressor, used to
// exercise Column's compress-on-write/decompress-on-read path without
// importing pkg/kvstore/codec (which imports this package, so a real
// Snappy codec can't be used from a white-box test here without an import
// cycle). It never actually shrinks anything; it only needs to prove that
// whatever WritePlan hands to Compress comes back unchanged from Get.
type xorCodec struct{}

func (xorCodec) Compress(src []byte) ([]byte, bool) {
	if len(src) < 8 {
		return nil, false
	}
	dst := make([]byte, len(src))
	for i := range dst {
		dst[i] = src[i] ^ 0xFF
	}
	return dst, true
}

func (xorCodec) Decompress(src []byte, sizeHint int) ([]byte, error) {
	dst := make([]byte, len(src))
	for i := range dst {
		dst[i] = src[i] ^ 0xFF
	}
	return dst, nil
}

var _ Codec = xorCodec{}

func mustOpenColumn(t *testing.T, opts ColumnOptions) *Column {
	t.Helper()
	dir := t.TempDir()
	c, err := OpenColumn(dir, ColID(0), opts)
	if err != nil {
		t.Fatalf("OpenColumn: %v", err)
	}
	return c
}

// enactColumnPlan drains every value slot and index chunk the fakeLog has
// recorded into the column's tables, then enacts any recorded index drops
// and forgets the dropped tables' chunks, mirroring what
// Database.endAndEnact does against a real walog.Log.
func enactColumnPlan(t *testing.T, c *Column, log *fakeLog) {
	t.Helper()
	if err := log.enactValues(func(table ValueTableID, index uint64, data []byte) error {
		return c.EnactPlan(LogAction{Kind: ActionInsertValue, ValueTable: table, ValueIndex: index, ValueBytes: data})
	}); err != nil {
		t.Fatalf("enacting values: %v", err)
	}
	if err := log.enactIndexes(func(table IndexTableID, chunk uint64, data []byte) error {
		return c.EnactPlan(LogAction{Kind: ActionInsertIndex, IndexTable: table, ChunkIndex: chunk, ChunkBytes: data})
	}); err != nil {
		t.Fatalf("enacting index chunks: %v", err)
	}
	for _, id := range log.drops {
		if err := c.EnactPlan(LogAction{Kind: ActionDropTable, DropTable: id}); err != nil {
			t.Fatalf("enacting index drop: %v", err)
		}
		delete(log.indexes, id)
	}
	log.drops = nil
}

func TestColumnSetGetDelete(t *testing.T) {
	c := mustOpenColumn(t, ColumnOptions{})
	log := newFakeLog()

	key := testKey(0x20)
	value := bytes.Repeat([]byte("v"), 50)

	if err := c.WritePlan(key, value, log); err != nil {
		t.Fatalf("WritePlan insert: %v", err)
	}
	enactColumnPlan(t, c, log)

	got, compressed, ok, err := c.Get(key, nil)
	if err != nil || !ok || compressed {
		t.Fatalf("Get: ok=%v compressed=%v err=%v", ok, compressed, err)
	}
	if !bytes.Equal(got, value) {
		t.Fatalf("value mismatch")
	}

	if err := c.WritePlan(key, nil, log); err != nil {
		t.Fatalf("WritePlan delete: %v", err)
	}
	enactColumnPlan(t, c, log)

	if _, _, ok, err := c.Get(key, nil); err != nil || ok {
		t.Fatalf("Get after delete: ok=%v err=%v", ok, err)
	}
}

func TestColumnReplaceAcrossTiersMovesValue(t *testing.T) {
	c := mustOpenColumn(t, ColumnOptions{})
	log := newFakeLog()

	key := testKey(0x21)
	small := bytes.Repeat([]byte("a"), 10)
	if err := c.WritePlan(key, small, log); err != nil {
		t.Fatalf("WritePlan small: %v", err)
	}
	enactColumnPlan(t, c, log)
	if tier := c.tierFor(len(small)); c.ValueTableFilled(tier) != 2 {
		t.Fatalf("expected one slab allocation (plus reserved header) in tier %d, filled=%d", tier, c.ValueTableFilled(tier))
	}

	big := bytes.Repeat([]byte("b"), 1000)
	if err := c.WritePlan(key, big, log); err != nil {
		t.Fatalf("WritePlan big: %v", err)
	}
	enactColumnPlan(t, c, log)

	got, _, ok, err := c.Get(key, nil)
	if err != nil || !ok || !bytes.Equal(got, big) {
		t.Fatalf("Get after cross-tier replace: ok=%v err=%v", ok, err)
	}

	smallTier := c.tierFor(len(small))
	bigTier := c.tierFor(len(big))
	if smallTier == bigTier {
		t.Fatalf("test setup invalid: both values landed in tier %d", smallTier)
	}
}

func TestColumnRefCounting(t *testing.T) {
	c := mustOpenColumn(t, ColumnOptions{RefCounted: true})
	log := newFakeLog()

	key := testKey(0x22)
	if err := c.WritePlan(key, []byte("payload"), log); err != nil {
		t.Fatalf("WritePlan: %v", err)
	}
	enactColumnPlan(t, c, log)

	if err := c.IncRef(key, log); err != nil {
		t.Fatalf("IncRef: %v", err)
	}
	enactColumnPlan(t, c, log)

	live, err := c.DecRef(key, log)
	if err != nil || !live {
		t.Fatalf("first DecRef: live=%v err=%v", live, err)
	}
	enactColumnPlan(t, c, log)
	if _, _, ok, err := c.Get(key, nil); err != nil || !ok {
		t.Fatalf("Get still live: ok=%v err=%v", ok, err)
	}

	live, err = c.DecRef(key, log)
	if err != nil || live {
		t.Fatalf("second DecRef: live=%v err=%v", live, err)
	}
	enactColumnPlan(t, c, log)
	if _, _, ok, err := c.Get(key, nil); err != nil || ok {
		t.Fatalf("Get after drop: ok=%v err=%v", ok, err)
	}
}

func TestColumnIncRefOnMissingKeyIsNoop(t *testing.T) {
	c := mustOpenColumn(t, ColumnOptions{RefCounted: true})
	log := newFakeLog()

	if err := c.IncRef(testKey(0x23), log); err != nil {
		t.Fatalf("IncRef on missing key should be a no-op, got: %v", err)
	}
	live, err := c.DecRef(testKey(0x23), log)
	if err != nil || !live {
		t.Fatalf("DecRef on missing key should report live=true, no-op: live=%v err=%v", live, err)
	}
}

func TestColumnCompressedValueRoundTrips(t *testing.T) {
	dir := t.TempDir()
	c, err := OpenColumn(dir, ColID(0), ColumnOptions{Codec: xorCodec{}})
	if err != nil {
		t.Fatalf("OpenColumn: %v", err)
	}
	log := newFakeLog()

	key := testKey(0x25)
	value := bytes.Repeat([]byte("compress-me-"), 20) // >=8 bytes, so xorCodec reports worthwhile

	if err := c.WritePlan(key, value, log); err != nil {
		t.Fatalf("WritePlan: %v", err)
	}
	enactColumnPlan(t, c, log)

	got, compressed, ok, err := c.Get(key, nil)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if !compressed {
		t.Fatalf("expected the entry to be stored compressed")
	}
	if !bytes.Equal(got, value) {
		t.Fatalf("Get did not decompress the stored value: got %q want %q", got, value)
	}
}

// openColumnAtBits mirrors OpenColumn's body against a fresh directory but
// lets a test pick the primary index's starting bit width directly,
// instead of the package's real startBits=16 (2^16 chunks is far too many
// to overflow cheaply in a unit test).
func openColumnAtBits(t *testing.T, opts ColumnOptions, bits uint8) *Column {
	t.Helper()
	dir := t.TempDir()
	primary, err := CreateIndexTable(dir, NewIndexTableID(0, bits))
	if err != nil {
		t.Fatalf("CreateIndexTable: %v", err)
	}
	c := &Column{
		id:         ColID(0),
		dir:        dir,
		refCounted: opts.RefCounted,
		codec:      opts.Codec,
		primary:    primary,
	}
	for tier, size := range tierEntrySizes {
		vt, err := OpenValueTable(dir, NewValueTableID(0, uint8(tier)), size, tier == multipartTier, opts.RefCounted, opts.DBVersion)
		if err != nil {
			t.Fatalf("OpenValueTable tier %d: %v", tier, err)
		}
		c.valueTables[tier] = vt
	}
	return c
}

// highEntropyKey deterministically fills every byte of a key from seed via
// a small LCG, so the key's prefix has essentially random bits beyond
// whatever narrow index width it's first inserted through — unlike
// testKey, which only varies the last byte.
func highEntropyKey(seed uint32) Key {
	var k Key
	x := seed*2654435761 + 1
	for i := range k {
		x = x*1664525 + 1013904223
		k[i] = byte(x >> 24)
	}
	return k
}

func TestColumnRebalanceMigratesAllKeysAcrossMultipleWidenings(t *testing.T) {
	// Start at a 1-bit primary (2 chunks of 8 slots) so inserting enough
	// high-entropy keys cheaply forces several automatic widenings, each
	// queuing the previous, narrower primary for the rebalance drain
	// below to migrate via Column.migrateEntry.
	c := openColumnAtBits(t, ColumnOptions{}, 1)
	log := newFakeLog()

	const n = 200
	keys := make([]Key, n)
	values := make([][]byte, n)
	for i := 0; i < n; i++ {
		k := highEntropyKey(uint32(i))
		keys[i] = k
		values[i] = []byte{byte(i), byte(i >> 8), 0xAA, byte(i * 7)}
		if err := c.WritePlan(k, values[i], log); err != nil {
			t.Fatalf("WritePlan %d: %v", i, err)
		}
		enactColumnPlan(t, c, log)
	}

	// Drain every queued rebalance to completion. Under the bug,
	// migrateEntry reconstructed each key's prefix from its old, narrower
	// chunk index alone, silently zeroing every prefix bit past that
	// index's width instead of using the entry's stored true prefix — so
	// a migrated key only landed at its real chunk in the new, wider
	// primary by luck. Rebalance reports RebalanceInactive each time one
	// queued index finishes draining, so keep going until the queue is
	// empty.
	for i := 0; i < 4096; i++ {
		progress, err := c.Rebalance(log)
		if err != nil {
			t.Fatalf("Rebalance: %v", err)
		}
		enactColumnPlan(t, c, log)
		if progress.Status == RebalanceInactive && c.rebalancingFront() == nil {
			break
		}
	}
	if remaining := c.rebalancingFront(); remaining != nil {
		t.Fatalf("rebalance queue did not fully drain")
	}

	for i, k := range keys {
		got, _, ok, err := c.Get(k, nil)
		if err != nil || !ok {
			t.Fatalf("key %d missing after rebalance: ok=%v err=%v", i, ok, err)
		}
		if !bytes.Equal(got, values[i]) {
			t.Fatalf("key %d value mismatch after rebalance: got %v want %v", i, got, values[i])
		}
	}
}

func TestColumnOverwriteSameKeySameTierReplacesInPlace(t *testing.T) {
	c := mustOpenColumn(t, ColumnOptions{})
	log := newFakeLog()

	key := testKey(0x24)
	if err := c.WritePlan(key, []byte("one"), log); err != nil {
		t.Fatalf("WritePlan one: %v", err)
	}
	enactColumnPlan(t, c, log)
	tier := c.tierFor(len("one"))
	filledAfterFirst := c.ValueTableFilled(tier)

	if err := c.WritePlan(key, []byte("two"), log); err != nil {
		t.Fatalf("WritePlan two: %v", err)
	}
	enactColumnPlan(t, c, log)

	if c.ValueTableFilled(tier) != filledAfterFirst {
		t.Fatalf("same-tier overwrite should replace in place, not allocate: before=%d after=%d", filledAfterFirst, c.ValueTableFilled(tier))
	}
	got, _, ok, err := c.Get(key, nil)
	if err != nil || !ok || string(got) != "two" {
		t.Fatalf("Get after same-tier overwrite: got=%q ok=%v err=%v", got, ok, err)
	}
}

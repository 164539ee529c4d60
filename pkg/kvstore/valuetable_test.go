package kvstore

import (
	"bytes"
	"testing"
)

func mustOpenValueTable(t *testing.T, entrySize uint16, multipart, refCounted bool) *ValueTable {
	t.Helper()
	dir := t.TempDir()
	vt, err := OpenValueTable(dir, NewValueTableID(0, 0), entrySize, multipart, refCounted, 5)
	if err != nil {
		t.Fatalf("OpenValueTable: %v", err)
	}
	return vt
}

func enactPendingValues(t *testing.T, vt *ValueTable, log *fakeLog) {
	t.Helper()
	if err := log.enactValues(func(table ValueTableID, index uint64, data []byte) error {
		if table != vt.ID() {
			return nil
		}
		return vt.EnactPlan(index, data)
	}); err != nil {
		t.Fatalf("enacting value slots: %v", err)
	}
}

func testKey(tail byte) Key {
	var k Key
	k[31] = tail
	return k
}

func TestValueTableInsertGetRemove(t *testing.T) {
	vt := mustOpenValueTable(t, 128, false, false)
	log := newFakeLog()

	key := testKey(0x01)
	value := bytes.Repeat([]byte("x"), 40)

	index, err := vt.WriteInsertPlan(key, value, log, false)
	if err != nil {
		t.Fatalf("WriteInsertPlan: %v", err)
	}
	enactPendingValues(t, vt, log)

	got, compressed, ok, err := vt.Get(key, index, nil)
	if err != nil || !ok || compressed {
		t.Fatalf("Get after enact: ok=%v compressed=%v err=%v", ok, compressed, err)
	}
	if !bytes.Equal(got, value) {
		t.Fatalf("value mismatch: got %q want %q", got, value)
	}

	if err := vt.WriteRemovePlan(index, log); err != nil {
		t.Fatalf("WriteRemovePlan: %v", err)
	}
	enactPendingValues(t, vt, log)

	if _, _, ok, err := vt.Get(key, index, nil); err != nil || ok {
		t.Fatalf("Get after remove: ok=%v err=%v", ok, err)
	}
}

func TestValueTableFreeListReusesRemovedSlot(t *testing.T) {
	vt := mustOpenValueTable(t, 128, false, false)
	log := newFakeLog()

	first, err := vt.WriteInsertPlan(testKey(0x01), []byte("first"), log, false)
	if err != nil {
		t.Fatalf("insert first: %v", err)
	}
	enactPendingValues(t, vt, log)
	if err := vt.WriteRemovePlan(first, log); err != nil {
		t.Fatalf("remove first: %v", err)
	}
	enactPendingValues(t, vt, log)

	second, err := vt.WriteInsertPlan(testKey(0x02), []byte("second"), log, false)
	if err != nil {
		t.Fatalf("insert second: %v", err)
	}
	enactPendingValues(t, vt, log)

	if second != first {
		t.Fatalf("expected free-list reuse: first=%d second=%d", first, second)
	}
	got, _, ok, err := vt.Get(testKey(0x02), second, nil)
	if err != nil || !ok || string(got) != "second" {
		t.Fatalf("Get reused slot: got=%q ok=%v err=%v", got, ok, err)
	}
}

func TestValueTableReplaceLongerSpillsToMultipart(t *testing.T) {
	vt := mustOpenValueTable(t, 64, true, false)
	log := newFakeLog()

	key := testKey(0x07)
	short := []byte("short value")
	index, err := vt.WriteInsertPlan(key, short, log, false)
	if err != nil {
		t.Fatalf("insert short: %v", err)
	}
	enactPendingValues(t, vt, log)

	long := bytes.Repeat([]byte("0123456789"), 20) // 200 bytes, spans several 64-byte slots
	if err := vt.WriteReplacePlan(index, key, long, log, false); err != nil {
		t.Fatalf("replace longer: %v", err)
	}
	enactPendingValues(t, vt, log)

	got, _, ok, err := vt.Get(key, index, nil)
	if err != nil || !ok {
		t.Fatalf("Get after replace-longer: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(got, long) {
		t.Fatalf("value mismatch after replace-longer: got %d bytes want %d", len(got), len(long))
	}

	shortAgain := []byte("tiny")
	if err := vt.WriteReplacePlan(index, key, shortAgain, log, false); err != nil {
		t.Fatalf("replace shorter: %v", err)
	}
	enactPendingValues(t, vt, log)

	got, _, ok, err = vt.Get(key, index, nil)
	if err != nil || !ok || string(got) != "tiny" {
		t.Fatalf("Get after replace-shorter: got=%q ok=%v err=%v", got, ok, err)
	}
}

func TestValueTableRefCounting(t *testing.T) {
	vt := mustOpenValueTable(t, 128, false, true)
	log := newFakeLog()

	key := testKey(0x09)
	index, err := vt.WriteInsertPlan(key, []byte("payload"), log, false)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	enactPendingValues(t, vt, log)

	if err := vt.WriteIncRef(index, log); err != nil {
		t.Fatalf("WriteIncRef: %v", err)
	}
	enactPendingValues(t, vt, log)

	live, err := vt.WriteDecRef(index, log)
	if err != nil || !live {
		t.Fatalf("first WriteDecRef: live=%v err=%v", live, err)
	}
	enactPendingValues(t, vt, log)
	if _, _, ok, err := vt.Get(key, index, nil); err != nil || !ok {
		t.Fatalf("Get still live after first decref: ok=%v err=%v", ok, err)
	}

	live, err = vt.WriteDecRef(index, log)
	if err != nil || live {
		t.Fatalf("second WriteDecRef: live=%v err=%v", live, err)
	}
	enactPendingValues(t, vt, log)
	if _, _, ok, err := vt.Get(key, index, nil); err != nil || ok {
		t.Fatalf("Get after chain removed: ok=%v err=%v", ok, err)
	}
}

func TestValueTableLargeDecrementSaturatesAtZero(t *testing.T) {
	vt := mustOpenValueTable(t, 128, false, true)
	log := newFakeLog()

	index, err := vt.WriteInsertPlan(testKey(0x0a), []byte("v"), log, false)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	enactPendingValues(t, vt, log)

	for i := 0; i < 3; i++ {
		if err := vt.WriteIncRef(index, log); err != nil {
			t.Fatalf("WriteIncRef %d: %v", i, err)
		}
		enactPendingValues(t, vt, log)
	}

	live, err := vt.changeRef(index, log, -(1 << 30))
	if err != nil || live {
		t.Fatalf("large decrement on low refcount: live=%v err=%v", live, err)
	}
	enactPendingValues(t, vt, log)
	if _, _, ok, err := vt.Get(testKey(0x0a), index, nil); err != nil || ok {
		t.Fatalf("large decrement past zero should remove entry: ok=%v err=%v", ok, err)
	}
}

func TestValueTablePartialKeyAndHasKeyAt(t *testing.T) {
	vt := mustOpenValueTable(t, 128, false, false)
	log := newFakeLog()

	key := testKey(0x0b)
	index, err := vt.WriteInsertPlan(key, []byte("v"), log, false)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	enactPendingValues(t, vt, log)

	partial, ok, err := vt.PartialKeyAt(index, nil)
	if err != nil || !ok {
		t.Fatalf("PartialKeyAt: ok=%v err=%v", ok, err)
	}
	if partial != key.Partial() {
		t.Fatalf("PartialKeyAt mismatch")
	}

	has, err := vt.HasKeyAt(index, key, nil)
	if err != nil || !has {
		t.Fatalf("HasKeyAt matching key: has=%v err=%v", has, err)
	}
	has, err = vt.HasKeyAt(index, testKey(0xEE), nil)
	if err != nil || has {
		t.Fatalf("HasKeyAt mismatched key should be false: has=%v err=%v", has, err)
	}
}

func TestValueTableIterWhileSkipsTombstonesAndContinuations(t *testing.T) {
	vt := mustOpenValueTable(t, 64, true, false)
	log := newFakeLog()

	kept := testKey(0x10)
	if _, err := vt.WriteInsertPlan(kept, bytes.Repeat([]byte("a"), 150), log, false); err != nil {
		t.Fatalf("insert kept: %v", err)
	}
	removedKey := testKey(0x11)
	removedIndex, err := vt.WriteInsertPlan(removedKey, []byte("gone"), log, false)
	if err != nil {
		t.Fatalf("insert removed: %v", err)
	}
	enactPendingValues(t, vt, log)
	if err := vt.WriteRemovePlan(removedIndex, log); err != nil {
		t.Fatalf("remove: %v", err)
	}
	enactPendingValues(t, vt, log)

	seen := map[PartialKey][]byte{}
	if err := vt.IterWhile(nil, func(index uint64, partial PartialKey, value []byte, compressed bool) bool {
		cp := append([]byte(nil), value...)
		seen[partial] = cp
		return true
	}); err != nil {
		t.Fatalf("IterWhile: %v", err)
	}

	if v, ok := seen[kept.Partial()]; !ok || !bytes.Equal(v, bytes.Repeat([]byte("a"), 150)) {
		t.Fatalf("expected to see the kept multipart entry intact, got %v ok=%v", v, ok)
	}
	if _, ok := seen[removedKey.Partial()]; ok {
		t.Fatalf("removed entry should not surface from IterWhile")
	}
	if len(seen) != 1 {
		t.Fatalf("expected exactly 1 live entry, saw %d", len(seen))
	}
}

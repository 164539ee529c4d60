package kvstore

import "testing"

func mustCreateIndexTable(t *testing.T, bits uint8) *IndexTable {
	t.Helper()
	dir := t.TempDir()
	it, err := CreateIndexTable(dir, NewIndexTableID(0, bits))
	if err != nil {
		t.Fatalf("CreateIndexTable: %v", err)
	}
	return it
}

func keyWithChunkPrefix(chunk uint64, bits uint8, tail byte) Key {
	var k Key
	prefix := chunk << (64 - uint(bits))
	for i := 0; i < 6; i++ {
		k[i] = byte(prefix >> (56 - 8*uint(i)))
	}
	k[31] = tail
	return k
}

func enactPendingChunks(t *testing.T, it *IndexTable, log *fakeLog) {
	t.Helper()
	if err := log.enactIndexes(func(table IndexTableID, chunk uint64, data []byte) error {
		if table != it.ID() {
			return nil
		}
		return it.EnactPlan(chunk, data)
	}); err != nil {
		t.Fatalf("enacting index chunks: %v", err)
	}
}

func TestIndexInsertGetRemove(t *testing.T) {
	it := mustCreateIndexTable(t, 4)
	log := newFakeLog()

	key := keyWithChunkPrefix(3, 4, 0x01)
	addr := NewAddress(2, 10)

	outcome, err := it.WriteInsertPlan(key, addr, log, false)
	if err != nil || outcome != PlanWritten {
		t.Fatalf("WriteInsertPlan: outcome=%v err=%v", outcome, err)
	}
	enactPendingChunks(t, it, log)

	got, ok, err := it.Get(key, nil)
	if err != nil || !ok || got != addr {
		t.Fatalf("Get after enact: got=%v ok=%v err=%v", got, ok, err)
	}
	if it.TotalEntries() != 1 {
		t.Fatalf("TotalEntries = %d, want 1", it.TotalEntries())
	}

	if err := it.WriteRemovePlan(key, log); err != nil {
		t.Fatalf("WriteRemovePlan: %v", err)
	}
	enactPendingChunks(t, it, log)

	if _, ok, err := it.Get(key, nil); err != nil || ok {
		t.Fatalf("Get after remove: ok=%v err=%v", ok, err)
	}
	if it.TotalEntries() != 0 {
		t.Fatalf("TotalEntries after remove = %d, want 0", it.TotalEntries())
	}
}

func TestIndexChunkOverflowNeedsRebalance(t *testing.T) {
	it := mustCreateIndexTable(t, 1)
	log := newFakeLog()

	for i := 0; i < entriesPerChunk; i++ {
		key := keyWithChunkPrefix(0, 1, byte(i))
		outcome, err := it.WriteInsertPlan(key, NewAddress(0, uint64(i+1)), log, false)
		if err != nil || outcome != PlanWritten {
			t.Fatalf("insert %d: outcome=%v err=%v", i, outcome, err)
		}
	}
	enactPendingChunks(t, it, log)

	overflow := keyWithChunkPrefix(0, 1, 0xFF)
	outcome, err := it.WriteInsertPlan(overflow, NewAddress(0, 99), log, false)
	if err != nil {
		t.Fatalf("overflow insert: %v", err)
	}
	if outcome != PlanNeedRebalance {
		t.Fatalf("outcome = %v, want PlanNeedRebalance", outcome)
	}
}

func TestIndexOverwriteSameKey(t *testing.T) {
	it := mustCreateIndexTable(t, 2)
	log := newFakeLog()
	key := keyWithChunkPrefix(1, 2, 0x09)

	if _, err := it.WriteInsertPlan(key, NewAddress(0, 1), log, false); err != nil {
		t.Fatal(err)
	}
	enactPendingChunks(t, it, log)

	outcome, err := it.WriteInsertPlan(key, NewAddress(0, 2), log, true)
	if err != nil || outcome != PlanWritten {
		t.Fatalf("overwrite: outcome=%v err=%v", outcome, err)
	}
	enactPendingChunks(t, it, log)

	got, ok, err := it.Get(key, nil)
	if err != nil || !ok || got != NewAddress(0, 2) {
		t.Fatalf("Get after overwrite: got=%v ok=%v err=%v", got, ok, err)
	}
	if it.TotalEntries() != 1 {
		t.Fatalf("TotalEntries after overwrite = %d, want 1 (no double count)", it.TotalEntries())
	}
}

func TestIndexOverlayVisibleBeforeEnact(t *testing.T) {
	it := mustCreateIndexTable(t, 2)
	log := newFakeLog()
	key := keyWithChunkPrefix(0, 2, 0x05)
	addr := NewAddress(1, 7)

	if _, err := it.WriteInsertPlan(key, addr, log, false); err != nil {
		t.Fatal(err)
	}

	got, ok, err := it.GetPlanned(key, log)
	if err != nil || !ok || got != addr {
		t.Fatalf("GetPlanned before enact: got=%v ok=%v err=%v", got, ok, err)
	}
	if _, ok, _ := it.Get(key, nil); ok {
		t.Fatalf("Get without log overlay should not see unenacted plan")
	}
}

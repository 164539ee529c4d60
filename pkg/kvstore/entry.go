package kvstore

import "encoding/binary"

// Byte widths of the fixed fields making up a value table slot, named
// after original_source/src/table.rs's REFS_SIZE / SIZE_SIZE / INDEX_SIZE
// rather than left as magic numbers.
const (
	sizeSize = 2 // the leading size|compressed or tag word
	indexU64 = 8 // a next-slot pointer (tombstone, multipart)
	refsSize = 4 // the refcount word, present only when a column is ref-counted
)

// MinEntrySize and MaxEntrySize bound a size tier's configured slot size,
// adopted from original_source/src/table.rs's MIN_ENTRY_SIZE/MAX_ENTRY_SIZE
// (see SPEC_FULL.md "Supplemented features"). MaxEntrySize is chosen so
// that the compressed-bit-tagged size word and the reserved multipart
// discriminants never overlap.
const (
	MinEntrySize = 32
	MaxEntrySize = 0x7ff8
)

// compressedMask is set in the high bit of the size word when a
// single-slot or chain-terminal entry's payload is compressed.
const compressedMask uint16 = 0x8000

// LockedRef is the sentinel refcount value that pins an entry: once
// reached it never decreases (spec.md section 3, "Refcount").
const LockedRef uint32 = 0xFFFFFFFF

// Slot discriminant tags, little-endian 16-bit values read from the first
// two bytes of every slot. Current layout, per spec.md section 3.
const (
	tagTombstone             uint16 = 0xFFFF
	tagMultipartContinuation uint16 = 0xFFFE
	tagMultipartHead         uint16 = 0xFFFD
)

// v4 layout discriminants. The v4 on-disk byte sequences are [0xff,0xfe]
// (continuation) and [0xff,0xfd] (head) — distinct little-endian values
// from the current layout's, despite spec.md's own prose describing the
// v4 scheme as reusing a single ambiguous 0xFFFE tag for both roles. We
// follow original_source/src/table.rs's actual constants here rather than
// that simplification; see DESIGN.md.
const (
	tagMultipartContinuationV4 uint16 = 0xFEFF
	tagMultipartHeadV4         uint16 = 0xFDFF
)

type slotKind int

const (
	slotComplete slotKind = iota
	slotTombstone
	slotMultipartHead
	slotMultipartContinuation
)

// classifySlot inspects a slot's leading tag word and reports its kind
// under the given on-disk layout version. dbVersion <= 4 additionally
// recognizes the historical multipart discriminants (spec.md section 6,
// "Versioning"): "Readers must accept v4 discriminants when db_version
// <= 4. Writers always emit current layout."
func classifySlot(tag uint16, dbVersion uint32) slotKind {
	switch tag {
	case tagTombstone:
		return slotTombstone
	case tagMultipartHead:
		return slotMultipartHead
	case tagMultipartContinuation:
		return slotMultipartContinuation
	}
	if dbVersion <= 4 {
		switch tag {
		case tagMultipartHeadV4:
			return slotMultipartHead
		case tagMultipartContinuationV4:
			return slotMultipartContinuation
		}
	}
	return slotComplete
}

func readTag(buf []byte) uint16 {
	return binary.LittleEndian.Uint16(buf[0:2])
}

func writeTombstoneTag(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:2], tagTombstone)
}

func writeMultipartHeadTag(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:2], tagMultipartHead)
}

func writeMultipartContinuationTag(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:2], tagMultipartContinuation)
}

// decodeSize reads the size|compressed word written by writeSize.
func decodeSize(word uint16) (size uint16, compressed bool) {
	return word &^ compressedMask, word&compressedMask != 0
}

func writeSize(buf []byte, size uint16, compressed bool) {
	word := size
	if compressed {
		word |= compressedMask
	}
	binary.LittleEndian.PutUint16(buf[0:2], word)
}

func readU64(buf []byte) uint64 { return binary.LittleEndian.Uint64(buf[:8]) }
func writeU64(buf []byte, v uint64) { binary.LittleEndian.PutUint64(buf[:8], v) }

func readU32(buf []byte) uint32 { return binary.LittleEndian.Uint32(buf[:4]) }
func writeU32(buf []byte, v uint32) { binary.LittleEndian.PutUint32(buf[:4], v) }

func readPartialKey(buf []byte) PartialKey {
	var p PartialKey
	copy(p[:], buf[:PartialKeySize])
	return p
}

func writePartialKey(buf []byte, p PartialKey) {
	copy(buf[:PartialKeySize], p[:])
}

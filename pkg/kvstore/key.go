package kvstore

// KeySize is the width of every key accepted by the store. Keys are
// opaque fixed-width hashes; there is no range scan or ordering over
// them.
const KeySize = 32

// PartialKeySize is the number of low-order bytes of a Key stored inline
// in a value entry for collision discrimination, per the data model in
// spec.md section 3.
const PartialKeySize = KeySize - 6

// Key is a fixed-width 32-byte key. The high 6 bytes place the key within
// an index table; the low PartialKeySize bytes are its partial key.
type Key [KeySize]byte

// PartialKey is the low PartialKeySize bytes of a Key, as stored inline in
// a value entry.
type PartialKey [PartialKeySize]byte

// Partial returns the partial key portion of k.
func (k Key) Partial() (p PartialKey) {
	copy(p[:], k[KeySize-PartialKeySize:])
	return p
}

// prefix returns the high 6 bytes of k used for index placement, as a
// big-endian uint64 left-shifted into the top 48 bits so that higher bit
// counts select progressively finer-grained prefixes of the same value.
func (k Key) prefix() uint64 {
	var v uint64
	for i := 0; i < 6; i++ {
		v = v<<8 | uint64(k[i])
	}
	return v << 16
}

// chunkIndex returns the chunk this key hashes to in an index table of the
// given bit width.
func (k Key) chunkIndex(bits uint8) uint64 {
	if bits == 0 {
		return 0
	}
	return k.prefix() >> (64 - uint(bits))
}

// matches reports whether k's partial key equals p, the discriminator
// read back from a value slot to confirm the slot belongs to k.
func (k Key) matches(p PartialKey) bool {
	return k.Partial() == p
}

// rebuildKey reconstructs a key from its full 48-bit prefix (as returned
// by Key.prefix, and stored verbatim alongside each index entry) and the
// partial key read back from a value slot. Unlike re-deriving a prefix
// from a chunk index and bit width, this loses no bits regardless of
// which index width the entry was originally inserted through, which is
// what makes it safe to use during rebalance migration (spec.md section
// 4.3): the old, narrower index's chunk position alone isn't enough to
// recover the bits of the key beyond that width.
func rebuildKey(prefix uint64, partial PartialKey) Key {
	var k Key
	for i := 0; i < 6; i++ {
		k[i] = byte(prefix >> (56 - 8*uint(i)))
	}
	copy(k[6:], partial[:])
	return k
}

// Package kvtest provides shared fixtures for pkg/kvstore and pkg/kvdb
// tests, grounded on pkg/sorted/kvtest's role of giving every KeyValue
// backend implementation the same randomized-value test harness to run
// against.
package kvtest

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"

	"github.com/Blockchain215/blockchain-parity-db/pkg/kvstore"
)

// DeriveKey reproduces spec.md's worked examples, which derive a key
// from the blake2b hash of a little-endian uint32 seed (e.g. "k1 derived
// from blake2b of [1,0,0,0]").
func DeriveKey(seed uint32) kvstore.Key {
	var in [4]byte
	binary.LittleEndian.PutUint32(in[:], seed)
	sum := blake2b.Sum256(in[:])
	var k kvstore.Key
	copy(k[:], sum[:kvstore.KeySize])
	return k
}

// Value returns a deterministic, easily verified payload of the given
// length: repeating bytes derived from seed so two different seeds never
// collide on a short prefix.
func Value(seed byte, length int) []byte {
	v := make([]byte, length)
	for i := range v {
		v[i] = seed ^ byte(i)
	}
	return v
}

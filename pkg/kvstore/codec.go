package kvstore

// Codec is the compression collaborator a Column consults while planning
// a write, mirroring the WAL contract's shape (spec.md section 9 treats
// compression as a size-tier-selection detail internal to the core, not
// part of its public write_plan signature). A concrete implementation
// (snappy, by default) lives in pkg/kvstore/codec.
type Codec interface {
	// Compress attempts to shrink src, reporting worthwhile=false (and a
	// nil dst) when compression would not reduce storage, e.g. because
	// the result is larger than the input or the gain is negligible.
	Compress(src []byte) (dst []byte, worthwhile bool)

	// Decompress expands src. sizeHint only sizes the initial buffer;
	// Column passes the stored (compressed) length, since the original
	// length is not recorded.
	Decompress(src []byte, sizeHint int) ([]byte, error)
}

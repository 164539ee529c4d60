package kvstore

import "fmt"

// ColID identifies a column within a database. A database may hold up to
// 256 independent columns.
type ColID uint8

// ValueTableID packs (column, size tier) into 16 bits, following
// original_source/src/table.rs's TableId(u16). Used to route
// LogAction entries back to the value table that should enact them
// (spec.md section 4.3, "Plan enactment").
type ValueTableID uint16

// NewValueTableID builds a ValueTableID for the given column and size
// tier.
func NewValueTableID(col ColID, tier uint8) ValueTableID {
	return ValueTableID(uint16(col)<<8 | uint16(tier))
}

// Col returns the column component of id.
func (id ValueTableID) Col() ColID { return ColID(id >> 8) }

// Tier returns the size-tier component of id.
func (id ValueTableID) Tier() uint8 { return uint8(id) }

// FileName returns the on-disk file name for id, per spec.md section 6:
// "table_<cc>_<tt> — value file for column cc tier tt (... 2-hex in later
// versions)".
func (id ValueTableID) FileName() string {
	return fmt.Sprintf("table_%02x_%02x", id.Col(), id.Tier())
}

// IndexTableID packs (column, bits) into 16 bits, mirroring ValueTableID's
// shape for the index side of the same routing table.
type IndexTableID uint16

// NewIndexTableID builds an IndexTableID for the given column and index
// bit width.
func NewIndexTableID(col ColID, bits uint8) IndexTableID {
	return IndexTableID(uint16(col)<<8 | uint16(bits))
}

// Col returns the column component of id.
func (id IndexTableID) Col() ColID { return ColID(id >> 8) }

// Bits returns the bit-width component of id.
func (id IndexTableID) Bits() uint8 { return uint8(id) }

// FileName returns the on-disk file name for id, per spec.md section 6:
// "index_<cc>_<bb> — index file for column cc at bb bits".
func (id IndexTableID) FileName() string {
	return fmt.Sprintf("index_%02x_%02x", id.Col(), id.Bits())
}

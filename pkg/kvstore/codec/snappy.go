// Package codec provides the default kvstore.Codec implementation used
// to populate the compressed bit in a value table entry's size word
// (spec.md section 4.1). Grounded on the teacher's transitive
// compression stack (modernc.org/zappy reached via modernc.org/kv) by
// swapping in the ecosystem's other common small-value codec,
// github.com/golang/snappy, which the rest of the retrieved example
// pack also reaches for whenever a column-family store needs cheap
// block compression.
package codec

import (
	"fmt"

	"github.com/golang/snappy"

	"github.com/Blockchain215/blockchain-parity-db/pkg/kvstore"
)

// minWorthwhileRatio is the fraction of the original size a compressed
// value must beat before the compressed bit is worth setting; below
// this the framing overhead isn't paid back.
const minWorthwhileRatio = 0.9

// Snappy compresses values with the snappy block format. The zero value
// is ready to use.
type Snappy struct{}

// New returns a ready-to-use Snappy codec.
func New() Snappy { return Snappy{} }

// Compress implements kvstore.Codec.
func (Snappy) Compress(src []byte) ([]byte, bool) {
	if len(src) == 0 {
		return nil, false
	}
	dst := snappy.Encode(nil, src)
	if float64(len(dst)) > float64(len(src))*minWorthwhileRatio {
		return nil, false
	}
	return dst, true
}

// Decompress implements kvstore.Codec.
func (Snappy) Decompress(src []byte, sizeHint int) ([]byte, error) {
	dst := make([]byte, 0, sizeHint)
	out, err := snappy.Decode(dst, src)
	if err != nil {
		return nil, fmt.Errorf("codec: snappy decode: %w", err)
	}
	return out, nil
}

var _ kvstore.Codec = Snappy{}

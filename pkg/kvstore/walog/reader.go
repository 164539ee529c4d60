package walog

import "github.com/Blockchain215/blockchain-parity-db/pkg/kvstore"

// reader replays one durable record's actions in order. Once the record
// is exhausted it tells the owning Log to drop that record's entries
// from the shared overlay: from that point the durable table files are
// the only source of truth for the slots it touched, matching spec.md's
// "enacted, then retired from the overlay" sequencing.
type reader struct {
	log     *Log
	actions []kvstore.LogAction
	pos     int
	values  []valueKey
	indexes []indexKey
	retired bool
}

func (r *reader) Next() (kvstore.LogAction, bool, error) {
	if r.pos < len(r.actions) {
		a := r.actions[r.pos]
		r.pos++
		return a, true, nil
	}
	if !r.retired {
		r.retired = true
		r.log.overlay.remove(r.values, r.indexes)
	}
	return kvstore.LogAction{}, false, nil
}

var _ kvstore.LogReader = (*reader)(nil)

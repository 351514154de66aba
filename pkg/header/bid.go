package header

import (
	"errors"
	"fmt"

	"github.com/voliner/imagehdr/internal/objectStore"
	"github.com/voliner/imagehdr/pkg/wire"
)

// bidRecordSize is the fixed size of the counter object's payload: a
// single little-endian max_id.
const bidRecordSize = 8

// assignBid allocates the next block id from the shared counter object.
// An absent or empty counter means no id was ever handed out, so the first
// allocation is 0. The full fixed-size record is rewritten on every call.
func assignBid(op *opContext, in []byte) ([]byte, error) {
	buf, err := op.txn.Read(0, bidRecordSize)
	if err != nil && !errors.Is(err, objectStore.ErrObjectNotFound) {
		return nil, err
	}

	var maxID uint64
	if len(buf) > 0 {
		if len(buf) < bidRecordSize {
			op.log.Error("bad block id counter object", "len", len(buf), "want", bidRecordSize)
			return nil, fmt.Errorf("%w: block id counter record", ErrCorrupt)
		}
		d := wire.NewDecoder(buf)
		maxID = d.U64() + 1
	}

	if err := op.txn.WriteFull(encodeU64(maxID)); err != nil {
		return nil, err
	}

	op.log.Debug("assign_bid", "maxID", maxID)
	return encodeU64(maxID), nil
}

package header

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/voliner/imagehdr/internal/objectStore"
	"github.com/voliner/imagehdr/pkg/wire"
)

func TestAssignBidSequence(t *testing.T) {
	ctl := newTestController(t)

	// the first allocation against a virgin counter object is 0, then
	// each call hands out the next id
	for want := uint64(0); want < 5; want++ {
		out := mustInvoke(t, ctl, "image_info", "assign_bid", nil)
		d := wire.NewDecoder(out)
		assert.Equal(t, want, d.U64())
		assert.NoError(t, d.Err())
	}
}

func TestAssignBidPerObjectCounters(t *testing.T) {
	ctl := newTestController(t)

	mustInvoke(t, ctl, "image_info", "assign_bid", nil)
	mustInvoke(t, ctl, "image_info", "assign_bid", nil)

	// a different counter object starts from scratch
	out := mustInvoke(t, ctl, "other_info", "assign_bid", nil)
	assert.Equal(t, uint64(0), wire.NewDecoder(out).U64())
}

func TestAssignBidCorruptCounter(t *testing.T) {
	ctl := newTestController(t)

	err := ctl.store.Update("image_info", func(txn *objectStore.Txn) error {
		return txn.WriteFull([]byte{1, 2, 3})
	})
	if err != nil {
		t.Fatalf("seeding corrupt counter: %v", err)
	}

	_, err = ctl.Invoke("image_info", testRequester, "assign_bid", nil)
	assert.ErrorIs(t, err, ErrCorrupt)
}

package header

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/voliner/imagehdr/pkg/wire"
)

func setParentInput(pool int64, imageID string, snapID, size uint64) []byte {
	e := wire.NewEncoder()
	e.PutI64(pool)
	e.PutString(imageID)
	e.PutU64(snapID)
	e.PutU64(size)
	return e.Bytes()
}

func TestSetGetRemoveParent(t *testing.T) {
	ctl := newTestController(t)
	createImage(t, ctl, "child", 1<<30, FeatureLayering)

	_, err := ctl.Invoke("child", testRequester, "get_parent", encU64(NoSnap))
	assert.ErrorIs(t, err, ErrNotFound)

	mustInvoke(t, ctl, "child", "set_parent", setParentInput(2, "base", 9, 1<<29))

	out := mustInvoke(t, ctl, "child", "get_parent", encU64(NoSnap))
	d := wire.NewDecoder(out)
	assert.Equal(t, int64(2), d.I64())
	assert.Equal(t, "base", d.String())
	assert.Equal(t, uint64(9), d.U64())
	// parent smaller than the child, so overlap is the parent size
	assert.Equal(t, uint64(1<<29), d.U64())
	assert.NoError(t, d.Err())

	mustInvoke(t, ctl, "child", "remove_parent", nil)
	_, err = ctl.Invoke("child", testRequester, "get_parent", encU64(NoSnap))
	assert.ErrorIs(t, err, ErrNotFound)

	// removing twice reports the absence
	_, err = ctl.Invoke("child", testRequester, "remove_parent", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetParentTwiceFails(t *testing.T) {
	ctl := newTestController(t)
	createImage(t, ctl, "child", 1<<30, FeatureLayering)

	mustInvoke(t, ctl, "child", "set_parent", setParentInput(2, "base", 9, 1<<29))

	_, err := ctl.Invoke("child", testRequester, "set_parent", setParentInput(4, "other", 1, 1<<29))
	assert.ErrorIs(t, err, ErrExists)

	// the original pointer survives
	out := mustInvoke(t, ctl, "child", "get_parent", encU64(NoSnap))
	d := wire.NewDecoder(out)
	assert.Equal(t, int64(2), d.I64())
	assert.Equal(t, "base", d.String())
}

func TestSetParentValidation(t *testing.T) {
	ctl := newTestController(t)
	createImage(t, ctl, "child", 1<<30, FeatureLayering)

	cases := []struct {
		name string
		in   []byte
	}{
		{"negative pool", setParentInput(-1, "base", 9, 1<<29)},
		{"empty image id", setParentInput(2, "", 9, 1<<29)},
		{"live-image snap id", setParentInput(2, "base", NoSnap, 1<<29)},
		{"zero size", setParentInput(2, "base", 9, 0)},
	}
	for _, c := range cases {
		_, err := ctl.Invoke("child", testRequester, "set_parent", c.in)
		assert.ErrorIs(t, err, ErrInvalidArgument, c.name)
	}
}

func TestParentNeedsLayering(t *testing.T) {
	ctl := newTestController(t)
	createImage(t, ctl, "flat", 1<<30, 0)

	_, err := ctl.Invoke("flat", testRequester, "set_parent", setParentInput(2, "base", 9, 1<<29))
	assert.ErrorIs(t, err, ErrUnsupported)

	_, err = ctl.Invoke("flat", testRequester, "get_parent", encU64(NoSnap))
	assert.ErrorIs(t, err, ErrUnsupported)

	_, err = ctl.Invoke("flat", testRequester, "remove_parent", nil)
	assert.ErrorIs(t, err, ErrUnsupported)

	// a missing image reports not-found, not a feature problem
	_, err = ctl.Invoke("ghost", testRequester, "get_parent", encU64(NoSnap))
	assert.ErrorIs(t, err, ErrNotFound)
}

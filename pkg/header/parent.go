package header

import (
	"errors"
	"fmt"

	"github.com/voliner/imagehdr/pkg/wire"
)

// getParent returns the parent pointer of the live image (NoSnap) or the
// pointer frozen into a snapshot. Requires the layering feature.
func getParent(op *opContext, in []byte) ([]byte, error) {
	d := wire.NewDecoder(in)
	snapID := d.U64()
	if d.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, d.Err())
	}

	if err := op.checkExists(); err != nil {
		return nil, err
	}

	op.log.Debug("get_parent", "snapID", snapID)

	if err := op.requireFeature(FeatureLayering); err != nil {
		return nil, err
	}

	var parent parentPointer
	if snapID == NoSnap {
		var err error
		parent, err = op.readParent()
		if err != nil {
			return nil, err
		}
	} else {
		snap, err := op.readSnapshot(snapKeyFromID(snapID))
		if err != nil {
			return nil, err
		}
		parent = snap.Parent
	}

	if !parent.exists() {
		return nil, fmt.Errorf("%w: no parent", ErrNotFound)
	}

	e := wire.NewEncoder()
	e.PutI64(parent.Pool)
	e.PutString(parent.ImageID)
	e.PutU64(parent.SnapID)
	e.PutU64(parent.Overlap)
	return e.Bytes(), nil
}

// setParent attaches a parent to the image. There is at most one parent
// ever; re-parenting through this operation is refused. The stored overlap
// is the smaller of the image's size and the given parent size.
func setParent(op *opContext, in []byte) ([]byte, error) {
	d := wire.NewDecoder(in)
	pool := d.I64()
	imageID := d.String()
	snapID := d.U64()
	size := d.U64()
	if d.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, d.Err())
	}

	if err := op.checkExists(); err != nil {
		return nil, err
	}
	if err := op.requireFeature(FeatureLayering); err != nil {
		return nil, err
	}

	op.log.Debug("set_parent", "pool", pool, "imageID", imageID,
		"snapID", snapID, "size", size)

	if pool < 0 || len(imageID) == 0 || snapID == NoSnap || size == 0 {
		return nil, fmt.Errorf("%w: bad parent spec", ErrInvalidArgument)
	}

	// make sure there isn't already a parent
	existing, err := op.readParent()
	if err == nil {
		op.log.Debug("parent already set", "pool", existing.Pool,
			"imageID", existing.ImageID, "snapID", existing.SnapID,
			"overlap", existing.Overlap)
		return nil, fmt.Errorf("%w: parent", ErrExists)
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	// our overlap is the min of our size and the parent's size
	ourSize, err := op.readU64(sizeKey)
	if err != nil {
		return nil, err
	}
	overlap := size
	if ourSize < overlap {
		overlap = ourSize
	}

	e := wire.NewEncoder()
	parentPointer{
		Pool:    pool,
		ImageID: imageID,
		SnapID:  snapID,
		Overlap: overlap,
	}.encode(e)
	return nil, op.txn.SetKey(parentKey, e.Bytes())
}

// removeParent detaches the image's parent. Parent copies already frozen
// into snapshots are untouched.
func removeParent(op *opContext, in []byte) ([]byte, error) {
	if err := op.checkExists(); err != nil {
		return nil, err
	}
	if err := op.requireFeature(FeatureLayering); err != nil {
		return nil, err
	}

	if _, err := op.readParent(); err != nil {
		return nil, err
	}
	return nil, op.txn.RemoveKey(parentKey)
}

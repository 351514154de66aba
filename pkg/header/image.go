package header

import (
	"errors"
	"fmt"

	"github.com/voliner/imagehdr/internal/objectStore"
	"github.com/voliner/imagehdr/pkg/wire"
)

// checkExists verifies the metadata object itself exists, independent of
// which keys it carries.
func (op *opContext) checkExists() error {
	err := op.txn.Stat()
	if errors.Is(err, objectStore.ErrObjectNotFound) {
		return fmt.Errorf("%w: image", ErrNotFound)
	}
	return err
}

// requireFeature fails unless the image has all features in need set. An
// image without a features key at all predates the feature bitmask and
// supports none of the new-format operations.
func (op *opContext) requireFeature(need uint64) error {
	features, err := op.readU64(featuresKey)
	if errors.Is(err, ErrNotFound) {
		if err := op.checkExists(); err != nil {
			return err
		}
		return fmt.Errorf("%w: image has no feature bitmask", ErrUnsupported)
	}
	if err != nil {
		return err
	}
	if features&need != need {
		op.log.Info("missing required feature", "need", need, "have", features)
		return fmt.Errorf("%w: feature %#x required", ErrUnsupported, need)
	}
	return nil
}

// create initializes the image metadata. It writes size, order, features,
// object_prefix and a zero snap_seq as five key writes inside the one
// transaction. The object_prefix key doubles as the existence marker, so
// re-creating an image fails with ErrExists.
func create(op *opContext, in []byte) ([]byte, error) {
	d := wire.NewDecoder(in)
	size := d.U64()
	order := d.U8()
	features := d.U64()
	objectPrefix := d.String()
	if d.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, d.Err())
	}

	op.log.Debug("create", "objectPrefix", objectPrefix, "size", size,
		"order", order, "features", features)

	if features&^FeaturesAll != 0 {
		return nil, fmt.Errorf("%w: unknown features %#x", ErrUnsupported, features&^FeaturesAll)
	}
	if len(objectPrefix) == 0 {
		return nil, fmt.Errorf("%w: empty object prefix", ErrInvalidArgument)
	}

	_, err := op.txn.GetKey(objectPrefixKey)
	if !errors.Is(err, objectStore.ErrKeyNotFound) {
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: image", ErrExists)
	}

	if err := op.txn.SetKey(sizeKey, encodeU64(size)); err != nil {
		return nil, err
	}
	if err := op.txn.SetKey(orderKey, encodeU8(order)); err != nil {
		return nil, err
	}
	if err := op.txn.SetKey(featuresKey, encodeU64(features)); err != nil {
		return nil, err
	}
	if err := op.txn.SetKey(objectPrefixKey, encodeString(objectPrefix)); err != nil {
		return nil, err
	}
	if err := op.txn.SetKey(snapSeqKey, encodeU64(0)); err != nil {
		return nil, err
	}
	return nil, nil
}

// getFeatures returns the feature bitmask of the live image (NoSnap) or of
// a snapshot, plus the derived incompatible subset.
func getFeatures(op *opContext, in []byte) ([]byte, error) {
	d := wire.NewDecoder(in)
	snapID := d.U64()
	if d.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, d.Err())
	}

	op.log.Debug("get_features", "snapID", snapID)

	var features uint64
	if snapID == NoSnap {
		var err error
		features, err = op.readU64(featuresKey)
		if err != nil {
			return nil, err
		}
	} else {
		snap, err := op.readSnapshot(snapKeyFromID(snapID))
		if err != nil {
			return nil, err
		}
		features = snap.Features
	}

	e := wire.NewEncoder()
	e.PutU64(features)
	e.PutU64(features & FeaturesIncompatible)
	return e.Bytes(), nil
}

// getSize returns the block order and the size of the live image (NoSnap)
// or the size frozen into a snapshot.
func getSize(op *opContext, in []byte) ([]byte, error) {
	if err := op.requireFeature(0); err != nil {
		return nil, err
	}

	d := wire.NewDecoder(in)
	snapID := d.U64()
	if d.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, d.Err())
	}

	op.log.Debug("get_size", "snapID", snapID)

	order, err := op.readU8(orderKey)
	if err != nil {
		return nil, err
	}

	var size uint64
	if snapID == NoSnap {
		size, err = op.readU64(sizeKey)
		if err != nil {
			return nil, err
		}
	} else {
		snap, err := op.readSnapshot(snapKeyFromID(snapID))
		if err != nil {
			return nil, err
		}
		size = snap.ImageSize
	}

	e := wire.NewEncoder()
	e.PutU8(order)
	e.PutU64(size)
	return e.Bytes(), nil
}

// setSize updates the live image size. Shrinking below the parent overlap
// clamps the stored overlap down to the new size in the same transaction.
func setSize(op *opContext, in []byte) ([]byte, error) {
	if err := op.requireFeature(0); err != nil {
		return nil, err
	}

	d := wire.NewDecoder(in)
	size := d.U64()
	if d.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, d.Err())
	}

	origSize, err := op.readU64(sizeKey)
	if err != nil {
		return nil, err
	}

	op.log.Debug("set_size", "size", size, "origSize", origSize)

	if err := op.txn.SetKey(sizeKey, encodeU64(size)); err != nil {
		return nil, err
	}

	// if we are shrinking, and have a parent, shrink our overlap with
	// the parent, too
	if size < origSize {
		parent, err := op.readParent()
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if parent.exists() && parent.Overlap > size {
			parent.Overlap = size
			e := wire.NewEncoder()
			parent.encode(e)
			if err := op.txn.SetKey(parentKey, e.Bytes()); err != nil {
				return nil, err
			}
		}
	}
	return nil, nil
}

// getObjectPrefix returns the name prefix of the image's data objects.
func getObjectPrefix(op *opContext, in []byte) ([]byte, error) {
	if err := op.requireFeature(0); err != nil {
		return nil, err
	}

	prefix, err := op.readString(objectPrefixKey)
	if err != nil {
		return nil, err
	}
	return encodeString(prefix), nil
}

// getAllFeatures returns the statically known supported feature bitmask,
// independent of any image.
func getAllFeatures(op *opContext, in []byte) ([]byte, error) {
	return encodeU64(FeaturesAll), nil
}

package header

import (
	"errors"
	"fmt"

	"github.com/voliner/imagehdr/internal/objectStore"
	"github.com/voliner/imagehdr/pkg/wire"
)

// getSnapshotName returns the name of the snapshot with the given id.
// NoSnap is not a snapshot and is rejected.
func getSnapshotName(op *opContext, in []byte) ([]byte, error) {
	if err := op.requireFeature(0); err != nil {
		return nil, err
	}

	d := wire.NewDecoder(in)
	snapID := d.U64()
	if d.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, d.Err())
	}

	op.log.Debug("get_snapshot_name", "snapID", snapID)

	if snapID == NoSnap {
		return nil, fmt.Errorf("%w: snap id is the live image sentinel", ErrInvalidArgument)
	}

	snap, err := op.readSnapshot(snapKeyFromID(snapID))
	if err != nil {
		return nil, err
	}
	return encodeString(snap.Name), nil
}

// snapshotAdd records a new snapshot of the live image. The id must not be
// below the image's snap_seq high-water mark (a lower id means the caller
// lost a race with another snapshot creation), and both the id and the name
// must be unused by any existing snapshot. The record freezes the current
// size, features and parent pointer, and snap_seq is advanced to the new id
// in the same batched write.
func snapshotAdd(op *opContext, in []byte) ([]byte, error) {
	if err := op.requireFeature(0); err != nil {
		return nil, err
	}

	d := wire.NewDecoder(in)
	meta := snapshotRecord{
		Name:   d.String(),
		Parent: noParent(),
	}
	meta.ID = d.U64()
	if d.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, d.Err())
	}

	op.log.Debug("snapshot_add", "name", meta.Name, "snapID", meta.ID)

	if meta.ID > MaxSnap {
		return nil, fmt.Errorf("%w: snap id %d out of range", ErrInvalidArgument, meta.ID)
	}

	curSeq, err := op.readU64(snapSeqKey)
	if err != nil {
		return nil, err
	}
	// snap_seq only ever moves forward across successful adds
	if meta.ID < curSeq {
		return nil, fmt.Errorf("%w: snap id %d below snap_seq %d", ErrStale, meta.ID, curSeq)
	}

	meta.ImageSize, err = op.readU64(sizeKey)
	if err != nil {
		return nil, err
	}
	meta.Features, err = op.readU64(featuresKey)
	if err != nil {
		return nil, err
	}

	lastRead := snapKeyPrefix
	for {
		vals, err := op.txn.GetVals(lastRead, snapKeyPrefix, maxKeysRead)
		if err != nil {
			return nil, err
		}
		for _, kv := range vals {
			sd := wire.NewDecoder(kv.Value)
			old := decodeSnapshot(sd)
			if sd.Err() != nil {
				op.log.Error("error decoding snapshot record", "key", kv.Key)
				return nil, fmt.Errorf("%w: decoding snapshot record %q", ErrCorrupt, kv.Key)
			}
			if old.Name == meta.Name || old.ID == meta.ID {
				op.log.Debug("snapshot name or id already taken",
					"name", old.Name, "snapID", old.ID)
				return nil, fmt.Errorf("%w: snapshot %q/%d", ErrExists, old.Name, old.ID)
			}
		}
		if len(vals) < maxKeysRead {
			break
		}
		lastRead = vals[len(vals)-1].Key
	}

	// snapshot inherits the parent, if any
	parent, err := op.readParent()
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err == nil {
		meta.Parent = parent
	}

	e := wire.NewEncoder()
	meta.encode(e)
	return nil, op.txn.SetKeys(map[string][]byte{
		snapSeqKey:             encodeU64(meta.ID),
		snapKeyFromID(meta.ID): e.Bytes(),
	})
}

// snapshotRemove deletes a snapshot record. snap_seq is left untouched so
// removed ids are never reused.
func snapshotRemove(op *opContext, in []byte) ([]byte, error) {
	if err := op.requireFeature(0); err != nil {
		return nil, err
	}

	d := wire.NewDecoder(in)
	snapID := d.U64()
	if d.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, d.Err())
	}

	op.log.Debug("snapshot_remove", "snapID", snapID)

	// the store treats removal of an absent key as success, so probe
	// first to report NotFound faithfully
	key := snapKeyFromID(snapID)
	if _, err := op.txn.GetKey(key); err != nil {
		if errors.Is(err, objectStore.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: snapshot %d", ErrNotFound, snapID)
		}
		return nil, err
	}
	return nil, op.txn.RemoveKey(key)
}

// getSnapContext returns snap_seq and every snapshot id in descending
// order, the shape callers need to build a point-in-time context for the
// image's data objects.
func getSnapContext(op *opContext, in []byte) ([]byte, error) {
	if err := op.requireFeature(0); err != nil {
		return nil, err
	}

	op.log.Debug("get_snapcontext")

	var snapIDs []uint64
	lastRead := snapKeyPrefix
	for {
		vals, err := op.txn.GetVals(lastRead, snapKeyPrefix, maxKeysRead)
		if err != nil {
			return nil, err
		}
		for _, kv := range vals {
			id, err := snapIDFromKey(kv.Key)
			if err != nil {
				return nil, err
			}
			snapIDs = append(snapIDs, id)
		}
		if len(vals) < maxKeysRead {
			break
		}
		lastRead = vals[len(vals)-1].Key
	}

	snapSeq, err := op.readU64(snapSeqKey)
	if err != nil {
		return nil, err
	}

	// ids must be descending in a snap context; the scan yields them
	// ascending because of the fixed-width hex keys
	for i, j := 0, len(snapIDs)-1; i < j; i, j = i+1, j-1 {
		snapIDs[i], snapIDs[j] = snapIDs[j], snapIDs[i]
	}

	e := wire.NewEncoder()
	e.PutU64(snapSeq)
	e.PutU32(uint32(len(snapIDs)))
	for _, id := range snapIDs {
		e.PutU64(id)
	}
	return e.Bytes(), nil
}

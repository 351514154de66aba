package header

import (
	"fmt"
	"strconv"

	"github.com/voliner/imagehdr/pkg/wire"
)

// Snapshot id sentinels. NoSnap addresses the live image instead of a
// snapshot; ids above MaxSnap are reserved.
const (
	NoSnap  = ^uint64(1) // 2^64 - 2
	MaxSnap = NoSnap - 100
)

// Optional image features. An image's feature bitmask is fixed at creation
// and frozen into every snapshot record.
const (
	FeatureLayering = uint64(1) << 0

	// FeaturesAll is every feature this controller understands.
	FeaturesAll = FeatureLayering
	// FeaturesIncompatible are features a client must understand to use
	// the image at all.
	FeaturesIncompatible = FeatureLayering
)

// Metadata map keys.
const (
	sizeKey         = "size"
	orderKey        = "order"
	featuresKey     = "features"
	objectPrefixKey = "object_prefix"
	snapSeqKey      = "snap_seq"
	parentKey       = "parent"

	snapKeyPrefix = "snapshot_"
	lockPrefix    = "lock_"
	lockTypeKey   = lockPrefix + "type"
	lockersKey    = lockPrefix + "lockers"

	lockTypeExclusive = "exclusive"
	lockTypeShared    = "shared"
)

// maxKeysRead is the page size for map key scans.
const maxKeysRead = 64

// parentPointer records the clone relationship to a parent image snapshot.
// A pointer with a negative pool or empty image id means "no parent".
type parentPointer struct {
	Pool    int64
	ImageID string
	SnapID  uint64
	Overlap uint64
}

func noParent() parentPointer {
	return parentPointer{Pool: -1}
}

func (p parentPointer) exists() bool {
	return p.Pool >= 0 && len(p.ImageID) > 0
}

func (p parentPointer) encode(e *wire.Encoder) {
	e.PutI64(p.Pool)
	e.PutString(p.ImageID)
	e.PutU64(p.SnapID)
	e.PutU64(p.Overlap)
}

func decodeParent(d *wire.Decoder) parentPointer {
	return parentPointer{
		Pool:    d.I64(),
		ImageID: d.String(),
		SnapID:  d.U64(),
		Overlap: d.U64(),
	}
}

// snapshotRecord is the frozen state of an image at snapshot time. Records
// are immutable: they are written once by snapshot_add and only ever
// removed, never rewritten.
type snapshotRecord struct {
	ID        uint64
	Name      string
	ImageSize uint64
	Features  uint64
	Parent    parentPointer
}

func (s snapshotRecord) encode(e *wire.Encoder) {
	e.PutU64(s.ID)
	e.PutString(s.Name)
	e.PutU64(s.ImageSize)
	e.PutU64(s.Features)
	s.Parent.encode(e)
}

func decodeSnapshot(d *wire.Decoder) snapshotRecord {
	return snapshotRecord{
		ID:        d.U64(),
		Name:      d.String(),
		ImageSize: d.U64(),
		Features:  d.U64(),
		Parent:    decodeParent(d),
	}
}

// snapKeyFromID derives the map key of a snapshot record. The fixed-width
// hex form makes lexicographic key order match numeric id order.
func snapKeyFromID(id uint64) string {
	return fmt.Sprintf("%s%016x", snapKeyPrefix, id)
}

func snapIDFromKey(key string) (uint64, error) {
	if len(key) <= len(snapKeyPrefix) {
		return 0, fmt.Errorf("%w: malformed snapshot key %q", ErrCorrupt, key)
	}
	id, err := strconv.ParseUint(key[len(snapKeyPrefix):], 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: malformed snapshot key %q", ErrCorrupt, key)
	}
	return id, nil
}

// locker identifies one held lock: the requester identity paired with the
// client-chosen cookie.
type locker struct {
	Requester string
	Cookie    string
}

func encodeLockers(e *wire.Encoder, lockers []locker) {
	e.PutU32(uint32(len(lockers)))
	for _, l := range lockers {
		e.PutString(l.Requester)
		e.PutString(l.Cookie)
	}
}

func decodeLockers(d *wire.Decoder) []locker {
	n := d.U32()
	if d.Err() != nil {
		return nil
	}
	lockers := make([]locker, 0, n)
	for i := uint32(0); i < n; i++ {
		lockers = append(lockers, locker{
			Requester: d.String(),
			Cookie:    d.String(),
		})
	}
	return lockers
}

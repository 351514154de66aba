package header

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/voliner/imagehdr/internal/objectStore"
	"github.com/voliner/imagehdr/pkg/wire"
)

// The legacy format keeps the whole image header in the object's raw
// payload: a fixed 112-byte preamble, then one 16-byte descriptor per
// snapshot, then the snapshot names as a block of null-terminated strings
// in descriptor order. Every mutation decodes the payload into owned
// slices, edits those, and writes a full replacement buffer; nothing is
// patched in place.

const (
	legacyHeaderSize = 112
	legacySnapSize   = 16

	legacyHeaderText = "<<< Virtual Block Device Image >>>\n"
	legacySignature  = "VBDI"
	legacyVersion    = "001.005"
)

type legacyHeader struct {
	Text         [40]byte
	BlockName    [24]byte
	Signature    [4]byte
	Version      [8]byte
	Order        uint8
	CryptType    uint8
	CompType     uint8
	Unused       uint8
	ImageSize    uint64
	SnapSeq      uint64
	SnapCount    uint32
	Reserved     uint32
	SnapNamesLen uint64
}

type legacySnap struct {
	ID        uint64
	ImageSize uint64
}

type legacyImage struct {
	Header legacyHeader
	Snaps  []legacySnap
	Names  []string
}

func decodeLegacyHeader(buf []byte) legacyHeader {
	d := wire.NewDecoder(buf)
	var h legacyHeader
	copy(h.Text[:], d.Raw(len(h.Text)))
	copy(h.BlockName[:], d.Raw(len(h.BlockName)))
	copy(h.Signature[:], d.Raw(len(h.Signature)))
	copy(h.Version[:], d.Raw(len(h.Version)))
	h.Order = d.U8()
	h.CryptType = d.U8()
	h.CompType = d.U8()
	h.Unused = d.U8()
	h.ImageSize = d.U64()
	h.SnapSeq = d.U64()
	h.SnapCount = d.U32()
	h.Reserved = d.U32()
	h.SnapNamesLen = d.U64()
	return h
}

// encodeLegacy rebuilds the full payload. The declared counts and name
// table length are recomputed from the slices, never trusted from the
// incoming header.
func encodeLegacy(img legacyImage) []byte {
	h := img.Header
	h.SnapCount = uint32(len(img.Snaps))
	h.SnapNamesLen = 0
	for _, name := range img.Names {
		h.SnapNamesLen += uint64(len(name) + 1)
	}

	e := wire.NewEncoder()
	e.PutRaw(h.Text[:])
	e.PutRaw(h.BlockName[:])
	e.PutRaw(h.Signature[:])
	e.PutRaw(h.Version[:])
	e.PutU8(h.Order)
	e.PutU8(h.CryptType)
	e.PutU8(h.CompType)
	e.PutU8(h.Unused)
	e.PutU64(h.ImageSize)
	e.PutU64(h.SnapSeq)
	e.PutU32(h.SnapCount)
	e.PutU32(h.Reserved)
	e.PutU64(h.SnapNamesLen)
	for _, s := range img.Snaps {
		e.PutU64(s.ID)
		e.PutU64(s.ImageSize)
	}
	for _, name := range img.Names {
		e.PutRaw([]byte(name))
		e.PutU8(0)
	}
	return e.Bytes()
}

// NewLegacyImageBlob builds the payload of a fresh legacy-format image
// with no snapshots, for seeding stores and tests.
func NewLegacyImageBlob(imageSize uint64, order uint8, blockName string) []byte {
	var h legacyHeader
	copy(h.Text[:], legacyHeaderText)
	copy(h.BlockName[:], blockName)
	copy(h.Signature[:], legacySignature)
	copy(h.Version[:], legacyVersion)
	h.Order = order
	h.ImageSize = imageSize
	return encodeLegacy(legacyImage{Header: h})
}

// readLegacy reads and decodes the whole legacy payload. The true payload
// length is only known after the preamble declares its snapshot count and
// name table length, so the first read may come back short of a complete
// header and trigger a second read with the exact length. Within one
// transaction the payload cannot change between the reads, so the loop
// settles after at most two passes.
func (op *opContext) readLegacy() (legacyImage, error) {
	snapCount := uint32(0)
	namesLen := uint64(0)

	for {
		// the declared lengths come straight off disk, so the sum must
		// not be allowed to wrap around
		descEnd := uint64(legacyHeaderSize) + uint64(snapCount)*legacySnapSize
		want, carry := bits.Add64(descEnd, namesLen, 0)
		if carry != 0 {
			op.log.Error("legacy header declares impossible lengths",
				"snapCount", snapCount, "namesLen", namesLen)
			return legacyImage{}, fmt.Errorf("%w: legacy header lengths overflow", ErrCorrupt)
		}

		buf, err := op.txn.Read(0, want)
		if errors.Is(err, objectStore.ErrObjectNotFound) {
			return legacyImage{}, fmt.Errorf("%w: image", ErrNotFound)
		}
		if err != nil {
			return legacyImage{}, err
		}
		if len(buf) < legacyHeaderSize {
			op.log.Error("legacy header shorter than fixed preamble", "len", len(buf))
			return legacyImage{}, fmt.Errorf("%w: truncated legacy header", ErrCorrupt)
		}

		h := decodeLegacyHeader(buf)
		if h.SnapCount != snapCount || h.SnapNamesLen != namesLen {
			snapCount = h.SnapCount
			namesLen = h.SnapNamesLen
			continue
		}

		if uint64(len(buf)) < want {
			op.log.Error("legacy header shorter than its declared lengths",
				"len", len(buf), "want", want)
			return legacyImage{}, fmt.Errorf("%w: truncated legacy header", ErrCorrupt)
		}

		img := legacyImage{Header: h}
		d := wire.NewDecoder(buf[legacyHeaderSize:])
		for i := uint32(0); i < snapCount; i++ {
			img.Snaps = append(img.Snaps, legacySnap{
				ID:        d.U64(),
				ImageSize: d.U64(),
			})
		}
		if d.Err() != nil {
			op.log.Error("legacy snapshot table ends before all descriptors were read")
			return legacyImage{}, fmt.Errorf("%w: truncated snapshot table", ErrCorrupt)
		}

		names := buf[descEnd:want]
		for i := uint32(0); i < snapCount; i++ {
			end := -1
			for j, b := range names {
				if b == 0 {
					end = j
					break
				}
			}
			if end < 0 {
				op.log.Error("legacy name table ends before all names were read",
					"have", i, "want", snapCount)
				return legacyImage{}, fmt.Errorf("%w: truncated name table", ErrCorrupt)
			}
			img.Names = append(img.Names, string(names[:end]))
			names = names[end+1:]
		}
		return img, nil
	}
}

// oldSnapshotsList returns snap_seq, the snapshot count and one
// (id, image size, name) triple per snapshot in on-disk order.
func oldSnapshotsList(op *opContext, in []byte) ([]byte, error) {
	op.log.Debug("snap_list")

	img, err := op.readLegacy()
	if err != nil {
		return nil, err
	}

	e := wire.NewEncoder()
	e.PutU64(img.Header.SnapSeq)
	e.PutU32(uint32(len(img.Snaps)))
	for i, s := range img.Snaps {
		e.PutU64(s.ID)
		e.PutU64(s.ImageSize)
		e.PutString(img.Names[i])
	}
	return e.Bytes(), nil
}

// oldSnapshotAdd prepends a snapshot taken at the current image size and
// rewrites the whole payload with the bumped counts and snap_seq.
func oldSnapshotAdd(op *opContext, in []byte) ([]byte, error) {
	d := wire.NewDecoder(in)
	name := d.String()
	snapID := d.U64()
	if d.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, d.Err())
	}

	op.log.Debug("snap_add", "name", name, "snapID", snapID)

	img, err := op.readLegacy()
	if err != nil {
		return nil, err
	}

	for _, existing := range img.Names {
		if existing == name {
			return nil, fmt.Errorf("%w: snapshot %q", ErrExists, name)
		}
	}

	img.Snaps = append([]legacySnap{{ID: snapID, ImageSize: img.Header.ImageSize}}, img.Snaps...)
	img.Names = append([]string{name}, img.Names...)
	img.Header.SnapSeq = snapID

	return nil, op.txn.WriteFull(encodeLegacy(img))
}

// oldSnapshotRemove drops the named snapshot's descriptor and name and
// rewrites the whole payload.
func oldSnapshotRemove(op *opContext, in []byte) ([]byte, error) {
	d := wire.NewDecoder(in)
	name := d.String()
	if d.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, d.Err())
	}

	op.log.Debug("snap_remove", "name", name)

	img, err := op.readLegacy()
	if err != nil {
		return nil, err
	}

	idx := -1
	for i, existing := range img.Names {
		if existing == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		op.log.Error("could not find snapshot", "name", name)
		return nil, fmt.Errorf("%w: snapshot %q", ErrNotFound, name)
	}

	img.Snaps = append(img.Snaps[:idx], img.Snaps[idx+1:]...)
	img.Names = append(img.Names[:idx], img.Names[idx+1:]...)

	return nil, op.txn.WriteFull(encodeLegacy(img))
}

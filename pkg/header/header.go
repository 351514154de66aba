// Package header implements the metadata operations of a virtual block
// device image whose state lives in a single object of the backing store.
// Each operation is invoked by name with one input buffer, runs inside one
// store transaction, and produces one output buffer plus an error from the
// taxonomy in errors.go.
//
// The new format keeps everything as entries of the object's key-value
// map. Operations prefixed with "snap_" mutate the legacy single-blob
// header format instead, and "assign_bid" maintains the shared block-id
// counter object.
package header

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/voliner/imagehdr/internal/objectStore"
	"github.com/voliner/imagehdr/pkg/wire"
)

type methodFlags uint8

const (
	methodRead methodFlags = 1 << iota
	methodWrite
)

type method struct {
	flags methodFlags
	fn    func(op *opContext, in []byte) ([]byte, error)
}

// Controller dispatches image metadata operations against the store. The
// method table is built once at construction and never mutated.
type Controller struct {
	store   *objectStore.Store
	log     *slog.Logger
	methods map[string]method
}

func New(store *objectStore.Store, logger *slog.Logger) *Controller {
	c := &Controller{
		store: store,
		log:   logger,
	}
	c.methods = map[string]method{
		"create":            {methodRead | methodWrite, create},
		"get_features":      {methodRead, getFeatures},
		"get_size":          {methodRead, getSize},
		"set_size":          {methodRead | methodWrite, setSize},
		"get_snapcontext":   {methodRead, getSnapContext},
		"get_object_prefix": {methodRead, getObjectPrefix},
		"get_snapshot_name": {methodRead, getSnapshotName},
		"snapshot_add":      {methodRead | methodWrite, snapshotAdd},
		"snapshot_remove":   {methodRead | methodWrite, snapshotRemove},
		"get_all_features":  {methodRead, getAllFeatures},
		"lock_exclusive":    {methodRead | methodWrite, lockExclusive},
		"lock_shared":       {methodRead | methodWrite, lockShared},
		"unlock_image":      {methodRead | methodWrite, unlockImage},
		"break_lock":        {methodRead | methodWrite, breakLock},
		"list_locks":        {methodRead, listLocks},
		"get_parent":        {methodRead, getParent},
		"set_parent":        {methodRead | methodWrite, setParent},
		"remove_parent":     {methodRead | methodWrite, removeParent},

		// legacy single-blob format
		"snap_list":   {methodRead, oldSnapshotsList},
		"snap_add":    {methodRead | methodWrite, oldSnapshotAdd},
		"snap_remove": {methodRead | methodWrite, oldSnapshotRemove},

		// block id counter object
		"assign_bid": {methodRead | methodWrite, assignBid},
	}
	return c
}

// opContext is the state handed to one operation: the transaction on the
// target object and the opaque identity of the requesting client.
type opContext struct {
	txn       *objectStore.Txn
	requester string
	log       *slog.Logger
}

// Invoke runs the named operation against object. Write-capable operations
// run inside a writable transaction; if the operation fails, none of its
// writes are applied. requester is the opaque identity of the caller as
// established by the transport, consumed by the lock operations.
func (c *Controller) Invoke(object, requester, name string, in []byte) ([]byte, error) {
	m, ok := c.methods[name]
	if !ok {
		return nil, fmt.Errorf("%w: no such operation %q", ErrUnsupported, name)
	}

	var out []byte
	run := func(txn *objectStore.Txn) error {
		out = nil
		op := &opContext{
			txn:       txn,
			requester: requester,
			log:       c.log.With("object", object, "op", name),
		}
		var err error
		out, err = m.fn(op, in)
		return err
	}

	var err error
	if m.flags&methodWrite != 0 {
		err = c.store.Update(object, run)
	} else {
		err = c.store.View(object, run)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// readKey fetches one map key. Absence is reported as ErrNotFound so most
// callers can propagate directly.
func (op *opContext) readKey(key string) ([]byte, error) {
	b, err := op.txn.GetKey(key)
	if err != nil {
		if errors.Is(err, objectStore.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: key %q", ErrNotFound, key)
		}
		return nil, err
	}
	return b, nil
}

func (op *opContext) readU64(key string) (uint64, error) {
	b, err := op.readKey(key)
	if err != nil {
		return 0, err
	}
	d := wire.NewDecoder(b)
	v := d.U64()
	if d.Err() != nil {
		op.log.Error("error decoding stored value", "key", key)
		return 0, fmt.Errorf("%w: decoding key %q", ErrCorrupt, key)
	}
	return v, nil
}

func (op *opContext) readU8(key string) (uint8, error) {
	b, err := op.readKey(key)
	if err != nil {
		return 0, err
	}
	d := wire.NewDecoder(b)
	v := d.U8()
	if d.Err() != nil {
		op.log.Error("error decoding stored value", "key", key)
		return 0, fmt.Errorf("%w: decoding key %q", ErrCorrupt, key)
	}
	return v, nil
}

func (op *opContext) readString(key string) (string, error) {
	b, err := op.readKey(key)
	if err != nil {
		return "", err
	}
	d := wire.NewDecoder(b)
	v := d.String()
	if d.Err() != nil {
		op.log.Error("error decoding stored value", "key", key)
		return "", fmt.Errorf("%w: decoding key %q", ErrCorrupt, key)
	}
	return v, nil
}

func (op *opContext) readParent() (parentPointer, error) {
	b, err := op.readKey(parentKey)
	if err != nil {
		return noParent(), err
	}
	d := wire.NewDecoder(b)
	p := decodeParent(d)
	if d.Err() != nil {
		op.log.Error("error decoding stored parent pointer")
		return noParent(), fmt.Errorf("%w: decoding parent pointer", ErrCorrupt)
	}
	return p, nil
}

func (op *opContext) readSnapshot(key string) (snapshotRecord, error) {
	b, err := op.readKey(key)
	if err != nil {
		return snapshotRecord{}, err
	}
	d := wire.NewDecoder(b)
	s := decodeSnapshot(d)
	if d.Err() != nil {
		op.log.Error("error decoding snapshot record", "key", key)
		return snapshotRecord{}, fmt.Errorf("%w: decoding snapshot record %q", ErrCorrupt, key)
	}
	return s, nil
}

func encodeU64(v uint64) []byte {
	e := wire.NewEncoder()
	e.PutU64(v)
	return e.Bytes()
}

func encodeU8(v uint8) []byte {
	e := wire.NewEncoder()
	e.PutU8(v)
	return e.Bytes()
}

func encodeString(s string) []byte {
	e := wire.NewEncoder()
	e.PutString(s)
	return e.Bytes()
}

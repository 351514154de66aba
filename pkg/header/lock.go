package header

import (
	"errors"
	"fmt"
	"sort"

	"github.com/voliner/imagehdr/pkg/wire"
)

// The lock state is two map keys: lock_.lockers holds the set of
// (requester, cookie) pairs, lock_.type holds "exclusive" or "shared" for
// the whole set. The type key is removed again once the set drains so a
// later lock never sees a stale type.

func (op *opContext) readLockers() ([]locker, error) {
	b, err := op.readKey(lockersKey)
	if err != nil {
		return nil, err
	}
	d := wire.NewDecoder(b)
	lockers := decodeLockers(d)
	if d.Err() != nil {
		op.log.Error("error decoding locker set")
		return nil, fmt.Errorf("%w: decoding locker set", ErrCorrupt)
	}
	return lockers, nil
}

func (op *opContext) writeLockers(lockers []locker) error {
	sort.Slice(lockers, func(i, j int) bool {
		if lockers[i].Requester != lockers[j].Requester {
			return lockers[i].Requester < lockers[j].Requester
		}
		return lockers[i].Cookie < lockers[j].Cookie
	})
	e := wire.NewEncoder()
	encodeLockers(e, lockers)
	return op.txn.SetKey(lockersKey, e.Bytes())
}

// lockImage inserts the caller into the locker set, enforcing that an
// exclusive lock never coexists with any other lock and that shared locks
// never join an exclusive one.
func lockImage(op *opContext, lockType, cookie string) error {
	exclusive := lockType == lockTypeExclusive

	lockers, err := op.readLockers()
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	if exclusive && len(lockers) > 0 {
		op.log.Debug("could not exclusive-lock image, already locked")
		return fmt.Errorf("%w: image already locked", ErrBusy)
	}
	if len(lockers) > 0 && !exclusive {
		// make sure the existing lock is a shared lock
		existingType, err := op.readString(lockTypeKey)
		if err != nil {
			return err
		}
		if existingType != lockType {
			op.log.Debug("cannot take shared lock, existing exclusive lock")
			return fmt.Errorf("%w: image locked exclusively", ErrBusy)
		}
	}

	entry := locker{Requester: op.requester, Cookie: cookie}
	for _, l := range lockers {
		if l == entry {
			op.log.Debug("could not insert locker, already present")
			return fmt.Errorf("%w: lock entry", ErrExists)
		}
	}
	lockers = append(lockers, entry)

	if err := op.writeLockers(lockers); err != nil {
		return err
	}
	return op.txn.SetKey(lockTypeKey, encodeString(lockType))
}

func lockExclusive(op *opContext, in []byte) ([]byte, error) {
	op.log.Debug("lock_exclusive")
	if err := op.requireFeature(0); err != nil {
		return nil, err
	}

	d := wire.NewDecoder(in)
	cookie := d.String()
	if d.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, d.Err())
	}
	return nil, lockImage(op, lockTypeExclusive, cookie)
}

func lockShared(op *opContext, in []byte) ([]byte, error) {
	op.log.Debug("lock_shared")
	if err := op.requireFeature(0); err != nil {
		return nil, err
	}

	d := wire.NewDecoder(in)
	cookie := d.String()
	if d.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, d.Err())
	}
	return nil, lockImage(op, lockTypeShared, cookie)
}

// removeLock drops one (requester, cookie) pair from the locker set and
// clears the type key once the set is empty.
func removeLock(op *opContext, requester, cookie string) error {
	lockers, err := op.readLockers()
	if err != nil {
		return err
	}

	entry := locker{Requester: requester, Cookie: cookie}
	idx := -1
	for i, l := range lockers {
		if l == entry {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: lock entry", ErrNotFound)
	}
	lockers = append(lockers[:idx], lockers[idx+1:]...)

	if err := op.writeLockers(lockers); err != nil {
		return err
	}
	if len(lockers) == 0 {
		return op.txn.RemoveKey(lockTypeKey)
	}
	return nil
}

// unlockImage releases the caller's own lock with the given cookie.
func unlockImage(op *opContext, in []byte) ([]byte, error) {
	op.log.Debug("unlock_image")
	if err := op.requireFeature(0); err != nil {
		return nil, err
	}

	d := wire.NewDecoder(in)
	cookie := d.String()
	if d.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, d.Err())
	}
	return nil, removeLock(op, op.requester, cookie)
}

// breakLock force-clears another client's lock. The locker identity comes
// from the input instead of the calling context.
func breakLock(op *opContext, in []byte) ([]byte, error) {
	op.log.Debug("break_lock")
	if err := op.requireFeature(0); err != nil {
		return nil, err
	}

	d := wire.NewDecoder(in)
	lockRequester := d.String()
	cookie := d.String()
	if d.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, d.Err())
	}
	return nil, removeLock(op, lockRequester, cookie)
}

// listLocks returns the locker set, empty if none, plus whether the held
// lock is exclusive. A missing type key counts as not exclusive.
func listLocks(op *opContext, in []byte) ([]byte, error) {
	op.log.Debug("list_locks")
	if err := op.requireFeature(0); err != nil {
		return nil, err
	}

	lockers, err := op.readLockers()
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	exclusive := false
	if len(lockers) > 0 {
		lockType, err := op.readString(lockTypeKey)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		exclusive = lockType == lockTypeExclusive
	}

	e := wire.NewEncoder()
	encodeLockers(e, lockers)
	e.PutBool(exclusive)
	return e.Bytes(), nil
}

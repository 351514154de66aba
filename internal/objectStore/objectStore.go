// Package objectStore provides the badger-backed store that image metadata
// objects live in. Every metadata operation runs inside exactly one badger
// transaction scoped to one object: the transaction is the "atomic call"
// the controller is granted, and nothing an operation reads or writes can
// interleave with another operation on the same object.
package objectStore

import (
	"bytes"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

var log *logrus.Logger

// Keys of an object's key-value map are stored under
// o/<object>/k/<key>, the raw byte payload (legacy header, counter
// record) under o/<object>/b.
const (
	objPrefix  = "o/"
	kvInfix    = "/k/"
	blobSuffix = "/b"
)

var (
	// ErrKeyNotFound is returned when a map key is absent.
	ErrKeyNotFound = errors.New("objectStore: key not found")
	// ErrObjectNotFound is returned when the object has no map keys and
	// no raw payload.
	ErrObjectNotFound = errors.New("objectStore: object not found")
)

type StoreConfig struct {
	Paths            []string // absolute path, at the moment only first path is supported
	MinimumFreeSpace int      // in GB
	Logger           *logrus.Logger
}

type Store struct {
	config       StoreConfig
	badgerDB     *badger.DB
	readCounter  uint64
	writeCounter uint64
}

func NewStore(config StoreConfig) (*Store, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}

	log = config.Logger

	err := config.checkConfig()
	if err != nil {
		return nil, fmt.Errorf("error checking config for Store: %w", err)
	}

	opts := badger.DefaultOptions(config.Paths[0])
	opts.Logger = nil
	opts.ValueLogFileSize = 1024 * 1024 * 100 // Set max size of each value log file to 100MB
	opts.SyncWrites = false

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("error opening badger at %s: %w", config.Paths[0], err)
	}

	err = displayDiskUsage(config.Paths)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{
		config:   config,
		badgerDB: db,
	}, nil
}

// View runs fn inside a read-only transaction on object.
func (s *Store) View(object string, fn func(txn *Txn) error) error {
	atomic.AddUint64(&s.readCounter, 1)
	return s.badgerDB.View(func(btxn *badger.Txn) error {
		return fn(&Txn{object: object, btxn: btxn})
	})
}

// Update runs fn inside a writable transaction on object. Badger detects
// read-write conflicts between concurrent transactions instead of blocking;
// a conflicted transaction is re-run against fresh state, so committed
// operations are serialized per object. If fn returns an error nothing it
// wrote is applied.
func (s *Store) Update(object string, fn func(txn *Txn) error) error {
	atomic.AddUint64(&s.writeCounter, 1)
	for {
		err := s.badgerDB.Update(func(btxn *badger.Txn) error {
			return fn(&Txn{object: object, btxn: btxn})
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return err
	}
}

func (s *Store) Close() {
	s.Clean()
	s.badgerDB.Close()
}

// Counters reports how many read and write transactions ran since the
// store was opened.
func (s *Store) Counters() (reads, writes uint64) {
	return atomic.LoadUint64(&s.readCounter), atomic.LoadUint64(&s.writeCounter)
}

func (s *Store) Clean() error {
	reads, writes := s.Counters()
	log.WithFields(logrus.Fields{
		"reads":  reads,
		"writes": writes,
	}).Info("transaction counters")

	err := s.badgerDB.Sync()
	if err != nil {
		return fmt.Errorf("error syncing db: %w", err)
	}

	// flatten the db
	err = s.badgerDB.Flatten(runtime.NumCPU()) // The parameter is the number of concurrent compactions
	if err != nil {
		return fmt.Errorf("error flattening db: %w", err)
	} else {
		log.Info("DB Flattened")
	}

	err = s.badgerDB.RunValueLogGC(0.1)
	if err != nil {
		if err != badger.ErrNoRewrite {
			return fmt.Errorf("error cleaning db: %w", err)
		}
	}

	return nil
}

// Txn is one atomic call against a single object. All reads and writes go
// through the wrapped badger transaction and share its snapshot.
type Txn struct {
	object string
	btxn   *badger.Txn
}

func (t *Txn) kvKey(key string) []byte {
	return []byte(objPrefix + t.object + kvInfix + key)
}

func (t *Txn) blobKey() []byte {
	return []byte(objPrefix + t.object + blobSuffix)
}

// GetKey returns the value stored under key in the object's map.
func (t *Txn) GetKey(key string) ([]byte, error) {
	item, err := t.btxn.Get(t.kvKey(key))
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	return item.ValueCopy(nil)
}

// SetKey stores value under key in the object's map.
func (t *Txn) SetKey(key string, value []byte) error {
	return t.btxn.Set(t.kvKey(key), value)
}

// SetKeys stores several map keys in one call.
func (t *Txn) SetKeys(vals map[string][]byte) error {
	for key, value := range vals {
		if err := t.btxn.Set(t.kvKey(key), value); err != nil {
			return err
		}
	}
	return nil
}

// RemoveKey deletes key from the object's map. Removing an absent key is
// not an error.
func (t *Txn) RemoveKey(key string) error {
	return t.btxn.Delete(t.kvKey(key))
}

// KeyValue is one entry of an object's map.
type KeyValue struct {
	Key   string
	Value []byte
}

// GetVals returns up to max map entries whose key is strictly greater than
// startAfter and carries filterPrefix, in lexicographic key order. Callers
// page through the map by looping while max entries come back.
func (t *Txn) GetVals(startAfter, filterPrefix string, max int) ([]KeyValue, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := t.btxn.NewIterator(opts)
	defer it.Close()

	nsPrefix := []byte(objPrefix + t.object + kvInfix)
	seek := append(append([]byte{}, nsPrefix...), startAfter...)
	want := append(append([]byte{}, nsPrefix...), filterPrefix...)
	if bytes.Compare(seek, want) < 0 {
		seek = want
	}

	var out []KeyValue
	for it.Seek(seek); it.ValidForPrefix(want) && len(out) < max; it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		if bytes.Equal(key, seek) {
			continue
		}
		value, err := item.ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		out = append(out, KeyValue{
			Key:   string(key[len(nsPrefix):]),
			Value: value,
		})
	}
	return out, nil
}

// Read returns up to length bytes of the object's raw payload starting at
// offset. A shorter result means the payload ends there. ErrObjectNotFound
// is returned when no payload was ever written.
func (t *Txn) Read(offset, length uint64) ([]byte, error) {
	item, err := t.btxn.Get(t.blobKey())
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, ErrObjectNotFound
		}
		return nil, err
	}
	full, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	if offset >= uint64(len(full)) {
		return nil, nil
	}
	end := offset + length
	if end > uint64(len(full)) {
		end = uint64(len(full))
	}
	return full[offset:end], nil
}

// WriteFull replaces the object's raw payload in one shot.
func (t *Txn) WriteFull(data []byte) error {
	return t.btxn.Set(t.blobKey(), data)
}

// Stat reports whether the object exists at all, meaning it has a raw
// payload or at least one map key.
func (t *Txn) Stat() error {
	_, err := t.btxn.Get(t.blobKey())
	if err == nil {
		return nil
	}
	if err != badger.ErrKeyNotFound {
		return err
	}

	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := t.btxn.NewIterator(opts)
	defer it.Close()

	nsPrefix := []byte(objPrefix + t.object + kvInfix)
	it.Seek(nsPrefix)
	if it.ValidForPrefix(nsPrefix) {
		return nil
	}
	return ErrObjectNotFound
}

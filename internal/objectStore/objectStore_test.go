package objectStore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	testDir, err := os.MkdirTemp("", "objectstore_test_*")
	if err != nil {
		t.Fatalf("Failed to create test directory: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(testDir) })

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store, err := NewStore(StoreConfig{
		Paths:            []string{testDir},
		MinimumFreeSpace: 1,
		Logger:           logger,
	})
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestKeyRoundTrip(t *testing.T) {
	store := newTestStore(t)

	err := store.Update("img", func(txn *Txn) error {
		return txn.SetKey("size", []byte{1, 2, 3})
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	err = store.View("img", func(txn *Txn) error {
		val, err := txn.GetKey("size")
		if err != nil {
			return err
		}
		if string(val) != string([]byte{1, 2, 3}) {
			t.Errorf("unexpected value: %v", val)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View: %v", err)
	}
}

func TestKeysAreScopedPerObject(t *testing.T) {
	store := newTestStore(t)

	err := store.Update("img1", func(txn *Txn) error {
		return txn.SetKey("size", []byte{1})
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	err = store.View("img2", func(txn *Txn) error {
		_, err := txn.GetKey("size")
		if !errors.Is(err, ErrKeyNotFound) {
			t.Errorf("expected ErrKeyNotFound, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View: %v", err)
	}
}

func TestFailedUpdateAppliesNothing(t *testing.T) {
	store := newTestStore(t)

	boom := errors.New("boom")
	err := store.Update("img", func(txn *Txn) error {
		if err := txn.SetKey("a", []byte{1}); err != nil {
			return err
		}
		if err := txn.SetKey("b", []byte{2}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	store.View("img", func(txn *Txn) error {
		if _, err := txn.GetKey("a"); !errors.Is(err, ErrKeyNotFound) {
			t.Errorf("key a leaked out of failed transaction: %v", err)
		}
		if _, err := txn.GetKey("b"); !errors.Is(err, ErrKeyNotFound) {
			t.Errorf("key b leaked out of failed transaction: %v", err)
		}
		return nil
	})
}

func TestGetValsPagination(t *testing.T) {
	store := newTestStore(t)

	err := store.Update("img", func(txn *Txn) error {
		for i := 0; i < 10; i++ {
			key := fmt.Sprintf("snapshot_%016x", i)
			if err := txn.SetKey(key, []byte{byte(i)}); err != nil {
				return err
			}
		}
		// a neighbour key that must never show up in the scan
		return txn.SetKey("snap_seq", []byte{99})
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	var got []string
	err = store.View("img", func(txn *Txn) error {
		lastRead := "snapshot_"
		for {
			vals, err := txn.GetVals(lastRead, "snapshot_", 3)
			if err != nil {
				return err
			}
			for _, kv := range vals {
				got = append(got, kv.Key)
			}
			if len(vals) < 3 {
				return nil
			}
			lastRead = vals[len(vals)-1].Key
		}
	})
	if err != nil {
		t.Fatalf("View: %v", err)
	}

	if len(got) != 10 {
		t.Fatalf("expected 10 keys, got %d: %v", len(got), got)
	}
	for i, key := range got {
		want := fmt.Sprintf("snapshot_%016x", i)
		if key != want {
			t.Errorf("key %d: expected %s, got %s", i, want, key)
		}
	}
}

func TestRawReadWrite(t *testing.T) {
	store := newTestStore(t)

	err := store.View("img", func(txn *Txn) error {
		_, err := txn.Read(0, 10)
		if !errors.Is(err, ErrObjectNotFound) {
			t.Errorf("expected ErrObjectNotFound, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View: %v", err)
	}

	err = store.Update("img", func(txn *Txn) error {
		return txn.WriteFull([]byte("0123456789"))
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	store.View("img", func(txn *Txn) error {
		buf, err := txn.Read(2, 4)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if string(buf) != "2345" {
			t.Errorf("unexpected read: %q", buf)
		}

		// reads past the end are clipped
		buf, err = txn.Read(8, 100)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if string(buf) != "89" {
			t.Errorf("unexpected clipped read: %q", buf)
		}
		return nil
	})
}

func TestCounters(t *testing.T) {
	store := newTestStore(t)

	for i := 0; i < 3; i++ {
		store.Update("img", func(txn *Txn) error {
			return txn.SetKey("size", []byte{byte(i)})
		})
	}
	store.View("img", func(txn *Txn) error { return nil })

	reads, writes := store.Counters()
	if reads != 1 {
		t.Errorf("expected 1 read transaction, got %d", reads)
	}
	if writes != 3 {
		t.Errorf("expected 3 write transactions, got %d", writes)
	}
}

func TestStat(t *testing.T) {
	store := newTestStore(t)

	store.View("img", func(txn *Txn) error {
		if err := txn.Stat(); !errors.Is(err, ErrObjectNotFound) {
			t.Errorf("expected ErrObjectNotFound, got %v", err)
		}
		return nil
	})

	store.Update("img", func(txn *Txn) error {
		return txn.SetKey("object_prefix", []byte("p"))
	})

	store.View("img", func(txn *Txn) error {
		if err := txn.Stat(); err != nil {
			t.Errorf("expected object to exist, got %v", err)
		}
		return nil
	})

	// raw payload alone also counts as existing
	store.Update("blob", func(txn *Txn) error {
		return txn.WriteFull([]byte{1})
	})
	store.View("blob", func(txn *Txn) error {
		if err := txn.Stat(); err != nil {
			t.Errorf("expected blob object to exist, got %v", err)
		}
		return nil
	})
}

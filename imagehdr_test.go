package imagehdr

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"testing"

	"github.com/voliner/imagehdr/internal/testutil"
	"github.com/voliner/imagehdr/pkg/header"
	workerpool "github.com/voliner/imagehdr/pkg/workerPool"
	"github.com/voliner/imagehdr/pkg/wire"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	testDir, err := os.MkdirTemp("", "imagehdr_test_*")
	if err != nil {
		t.Fatalf("Failed to create test directory: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(testDir) })

	db, err := Open(Config{
		Paths:         []string{testDir},
		MinimumFreeGB: 1,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("Failed to open db: %v", err)
	}
	t.Cleanup(db.Close)
	return db
}

func TestEndToEndImageLifecycle(t *testing.T) {
	db := setupTestDB(t)
	object := "image_0001.header"
	requester := "client.test"

	in := wire.NewEncoder()
	in.PutU64(uint64(1) << 30)
	in.PutU8(22)
	in.PutU64(header.FeatureLayering)
	in.PutString("data_0001")
	if _, err := db.Invoke(object, requester, "create", in.Bytes()); err != nil {
		t.Fatalf("create: %v", err)
	}

	in = wire.NewEncoder()
	in.PutString("backup")
	in.PutU64(1)
	if _, err := db.Invoke(object, requester, "snapshot_add", in.Bytes()); err != nil {
		t.Fatalf("snapshot_add: %v", err)
	}

	out, err := db.Invoke(object, requester, "get_snapcontext", nil)
	if err != nil {
		t.Fatalf("get_snapcontext: %v", err)
	}
	d := wire.NewDecoder(out)
	if seq := d.U64(); seq != 1 {
		t.Errorf("expected snap_seq 1, got %d", seq)
	}
	if count := d.U32(); count != 1 {
		t.Errorf("expected 1 snapshot, got %d", count)
	}
	if id := d.U64(); id != 1 {
		t.Errorf("expected snapshot id 1, got %d", id)
	}

	in = wire.NewEncoder()
	in.PutString("cookie-1")
	if _, err := db.Invoke(object, requester, "lock_exclusive", in.Bytes()); err != nil {
		t.Fatalf("lock_exclusive: %v", err)
	}
	_, err = db.Invoke(object, "client.other", "lock_exclusive", in.Bytes())
	if header.StatusOf(err) != header.StatusBusy {
		t.Errorf("expected busy for second locker, got %v", err)
	}

	if _, err := db.Invoke(object, requester, "unlock_image", in.Bytes()); err != nil {
		t.Fatalf("unlock_image: %v", err)
	}
}

// TestConcurrentBidAssignment checks that ids stay gapless when many
// workers allocate from the same counter object at once.
func TestConcurrentBidAssignment(t *testing.T) {
	testutil.RequireLong(t)
	db := setupTestDB(t)

	const ops = 200
	wp := workerpool.NewWorkerPool(workerpool.Config{WorkerCount: 8})
	room := wp.CreateRoom(ops)
	for i := 0; i < ops; i++ {
		room.NewTaskWaitForFreeSlot(func() interface{} {
			out, err := db.Invoke("image_info", "client.test", "assign_bid", nil)
			if err != nil {
				return err
			}
			return wire.NewDecoder(out).U64()
		})
	}

	var ids []uint64
	for _, res := range room.Collect() {
		switch v := res.(type) {
		case error:
			t.Fatalf("assign_bid: %v", v)
		case uint64:
			ids = append(ids, v)
		}
	}

	if len(ids) != ops {
		t.Fatalf("expected %d ids, got %d", ops, len(ids))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for i, id := range ids {
		if id != uint64(i) {
			t.Fatalf("expected gapless ids, got %d at position %d", id, i)
		}
	}
}

// TestConcurrentExclusiveLock checks that exactly one of many racing
// exclusive lock attempts wins.
func TestConcurrentExclusiveLock(t *testing.T) {
	testutil.RequireLong(t)
	db := setupTestDB(t)
	object := "contended.header"

	in := wire.NewEncoder()
	in.PutU64(uint64(1) << 30)
	in.PutU8(22)
	in.PutU64(0)
	in.PutString("contended_data")
	if _, err := db.Invoke(object, "client.test", "create", in.Bytes()); err != nil {
		t.Fatalf("create: %v", err)
	}

	const attempts = 64
	wp := workerpool.NewWorkerPool(workerpool.Config{WorkerCount: 8})
	room := wp.CreateRoom(attempts)
	for i := 0; i < attempts; i++ {
		requester := fmt.Sprintf("client.%d", i)
		cookie := fmt.Sprintf("cookie-%d", i)
		room.NewTaskWaitForFreeSlot(func() interface{} {
			in := wire.NewEncoder()
			in.PutString(cookie)
			_, err := db.Invoke(object, requester, "lock_exclusive", in.Bytes())
			return err
		})
	}

	won := 0
	for _, res := range room.Collect() {
		err, _ := res.(error)
		if err == nil {
			won++
			continue
		}
		if !errors.Is(err, header.ErrBusy) {
			t.Fatalf("lock_exclusive: %v", err)
		}
	}
	if won != 1 {
		t.Fatalf("expected exactly one lock winner, got %d", won)
	}
}

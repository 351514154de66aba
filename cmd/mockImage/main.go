// mockImage seeds a store with sample images, snapshots and a legacy
// format image so the other tools have something to chew on.
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/voliner/imagehdr/internal/objectStore"
	"github.com/voliner/imagehdr/pkg/header"
	"github.com/voliner/imagehdr/pkg/logging"
	"github.com/voliner/imagehdr/pkg/wire"
)

func main() {
	storePath := flag.String("store", "./data", "store directory")
	images := flag.Int("images", 3, "number of images to create")
	snaps := flag.Int("snaps", 2, "snapshots per image")
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
	requester := "client.mock"

	for i := 0; i < *images; i++ {
		object := fmt.Sprintf("image_%04d.header", i)

		in := wire.NewEncoder()
		in.PutU64(uint64(1) << 30) // 1 GiB
		in.PutU8(22)
		in.PutU64(header.FeatureLayering)
		in.PutString(fmt.Sprintf("data_%04d", i))
		if _, err := ctl.Invoke(object, requester, "create", in.Bytes()); err != nil {
			log.Fatalf("create %s: %v", object, err)
		}

		for j := 0; j < *snaps; j++ {
			in := wire.NewEncoder()
			in.PutString(fmt.Sprintf("snap-%d", j))
			in.PutU64(uint64(j + 1))
			if _, err := ctl.Invoke(object, requester, "snapshot_add", in.Bytes()); err != nil {
				log.Fatalf("snapshot_add %s: %v", object, err)
			}
		}
		fmt.Printf("created %s with %d snapshots\n", object, *snaps)
	}

	// one legacy format image
	legacy := "legacy.header"
	err = store.Update(legacy, func(txn *objectStore.Txn) error {
		return txn.WriteFull(header.NewLegacyImageBlob(uint64(1)<<28, 22, "legacyblock"))
	})
	if err != nil {
		log.Fatal(err)
	}
	in := wire.NewEncoder()
	in.PutString("legacy-snap")
	in.PutU64(1)
	if _, err := ctl.Invoke(legacy, requester, "snap_add", in.Bytes()); err != nil {
		log.Fatalf("snap_add %s: %v", legacy, err)
	}
	fmt.Printf("created %s (legacy format)\n", legacy)

	// pre-allocate a few block ids
	for i := 0; i < 3; i++ {
		out, err := ctl.Invoke("image_info", requester, "assign_bid", nil)
		if err != nil {
			log.Fatal(err)
		}
		d := wire.NewDecoder(out)
		fmt.Printf("assigned block id %d\n", d.U64())
	}
}

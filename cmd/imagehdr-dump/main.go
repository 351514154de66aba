// imagehdr-dump prints the metadata of one image as yaml, and can export
// the dump as an lzma-compressed file for offline inspection.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/ulikunitz/xz/lzma"
	"gopkg.in/yaml.v2"

	"github.com/voliner/imagehdr"
	"github.com/voliner/imagehdr/internal/config"
	"github.com/voliner/imagehdr/pkg/header"
	"github.com/voliner/imagehdr/pkg/wire"
)

type snapshotDump struct {
	ID   uint64 `yaml:"id"`
	Name string `yaml:"name"`
	Size uint64 `yaml:"size"`
}

type lockDump struct {
	Requester string `yaml:"requester"`
	Cookie    string `yaml:"cookie"`
}

type parentDump struct {
	Pool    int64  `yaml:"pool"`
	ImageID string `yaml:"imageId"`
	SnapID  uint64 `yaml:"snapId"`
	Overlap uint64 `yaml:"overlap"`
}

type imageDump struct {
	Object       string         `yaml:"object"`
	Order        uint8          `yaml:"order"`
	Size         uint64         `yaml:"size"`
	Features     uint64         `yaml:"features"`
	ObjectPrefix string         `yaml:"objectPrefix"`
	SnapSeq      uint64         `yaml:"snapSeq"`
	Snapshots    []snapshotDump `yaml:"snapshots"`
	Lockers      []lockDump     `yaml:"lockers,omitempty"`
	Exclusive    bool           `yaml:"exclusive"`
	Parent       *parentDump    `yaml:"parent,omitempty"`
}

func main() {
	configPath := flag.String("config", "", "yaml config file (optional)")
	storePath := flag.String("store", "./data", "store directory")
	object := flag.String("image", "", "metadata object to dump")
	exportPath := flag.String("export", "", "write lzma-compressed dump to this file")
	flag.Parse()

	if *object == "" {
		log.Fatal("missing -image")
	}

	requester := "client.dump"
	if *configPath != "" {
		conf := config.GetConfig(*configPath)
		*storePath = conf.StorePath
		requester = conf.Requester
	}

	db, err := imagehdr.Open(imagehdr.Config{
		Paths:         []string{*storePath},
		MinimumFreeGB: 1,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	dump, err := dumpImage(db, *object, requester)
	if err != nil {
		log.Fatal(err)
	}

	out, err := yaml.Marshal(dump)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Print(string(out))

	if *exportPath != "" {
		if err := writeCompressed(*exportPath, out); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("exported to %s\n", *exportPath)
	}
}

func invoke(db *imagehdr.DB, object, requester, op string, in []byte) (*wire.Decoder, error) {
	out, err := db.Invoke(object, requester, op, in)
	if err != nil {
		return nil, fmt.Errorf("%s: %s: %w", op, header.StatusOf(err), err)
	}
	return wire.NewDecoder(out), nil
}

func dumpImage(db *imagehdr.DB, object, requester string) (*imageDump, error) {
	dump := &imageDump{Object: object}

	noSnapIn := wire.NewEncoder()
	noSnapIn.PutU64(header.NoSnap)

	d, err := invoke(db, object, requester, "get_size", noSnapIn.Bytes())
	if err != nil {
		return nil, err
	}
	dump.Order = d.U8()
	dump.Size = d.U64()

	d, err = invoke(db, object, requester, "get_features", noSnapIn.Bytes())
	if err != nil {
		return nil, err
	}
	dump.Features = d.U64()

	d, err = invoke(db, object, requester, "get_object_prefix", nil)
	if err != nil {
		return nil, err
	}
	dump.ObjectPrefix = d.String()

	d, err = invoke(db, object, requester, "get_snapcontext", nil)
	if err != nil {
		return nil, err
	}
	dump.SnapSeq = d.U64()
	count := d.U32()
	ids := make([]uint64, 0, count)
	for i := uint32(0); i < count; i++ {
		ids = append(ids, d.U64())
	}

	for _, id := range ids {
		snapIn := wire.NewEncoder()
		snapIn.PutU64(id)

		d, err = invoke(db, object, requester, "get_snapshot_name", snapIn.Bytes())
		if err != nil {
			return nil, err
		}
		name := d.String()

		d, err = invoke(db, object, requester, "get_size", snapIn.Bytes())
		if err != nil {
			return nil, err
		}
		d.U8()
		dump.Snapshots = append(dump.Snapshots, snapshotDump{
			ID:   id,
			Name: name,
			Size: d.U64(),
		})
	}

	d, err = invoke(db, object, requester, "list_locks", nil)
	if err != nil {
		return nil, err
	}
	lockerCount := d.U32()
	for i := uint32(0); i < lockerCount; i++ {
		dump.Lockers = append(dump.Lockers, lockDump{
			Requester: d.String(),
			Cookie:    d.String(),
		})
	}
	dump.Exclusive = d.Bool()

	d, err = invoke(db, object, requester, "get_parent", noSnapIn.Bytes())
	if err == nil {
		dump.Parent = &parentDump{
			Pool:    d.I64(),
			ImageID: d.String(),
			SnapID:  d.U64(),
			Overlap: d.U64(),
		}
	} else if !errors.Is(err, header.ErrNotFound) && !errors.Is(err, header.ErrUnsupported) {
		return nil, err
	}

	return dump, nil
}

func writeCompressed(path string, data []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w, err := lzma.NewWriter(f)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	return w.Close()
}

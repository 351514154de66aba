// Package imagehdr is a metadata controller for virtual block device
// images. Each image's state lives in a single object of a badger-backed
// store, and every operation the controller exposes runs as one atomic
// transaction against that object.
package imagehdr

import (
	"fmt"

	"github.com/voliner/imagehdr/internal/objectStore"
	"github.com/voliner/imagehdr/pkg/header"
)

// DB is an open metadata store plus its operation controller.
type DB struct {
	store  *objectStore.Store
	ctl    *header.Controller
	config Config
}

func Open(conf Config) (*DB, error) {
	if conf.Logger == nil {
		conf.Logger = defaultLogger()
	}

	store, err := objectStore.NewStore(objectStore.StoreConfig{
		Paths:            conf.Paths,
		MinimumFreeSpace: int(conf.MinimumFreeGB),
	})
	if err != nil {
		return nil, fmt.Errorf("error creating object store: %w", err)
	}

	return &DB{
		store:  store,
		ctl:    header.New(store, conf.Logger),
		config: conf,
	}, nil
}

// Invoke executes one metadata operation by name against the given object.
// requester is the opaque identity of the calling client. The returned
// error, if any, maps to a status via header.StatusOf.
func (db *DB) Invoke(object, requester, op string, in []byte) ([]byte, error) {
	return db.ctl.Invoke(object, requester, op, in)
}

func (db *DB) Close() {
	db.store.Close()
}

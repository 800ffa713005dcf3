package pebbledb

import (
	"errors"
	"time"

	"github.com/cockroachdb/pebble"
)

// FsyncMode defines durability behavior for write operations.
type FsyncMode int

const (
	FsyncModeUnspecified FsyncMode = iota
	// FsyncModeAlways requests a WAL fsync on each committed batch.
	FsyncModeAlways
	// FsyncModeInterval enables group-commit by letting Pebble coalesce WAL
	// syncs for operations within the configured interval.
	FsyncModeInterval
	// FsyncModeNever avoids forcing WAL syncs from the application.
	FsyncModeNever
)

// ParseFsyncMode maps the config strings always|interval|never.
func ParseFsyncMode(s string) (FsyncMode, error) {
	switch s {
	case "", "always":
		return FsyncModeAlways, nil
	case "interval":
		return FsyncModeInterval, nil
	case "never":
		return FsyncModeNever, nil
	default:
		return FsyncModeUnspecified, errors.New("pebbledb: fsync mode must be always|interval|never")
	}
}

// db wraps a Pebble instance with the configured fsync policy.
type db struct {
	inner     *pebble.DB
	writeSync bool
}

func openDB(dir string, mode FsyncMode, interval time.Duration) (*db, error) {
	if dir == "" {
		return nil, errors.New("pebbledb: data dir is required")
	}
	po := &pebble.Options{}
	switch mode {
	case FsyncModeAlways:
		// Sync on each commit; WALMinSyncInterval stays at default.
	case FsyncModeInterval:
		if interval <= 0 {
			interval = 5 * time.Millisecond
		}
		po.WALMinSyncInterval = func() time.Duration { return interval }
	case FsyncModeNever:
	default:
		po.WALMinSyncInterval = func() time.Duration { return 5 * time.Millisecond }
	}
	inner, err := pebble.Open(dir, po)
	if err != nil {
		return nil, err
	}
	return &db{inner: inner, writeSync: mode == FsyncModeAlways}, nil
}

func (d *db) close() error {
	if d == nil || d.inner == nil {
		return nil
	}
	return d.inner.Close()
}

func (d *db) newBatch() *pebble.Batch { return d.inner.NewBatch() }

func (d *db) commit(b *pebble.Batch) error {
	sync := pebble.NoSync
	if d.writeSync {
		sync = pebble.Sync
	}
	return b.Commit(sync)
}

// get copies the value for key. Returns (nil, false) when absent.
func (d *db) get(key []byte) ([]byte, bool, error) {
	val, closer, err := d.inner.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), true, nil
}

func (d *db) set(key, value []byte) error {
	b := d.inner.NewBatch()
	defer b.Close()
	if err := b.Set(key, value, nil); err != nil {
		return err
	}
	return d.commit(b)
}

func (d *db) delete(key []byte) error {
	b := d.inner.NewBatch()
	defer b.Close()
	if err := b.Delete(key, nil); err != nil {
		return err
	}
	return d.commit(b)
}

func (d *db) newIter(opts *pebble.IterOptions) (*pebble.Iterator, error) {
	return d.inner.NewIter(opts)
}

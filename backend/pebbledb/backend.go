package pebbledb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/cadre-io/cadre/backend"
	"github.com/cadre-io/cadre/pkg/id"
)

// Options configures the embedded backend.
type Options struct {
	// DataDir is the path to the Pebble database directory.
	DataDir string
	// Fsync determines when to sync the WAL.
	Fsync FsyncMode
	// FsyncInterval controls group-commit when Fsync=FsyncModeInterval.
	FsyncInterval time.Duration
}

// Backend is the Pebble-backed implementation of backend.Backend.
type Backend struct {
	db *db

	qmu  sync.Mutex // serializes queue state transitions
	kvMu sync.Mutex // serializes KV compare-and-set
}

// Open creates or opens the store at opts.DataDir.
func Open(opts Options) (*Backend, error) {
	d, err := openDB(opts.DataDir, opts.Fsync, opts.FsyncInterval)
	if err != nil {
		return nil, fmt.Errorf("pebbledb: open: %w", err)
	}
	return &Backend{db: d}, nil
}

// Close closes the underlying store.
func (b *Backend) Close() error { return b.db.close() }

// Ping verifies the store is usable.
func (b *Backend) Ping(ctx context.Context) error {
	it, err := b.db.newIter(nil)
	if err != nil {
		return unavailable(err)
	}
	return it.Close()
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", backend.ErrUnavailable, err)
}

// Enqueue writes the envelope body and its ready index entry atomically.
func (b *Backend) Enqueue(ctx context.Context, env *backend.Envelope) error {
	envID, err := id.Parse(env.ID)
	if err != nil {
		return fmt.Errorf("pebbledb: envelope id: %w", err)
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("pebbledb: marshal envelope: %w", err)
	}

	b.qmu.Lock()
	defer b.qmu.Unlock()
	batch := b.db.newBatch()
	defer batch.Close()
	if err := batch.Set(envKey(env.Queue, env.ID), body, nil); err != nil {
		return unavailable(err)
	}
	if err := batch.Set(readyKey(env.Queue, env.Priority, envID), nil, nil); err != nil {
		return unavailable(err)
	}
	if err := b.db.commit(batch); err != nil {
		return unavailable(err)
	}
	return nil
}

// Dequeue pops the first ready index entry and moves it to the visibility index.
func (b *Backend) Dequeue(ctx context.Context, queue string, visibilityMs, nowMs int64) (*backend.Envelope, bool, error) {
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}
	prefix := readyPrefix(queue)

	b.qmu.Lock()
	defer b.qmu.Unlock()
	iter, err := b.db.newIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return nil, false, unavailable(err)
	}
	defer iter.Close()

	for ok := iter.First(); ok; ok = iter.Next() {
		k := iter.Key()
		if len(k) != len(prefix)+1+16 {
			continue
		}
		var envID id.ID
		copy(envID[:], k[len(prefix)+1:])

		body, found, err := b.db.get(envKey(queue, envID.String()))
		if err != nil {
			return nil, false, unavailable(err)
		}
		if !found {
			// Orphaned index entry; drop it and keep scanning.
			_ = b.db.delete(append([]byte(nil), k...))
			continue
		}
		var env backend.Envelope
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, false, fmt.Errorf("pebbledb: unmarshal envelope: %w", err)
		}

		env.VisibleAtMs = nowMs + visibilityMs
		env.Deliveries++
		updated, err := json.Marshal(&env)
		if err != nil {
			return nil, false, fmt.Errorf("pebbledb: marshal envelope: %w", err)
		}

		batch := b.db.newBatch()
		defer batch.Close()
		if err := batch.Delete(append([]byte(nil), k...), nil); err != nil {
			return nil, false, unavailable(err)
		}
		if err := batch.Set(visKey(queue, env.VisibleAtMs, envID), nil, nil); err != nil {
			return nil, false, unavailable(err)
		}
		if err := batch.Set(envKey(queue, env.ID), updated, nil); err != nil {
			return nil, false, unavailable(err)
		}
		if err := b.db.commit(batch); err != nil {
			return nil, false, unavailable(err)
		}
		return &env, true, nil
	}
	return nil, false, nil
}

// Ack deletes a pending envelope and its visibility index entry.
func (b *Backend) Ack(ctx context.Context, queue, envIDs string) (bool, error) {
	envID, err := id.Parse(envIDs)
	if err != nil {
		return false, nil
	}

	b.qmu.Lock()
	defer b.qmu.Unlock()
	body, found, err := b.db.get(envKey(queue, envIDs))
	if err != nil {
		return false, unavailable(err)
	}
	if !found {
		return false, nil
	}
	var env backend.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return false, fmt.Errorf("pebbledb: unmarshal envelope: %w", err)
	}
	if env.VisibleAtMs == 0 {
		// Ready again (already requeued): indistinguishable from unknown for
		// the caller, and not fatal.
		return false, nil
	}

	batch := b.db.newBatch()
	defer batch.Close()
	if err := batch.Delete(envKey(queue, envIDs), nil); err != nil {
		return false, unavailable(err)
	}
	if err := batch.Delete(visKey(queue, env.VisibleAtMs, envID), nil); err != nil {
		return false, unavailable(err)
	}
	if err := b.db.commit(batch); err != nil {
		return false, unavailable(err)
	}
	return true, nil
}

// RequeueStale scans the visibility index and returns expired envelopes to ready.
func (b *Backend) RequeueStale(ctx context.Context, queue string, nowMs int64) (int, error) {
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}
	prefix := visPrefix(queue)

	b.qmu.Lock()
	defer b.qmu.Unlock()
	iter, err := b.db.newIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return 0, unavailable(err)
	}
	defer iter.Close()

	batch := b.db.newBatch()
	defer batch.Close()
	moved := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		k := iter.Key()
		if len(k) != len(prefix)+8+16 {
			continue
		}
		deadline := int64(binary.BigEndian.Uint64(k[len(prefix) : len(prefix)+8]))
		if deadline > nowMs {
			// Index is deadline-ordered, nothing later can be stale.
			break
		}
		var envID id.ID
		copy(envID[:], k[len(prefix)+8:])

		body, found, err := b.db.get(envKey(queue, envID.String()))
		if err != nil {
			return moved, unavailable(err)
		}
		if err := batch.Delete(append([]byte(nil), k...), nil); err != nil {
			return moved, unavailable(err)
		}
		if !found {
			// Acked concurrently or orphaned; the index entry is all there is.
			continue
		}
		var env backend.Envelope
		if err := json.Unmarshal(body, &env); err != nil {
			return moved, fmt.Errorf("pebbledb: unmarshal envelope: %w", err)
		}
		env.VisibleAtMs = 0
		updated, err := json.Marshal(&env)
		if err != nil {
			return moved, fmt.Errorf("pebbledb: marshal envelope: %w", err)
		}
		if err := batch.Set(envKey(queue, env.ID), updated, nil); err != nil {
			return moved, unavailable(err)
		}
		if err := batch.Set(readyKey(queue, env.Priority, envID), nil, nil); err != nil {
			return moved, unavailable(err)
		}
		moved++
	}
	if moved > 0 || !batch.Empty() {
		if err := b.db.commit(batch); err != nil {
			return 0, unavailable(err)
		}
	}
	return moved, nil
}

// QueueStats counts ready and pending index entries for one queue.
func (b *Backend) QueueStats(ctx context.Context, queue string) (backend.QueueStats, error) {
	stats := backend.QueueStats{Queue: queue}
	for _, scan := range []struct {
		prefix []byte
		count  *int
	}{
		{readyPrefix(queue), &stats.Ready},
		{visPrefix(queue), &stats.Pending},
	} {
		iter, err := b.db.newIter(&pebble.IterOptions{LowerBound: scan.prefix, UpperBound: upperBound(scan.prefix)})
		if err != nil {
			return stats, unavailable(err)
		}
		for ok := iter.First(); ok; ok = iter.Next() {
			*scan.count++
		}
		if err := iter.Close(); err != nil {
			return stats, unavailable(err)
		}
	}
	return stats, nil
}

// Get returns the record at key.
func (b *Backend) Get(ctx context.Context, key string) (*backend.Record, bool, error) {
	body, found, err := b.db.get(kvKey(key))
	if err != nil {
		return nil, false, unavailable(err)
	}
	if !found {
		return nil, false, nil
	}
	var rec backend.Record
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, false, fmt.Errorf("pebbledb: unmarshal record: %w", err)
	}
	return &rec, true, nil
}

// Put writes unconditionally, resetting the version to 1.
func (b *Backend) Put(ctx context.Context, key string, value json.RawMessage) (*backend.Record, error) {
	b.kvMu.Lock()
	defer b.kvMu.Unlock()
	rec := &backend.Record{Key: key, Value: value, Version: 1, UpdatedAtMs: time.Now().UnixMilli()}
	if err := b.writeRecord(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Update performs a compare-and-set keyed on the record version.
func (b *Backend) Update(ctx context.Context, key string, value json.RawMessage, expect uint64) (*backend.Record, error) {
	b.kvMu.Lock()
	defer b.kvMu.Unlock()
	cur, found, err := b.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if expect == 0 {
		if found {
			return nil, backend.ErrVersionConflict
		}
	} else if !found || cur.Version != expect {
		return nil, backend.ErrVersionConflict
	}
	rec := &backend.Record{Key: key, Value: value, Version: expect + 1, UpdatedAtMs: time.Now().UnixMilli()}
	if err := b.writeRecord(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (b *Backend) writeRecord(rec *backend.Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("pebbledb: marshal record: %w", err)
	}
	if err := b.db.set(kvKey(rec.Key), body); err != nil {
		return unavailable(err)
	}
	return nil
}

// Delete removes key unconditionally.
func (b *Backend) Delete(ctx context.Context, key string) (bool, error) {
	b.kvMu.Lock()
	defer b.kvMu.Unlock()
	_, found, err := b.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	if err := b.db.delete(kvKey(key)); err != nil {
		return false, unavailable(err)
	}
	return true, nil
}

// DeleteVersion removes key only at the expected version.
func (b *Backend) DeleteVersion(ctx context.Context, key string, expect uint64) (bool, error) {
	b.kvMu.Lock()
	defer b.kvMu.Unlock()
	cur, found, err := b.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !found || cur.Version != expect {
		return false, nil
	}
	if err := b.db.delete(kvKey(key)); err != nil {
		return false, unavailable(err)
	}
	return true, nil
}

// Scan returns all records under prefix, ordered by key.
func (b *Backend) Scan(ctx context.Context, prefix string) ([]*backend.Record, error) {
	low := kvKey(prefix)
	iter, err := b.db.newIter(&pebble.IterOptions{LowerBound: low, UpperBound: upperBound(low)})
	if err != nil {
		return nil, unavailable(err)
	}
	defer iter.Close()

	var out []*backend.Record
	for ok := iter.First(); ok; ok = iter.Next() {
		var rec backend.Record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue
		}
		out = append(out, &rec)
	}
	return out, nil
}

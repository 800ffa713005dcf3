// Package memory implements the in-process fallback backend: mutex-guarded
// structures with the same semantics as the durable backends. It exists so
// the coordination layer keeps working (and stays testable in isolation) when
// no external store is reachable. State is per-process and lost on exit.
package memory

import (
	"container/heap"
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cadre-io/cadre/backend"
)

// Backend is the in-process implementation of backend.Backend.
// A mutex per logical structure: each queue carries its own lock, the KV
// table has one RWMutex, so readers of unrelated keys never block writers.
type Backend struct {
	mu     sync.RWMutex // guards the queues map, not queue contents
	queues map[string]*memQueue

	kvMu sync.RWMutex
	kv   map[string]*backend.Record
}

// New creates an empty in-process backend.
func New() *Backend {
	return &Backend{
		queues: make(map[string]*memQueue),
		kv:     make(map[string]*backend.Record),
	}
}

// Ping always succeeds: the fallback backend cannot be unreachable.
func (b *Backend) Ping(ctx context.Context) error { return nil }

// Close is a no-op; held memory is released with the process.
func (b *Backend) Close() error { return nil }

func (b *Backend) queue(name string) *memQueue {
	b.mu.RLock()
	q := b.queues[name]
	b.mu.RUnlock()
	if q != nil {
		return q
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if q = b.queues[name]; q == nil {
		q = newMemQueue()
		b.queues[name] = q
	}
	return q
}

// Enqueue stores a copy of env in the queue's ready set.
func (b *Backend) Enqueue(ctx context.Context, env *backend.Envelope) error {
	q := b.queue(env.Queue)
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.ready, cloneEnvelope(env))
	return nil
}

// Dequeue pops the best ready envelope and moves it to pending.
func (b *Backend) Dequeue(ctx context.Context, queue string, visibilityMs, nowMs int64) (*backend.Envelope, bool, error) {
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}
	q := b.queue(queue)
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ready.Len() == 0 {
		return nil, false, nil
	}
	env := heap.Pop(&q.ready).(*backend.Envelope)
	env.VisibleAtMs = nowMs + visibilityMs
	env.Deliveries++
	q.pending[env.ID] = env
	return cloneEnvelope(env), true, nil
}

// Ack removes a pending envelope.
func (b *Backend) Ack(ctx context.Context, queue, id string) (bool, error) {
	q := b.queue(queue)
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.pending[id]; !ok {
		return false, nil
	}
	delete(q.pending, id)
	return true, nil
}

// RequeueStale returns expired pending envelopes to the ready set.
func (b *Backend) RequeueStale(ctx context.Context, queue string, nowMs int64) (int, error) {
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}
	q := b.queue(queue)
	q.mu.Lock()
	defer q.mu.Unlock()
	moved := 0
	for id, env := range q.pending {
		if env.VisibleAtMs > nowMs {
			continue
		}
		delete(q.pending, id)
		env.VisibleAtMs = 0
		heap.Push(&q.ready, env)
		moved++
	}
	return moved, nil
}

// QueueStats reports ready/pending depths for one queue.
func (b *Backend) QueueStats(ctx context.Context, queue string) (backend.QueueStats, error) {
	q := b.queue(queue)
	q.mu.Lock()
	defer q.mu.Unlock()
	return backend.QueueStats{Queue: queue, Ready: q.ready.Len(), Pending: len(q.pending)}, nil
}

// Get returns a copy of the record at key.
func (b *Backend) Get(ctx context.Context, key string) (*backend.Record, bool, error) {
	b.kvMu.RLock()
	defer b.kvMu.RUnlock()
	rec, ok := b.kv[key]
	if !ok {
		return nil, false, nil
	}
	return cloneRecord(rec), true, nil
}

// Put writes unconditionally, resetting the version to 1.
func (b *Backend) Put(ctx context.Context, key string, value json.RawMessage) (*backend.Record, error) {
	b.kvMu.Lock()
	defer b.kvMu.Unlock()
	rec := &backend.Record{
		Key:         key,
		Value:       append(json.RawMessage(nil), value...),
		Version:     1,
		UpdatedAtMs: time.Now().UnixMilli(),
	}
	b.kv[key] = rec
	return cloneRecord(rec), nil
}

// Update performs a compare-and-set keyed on the record version.
func (b *Backend) Update(ctx context.Context, key string, value json.RawMessage, expect uint64) (*backend.Record, error) {
	b.kvMu.Lock()
	defer b.kvMu.Unlock()
	cur, ok := b.kv[key]
	if expect == 0 {
		if ok {
			return nil, backend.ErrVersionConflict
		}
	} else {
		if !ok || cur.Version != expect {
			return nil, backend.ErrVersionConflict
		}
	}
	rec := &backend.Record{
		Key:         key,
		Value:       append(json.RawMessage(nil), value...),
		Version:     expect + 1,
		UpdatedAtMs: time.Now().UnixMilli(),
	}
	b.kv[key] = rec
	return cloneRecord(rec), nil
}

// Delete removes key unconditionally.
func (b *Backend) Delete(ctx context.Context, key string) (bool, error) {
	b.kvMu.Lock()
	defer b.kvMu.Unlock()
	if _, ok := b.kv[key]; !ok {
		return false, nil
	}
	delete(b.kv, key)
	return true, nil
}

// DeleteVersion removes key only at the expected version.
func (b *Backend) DeleteVersion(ctx context.Context, key string, expect uint64) (bool, error) {
	b.kvMu.Lock()
	defer b.kvMu.Unlock()
	cur, ok := b.kv[key]
	if !ok || cur.Version != expect {
		return false, nil
	}
	delete(b.kv, key)
	return true, nil
}

// Scan returns copies of all records under prefix, ordered by key.
func (b *Backend) Scan(ctx context.Context, prefix string) ([]*backend.Record, error) {
	b.kvMu.RLock()
	defer b.kvMu.RUnlock()
	var out []*backend.Record
	for k, rec := range b.kv {
		if strings.HasPrefix(k, prefix) {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func cloneEnvelope(env *backend.Envelope) *backend.Envelope {
	out := *env
	out.Payload = append(json.RawMessage(nil), env.Payload...)
	if env.Headers != nil {
		out.Headers = make(map[string]string, len(env.Headers))
		for k, v := range env.Headers {
			out.Headers[k] = v
		}
	}
	return &out
}

func cloneRecord(rec *backend.Record) *backend.Record {
	out := *rec
	out.Value = append(json.RawMessage(nil), rec.Value...)
	return &out
}

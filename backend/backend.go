package backend

import (
	"context"
	"encoding/json"
)

// Priority orders envelope delivery. Lower rank dequeues first, so the
// constants are declared from most to least urgent.
type Priority uint8

// Priority bands, most urgent first.
const (
	Critical Priority = iota
	High
	Normal
	Low
)

// String returns the lowercase band name.
func (p Priority) String() string {
	switch p {
	case Critical:
		return "critical"
	case High:
		return "high"
	case Normal:
		return "normal"
	case Low:
		return "low"
	default:
		return "unknown"
	}
}

// Valid reports whether p is one of the defined bands.
func (p Priority) Valid() bool { return p <= Low }

// Envelope is one in-flight unit of queued work plus its delivery metadata.
// Payload is opaque to the coordination layer.
type Envelope struct {
	ID           string            `json:"id"`
	Queue        string            `json:"queue"`
	Payload      json.RawMessage   `json:"payload"`
	Priority     Priority          `json:"priority"`
	Headers      map[string]string `json:"headers,omitempty"`
	EnqueuedAtMs int64             `json:"enqueuedAtMs"`
	// VisibleAtMs is the earliest time a pending envelope may be reclaimed.
	// Zero while the envelope is ready.
	VisibleAtMs int64 `json:"visibleAtMs,omitempty"`
	// Deliveries counts how many times a consumer has received the envelope.
	Deliveries int32 `json:"deliveries,omitempty"`
}

// Record is one versioned key/value entry. Versions start at 1 and increase
// by exactly one on every successful conditional write.
type Record struct {
	Key         string          `json:"key"`
	Value       json.RawMessage `json:"value"`
	Version     uint64          `json:"version"`
	UpdatedAtMs int64           `json:"updatedAtMs"`
}

// Backend is the capability interface the queue, registry, and state manager
// are built on. Implementations must make each method atomic with respect to
// concurrent callers of the same backend instance (and, for the remote
// variant, concurrent processes sharing the store).
type Backend interface {
	// Enqueue stores env and marks it ready. env.ID must be unique and
	// lexicographically ordered by publish time within the queue.
	Enqueue(ctx context.Context, env *Envelope) error

	// Dequeue moves the best ready envelope (lowest priority rank, then
	// oldest ID) in queue to pending with VisibleAtMs = nowMs + visibilityMs
	// and returns it. The second return is false when nothing is ready; that
	// is not an error.
	Dequeue(ctx context.Context, queue string, visibilityMs, nowMs int64) (*Envelope, bool, error)

	// Ack deletes a pending envelope. Returns false when id is not currently
	// pending (already acked, already requeued, or never seen).
	Ack(ctx context.Context, queue, id string) (bool, error)

	// RequeueStale returns pending envelopes whose visibility deadline has
	// passed (VisibleAtMs <= nowMs) to ready, reporting how many moved.
	RequeueStale(ctx context.Context, queue string, nowMs int64) (int, error)

	// Get returns the record at key. The second return is false when absent.
	Get(ctx context.Context, key string) (*Record, bool, error)

	// Put writes value unconditionally, resetting the version to 1.
	Put(ctx context.Context, key string, value json.RawMessage) (*Record, error)

	// Update writes value only if the current version equals expect,
	// producing version expect+1. expect == 0 means "create only": the write
	// succeeds only if the key is absent, producing version 1. A lost race
	// returns ErrVersionConflict.
	Update(ctx context.Context, key string, value json.RawMessage, expect uint64) (*Record, error)

	// Delete removes key unconditionally. Returns false when absent.
	Delete(ctx context.Context, key string) (bool, error)

	// DeleteVersion removes key only if its version equals expect. Returns
	// false when the key is absent or the version moved on.
	DeleteVersion(ctx context.Context, key string, expect uint64) (bool, error)

	// Scan returns all records whose key starts with prefix, ordered by key.
	Scan(ctx context.Context, prefix string) ([]*Record, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// QueueStats describes one queue's depth, for operational surfaces.
type QueueStats struct {
	Queue   string `json:"queue"`
	Ready   int    `json:"ready"`
	Pending int    `json:"pending"`
}

// StatsReporter is implemented by backends that can enumerate queue depths.
// It is an operational convenience, not part of the coordination contract.
type StatsReporter interface {
	QueueStats(ctx context.Context, queue string) (QueueStats, error)
}

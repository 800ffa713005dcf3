package state

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cadre-io/cadre/backend"
	logpkg "github.com/cadre-io/cadre/pkg/log"
)

const (
	statePrefix = "state/"
	lockPrefix  = "lock/"
)

// Entry is one versioned state value as returned to callers.
type Entry struct {
	Namespace   string          `json:"namespace"`
	Key         string          `json:"key"`
	Value       json.RawMessage `json:"value"`
	Version     uint64          `json:"version"`
	UpdatedAtMs int64           `json:"updatedAtMs"`
}

// Lock describes a held lease.
type Lock struct {
	Resource    string `json:"resource"`
	Owner       string `json:"owner"`
	AcquiredAt  int64  `json:"acquiredAtMs"`
	ExpiresAtMs int64  `json:"expiresAtMs"`

	// version fences the release. Unexported; callers release through the
	// Lock handle, never by version directly.
	version uint64
}

// Held reports whether the lease is still live at nowMs.
func (l *Lock) Held(nowMs int64) bool { return nowMs < l.ExpiresAtMs }

// lockRecord is the stored form of a lease.
type lockRecord struct {
	Resource    string `json:"resource"`
	Owner       string `json:"owner"`
	AcquiredAt  int64  `json:"acquiredAtMs"`
	ExpiresAtMs int64  `json:"expiresAtMs"`
}

// Options tunes a Manager.
type Options struct {
	// DefaultLockTTL applies when AcquireLock gets a zero TTL. Default 30s.
	DefaultLockTTL time.Duration
	// MaxValueBytes caps state values. Default 1 MiB.
	MaxValueBytes int

	Logger logpkg.Logger
}

// Manager provides the state and lock operations over a Backend.
type Manager struct {
	be       backend.Backend
	lockTTL  time.Duration
	maxValue int
	logger   logpkg.Logger

	// nowMs is overridden in tests.
	nowMs func() int64
}

// New creates a Manager over be.
func New(be backend.Backend, opts Options) *Manager {
	if opts.DefaultLockTTL <= 0 {
		opts.DefaultLockTTL = 30 * time.Second
	}
	if opts.MaxValueBytes <= 0 {
		opts.MaxValueBytes = 1 << 20
	}
	if opts.Logger == nil {
		opts.Logger = logpkg.NewLogger().WithComponent("state")
	}
	return &Manager{
		be:       be,
		lockTTL:  opts.DefaultLockTTL,
		maxValue: opts.MaxValueBytes,
		logger:   opts.Logger,
		nowMs:    func() int64 { return time.Now().UnixMilli() },
	}
}

// The namespace segment may not contain '/': it is the delimiter that keeps
// (namespace, key) pairs from aliasing each other in the flattened store.
// Keys may contain '/' freely.
func validNamespace(namespace string) error {
	if namespace == "" {
		return fmt.Errorf("state: namespace required")
	}
	if strings.ContainsAny(namespace, "/\x00") {
		return fmt.Errorf("state: namespace must not contain '/' or NUL")
	}
	return nil
}

func validScope(namespace, key string) error {
	if err := validNamespace(namespace); err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("state: key required")
	}
	if strings.ContainsRune(key, '\x00') {
		return fmt.Errorf("state: key must not contain NUL")
	}
	return nil
}

func validResource(resource string) error {
	if resource == "" {
		return fmt.Errorf("state: resource required")
	}
	if strings.ContainsRune(resource, '\x00') {
		return fmt.Errorf("state: resource must not contain NUL")
	}
	return nil
}

func stateKey(namespace, key string) string {
	return statePrefix + namespace + "/" + key
}

func entryFromRecord(namespace, key string, rec *backend.Record) *Entry {
	return &Entry{
		Namespace:   namespace,
		Key:         key,
		Value:       rec.Value,
		Version:     rec.Version,
		UpdatedAtMs: rec.UpdatedAtMs,
	}
}

// SetState writes value unconditionally and resets the version to 1. It is
// the bootstrap and "last writer wins" path; coordinated mutation goes
// through UpdateState.
func (m *Manager) SetState(ctx context.Context, namespace, key string, value json.RawMessage) (*Entry, error) {
	if err := validScope(namespace, key); err != nil {
		return nil, err
	}
	if len(value) > m.maxValue {
		return nil, fmt.Errorf("state: value exceeds %d bytes", m.maxValue)
	}
	rec, err := m.be.Put(ctx, stateKey(namespace, key), value)
	if err != nil {
		return nil, fmt.Errorf("set %s/%s: %w", namespace, key, err)
	}
	return entryFromRecord(namespace, key, rec), nil
}

// GetState returns the entry at (namespace, key). The second return is false
// when absent.
func (m *Manager) GetState(ctx context.Context, namespace, key string) (*Entry, bool, error) {
	if err := validScope(namespace, key); err != nil {
		return nil, false, err
	}
	rec, found, err := m.be.Get(ctx, stateKey(namespace, key))
	if err != nil {
		return nil, false, fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	if !found {
		return nil, false, nil
	}
	return entryFromRecord(namespace, key, rec), true, nil
}

// UpdateState writes value at version expect+1. With expect > 0 the write
// lands only if the stored version still equals expect. With expect == 0 the
// manager reads the current version and conditions the write on it, so a
// caller without an observed version still gets the compare-and-set
// guarantee. Either way a lost race surfaces as an error wrapping
// backend.ErrVersionConflict, never retried here; the caller re-reads and
// retries. The second return is false when the key is absent.
func (m *Manager) UpdateState(ctx context.Context, namespace, key string, value json.RawMessage, expect uint64) (*Entry, bool, error) {
	if err := validScope(namespace, key); err != nil {
		return nil, false, err
	}
	if len(value) > m.maxValue {
		return nil, false, fmt.Errorf("state: value exceeds %d bytes", m.maxValue)
	}
	skey := stateKey(namespace, key)
	cur, found, err := m.be.Get(ctx, skey)
	if err != nil {
		return nil, false, fmt.Errorf("update %s/%s: %w", namespace, key, err)
	}
	if !found {
		return nil, false, nil
	}
	if expect == 0 {
		expect = cur.Version
	}
	rec, err := m.be.Update(ctx, skey, value, expect)
	if err != nil {
		return nil, true, fmt.Errorf("update %s/%s: %w", namespace, key, err)
	}
	return entryFromRecord(namespace, key, rec), true, nil
}

// DeleteState removes (namespace, key). False when absent.
func (m *Manager) DeleteState(ctx context.Context, namespace, key string) (bool, error) {
	if err := validScope(namespace, key); err != nil {
		return false, err
	}
	removed, err := m.be.Delete(ctx, stateKey(namespace, key))
	if err != nil {
		return false, fmt.Errorf("delete %s/%s: %w", namespace, key, err)
	}
	return removed, nil
}

// ListState returns the namespace's entries whose key starts with prefix,
// ordered by key. An empty prefix lists the whole namespace.
func (m *Manager) ListState(ctx context.Context, namespace, prefix string) ([]*Entry, error) {
	if err := validNamespace(namespace); err != nil {
		return nil, err
	}
	scope := statePrefix + namespace + "/"
	recs, err := m.be.Scan(ctx, scope+prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s/%s: %w", namespace, prefix, err)
	}
	out := make([]*Entry, 0, len(recs))
	for _, rec := range recs {
		out = append(out, entryFromRecord(namespace, strings.TrimPrefix(rec.Key, scope), rec))
	}
	return out, nil
}

// AcquireLock attempts to take the exclusive lease on resource for owner.
// The second return is false when another live holder has it; that is
// contention, not an error. A lock whose lease has expired is acquirable as
// if it were absent.
func (m *Manager) AcquireLock(ctx context.Context, resource, owner string, ttl time.Duration) (*Lock, bool, error) {
	if err := validResource(resource); err != nil {
		return nil, false, err
	}
	if owner == "" {
		return nil, false, fmt.Errorf("state: lock owner required")
	}
	if ttl <= 0 {
		ttl = m.lockTTL
	}
	key := lockPrefix + resource
	now := m.nowMs()

	rec, found, err := m.be.Get(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("acquire %s: %w", resource, err)
	}
	expect := uint64(0)
	if found {
		var cur lockRecord
		if err := json.Unmarshal(rec.Value, &cur); err != nil {
			return nil, false, fmt.Errorf("acquire %s: decode: %w", resource, err)
		}
		if now < cur.ExpiresAtMs {
			return nil, false, nil
		}
		// Expired lease: overwrite at its current version so a concurrent
		// acquirer cannot also win.
		expect = rec.Version
	}

	next := lockRecord{
		Resource:    resource,
		Owner:       owner,
		AcquiredAt:  now,
		ExpiresAtMs: now + ttl.Milliseconds(),
	}
	value, err := json.Marshal(&next)
	if err != nil {
		return nil, false, fmt.Errorf("acquire %s: encode: %w", resource, err)
	}
	written, err := m.be.Update(ctx, key, value, expect)
	if err != nil {
		if backend.IsVersionConflict(err) {
			// Someone else created or took over the lease first.
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("acquire %s: %w", resource, err)
	}
	m.logger.Debug("lock acquired",
		logpkg.F("resource", resource),
		logpkg.F("owner", owner),
		logpkg.F("ttl", ttl.String()),
	)
	return &Lock{
		Resource:    resource,
		Owner:       owner,
		AcquiredAt:  next.AcquiredAt,
		ExpiresAtMs: next.ExpiresAtMs,
		version:     written.Version,
	}, true, nil
}

// ReleaseLock frees the lease if owner still holds it. False means the lease
// is absent, expired and taken over, or held by someone else; in every case
// the caller no longer holds it, so false is informational.
func (m *Manager) ReleaseLock(ctx context.Context, resource, owner string) (bool, error) {
	if err := validResource(resource); err != nil {
		return false, err
	}
	key := lockPrefix + resource
	rec, found, err := m.be.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("release %s: %w", resource, err)
	}
	if !found {
		return false, nil
	}
	var cur lockRecord
	if err := json.Unmarshal(rec.Value, &cur); err != nil {
		return false, fmt.Errorf("release %s: decode: %w", resource, err)
	}
	if cur.Owner != owner {
		return false, nil
	}
	// The fenced delete refuses if the lease changed hands between the read
	// and the delete.
	released, err := m.be.DeleteVersion(ctx, key, rec.Version)
	if err != nil {
		return false, fmt.Errorf("release %s: %w", resource, err)
	}
	if released {
		m.logger.Debug("lock released",
			logpkg.F("resource", resource),
			logpkg.F("owner", owner),
		)
	}
	return released, nil
}

// GetLock reports the current holder of resource, if the lease is live.
func (m *Manager) GetLock(ctx context.Context, resource string) (*Lock, bool, error) {
	if err := validResource(resource); err != nil {
		return nil, false, err
	}
	rec, found, err := m.be.Get(ctx, lockPrefix+resource)
	if err != nil {
		return nil, false, fmt.Errorf("inspect %s: %w", resource, err)
	}
	if !found {
		return nil, false, nil
	}
	var cur lockRecord
	if err := json.Unmarshal(rec.Value, &cur); err != nil {
		return nil, false, fmt.Errorf("inspect %s: decode: %w", resource, err)
	}
	if m.nowMs() >= cur.ExpiresAtMs {
		return nil, false, nil
	}
	return &Lock{
		Resource:    cur.Resource,
		Owner:       cur.Owner,
		AcquiredAt:  cur.AcquiredAt,
		ExpiresAtMs: cur.ExpiresAtMs,
		version:     rec.Version,
	}, true, nil
}

// SweepExpiredLeases physically deletes expired lock records. Safe to run
// from any process; the fenced delete never removes a lease that was taken
// over after the scan.
func (m *Manager) SweepExpiredLeases(ctx context.Context) (int, error) {
	recs, err := m.be.Scan(ctx, lockPrefix)
	if err != nil {
		return 0, fmt.Errorf("sweep leases: %w", err)
	}
	now := m.nowMs()
	swept := 0
	for _, rec := range recs {
		var cur lockRecord
		if err := json.Unmarshal(rec.Value, &cur); err != nil {
			continue
		}
		if now < cur.ExpiresAtMs {
			continue
		}
		ok, err := m.be.DeleteVersion(ctx, rec.Key, rec.Version)
		if err != nil {
			return swept, fmt.Errorf("sweep leases: %w", err)
		}
		if ok {
			swept++
		}
	}
	if swept > 0 {
		m.logger.Info("swept expired leases", logpkg.F("count", swept))
	}
	return swept, nil
}

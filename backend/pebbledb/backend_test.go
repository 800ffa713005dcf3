package pebbledb

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/cadre-io/cadre/backend"
	"github.com/cadre-io/cadre/pkg/id"
)

func openTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := Open(Options{DataDir: t.TempDir(), Fsync: FsyncModeAlways})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func enqueue(t *testing.T, b *Backend, gen *id.Generator, queue string, prio backend.Priority, payload string) string {
	t.Helper()
	env := &backend.Envelope{
		ID:           gen.Next().String(),
		Queue:        queue,
		Payload:      json.RawMessage(payload),
		Priority:     prio,
		EnqueuedAtMs: id.NowMs(),
	}
	if err := b.Enqueue(context.Background(), env); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return env.ID
}

func TestDequeueOrdering(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()
	gen := id.NewGenerator()

	enqueue(t, b, gen, "q", backend.Low, `"low"`)
	enqueue(t, b, gen, "q", backend.Normal, `"n1"`)
	enqueue(t, b, gen, "q", backend.Normal, `"n2"`)
	enqueue(t, b, gen, "q", backend.Critical, `"crit"`)

	want := []string{`"crit"`, `"n1"`, `"n2"`, `"low"`}
	for i, expect := range want {
		env, ok, err := b.Dequeue(ctx, "q", 30_000, 0)
		if err != nil || !ok {
			t.Fatalf("dequeue %d: ok=%v err=%v", i, ok, err)
		}
		if string(env.Payload) != expect {
			t.Fatalf("dequeue %d: got %s, want %s", i, env.Payload, expect)
		}
	}
	if _, ok, _ := b.Dequeue(ctx, "q", 30_000, 0); ok {
		t.Fatalf("queue should be empty")
	}
}

func TestVisibilityAndRequeue(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()
	gen := id.NewGenerator()
	envID := enqueue(t, b, gen, "q", backend.High, `1`)

	env, ok, _ := b.Dequeue(ctx, "q", 1000, 10_000)
	if !ok || env.ID != envID || env.Deliveries != 1 {
		t.Fatalf("dequeue: %+v", env)
	}
	if _, ok, _ := b.Dequeue(ctx, "q", 1000, 10_500); ok {
		t.Fatalf("pending envelope handed out twice")
	}
	if n, _ := b.RequeueStale(ctx, "q", 10_500); n != 0 {
		t.Fatalf("premature requeue")
	}
	n, err := b.RequeueStale(ctx, "q", 11_500)
	if err != nil || n != 1 {
		t.Fatalf("requeue: n=%d err=%v", n, err)
	}
	env, ok, _ = b.Dequeue(ctx, "q", 1000, 12_000)
	if !ok || env.ID != envID || env.Deliveries != 2 {
		t.Fatalf("redelivery: %+v", env)
	}
}

func TestAckAndSurvivingState(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()
	gen := id.NewGenerator()
	envID := enqueue(t, b, gen, "q", backend.Normal, `1`)

	if ok, _ := b.Ack(ctx, "q", envID); ok {
		t.Fatalf("ack of a ready envelope must report false")
	}
	env, _, _ := b.Dequeue(ctx, "q", 1000, 0)
	if ok, _ := b.Ack(ctx, "q", env.ID); !ok {
		t.Fatalf("ack should succeed")
	}
	if ok, _ := b.Ack(ctx, "q", env.ID); ok {
		t.Fatalf("double ack should report false")
	}
	stats, _ := b.QueueStats(ctx, "q")
	if stats.Ready != 0 || stats.Pending != 0 {
		t.Fatalf("queue not empty after ack: %+v", stats)
	}
}

func TestQueueIsolation(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()
	gen := id.NewGenerator()
	enqueue(t, b, gen, "a", backend.Normal, `"a"`)
	enqueue(t, b, gen, "b", backend.Normal, `"b"`)

	env, ok, _ := b.Dequeue(ctx, "a", 1000, 0)
	if !ok || string(env.Payload) != `"a"` {
		t.Fatalf("wrong envelope from a: %+v", env)
	}
	if n, _ := b.RequeueStale(ctx, "b", 1<<60); n != 0 {
		t.Fatalf("queue b observed a's pending envelope")
	}
}

func TestRecordVersioning(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	rec, err := b.Put(ctx, "state/ns/k", json.RawMessage(`{"v":1}`))
	if err != nil || rec.Version != 1 {
		t.Fatalf("put: %+v %v", rec, err)
	}
	rec, err = b.Update(ctx, "state/ns/k", json.RawMessage(`{"v":2}`), 1)
	if err != nil || rec.Version != 2 {
		t.Fatalf("update: %+v %v", rec, err)
	}
	if _, err := b.Update(ctx, "state/ns/k", json.RawMessage(`{}`), 1); !backend.IsVersionConflict(err) {
		t.Fatalf("stale expect: %v", err)
	}
	got, found, _ := b.Get(ctx, "state/ns/k")
	if !found || got.Version != 2 || string(got.Value) != `{"v":2}` {
		t.Fatalf("get: %+v", got)
	}

	if _, err := b.Update(ctx, "fresh", json.RawMessage(`{}`), 0); err != nil {
		t.Fatalf("create-only: %v", err)
	}
	if _, err := b.Update(ctx, "fresh", json.RawMessage(`{}`), 0); !backend.IsVersionConflict(err) {
		t.Fatalf("second create-only: %v", err)
	}
}

func TestScanAndFencedDelete(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	_, _ = b.Put(ctx, "svc/api/1", json.RawMessage(`{}`))
	_, _ = b.Put(ctx, "svc/api/2", json.RawMessage(`{}`))
	_, _ = b.Put(ctx, "svc/worker/1", json.RawMessage(`{}`))

	recs, err := b.Scan(ctx, "svc/api/")
	if err != nil || len(recs) != 2 {
		t.Fatalf("scan: %d %v", len(recs), err)
	}

	rec, _, _ := b.Get(ctx, "svc/api/1")
	if ok, _ := b.DeleteVersion(ctx, "svc/api/1", rec.Version+7); ok {
		t.Fatalf("fenced delete at wrong version succeeded")
	}
	if ok, _ := b.DeleteVersion(ctx, "svc/api/1", rec.Version); !ok {
		t.Fatalf("fenced delete at right version failed")
	}
	if ok, _ := b.Delete(ctx, "svc/api/2"); !ok {
		t.Fatalf("unconditional delete failed")
	}
	if ok, _ := b.Delete(ctx, "svc/api/2"); ok {
		t.Fatalf("delete of absent key reported true")
	}
}

func TestStateSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	b, err := Open(Options{DataDir: dir, Fsync: FsyncModeAlways})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	gen := id.NewGenerator()
	env := &backend.Envelope{ID: gen.Next().String(), Queue: "q", Payload: json.RawMessage(`1`), Priority: backend.Normal}
	if err := b.Enqueue(ctx, env); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := b.Put(ctx, "k", json.RawMessage(`"v"`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b2, err := Open(Options{DataDir: dir, Fsync: FsyncModeAlways})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b2.Close()
	got, ok, _ := b2.Dequeue(ctx, "q", 1000, 0)
	if !ok || got.ID != env.ID {
		t.Fatalf("envelope lost across reopen")
	}
	rec, found, _ := b2.Get(ctx, "k")
	if !found || string(rec.Value) != `"v"` {
		t.Fatalf("record lost across reopen")
	}
}

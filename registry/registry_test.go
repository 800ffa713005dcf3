package registry

import (
	"context"
	"testing"
	"time"

	"github.com/cadre-io/cadre/backend/memory"
	logpkg "github.com/cadre-io/cadre/pkg/log"
)

// newTestRegistry pins the clock so TTL expiry is deterministic.
func newTestRegistry(t *testing.T) (*Registry, *int64) {
	t.Helper()
	be := memory.New()
	t.Cleanup(func() { _ = be.Close() })
	r := New(be, Options{Logger: logpkg.NewNop()})
	now := int64(1_000_000)
	r.nowMs = func() int64 { return now }
	return r, &now
}

func TestRegisterAndDiscover(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		inst, err := r.Register(ctx, "api-service", "10.0.0.1", 8000+i, map[string]string{"zone": "us-east"}, 30*time.Second)
		if err != nil {
			t.Fatalf("register %d: %v", i, err)
		}
		ids = append(ids, inst.InstanceID)
	}

	got, err := r.Discover(ctx, "api-service", nil)
	if err != nil || len(got) != 5 {
		t.Fatalf("discover: n=%d err=%v", len(got), err)
	}
	seen := make(map[string]bool)
	for _, inst := range got {
		seen[inst.InstanceID] = true
	}
	for _, id := range ids {
		if !seen[id] {
			t.Fatalf("instance %s missing from discovery", id)
		}
	}
	if other, _ := r.Discover(ctx, "worker-service", nil); len(other) != 0 {
		t.Fatalf("unrelated service returned %d instances", len(other))
	}
}

func TestRegisterValidation(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Register(ctx, "", "h", 80, nil, 0); err == nil {
		t.Fatalf("empty service accepted")
	}
	if _, err := r.Register(ctx, "a/b", "h", 80, nil, 0); err == nil {
		t.Fatalf("slash in service name accepted")
	}
	if _, err := r.Register(ctx, "svc", "", 80, nil, 0); err == nil {
		t.Fatalf("empty host accepted")
	}
	if _, err := r.Register(ctx, "svc", "h", 0, nil, 0); err == nil {
		t.Fatalf("port 0 accepted")
	}
	if _, err := r.Register(ctx, "svc", "h", 80, nil, 100*time.Millisecond); err == nil {
		t.Fatalf("sub-minimum ttl accepted")
	}
	inst, err := r.Register(ctx, "svc", "h", 80, nil, 0)
	if err != nil {
		t.Fatalf("default ttl register: %v", err)
	}
	if inst.TTL() != 30*time.Second {
		t.Fatalf("default ttl = %v, want 30s", inst.TTL())
	}
}

// Sub-second TTL components count toward the liveness window in full.
func TestTTLKeepsSubSecondPrecision(t *testing.T) {
	r, now := newTestRegistry(t)
	ctx := context.Background()

	inst, err := r.Register(ctx, "svc", "h", 80, nil, 1500*time.Millisecond)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if inst.TTLMs != 1500 {
		t.Fatalf("stored ttl = %dms, want 1500", inst.TTLMs)
	}

	*now += 1400 // inside the window a truncated 1s TTL would already have closed
	if got, _ := r.Discover(ctx, "svc", nil); len(got) != 1 {
		t.Fatalf("instance expired before its full 1500ms window")
	}
	if ok, err := r.Heartbeat(ctx, "svc", inst.InstanceID); err != nil || !ok {
		t.Fatalf("heartbeat at 1400ms: ok=%v err=%v", ok, err)
	}

	*now += 1600 // past the renewed window
	if got, _ := r.Discover(ctx, "svc", nil); len(got) != 0 {
		t.Fatalf("instance outlived its window")
	}
}

func TestLazyExpiry(t *testing.T) {
	r, now := newTestRegistry(t)
	ctx := context.Background()

	inst, err := r.Register(ctx, "svc", "h", 80, nil, time.Second)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	*now += 900
	got, _ := r.Discover(ctx, "svc", nil)
	if len(got) != 1 {
		t.Fatalf("instance should still be live at 900ms")
	}

	*now += 200 // past the 1s TTL
	got, _ = r.Discover(ctx, "svc", nil)
	if len(got) != 0 {
		t.Fatalf("expired instance still discoverable")
	}

	// Late heartbeat must not resurrect the instance.
	if ok, err := r.Heartbeat(ctx, "svc", inst.InstanceID); err != nil || ok {
		t.Fatalf("heartbeat after expiry: ok=%v err=%v", ok, err)
	}
	if got, _ := r.Discover(ctx, "svc", nil); len(got) != 0 {
		t.Fatalf("late heartbeat resurrected the instance")
	}
}

func TestHeartbeatExtendsTTL(t *testing.T) {
	r, now := newTestRegistry(t)
	ctx := context.Background()

	inst, _ := r.Register(ctx, "svc", "h", 80, nil, time.Second)
	for i := 0; i < 5; i++ {
		*now += 800
		ok, err := r.Heartbeat(ctx, "svc", inst.InstanceID)
		if err != nil || !ok {
			t.Fatalf("heartbeat %d: ok=%v err=%v", i, ok, err)
		}
	}
	got, _ := r.Discover(ctx, "svc", nil)
	if len(got) != 1 {
		t.Fatalf("heartbeats did not keep the instance live")
	}
	if ok, _ := r.Heartbeat(ctx, "svc", "not-an-id"); ok {
		t.Fatalf("heartbeat for unknown id reported true")
	}
}

func TestDeregister(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	inst, _ := r.Register(ctx, "svc", "h", 80, nil, time.Minute)
	if ok, err := r.Deregister(ctx, "svc", inst.InstanceID); err != nil || !ok {
		t.Fatalf("deregister: ok=%v err=%v", ok, err)
	}
	if got, _ := r.Discover(ctx, "svc", nil); len(got) != 0 {
		t.Fatalf("deregistered instance still discoverable")
	}
	if ok, _ := r.Deregister(ctx, "svc", inst.InstanceID); ok {
		t.Fatalf("second deregister reported true")
	}
}

func TestDiscoverFilter(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, _ = r.Register(ctx, "svc", "east-1", 80, map[string]string{"zone": "us-east"}, time.Minute)
	_, _ = r.Register(ctx, "svc", "west-1", 80, map[string]string{"zone": "us-west"}, time.Minute)
	_, _ = r.Register(ctx, "svc", "east-2", 9090, map[string]string{"zone": "us-east"}, time.Minute)

	filter, err := CompileFilter(`metadata["zone"] == "us-east" && port == 80`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	got, err := r.Discover(ctx, "svc", filter)
	if err != nil || len(got) != 1 || got[0].Host != "east-1" {
		t.Fatalf("filtered discover: %+v err=%v", got, err)
	}

	all, _ := CompileFilter("")
	if got, _ := r.Discover(ctx, "svc", all); len(got) != 3 {
		t.Fatalf("blank filter should match all")
	}

	if _, err := CompileFilter(`port == "eighty"`); err == nil {
		t.Fatalf("type error should fail compilation")
	}
}

func TestServicesAndSweep(t *testing.T) {
	r, now := newTestRegistry(t)
	ctx := context.Background()

	_, _ = r.Register(ctx, "api", "h", 80, nil, time.Second)
	_, _ = r.Register(ctx, "worker", "h", 81, nil, time.Minute)

	names, err := r.Services(ctx)
	if err != nil || len(names) != 2 {
		t.Fatalf("services: %v err=%v", names, err)
	}

	*now += 2000 // api's 1s TTL elapses
	names, _ = r.Services(ctx)
	if len(names) != 1 || names[0] != "worker" {
		t.Fatalf("expired service still listed: %v", names)
	}

	swept, err := r.SweepExpired(ctx)
	if err != nil || swept != 1 {
		t.Fatalf("sweep: n=%d err=%v", swept, err)
	}
	if swept, _ = r.SweepExpired(ctx); swept != 0 {
		t.Fatalf("second sweep moved %d", swept)
	}
}

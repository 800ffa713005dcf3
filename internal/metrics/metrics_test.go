package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/cadre-io/cadre/queue"
)

func TestQueueCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObservePublish("jobs", queue.Normal)
	m.ObservePublish("jobs", queue.Critical)
	m.ObserveConsume("jobs", 1)
	m.ObserveConsume("jobs", 2)
	m.ObserveAck("jobs", true)
	m.ObserveAck("jobs", false)
	m.ObserveRequeue("jobs", 3)

	if got := testutil.ToFloat64(m.published.WithLabelValues("jobs", "normal")); got != 1 {
		t.Fatalf("published normal = %v", got)
	}
	if got := testutil.ToFloat64(m.consumed.WithLabelValues("jobs")); got != 2 {
		t.Fatalf("consumed = %v", got)
	}
	if got := testutil.ToFloat64(m.redelivered.WithLabelValues("jobs")); got != 1 {
		t.Fatalf("redelivered = %v", got)
	}
	if got := testutil.ToFloat64(m.acked.WithLabelValues("jobs", "miss")); got != 1 {
		t.Fatalf("acked miss = %v", got)
	}
	if got := testutil.ToFloat64(m.requeued.WithLabelValues("jobs")); got != 3 {
		t.Fatalf("requeued = %v", got)
	}
}

func TestRegistryCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveRegister("api")
	m.ObserveHeartbeat("api", true)
	m.ObserveHeartbeat("api", false)
	m.ObserveExpired("api", 2)

	if got := testutil.ToFloat64(m.registrations.WithLabelValues("api")); got != 1 {
		t.Fatalf("registrations = %v", got)
	}
	if got := testutil.ToFloat64(m.heartbeats.WithLabelValues("api")); got != 1 {
		t.Fatalf("heartbeats = %v", got)
	}
	if got := testutil.ToFloat64(m.expired.WithLabelValues("api")); got != 2 {
		t.Fatalf("expired = %v", got)
	}
}

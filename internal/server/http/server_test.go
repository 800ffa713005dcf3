package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cadre "github.com/cadre-io/cadre"
	"github.com/cadre-io/cadre/internal/metrics"
	logpkg "github.com/cadre-io/cadre/pkg/log"
)

func newTestServer(t *testing.T) (*Server, *cadre.Coordinator) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	coord, err := cadre.Open(cadre.Default(),
		cadre.WithLogger(logpkg.NewNop()),
		cadre.WithQueueHook(m),
		cadre.WithRegistryHook(m),
	)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = coord.Close() })
	return New(coord, reg, logpkg.NewNop()), coord
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rec := get(t, s, "/v1/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["mode"] != "memory" {
		t.Fatalf("body = %v", body)
	}
}

func TestQueueStats(t *testing.T) {
	s, coord := newTestServer(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := coord.Queue().Publish(ctx, "jobs", json.RawMessage(`1`), 2, nil); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if _, err := coord.Queue().Consume(ctx, "jobs", time.Second); err != nil {
		t.Fatalf("consume: %v", err)
	}

	rec := get(t, s, "/v1/stats/jobs")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var stats struct {
		Ready   int `json:"ready"`
		Pending int `json:"pending"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.Ready != 2 || stats.Pending != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestServices(t *testing.T) {
	s, coord := newTestServer(t)
	ctx := context.Background()
	if _, err := coord.Registry().Register(ctx, "api", "h1", 80, map[string]string{"zone": "east"}, time.Minute); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := coord.Registry().Register(ctx, "api", "h2", 80, map[string]string{"zone": "west"}, time.Minute); err != nil {
		t.Fatalf("register: %v", err)
	}

	rec := get(t, s, "/v1/services")
	var listing struct {
		Services []string `json:"services"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listing); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listing.Services) != 1 || listing.Services[0] != "api" {
		t.Fatalf("services = %v", listing.Services)
	}

	rec = get(t, s, `/v1/services/api?filter=metadata["zone"]=="east"`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var detail struct {
		Instances []struct {
			Host string `json:"host"`
		} `json:"instances"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &detail); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(detail.Instances) != 1 || detail.Instances[0].Host != "h1" {
		t.Fatalf("instances = %+v", detail.Instances)
	}

	rec = get(t, s, `/v1/services/api?filter=port==`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad filter status = %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, coord := newTestServer(t)
	if _, err := coord.Queue().Publish(context.Background(), "jobs", json.RawMessage(`1`), 2, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	rec := get(t, s, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "cadre_queue_published_total") {
		t.Fatalf("published counter missing from exposition")
	}
}

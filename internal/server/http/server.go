// Package httpserver exposes the daemon's operational HTTP surface: health,
// queue depths, registered services, and prometheus metrics. It is a
// read-only window for operators; coordination traffic goes through the
// library API, not HTTP.
package httpserver

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	cadre "github.com/cadre-io/cadre"
	logpkg "github.com/cadre-io/cadre/pkg/log"
	"github.com/cadre-io/cadre/registry"
)

// Server serves the operational endpoints.
type Server struct {
	coord  *cadre.Coordinator
	srv    *http.Server
	lis    net.Listener
	logger logpkg.Logger
}

// New builds the router. gatherer supplies /metrics; pass the registry the
// metrics hooks were registered with.
func New(coord *cadre.Coordinator, gatherer prometheus.Gatherer, logger logpkg.Logger) *Server {
	if logger == nil {
		logger = logpkg.NewNop()
	}
	s := &Server{coord: coord, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/v1/healthz", s.handleHealth)
	r.Get("/v1/stats/{queue}", s.handleQueueStats)
	r.Get("/v1/services", s.handleServices)
	r.Get("/v1/services/{service}", s.handleServiceInstances)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s.srv = &http.Server{Handler: r}
	return s
}

// ListenAndServe blocks until ctx is canceled or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	s.logger.Info("ops server listening", logpkg.F("addr", l.Addr().String()))
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(cctx)
		return nil
	case err := <-errCh:
		return err
	}
}

// Addr returns the bound address once listening.
func (s *Server) Addr() string {
	if s.lis == nil {
		return ""
	}
	return s.lis.Addr().String()
}

// Close tears the listener down without draining.
func (s *Server) Close() {
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_serving",
			"mode":   s.coord.Mode(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"mode":     s.coord.Mode(),
		"degraded": s.coord.Degraded(),
	})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "queue")
	stats, err := s.coord.Queue().Stats(r.Context(), name)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	names, err := s.coord.Registry().Services(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": names})
}

func (s *Server) handleServiceInstances(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	var filter *registry.DiscoverFilter
	if expr := r.URL.Query().Get("filter"); expr != "" {
		f, err := registry.CompileFilter(expr)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		filter = f
	}
	instances, err := s.coord.Registry().Discover(r.Context(), service, filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if instances == nil {
		instances = []*registry.Instance{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service":   service,
		"instances": instances,
	})
}

// Package daemon runs cadred: the coordinator, its background sweepers, and
// the operational HTTP server, wired together and torn down in order on
// shutdown.
package daemon

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	cadre "github.com/cadre-io/cadre"
	"github.com/cadre-io/cadre/internal/metrics"
	httpserver "github.com/cadre-io/cadre/internal/server/http"
	logpkg "github.com/cadre-io/cadre/pkg/log"
)

// Options configures a daemon run.
type Options struct {
	Config cadre.Config
	Logger logpkg.Logger
}

// Run starts everything and blocks until ctx is canceled.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := opts.Logger
	if logger == nil {
		level, err := logpkg.ParseLevel(opts.Config.Log.Level)
		if err != nil {
			return err
		}
		logger = logpkg.NewLogger(
			logpkg.WithLevel(level),
			logpkg.WithFormat(opts.Config.Log.Format),
		)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	coord, err := cadre.Open(opts.Config,
		cadre.WithLogger(logger),
		cadre.WithQueueHook(m),
		cadre.WithRegistryHook(m),
	)
	if err != nil {
		return err
	}
	defer coord.Close()

	logger.Info("starting cadred",
		logpkg.F("mode", string(coord.Mode())),
		logpkg.F("http", opts.Config.Server.HTTPAddr),
		logpkg.F("sweep_interval", opts.Config.Server.SweepInterval.String()),
	)

	var wg sync.WaitGroup
	hsrv := httpserver.New(coord, reg, logger.WithComponent("http"))
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := hsrv.ListenAndServe(sctx, opts.Config.Server.HTTPAddr); err != nil && sctx.Err() == nil {
			logger.Error("ops server failed", logpkg.Err(err))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runSweeper(sctx, coord, opts.Config.Server, logger.WithComponent("sweeper"))
	}()

	<-sctx.Done()
	hsrv.Close()
	wg.Wait()
	logger.Info("cadred stopped")
	return nil
}

// runSweeper periodically reclaims stale envelopes and deletes expired
// registry instances and lock leases. Sweeps are idempotent, so running one
// per daemon alongside other processes is safe.
func runSweeper(ctx context.Context, coord *cadre.Coordinator, cfg cadre.ServerConfig, logger logpkg.Logger) {
	interval := cfg.SweepInterval.Std()
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			Sweep(ctx, coord, cfg.SweepQueues, logger)
		}
	}
}

// Sweep runs one pass of every reclamation task. Exported so the CLI can run
// a single pass against a shared backend.
func Sweep(ctx context.Context, coord *cadre.Coordinator, queues []string, logger logpkg.Logger) {
	for _, q := range queues {
		if _, err := coord.Queue().RequeueStale(ctx, q); err != nil {
			logger.Warn("requeue sweep failed", logpkg.F("queue", q), logpkg.Err(err))
		}
	}
	if _, err := coord.Registry().SweepExpired(ctx); err != nil {
		logger.Warn("registry sweep failed", logpkg.Err(err))
	}
	if _, err := coord.State().SweepExpiredLeases(ctx); err != nil {
		logger.Warn("lease sweep failed", logpkg.Err(err))
	}
}

// Package cadre wires the coordination layer together: one Backend selected
// by configuration, with the message queue, service registry, and state
// manager layered on top. All three components share the backend, so a
// single Open gives an agent process the full coordination surface.
package cadre

import (
	"context"
	"fmt"

	"github.com/cadre-io/cadre/backend"
	"github.com/cadre-io/cadre/backend/memory"
	"github.com/cadre-io/cadre/backend/pebbledb"
	"github.com/cadre-io/cadre/backend/postgres"
	logpkg "github.com/cadre-io/cadre/pkg/log"
	"github.com/cadre-io/cadre/queue"
	"github.com/cadre-io/cadre/registry"
	"github.com/cadre-io/cadre/state"
)

// Coordinator owns one backend and the components built over it.
type Coordinator struct {
	cfg      Config
	be       backend.Backend
	mode     BackendMode
	degraded bool
	logger   logpkg.Logger

	queue    *queue.MessageQueue
	registry *registry.Registry
	state    *state.Manager
}

// OpenOption customizes Open beyond the Config.
type OpenOption func(*openOptions)

type openOptions struct {
	logger       logpkg.Logger
	queueHook    queue.Hook
	registryHook registry.Hook
}

// WithLogger supplies the logger components inherit from.
func WithLogger(l logpkg.Logger) OpenOption {
	return func(o *openOptions) { o.logger = l }
}

// WithQueueHook attaches a queue metrics hook.
func WithQueueHook(h queue.Hook) OpenOption {
	return func(o *openOptions) { o.queueHook = h }
}

// WithRegistryHook attaches a registry metrics hook.
func WithRegistryHook(h registry.Hook) OpenOption {
	return func(o *openOptions) { o.registryHook = h }
}

// Open constructs the backend cfg.Mode names and layers the components on
// top. When the configured backend is unreachable and cfg.FallbackToMemory
// is set, Open degrades to the in-process backend and logs the narrowed
// coordination scope; without the flag the error surfaces to the caller.
func Open(cfg Config, opts ...OpenOption) (*Coordinator, error) {
	o := openOptions{}
	for _, fn := range opts {
		fn(&o)
	}
	if o.logger == nil {
		level, err := logpkg.ParseLevel(cfg.Log.Level)
		if err != nil {
			return nil, err
		}
		o.logger = logpkg.NewLogger(
			logpkg.WithLevel(level),
			logpkg.WithFormat(cfg.Log.Format),
		)
	}
	logger := o.logger

	be, mode, degraded, err := openBackend(cfg, logger)
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		cfg:      cfg,
		be:       be,
		mode:     mode,
		degraded: degraded,
		logger:   logger,
		queue: queue.New(be, queue.Options{
			VisibilityWindow: cfg.Queue.VisibilityWindow.Std(),
			PollInterval:     cfg.Queue.PollInterval.Std(),
			MaxPayloadBytes:  cfg.Queue.MaxPayloadBytes,
			Logger:           logger.WithComponent("queue"),
			Metrics:          o.queueHook,
		}),
		registry: registry.New(be, registry.Options{
			DefaultTTL: cfg.Registry.DefaultTTL.Std(),
			Logger:     logger.WithComponent("registry"),
			Metrics:    o.registryHook,
		}),
		state: state.New(be, state.Options{
			DefaultLockTTL: cfg.State.DefaultLockTTL.Std(),
			MaxValueBytes:  cfg.State.MaxValueBytes,
			Logger:         logger.WithComponent("state"),
		}),
	}
	logger.Info("coordination layer ready",
		logpkg.F("mode", string(mode)),
		logpkg.F("degraded", degraded),
	)
	return c, nil
}

func openBackend(cfg Config, logger logpkg.Logger) (backend.Backend, BackendMode, bool, error) {
	switch cfg.Mode {
	case ModeMemory, "":
		return memory.New(), ModeMemory, false, nil

	case ModePebble:
		fsync, err := pebbledb.ParseFsyncMode(cfg.Fsync)
		if err != nil {
			return nil, "", false, err
		}
		be, err := pebbledb.Open(pebbledb.Options{DataDir: cfg.DataDir, Fsync: fsync})
		if err != nil {
			return nil, "", false, fmt.Errorf("open pebble backend: %w", err)
		}
		return be, ModePebble, false, nil

	case ModePostgres:
		be, err := postgres.Open(postgres.Options{DSN: cfg.PostgresURL})
		if err == nil {
			return be, ModePostgres, false, nil
		}
		if !cfg.FallbackToMemory || !backend.IsUnavailable(err) {
			return nil, "", false, fmt.Errorf("open postgres backend: %w", err)
		}
		logger.Warn("postgres backend unreachable, degrading to in-process memory backend",
			logpkg.Err(err),
		)
		logger.Warn("coordination is now scoped to this process only")
		return memory.New(), ModeMemory, true, nil

	default:
		return nil, "", false, fmt.Errorf("unknown backend mode %q", cfg.Mode)
	}
}

// Queue returns the message queue.
func (c *Coordinator) Queue() *queue.MessageQueue { return c.queue }

// Registry returns the service registry.
func (c *Coordinator) Registry() *registry.Registry { return c.registry }

// State returns the state manager.
func (c *Coordinator) State() *state.Manager { return c.state }

// Backend exposes the underlying backend, mainly for operational surfaces.
func (c *Coordinator) Backend() backend.Backend { return c.be }

// Mode reports the mode actually in effect, after any fallback.
func (c *Coordinator) Mode() BackendMode { return c.mode }

// Degraded reports whether Open fell back to the in-process backend.
func (c *Coordinator) Degraded() bool { return c.degraded }

// Ping probes the backend.
func (c *Coordinator) Ping(ctx context.Context) error { return c.be.Ping(ctx) }

// Close releases the backend.
func (c *Coordinator) Close() error { return c.be.Close() }

package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cadre-io/cadre/backend"
	logpkg "github.com/cadre-io/cadre/pkg/log"
)

const keyPrefix = "svc/"

// Instance is one registered service instance. Liveness is derived, never
// stored: an instance is live while now < LastHeartbeatMs + TTLMs. The TTL
// is kept in milliseconds so sub-second components of the registered window
// are never silently dropped.
type Instance struct {
	ServiceName     string            `json:"serviceName"`
	InstanceID      string            `json:"instanceId"`
	Host            string            `json:"host"`
	Port            int               `json:"port"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	TTLMs           int64             `json:"ttlMs"`
	RegisteredAtMs  int64             `json:"registeredAtMs"`
	LastHeartbeatMs int64             `json:"lastHeartbeatMs"`
}

// Addr returns host:port.
func (in *Instance) Addr() string { return fmt.Sprintf("%s:%d", in.Host, in.Port) }

// TTL returns the heartbeat window as a duration.
func (in *Instance) TTL() time.Duration { return time.Duration(in.TTLMs) * time.Millisecond }

// ExpiresAtMs is the deadline the next heartbeat must beat.
func (in *Instance) ExpiresAtMs() int64 {
	return in.LastHeartbeatMs + in.TTLMs
}

// Live reports whether the instance's TTL has not yet elapsed at nowMs.
func (in *Instance) Live(nowMs int64) bool { return nowMs < in.ExpiresAtMs() }

// Hook observes registry operations for metrics.
type Hook interface {
	ObserveRegister(service string)
	ObserveDiscover(service string, live int)
	ObserveHeartbeat(service string, renewed bool)
	ObserveExpired(service string, swept int)
}

// NopHook is used when no metrics hook is provided.
type NopHook struct{}

func (NopHook) ObserveRegister(string)        {}
func (NopHook) ObserveDiscover(string, int)   {}
func (NopHook) ObserveHeartbeat(string, bool) {}
func (NopHook) ObserveExpired(string, int)    {}

// Options tunes a Registry.
type Options struct {
	// DefaultTTL applies when Register is called with a zero TTL. Default 30s.
	DefaultTTL time.Duration
	// MinTTL rejects TTLs that would flap on any realistic heartbeat cadence.
	// Default 1s.
	MinTTL time.Duration

	Logger  logpkg.Logger
	Metrics Hook
}

// Registry provides register/discover/heartbeat/deregister over a Backend.
type Registry struct {
	be         backend.Backend
	defaultTTL time.Duration
	minTTL     time.Duration
	logger     logpkg.Logger
	hook       Hook

	// nowMs is overridden in tests.
	nowMs func() int64
}

// New creates a Registry over be.
func New(be backend.Backend, opts Options) *Registry {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 30 * time.Second
	}
	if opts.MinTTL <= 0 {
		opts.MinTTL = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logpkg.NewLogger().WithComponent("registry")
	}
	if opts.Metrics == nil {
		opts.Metrics = NopHook{}
	}
	return &Registry{
		be:         be,
		defaultTTL: opts.DefaultTTL,
		minTTL:     opts.MinTTL,
		logger:     opts.Logger,
		hook:       opts.Metrics,
		nowMs:      func() int64 { return time.Now().UnixMilli() },
	}
}

func validServiceName(name string) error {
	if name == "" {
		return fmt.Errorf("registry: service name required")
	}
	if strings.ContainsAny(name, "/\x00") {
		return fmt.Errorf("registry: service name must not contain '/' or NUL")
	}
	return nil
}

func instanceKey(service, instanceID string) string {
	return keyPrefix + service + "/" + instanceID
}

// Register creates a new instance and returns it. The generated instance id
// is the caller's handle for heartbeats and deregistration. Registering is
// always a fresh identity; re-registering after expiry produces a new id.
func (r *Registry) Register(ctx context.Context, service, host string, port int, metadata map[string]string, ttl time.Duration) (*Instance, error) {
	if err := validServiceName(service); err != nil {
		return nil, err
	}
	if host == "" {
		return nil, fmt.Errorf("registry: host required")
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("registry: invalid port %d", port)
	}
	if ttl <= 0 {
		ttl = r.defaultTTL
	}
	if ttl < r.minTTL {
		return nil, fmt.Errorf("registry: ttl %v below minimum %v", ttl, r.minTTL)
	}

	now := r.nowMs()
	inst := &Instance{
		ServiceName:     service,
		InstanceID:      uuid.NewString(),
		Host:            host,
		Port:            port,
		Metadata:        metadata,
		TTLMs:           ttl.Milliseconds(),
		RegisteredAtMs:  now,
		LastHeartbeatMs: now,
	}
	value, err := json.Marshal(inst)
	if err != nil {
		return nil, fmt.Errorf("registry: encode instance: %w", err)
	}
	if _, err := r.be.Put(ctx, instanceKey(service, inst.InstanceID), value); err != nil {
		return nil, fmt.Errorf("register %s: %w", service, err)
	}
	r.hook.ObserveRegister(service)
	r.logger.Info("instance registered",
		logpkg.F("service", service),
		logpkg.F("instance", inst.InstanceID),
		logpkg.F("addr", inst.Addr()),
		logpkg.F("ttl", ttl.String()),
	)
	return inst, nil
}

// Discover returns the live instances of service, optionally narrowed by a
// compiled filter. Expired records are skipped, not removed; SweepExpired
// handles physical cleanup.
func (r *Registry) Discover(ctx context.Context, service string, filter *DiscoverFilter) ([]*Instance, error) {
	if err := validServiceName(service); err != nil {
		return nil, err
	}
	recs, err := r.be.Scan(ctx, keyPrefix+service+"/")
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", service, err)
	}
	now := r.nowMs()
	out := make([]*Instance, 0, len(recs))
	for _, rec := range recs {
		var inst Instance
		if err := json.Unmarshal(rec.Value, &inst); err != nil {
			r.logger.Warn("skipping undecodable instance record",
				logpkg.F("key", rec.Key), logpkg.Err(err))
			continue
		}
		if !inst.Live(now) {
			continue
		}
		if filter != nil && !filter.Match(&inst, now) {
			continue
		}
		out = append(out, &inst)
	}
	r.hook.ObserveDiscover(service, len(out))
	return out, nil
}

// Heartbeat renews the instance's TTL window. False means the renewal did not
// land: the instance is unknown, already expired, or lost a concurrent write
// race. A false return is the signal to re-register.
func (r *Registry) Heartbeat(ctx context.Context, service, instanceID string) (bool, error) {
	if err := validServiceName(service); err != nil {
		return false, err
	}
	key := instanceKey(service, instanceID)
	rec, found, err := r.be.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("heartbeat %s: %w", service, err)
	}
	if !found {
		return false, nil
	}
	var inst Instance
	if err := json.Unmarshal(rec.Value, &inst); err != nil {
		return false, fmt.Errorf("heartbeat %s: decode: %w", service, err)
	}
	now := r.nowMs()
	if !inst.Live(now) {
		// Expired instances stay dead. The record lingers until swept.
		return false, nil
	}
	inst.LastHeartbeatMs = now
	value, err := json.Marshal(&inst)
	if err != nil {
		return false, fmt.Errorf("heartbeat %s: encode: %w", service, err)
	}
	if _, err := r.be.Update(ctx, key, value, rec.Version); err != nil {
		if backend.IsVersionConflict(err) {
			return false, nil
		}
		return false, fmt.Errorf("heartbeat %s: %w", service, err)
	}
	r.hook.ObserveHeartbeat(service, true)
	return true, nil
}

// Deregister removes the instance immediately. False means it was not
// present, which callers on a shutdown path can ignore.
func (r *Registry) Deregister(ctx context.Context, service, instanceID string) (bool, error) {
	if err := validServiceName(service); err != nil {
		return false, err
	}
	removed, err := r.be.Delete(ctx, instanceKey(service, instanceID))
	if err != nil {
		return false, fmt.Errorf("deregister %s: %w", service, err)
	}
	if removed {
		r.logger.Info("instance deregistered",
			logpkg.F("service", service),
			logpkg.F("instance", instanceID),
		)
	}
	return removed, nil
}

// Services lists the service names that currently have at least one live
// instance.
func (r *Registry) Services(ctx context.Context) ([]string, error) {
	recs, err := r.be.Scan(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	now := r.nowMs()
	seen := make(map[string]bool)
	var out []string
	for _, rec := range recs {
		var inst Instance
		if err := json.Unmarshal(rec.Value, &inst); err != nil {
			continue
		}
		if !inst.Live(now) || seen[inst.ServiceName] {
			continue
		}
		seen[inst.ServiceName] = true
		out = append(out, inst.ServiceName)
	}
	return out, nil
}

// SweepExpired physically deletes expired instance records. The fenced delete
// keeps a sweep from racing a concurrent re-register under the same key.
func (r *Registry) SweepExpired(ctx context.Context) (int, error) {
	recs, err := r.be.Scan(ctx, keyPrefix)
	if err != nil {
		return 0, fmt.Errorf("sweep registry: %w", err)
	}
	now := r.nowMs()
	swept := 0
	for _, rec := range recs {
		var inst Instance
		if err := json.Unmarshal(rec.Value, &inst); err != nil {
			continue
		}
		if inst.Live(now) {
			continue
		}
		ok, err := r.be.DeleteVersion(ctx, rec.Key, rec.Version)
		if err != nil {
			return swept, fmt.Errorf("sweep registry: %w", err)
		}
		if ok {
			swept++
			r.hook.ObserveExpired(inst.ServiceName, 1)
		}
	}
	if swept > 0 {
		r.logger.Info("swept expired instances", logpkg.F("count", swept))
	}
	return swept, nil
}

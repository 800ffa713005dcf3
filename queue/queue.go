package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cadre-io/cadre/backend"
	"github.com/cadre-io/cadre/pkg/id"
	logpkg "github.com/cadre-io/cadre/pkg/log"
)

// Envelope is re-exported so queue consumers do not have to import backend.
type Envelope = backend.Envelope

// Priority is re-exported alongside its bands.
type Priority = backend.Priority

// Priority bands, most urgent first.
const (
	Critical = backend.Critical
	High     = backend.High
	Normal   = backend.Normal
	Low      = backend.Low
)

// ParsePriority maps the band names critical|high|normal|low.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return Critical, nil
	case "high":
		return High, nil
	case "normal", "":
		return Normal, nil
	case "low":
		return Low, nil
	default:
		return Normal, fmt.Errorf("queue: unknown priority %q", s)
	}
}

// Hook observes queue operations. Implementations must be cheap and must not
// block; the prometheus implementation lives with the daemon.
type Hook interface {
	ObservePublish(queue string, priority Priority)
	ObserveConsume(queue string, deliveries int32)
	ObserveAck(queue string, acked bool)
	ObserveRequeue(queue string, moved int)
}

// NopHook is used when no metrics hook is provided.
type NopHook struct{}

func (NopHook) ObservePublish(string, Priority) {}
func (NopHook) ObserveConsume(string, int32)    {}
func (NopHook) ObserveAck(string, bool)         {}
func (NopHook) ObserveRequeue(string, int)      {}

// Options tunes a MessageQueue.
type Options struct {
	// VisibilityWindow is how long a consumed envelope stays hidden before
	// RequeueStale may reclaim it. Default 30s.
	VisibilityWindow time.Duration
	// PollInterval is the sleep between backend polls while a Consume call
	// waits for work. Default 100ms.
	PollInterval time.Duration
	// MaxPayloadBytes caps publish payloads. Default 1 MiB.
	MaxPayloadBytes int
	// MaxHeadersBytes caps the encoded headers size. Default 16 KiB.
	MaxHeadersBytes int

	Logger  logpkg.Logger
	Metrics Hook
}

// MessageQueue provides publish/consume/ack/requeue over a Backend. All
// queue-name scoping, ordering, and redelivery semantics are identical across
// backends; only durability and cross-process reach differ.
type MessageQueue struct {
	be         backend.Backend
	gen        *id.Generator
	visibility time.Duration
	poll       time.Duration
	maxPayload int
	maxHeaders int
	logger     logpkg.Logger
	hook       Hook
}

// New creates a MessageQueue over be.
func New(be backend.Backend, opts Options) *MessageQueue {
	if opts.VisibilityWindow <= 0 {
		opts.VisibilityWindow = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.MaxPayloadBytes <= 0 {
		opts.MaxPayloadBytes = 1 << 20
	}
	if opts.MaxHeadersBytes <= 0 {
		opts.MaxHeadersBytes = 16 << 10
	}
	if opts.Logger == nil {
		opts.Logger = logpkg.NewLogger().WithComponent("queue")
	}
	if opts.Metrics == nil {
		opts.Metrics = NopHook{}
	}
	return &MessageQueue{
		be:         be,
		gen:        id.NewGenerator(),
		visibility: opts.VisibilityWindow,
		poll:       opts.PollInterval,
		maxPayload: opts.MaxPayloadBytes,
		maxHeaders: opts.MaxHeadersBytes,
		logger:     opts.Logger,
		hook:       opts.Metrics,
	}
}

// VisibilityWindow reports the configured redelivery window.
func (q *MessageQueue) VisibilityWindow() time.Duration { return q.visibility }

func validQueueName(name string) error {
	if name == "" {
		return fmt.Errorf("queue: name required")
	}
	if len(name) > 255 {
		return fmt.Errorf("queue: name too long")
	}
	if strings.ContainsAny(name, "/\x00") {
		return fmt.Errorf("queue: name must not contain '/' or NUL")
	}
	return nil
}

// Publish creates one ready envelope and returns its id.
func (q *MessageQueue) Publish(ctx context.Context, queue string, payload json.RawMessage, priority Priority, headers map[string]string) (string, error) {
	if err := validQueueName(queue); err != nil {
		return "", err
	}
	if !priority.Valid() {
		return "", fmt.Errorf("queue: invalid priority %d", priority)
	}
	if len(payload) > q.maxPayload {
		return "", fmt.Errorf("queue: payload exceeds %d bytes", q.maxPayload)
	}
	if len(headers) > 0 {
		enc, err := json.Marshal(headers)
		if err != nil {
			return "", fmt.Errorf("queue: encode headers: %w", err)
		}
		if len(enc) > q.maxHeaders {
			return "", fmt.Errorf("queue: headers exceed %d bytes", q.maxHeaders)
		}
	}

	env := &backend.Envelope{
		ID:           q.gen.Next().String(),
		Queue:        queue,
		Payload:      payload,
		Priority:     priority,
		Headers:      headers,
		EnqueuedAtMs: time.Now().UnixMilli(),
	}
	if err := q.be.Enqueue(ctx, env); err != nil {
		return "", fmt.Errorf("publish %s: %w", queue, err)
	}
	q.hook.ObservePublish(queue, priority)
	q.logger.Debug("published",
		logpkg.F("queue", queue),
		logpkg.F("id", env.ID),
		logpkg.F("priority", priority.String()),
	)
	return env.ID, nil
}

// Consume blocks cooperatively up to timeout for the next envelope. It
// returns (nil, nil) when nothing became ready in time; that is the ordinary
// "nothing to do" outcome, not an error. Context cancellation propagates.
func (q *MessageQueue) Consume(ctx context.Context, queue string, timeout time.Duration) (*Envelope, error) {
	if err := validQueueName(queue); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	for {
		env, ok, err := q.be.Dequeue(ctx, queue, q.visibility.Milliseconds(), 0)
		if err != nil {
			return nil, fmt.Errorf("consume %s: %w", queue, err)
		}
		if ok {
			q.hook.ObserveConsume(queue, env.Deliveries)
			return env, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		wait := q.poll
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Ack removes a pending envelope. False means the id is not currently
// pending: already acked, already reclaimed, or never seen. Callers treat
// these identically.
func (q *MessageQueue) Ack(ctx context.Context, queue, envID string) (bool, error) {
	if err := validQueueName(queue); err != nil {
		return false, err
	}
	acked, err := q.be.Ack(ctx, queue, envID)
	if err != nil {
		return false, fmt.Errorf("ack %s: %w", queue, err)
	}
	q.hook.ObserveAck(queue, acked)
	return acked, nil
}

// RequeueStale reclaims pending envelopes whose visibility window elapsed.
// Any live process may run it; it is idempotent and returns how many moved.
func (q *MessageQueue) RequeueStale(ctx context.Context, queue string) (int, error) {
	if err := validQueueName(queue); err != nil {
		return 0, err
	}
	moved, err := q.be.RequeueStale(ctx, queue, 0)
	if err != nil {
		return 0, fmt.Errorf("requeue %s: %w", queue, err)
	}
	if moved > 0 {
		q.hook.ObserveRequeue(queue, moved)
		q.logger.Info("requeued stale envelopes",
			logpkg.F("queue", queue),
			logpkg.F("count", moved),
		)
	}
	return moved, nil
}

// Stats reports queue depths when the backend can enumerate them.
func (q *MessageQueue) Stats(ctx context.Context, queue string) (backend.QueueStats, error) {
	if sr, ok := q.be.(backend.StatsReporter); ok {
		return sr.QueueStats(ctx, queue)
	}
	return backend.QueueStats{Queue: queue}, nil
}

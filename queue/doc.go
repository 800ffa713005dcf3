// Package queue implements the prioritized, at-least-once message queue of
// the coordination layer.
//
// Publish creates a ready envelope; Consume hands the best ready envelope to
// exactly one caller and hides it for a visibility window; Ack removes it;
// RequeueStale returns unacked envelopes whose window elapsed, which is the
// sole crash-recovery mechanism: a consumer that dies mid-work simply stops
// acking and any live process reclaims the envelope deterministically.
//
// Ordering is priority bands (critical, high, normal, low) with FIFO inside
// a band. Consumers must be idempotent; redelivery after a crash or an
// expired window is expected behavior, not a bug.
package queue

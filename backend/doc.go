// Package backend defines the storage capability surface the coordination
// layer is built on: queue primitives (enqueue/dequeue/ack/requeue-stale) and
// a versioned key/value table with compare-and-set and prefix scans.
//
// The interface is implemented three times:
//
//   - backend/memory: in-process, mutex-guarded structures. The fallback used
//     when no external backend is reachable (or when tests ask for isolation).
//   - backend/pebbledb: embedded durable storage on Pebble.
//   - backend/postgres: remote shared storage on Postgres, the variant that
//     lets multiple worker processes coordinate.
//
// Selection between implementations happens once, at construction time, in
// the root cadre package. Queue, registry, and state-manager logic never
// branches on the backend kind.
//
// # Envelope lifecycle
//
//  1. Enqueue: envelope written, indexed ready by (priority, id)
//  2. Dequeue: highest-priority ready envelope moved to pending with a
//     visibility deadline; never handed to a second consumer while pending
//  3. Ack: pending envelope deleted
//  4. RequeueStale: pending envelopes past their deadline moved back to ready
//
// Delivery is at-least-once: a consumer that crashes between Dequeue and Ack
// simply stops acking, and RequeueStale reclaims the work.
package backend

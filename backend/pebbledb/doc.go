// Package pebbledb implements the embedded durable backend on Pebble.
//
// # Keyspace
//
//	q/{queue}/env/{id}              - Envelope body (JSON)
//	q/{queue}/ready/{prio}{id}      - Ready index; 1-byte priority rank then
//	                                  16-byte sortable ID, so iteration order
//	                                  is priority, then publish order
//	q/{queue}/vis/{deadline}{id}    - Visibility index for pending envelopes,
//	                                  8-byte big-endian deadline for in-order
//	                                  stale scans
//	kv/{key}                        - Versioned record (JSON)
//
// The store is embedded and single-process; queue mutations and KV
// compare-and-set are serialized by in-process mutexes, with batches keeping
// each transition (ready->pending, pending->ready, ack) atomic on disk.
package pebbledb

// Package state implements the versioned key/value state manager and the
// exclusive lease locks of the coordination layer.
//
// State is scoped by namespace: a key is unique within its namespace and
// invisible outside it. The namespace segment may not contain '/', which
// keeps distinct (namespace, key) pairs from aliasing one another in the
// underlying store; keys themselves may contain '/'.
//
// Every value carries a version that increments by exactly one on each
// successful write. UpdateState is the optimistic concurrency primitive: the
// write lands only if the version it conditions on (the caller's observed
// version, or the current one when none is supplied) still matches, so two
// agents mutating the same key cannot silently overwrite each other; the
// loser re-reads and retries.
//
// Locks are leases, not sessions. AcquireLock succeeds for at most one holder
// per resource until the lease expires or the holder releases it; expiry is
// lazy, so a dead holder's lock becomes acquirable without any coordinator
// intervention. ReleaseLock is fenced by the lease's version, which keeps a
// slow former holder from releasing a lock someone else has since acquired.
package state

// Package postgres implements the remote backend on a shared Postgres
// database. It is the variant that lets multiple worker processes coordinate:
// dequeue claims rows with FOR UPDATE SKIP LOCKED so concurrent consumers
// never receive the same envelope, and record writes are version-guarded
// UPDATEs so compare-and-set holds across processes.
//
// Connectivity failures surface as backend.ErrUnavailable on every operation
// attempted while the database is unreachable; they are never downgraded to
// empty results.
package postgres

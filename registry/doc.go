// Package registry implements the TTL-based service registry of the
// coordination layer.
//
// An instance registers under its service name with a heartbeat TTL and stays
// discoverable only while heartbeats keep arriving. There is no reaper thread
// in the contract: expiry is lazy, enforced at read time by comparing the last
// heartbeat against the TTL, so an instance that misses its deadline simply
// stops appearing in Discover results. A once-expired instance can never be
// resurrected by a late heartbeat; it must register again.
package registry

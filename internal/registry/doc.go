// Package registry tracks live client sessions for the bridge.
//
// # Responsibilities
//
// The Registry is the single source of truth for "who is connected, with what
// permissions and subscriptions". It is the only component that inserts or
// deletes sessions; the router, health supervisor, and idle reaper only read
// through Get, Broadcast, and IdleSessionIDs, so callers never reason about
// insertion races.
//
// # Primary slots
//
// Exactly one session per client class holds that class's primary slot. A new
// connection of the same class preempts the previous holder: Admit returns
// the displaced session so the caller can close it, on the assumption that a
// stale connection is the dead one.
//
// # Sessions
//
// A Session's mutable fields (activity timestamp, topic subscriptions) have a
// single writer: that connection's own processing path. Outbound delivery
// goes through a buffered queue drained by the connection's write pump;
// Enqueue never blocks, so a slow client cannot stall a broadcast.
package registry

// Package state holds the bridge's shared workflow and collaboration state.
//
// # Model
//
// The Store is the single logical owner of SharedState: a map of workflow id
// to state blob and a map of event type to payload, each stamped with the
// writing client class and a timestamp. Mutations replace one entry wholesale
// (last-writer-wins, no merge) and are never partially applied. Snapshot
// returns a deep copy so readers never observe a mutation in progress.
//
// # Durable mirror
//
// When configured, every apply additionally queues a best-effort write to a
// bbolt key-value file with a short expiry. The flush loop runs as a
// background task; a failed or dropped write is logged and counted, never
// propagated — the in-memory store stays authoritative for the life of the
// process. At startup, unexpired mirrored entries can be restored for
// cross-process recovery.
package state

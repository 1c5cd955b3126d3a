// Package state holds the relay's process-wide in-memory state: the session
// registry, the per-investor conversation logs and the upload ledger.
//
// Every container guards its maps with a single RWMutex. Readers get copies,
// so a listing never observes a half-written record. Only the event router
// mutates these containers; HTTP read endpoints call the read methods directly.
package state

// Package valkey provides a Valkey-backed implementation of storage.GrantStore
// for multi-instance deployments.
//
// Grant rows are stored as JSON values with TTLs derived from expires_at, so
// Valkey itself garbage-collects abandoned grants. Every conditional
// transition (approve, deny, consume, redeem, poll bookkeeping) runs as a Lua
// script, which Valkey executes atomically: concurrent racers on the same row
// observe INVALID_STATE or ALREADY_USED sentinels instead of a double
// success, exactly matching the semantics of the in-memory store.
package valkey

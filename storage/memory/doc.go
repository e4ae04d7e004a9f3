// Package memory provides an in-memory implementation of storage.GrantStore.
//
// All conditional transitions (approve, deny, consume, redeem, poll
// bookkeeping) run under a single write lock, so the check and the update are
// one atomic step and concurrent racers observe ErrInvalidState,
// ErrAlreadyUsed, or ErrAlreadyConsumed rather than a double success.
//
// The store is suitable for development, testing, and single-instance
// deployments. For multi-instance deployments, use the valkey package.
package memory

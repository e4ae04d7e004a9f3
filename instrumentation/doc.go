// Package instrumentation provides OpenTelemetry metrics and tracing for the
// oauth-grants library.
//
// Instrumentation is optional: when disabled (or never configured) the
// library uses no-op providers with zero overhead. When enabled, the grant
// flows record counters for issued, approved, denied, polled, and redeemed
// artifacts, and the storage layer records per-operation counts, durations,
// and spans.
package instrumentation

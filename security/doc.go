// Package security provides the security primitives shared by the grant
// flows: cryptographically secure code generation, clock-skew tolerant expiry
// checks, audit logging with PII protection, per-IP rate limiting, and
// optional encryption at rest for stored request blobs.
package security

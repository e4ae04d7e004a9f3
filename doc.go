// Package grants implements the OAuth 2.0 extension grants that do not fit
// the plain redirect dance: the Device Authorization Grant (RFC 8628),
// Client-Initiated Backchannel Authentication (OpenID CIBA), and Pushed
// Authorization Requests (RFC 9126), with shared PKCE verification (RFC 7636)
// and high-entropy code generation underneath.
//
// The Server type is the entry point. It is transport-agnostic: every flow is
// a method taking context.Context, and Handler wraps the flows in a standard
// net/http surface for hosts that want one. Persistence is behind
// storage.GrantStore; the memory and valkey sub-packages provide
// single-instance and distributed backends with identical transition
// semantics.
//
// All lifecycle transitions (approve, deny, consume, redeem) are atomic
// conditional updates in the store. A transition that loses a race surfaces
// as a typed error, never as a silent double success.
package grants

// Package storage provides interfaces and entities for persisting OAuth
// extension-grant artifacts.
//
// The storage package defines the core storage interfaces used throughout the
// oauth-grants library:
//   - DeviceAuthorizationStore: RFC 8628 device/user code pairs
//   - BackchannelStore: CIBA requests and their one-time authorization codes
//   - PushedRequestStore: PAR request URIs and their parameter blobs
//   - ClientStore: registered OAuth clients
//
// Every state transition that can race between concurrent request handlers is
// expressed as a single conditional store operation (approve, deny, touch-poll,
// consume, redeem). A store implementation must guarantee that exactly one
// concurrent caller of such an operation succeeds; all others receive the
// sentinel error describing the state they lost to.
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development and testing
//   - storage/valkey: Valkey/Redis-compatible distributed storage for production
package storage

// Package testutil provides shared test helpers: entity factories with sane
// defaults, a PKCE pair generator, and small assertion helpers.
package testutil

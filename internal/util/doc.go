// Package util provides common utility functions used across the oauth-grants
// library.
//
// Key utilities:
//   - SafeTruncate: Safely truncates strings for logging sensitive data
package util

// Package tokens provides TokenGenerator implementations for the OAuth
// engine: opaque bearer tokens and HMAC-signed JWT access tokens. Refresh
// tokens are always opaque.
package tokens

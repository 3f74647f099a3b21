// Package storage defines the persistence contracts used by the OAuth engine.
//
// The interfaces are:
//   - ClientStore: registered OAuth clients
//   - TokenStore: issued token pairs, indexed by access and refresh token
//   - CodeStore: single-use authorization codes
//
// The Client type implements the engine's client capabilities (redirect URI,
// scope and bcrypt secret checks) so a ClientStore can back client lookup
// directly.
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development and testing
//   - storage/valkey: Valkey/Redis-compatible distributed storage for production
package storage

// Package valkey provides a Valkey storage backend for the OAuth engine.
//
// Valkey is wire-compatible with Redis. The Store type implements
// [storage.ClientStore], [storage.TokenStore] and [storage.CodeStore], which
// makes it suitable for deployments running several engine replicas.
//
// # Key Schema
//
// All keys use a configurable prefix (default "oauth:"). Token values and
// authorization codes never appear in key names; they are hashed with SHA-256
// first:
//
//	{prefix}client:{clientID}          -> JSON(Client)
//	{prefix}token:{recordID}           -> JSON(TokenRecord)
//	{prefix}access:{sha256(token)}     -> recordID
//	{prefix}refresh:{sha256(token)}    -> recordID
//	{prefix}code:{sha256(code)}        -> JSON(AuthorizationCode)
//	{prefix}family:{familyID}          -> SET(recordID)
//
// Token records and their indexes share a TTL derived from the refresh token
// expiry, or the access token expiry when no refresh token was issued.
//
// # Atomic Operations
//
// Authorization code consumption and record revocation run as Lua scripts so
// only one concurrent caller can redeem a code.
//
// # Encryption at Rest
//
// When an encryptor is configured with SetEncryptor, access and refresh token
// values stored inside records are encrypted with AES-256-GCM.
//
// # Usage
//
//	store, err := valkey.New(valkey.Config{
//	    Address: "localhost:6379",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
package valkey

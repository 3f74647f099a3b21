// Package memory provides an in-memory implementation of the storage interfaces.
//
// It implements ClientStore, TokenStore and CodeStore using maps guarded by a
// sync.RWMutex, with a background loop that drops expired codes and tokens.
// It is suitable for development, testing, and single-instance deployments.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	srv, _ := oauth.NewServer(oauth.ClientQuery(store), generator, config)
package memory

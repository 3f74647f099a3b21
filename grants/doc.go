// Package grants implements the standard OAuth 2.0 grant types as
// descriptors for an oauth.Server: authorization code with PKCE, implicit,
// client credentials and refresh token with rotation.
//
// A Provider binds the grants to a storage.CodeStore and storage.TokenStore:
//
//	provider, err := grants.NewProvider(store, store, grants.Config{RequirePKCE: true})
//	if err != nil {
//	    return err
//	}
//	if err := provider.Register(server); err != nil {
//	    return err
//	}
package grants

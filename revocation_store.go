package oauth

import (
	"context"
	"errors"
	"fmt"

	"github.com/giantswarm/oauth-engine/storage"
)

// ClientIdentifier is implemented by clients that expose their identifier.
// storage.Client implements it.
type ClientIdentifier interface {
	GetClientID() string
}

// TokenStoreRevocation adapts a storage.TokenStore to a RevocationStore.
// Tokens owned by a different client are reported as not found.
type TokenStoreRevocation struct {
	Store storage.TokenStore
}

// QueryToken implements RevocationStore. The hint only decides which index
// is searched first.
func (r TokenStoreRevocation) QueryToken(ctx context.Context, token, hint string, client Client) (any, error) {
	lookups := []func(context.Context, string) (*storage.TokenRecord, error){
		r.Store.GetByAccessToken,
		r.Store.GetByRefreshToken,
	}
	if hint == TokenTypeHintRefreshToken {
		lookups[0], lookups[1] = lookups[1], lookups[0]
	}

	for _, lookup := range lookups {
		rec, err := lookup(ctx, token)
		if errors.Is(err, storage.ErrTokenNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to query token: %w", err)
		}
		if rec == nil {
			continue
		}
		if ci, ok := client.(ClientIdentifier); ok && rec.ClientID != ci.GetClientID() {
			return nil, nil
		}
		return rec, nil
	}
	return nil, nil
}

// InvalidateToken implements RevocationStore.
func (r TokenStoreRevocation) InvalidateToken(ctx context.Context, token any) error {
	rec, ok := token.(*storage.TokenRecord)
	if !ok {
		return fmt.Errorf("unexpected token type %T", token)
	}
	return r.Store.RevokeToken(ctx, rec.ID)
}

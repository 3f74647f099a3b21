package oauth

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/giantswarm/oauth-engine/storage"
)

// Client is the capability set the engine needs from a registered client.
// Implementations are supplied by the host; storage.Client is one.
type Client interface {
	CheckRedirectURI(uri string) bool
	DefaultRedirectURI() string
	CheckRequestedScopes(scopes []string) bool
	CheckClientSecret(secret string) bool
}

// QueryClient looks up a client by id. Returning (nil, nil) or an error
// matching storage.ErrClientNotFound means the client does not exist; any
// other error is treated as an infrastructure failure and propagated.
type QueryClient func(ctx context.Context, clientID string) (Client, error)

// ClientQuery adapts a storage.ClientStore to a QueryClient.
func ClientQuery(store storage.ClientStore) QueryClient {
	return func(ctx context.Context, clientID string) (Client, error) {
		c, err := store.GetClient(ctx, clientID)
		if err != nil {
			if errors.Is(err, storage.ErrClientNotFound) {
				return nil, nil
			}
			return nil, fmt.Errorf("failed to get client: %w", err)
		}
		if c == nil {
			return nil, nil
		}
		return c, nil
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrClientNotFound)
}

// isNil reports whether v is nil or an interface holding a nil pointer, map,
// slice, func or channel. Hosts commonly return a typed nil for "not found".
func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

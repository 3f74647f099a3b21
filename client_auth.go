package oauth

import (
	"context"
)

// ClientLookup resolves a client id. Grants pass their memoizing lookup so
// authentication shares the per-request client cache. A missing client is
// (nil, nil).
type ClientLookup func(ctx context.Context, clientID string) (Client, error)

// ClientAuthenticator authenticates the client making a token or revocation
// request. Failures are returned as invalid_client protocol errors; any other
// error is an infrastructure failure.
type ClientAuthenticator interface {
	Authenticate(ctx context.Context, req *Request, lookup ClientLookup) (Client, error)
}

// BasicAuthenticator implements client_secret_basic.
type BasicAuthenticator struct{}

// Authenticate implements ClientAuthenticator.
func (BasicAuthenticator) Authenticate(ctx context.Context, req *Request, lookup ClientLookup) (Client, error) {
	id, secret := req.BasicCredentials()
	return authenticateSecret(ctx, req, lookup, id, secret, true)
}

// PostAuthenticator implements client_secret_post: credentials are read from
// the client_id and client_secret body parameters.
type PostAuthenticator struct{}

// Authenticate implements ClientAuthenticator.
func (PostAuthenticator) Authenticate(ctx context.Context, req *Request, lookup ClientLookup) (Client, error) {
	id := req.BodyParams.Get("client_id")
	secret := req.BodyParams.Get("client_secret")
	return authenticateSecret(ctx, req, lookup, id, secret, false)
}

// PublicClient is implemented by clients that can tell whether they hold no
// secret. storage.Client implements it.
type PublicClient interface {
	IsPublic() bool
}

// NoneAuthenticator implements the "none" method for public clients: only
// client_id is sent, and the client must report itself public.
type NoneAuthenticator struct{}

// Authenticate implements ClientAuthenticator.
func (NoneAuthenticator) Authenticate(ctx context.Context, req *Request, lookup ClientLookup) (Client, error) {
	fail := ErrInvalidClient("Client authentication failed.").WithState(req.State)
	id := req.BodyParams.Get("client_id")
	if id == "" {
		return nil, fail
	}
	c, err := lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fail
	}
	if pc, ok := c.(PublicClient); !ok || !pc.IsPublic() {
		return nil, fail
	}
	return c, nil
}

// ChainAuthenticator tries Basic when an Authorization header is present and
// falls back to Post otherwise. With AllowPublic set, a request carrying a
// client_id but no client_secret is authenticated as a public client.
type ChainAuthenticator struct {
	AllowPublic bool
}

// Authenticate implements ClientAuthenticator.
func (a ChainAuthenticator) Authenticate(ctx context.Context, req *Request, lookup ClientLookup) (Client, error) {
	if req.usesBasicAuth() {
		return BasicAuthenticator{}.Authenticate(ctx, req, lookup)
	}
	if a.AllowPublic && !req.BodyParams.Has("client_secret") {
		return NoneAuthenticator{}.Authenticate(ctx, req, lookup)
	}
	return PostAuthenticator{}.Authenticate(ctx, req, lookup)
}

func authenticateSecret(ctx context.Context, req *Request, lookup ClientLookup, id, secret string, basic bool) (Client, error) {
	fail := func() error {
		e := ErrInvalidClient("Client authentication failed.").WithState(req.State)
		e.basicAuth = basic
		return e
	}
	if id == "" {
		return nil, fail()
	}
	c, err := lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil || !c.CheckClientSecret(secret) {
		return nil, fail()
	}
	return c, nil
}

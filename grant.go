package oauth

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/oauth2"
)

// DefaultTokenMethods are the HTTP methods a token-endpoint grant accepts
// unless its descriptor says otherwise.
var DefaultTokenMethods = []string{"POST"}

// User is the resource owner on whose behalf an authorization request is
// answered. A nil *User means the owner denied consent.
type User struct {
	ID     string
	Claims map[string]any
}

// GrantDescriptor describes a grant type: which endpoints it serves, how it
// matches a request, and the operations run on a per-request Grant. A
// descriptor is immutable once registered.
type GrantDescriptor struct {
	// Name uniquely identifies the descriptor in a server registry.
	Name string

	AuthorizationEndpoint bool
	TokenEndpoint         bool

	// ResponseType is matched against the request's response_type at the
	// authorization endpoint.
	ResponseType string

	// GrantType is matched against the request's grant_type at the token endpoint.
	GrantType string

	// TokenMethods lists the accepted token-endpoint HTTP methods. Defaults to POST.
	TokenMethods []string

	// FragmentErrors delivers redirected authorization errors in the URI
	// fragment instead of the query, as the implicit flow requires.
	FragmentErrors bool

	// Authenticator authenticates the client at the token endpoint. Defaults
	// to BasicAuthenticator.
	Authenticator ClientAuthenticator

	// ValidateAuthorizationRequest defaults to (*Grant).ValidateAuthorizationDefaults.
	ValidateAuthorizationRequest func(ctx context.Context, g *Grant) error
	CreateAuthorizationResponse  func(ctx context.Context, g *Grant, user *User) (*Response, error)

	// ValidateTokenRequest defaults to (*Grant).ValidateTokenDefaults.
	ValidateTokenRequest func(ctx context.Context, g *Grant) error
	CreateTokenResponse  func(ctx context.Context, g *Grant) (*Response, error)
}

// MatchesAuthorization reports whether the descriptor handles req at the
// authorization endpoint.
func (d *GrantDescriptor) MatchesAuthorization(req *Request) bool {
	return d.AuthorizationEndpoint && d.ResponseType == req.ResponseType
}

// MatchesToken reports whether the descriptor handles req at the token
// endpoint. Both grant_type and HTTP method must match.
func (d *GrantDescriptor) MatchesToken(req *Request) bool {
	if !d.TokenEndpoint || d.GrantType != req.GrantType {
		return false
	}
	methods := d.TokenMethods
	if len(methods) == 0 {
		methods = DefaultTokenMethods
	}
	return slices.Contains(methods, req.Method)
}

func (d *GrantDescriptor) validate() error {
	if d.Name == "" {
		return fmt.Errorf("grant descriptor name is required")
	}
	if !d.AuthorizationEndpoint && !d.TokenEndpoint {
		return fmt.Errorf("grant %q serves no endpoint", d.Name)
	}
	if d.AuthorizationEndpoint && (d.ResponseType == "" || d.CreateAuthorizationResponse == nil) {
		return fmt.Errorf("grant %q: authorization endpoint needs a response type and CreateAuthorizationResponse", d.Name)
	}
	if d.TokenEndpoint && (d.GrantType == "" || d.CreateTokenResponse == nil) {
		return fmt.Errorf("grant %q: token endpoint needs a grant type and CreateTokenResponse", d.Name)
	}
	return nil
}

// TokenParams describes the token a grant asks the generator for.
type TokenParams struct {
	Client              Client
	ClientID            string
	GrantType           string
	UserID              string
	Scope               string
	IncludeRefreshToken bool
}

// TokenGenerator produces token payloads. The engine never inspects token
// contents beyond rendering them.
type TokenGenerator interface {
	Generate(ctx context.Context, params TokenParams) (*oauth2.Token, error)
}

// Grant is the per-request instance of a GrantDescriptor. It is not safe for
// concurrent use and must not outlive the request.
type Grant struct {
	Descriptor *GrantDescriptor
	Request    *Request

	// RedirectURI starts as the request's redirect_uri and may be replaced
	// by the client's default during validation.
	RedirectURI string

	// Scopes is the parsed request scope.
	Scopes []string

	// Credential holds what a token grant validated, such as a consumed
	// authorization code or a refresh token record, for its response step.
	Credential any

	queryClient QueryClient
	generator   TokenGenerator
	logger      *slog.Logger

	clients           map[string]Client
	client            Client
	redirectValidated bool
}

func newGrant(d *GrantDescriptor, req *Request, q QueryClient, gen TokenGenerator, logger *slog.Logger) *Grant {
	return &Grant{
		Descriptor:  d,
		Request:     req,
		RedirectURI: req.RedirectURI,
		Scopes:      ScopeToList(req.Scope),
		queryClient: q,
		generator:   gen,
		logger:      logger,
		clients:     make(map[string]Client),
	}
}

// Logger returns the server logger, annotated with the grant name.
func (g *Grant) Logger() *slog.Logger {
	return g.logger.With("grant", g.Descriptor.Name)
}

// ClientByID looks up a client, calling the query function at most once per
// id for the lifetime of this grant. A missing client is (nil, nil).
func (g *Grant) ClientByID(ctx context.Context, clientID string) (Client, error) {
	if c, ok := g.clients[clientID]; ok {
		return c, nil
	}
	c, err := lookupClient(ctx, g.queryClient, clientID)
	if err != nil {
		return nil, err
	}
	g.clients[clientID] = c
	return c, nil
}

// ValidateClient returns the client for clientID or invalid_client carrying
// the request state.
func (g *Grant) ValidateClient(ctx context.Context, clientID string) (Client, error) {
	if clientID == "" {
		return nil, ErrInvalidClient("Missing \"client_id\" in request.").WithState(g.Request.State)
	}
	c, err := g.ClientByID(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrInvalidClient("Invalid client.").WithState(g.Request.State)
	}
	g.client = c
	return c, nil
}

// Client returns the client resolved by ValidateClient or AuthenticateClient.
func (g *Grant) Client() Client {
	return g.client
}

// ValidateRequestedScope checks the request scope against the client. An
// empty scope is always accepted.
func (g *Grant) ValidateRequestedScope(c Client) error {
	if len(g.Scopes) == 0 {
		return nil
	}
	if !c.CheckRequestedScopes(g.Scopes) {
		return ErrInvalidScope("The requested scope is invalid, unknown, or malformed.").WithState(g.Request.State)
	}
	return nil
}

// ValidateRedirectURI resolves the effective redirect URI. A supplied URI
// must be registered; otherwise the client's default is used.
func (g *Grant) ValidateRedirectURI(c Client) error {
	if g.Request.RedirectURI != "" {
		if !c.CheckRedirectURI(g.Request.RedirectURI) {
			return ErrInvalidRequest("Invalid \"redirect_uri\" in request.").WithState(g.Request.State)
		}
		g.RedirectURI = g.Request.RedirectURI
	} else {
		def := c.DefaultRedirectURI()
		if def == "" {
			return ErrInvalidRequest("Missing \"redirect_uri\" in request.").WithState(g.Request.State)
		}
		g.RedirectURI = def
	}
	g.redirectValidated = true
	return nil
}

// HasValidatedRedirect reports whether RedirectURI passed ValidateRedirectURI.
// Only then may errors be delivered to it.
func (g *Grant) HasValidatedRedirect() bool {
	return g.redirectValidated
}

// AuthenticateClient runs the descriptor's authentication strategy.
func (g *Grant) AuthenticateClient(ctx context.Context) (Client, error) {
	auth := g.Descriptor.Authenticator
	if auth == nil {
		auth = BasicAuthenticator{}
	}
	c, err := auth.Authenticate(ctx, g.Request, g.ClientByID)
	if err != nil {
		return nil, err
	}
	g.client = c
	return c, nil
}

// ValidateAuthorizationDefaults runs the standard authorization request
// checks: client, redirect URI, then scope.
func (g *Grant) ValidateAuthorizationDefaults(ctx context.Context) error {
	c, err := g.ValidateClient(ctx, g.Request.ClientID)
	if err != nil {
		return err
	}
	if err := g.ValidateRedirectURI(c); err != nil {
		return err
	}
	return g.ValidateRequestedScope(c)
}

// ValidateTokenDefaults authenticates the client and checks the scope.
func (g *Grant) ValidateTokenDefaults(ctx context.Context) error {
	c, err := g.AuthenticateClient(ctx)
	if err != nil {
		return err
	}
	return g.ValidateRequestedScope(c)
}

// GenerateToken asks the configured generator for a token.
func (g *Grant) GenerateToken(ctx context.Context, params TokenParams) (*oauth2.Token, error) {
	if g.generator == nil {
		return nil, fmt.Errorf("no token generator configured")
	}
	if params.GrantType == "" {
		params.GrantType = g.Descriptor.GrantType
	}
	if params.Client == nil {
		params.Client = g.client
	}
	tok, err := g.generator.Generate(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}
	return tok, nil
}

// TokenBody renders a token in RFC 6749 section 5.1 form.
func TokenBody(tok *oauth2.Token) map[string]any {
	body := map[string]any{
		"access_token": tok.AccessToken,
		"token_type":   tok.Type(),
	}
	if !tok.Expiry.IsZero() {
		if secs := int64(time.Until(tok.Expiry).Round(time.Second).Seconds()); secs > 0 {
			body["expires_in"] = secs
		}
	}
	if tok.RefreshToken != "" {
		body["refresh_token"] = tok.RefreshToken
	}
	if scope, ok := tok.Extra("scope").(string); ok && scope != "" {
		body["scope"] = scope
	}
	return body
}

// TokenResponse renders a token as a 200 JSON response with no-store headers.
func TokenResponse(tok *oauth2.Token) *Response {
	return JSONResponse(200, TokenBody(tok))
}

func lookupClient(ctx context.Context, q QueryClient, clientID string) (Client, error) {
	c, err := q(ctx, clientID)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if isNil(c) {
		return nil, nil
	}
	return c, nil
}

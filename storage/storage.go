// Package storage defines the persistence contracts used by the OAuth engine's
// concrete grants, token revocation and client lookup. Backends live in the
// memory and valkey subpackages.
package storage

import (
	"context"
	"errors"
	"slices"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Storage errors. Backends wrap or return these so callers can use errors.Is.
var (
	ErrClientNotFound = errors.New("client not found")
	ErrTokenNotFound  = errors.New("token not found")
	ErrCodeNotFound   = errors.New("authorization code not found")
	ErrCodeExpired    = errors.New("authorization code expired")
	ErrCodeUsed       = errors.New("authorization code already used")
)

// Client types
const (
	ClientTypePublic       = "public"
	ClientTypeConfidential = "confidential"
)

// ClientStore manages registered OAuth clients.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient saves a registered client
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID, returning ErrClientNotFound when absent
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// DeleteClient removes a client
	DeleteClient(ctx context.Context, clientID string) error

	// ListClients lists all registered clients (for admin purposes)
	ListClients(ctx context.Context) ([]*Client, error)
}

// TokenStore persists issued tokens so they can be looked up for refresh and
// revocation.
type TokenStore interface {
	// SaveToken stores a token record. Access and refresh token values are both indexed.
	SaveToken(ctx context.Context, record *TokenRecord) error

	// GetByAccessToken returns the record owning the access token
	GetByAccessToken(ctx context.Context, accessToken string) (*TokenRecord, error)

	// GetByRefreshToken returns the record owning the refresh token
	GetByRefreshToken(ctx context.Context, refreshToken string) (*TokenRecord, error)

	// RevokeToken marks a record revoked. Revoking an already revoked record is not an error.
	RevokeToken(ctx context.Context, id string) error

	// RevokeTokenFamily revokes every record sharing familyID and returns how
	// many records it found. An empty familyID matches nothing.
	RevokeTokenFamily(ctx context.Context, familyID string) (int, error)
}

// CodeStore persists authorization codes between the authorization and token
// endpoints.
type CodeStore interface {
	// SaveAuthorizationCode saves an issued authorization code
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// ConsumeAuthorizationCode atomically checks a code is unused and unexpired
	// and marks it used. It returns ErrCodeNotFound, ErrCodeExpired or
	// ErrCodeUsed otherwise.
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// DeleteAuthorizationCode removes an authorization code
	DeleteAuthorizationCode(ctx context.Context, code string) error
}

// Client represents a registered OAuth client. It satisfies the engine's
// client capability interface.
type Client struct {
	ClientID         string
	ClientSecretHash string // bcrypt hash, empty for public clients
	ClientType       string // "public" or "confidential"
	ClientName       string
	RedirectURIs     []string
	GrantTypes       []string
	ResponseTypes    []string
	Scopes           []string // empty means any scope is allowed
	CreatedAt        time.Time
}

// HashSecret returns the bcrypt hash of a client secret.
func HashSecret(secret string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// IsPublic reports whether the client has no secret.
func (c *Client) IsPublic() bool {
	return c.ClientType == ClientTypePublic || c.ClientSecretHash == ""
}

// CheckRedirectURI reports whether uri exactly matches a registered redirect URI.
func (c *Client) CheckRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// DefaultRedirectURI returns the first registered redirect URI, or "".
func (c *Client) DefaultRedirectURI() string {
	if len(c.RedirectURIs) == 0 {
		return ""
	}
	return c.RedirectURIs[0]
}

// CheckRequestedScopes reports whether every requested scope is allowed.
func (c *Client) CheckRequestedScopes(scopes []string) bool {
	if len(c.Scopes) == 0 {
		return true
	}
	for _, s := range scopes {
		if !slices.Contains(c.Scopes, s) {
			return false
		}
	}
	return true
}

// CheckClientSecret compares secret against the stored bcrypt hash. Public
// clients never pass.
func (c *Client) CheckClientSecret(secret string) bool {
	if c.ClientSecretHash == "" || secret == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(c.ClientSecretHash), []byte(secret)) == nil
}

// CheckGrantType reports whether the client may use grantType. An empty list allows all.
func (c *Client) CheckGrantType(grantType string) bool {
	return len(c.GrantTypes) == 0 || slices.Contains(c.GrantTypes, grantType)
}

// CheckResponseType reports whether the client may use responseType. An empty list allows all.
func (c *Client) CheckResponseType(responseType string) bool {
	return len(c.ResponseTypes) == 0 || slices.Contains(c.ResponseTypes, responseType)
}

// AuthorizationCode represents an issued authorization code
type AuthorizationCode struct {
	Code                string
	ClientID            string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	UserID              string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Used                bool

	// FamilyID is copied onto every token issued from this code, including
	// rotated refresh tokens, so a replayed code can revoke them all.
	FamilyID string
}

// IsExpired reports whether the code has expired at now.
func (c *AuthorizationCode) IsExpired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// GetClientID returns the client identifier.
func (c *Client) GetClientID() string {
	return c.ClientID
}

package tokens

import (
	"context"
	"time"

	"golang.org/x/oauth2"

	oauth "github.com/giantswarm/oauth-engine"
)

const (
	// DefaultAccessTokenTTL is the access token lifetime when none is configured
	DefaultAccessTokenTTL = time.Hour

	// DefaultRefreshTokenTTL is the refresh token lifetime when none is configured
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour

	tokenTypeBearer = "Bearer"
)

// BearerGenerator issues opaque random bearer tokens.
type BearerGenerator struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

var _ oauth.TokenGenerator = (*BearerGenerator)(nil)

// NewBearerGenerator creates a generator with default lifetimes.
func NewBearerGenerator() *BearerGenerator {
	return &BearerGenerator{
		AccessTTL:  DefaultAccessTokenTTL,
		RefreshTTL: DefaultRefreshTokenTTL,
	}
}

// Generate implements oauth.TokenGenerator.
func (g *BearerGenerator) Generate(_ context.Context, params oauth.TokenParams) (*oauth2.Token, error) {
	tok := &oauth2.Token{
		AccessToken: oauth2.GenerateVerifier(),
		TokenType:   tokenTypeBearer,
		Expiry:      time.Now().Add(ttlOrDefault(g.AccessTTL, DefaultAccessTokenTTL)),
	}
	if params.IncludeRefreshToken {
		tok.RefreshToken = oauth2.GenerateVerifier()
	}
	return withScope(tok, params.Scope), nil
}

// RefreshTokenTTL returns the configured refresh lifetime, for storage TTLs.
func (g *BearerGenerator) RefreshTokenTTL() time.Duration {
	return ttlOrDefault(g.RefreshTTL, DefaultRefreshTokenTTL)
}

func ttlOrDefault(ttl, def time.Duration) time.Duration {
	if ttl <= 0 {
		return def
	}
	return ttl
}

// withScope records the granted scope so it is rendered in the token response.
func withScope(tok *oauth2.Token, scope string) *oauth2.Token {
	if scope == "" {
		return tok
	}
	return tok.WithExtra(map[string]any{"scope": scope})
}

package tokens

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	oauth "github.com/giantswarm/oauth-engine"
	"github.com/giantswarm/oauth-engine/security"
)

// MinSigningKeyLength is the minimum HMAC key size in bytes.
const MinSigningKeyLength = 32

// JWTGenerator issues HS256-signed JWT access tokens and opaque refresh tokens.
type JWTGenerator struct {
	issuer     string
	audience   string
	key        []byte
	accessTTL  time.Duration
	refreshTTL time.Duration

	// now can be replaced in tests
	now func() time.Time
}

var _ oauth.TokenGenerator = (*JWTGenerator)(nil)

// JWTConfig configures a JWTGenerator.
type JWTConfig struct {
	Issuer     string
	Audience   string // optional "aud" claim
	SigningKey []byte
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// NewJWTGenerator validates cfg and creates a generator.
func NewJWTGenerator(cfg JWTConfig) (*JWTGenerator, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if len(cfg.SigningKey) < MinSigningKeyLength {
		return nil, fmt.Errorf("signing key must be at least %d bytes, got %d", MinSigningKeyLength, len(cfg.SigningKey))
	}
	return &JWTGenerator{
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
		key:        cfg.SigningKey,
		accessTTL:  ttlOrDefault(cfg.AccessTTL, DefaultAccessTokenTTL),
		refreshTTL: ttlOrDefault(cfg.RefreshTTL, DefaultRefreshTokenTTL),
		now:        time.Now,
	}, nil
}

// Generate implements oauth.TokenGenerator. The subject is the user, or the
// client for client_credentials tokens.
func (g *JWTGenerator) Generate(_ context.Context, params oauth.TokenParams) (*oauth2.Token, error) {
	now := g.now()
	expiry := now.Add(g.accessTTL)

	sub, tokenUse := params.UserID, "user"
	if sub == "" {
		sub, tokenUse = params.ClientID, "client"
	}

	claims := jwt.MapClaims{
		"iss":        g.issuer,
		"sub":        sub,
		"client_id":  params.ClientID,
		"iat":        now.Unix(),
		"exp":        expiry.Unix(),
		"jti":        uuid.NewString(),
		"token_type": tokenUse,
	}
	if g.audience != "" {
		claims["aud"] = g.audience
	}
	if params.Scope != "" {
		claims["scope"] = params.Scope
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign JWT token: %w", err)
	}

	tok := &oauth2.Token{
		AccessToken: signed,
		TokenType:   tokenTypeBearer,
		Expiry:      expiry,
	}
	if params.IncludeRefreshToken {
		tok.RefreshToken = oauth2.GenerateVerifier()
	}
	return withScope(tok, params.Scope), nil
}

// RefreshTokenTTL returns the configured refresh lifetime, for storage TTLs.
func (g *JWTGenerator) RefreshTokenTTL() time.Duration {
	return g.refreshTTL
}

// Verify parses an access token issued by g and returns its claims.
func (g *JWTGenerator) Verify(tokenString string) (jwt.MapClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(g.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(g.now),
		jwt.WithLeeway(security.DefaultClockSkew),
	}
	if g.audience != "" {
		opts = append(opts, jwt.WithAudience(g.audience))
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return g.key, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid access token: %w", err)
	}
	return claims, nil
}

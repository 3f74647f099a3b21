package storage

import (
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-engine/security"
)

// TokenRecord is the stored form of an issued token pair.
type TokenRecord struct {
	ID               string
	AccessToken      string
	RefreshToken     string
	TokenType        string
	ClientID         string
	UserID           string
	Scope            string
	IssuedAt         time.Time
	ExpiresAt        time.Time // access token expiry, zero means no expiry
	RefreshExpiresAt time.Time // zero means no expiry
	Revoked          bool
	RevokedAt        time.Time
	FamilyID         string // shared by tokens descending from one authorization code
}

// NewTokenRecord builds a record from an issued token. A fresh record ID is
// assigned.
func NewTokenRecord(token *oauth2.Token, clientID, userID, scope string, refreshTTL time.Duration) *TokenRecord {
	now := time.Now()
	rec := &TokenRecord{
		ID:           uuid.NewString(),
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.Type(),
		ClientID:     clientID,
		UserID:       userID,
		Scope:        scope,
		IssuedAt:     now,
		ExpiresAt:    token.Expiry,
	}
	if token.RefreshToken != "" && refreshTTL > 0 {
		rec.RefreshExpiresAt = now.Add(refreshTTL)
	}
	return rec
}

// AccessExpired reports whether the access token is expired at now.
func (r *TokenRecord) AccessExpired(now time.Time) bool {
	return security.ExpiredWithSkew(r.ExpiresAt, now, 0)
}

// RefreshExpired reports whether the refresh token is expired at now.
func (r *TokenRecord) RefreshExpired(now time.Time) bool {
	return security.ExpiredWithSkew(r.RefreshExpiresAt, now, 0)
}

// TTL returns how long a backend should keep the record after now. Zero means
// no expiry.
func (r *TokenRecord) TTL(now time.Time) time.Duration {
	end := r.ExpiresAt
	if r.RefreshToken != "" {
		end = r.RefreshExpiresAt
	}
	if end.IsZero() {
		return 0
	}
	if d := end.Sub(now); d > 0 {
		return d
	}
	return time.Second
}

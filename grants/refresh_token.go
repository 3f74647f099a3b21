package grants

import (
	"context"
	"errors"
	"fmt"
	"time"

	oauth "github.com/giantswarm/oauth-engine"
	"github.com/giantswarm/oauth-engine/security"
	"github.com/giantswarm/oauth-engine/storage"
)

// RefreshToken returns the refresh token grant (RFC 6749 section 6). The
// requested scope may only narrow the original grant. Unless rotation is
// disabled, a new refresh token is issued and the presented one revoked.
func (p *Provider) RefreshToken() *oauth.GrantDescriptor {
	return &oauth.GrantDescriptor{
		Name:                 GrantTypeRefreshToken,
		TokenEndpoint:        true,
		GrantType:            GrantTypeRefreshToken,
		Authenticator:        oauth.ChainAuthenticator{AllowPublic: true},
		ValidateTokenRequest: p.validateRefresh,
		CreateTokenResponse:  p.createRefresh,
	}
}

func (p *Provider) validateRefresh(ctx context.Context, g *oauth.Grant) error {
	c, err := g.AuthenticateClient(ctx)
	if err != nil {
		return err
	}
	if err := checkGrantType(g, GrantTypeRefreshToken); err != nil {
		return err
	}

	raw := g.Request.BodyParams.Get("refresh_token")
	if raw == "" {
		return oauth.ErrInvalidRequest("Missing \"refresh_token\" in request.")
	}

	rec, err := p.tokens.GetByRefreshToken(ctx, raw)
	if errors.Is(err, storage.ErrTokenNotFound) {
		return oauth.ErrInvalidGrant("Invalid \"refresh_token\" in request.")
	}
	if err != nil {
		return fmt.Errorf("failed to look up refresh token: %w", err)
	}

	cid := clientID(g)
	switch {
	case rec.ClientID != cid:
		g.Logger().Warn("Refresh token presented by another client",
			"client_id", cid,
			"token_client_id", rec.ClientID)
		return oauth.ErrInvalidGrant("Invalid \"refresh_token\" in request.")
	case rec.Revoked:
		g.Logger().Warn("Revoked refresh token presented", "client_id", cid, "record_id", rec.ID)
		return oauth.ErrInvalidGrant("Invalid \"refresh_token\" in request.")
	case rec.RefreshExpired(time.Now()):
		return oauth.ErrInvalidGrant("Invalid \"refresh_token\" in request.")
	}

	if err := g.ValidateRequestedScope(c); err != nil {
		return err
	}
	if len(g.Scopes) > 0 && !oauth.ScopesSubset(g.Scopes, oauth.ScopeToList(rec.Scope)) {
		p.auditor.LogEvent(security.Event{
			Type:      security.EventScopeEscalationAttempt,
			UserID:    rec.UserID,
			ClientID:  cid,
			IPAddress: g.Request.ClientIP,
			Details: map[string]any{
				"requested": oauth.ListToScope(g.Scopes),
				"granted":   rec.Scope,
			},
		})
		return oauth.ErrInvalidScope("The requested scope exceeds the scope granted by the resource owner.")
	}

	g.Credential = rec
	return nil
}

func (p *Provider) createRefresh(ctx context.Context, g *oauth.Grant) (*oauth.Response, error) {
	rec, ok := g.Credential.(*storage.TokenRecord)
	if !ok {
		return nil, fmt.Errorf("refresh token grant has no validated token")
	}

	scope := rec.Scope
	if len(g.Scopes) > 0 {
		scope = oauth.ListToScope(g.Scopes)
	}
	rotate := !p.config.DisableRefreshRotation

	resp, _, err := p.issueToken(ctx, g, issued{
		grantType:      GrantTypeRefreshToken,
		userID:         rec.UserID,
		scope:          scope,
		familyID:       rec.FamilyID,
		includeRefresh: rotate,
	})
	if err != nil {
		return nil, err
	}

	if rotate {
		if err := p.tokens.RevokeToken(ctx, rec.ID); err != nil {
			return nil, fmt.Errorf("failed to revoke rotated refresh token: %w", err)
		}
	}

	p.auditor.LogTokenRefreshed(rec.UserID, rec.ClientID, g.Request.ClientIP, rotate)
	return resp, nil
}

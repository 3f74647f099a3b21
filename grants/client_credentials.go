package grants

import (
	"context"

	oauth "github.com/giantswarm/oauth-engine"
)

// ClientCredentials returns the client credentials grant (RFC 6749 section
// 4.4). Only confidential clients can use it and no refresh token is issued.
func (p *Provider) ClientCredentials() *oauth.GrantDescriptor {
	return &oauth.GrantDescriptor{
		Name:          GrantTypeClientCredentials,
		TokenEndpoint: true,
		GrantType:     GrantTypeClientCredentials,
		Authenticator: oauth.ChainAuthenticator{},
		ValidateTokenRequest: func(ctx context.Context, g *oauth.Grant) error {
			if err := g.ValidateTokenDefaults(ctx); err != nil {
				return err
			}
			return checkGrantType(g, GrantTypeClientCredentials)
		},
		CreateTokenResponse: func(ctx context.Context, g *oauth.Grant) (*oauth.Response, error) {
			resp, _, err := p.issueToken(ctx, g, issued{
				grantType: GrantTypeClientCredentials,
				scope:     oauth.ListToScope(g.Scopes),
			})
			return resp, err
		},
	}
}

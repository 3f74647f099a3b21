package grants

import (
	"context"

	oauth "github.com/giantswarm/oauth-engine"
)

// Implicit returns the implicit grant (RFC 6749 section 4.2). The access
// token and any redirected error travel in the URI fragment. No refresh
// token is issued.
func (p *Provider) Implicit() *oauth.GrantDescriptor {
	return &oauth.GrantDescriptor{
		Name:                  GrantTypeImplicit,
		AuthorizationEndpoint: true,
		ResponseType:          ResponseTypeToken,
		FragmentErrors:        true,
		ValidateAuthorizationRequest: func(ctx context.Context, g *oauth.Grant) error {
			if err := g.ValidateAuthorizationDefaults(ctx); err != nil {
				return err
			}
			return checkResponseType(g, ResponseTypeToken)
		},
		CreateAuthorizationResponse: p.createImplicitAuthorization,
	}
}

func (p *Provider) createImplicitAuthorization(ctx context.Context, g *oauth.Grant, user *oauth.User) (*oauth.Response, error) {
	cid := clientID(g)
	if user == nil {
		p.auditor.LogAuthorization("", cid, g.Request.ClientIP, ResponseTypeToken, false)
		return nil, oauth.ErrAccessDenied("The resource owner denied the request.").WithState(g.Request.State)
	}

	resp, _, err := p.issueToken(ctx, g, issued{
		grantType: GrantTypeImplicit,
		userID:    user.ID,
		scope:     oauth.ListToScope(g.Scopes),
	})
	if err != nil {
		return nil, err
	}
	p.auditor.LogAuthorization(user.ID, cid, g.Request.ClientIP, ResponseTypeToken, true)
	return implicitTokenResponse(g, resp.Body), nil
}

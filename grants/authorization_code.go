package grants

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	oauth "github.com/giantswarm/oauth-engine"
	"github.com/giantswarm/oauth-engine/internal/util"
	"github.com/giantswarm/oauth-engine/security"
	"github.com/giantswarm/oauth-engine/storage"
)

// AuthorizationCode returns the authorization code grant (RFC 6749 section
// 4.1) with PKCE (RFC 7636). It serves response_type=code at the
// authorization endpoint and grant_type=authorization_code at the token
// endpoint. Public clients may redeem codes with client_id alone.
func (p *Provider) AuthorizationCode() *oauth.GrantDescriptor {
	return &oauth.GrantDescriptor{
		Name:                         GrantTypeAuthorizationCode,
		AuthorizationEndpoint:        true,
		TokenEndpoint:                true,
		ResponseType:                 ResponseTypeCode,
		GrantType:                    GrantTypeAuthorizationCode,
		Authenticator:                oauth.ChainAuthenticator{AllowPublic: true},
		ValidateAuthorizationRequest: p.validateCodeAuthorization,
		CreateAuthorizationResponse:  p.createCodeAuthorization,
		ValidateTokenRequest:         p.validateCodeToken,
		CreateTokenResponse:          p.createCodeToken,
	}
}

func (p *Provider) validateCodeAuthorization(ctx context.Context, g *oauth.Grant) error {
	if err := g.ValidateAuthorizationDefaults(ctx); err != nil {
		return err
	}
	if err := checkResponseType(g, ResponseTypeCode); err != nil {
		return err
	}

	challenge := g.Request.Param("code_challenge")
	method := g.Request.Param("code_challenge_method")
	if challenge == "" {
		if method != "" {
			return oauth.ErrInvalidRequest("Missing \"code_challenge\" in request.").WithState(g.Request.State)
		}
		if p.config.RequirePKCE {
			return oauth.ErrInvalidRequest("Missing \"code_challenge\" in request.").WithState(g.Request.State)
		}
		if pc, ok := g.Client().(oauth.PublicClient); ok && pc.IsPublic() {
			return oauth.ErrInvalidRequest("Public clients must use PKCE.").WithState(g.Request.State)
		}
		return nil
	}
	if !challengePattern.MatchString(challenge) {
		return oauth.ErrInvalidRequest("Invalid \"code_challenge\" in request.").WithState(g.Request.State)
	}
	if method == "" {
		method = PKCEMethodPlain
	}
	if !p.validChallengeMethod(method) {
		return oauth.ErrInvalidRequest(fmt.Sprintf("Unsupported \"code_challenge_method\" %q.", method)).WithState(g.Request.State)
	}
	return nil
}

func (p *Provider) createCodeAuthorization(ctx context.Context, g *oauth.Grant, user *oauth.User) (*oauth.Response, error) {
	cid := clientID(g)
	if user == nil {
		p.auditor.LogAuthorization("", cid, g.Request.ClientIP, ResponseTypeCode, false)
		return nil, oauth.ErrAccessDenied("The resource owner denied the request.").WithState(g.Request.State)
	}

	method := ""
	challenge := g.Request.Param("code_challenge")
	if challenge != "" {
		method = g.Request.Param("code_challenge_method")
		if method == "" {
			method = PKCEMethodPlain
		}
	}

	now := time.Now()
	code := &storage.AuthorizationCode{
		Code:                oauth2.GenerateVerifier(),
		ClientID:            cid,
		RedirectURI:         g.Request.RedirectURI,
		Scope:               oauth.ListToScope(g.Scopes),
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
		UserID:              user.ID,
		CreatedAt:           now,
		ExpiresAt:           now.Add(p.config.CodeTTL),
		FamilyID:            uuid.NewString(),
	}
	if err := p.codes.SaveAuthorizationCode(ctx, code); err != nil {
		return nil, fmt.Errorf("failed to save authorization code: %w", err)
	}

	g.Logger().Debug("Issued authorization code",
		"client_id", cid,
		"code_prefix", util.SafeTruncate(code.Code, 6),
		"pkce_method", method)
	p.auditor.LogAuthorization(user.ID, cid, g.Request.ClientIP, ResponseTypeCode, true)

	params := [][2]string{{"code", code.Code}}
	if g.Request.State != "" {
		params = append(params, [2]string{"state", g.Request.State})
	}
	return oauth.RedirectResponse(oauth.AddParamsToURI(g.RedirectURI, params, false)), nil
}

func (p *Provider) validateCodeToken(ctx context.Context, g *oauth.Grant) error {
	if _, err := g.AuthenticateClient(ctx); err != nil {
		return err
	}
	if err := checkGrantType(g, GrantTypeAuthorizationCode); err != nil {
		return err
	}

	raw := g.Request.BodyParams.Get("code")
	if raw == "" {
		return oauth.ErrInvalidRequest("Missing \"code\" in request.")
	}

	code, err := p.codes.ConsumeAuthorizationCode(ctx, raw)
	switch {
	case errors.Is(err, storage.ErrCodeUsed):
		p.reportCodeReuse(ctx, g, code)
		return oauth.ErrInvalidGrant("Invalid \"code\" in request.")
	case errors.Is(err, storage.ErrCodeNotFound), errors.Is(err, storage.ErrCodeExpired):
		return oauth.ErrInvalidGrant("Invalid \"code\" in request.")
	case err != nil:
		return fmt.Errorf("failed to consume authorization code: %w", err)
	}

	cid := clientID(g)
	if code.ClientID != cid {
		g.Logger().Warn("Authorization code presented by another client",
			"client_id", cid,
			"code_client_id", code.ClientID)
		return oauth.ErrInvalidGrant("Invalid \"code\" in request.")
	}

	// A redirect_uri sent at authorization must be repeated verbatim.
	if code.RedirectURI != "" && g.Request.BodyParams.Get("redirect_uri") != code.RedirectURI {
		return oauth.ErrInvalidGrant("Invalid \"redirect_uri\" in request.")
	}

	if code.CodeChallenge != "" {
		verifier := g.Request.BodyParams.Get("code_verifier")
		if verifier == "" {
			return oauth.ErrInvalidRequest("Missing \"code_verifier\" in request.")
		}
		if !verifyPKCE(code.CodeChallenge, code.CodeChallengeMethod, verifier) {
			p.auditor.LogEvent(security.Event{
				Type:      security.EventPKCEValidationFailed,
				UserID:    code.UserID,
				ClientID:  cid,
				IPAddress: g.Request.ClientIP,
				Details:   map[string]any{"method": code.CodeChallengeMethod},
			})
			if p.instrumentation != nil {
				p.instrumentation.Metrics().RecordPKCEValidationFailed(ctx, code.CodeChallengeMethod)
			}
			return oauth.ErrInvalidGrant("Invalid \"code_verifier\" in request.")
		}
	}

	g.Credential = code
	return nil
}

// reportCodeReuse audits a replayed code and revokes every token issued from
// it. A failed revocation is logged; the request is refused either way.
func (p *Provider) reportCodeReuse(ctx context.Context, g *oauth.Grant, code *storage.AuthorizationCode) {
	details := map[string]any{}
	userID := ""
	if code != nil {
		userID = code.UserID
		details["code_client_id"] = code.ClientID
		if code.FamilyID != "" {
			n, err := p.tokens.RevokeTokenFamily(ctx, code.FamilyID)
			if err != nil {
				p.logger.Error("Failed to revoke tokens after code reuse",
					"client_id", code.ClientID,
					"family_id", code.FamilyID,
					"error", err)
			}
			details["tokens_revoked"] = n
		}
	}
	g.Logger().Warn("Authorization code reuse detected", "client_id", clientID(g))
	p.auditor.LogEvent(security.Event{
		Type:      security.EventAuthorizationCodeReuseDetected,
		UserID:    userID,
		ClientID:  clientID(g),
		IPAddress: g.Request.ClientIP,
		Details:   details,
	})
	if p.instrumentation != nil {
		p.instrumentation.Metrics().RecordCodeReuseDetected(ctx)
	}
}

func (p *Provider) createCodeToken(ctx context.Context, g *oauth.Grant) (*oauth.Response, error) {
	code, ok := g.Credential.(*storage.AuthorizationCode)
	if !ok {
		return nil, fmt.Errorf("authorization code grant has no validated code")
	}

	include := *p.config.IssueRefreshTokens
	if c, ok := g.Client().(grantTypeChecker); ok && !c.CheckGrantType(GrantTypeRefreshToken) {
		include = false
	}

	resp, _, err := p.issueToken(ctx, g, issued{
		grantType:      GrantTypeAuthorizationCode,
		userID:         code.UserID,
		scope:          code.Scope,
		familyID:       code.FamilyID,
		includeRefresh: include,
	})
	return resp, err
}

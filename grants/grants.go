package grants

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	oauth "github.com/giantswarm/oauth-engine"
	"github.com/giantswarm/oauth-engine/instrumentation"
	"github.com/giantswarm/oauth-engine/security"
	"github.com/giantswarm/oauth-engine/storage"
)

// Grant type and response type identifiers.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeImplicit          = "implicit"

	ResponseTypeCode  = "code"
	ResponseTypeToken = "token"
)

const (
	// DefaultCodeTTL is the authorization code lifetime (RFC 6749 recommends at most 10 minutes)
	DefaultCodeTTL = 10 * time.Minute

	// DefaultRefreshTokenTTL is how long issued refresh tokens are stored
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour
)

// Config holds configuration shared by the concrete grants.
type Config struct {
	// CodeTTL is the authorization code lifetime (default 10 minutes)
	CodeTTL time.Duration

	// RefreshTokenTTL is the stored lifetime of refresh tokens (default 30 days)
	RefreshTokenTTL time.Duration

	// RequirePKCE rejects authorization code requests without a code_challenge.
	RequirePKCE bool

	// AllowPlainPKCE accepts the "plain" code_challenge_method. Only S256 is
	// accepted by default.
	AllowPlainPKCE bool

	// DisableRefreshRotation keeps the presented refresh token valid after a
	// refresh. Rotation is on by default.
	DisableRefreshRotation bool

	// IssueRefreshTokens controls whether the authorization code grant issues
	// refresh tokens (default true via NewProvider).
	IssueRefreshTokens *bool

	Logger *slog.Logger
}

// Provider builds grant descriptors backed by the given stores.
type Provider struct {
	codes  storage.CodeStore
	tokens storage.TokenStore
	config Config

	auditor         *security.Auditor
	instrumentation *instrumentation.Instrumentation
	logger          *slog.Logger
}

// NewProvider creates a grant provider. Both stores are required.
func NewProvider(codes storage.CodeStore, tokens storage.TokenStore, config Config) (*Provider, error) {
	if codes == nil {
		return nil, fmt.Errorf("code store is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if config.CodeTTL <= 0 {
		config.CodeTTL = DefaultCodeTTL
	}
	if config.RefreshTokenTTL <= 0 {
		config.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if config.IssueRefreshTokens == nil {
		issue := true
		config.IssueRefreshTokens = &issue
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.AllowPlainPKCE {
		config.Logger.Warn("Plain PKCE code_challenge_method allowed - S256 is recommended")
	}

	return &Provider{
		codes:  codes,
		tokens: tokens,
		config: config,
		logger: config.Logger,
	}, nil
}

// SetAuditor sets the security auditor
func (p *Provider) SetAuditor(a *security.Auditor) {
	p.auditor = a
}

// SetInstrumentation sets OpenTelemetry instrumentation for issued-token metrics
func (p *Provider) SetInstrumentation(inst *instrumentation.Instrumentation) {
	p.instrumentation = inst
}

// Register adds all grants to server in order: authorization code,
// implicit, client credentials, refresh token. Without an auditor of its own
// the provider uses the server's.
func (p *Provider) Register(server *oauth.Server) error {
	if p.auditor == nil {
		p.auditor = server.Auditor
	}
	for _, d := range []*oauth.GrantDescriptor{
		p.AuthorizationCode(),
		p.Implicit(),
		p.ClientCredentials(),
		p.RefreshToken(),
	} {
		if err := server.RegisterGrant(d); err != nil {
			return fmt.Errorf("failed to register grant %q: %w", d.Name, err)
		}
	}
	return nil
}

// ============================================================
// Shared helpers
// ============================================================

type grantTypeChecker interface {
	CheckGrantType(grantType string) bool
}

type responseTypeChecker interface {
	CheckResponseType(responseType string) bool
}

// clientID returns the identifier of the grant's client, falling back to
// what the request carried.
func clientID(g *oauth.Grant) string {
	if ci, ok := g.Client().(oauth.ClientIdentifier); ok {
		return ci.GetClientID()
	}
	if g.Request.ClientID != "" {
		return g.Request.ClientID
	}
	if id, _ := g.Request.BasicCredentials(); id != "" {
		return id
	}
	return g.Request.BodyParams.Get("client_id")
}

func checkGrantType(g *oauth.Grant, grantType string) error {
	if c, ok := g.Client().(grantTypeChecker); ok && !c.CheckGrantType(grantType) {
		return oauth.ErrUnauthorizedClient(fmt.Sprintf("The client is not authorized to use \"grant_type\" %q.", grantType)).
			WithState(g.Request.State)
	}
	return nil
}

func checkResponseType(g *oauth.Grant, responseType string) error {
	if c, ok := g.Client().(responseTypeChecker); ok && !c.CheckResponseType(responseType) {
		return oauth.ErrUnauthorizedClient(fmt.Sprintf("The client is not authorized to use \"response_type\" %q.", responseType)).
			WithState(g.Request.State)
	}
	return nil
}

// issued describes a token a grant is about to hand out.
type issued struct {
	grantType      string
	userID         string
	scope          string
	familyID       string
	includeRefresh bool
}

// issueToken generates a token, persists its record and records telemetry.
func (p *Provider) issueToken(ctx context.Context, g *oauth.Grant, in issued) (*oauth.Response, *storage.TokenRecord, error) {
	cid := clientID(g)
	tok, err := g.GenerateToken(ctx, oauth.TokenParams{
		ClientID:            cid,
		GrantType:           in.grantType,
		UserID:              in.userID,
		Scope:               in.scope,
		IncludeRefreshToken: in.includeRefresh,
	})
	if err != nil {
		return nil, nil, err
	}

	rec := storage.NewTokenRecord(tok, cid, in.userID, in.scope, p.config.RefreshTokenTTL)
	rec.FamilyID = in.familyID
	if err := p.tokens.SaveToken(ctx, rec); err != nil {
		return nil, nil, fmt.Errorf("failed to save token: %w", err)
	}

	g.Logger().Debug("Issued token",
		"client_id", cid,
		"grant_type", in.grantType,
		"refresh_token", tok.RefreshToken != "")

	if in.grantType != GrantTypeRefreshToken {
		p.auditor.LogTokenIssued(in.userID, cid, g.Request.ClientIP, in.grantType, in.scope)
	}
	if p.instrumentation != nil {
		p.instrumentation.Metrics().RecordTokenIssued(ctx, in.grantType, tok.RefreshToken != "")
	}
	return oauth.TokenResponse(tok), rec, nil
}

// implicitTokenResponse renders a token into the redirect fragment.
func implicitTokenResponse(g *oauth.Grant, body map[string]any) *oauth.Response {
	params := [][2]string{
		{"access_token", fmt.Sprint(body["access_token"])},
		{"token_type", fmt.Sprint(body["token_type"])},
	}
	if v, ok := body["expires_in"]; ok {
		params = append(params, [2]string{"expires_in", fmt.Sprint(v)})
	}
	if v, ok := body["scope"]; ok {
		params = append(params, [2]string{"scope", fmt.Sprint(v)})
	}
	if g.Request.State != "" {
		params = append(params, [2]string{"state", g.Request.State})
	}
	return oauth.RedirectResponse(oauth.AddParamsToURI(g.RedirectURI, params, true))
}

package oauth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-engine/instrumentation"
	"github.com/giantswarm/oauth-engine/security"
)

// Endpoint names used in logs and metrics.
const (
	EndpointAuthorization = "authorization"
	EndpointToken         = "token"
	EndpointRevocation    = "revocation"
)

// Server is an OAuth 2.0 authorization server core. It keeps two ordered
// grant registries, routes requests to the first matching grant and turns
// protocol errors into responses. The registries are sealed on the first
// request; after that the server is safe for concurrent use.
type Server struct {
	queryClient QueryClient
	generator   TokenGenerator

	mu          sync.Mutex
	sealed      atomic.Bool
	names       map[string]*GrantDescriptor
	authGrants  []*GrantDescriptor
	tokenGrants []*GrantDescriptor

	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	Logger          *slog.Logger
	Config          *Config
}

// NewServer creates a server. queryClient is required; generator may be nil
// for hosts whose grants never issue tokens.
func NewServer(queryClient QueryClient, generator TokenGenerator, config *Config) (*Server, error) {
	if queryClient == nil {
		return nil, fmt.Errorf("query client function is required")
	}
	if config == nil {
		config = &Config{}
	}
	config = applySecureDefaults(config)

	s := &Server{
		queryClient: queryClient,
		generator:   generator,
		names:       make(map[string]*GrantDescriptor),
		Logger:      config.Logger,
		Config:      config,
	}
	if config.EnableAuditLogging {
		s.Auditor = security.NewAuditor(config.Logger, true)
	}
	return s, nil
}

// SetAuditor replaces the security auditor, including the one created from
// Config.EnableAuditLogging.
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetInstrumentation sets OpenTelemetry instrumentation for the server
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.Instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("server")
	}
}

// QueryClient returns the client lookup function the server was built with.
func (s *Server) QueryClient() QueryClient {
	return s.queryClient
}

// RegisterGrant adds a descriptor to the authorization and/or token
// registries. Registering the same descriptor (or name) twice is a no-op.
// Registration fails with ErrRegistrySealed once a request has been served.
func (s *Server) RegisterGrant(d *GrantDescriptor) error {
	if d == nil {
		return ErrNilDescriptor
	}
	if err := d.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sealed.Load() {
		return ErrRegistrySealed
	}
	if _, ok := s.names[d.Name]; ok {
		return nil
	}
	s.names[d.Name] = d
	if d.AuthorizationEndpoint {
		s.authGrants = append(s.authGrants, d)
	}
	if d.TokenEndpoint {
		s.tokenGrants = append(s.tokenGrants, d)
	}

	s.Logger.Debug("Registered grant",
		"grant", d.Name,
		"response_type", d.ResponseType,
		"grant_type", d.GrantType)
	return nil
}

// seal freezes the registries. The mutex makes the transition visible to
// any concurrent RegisterGrant.
func (s *Server) seal() {
	if s.sealed.Load() {
		return
	}
	s.mu.Lock()
	s.sealed.Store(true)
	s.mu.Unlock()
}

// AuthorizationGrant returns a fresh grant instance for the first registered
// descriptor whose response type matches, or invalid_grant.
func (s *Server) AuthorizationGrant(req *Request) (*Grant, error) {
	s.seal()
	for _, d := range s.authGrants {
		if d.MatchesAuthorization(req) {
			return newGrant(d, req, s.queryClient, s.generator, s.Logger), nil
		}
	}
	return nil, s.withErrorURI(ErrInvalidGrant(fmt.Sprintf("Invalid \"response_type\" value %q.", req.ResponseType)).WithState(req.State))
}

// TokenGrant returns a fresh grant instance for the first registered
// descriptor whose grant type and HTTP method match, or invalid_grant.
func (s *Server) TokenGrant(req *Request) (*Grant, error) {
	s.seal()
	for _, d := range s.tokenGrants {
		if d.MatchesToken(req) {
			return newGrant(d, req, s.queryClient, s.generator, s.Logger), nil
		}
	}
	return nil, s.withErrorURI(ErrInvalidGrant(fmt.Sprintf("Invalid \"grant_type\" value %q.", req.GrantType)).WithState(req.State))
}

// CreateAuthorizationResponse answers an authorization request on behalf of
// user (nil means consent was denied). Errors raised before a grant is
// resolved are rendered directly; later errors are redirected to the grant's
// validated redirect URI. The returned error is non-nil only for
// infrastructure failures, which are passed through unchanged.
func (s *Server) CreateAuthorizationResponse(ctx context.Context, req *Request, user *User) (*Response, error) {
	start := time.Now()
	ctx, span := s.startSpan(ctx, "oauth.authorization", EndpointAuthorization, req)
	defer span.End()

	g, err := s.AuthorizationGrant(req)
	if err != nil {
		return s.finish(ctx, span, EndpointAuthorization, nil, nil, err, start)
	}

	validate := g.Descriptor.ValidateAuthorizationRequest
	if validate == nil {
		validate = func(ctx context.Context, g *Grant) error { return g.ValidateAuthorizationDefaults(ctx) }
	}
	if err := validate(ctx, g); err != nil {
		return s.finish(ctx, span, EndpointAuthorization, g, nil, err, start)
	}

	resp, err := g.Descriptor.CreateAuthorizationResponse(ctx, g, user)
	return s.finish(ctx, span, EndpointAuthorization, g, resp, err, start)
}

// CreateTokenResponse answers a token request. All protocol errors are
// rendered as JSON; the token endpoint never redirects.
func (s *Server) CreateTokenResponse(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	ctx, span := s.startSpan(ctx, "oauth.token", EndpointToken, req)
	defer span.End()

	g, err := s.TokenGrant(req)
	if err != nil {
		return s.finish(ctx, span, EndpointToken, nil, nil, err, start)
	}

	validate := g.Descriptor.ValidateTokenRequest
	if validate == nil {
		validate = func(ctx context.Context, g *Grant) error { return g.ValidateTokenDefaults(ctx) }
	}
	if err := validate(ctx, g); err != nil {
		return s.finish(ctx, span, EndpointToken, g, nil, err, start)
	}

	resp, err := g.Descriptor.CreateTokenResponse(ctx, g)
	return s.finish(ctx, span, EndpointToken, g, resp, err, start)
}

// finish converts the outcome of a flow into a response, records telemetry
// and audit events, and separates protocol errors from infrastructure errors.
func (s *Server) finish(ctx context.Context, span trace.Span, endpoint string, g *Grant, resp *Response, err error, start time.Time) (*Response, error) {
	grantName := ""
	if g != nil {
		grantName = g.Descriptor.Name
		instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrGrant, grantName))
	}
	elapsed := float64(time.Since(start).Microseconds()) / 1000.0

	if err == nil {
		if resp == nil {
			err = fmt.Errorf("grant %q returned no response", grantName)
		} else {
			s.recordGrant(ctx, endpoint, grantName, instrumentation.OutcomeSuccess, elapsed)
			instrumentation.SetSpanSuccess(span)
			return resp, nil
		}
	}

	oe, ok := AsOAuthError(err)
	if !ok {
		s.Logger.Error("Grant failed with infrastructure error",
			"endpoint", endpoint,
			"grant", grantName,
			"error", err)
		s.recordGrant(ctx, endpoint, grantName, instrumentation.OutcomeInfraError, elapsed)
		instrumentation.RecordError(span, err)
		return nil, err
	}

	oe = s.withErrorURI(oe)
	s.recordProtocolError(ctx, span, endpoint, oe)
	s.auditProtocolError(g, oe)

	if endpoint == EndpointAuthorization && g != nil && g.HasValidatedRedirect() {
		s.Logger.Debug("Redirecting protocol error to client",
			"grant", grantName,
			"error", oe.Code)
		s.recordGrant(ctx, endpoint, grantName, instrumentation.OutcomeRedirectError, elapsed)
		return ErrorRedirect(g.RedirectURI, oe, g.Descriptor.FragmentErrors), nil
	}

	s.Logger.Debug("Rendering protocol error",
		"endpoint", endpoint,
		"grant", grantName,
		"error", oe.Code,
		"status", oe.Status)
	s.recordGrant(ctx, endpoint, grantName, instrumentation.OutcomeError, elapsed)
	return ErrorResponse(oe), nil
}

func (s *Server) withErrorURI(e *OAuthError) *OAuthError {
	if s.Config.ErrorURI == "" || e.URI != "" {
		return e
	}
	c := *e
	c.URI = s.Config.ErrorURI
	return &c
}

func (s *Server) startSpan(ctx context.Context, name, endpoint string, req *Request) (context.Context, trace.Span) {
	if s.tracer == nil {
		// A span from an empty context is a no-op and never ends the caller's span.
		return ctx, trace.SpanFromContext(context.Background())
	}
	ctx, span := s.tracer.Start(ctx, name)
	instrumentation.AddDispatchAttributes(span, endpoint, req.ResponseType, req.GrantType, req.ClientID)
	return ctx, span
}

func (s *Server) recordGrant(ctx context.Context, endpoint, grant, outcome string, elapsedMs float64) {
	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordGrantRequest(ctx, endpoint, grant, outcome, elapsedMs)
	}
}

func (s *Server) recordProtocolError(ctx context.Context, span trace.Span, endpoint string, oe *OAuthError) {
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrError, oe.Code))
	instrumentation.SetSpanError(span, oe.Code)
	if s.Instrumentation == nil {
		return
	}
	m := s.Instrumentation.Metrics()
	m.RecordProtocolError(ctx, endpoint, oe.Code)
	if oe.Code == ErrorCodeInvalidClient {
		m.RecordClientAuthentication(ctx, false)
	}
}

func (s *Server) auditProtocolError(g *Grant, oe *OAuthError) {
	if g == nil || !s.Auditor.Enabled() {
		return
	}
	switch oe.Code {
	case ErrorCodeInvalidClient:
		clientID := g.Request.ClientID
		if id, _ := g.Request.BasicCredentials(); id != "" {
			clientID = id
		}
		s.Auditor.LogAuthFailure(clientID, g.Request.ClientIP, oe.Description)
	case ErrorCodeInvalidRequest:
		if g.Request.RedirectURI != "" && !g.HasValidatedRedirect() {
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventInvalidRedirect,
				ClientID:  g.Request.ClientID,
				IPAddress: g.Request.ClientIP,
			})
		}
	}
}

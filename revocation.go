package oauth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-engine/instrumentation"
	"github.com/giantswarm/oauth-engine/internal/util"
	"github.com/giantswarm/oauth-engine/security"
)

// Token type hints accepted by the revocation endpoint (RFC 7009 section 2.1).
const (
	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token"
)

// RevocationStore finds and invalidates tokens for the revocation endpoint.
type RevocationStore interface {
	// QueryToken returns the stored token owned by client, or nil (typed or
	// untyped) when there is none. hint is "", "access_token" or "refresh_token".
	QueryToken(ctx context.Context, token, hint string, client Client) (any, error)

	// InvalidateToken revokes a token returned by QueryToken.
	InvalidateToken(ctx context.Context, token any) error
}

// RevocationEndpoint implements RFC 7009 token revocation on top of a
// server's client lookup.
type RevocationEndpoint struct {
	server        *Server
	store         RevocationStore
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewRevocationEndpoint creates a revocation endpoint. The authenticator
// defaults to BasicAuthenticator.
func NewRevocationEndpoint(server *Server, store RevocationStore, authenticator ClientAuthenticator) (*RevocationEndpoint, error) {
	if server == nil {
		return nil, fmt.Errorf("server is required")
	}
	if store == nil {
		return nil, fmt.Errorf("revocation store is required")
	}
	if authenticator == nil {
		authenticator = BasicAuthenticator{}
	}
	return &RevocationEndpoint{
		server:        server,
		store:         store,
		authenticator: authenticator,
		logger:        server.Logger.With("endpoint", EndpointRevocation),
	}, nil
}

// revocationRequest carries the state of one revocation call.
type revocationRequest struct {
	req    *Request
	client Client
	token  any
	hint   string
}

// CreateRevocationResponse runs the revocation pipeline: authenticate the
// client, validate and look up the token, invalidate it, respond 200 with an
// empty JSON object. Protocol errors are rendered as JSON, never redirected.
func (e *RevocationEndpoint) CreateRevocationResponse(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	ctx, span := e.server.startSpan(ctx, "oauth.revocation", EndpointRevocation, req)
	defer span.End()

	rr := &revocationRequest{req: req}
	err := e.revoke(ctx, rr)
	elapsed := float64(time.Since(start).Microseconds()) / 1000.0

	if err == nil {
		e.logger.Debug("Token revoked", "token_type_hint", rr.hint)
		e.server.Auditor.LogTokenRevoked(e.clientID(rr), req.ClientIP, rr.hint)
		e.record(ctx, span, rr.hint, instrumentation.OutcomeSuccess, elapsed)
		instrumentation.SetSpanSuccess(span)
		return JSONResponse(200, map[string]any{}), nil
	}

	oe, ok := AsOAuthError(err)
	if !ok {
		e.logger.Error("Revocation failed with infrastructure error", "error", err)
		e.record(ctx, span, rr.hint, instrumentation.OutcomeInfraError, elapsed)
		instrumentation.RecordError(span, err)
		return nil, err
	}

	oe = e.server.withErrorURI(oe)
	e.logger.Debug("Rendering revocation error", "error", oe.Code)
	e.record(ctx, span, rr.hint, instrumentation.OutcomeError, elapsed)
	e.server.recordProtocolError(ctx, span, EndpointRevocation, oe)
	if oe.Code == ErrorCodeInvalidClient {
		e.server.Auditor.LogAuthFailure(e.clientID(rr), req.ClientIP, oe.Description)
	}
	return ErrorResponse(oe), nil
}

func (e *RevocationEndpoint) revoke(ctx context.Context, rr *revocationRequest) error {
	c, err := e.authenticator.Authenticate(ctx, rr.req, func(ctx context.Context, id string) (Client, error) {
		return lookupClient(ctx, e.server.queryClient, id)
	})
	if err != nil {
		return err
	}
	rr.client = c

	if err := e.authenticateToken(ctx, rr); err != nil {
		return err
	}
	if rr.token == nil {
		// Only reached when unknown tokens are allowed.
		e.server.Auditor.LogEvent(security.Event{
			Type:      security.EventUnknownTokenRevocation,
			ClientID:  e.clientID(rr),
			IPAddress: rr.req.ClientIP,
		})
		return nil
	}

	if err := e.store.InvalidateToken(ctx, rr.token); err != nil {
		return fmt.Errorf("failed to invalidate token: %w", err)
	}
	return nil
}

// authenticateToken reads the token parameters, body first then query, and
// resolves the token through the store.
func (e *RevocationEndpoint) authenticateToken(ctx context.Context, rr *revocationRequest) error {
	params := rr.req.BodyParams
	if len(params) == 0 {
		params = rr.req.QueryParams
	}

	token := params.Get("token")
	if token == "" {
		return ErrInvalidRequest("Missing \"token\" in request.")
	}

	hint := params.Get("token_type_hint")
	if hint != "" && hint != TokenTypeHintAccessToken && hint != TokenTypeHintRefreshToken {
		return ErrUnsupportedTokenType(fmt.Sprintf("Unsupported \"token_type_hint\" value %q.", hint))
	}
	rr.hint = hint

	found, err := e.store.QueryToken(ctx, token, hint, rr.client)
	if err != nil {
		return err
	}
	if isNil(found) {
		e.logger.Debug("Revocation of unknown token",
			"token_prefix", util.SafeTruncate(token, 6),
			"allowed", e.server.Config.AllowUnknownTokenRevocation)
		if e.server.Config.AllowUnknownTokenRevocation {
			return nil
		}
		return ErrInvalidRequest("Invalid \"token\" in request.")
	}
	rr.token = found
	return nil
}

func (e *RevocationEndpoint) clientID(rr *revocationRequest) string {
	if id, _ := rr.req.BasicCredentials(); id != "" {
		return id
	}
	return rr.req.BodyParams.Get("client_id")
}

func (e *RevocationEndpoint) record(ctx context.Context, span trace.Span, hint, outcome string, elapsedMs float64) {
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrTokenTypeHint, hint),
		attribute.String(instrumentation.AttrOutcome, outcome))
	if e.server.Instrumentation == nil {
		return
	}
	m := e.server.Instrumentation.Metrics()
	m.RecordTokenRevocation(ctx, hint, outcome)
	m.RecordGrantRequest(ctx, EndpointRevocation, "", outcome, elapsedMs)
}

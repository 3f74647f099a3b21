package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-engine/instrumentation"
	"github.com/giantswarm/oauth-engine/security"
)

// ErrorCodeRateLimitExceeded is returned with 429 when a client IP exceeds
// Config.RateLimit. It is not an RFC 6749 code.
const ErrorCodeRateLimitExceeded = "rate_limit_exceeded"

// maxFormBytes bounds the request body parsed by NewRequest.
const maxFormBytes = 64 << 10

// UserResolver decides an authorization request on behalf of the resource
// owner. It returns the approving user, nil when consent was denied, or an
// error when the decision could not be made. A resolver that has already
// written a response (a login page, say) returns ErrResponseWritten.
type UserResolver func(w http.ResponseWriter, r *http.Request, req *Request) (*User, error)

// ErrResponseWritten tells the handler that a UserResolver answered the
// request itself.
var ErrResponseWritten = errors.New("response already written")

// Handler exposes a Server over HTTP. It converts requests with NewRequest,
// writes engine responses verbatim and adds the ambient HTTP concerns:
// per-IP rate limiting, request IDs, security headers and HTTP metrics.
type Handler struct {
	server      *Server
	revocation  *RevocationEndpoint
	resolveUser UserResolver
	limiter     *security.RateLimiter
	logger      *slog.Logger
	tracer      trace.Tracer
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithRevocation serves RFC 7009 revocation through e.
func WithRevocation(e *RevocationEndpoint) HandlerOption {
	return func(h *Handler) { h.revocation = e }
}

// WithUserResolver sets how the authorization endpoint obtains consent.
// Without a resolver every authorization request is denied.
func WithUserResolver(fn UserResolver) HandlerOption {
	return func(h *Handler) { h.resolveUser = fn }
}

// NewHandler creates an HTTP handler for server. A rate limiter is started
// when server.Config.RateLimit.Rate is set; call Close to stop it.
func NewHandler(server *Server, opts ...HandlerOption) *Handler {
	h := &Handler{
		server: server,
		logger: server.Logger.With("component", "http"),
	}
	for _, opt := range opts {
		opt(h)
	}

	if rl := server.Config.RateLimit; rl.Rate > 0 {
		h.limiter = security.NewRateLimiter(security.RateLimiterConfig{
			Rate:            float64(rl.Rate),
			Burst:           rl.Burst,
			CleanupInterval: rl.CleanupInterval,
			Logger:          h.logger,
		})
	}
	if server.Instrumentation != nil {
		h.tracer = server.Instrumentation.Tracer("http")
	}
	return h
}

// Close releases the handler's background resources.
func (h *Handler) Close() {
	if h.limiter != nil {
		h.limiter.Stop()
	}
}

// Routes returns a mux serving /authorize, /token and, when configured,
// /revoke, wrapped with request ID and security header middleware.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/authorize", h.ServeAuthorization)
	mux.HandleFunc("/token", h.ServeToken)
	if h.revocation != nil {
		mux.HandleFunc("/revoke", h.ServeRevocation)
	}
	return security.RequestIDMiddleware(security.HeadersMiddleware(h.server.Config.TrustProxy)(mux))
}

// ServeAuthorization handles the authorization endpoint (GET or POST).
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.startSpan(r.Context(), "oauth.http.authorization")
	defer span.End()
	r = r.WithContext(ctx)

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		h.methodNotAllowed(w, r, EndpointAuthorization, start, "GET, POST")
		return
	}

	req, err := h.parse(w, r, EndpointAuthorization, start)
	if err != nil {
		return
	}

	var user *User
	if h.resolveUser != nil {
		user, err = h.resolveUser(w, r, req)
		if errors.Is(err, ErrResponseWritten) {
			return
		}
		if err != nil {
			h.infrastructureError(w, r, EndpointAuthorization, start, span, err)
			return
		}
	}

	resp, err := h.server.CreateAuthorizationResponse(ctx, req, user)
	h.finish(w, r, EndpointAuthorization, start, span, resp, err)
}

// ServeToken handles the token endpoint.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.startSpan(r.Context(), "oauth.http.token")
	defer span.End()
	r = r.WithContext(ctx)

	req, err := h.parse(w, r, EndpointToken, start)
	if err != nil {
		return
	}
	if h.rateLimited(w, r, req.ClientIP, EndpointToken, start) {
		return
	}

	resp, err := h.server.CreateTokenResponse(ctx, req)
	h.finish(w, r, EndpointToken, start, span, resp, err)
}

// ServeRevocation handles the RFC 7009 revocation endpoint.
func (h *Handler) ServeRevocation(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.startSpan(r.Context(), "oauth.http.revocation")
	defer span.End()
	r = r.WithContext(ctx)

	if h.revocation == nil {
		h.record(r, EndpointRevocation, http.StatusNotFound, start)
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		h.methodNotAllowed(w, r, EndpointRevocation, start, "POST")
		return
	}

	req, err := h.parse(w, r, EndpointRevocation, start)
	if err != nil {
		return
	}
	if h.rateLimited(w, r, req.ClientIP, EndpointRevocation, start) {
		return
	}

	resp, err := h.revocation.CreateRevocationResponse(ctx, req)
	h.finish(w, r, EndpointRevocation, start, span, resp, err)
}

// NewRequest converts an HTTP request into the engine's Request. The body is
// parsed as a form for POST, PUT and PATCH; query parameters are kept apart.
func NewRequest(r *http.Request, trustProxy bool, trustedProxyCount int) (*Request, error) {
	if r.Body != nil {
		r.Body = http.MaxBytesReader(nil, r.Body, maxFormBytes)
	}
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("failed to parse form: %w", err)
	}

	req := &Request{
		Method:        r.Method,
		BodyParams:    r.PostForm,
		QueryParams:   r.URL.Query(),
		Authorization: r.Header.Get("Authorization"),
		ClientIP:      security.ClientIP(r, trustProxy, trustedProxyCount),
	}
	req.ResponseType = req.Param("response_type")
	req.GrantType = req.Param("grant_type")
	req.ClientID = req.Param("client_id")
	req.RedirectURI = req.Param("redirect_uri")
	req.Scope = req.Param("scope")
	req.State = req.Param("state")
	return req, nil
}

// WriteResponse writes resp to w: headers in order, status, then the body as
// JSON when present.
func WriteResponse(w http.ResponseWriter, resp *Response) error {
	for _, hdr := range resp.Headers {
		w.Header().Add(hdr.Name, hdr.Value)
	}
	if resp.Body == nil {
		w.WriteHeader(resp.Status)
		return nil
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(resp.Status)
	return json.NewEncoder(w).Encode(resp.Body)
}

func (h *Handler) parse(w http.ResponseWriter, r *http.Request, endpoint string, start time.Time) (*Request, error) {
	req, err := NewRequest(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
	if err != nil {
		h.logFor(r).Debug("Rejected unparseable request", "endpoint", endpoint, "error", err)
		h.write(w, r, endpoint, start, ErrorResponse(ErrInvalidRequest("The request body could not be parsed.")))
		return nil, err
	}
	return req, nil
}

func (h *Handler) rateLimited(w http.ResponseWriter, r *http.Request, clientIP, endpoint string, start time.Time) bool {
	if h.limiter == nil || h.limiter.Allow(clientIP) {
		return false
	}

	h.logFor(r).Warn("Rate limit exceeded", "endpoint", endpoint, "ip", clientIP)
	if h.server.Instrumentation != nil {
		h.server.Instrumentation.Metrics().RecordRateLimitExceeded(r.Context(), "ip")
	}
	h.server.Auditor.LogRateLimitExceeded(clientIP)

	resp := ErrorResponse(NewOAuthError(ErrorCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests))
	retry := int(h.limiter.RetryAfter(clientIP).Seconds()) + 1
	resp.Headers = append(resp.Headers, Header{Name: "Retry-After", Value: strconv.Itoa(retry)})
	h.write(w, r, endpoint, start, resp)
	return true
}

// finish writes the engine outcome. Infrastructure errors become an opaque
// server_error; their detail only goes to the log and the span.
func (h *Handler) finish(w http.ResponseWriter, r *http.Request, endpoint string, start time.Time, span trace.Span, resp *Response, err error) {
	if err != nil {
		h.infrastructureError(w, r, endpoint, start, span, err)
		return
	}
	instrumentation.SetSpanSuccess(span)
	h.write(w, r, endpoint, start, resp)
}

func (h *Handler) infrastructureError(w http.ResponseWriter, r *http.Request, endpoint string, start time.Time, span trace.Span, err error) {
	h.logFor(r).Error("Request failed", "endpoint", endpoint, "error", err)
	instrumentation.RecordError(span, err)
	h.write(w, r, endpoint, start, ErrorResponse(ErrServerError("The server encountered an unexpected condition.")))
}

func (h *Handler) methodNotAllowed(w http.ResponseWriter, r *http.Request, endpoint string, start time.Time, allow string) {
	resp := ErrorResponse(NewOAuthError(ErrorCodeInvalidRequest, "Method not allowed.", http.StatusMethodNotAllowed))
	resp.Headers = append(resp.Headers, Header{Name: "Allow", Value: allow})
	h.write(w, r, endpoint, start, resp)
}

func (h *Handler) write(w http.ResponseWriter, r *http.Request, endpoint string, start time.Time, resp *Response) {
	if err := WriteResponse(w, resp); err != nil {
		h.logFor(r).Debug("Failed to write response", "endpoint", endpoint, "error", err)
	}
	h.record(r, endpoint, resp.Status, start)
}

func (h *Handler) record(r *http.Request, endpoint string, status int, start time.Time) {
	if h.server.Instrumentation == nil {
		return
	}
	elapsed := float64(time.Since(start).Microseconds()) / 1000.0
	h.server.Instrumentation.Metrics().RecordHTTPRequest(r.Context(), r.Method, endpoint, status, elapsed)
}

func (h *Handler) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if h.tracer == nil {
		return ctx, trace.SpanFromContext(context.Background())
	}
	return h.tracer.Start(ctx, name)
}

func (h *Handler) logFor(r *http.Request) *slog.Logger {
	return security.LoggerWithRequestID(r.Context(), h.logger)
}

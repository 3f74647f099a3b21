package oauth

import (
	"errors"
	"fmt"
	"net/http"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeUnsupportedTokenType    = "unsupported_token_type"
	ErrorCodeServerError             = "server_error"
	ErrorCodeAccessDenied            = "access_denied"
)

// Sentinel errors returned by the engine itself (never rendered to clients).
var (
	// ErrRegistrySealed is returned by RegisterGrant once the server has served a request.
	ErrRegistrySealed = errors.New("grant registry is sealed")

	// ErrNilDescriptor is returned when registering a nil grant descriptor.
	ErrNilDescriptor = errors.New("grant descriptor is nil")
)

// OAuthError represents an OAuth 2.0 protocol error. It is returned as a
// plain error value by grants and collaborators and rendered by the server.
type OAuthError struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code
	State       string // Echoed client state, if known
	URI         string // Optional error_uri

	// basicAuth is set when the client attempted HTTP Basic authentication,
	// so invalid_client responses carry a WWW-Authenticate challenge.
	basicAuth bool
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// WithState returns a copy of the error carrying the given state.
func (e *OAuthError) WithState(state string) *OAuthError {
	c := *e
	c.State = state
	return &c
}

// Body returns the error parameters in RFC 6749 section 5.2 form.
func (e *OAuthError) Body() map[string]any {
	body := map[string]any{"error": e.Code}
	if e.Description != "" {
		body["error_description"] = e.Description
	}
	if e.URI != "" {
		body["error_uri"] = e.URI
	}
	if e.State != "" {
		body["state"] = e.State
	}
	return body
}

// Params returns the error parameters as ordered pairs for redirect delivery.
func (e *OAuthError) Params() [][2]string {
	params := [][2]string{{"error", e.Code}}
	if e.Description != "" {
		params = append(params, [2]string{"error_description", e.Description})
	}
	if e.URI != "" {
		params = append(params, [2]string{"error_uri", e.URI})
	}
	if e.State != "" {
		params = append(params, [2]string{"state", e.State})
	}
	return params
}

// Headers returns the headers that accompany a directly rendered error.
func (e *OAuthError) Headers() []Header {
	headers := defaultJSONHeaders()
	if e.Code == ErrorCodeInvalidClient && e.basicAuth {
		headers = append(headers, Header{Name: "WWW-Authenticate", Value: `Basic realm="oauth"`})
	}
	return headers
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// AsOAuthError reports whether err is (or wraps) a protocol error.
func AsOAuthError(err error) (*OAuthError, bool) {
	var oe *OAuthError
	if errors.As(err, &oe) {
		return oe, true
	}
	return nil, false
}

// Common OAuth errors as reusable constructors
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidGrant indicates the grant is unknown, invalid or expired
	ErrInvalidGrant = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	}

	// ErrInvalidClient indicates client authentication failed
	ErrInvalidClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}

	// ErrInvalidScope indicates the requested scope is invalid or unsupported
	ErrInvalidScope = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidScope, desc, http.StatusBadRequest)
	}

	// ErrUnauthorizedClient indicates the client is not authorized for the requested grant type
	ErrUnauthorizedClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnauthorizedClient, desc, http.StatusBadRequest)
	}

	// ErrUnsupportedGrantType indicates the grant type is not supported
	ErrUnsupportedGrantType = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}

	// ErrUnsupportedResponseType indicates the response type is not supported
	ErrUnsupportedResponseType = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnsupportedResponseType, desc, http.StatusBadRequest)
	}

	// ErrUnsupportedTokenType indicates the revocation hint names an unsupported token type
	ErrUnsupportedTokenType = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnsupportedTokenType, desc, http.StatusBadRequest)
	}

	// ErrServerError indicates an internal server error occurred
	ErrServerError = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}

	// ErrAccessDenied indicates the user or authorization server denied the request
	ErrAccessDenied = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeAccessDenied, desc, http.StatusForbidden)
	}
)

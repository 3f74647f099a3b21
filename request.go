package oauth

import (
	"encoding/base64"
	"net/url"
	"strings"
)

// Request is the transport-neutral view of an incoming OAuth request. The
// engine only reads it.
type Request struct {
	Method       string
	ResponseType string
	GrantType    string
	ClientID     string
	RedirectURI  string
	Scope        string
	State        string

	// BodyParams holds form-encoded body parameters, QueryParams the URL query.
	BodyParams  url.Values
	QueryParams url.Values

	// Authorization is the raw Authorization header value.
	Authorization string

	// ClientIP is informational, used for audit logging only.
	ClientIP string
}

// Param returns the named parameter from the body, falling back to the query.
func (r *Request) Param(name string) string {
	if v := r.BodyParams.Get(name); v != "" {
		return v
	}
	return r.QueryParams.Get(name)
}

// BasicCredentials parses an HTTP Basic Authorization header. Both parts are
// form-decoded as required by RFC 6749 section 2.3.1. Missing or malformed
// headers yield empty strings.
func (r *Request) BasicCredentials() (clientID, clientSecret string) {
	scheme, encoded, ok := strings.Cut(strings.TrimSpace(r.Authorization), " ")
	if !ok || !strings.EqualFold(scheme, "basic") {
		return "", ""
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return "", ""
	}
	id, secret, ok := strings.Cut(string(raw), ":")
	if !ok {
		return "", ""
	}
	if u, err := url.QueryUnescape(id); err == nil {
		id = u
	}
	if u, err := url.QueryUnescape(secret); err == nil {
		secret = u
	}
	return id, secret
}

// usesBasicAuth reports whether the request presented a Basic header.
func (r *Request) usesBasicAuth() bool {
	scheme, _, _ := strings.Cut(strings.TrimSpace(r.Authorization), " ")
	return strings.EqualFold(scheme, "basic")
}

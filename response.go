package oauth

import (
	"net/http"
	"net/url"
	"strings"
)

// Header is a single response header. Headers are kept as an ordered list so
// hosts can reproduce them exactly.
type Header struct {
	Name  string
	Value string
}

// Response is the engine's output: status, body and headers. A nil Body
// means an empty body.
type Response struct {
	Status  int
	Body    map[string]any
	Headers []Header
}

// Header returns the first value of the named header, or "".
func (r *Response) Header(name string) string {
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

func defaultJSONHeaders() []Header {
	return []Header{
		{Name: "Content-Type", Value: "application/json"},
		{Name: "Cache-Control", Value: "no-store"},
		{Name: "Pragma", Value: "no-cache"},
	}
}

// TokenResponseHeaders returns the headers required on token and revocation
// success responses (RFC 6749 section 5.1).
func TokenResponseHeaders() []Header {
	return defaultJSONHeaders()
}

// JSONResponse builds a JSON response with the no-store header set.
func JSONResponse(status int, body map[string]any) *Response {
	if body == nil {
		body = map[string]any{}
	}
	return &Response{Status: status, Body: body, Headers: TokenResponseHeaders()}
}

// RedirectResponse builds a 302 response to location with an empty body.
func RedirectResponse(location string) *Response {
	return &Response{
		Status:  http.StatusFound,
		Headers: []Header{{Name: "Location", Value: location}},
	}
}

// ErrorResponse renders a protocol error directly as JSON.
func ErrorResponse(e *OAuthError) *Response {
	return &Response{Status: e.Status, Body: e.Body(), Headers: e.Headers()}
}

// ErrorRedirect delivers a protocol error to the client's redirect URI.
func ErrorRedirect(redirectURI string, e *OAuthError, fragment bool) *Response {
	return RedirectResponse(AddParamsToURI(redirectURI, e.Params(), fragment))
}

// AddParamsToURI appends params to the query (or fragment) of uri, keeping
// any existing parameters. Parameters are appended in the given order.
func AddParamsToURI(uri string, params [][2]string, fragment bool) string {
	base, frag, _ := strings.Cut(uri, "#")
	if fragment {
		return base + "#" + joinParams(frag, params)
	}
	path, query, _ := strings.Cut(base, "?")
	out := path + "?" + joinParams(query, params)
	if frag != "" {
		out += "#" + frag
	}
	return out
}

func joinParams(existing string, params [][2]string) string {
	var b strings.Builder
	b.WriteString(existing)
	for _, p := range params {
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(p[0]))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p[1]))
	}
	return b.String()
}

package security

import "net/http"

// responseHeaders are set on every response from the OAuth endpoints. The
// endpoints never serve active content, so the policy denies everything.
var responseHeaders = [][2]string{
	{"X-Frame-Options", "DENY"},
	{"X-Content-Type-Options", "nosniff"},
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
	{"Referrer-Policy", "no-referrer"},
}

const hstsValue = "max-age=31536000; includeSubDomains"

// SetSecurityHeaders sets the hardening headers on w. HSTS is only sent when
// the server is reached over HTTPS.
func SetSecurityHeaders(w http.ResponseWriter, https bool) {
	h := w.Header()
	for _, kv := range responseHeaders {
		h.Set(kv[0], kv[1])
	}
	if https {
		h.Set("Strict-Transport-Security", hstsValue)
	}
}

// HeadersMiddleware applies SetSecurityHeaders before calling next. A request
// is considered HTTPS when it arrived over TLS or, with trustProxy, when
// X-Forwarded-Proto says so.
func HeadersMiddleware(trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			https := r.TLS != nil || (trustProxy && r.Header.Get("X-Forwarded-Proto") == "https")
			SetSecurityHeaders(w, https)
			next.ServeHTTP(w, r)
		})
	}
}

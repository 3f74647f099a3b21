// Package security holds the hardening pieces shared by the engine and its
// HTTP adapter: audit logging with hashed user identifiers, AES-256-GCM
// encryption of stored tokens, per-IP rate limiting, client IP resolution
// behind proxies, request IDs and response security headers.
//
// # Rate Limiting
//
// RateLimiter keeps a golang.org/x/time/rate token bucket per key. The
// number of keys is bounded; when full, the least recently seen key is
// dropped, and keys idle for longer than IdleTimeout are swept periodically.
//
//	limiter := security.NewRateLimiter(security.RateLimiterConfig{Rate: 10, Burst: 20})
//	defer limiter.Stop()
//
//	ip := security.ClientIP(r, trustProxy, 1)
//	if !limiter.Allow(ip) {
//	    retry := limiter.RetryAfter(ip)
//	    w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())+1))
//	}
//
// # Audit Events
//
// Auditor writes one structured log line per security event. User IDs are
// replaced by a truncated SHA-256 hash. A nil *Auditor discards events, so
// components can call it unconditionally.
package security

package oauth

import (
	"log/slog"
	"time"
)

// Config holds the authorization server configuration.
// Zero values are replaced with secure defaults by NewServer.
type Config struct {
	// Issuer identifies this authorization server (used in logs and by
	// generators that embed an issuer).
	Issuer string

	// ErrorURI, when set, is sent as error_uri on every protocol error.
	ErrorURI string

	// AllowUnknownTokenRevocation makes revocation of unknown tokens succeed
	// with 200 as RFC 7009 section 2.2 suggests. By default an unknown token
	// is rejected with invalid_request.
	AllowUnknownTokenRevocation bool

	// RateLimit configures the HTTP adapter's per-IP limiter.
	RateLimit RateLimitConfig

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of the server.
	// Default: 1 when TrustProxy is set.
	TrustedProxyCount int

	// EnableAuditLogging makes NewServer create a security.Auditor on Logger
	// that records token issuance, revocation and authentication failures.
	EnableAuditLogging bool

	// Logger for structured logging (optional, uses slog.Default() if not provided)
	Logger *slog.Logger
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	Burst int

	// CleanupInterval is how often to cleanup inactive rate limiters.
	CleanupInterval time.Duration
}

// applySecureDefaults fills unset values and warns about insecure choices.
func applySecureDefaults(config *Config) *Config {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.TrustProxy && config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}
	if config.RateLimit.Rate > 0 && config.RateLimit.Burst == 0 {
		config.RateLimit.Burst = config.RateLimit.Rate * 2
	}
	if config.RateLimit.CleanupInterval == 0 {
		config.RateLimit.CleanupInterval = 5 * time.Minute
	}
	logSecurityWarnings(config)
	return config
}

func logSecurityWarnings(config *Config) {
	logger := config.Logger
	if config.AllowUnknownTokenRevocation {
		logger.Warn("SECURITY NOTICE: Revocation of unknown tokens reports success",
			"risk", "Clients cannot detect typos or already revoked tokens",
			"recommendation", "Leave AllowUnknownTokenRevocation=false unless clients require RFC 7009 section 2.2 behaviour")
	}
	if config.TrustProxy {
		logger.Warn("SECURITY NOTICE: Trusting proxy headers",
			"risk", "IP spoofing if proxy is not properly configured",
			"recommendation", "Only enable behind trusted reverse proxies",
			"config", "TrustedProxyCount should match your proxy chain length")
	}
	if config.RateLimit.Rate == 0 {
		logger.Warn("SECURITY NOTICE: Rate limiting is disabled",
			"risk", "Brute force attacks against client credentials",
			"recommendation", "Set RateLimit.Rate for internet facing deployments")
	}
}

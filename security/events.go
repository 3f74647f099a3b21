package security

// Event type constants for security audit logging.
const (
	// Token lifecycle events

	// EventTokenIssued is logged when the token endpoint issues a token
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token is exchanged
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is revoked through the revocation endpoint
	EventTokenRevoked = "token_revoked"

	// EventUnknownTokenRevocation is logged when a client revokes a token the store does not know
	EventUnknownTokenRevocation = "unknown_token_revocation" //nolint:gosec // G101: event type name, not a credential

	// Authorization endpoint events

	// EventAuthorizationGranted is logged when the resource owner approves a request
	EventAuthorizationGranted = "authorization_granted"

	// EventAuthorizationDenied is logged when the resource owner denies a request
	EventAuthorizationDenied = "authorization_denied"

	// EventAuthorizationCodeReuseDetected is logged when a consumed code is presented again
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// Security violation events

	// EventAuthFailure is logged when client authentication fails
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventPKCEValidationFailed is logged when a code_verifier does not match its challenge
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventInvalidRedirect is logged when an unregistered redirect URI is presented
	EventInvalidRedirect = "invalid_redirect"

	// EventScopeEscalationAttempt is logged when a refresh asks for more scope than originally granted
	EventScopeEscalationAttempt = "scope_escalation_attempt"
)

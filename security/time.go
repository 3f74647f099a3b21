package security

import "time"

// DefaultClockSkew is the tolerance applied when comparing expiry times
// produced on another host, such as JWT exp claims.
const DefaultClockSkew = 5 * time.Second

// ExpiredWithSkew reports whether expiresAt has passed at now by more than
// skew. A zero expiresAt never expires.
func ExpiredWithSkew(expiresAt, now time.Time, skew time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(skew))
}

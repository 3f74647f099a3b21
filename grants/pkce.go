package grants

import (
	"crypto/subtle"
	"regexp"

	"golang.org/x/oauth2"
)

// PKCE code challenge methods (RFC 7636 section 4.2).
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"
)

// challengePattern matches verifiers and challenges: 43 to 128 characters
// from the unreserved set (RFC 7636 section 4.1).
var challengePattern = regexp.MustCompile(`^[A-Za-z0-9\-._~]{43,128}$`)

// validChallengeMethod reports whether method is accepted for new codes.
func (p *Provider) validChallengeMethod(method string) bool {
	switch method {
	case PKCEMethodS256:
		return true
	case PKCEMethodPlain:
		return p.config.AllowPlainPKCE
	}
	return false
}

// verifyPKCE checks a code_verifier against the stored challenge.
func verifyPKCE(challenge, method, verifier string) bool {
	if !challengePattern.MatchString(verifier) {
		return false
	}
	computed := verifier
	if method == PKCEMethodS256 {
		computed = oauth2.S256ChallengeFromVerifier(verifier)
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

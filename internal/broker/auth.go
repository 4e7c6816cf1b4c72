// internal/broker/auth.go
// Authentication for the Agent Protocol Endpoint. Every agent call must
// carry header x-proxy-secret; its absence routes to the public Ingress
// Listener instead (see route in listener.go). Two modes are
// supported:
//
//  1. Static shared secret (default): byte-for-byte comparison against the
//     configured secret, per spec.
//  2. Optional JWT mode: the header carries a short-lived HMAC-signed token
//     instead of a raw secret, so a fleet of agents can be issued and
//     revoked without redistributing one static string. This is additive —
//     the static-secret path always remains available.
package broker

import (
	"unicode/utf8"

	"github.com/flarebridge/tunnel/pkg/auth"
)

// SecretHeader is the header name the agent protocol is gated on.
const SecretHeader = "x-proxy-secret"

// authOutcome is the result of classifying one agent-protocol call.
type authOutcome int

const (
	authOK authOutcome = iota
	authBadEncoding
	authWrongSecret
)

// AuthConfig controls how the Agent Protocol Endpoint validates callers.
type AuthConfig struct {
	// Secret is the static shared secret compared against the header value.
	Secret string

	// JWT, when non-nil, enables the optional enhanced auth mode: the header
	// value is parsed as a signed token instead of compared as a raw
	// secret. The static-secret comparison still runs as a fallback.
	JWT *JWTAuth
}

// JWTAuth wraps a verifier for the optional JWT authentication mode.
type JWTAuth struct {
	Verifier *auth.Verifier
}

// NewJWTAuth constructs the optional JWT authentication mode from an HMAC
// secret and expected issuer.
func NewJWTAuth(secret []byte, issuer string) *JWTAuth {
	return &JWTAuth{Verifier: auth.NewVerifier(secret, issuer)}
}

// classify decides how to treat an agent-protocol call given the raw header
// value. The caller has already established the header is present (an
// absent header routes to the public ingress path instead).
func (c AuthConfig) classify(headerValue string) authOutcome {
	if !utf8.ValidString(headerValue) {
		return authBadEncoding
	}
	if c.JWT != nil {
		if _, err := c.JWT.Verifier.ParseAndVerify(headerValue); err == nil {
			return authOK
		}
		// Fall through to static-secret comparison so a misconfigured JWT
		// verifier never locks out an otherwise-valid static secret.
	}
	if c.Secret != "" && secureCompare(headerValue, c.Secret) {
		return authOK
	}
	return authWrongSecret
}

// secureCompare is a constant-time length-then-XOR comparison.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := 0; i < len(a); i++ {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

package auth

import "errors"

// Sentinel errors returned by auth providers and AuthService. Callers
// should use errors.Is for comparison.
var (
	// ErrInvalidCredentials is returned when email/password do not match.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")

	// ErrOperatorNotFound is returned when no operator exists for the given
	// identifier.
	ErrOperatorNotFound = errors.New("auth: operator not found")

	// ErrOperatorDisabled is returned when the operator account is inactive.
	ErrOperatorDisabled = errors.New("auth: operator account is disabled")

	// ErrTokenExpired is returned when a JWT has expired.
	ErrTokenExpired = errors.New("auth: token expired")

	// ErrTokenInvalid is returned when a token cannot be parsed or verified.
	ErrTokenInvalid = errors.New("auth: token invalid")

	// ErrOIDCNotConfigured is returned when the OIDC provider has no issuer
	// configured for this deployment.
	ErrOIDCNotConfigured = errors.New("auth: oidc provider not configured")

	// ErrOIDCStateMismatch is returned when the OAuth2 state parameter does
	// not match the value stored in the caller's session (CSRF protection).
	ErrOIDCStateMismatch = errors.New("auth: oidc state mismatch")

	// ErrOIDCCodeVerifierMissing is returned when the PKCE code verifier is
	// absent from the session during the callback phase.
	ErrOIDCCodeVerifierMissing = errors.New("auth: oidc code verifier missing")
)

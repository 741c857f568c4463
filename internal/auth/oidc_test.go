package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRandomURLSafeString_ProducesDistinctValues(t *testing.T) {
	a, err := randomURLSafeString(32)
	require.NoError(t, err)
	b, err := randomURLSafeString(32)
	require.NoError(t, err)

	require.NotEmpty(t, a)
	require.NotEqual(t, a, b)
}

func TestNewOIDCAuthProvider_NoIssuerReturnsNotConfigured(t *testing.T) {
	_, err := NewOIDCAuthProvider(context.Background(), OIDCConfig{}, nil, nil)
	require.ErrorIs(t, err, ErrOIDCNotConfigured)
}

// TestOIDCAuthProvider_Callback_RejectsStateMismatch exercises the CSRF
// guard without needing a live identity provider: the state check runs
// before any network call, so a zero-value provider is sufficient.
func TestOIDCAuthProvider_Callback_RejectsStateMismatch(t *testing.T) {
	p := &OIDCAuthProvider{}

	_, err := p.Callback(context.Background(), OIDCCallbackRequest{
		State:         "state-from-provider",
		ExpectedState: "state-we-stored",
		CodeVerifier:  "verifier",
	})
	require.ErrorIs(t, err, ErrOIDCStateMismatch)
}

func TestOIDCAuthProvider_Callback_RejectsMissingCodeVerifier(t *testing.T) {
	p := &OIDCAuthProvider{}

	_, err := p.Callback(context.Background(), OIDCCallbackRequest{
		State:         "same-state",
		ExpectedState: "same-state",
		CodeVerifier:  "",
	})
	require.ErrorIs(t, err, ErrOIDCCodeVerifierMissing)
}

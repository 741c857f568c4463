package auth

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/casarerpa/casarerpa/internal/values"
)

func TestJWTManager_GenerateAndValidateRoundTrip(t *testing.T) {
	mgr, err := NewJWTManagerGenerated("casarerpa-test")
	require.NoError(t, err)

	token, err := mgr.GenerateAccessToken("op-1", "ops@example.com", "admin", values.TenantID("tenant-a"))
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := mgr.ValidateAccessToken(token)
	require.NoError(t, err)
	require.Equal(t, "op-1", claims.OperatorID)
	require.Equal(t, "ops@example.com", claims.Email)
	require.Equal(t, "admin", claims.Role)
	require.Equal(t, values.TenantID("tenant-a"), claims.TenantID)
}

func TestJWTManager_ValidateAccessToken_RejectsTamperedToken(t *testing.T) {
	mgr, err := NewJWTManagerGenerated("casarerpa-test")
	require.NoError(t, err)

	token, err := mgr.GenerateAccessToken("op-1", "ops@example.com", "admin", "")
	require.NoError(t, err)

	tampered := token[:len(token)-2] + "zz"
	_, err = mgr.ValidateAccessToken(tampered)
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func TestJWTManager_ValidateAccessToken_RejectsWrongIssuer(t *testing.T) {
	signer, err := NewJWTManagerGenerated("issuer-a")
	require.NoError(t, err)
	token, err := signer.GenerateAccessToken("op-1", "ops@example.com", "admin", "")
	require.NoError(t, err)

	verifier, err := NewJWTManagerGenerated("issuer-b")
	require.NoError(t, err)
	verifier.publicKey = signer.publicKey

	_, err = verifier.ValidateAccessToken(token)
	require.ErrorIs(t, err, ErrTokenInvalid)
}

package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestService_Login_DelegatesToLocalProvider(t *testing.T) {
	mgr, err := NewJWTManagerGenerated("casarerpa-test")
	require.NoError(t, err)
	store := NewMemoryOperatorStore()
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)
	_, err = store.Upsert(context.Background(), Operator{Email: "ops@example.com", PasswordHash: hash, IsActive: true})
	require.NoError(t, err)

	svc := NewService(mgr, NewLocalAuthProvider(store, mgr), nil)

	pair, err := svc.Login(context.Background(), LoginRequest{Email: "ops@example.com", Password: "s3cret"})
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)

	claims, err := svc.ValidateAccessToken(pair.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "ops@example.com", claims.Email)
}

func TestService_OIDCRoutes_ReturnNotConfiguredWhenOIDCNil(t *testing.T) {
	mgr, err := NewJWTManagerGenerated("casarerpa-test")
	require.NoError(t, err)
	svc := NewService(mgr, NewLocalAuthProvider(NewMemoryOperatorStore(), mgr), nil)

	require.False(t, svc.OIDCEnabled())

	_, err = svc.OIDCAuthURL(context.Background(), OIDCAuthURLRequest{})
	require.ErrorIs(t, err, ErrOIDCNotConfigured)

	_, err = svc.OIDCCallback(context.Background(), OIDCCallbackRequest{})
	require.ErrorIs(t, err, ErrOIDCNotConfigured)
}

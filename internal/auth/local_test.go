package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/casarerpa/casarerpa/internal/values"
)

func newTestLocalProvider(t *testing.T) (*LocalAuthProvider, *MemoryOperatorStore) {
	t.Helper()
	mgr, err := NewJWTManagerGenerated("casarerpa-test")
	require.NoError(t, err)
	store := NewMemoryOperatorStore()
	return NewLocalAuthProvider(store, mgr), store
}

func TestLocalAuthProvider_Login_Success(t *testing.T) {
	provider, store := newTestLocalProvider(t)

	hash, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)
	_, err = store.Upsert(context.Background(), Operator{
		ID:           "op-1",
		Email:        "ops@example.com",
		PasswordHash: hash,
		Role:         "admin",
		TenantID:     values.TenantID("tenant-a"),
		IsActive:     true,
	})
	require.NoError(t, err)

	pair, err := provider.Login(context.Background(), LoginRequest{Email: "ops@example.com", Password: "correct horse battery staple"})
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.Equal(t, "Bearer", pair.TokenType)
}

func TestLocalAuthProvider_Login_WrongPasswordRejected(t *testing.T) {
	provider, store := newTestLocalProvider(t)
	hash, err := HashPassword("correct-password")
	require.NoError(t, err)
	_, err = store.Upsert(context.Background(), Operator{Email: "ops@example.com", PasswordHash: hash, IsActive: true})
	require.NoError(t, err)

	_, err = provider.Login(context.Background(), LoginRequest{Email: "ops@example.com", Password: "wrong-password"})
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLocalAuthProvider_Login_UnknownEmailRejected(t *testing.T) {
	provider, _ := newTestLocalProvider(t)
	_, err := provider.Login(context.Background(), LoginRequest{Email: "ghost@example.com", Password: "whatever"})
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLocalAuthProvider_Login_DisabledOperatorRejected(t *testing.T) {
	provider, store := newTestLocalProvider(t)
	hash, err := HashPassword("correct-password")
	require.NoError(t, err)
	_, err = store.Upsert(context.Background(), Operator{Email: "ops@example.com", PasswordHash: hash, IsActive: false})
	require.NoError(t, err)

	_, err = provider.Login(context.Background(), LoginRequest{Email: "ops@example.com", Password: "correct-password"})
	require.ErrorIs(t, err, ErrOperatorDisabled)
}

func TestLocalAuthProvider_Login_OIDCOnlyAccountRejectsPassword(t *testing.T) {
	provider, store := newTestLocalProvider(t)
	_, err := store.Upsert(context.Background(), Operator{Email: "sso@example.com", IsActive: true, OIDCSubject: "sub-1"})
	require.NoError(t, err)

	_, err = provider.Login(context.Background(), LoginRequest{Email: "sso@example.com", Password: "anything"})
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

package auth

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// bcryptCost is deliberately left at the library default rather than the
// teacher's tuned Argon2id parameters — bcrypt has no memory/parallelism
// knobs to tune, and the default cost factor is adequate for an operator
// login path that is not exposed to high request volume.
const bcryptCost = bcrypt.DefaultCost

// LocalAuthProvider authenticates operators against bcrypt password hashes
// held in an OperatorStore. It implements AuthProvider.
type LocalAuthProvider struct {
	store      OperatorStore
	jwtManager *JWTManager
}

// NewLocalAuthProvider constructs a LocalAuthProvider.
func NewLocalAuthProvider(store OperatorStore, jwtManager *JWTManager) *LocalAuthProvider {
	return &LocalAuthProvider{store: store, jwtManager: jwtManager}
}

// HashPassword hashes a plaintext password with bcrypt for storage.
func HashPassword(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("auth: hashing password: %w", err)
	}
	return string(hash), nil
}

// Login verifies the operator's email/password and, on success, issues a
// signed access token.
func (p *LocalAuthProvider) Login(ctx context.Context, req LoginRequest) (TokenPair, error) {
	op, err := p.store.GetByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, ErrOperatorNotFound) {
			return TokenPair{}, ErrInvalidCredentials
		}
		return TokenPair{}, err
	}

	if !op.IsActive {
		return TokenPair{}, ErrOperatorDisabled
	}

	if op.PasswordHash == "" {
		// OIDC-only account; no local password to check against.
		return TokenPair{}, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(req.Password)); err != nil {
		return TokenPair{}, ErrInvalidCredentials
	}

	token, err := p.jwtManager.GenerateAccessToken(op.ID, op.Email, op.Role, op.TenantID)
	if err != nil {
		return TokenPair{}, err
	}

	return TokenPair{
		AccessToken: token,
		ExpiresIn:   int(accessTokenDuration.Seconds()),
		TokenType:   "Bearer",
	}, nil
}

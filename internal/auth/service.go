package auth

import "context"

// Service composes local and (optional) OIDC authentication behind a single
// entry point for internal/api's middleware and login handlers. An
// orchestrator deployed without an OIDC issuer simply has a nil oidc
// provider; OIDC-specific routes return ErrOIDCNotConfigured.
type Service struct {
	jwtManager *JWTManager
	local      *LocalAuthProvider
	oidc       *OIDCAuthProvider
}

// NewService wires a JWTManager and local provider; oidc may be nil.
func NewService(jwtManager *JWTManager, local *LocalAuthProvider, oidc *OIDCAuthProvider) *Service {
	return &Service{jwtManager: jwtManager, local: local, oidc: oidc}
}

// JWTManager exposes the underlying JWTManager so internal/api's middleware
// can validate bearer tokens without depending on the rest of Service.
func (s *Service) JWTManager() *JWTManager {
	return s.jwtManager
}

// Login authenticates local email/password credentials.
func (s *Service) Login(ctx context.Context, req LoginRequest) (TokenPair, error) {
	return s.local.Login(ctx, req)
}

// OIDCEnabled reports whether an OIDC provider was configured at startup.
func (s *Service) OIDCEnabled() bool {
	return s.oidc != nil
}

// OIDCAuthURL begins the Authorization Code + PKCE flow.
func (s *Service) OIDCAuthURL(ctx context.Context, req OIDCAuthURLRequest) (OIDCAuthURLResponse, error) {
	if s.oidc == nil {
		return OIDCAuthURLResponse{}, ErrOIDCNotConfigured
	}
	return s.oidc.AuthURL(ctx, req)
}

// OIDCCallback completes the Authorization Code + PKCE flow.
func (s *Service) OIDCCallback(ctx context.Context, req OIDCCallbackRequest) (TokenPair, error) {
	if s.oidc == nil {
		return TokenPair{}, ErrOIDCNotConfigured
	}
	return s.oidc.Callback(ctx, req)
}

// ValidateAccessToken verifies a bearer token and returns its claims.
func (s *Service) ValidateAccessToken(tokenString string) (*Claims, error) {
	return s.jwtManager.ValidateAccessToken(tokenString)
}

package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/casarerpa/casarerpa/internal/values"
)

// OIDCConfig describes a single external identity provider. Unlike the
// teacher's DB-backed OIDCProviderRepository (which lets an admin UI add or
// edit providers at runtime), CasareRPA has no such table in its domain
// model — the REST surface here is narrow, so OIDC is configured once at
// process startup from CLI flags or environment variables (spec's
// Environment & CLI section) and held fixed for the process lifetime.
type OIDCConfig struct {
	IssuerURL     string
	ClientID      string
	ClientSecret  string
	DefaultRole   string
	DefaultTenant values.TenantID
}

// OIDCAuthProvider drives the Authorization Code + PKCE flow against a
// single configured identity provider and implements OIDCFlowProvider.
type OIDCAuthProvider struct {
	cfg        OIDCConfig
	provider   *gooidc.Provider
	verifier   *gooidc.IDTokenVerifier
	oauthCfg   oauth2.Config
	store      OperatorStore
	jwtManager *JWTManager
}

// NewOIDCAuthProvider discovers the provider's configuration via OIDC
// discovery (".well-known/openid-configuration") and prepares the oauth2
// client. Returns ErrOIDCNotConfigured if cfg.IssuerURL is empty, so callers
// can skip wiring the OIDC routes entirely when no provider is configured.
func NewOIDCAuthProvider(ctx context.Context, cfg OIDCConfig, store OperatorStore, jwtManager *JWTManager) (*OIDCAuthProvider, error) {
	if cfg.IssuerURL == "" {
		return nil, ErrOIDCNotConfigured
	}

	provider, err := gooidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("auth: oidc discovery: %w", err)
	}

	verifier := provider.Verifier(&gooidc.Config{ClientID: cfg.ClientID})

	return &OIDCAuthProvider{
		cfg:      cfg,
		provider: provider,
		verifier: verifier,
		oauthCfg: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     provider.Endpoint(),
			Scopes:       []string{gooidc.ScopeOpenID, "email", "profile"},
		},
		store:      store,
		jwtManager: jwtManager,
	}, nil
}

// AuthURL builds the redirect URL for the Authorization Code + PKCE flow,
// along with the State and CodeVerifier the caller must persist until the
// callback arrives (e.g. in a signed, short-lived cookie).
func (p *OIDCAuthProvider) AuthURL(_ context.Context, req OIDCAuthURLRequest) (OIDCAuthURLResponse, error) {
	state, err := randomURLSafeString(32)
	if err != nil {
		return OIDCAuthURLResponse{}, err
	}
	verifier := oauth2.GenerateVerifier()

	cfg := p.oauthCfg
	cfg.RedirectURL = req.RedirectURI

	url := cfg.AuthCodeURL(state, oauth2.AccessTypeOnline, oauth2.S256ChallengeOption(verifier))

	return OIDCAuthURLResponse{
		AuthURL:      url,
		State:        state,
		CodeVerifier: verifier,
	}, nil
}

// Callback exchanges the authorization code for tokens, verifies the ID
// token, and issues a CasareRPA access token — provisioning the operator
// record on first login (JIT provisioning; there is no admin-managed
// operator directory to pre-populate from).
func (p *OIDCAuthProvider) Callback(ctx context.Context, req OIDCCallbackRequest) (TokenPair, error) {
	if req.State == "" || req.State != req.ExpectedState {
		return TokenPair{}, ErrOIDCStateMismatch
	}
	if req.CodeVerifier == "" {
		return TokenPair{}, ErrOIDCCodeVerifierMissing
	}

	cfg := p.oauthCfg
	cfg.RedirectURL = req.RedirectURI

	oauth2Token, err := cfg.Exchange(ctx, req.Code, oauth2.VerifierOption(req.CodeVerifier))
	if err != nil {
		return TokenPair{}, fmt.Errorf("auth: oidc code exchange: %w", err)
	}

	rawIDToken, ok := oauth2Token.Extra("id_token").(string)
	if !ok {
		return TokenPair{}, errors.New("auth: oidc token response missing id_token")
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return TokenPair{}, fmt.Errorf("auth: oidc id_token verification: %w", err)
	}

	var claims struct {
		Subject string `json:"sub"`
		Email   string `json:"email"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return TokenPair{}, fmt.Errorf("auth: parsing oidc claims: %w", err)
	}

	op, err := p.store.GetByOIDCSubject(ctx, claims.Subject)
	if errors.Is(err, ErrOperatorNotFound) {
		op, err = p.store.Upsert(ctx, Operator{
			ID:          claims.Subject,
			Email:       claims.Email,
			Role:        p.cfg.DefaultRole,
			TenantID:    p.cfg.DefaultTenant,
			IsActive:    true,
			OIDCSubject: claims.Subject,
		})
	}
	if err != nil {
		return TokenPair{}, err
	}

	if !op.IsActive {
		return TokenPair{}, ErrOperatorDisabled
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

func randomURLSafeString(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("auth: generating random state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

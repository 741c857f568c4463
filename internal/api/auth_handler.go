package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/casarerpa/casarerpa/internal/auth"
)

const oidcStateCookie = "casarerpa_oidc_state"

// AuthHandler serves /auth/login and the OIDC Authorization Code + PKCE
// flow endpoints.
type AuthHandler struct {
	service *auth.Service
	logger  *zap.Logger
	secure  bool
}

// NewAuthHandler constructs an AuthHandler. secure controls whether the
// OIDC state cookie is issued with the Secure flag (true behind HTTPS).
func NewAuthHandler(service *auth.Service, logger *zap.Logger, secure bool) *AuthHandler {
	return &AuthHandler{service: service, logger: logger, secure: secure}
}

type loginRequestBody struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponseBody struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// Login handles POST /auth/login with an email/password body.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequestBody
	if !decodeJSON(w, r, &body) {
		return
	}

	pair, err := h.service.Login(r.Context(), auth.LoginRequest{Email: body.Email, Password: body.Password})
	if err != nil {
		h.logger.Info("login failed", zap.String("email", body.Email), zap.Error(err))
		ErrUnauthorized(w)
		return
	}

	Ok(w, tokenResponseBody{AccessToken: pair.AccessToken, TokenType: pair.TokenType, ExpiresIn: pair.ExpiresIn})
}

// oidcStateCookieValue is what gets round-tripped in the state cookie
// between the redirect and the callback, since the orchestrator keeps no
// server-side session store.
type oidcStateCookieValue struct {
	State        string `json:"state"`
	CodeVerifier string `json:"code_verifier"`
}

// OIDCLogin handles GET /auth/oidc/login and redirects the browser to the
// configured identity provider.
func (h *AuthHandler) OIDCLogin(w http.ResponseWriter, r *http.Request) {
	if !h.service.OIDCEnabled() {
		ErrUnprocessable(w, "oidc is not configured for this deployment")
		return
	}

	redirectURI := r.URL.Query().Get("redirect_uri")
	resp, err := h.service.OIDCAuthURL(r.Context(), auth.OIDCAuthURLRequest{RedirectURI: redirectURI})
	if err != nil {
		h.logger.Error("oidc auth url", zap.Error(err))
		ErrInternal(w)
		return
	}

	cookieValue, err := json.Marshal(oidcStateCookieValue{State: resp.State, CodeVerifier: resp.CodeVerifier})
	if err != nil {
		ErrInternal(w)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     oidcStateCookie,
		Value:    url.QueryEscape(string(cookieValue)),
		Path:     "/",
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Now().Add(10 * time.Minute),
	})

	http.Redirect(w, r, resp.AuthURL, http.StatusFound)
}

// OIDCCallback handles GET /auth/oidc/callback, completing the flow and
// returning a CasareRPA access token.
func (h *AuthHandler) OIDCCallback(w http.ResponseWriter, r *http.Request) {
	if !h.service.OIDCEnabled() {
		ErrUnprocessable(w, "oidc is not configured for this deployment")
		return
	}

	cookie, err := r.Cookie(oidcStateCookie)
	if err != nil {
		ErrBadRequest(w, "missing oidc state cookie")
		return
	}
	raw, err := url.QueryUnescape(cookie.Value)
	if err != nil {
		ErrBadRequest(w, "malformed oidc state cookie")
		return
	}
	var stored oidcStateCookieValue
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		ErrBadRequest(w, "malformed oidc state cookie")
		return
	}

	pair, err := h.service.OIDCCallback(r.Context(), auth.OIDCCallbackRequest{
		Code:          r.URL.Query().Get("code"),
		State:         r.URL.Query().Get("state"),
		ExpectedState: stored.State,
		CodeVerifier:  stored.CodeVerifier,
		RedirectURI:   r.URL.Query().Get("redirect_uri"),
	})
	if err != nil {
		h.logger.Info("oidc callback failed", zap.Error(err))
		ErrUnauthorized(w)
		return
	}

	http.SetCookie(w, &http.Cookie{Name: oidcStateCookie, Value: "", Path: "/", MaxAge: -1})
	Ok(w, tokenResponseBody{AccessToken: pair.AccessToken, TokenType: pair.TokenType, ExpiresIn: pair.ExpiresIn})
}

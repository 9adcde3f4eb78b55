package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/alexedwards/scs/v2"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/panyam/plugauth"
	"github.com/panyam/plugauth/oauth2"
	"github.com/panyam/plugauth/passkey"
	"github.com/panyam/plugauth/password"
)

// Keys in the browser session
const (
	sessionTokenKey = "session_token"
	oauthStateKey   = "oauth_state"
	oauthNonceKey   = "oauth_nonce_key"
	oauthReturnKey  = "oauth_return_to"
)

const maxBodyBytes = 64 << 10

type userKey struct{}

// server is a thin HTTP host over an Auth instance.  The scs session only
// carries the opaque plugauth session token and the OAuth round trip values.
type server struct {
	auth     *plugauth.Auth
	sessions *scs.SessionManager
	gatherer prometheus.Gatherer
	log      *slog.Logger
}

func newServer(auth *plugauth.Auth, gatherer prometheus.Gatherer, log *slog.Logger) *server {
	sm := scs.New()
	sm.Lifetime = auth.Sessions.TTL()
	sm.Cookie.Name = "plugauth_demo"
	sm.Cookie.HttpOnly = true
	sm.Cookie.SameSite = http.SameSiteLaxMode
	return &server{auth: auth, sessions: sm, gatherer: gatherer, log: log}
}

func (s *server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.extractUser)

	a := r.PathPrefix("/auth").Subrouter()
	a.HandleFunc("/password/signup", s.passwordSignup).Methods(http.MethodPost)
	a.HandleFunc("/password/login", s.passwordLogin).Methods(http.MethodPost)
	a.Handle("/password/change", s.ensureUser(http.HandlerFunc(s.passwordChange))).Methods(http.MethodPost)

	a.HandleFunc("/oauth/{provider}/login", s.oauthLogin).Methods(http.MethodGet)
	a.HandleFunc("/oauth/{provider}/callback", s.oauthCallback).Methods(http.MethodGet)

	a.HandleFunc("/passkey/register/begin", s.passkeyRegisterBegin).Methods(http.MethodPost)
	a.HandleFunc("/passkey/register/finish", s.passkeyRegisterFinish).Methods(http.MethodPost)
	a.HandleFunc("/passkey/login/begin", s.passkeyLoginBegin).Methods(http.MethodPost)
	a.HandleFunc("/passkey/login/finish", s.passkeyLoginFinish).Methods(http.MethodPost)

	r.HandleFunc("/logout", s.logout).Methods(http.MethodPost)
	r.Handle("/me", s.ensureUser(http.HandlerFunc(s.me))).Methods(http.MethodGet)
	r.HandleFunc("/methods", s.methods).Methods(http.MethodGet)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return s.sessions.LoadAndSave(r)
}

// Middleware

// extractUser resolves the session token from the browser session or an
// Authorization header.  It never rejects a request.
func (s *server) extractUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := s.sessions.GetString(r.Context(), sessionTokenKey)
		if auth := r.Header.Get("Authorization"); token == "" && len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
			token = strings.TrimSpace(auth[7:])
		}
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		user, _, err := s.auth.CurrentUser(r.Context(), token)
		if err != nil {
			if !errors.Is(err, plugauth.ErrSessionNotFound) && !errors.Is(err, plugauth.ErrSessionExpired) {
				s.log.Warn("session lookup failed", "err", err)
			}
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, user)))
	})
}

func (s *server) ensureUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if currentUser(r) == nil {
			writeError(w, plugauth.ErrSessionNotFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func currentUser(r *http.Request) *plugauth.User {
	user, _ := r.Context().Value(userKey{}).(*plugauth.User)
	return user
}

// login stores the plugauth session in the browser session
func (s *server) login(w http.ResponseWriter, r *http.Request, user *plugauth.User, session *plugauth.Session) {
	if err := s.sessions.RenewToken(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	s.sessions.Put(r.Context(), sessionTokenKey, session.ID)
	writeJSON(w, http.StatusOK, map[string]any{
		"user":       user,
		"token":      session.ID,
		"expires_at": session.ExpiresAt,
	})
}

// Password

type passwordRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	NewPassword string `json:"new_password,omitempty"`
}

func (s *server) passwordPlugin(w http.ResponseWriter) *password.Plugin {
	p, err := plugauth.PluginAs[*password.Plugin](s.auth.Plugins, password.Name)
	if err != nil {
		writeError(w, err)
		return nil
	}
	return p
}

func (s *server) passwordSignup(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if !readJSON(w, r, &req) {
		return
	}
	p := s.passwordPlugin(w)
	if p == nil {
		return
	}
	user, err := p.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	session, err := s.auth.Sessions.Create(r.Context(), user.ID, password.Name, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	s.login(w, r, user, session)
}

func (s *server) passwordLogin(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if !readJSON(w, r, &req) {
		return
	}
	user, session, err := s.auth.Authenticate(r.Context(), password.Name, &plugauth.Credentials{
		Identifier: req.Email,
		Secret:     req.Password,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.login(w, r, user, session)
}

func (s *server) passwordChange(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if !readJSON(w, r, &req) {
		return
	}
	p := s.passwordPlugin(w)
	if p == nil {
		return
	}
	key := plugauth.IdentityKey(password.Name, plugauth.NormalizeEmail(req.Email))
	if !slices.Contains(currentUser(r).Identifiers, key) {
		writeError(w, plugauth.ErrInvalidCredentials)
		return
	}
	if err := p.ChangePassword(r.Context(), req.Email, req.Password, req.NewPassword); err != nil {
		writeError(w, err)
		return
	}
	// ChangePassword revoked every session, this one included
	s.sessions.Remove(r.Context(), sessionTokenKey)
	w.WriteHeader(http.StatusNoContent)
}

// OAuth

func (s *server) oauthPlugin(w http.ResponseWriter, r *http.Request) *oauth2.Plugin {
	p, err := plugauth.PluginAs[*oauth2.Plugin](s.auth.Plugins, mux.Vars(r)["provider"])
	if err != nil {
		writeError(w, err)
		return nil
	}
	return p
}

func (s *server) oauthLogin(w http.ResponseWriter, r *http.Request) {
	p := s.oauthPlugin(w, r)
	if p == nil {
		return
	}
	flow, err := p.BeginAuth(r.Context(), "")
	if err != nil {
		writeError(w, err)
		return
	}
	s.sessions.Put(r.Context(), oauthStateKey, flow.CSRFState)
	s.sessions.Put(r.Context(), oauthNonceKey, flow.NonceKey)
	if to := r.URL.Query().Get("to"); strings.HasPrefix(to, "/") && !strings.HasPrefix(to, "//") {
		s.sessions.Put(r.Context(), oauthReturnKey, to)
	}
	http.Redirect(w, r, flow.AuthorizationURL, http.StatusFound)
}

func (s *server) oauthCallback(w http.ResponseWriter, r *http.Request) {
	p := s.oauthPlugin(w, r)
	if p == nil {
		return
	}
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		writeError(w, plugauth.NewProviderError(p.Name(), "authorize", fmt.Errorf("%s: %s", e, q.Get("error_description"))))
		return
	}
	user, session, err := p.Callback(r.Context(), oauth2.CallbackRequest{
		Code:          q.Get("code"),
		State:         q.Get("state"),
		ExpectedState: s.sessions.PopString(r.Context(), oauthStateKey),
		NonceKey:      s.sessions.PopString(r.Context(), oauthNonceKey),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if to := s.sessions.PopString(r.Context(), oauthReturnKey); to != "" {
		if err := s.sessions.RenewToken(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		s.sessions.Put(r.Context(), sessionTokenKey, session.ID)
		http.Redirect(w, r, to, http.StatusFound)
		return
	}
	s.login(w, r, user, session)
}

// Passkeys

func (s *server) passkeyPlugin(w http.ResponseWriter) *passkey.Plugin {
	p, err := plugauth.PluginAs[*passkey.Plugin](s.auth.Plugins, passkey.Name)
	if err != nil {
		writeError(w, err)
		return nil
	}
	return p
}

// passkeyRegisterBegin adds a passkey to the logged in user, or starts a
// passwordless signup when nobody is logged in
func (s *server) passkeyRegisterBegin(w http.ResponseWriter, r *http.Request) {
	p := s.passkeyPlugin(w)
	if p == nil {
		return
	}
	userID := ""
	if user := currentUser(r); user != nil {
		userID = user.ID
	}
	opts, err := p.StartRegistration(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, opts)
}

func (s *server) passkeyRegisterFinish(w http.ResponseWriter, r *http.Request) {
	p := s.passkeyPlugin(w)
	if p == nil {
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	user, err := p.FinishRegistration(r.Context(), body)
	if err != nil {
		writeError(w, err)
		return
	}
	if current := currentUser(r); current != nil && current.ID == user.ID {
		writeJSON(w, http.StatusOK, map[string]any{"user": user})
		return
	}
	session, err := s.auth.Sessions.Create(r.Context(), user.ID, passkey.Name, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	s.login(w, r, user, session)
}

func (s *server) passkeyLoginBegin(w http.ResponseWriter, r *http.Request) {
	p := s.passkeyPlugin(w)
	if p == nil {
		return
	}
	opts, err := p.StartAuthentication(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, opts)
}

func (s *server) passkeyLoginFinish(w http.ResponseWriter, r *http.Request) {
	p := s.passkeyPlugin(w)
	if p == nil {
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	user, session, err := p.FinishAuthentication(r.Context(), body)
	if err != nil {
		writeError(w, err)
		return
	}
	s.login(w, r, user, session)
}

// Session

func (s *server) logout(w http.ResponseWriter, r *http.Request) {
	if token := s.sessions.GetString(r.Context(), sessionTokenKey); token != "" {
		if err := s.auth.Sessions.Revoke(r.Context(), token); err != nil {
			writeError(w, err)
			return
		}
	}
	if err := s.sessions.Destroy(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) me(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, currentUser(r))
}

func (s *server) methods(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"methods": s.auth.Plugins.Names()})
}

// Helpers

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "could not read request body"})
		return nil, false
	}
	return body, true
}

func readJSON(w http.ResponseWriter, r *http.Request, out any) bool {
	body, ok := readBody(w, r)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, out); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusOf maps plugauth errors to HTTP statuses
func statusOf(err error) int {
	switch {
	case errors.Is(err, plugauth.ErrInvalidCredentials),
		errors.Is(err, plugauth.ErrSessionNotFound),
		errors.Is(err, plugauth.ErrSessionExpired),
		errors.Is(err, plugauth.ErrPossibleCloneDetected):
		return http.StatusUnauthorized
	case errors.Is(err, plugauth.ErrInvalidPayload),
		errors.Is(err, plugauth.ErrCsrfMismatch),
		errors.Is(err, plugauth.ErrNonceMismatch),
		errors.Is(err, plugauth.ErrReplayedFlow):
		return http.StatusBadRequest
	case errors.Is(err, plugauth.ErrDuplicateIdentity):
		return http.StatusConflict
	case errors.Is(err, plugauth.ErrUnknownMethod),
		errors.Is(err, plugauth.ErrPluginNotFound),
		errors.Is(err, plugauth.ErrCredentialNotFound):
		return http.StatusNotFound
	case errors.Is(err, plugauth.ErrProviderError):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		msg = http.StatusText(status)
	}
	writeJSON(w, status, map[string]string{"error": msg, "code": plugauth.ErrorCode(err)})
}

package server

import (
	"fmt"
	"net/http"
	"time"

	"rendaivous/internal/google"

	"github.com/google/uuid"
)

const stateCookie = "oauth_state"

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.oauth == nil {
		s.writeError(w, r, fmt.Errorf("google sign-in: %w", errUnavailable))
		return
	}
	state := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/auth",
		MaxAge:   int((10 * time.Minute).Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, google.AuthCodeURL(s.oauth, state), http.StatusTemporaryRedirect)
}

// handleAuthCallback exchanges the authorization code and returns the token to the caller.
func (s *Server) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	if s.oauth == nil {
		s.writeError(w, r, fmt.Errorf("google sign-in: %w", errUnavailable))
		return
	}
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		s.writeError(w, r, badRequest("authorization denied: %s", e))
		return
	}
	code := q.Get("code")
	if code == "" {
		s.writeError(w, r, badRequest("missing code"))
		return
	}
	if c, err := r.Cookie(stateCookie); err == nil && c.Value != q.Get("state") {
		s.writeError(w, r, badRequest("state mismatch"))
		return
	}

	token, err := google.TokenFromWeb(r.Context(), s.oauth, code)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{Name: stateCookie, Path: "/auth", MaxAge: -1})
	writeJSON(w, http.StatusOK, token)
}

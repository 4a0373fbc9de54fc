package main

import (
	"encoding/json"
	"errors"
	"net/http"
)

// HandleLoginPage sends the browser to the static login page, or back to
// returnto when the session is already verified.
func (a *App) HandleLoginPage(w http.ResponseWriter, r *http.Request) {
	returnto := r.URL.Query().Get("returnto")
	if returnto == "" || returnto[0] != '/' {
		returnto = "/"
	}
	if sessionFrom(r).LoggedIn() {
		http.Redirect(w, r, returnto, http.StatusSeeOther)
		return
	}
	http.Redirect(w, r, "/site/login.html", http.StatusSeeOther)
}

// HandleNonce returns the session's login challenge. Idempotent: the
// outstanding nonce is returned rather than reissued. 409 when already
// logged in.
func (a *App) HandleNonce(w http.ResponseWriter, r *http.Request) {
	nonce, err := a.IssueNonce(r.Context(), sessionFrom(r))
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"nonce": nonce})
}

// HandleLogin completes a login attempt against the public comment feed.
func (a *App) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Username string `json:"username"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	if in.Username == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "username is required")
		return
	}
	if err := a.Login(r.Context(), sessionFrom(r), in.Username); err != nil {
		if errors.Is(err, ErrUpstream) {
			a.Log.Warn("identity verifier unavailable", "error", err)
		}
		writeTaxonomyError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleLogout demotes the session back to anonymous.
func (a *App) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if err := a.Logout(r.Context(), sessionFrom(r)); err != nil {
		a.Log.Error("logout failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

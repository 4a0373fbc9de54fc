package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
)

// clientCreds are the credential fields every /tokens request carries.
type clientCreds struct {
	ClientID     int64  `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// authenticateClient resolves the application and checks the secret in
// constant time. Returns nil (and writes 401) on failure.
func (a *App) authenticateClient(ctx context.Context, w http.ResponseWriter, creds clientCreds) *Application {
	if creds.ClientID <= 0 || creds.ClientSecret == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "client credentials are required")
		return nil
	}
	app, err := a.Store.Application(ctx, creds.ClientID, 0)
	if err != nil {
		a.Log.Error("fetching application failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		return nil
	}
	if app == nil || subtle.ConstantTimeCompare(
		[]byte(app.ClientSecret), []byte(creds.ClientSecret)) != 1 {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid client credentials")
		return nil
	}
	return app
}

// scopesField accepts either a delimiter-separated string or a list.
type scopesField []string

func (s *scopesField) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		*s = splitScopes(str)
		return nil
	}
	var list []string
	if err := json.Unmarshal(b, &list); err != nil {
		return err
	}
	*s = list
	return nil
}

// HandleTokensExchange is POST /tokens: authorization code in, refresh
// and access tokens out. The scope set presented must equal the set the
// user approved — a subset or superset is rejected with 417.
func (a *App) HandleTokensExchange(w http.ResponseWriter, r *http.Request) {
	var in struct {
		clientCreds
		Code   string      `json:"code"`
		Scopes scopesField `json:"scopes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	if in.Code == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "code is required")
		return
	}
	scopes, err := normalizeScopes(in.Scopes)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	if a.authenticateClient(r.Context(), w, in.clientCreds) == nil {
		return
	}
	grant, err := a.Store.ExchangeCode(r.Context(), in.Code, scopes)
	if err != nil {
		if errors.Is(err, ErrIntegrity) {
			a.Log.Error("exchange aborted", "error", err)
		}
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

// HandleTokensRefresh is PATCH /tokens: rotate the access token under a
// refresh token. An expired grant answers 410 so callers can tell
// "used to exist" from "never existed".
func (a *App) HandleTokensRefresh(w http.ResponseWriter, r *http.Request) {
	var in struct {
		clientCreds
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	if in.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "refresh_token is required")
		return
	}
	if a.authenticateClient(r.Context(), w, in.clientCreds) == nil {
		return
	}
	grant, err := a.Store.RefreshAccessToken(r.Context(), in.ClientID, in.RefreshToken)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

// HandleTokensRevoke is DELETE /tokens. token_type_hint selects whether
// the whole grant goes ("refresh_token", the default) or only the
// current access token ("access_token", leaving the refresh token valid
// for a future re-mint). Revoking an already-revoked token is success.
func (a *App) HandleTokensRevoke(w http.ResponseWriter, r *http.Request) {
	var in struct {
		clientCreds
		RefreshToken  string `json:"refresh_token"`
		TokenTypeHint string `json:"token_type_hint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	if in.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "refresh_token is required")
		return
	}
	if a.authenticateClient(r.Context(), w, in.clientCreds) == nil {
		return
	}
	var err error
	switch in.TokenTypeHint {
	case "", "refresh_token":
		err = a.Store.RevokeRefreshToken(r.Context(), in.ClientID, in.RefreshToken)
	case "access_token":
		err = a.Store.RevokeAccessToken(r.Context(), in.ClientID, in.RefreshToken)
	default:
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "unknown token_type_hint")
		return
	}
	if err != nil {
		a.Log.Error("revocation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleApprovals lists the caller's durable grants.
func (a *App) HandleApprovals(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	approvals, err := a.Store.ApprovalsByUser(r.Context(), *sess.UserID)
	if err != nil {
		a.Log.Error("listing approvals failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, approvals)
}

// HandleApprovalRevoke removes one of the caller's grants.
func (a *App) HandleApprovalRevoke(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	existed, err := a.Store.DeleteApproval(r.Context(), mux.Vars(r)["refresh_token"], *sess.UserID)
	if err != nil {
		a.Log.Error("revoking approval failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		return
	}
	if !existed {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleUser is the Bearer-authenticated resource endpoint. A cached
// identity whose upstream feed no longer resolves is still returned,
// with 203 marking it possibly stale.
func (a *App) HandleUser(w http.ResponseWriter, r *http.Request) {
	authing := authingFrom(r)
	hasIdentify := false
	for _, sc := range authing.Scopes {
		if sc == "identify" {
			hasIdentify = true
			break
		}
	}
	if !hasIdentify {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "identify scope not granted")
		return
	}
	user, err := a.Store.ScratcherByID(r.Context(), authing.UserID)
	if err != nil {
		a.Log.Error("identity cache lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "not found")
		return
	}
	status := http.StatusOK
	live, err := a.Verifier.ProfileLive(r.Context(), user.UserName)
	if err != nil || !live {
		// The account may be banned, deleted, or renamed. Our data is
		// still the last known truth.
		status = http.StatusNonAuthoritativeInfo
	}
	writeJSON(w, status, user)
}

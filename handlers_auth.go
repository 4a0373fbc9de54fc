package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// showCodePath is the built-in fallback target: the code is displayed
// for manual copy instead of being delivered to a registered URI.
const showCodePath = "/showcode"

// authRequest is a validated authorization query: client, state, scope
// set, and (optionally) one of the client's registered redirect URIs.
type authRequest struct {
	ClientID    int64
	State       string
	RedirectURI *string
	Scopes      []string
	App         *Application
}

// parseAuthRequest validates the /authorize query parameters. Every
// check fails the whole request before any row is written.
func (a *App) parseAuthRequest(r *http.Request) (*authRequest, error) {
	q := r.URL.Query()
	clientID, err := strconv.ParseInt(q.Get("client_id"), 10, 64)
	if err != nil || clientID <= 0 {
		return nil, fmt.Errorf("%w: client_id is required", ErrValidation)
	}
	state := q.Get("state")
	if state == "" {
		return nil, fmt.Errorf("%w: state is required", ErrValidation)
	}
	scopes, err := normalizeScopes(splitScopes(q.Get("scopes")))
	if err != nil {
		return nil, err
	}
	app, err := a.Store.Application(r.Context(), clientID, 0)
	if err != nil {
		return nil, err
	}
	if app == nil {
		return nil, fmt.Errorf("%w: unknown client", ErrValidation)
	}
	req := &authRequest{ClientID: clientID, State: state, Scopes: scopes, App: app}
	if uri := q.Get("redirect_uri"); uri != "" && uri != showCodePath {
		found := false
		for _, registered := range app.RedirectURIs {
			if registered == uri {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: redirect_uri is not registered", ErrValidation)
		}
		req.RedirectURI = &uri
	}
	return req, nil
}

// HandleAuthorizePage returns the data the confirmation page renders:
// the app's name (with its moderation status, so an unapproved name is
// escaped), the human descriptions of the requested scopes, and whether
// the user already has a flow in flight for this client.
func (a *App) HandleAuthorizePage(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	req, err := a.parseAuthRequest(r)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	descriptions := make(map[string]string, len(req.Scopes))
	for _, sc := range req.Scopes {
		descriptions[sc] = scopeRegistry[sc]
	}
	pending, err := a.Store.AuthingByCreator(r.Context(), *sess.UserID)
	if err != nil {
		a.Log.Error("pending auth lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"client_id":     req.ClientID,
		"app_name":      req.App.AppName,
		"name_approved": req.App.NameApproved(),
		"scopes":        descriptions,
		"state":         req.State,
		"pending":       pending != nil && pending.ClientID == req.ClientID,
	})
}

// HandleAuthorizeConfirm approves the request: a pending authing is
// created (or the existing one reused — the flow may be retried) and the
// browser is sent to the redirect target with code and state attached.
func (a *App) HandleAuthorizeConfirm(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	req, err := a.parseAuthRequest(r)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	code, err := a.Store.StartAuth(r.Context(), sess.ID, *sess.UserID,
		req.ClientID, req.State, req.RedirectURI, req.Scopes)
	if err != nil {
		a.Log.Error("start auth failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		return
	}
	http.Redirect(w, r, redirectTarget(req, code), http.StatusSeeOther)
}

func redirectTarget(req *authRequest, code string) string {
	base := showCodePath
	if req.RedirectURI != nil {
		base = *req.RedirectURI
	}
	v := url.Values{}
	v.Set("code", code)
	v.Set("state", req.State)
	sep := "?"
	if u, err := url.Parse(base); err == nil && u.RawQuery != "" {
		sep = "&"
	}
	return base + sep + v.Encode()
}

// HandleAuthorizeCancel aborts the pending flow for this session.
func (a *App) HandleAuthorizeCancel(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	if sess.Authing == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no authorization in progress")
		return
	}
	if err := a.Store.CancelAuth(r.Context(), sess.ID, *sess.Authing); err != nil {
		a.Log.Error("cancel auth failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleShowCode is the manual-copy fallback: it echoes the code and
// state for the static page to display.
func (a *App) HandleShowCode(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	code := q.Get("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "code is required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"code":  code,
		"state": q.Get("state"),
	})
}

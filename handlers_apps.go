package main

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

func clientIDVar(r *http.Request) int64 {
	id, _ := strconv.ParseInt(mux.Vars(r)["client_id"], 10, 64)
	return id
}

// HandleApplications lists the caller's registered applications.
func (a *App) HandleApplications(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	apps, err := a.Store.Applications(r.Context(), *sess.UserID)
	if err != nil {
		a.Log.Error("listing applications failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, apps)
}

// HandleApplication returns one application, secret included — the
// caller owns it.
func (a *App) HandleApplication(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	app, err := a.Store.Application(r.Context(), clientIDVar(r), *sess.UserID)
	if err != nil {
		a.Log.Error("fetching application failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		return
	}
	if app == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "not found")
		return
	}
	writeJSON(w, http.StatusOK, appResponse(app))
}

// HandleAppRegister registers a new application for the caller.
func (a *App) HandleAppRegister(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	var in struct {
		AppName      Optional[string] `json:"app_name"`
		RedirectURIs *[]string        `json:"redirect_uris"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	if in.RedirectURIs == nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "redirect_uris is required")
		return
	}
	app, err := a.Store.CreateApplication(r.Context(), *sess.UserID, in.AppName.Ptr(), *in.RedirectURIs)
	if err != nil {
		a.Log.Error("creating application failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, appResponse(app))
}

// HandleAppUpdate applies a tri-state PATCH. Supplying client_secret
// with any value rotates the secret; app_name and redirect_uris
// distinguish "omitted" from an explicit clear. A body changing nothing
// is rejected.
func (a *App) HandleAppUpdate(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	clientID := clientIDVar(r)
	app, err := a.Store.Application(r.Context(), clientID, *sess.UserID)
	if err != nil {
		a.Log.Error("fetching application failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		return
	}
	if app == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "not found")
		return
	}
	var in struct {
		ClientSecret Optional[string]   `json:"client_secret"`
		AppName      Optional[string]   `json:"app_name"`
		RedirectURIs Optional[[]string] `json:"redirect_uris"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	updated, err := a.Store.UpdateApplication(r.Context(), clientID, AppUpdate{
		ResetSecret:  in.ClientSecret.Set,
		AppName:      in.AppName,
		RedirectURIs: in.RedirectURIs,
	})
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, appResponse(updated))
}

// HandleAppDelete destroys an application and everything issued to it.
func (a *App) HandleAppDelete(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	clientID := clientIDVar(r)
	app, err := a.Store.Application(r.Context(), clientID, *sess.UserID)
	if err != nil {
		a.Log.Error("fetching application failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		return
	}
	if app == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "not found")
		return
	}
	if err := a.Store.DeleteApplication(r.Context(), clientID); err != nil {
		a.Log.Error("deleting application failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func appResponse(app *Application) map[string]any {
	return map[string]any{
		"client_id":     app.ClientID,
		"client_secret": app.ClientSecret,
		"app_name":      app.AppName,
		"name_approved": app.NameApproved(),
		"redirect_uris": app.RedirectURIs,
	}
}

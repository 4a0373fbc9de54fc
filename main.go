package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	cfg "github.com/example/scratchauth/internal/config"
)

// App wires the store, the identity verifier, and the alert sink into
// the HTTP handlers.
type App struct {
	Store    *Store
	Verifier Verifier
	Notifier Notifier
	Log      *slog.Logger
	limiter  *RateLimiter
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write json", "error", err)
	}
}

// Router builds the full route table and middleware chain.
func (a *App) Router(siteDir string) *mux.Router {
	r := mux.NewRouter()
	r.Use(SecurityHeaders)
	r.Use(a.Logging)
	r.Use(a.Recover)
	r.Use(a.SessionCookie)

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")
	r.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if !a.Store.ping() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
	}).Methods("GET")

	// Login and identity
	r.HandleFunc("/login/nonce", a.HandleNonce).Methods("GET")
	r.HandleFunc("/login", a.HandleLoginPage).Methods("GET")
	r.Handle("/login", a.LoginRateLimit(http.HandlerFunc(a.HandleLogin))).Methods("POST")
	r.HandleFunc("/login", a.HandleLogout).Methods("DELETE")

	// Authorization flow
	authorize := r.PathPrefix("/authorize").Subrouter()
	authorize.Use(a.RequireLogin)
	authorize.HandleFunc("", a.HandleAuthorizePage).Methods("GET")
	authorize.HandleFunc("", a.HandleAuthorizeConfirm).Methods("POST")
	authorize.HandleFunc("", a.HandleAuthorizeCancel).Methods("DELETE")
	r.HandleFunc("/showcode", a.HandleShowCode).Methods("GET")

	// Application registry
	apps := r.PathPrefix("/applications").Subrouter()
	apps.Use(a.RequireLogin)
	apps.HandleFunc("", a.HandleApplications).Methods("GET")
	apps.HandleFunc("", a.HandleAppRegister).Methods("PUT")
	apps.HandleFunc("/{client_id:[0-9]+}", a.HandleApplication).Methods("GET")
	apps.HandleFunc("/{client_id:[0-9]+}", a.HandleAppUpdate).Methods("PATCH")
	apps.HandleFunc("/{client_id:[0-9]+}", a.HandleAppDelete).Methods("DELETE")

	// Tokens (client-credential authenticated, no login required)
	r.HandleFunc("/tokens", a.HandleTokensExchange).Methods("POST")
	r.HandleFunc("/tokens", a.HandleTokensRefresh).Methods("PATCH")
	r.HandleFunc("/tokens", a.HandleTokensRevoke).Methods("DELETE")

	// Approvals
	approvals := r.PathPrefix("/approvals").Subrouter()
	approvals.Use(a.RequireLogin)
	approvals.HandleFunc("", a.HandleApprovals).Methods("GET")
	approvals.HandleFunc("/{refresh_token:[0-9a-f]+}", a.HandleApprovalRevoke).Methods("DELETE")

	// Resource endpoint
	r.Handle("/user", a.BearerAuth(http.HandlerFunc(a.HandleUser))).Methods("GET")

	// Static site
	r.Handle("/", http.RedirectHandler("/site/", http.StatusMovedPermanently)).Methods("GET")
	r.PathPrefix("/site/").Handler(
		http.StripPrefix("/site/", http.FileServer(http.Dir(siteDir)))).Methods("GET")

	return r
}

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	c, err := cfg.Load()
	if err != nil {
		log.Error("config", "error", err)
		os.Exit(1)
	}

	store, err := OpenStore(c.SQLiteFile, Expiries{
		SessionShort: c.SessionShortExpiry,
		SessionLong:  c.SessionLongExpiry,
		Auth:         c.AuthExpiry,
		AccessToken:  c.AccessTokenExpiry,
		RefreshToken: c.RefreshTokenExpiry,
	})
	if err != nil {
		log.Error("opening store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	if err := ApplyMigrations(c.MigrationsDir, store.db, log); err != nil {
		log.Error("migrations", "error", err)
		os.Exit(1)
	}

	httpClient := &http.Client{Timeout: c.UpstreamTimeout}
	var notifier Notifier = NopNotifier{}
	if c.AlertWebhookURL != "" {
		notifier = &WebhookNotifier{URL: c.AlertWebhookURL, HTTP: httpClient}
	}

	app := &App{
		Store: store,
		Verifier: &ScratchClient{
			HTTP:     httpClient,
			APIBase:  c.ScratchAPIBase,
			SiteBase: c.ScratchSiteBase,
		},
		Notifier: notifier,
		Log:      log,
		limiter:  NewRateLimiter(c.LoginRatePerMinute),
	}

	srv := &http.Server{
		Handler:      app.Router(c.SiteDir),
		Addr:         c.ListenAddr,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", "addr", c.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server", "error", err)
		os.Exit(1)
	}
	log.Info("server exited")
}

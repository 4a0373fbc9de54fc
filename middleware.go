package main

import (
	"context"
	"encoding/base64"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

type ctxKey int

const (
	ctxSession ctxKey = iota
	ctxAuthing
	ctxRequestID
)

func sessionFrom(r *http.Request) *Session {
	s, _ := r.Context().Value(ctxSession).(*Session)
	return s
}

func authingFrom(r *http.Request) *Authing {
	a, _ := r.Context().Value(ctxAuthing).(*Authing)
	return a
}

// Logging tags each request with an id and logs method, path, status,
// and duration.
func (a *App) Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := uuid.NewString()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		ctx := context.WithValue(r.Context(), ctxRequestID, reqID)

		next.ServeHTTP(wrapped, r.WithContext(ctx))

		a.Log.Info("request",
			"id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration", time.Since(start),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// SecurityHeaders adds the standard response hardening headers.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		next.ServeHTTP(w, r)
	})
}

// Recover turns a panic into a 500, logs it, and fires the alert sink.
func (a *App) Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			reqID, _ := r.Context().Value(ctxRequestID).(string)
			a.Log.Error("panic serving request",
				"id", reqID, "method", r.Method, "path", r.URL.Path, "panic", rec)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := a.Notifier.Notify(ctx, "500 Response Sent", map[string]string{
				"Request Path": r.Method + " " + r.URL.RequestURI(),
				"Request ID":   reqID,
			}); err != nil {
				a.Log.Error("alert delivery failed", "error", err)
			}
			writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		}()
		next.ServeHTTP(w, r)
	})
}

// SessionCookie resolves the caller's session before anything else runs.
// A missing, malformed, or expired cookie gets a fresh session and a 307
// back to the same path so the caller retries with the cookie attached.
// Bearer-token and static paths are exempt.
func (a *App) SessionCookie(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if exemptFromSession(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		var sess *Session
		if c, err := r.Cookie("session"); err == nil {
			if id, err := strconv.ParseInt(c.Value, 10, 64); err == nil {
				s, err := a.Store.GetSession(r.Context(), id)
				if err != nil {
					a.Log.Error("session lookup failed", "error", err)
					writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
					return
				}
				sess = s
			}
		}
		if sess == nil {
			id, err := a.Store.CreateSession(r.Context())
			if err != nil {
				a.Log.Error("session create failed", "error", err)
				writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
				return
			}
			http.SetCookie(w, &http.Cookie{
				Name:     "session",
				Value:    strconv.FormatInt(id, 10),
				Path:     "/",
				MaxAge:   int(a.Store.exp.SessionShort / time.Second),
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
			})
			http.Redirect(w, r, r.URL.RequestURI(), http.StatusTemporaryRedirect)
			return
		}
		ctx := context.WithValue(r.Context(), ctxSession, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Token and resource endpoints are credential-authenticated server
// calls: no cookie jar on the other end, so no session bootstrap.
func exemptFromSession(path string) bool {
	return path == "/" || path == "/health" || path == "/ready" ||
		path == "/tokens" || path == "/user" ||
		strings.HasPrefix(path, "/site/")
}

// RequireLogin guards the registry and approval surfaces.
func (a *App) RequireLogin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !sessionFrom(r).LoggedIn() {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "login required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// BearerAuth resolves `Authorization: Bearer <base64(token)>` into an
// exchanged authing for the resource endpoint.
func (a *App) BearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scheme, encoded, ok := strings.Cut(r.Header.Get("Authorization"), " ")
		if !ok || scheme != "Bearer" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "bearer token required")
			return
		}
		token, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "malformed bearer token")
			return
		}
		authing, err := a.Store.AuthingByCode(r.Context(), string(token))
		if err != nil {
			a.Log.Error("token lookup failed", "error", err)
			writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
			return
		}
		if authing == nil || authing.Stage != StageExchanged {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unknown token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxAuthing, authing)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RateLimiter tracks one limiter per remote address.
type RateLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	perMinute int
}

func NewRateLimiter(perMinute int) *RateLimiter {
	return &RateLimiter{limiters: make(map[string]*rate.Limiter), perMinute: perMinute}
}

func (rl *RateLimiter) allow(addr string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[addr]
	if !ok {
		l = rate.NewLimiter(rate.Limit(rl.perMinute)/60, rl.perMinute)
		rl.limiters[addr] = l
	}
	return l.Allow()
}

// LoginRateLimit throttles login attempts per remote address. The feed
// scan makes each attempt an upstream fetch; unthrottled retries would
// let a caller brute-force nonce submissions through us.
func (a *App) LoginRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !a.limiter.allow(host) {
			writeError(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "too many login attempts")
			return
		}
		next.ServeHTTP(w, r)
	})
}

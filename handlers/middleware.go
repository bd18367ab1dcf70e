package handlers

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
	"yib/utils"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// ContextKey is a custom type for context keys to avoid collisions.
type ContextKey string

const (
	UserCookieKey ContextKey = "userCookieID"
	CSRFTokenKey  ContextKey = "csrfToken"
)

const (
	userCookieName = "yib_id"
	csrfCookieName = "csrf_token"
	cookieLifetime = 365 * 24 * time.Hour
)

// CSRFMiddleware protects against Cross-Site Request Forgery attacks.
func CSRFMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var csrfToken string
		if c, err := r.Cookie(csrfCookieName); err == nil && c.Value != "" {
			csrfToken = c.Value
		} else {
			csrfToken = uuid.New().String()
			http.SetCookie(w, &http.Cookie{
				Name:     csrfCookieName,
				Value:    csrfToken,
				Path:     "/",
				HttpOnly: true,
				Secure:   r.TLS != nil,
				SameSite: http.SameSiteLaxMode,
			})
		}

		if r.Method == http.MethodPost {
			token := r.Header.Get("X-CSRF-Token")
			if token == "" {
				token = r.FormValue(csrfCookieName)
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(csrfToken)) != 1 {
				writeForbidden(w, "Invalid CSRF token")
				return
			}
		}

		ctx := context.WithValue(r.Context(), CSRFTokenKey, csrfToken)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeForbidden(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// CookieMiddleware ensures every user has a persistent unique identifier cookie.
func CookieMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var userID string
		if c, err := r.Cookie(userCookieName); err == nil && c.Value != "" {
			userID = c.Value
		} else {
			userID = uuid.New().String()
			http.SetCookie(w, &http.Cookie{
				Name:     userCookieName,
				Value:    userID,
				Path:     "/",
				Expires:  time.Now().Add(cookieLifetime),
				HttpOnly: true,
				Secure:   r.TLS != nil,
				SameSite: http.SameSiteLaxMode,
			})
		}

		ctx := context.WithValue(r.Context(), UserCookieKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireLAN restricts access to a handler to private or loopback IP addresses.
func RequireLAN(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !utils.IsModerator(r) {
			writeForbidden(w, "Forbidden: Moderation access restricted to LAN")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// NewStructuredLogger logs one line per request after it completes.
func NewStructuredLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logger.With("component", "http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				level := slog.LevelInfo
				if ww.Status() >= http.StatusInternalServerError {
					level = slog.LevelError
				}
				logger.Log(r.Context(), level, "Request completed",
					"request_id", middleware.GetReqID(r.Context()),
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start).String(),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

package api

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/marmos91/cipherdrop/internal/logger"
	"github.com/marmos91/cipherdrop/internal/ws"
)

// automationAgents are User-Agent fragments of tools the API refuses.
// The relay's API exists for the bundled browser client; scripted scraping
// of pairing endpoints is cut off at the front door.
var automationAgents = []string{
	"curl",
	"wget",
	"python-requests",
	"python-urllib",
	"go-http-client",
	"httpie",
	"postman",
	"insomnia",
	"libwww",
	"java/",
	"scrapy",
}

// accessControl enforces the API's browser-origin policy: automation
// User-Agents are rejected outright, and when an origin allow-list is
// configured the request must present an Origin or Referer from it.
func accessControl(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ua := strings.ToLower(r.UserAgent())
			for _, agent := range automationAgents {
				if strings.Contains(ua, agent) {
					writeError(w, http.StatusForbidden, "Forbidden", "automated clients are not allowed")
					return
				}
			}

			if len(allowedOrigins) > 0 {
				origin := requestOrigin(r)
				if origin == "" {
					writeError(w, http.StatusForbidden, "Forbidden", "missing Origin or Referer header")
					return
				}
				if !ws.OriginAllowed(origin, allowedOrigins) {
					writeError(w, http.StatusForbidden, "Forbidden", "origin not allowed")
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

// requestOrigin returns the request's Origin, falling back to the origin
// part of Referer.
func requestOrigin(r *http.Request) string {
	if origin := r.Header.Get("Origin"); origin != "" {
		return origin
	}
	referer := r.Header.Get("Referer")
	if referer == "" {
		return ""
	}
	u, err := url.Parse(referer)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// requestLogger logs request completions with status, size, and duration.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logArgs := []any{
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
		}
		if r.URL.Path == "/health" {
			logger.Debug("request completed", logArgs...)
		} else {
			logger.Info("request completed", logArgs...)
		}
	})
}

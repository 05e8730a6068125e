package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marmos91/cipherdrop/internal/session"
	"github.com/marmos91/cipherdrop/internal/storage"
	"github.com/marmos91/cipherdrop/internal/upload"
	"github.com/marmos91/cipherdrop/internal/ws"
)

// RouterOptions wires the core components into the HTTP surface.
type RouterOptions struct {
	Manager *session.Manager
	Engine  *upload.Engine
	Store   *storage.Backend
	Gateway *ws.Gateway

	AllowedOrigins []string
	MaxFileBytes   int64
	MetricsEnabled bool
}

// NewRouter creates the chi router with all middleware and routes.
//
// No global request timeout is installed: upload and download bodies may
// legitimately take a long time. Slow-header attacks are bounded by the
// server's ReadHeaderTimeout instead.
func NewRouter(opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	sessionHandler := NewSessionHandler(opts.Manager)
	uploadHandler := NewUploadHandler(opts.Manager, opts.Engine, opts.Store, opts.MaxFileBytes)
	downloadHandler := NewDownloadHandler(opts.Store)

	r.Get("/health", sessionHandler.Health)
	if opts.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	// Event channel; the upgrader applies the origin allow-list itself.
	r.Get("/ws", opts.Gateway.ServeHTTP)

	// Browser API, behind the origin/User-Agent access filter.
	r.Route("/api", func(r chi.Router) {
		r.Use(accessControl(opts.AllowedOrigins))

		r.Get("/code", sessionHandler.MintCode)
		r.Get("/server/stats", sessionHandler.Stats)
		r.Get("/session/{code}/storage", sessionHandler.Storage)

		r.Post("/upload", uploadHandler.Upload)
		r.Post("/upload/init", uploadHandler.InitChunked)
		r.Post("/upload/chunk", uploadHandler.PutChunk)
		r.Post("/upload/complete", uploadHandler.CompleteChunked)
		r.Get("/upload/progress/{uploadID}", uploadHandler.Progress)
		r.Delete("/upload/{uploadID}", uploadHandler.Cancel)
	})

	r.Get("/downloads/{code}/{filename}", downloadHandler.Serve)

	return r
}

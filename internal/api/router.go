package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/technosupport/ts-vod/internal/data"
	"github.com/technosupport/ts-vod/internal/middleware"
)

// Deps carries the handler set and cross-cutting middleware the router
// composes. HTTPStats and Metrics are optional; everything else must be
// set.
type Deps struct {
	Auth   *AuthHandler
	Videos *VideoHandler
	Stream *StreamHandler
	WS     *WSHandler
	Health *HealthHandler

	JWT       *middleware.JWTAuth
	Limits    *middleware.RateLimit
	HTTPStats func(http.Handler) http.Handler
	Metrics   http.Handler

	Origin       string
	MaxBodyBytes int64
	Logger       zerolog.Logger
}

// NewRouter assembles the HTTP surface with a fixed middleware order:
// request id and client ip first, metrics and logging outside recovery so
// recovered panics still produce a request line, then CORS, the global
// body cap and the global rate limiter. Auth and role guards attach per
// route group.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	if d.HTTPStats != nil {
		r.Use(d.HTTPStats)
	}
	r.Use(middleware.RequestLogger(d.Logger))
	r.Use(middleware.Recovery(d.Logger))
	r.Use(middleware.CORS(d.Origin))
	r.Use(middleware.BodyLimit(d.MaxBodyBytes))
	r.Use(d.Limits.Global)

	r.Route("/api", func(api chi.Router) {
		api.Get("/health", d.Health.Health)

		api.Route("/auth", func(ar chi.Router) {
			// Credential endpoints sit behind the strict per-IP window.
			ar.Group(func(pub chi.Router) {
				pub.Use(d.Limits.Auth)
				pub.Post("/register", d.Auth.Register)
				pub.Post("/login", d.Auth.Login)
				pub.Post("/refresh", d.Auth.Refresh)
			})
			ar.Group(func(priv chi.Router) {
				priv.Use(d.JWT.Require)
				priv.Post("/logout", d.Auth.Logout)
				priv.Get("/me", d.Auth.Me)
			})
		})

		api.Route("/videos", func(vr chi.Router) {
			vr.Use(d.JWT.Require)
			vr.With(d.Limits.Upload, middleware.RequireRole(data.RoleEditor, data.RoleAdmin)).
				Post("/", d.Videos.Upload)
			vr.Get("/", d.Videos.List)
			vr.Get("/{id}", d.Videos.Get)
			vr.Put("/{id}", d.Videos.Update)
			vr.Delete("/{id}", d.Videos.Delete)
			vr.Get("/{id}/status", d.Videos.Status)
		})

		// Optional auth: public videos stream without a token, media
		// elements pass theirs as ?token=.
		api.Route("/stream", func(sr chi.Router) {
			sr.Use(d.JWT.Optional)
			sr.Get("/{id}", d.Stream.Stream)
			sr.Head("/{id}", d.Stream.Stream)
			sr.Get("/{id}/thumbnail", d.Stream.Thumbnail)
			sr.Head("/{id}/thumbnail", d.Stream.Thumbnail)
		})

		api.With(d.JWT.Require).Get("/ws", d.WS.Serve)
	})

	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	return r
}

package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the gallery router. Everything except the sign-in
// endpoints, /healthz and /metrics requires a session.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger, a.Config.Server.DevMode))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Method(http.MethodGet, "/metrics", a.Metrics.Handler())

	r.Get("/login", a.Auth.HandleLogin)
	r.Get(a.Config.OIDC.CallbackPath, a.Auth.HandleCallback)
	r.Get("/logout", a.Auth.HandleLogout)
	r.Post("/logout", a.Auth.HandleLogout)
	r.Get(a.Config.OIDC.SignedOutCallbackPath, a.Auth.HandleSignedOut)

	r.Group(func(r chi.Router) {
		r.Use(a.Auth.RequireAuthentication)
		r.Use(recordSubject)
		r.Get("/", a.handleGallery)
		r.Get("/identity", a.handleIdentity)
		r.Post("/identity/refresh", a.handleRefresh)
	})

	return r
}

package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mehmetcc/jwtauth/internal/auth"
	"github.com/mehmetcc/jwtauth/internal/httpx"
	"go.uber.org/zap"
	"moul.io/chizap"
)

// newRouter builds the public handler. Forwarding headers are only honoured
// when trustProxy is set; otherwise the rate limiter and the refresh records
// see the socket address.
func newRouter(authHandler auth.AuthenticationHandler, logger *zap.Logger, trustProxy bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if trustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(chizap.New(logger, &chizap.Opts{
		WithReferer:   true,
		WithUserAgent: true,
	}))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/auth", authHandler.Routes())
	return r
}

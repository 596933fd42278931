package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	sessionhandler "github.com/dndsync/dndsync/internal/handler/session"
	wshandler "github.com/dndsync/dndsync/internal/handler/ws"
	middlewarePkg "github.com/dndsync/dndsync/internal/middleware"
	sessionservice "github.com/dndsync/dndsync/internal/service/session"
	"github.com/dndsync/dndsync/pkg/utils"
)

// NewRouter wires HTTP routes to core services.
func NewRouter(svc *sessionservice.Service) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	sessionHandler := sessionhandler.New(svc)
	wsHandler := wshandler.New(svc)

	r.Route("/api", func(api chi.Router) {
		sessionHandler.RegisterRoutes(api)
		wsHandler.RegisterRoutes(api)

		api.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	})

	return r
}

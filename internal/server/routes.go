package server

import (
	"net/http"
	"sort"

	"github.com/gorilla/mux"

	"token-keeper/internal/middleware"
	"token-keeper/internal/ratelimit"
)

// RouteOptions protect the admin and OAuth routes.
type RouteOptions struct {
	// APIKey guards /api; empty leaves it open.
	APIKey string
	// Limiter throttles /api and /oauth per client; nil disables throttling.
	Limiter *ratelimit.Limiter
}

// NewRouter registers every route on a gorilla/mux router.
func NewRouter(h *Handlers, opts RouteOptions) *mux.Router {
	router := mux.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.LoggingMiddleware)

	router.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)
	router.HandleFunc("/metrics", h.Metrics).Methods(http.MethodGet)

	oauth := router.PathPrefix("/oauth").Subrouter()
	if opts.Limiter != nil {
		oauth.Use(opts.Limiter.HTTPMiddleware(ratelimit.IPBasedKey))
	}
	oauth.HandleFunc("/connect", h.Connect).Methods(http.MethodGet)
	oauth.HandleFunc("/callback", h.Callback).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	if opts.Limiter != nil {
		api.Use(opts.Limiter.HTTPMiddleware(ratelimit.IPBasedKey))
	}
	api.Use(middleware.RequireAPIKey(opts.APIKey))

	api.HandleFunc("/breakers", h.ListBreakers).Methods(http.MethodGet)
	api.HandleFunc("/breakers/{name}/reset", h.ResetBreaker).Methods(http.MethodPost)
	api.HandleFunc("/tokens/{principal}", h.GetToken).Methods(http.MethodGet)
	api.HandleFunc("/tokens/{principal}/events", h.ListEvents).Methods(http.MethodGet)
	api.HandleFunc("/tokens/{principal}/check", h.CheckToken).Methods(http.MethodGet)
	api.HandleFunc("/tokens/{principal}/refresh", h.RefreshToken).Methods(http.MethodPost)
	api.HandleFunc("/tokens/{principal}", h.RevokeToken).Methods(http.MethodDelete)

	return router
}

// Routes lists the registered routes as "METHOD /path", sorted.
func Routes(router *mux.Router) []string {
	var routes []string
	router.Walk(func(route *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		path, err := route.GetPathTemplate()
		if err != nil {
			return nil
		}
		methods, err := route.GetMethods()
		if err != nil {
			return nil
		}
		for _, m := range methods {
			routes = append(routes, m+" "+path)
		}
		return nil
	})
	sort.Strings(routes)
	return routes
}

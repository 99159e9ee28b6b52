package app

import (
	"net/http"

	"token-keeper/internal/common/logging"
	"token-keeper/internal/metrics"
	"token-keeper/internal/ratelimit"
	"token-keeper/internal/server"
)

// Handler builds the HTTP surface over the application's components.
func (app *App) Handler() http.Handler {
	var metricsHandler http.Handler
	if m, ok := app.Metrics.(*metrics.Metrics); ok {
		metricsHandler = m.Handler()
	}

	h := server.NewHandlers(server.Dependencies{
		Coordinator:  app.Coordinator,
		Breakers:     app.Breakers,
		Authorizer:   app.Provider,
		States:       server.NewStateSigner(app.Config.StateSigningSecret, server.DefaultStateTTL),
		Metrics:      metricsHandler,
		HealthChecks: app.healthChecks,
		Events:       app.events,
		Client:       app.Client,
		CheckPath:    app.Config.ProviderCheckPath,
		Audit:        app.Audit,
		Logger:       app.Logger,
	})

	limiterConfig := ratelimit.DefaultConfig()
	limiterConfig.RequestsPerSecond = app.Config.AdminRateLimit
	limiterConfig.Burst = app.Config.AdminRateBurst

	router := server.NewRouter(h, server.RouteOptions{
		APIKey:  app.Config.AdminAPIKey,
		Limiter: ratelimit.NewLimiter(limiterConfig),
	})
	if app.Config.AdminAPIKey == "" {
		app.Logger.Warn("ADMIN_API_KEY is not set; /api routes are unauthenticated")
	}
	app.Logger.Debug("Routes registered", logging.Strings("routes", server.Routes(router)))
	return router
}

// RunServer creates the HTTP server for the application
func (app *App) RunServer() *server.Server {
	return server.New(app.Handler(), app.Config.Port, app.Config.TLSCertFile, app.Config.TLSKeyFile, app.Logger)
}

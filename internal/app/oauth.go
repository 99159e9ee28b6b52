package app

import (
	"token-keeper/internal/circuitbreaker"
	commonhttp "token-keeper/internal/common/http"
	"token-keeper/internal/common/logging"
	"token-keeper/internal/common/utils"
	"token-keeper/internal/locks"
	"token-keeper/internal/oauth2"
)

func (app *App) initializeOAuth() error {
	cfg := app.Config
	httpClient := commonhttp.NewHTTPClient()

	tokenBreaker := app.Breakers.GetOrCreate(circuitbreaker.TokenEndpoint, app.breakerConfig())
	apiBreaker := app.Breakers.GetOrCreate(circuitbreaker.ResourceAPI, app.breakerConfig())

	app.Provider = oauth2.NewProvider(oauth2.ProviderConfig{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURI:  cfg.RedirectURI,
		TokenURL:     cfg.TokenEndpoint(),
		AuthURL:      cfg.AuthEndpoint(),
		Scopes:       cfg.Scopes,
	}, httpClient, tokenBreaker, app.Logger)

	refresher := oauth2.NewRefresher(app.Provider,
		oauth2.WithRefreshAttempts(cfg.RefreshMaxAttempts),
		oauth2.WithRefreshAudit(app.Audit),
		oauth2.WithRefreshMetrics(app.Metrics),
		oauth2.WithRefreshLogger(app.Logger))

	coordinatorOpts := []oauth2.CoordinatorOption{
		oauth2.WithRefreshBuffer(cfg.RefreshBuffer),
		oauth2.WithRefreshWait(cfg.RefreshWaitTimeout),
		oauth2.WithCoordinatorAudit(app.Audit),
		oauth2.WithCoordinatorMetrics(app.Metrics),
		oauth2.WithCoordinatorLogger(app.Logger),
	}
	if cfg.DistributedLocks {
		locker, err := locks.NewRedsyncLocker(app.RedisClient)
		if err != nil {
			return err
		}
		coordinatorOpts = append(coordinatorOpts, oauth2.WithLocker(locker))
		app.Logger.Info("Distributed Locks: Enabled")
	}
	app.Coordinator = oauth2.NewCoordinator(app.Store, refresher, coordinatorOpts...)

	strategies := oauth2.DefaultStrategies(app.Coordinator, cfg.RequestMaxAttempts, cfg.RateLimitMaxWait, utils.Sleep, app.Audit, app.Logger)
	app.Dispatcher = oauth2.NewDispatcher(strategies, app.Audit, app.Metrics, app.Logger)

	app.Client = oauth2.NewClient(cfg.ProviderAPIBaseURL, app.Coordinator, app.Dispatcher,
		oauth2.WithHTTPClient(httpClient),
		oauth2.WithAPIBreaker(apiBreaker),
		oauth2.WithRateLimit(cfg.ProviderRateLimit, cfg.ProviderRateBurst),
		oauth2.WithRequestAttempts(cfg.RequestMaxAttempts),
		oauth2.WithClientAudit(app.Audit),
		oauth2.WithClientMetrics(app.Metrics),
		oauth2.WithClientLogger(app.Logger))

	app.Logger.Info("OAuth provider configured",
		logging.String("token_url", cfg.TokenEndpoint()),
		logging.String("api_base_url", cfg.ProviderAPIBaseURL),
		logging.Int("breaker_threshold", cfg.CircuitBreakerThreshold),
		logging.Duration("breaker_timeout", cfg.CircuitBreakerTimeout))
	return nil
}

package app

import (
	"context"
	"io"

	"token-keeper/internal/audit"
	"token-keeper/internal/circuitbreaker"
	"token-keeper/internal/common/logging"
	"token-keeper/internal/config"
	"token-keeper/internal/metrics"
	"token-keeper/internal/oauth2"
	"token-keeper/internal/redis"
	"token-keeper/internal/server"
)

// App holds all the application dependencies
type App struct {
	Config      *config.Config
	Store       oauth2.TokenStore
	RedisClient *redis.Client
	Breakers    *circuitbreaker.Registry
	Metrics     metrics.Recorder
	Audit       audit.Sink
	Provider    *oauth2.Provider
	Coordinator *oauth2.Coordinator
	Dispatcher  *oauth2.Dispatcher
	Client      *oauth2.Client
	Scheduler   *oauth2.Scheduler
	Logger      logging.Logger

	// storeCloser releases the database behind Store, if any.
	storeCloser  io.Closer
	auditWriter  audit.Writer
	asyncAudit   *audit.AsyncSink
	events       server.EventReader
	healthChecks map[string]server.HealthCheck
}

// New creates a new application instance with all dependencies
func New(cfg *config.Config) (*App, error) {
	app := &App{
		Config:       cfg,
		Logger:       logging.GetGlobalLogger().WithFields(logging.String("component", "app")),
		healthChecks: make(map[string]server.HealthCheck),
	}

	// Initialize components in order of dependency
	if err := app.initializeRedis(); err != nil {
		return nil, err
	}

	if err := app.initializeStorage(); err != nil {
		app.Cleanup()
		return nil, err
	}

	app.initializeMetrics()
	app.initializeAudit()
	app.initializeBreakers()

	if err := app.initializeOAuth(); err != nil {
		app.Cleanup()
		return nil, err
	}

	if err := app.initializeScheduler(); err != nil {
		app.Cleanup()
		return nil, err
	}

	return app, nil
}

func (app *App) initializeMetrics() {
	app.Metrics = metrics.Init(app.Config.MetricsEnabled)
	app.Logger.Info("Metrics", logging.Bool("enabled", app.Config.MetricsEnabled))
}

// initializeAudit mirrors every event to the log and, when a writer is
// available, persists it asynchronously.
func (app *App) initializeAudit() {
	sinks := []audit.Sink{audit.NewLogSink(app.Logger)}

	if app.auditWriter != nil {
		app.asyncAudit = audit.NewAsyncSink(app.auditWriter, app.Config.AuditBufferSize, app.Logger)
		sinks = append(sinks, app.asyncAudit)
	}
	if app.events == nil {
		// Keep recent events queryable through the admin API.
		memory := audit.NewMemorySink(app.Config.AuditBufferSize)
		app.events = memory
		sinks = append(sinks, memory)
	}

	app.Audit = audit.Multi(sinks...)
}

func (app *App) initializeBreakers() {
	app.Breakers = circuitbreaker.NewRegistry(app.Logger, func(name string, from, to circuitbreaker.State) {
		app.Metrics.RecordBreakerTransition(name, from.String(), to.String())
		app.Audit.LogEvent(context.Background(), audit.CategorySystem, "circuit_breaker_state_changed", map[string]interface{}{
			"breaker": name,
			"from":    from.String(),
			"to":      to.String(),
		})
	})
}

func (app *App) breakerConfig() circuitbreaker.Config {
	return circuitbreaker.Config{
		Threshold:    app.Config.CircuitBreakerThreshold,
		OpenDuration: app.Config.CircuitBreakerTimeout,
	}
}

func (app *App) initializeScheduler() error {
	if app.Config.ProactiveRefreshSchedule == "" {
		app.Logger.Info("Proactive refresh: Disabled")
		return nil
	}

	scheduler, err := oauth2.NewScheduler(app.Store, app.Coordinator,
		app.Config.ProactiveRefreshSchedule, app.Config.ProactiveRefreshLookahead, app.Audit, app.Logger)
	if err != nil {
		return err
	}
	app.Scheduler = scheduler
	app.Logger.Info("Proactive refresh: Enabled",
		logging.String("schedule", app.Config.ProactiveRefreshSchedule),
		logging.Duration("lookahead", app.Config.ProactiveRefreshLookahead))
	return nil
}

// Start begins background work.
func (app *App) Start() {
	if app.Scheduler != nil {
		app.Scheduler.Start()
	}
}

// Shutdown stops background work, letting a running sweep and queued audit events finish.
func (app *App) Shutdown(ctx context.Context) error {
	var firstErr error
	if app.Scheduler != nil {
		if err := app.Scheduler.Stop(ctx); err != nil {
			firstErr = err
		}
	}
	if app.asyncAudit != nil {
		if err := app.asyncAudit.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		if dropped := app.asyncAudit.Dropped(); dropped > 0 {
			app.Logger.Warn("Audit events dropped", logging.Any("count", dropped))
		}
	}
	return firstErr
}

// Cleanup releases all resources
func (app *App) Cleanup() {
	if app.storeCloser != nil {
		if err := app.storeCloser.Close(); err != nil {
			app.Logger.Warn("Failed to close storage", logging.Err(err))
		}
	}
	if app.RedisClient != nil {
		app.RedisClient.Close()
	}
}

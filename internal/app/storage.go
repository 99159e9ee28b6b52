package app

import (
	"context"
	"time"

	"token-keeper/internal/audit"
	"token-keeper/internal/common/errors"
	"token-keeper/internal/common/logging"
	"token-keeper/internal/config"
	"token-keeper/internal/crypto"
	"token-keeper/internal/oauth2"
	"token-keeper/internal/storage/postgres"
	"token-keeper/internal/storage/sqlite"
)

const connectTimeout = 30 * time.Second

func (app *App) initializeStorage() error {
	var store oauth2.TokenStore

	switch app.Config.StorageType {
	case config.StorageMemory:
		app.Logger.Warn("Storage: memory (tokens are lost on restart)")
		store = oauth2.NewMemoryTokenStore()

	case config.StorageRedis:
		app.Logger.Info("Storage: Redis", logging.String("address", app.Config.RedisAddress))
		store = oauth2.NewRedisTokenStore(app.RedisClient)
		app.auditWriter = audit.NewRedisPublisher(app.RedisClient, audit.DefaultChannel)

	case config.StoragePostgres:
		app.Logger.Info("Storage: PostgreSQL")
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()

		pg, err := postgres.Connect(ctx, &postgres.Config{DSN: app.Config.PostgresDSN})
		if err != nil {
			return err
		}
		store = pg
		app.storeCloser = pg
		app.auditWriter = pg
		app.events = pg
		app.healthChecks["database"] = pg.Health

	default:
		app.Logger.Info("Storage: SQLite", logging.String("path", app.Config.DatabasePath))
		sqliteConfig := sqlite.DefaultConfig()
		sqliteConfig.DatabasePath = app.Config.DatabasePath

		lite, err := sqlite.NewStore(sqliteConfig)
		if err != nil {
			return err
		}
		store = lite
		app.storeCloser = lite
		app.auditWriter = lite
		app.events = lite
		app.healthChecks["database"] = lite.Health
	}

	cipher, err := crypto.NewTokenCipher(app.Config.EncryptionKey, app.Config.PreviousEncryptionKeys...)
	if err != nil {
		return &errors.AppError{Type: errors.ErrTypeConfig, Message: "invalid token encryption key", Cause: err}
	}
	if len(app.Config.PreviousEncryptionKeys) > 0 {
		app.Logger.Info("Token encryption: key rotation active",
			logging.Int("previous_keys", len(app.Config.PreviousEncryptionKeys)))
	}

	app.Store = oauth2.NewEncryptedTokenStore(store, cipher)
	return nil
}

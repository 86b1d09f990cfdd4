package main

import (
	"context"
	"net/http"
	"time"

	"github.com/hxnx/calmstream/internal/auth"
	"github.com/hxnx/calmstream/internal/catalog"
	"github.com/hxnx/calmstream/internal/database"
	"github.com/hxnx/calmstream/internal/music"
	"github.com/hxnx/calmstream/internal/redis"
	"github.com/hxnx/calmstream/internal/storage"
)

const resolveCacheTTL = 30 * time.Minute

func connectStores() {
	if cfg.IsDatabaseEnabled() {
		db := cfg.GetDBConfig()
		err := database.Initialize(&database.Config{
			Host:     db.Host,
			Port:     db.Port,
			User:     db.User,
			Password: db.Password,
			DBName:   db.Name,
			SSLMode:  db.SSLMode,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("database initialization failed, catalog disabled")
		}
	}

	if rc := cfg.GetRedisConfig(); rc.Enabled {
		_, err := redis.Init(redis.Config{
			Host:     rc.Host,
			Port:     rc.Port,
			Password: rc.Password,
			DB:       rc.DB,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("redis initialization failed, using in-process cache")
		}
	}
}

func closeStores() {
	if err := database.Close(); err != nil {
		logger.Warn().Err(err).Msg("failed to close database")
	}
	if err := redis.Close(); err != nil {
		logger.Warn().Err(err).Msg("failed to close redis")
	}
}

func newTokenSource() *auth.TokenSource {
	if cfg.StreamSigningKey == "" {
		return nil
	}
	return auth.NewTokenSource([]byte(cfg.StreamSigningKey), cfg.StreamTokenTTL, logger)
}

func newLocator() (music.Locator, error) {
	if cfg.IsMinioEnabled() {
		return storage.NewMinioLocator(cfg.GetMinioConfig())
	}
	if cfg.StoragePublicBaseURL != "" {
		return storage.NewPublicLocator(cfg.StoragePublicBaseURL), nil
	}
	return nil, nil
}

func newResolver(tokens *auth.TokenSource) (*music.Resolver, error) {
	locator, err := newLocator()
	if err != nil {
		return nil, err
	}

	prober := music.NewHTTPProber(&http.Client{}, cfg.Tuning.ProbeTimeout)
	if tokens != nil {
		prober.WithAuthorizer(tokens.Authorize)
	}

	var cache music.ResolveCache = music.NewMemoryResolveCache()
	if client := redis.Client(); client != nil {
		cache = music.NewRedisResolveCache(client, resolveCacheTTL)
	}

	return music.NewResolver(music.ResolverOptions{
		Locator:         locator,
		Prober:          prober,
		Cache:           cache,
		GatewayURL:      cfg.StreamGatewayURL,
		IDBucket:        cfg.Tuning.IDBucket,
		FallbackBuckets: cfg.Tuning.FallbackBuckets,
		Routes:          cfg.Tuning.Routes,
		Logger:          logger,
	}), nil
}

func newLedger(ctx context.Context) *music.FailureLedger {
	ledger := music.NewFailureLedger(cfg.Tuning.FailureCeiling, cfg.Tuning.LedgerGCSize, logger)
	if redis.Client() == nil {
		return ledger
	}

	ledger.WithStore(music.NewRedisLedgerStoreFromDefault())
	if err := ledger.Restore(ctx); err != nil {
		logger.Warn().Err(err).Msg("failed to restore failure ledger")
	}
	return ledger
}

func newCatalog() *catalog.Postgres {
	if database.GetDB() == nil {
		return nil
	}
	return catalog.NewPostgresFromDefault()
}

package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/collabrelay/internal/apptype"
	"github.com/MarcoPoloResearchLab/collabrelay/internal/auth"
	"github.com/MarcoPoloResearchLab/collabrelay/internal/config"
	"github.com/MarcoPoloResearchLab/collabrelay/internal/database"
	"github.com/MarcoPoloResearchLab/collabrelay/internal/gateway"
	"github.com/MarcoPoloResearchLab/collabrelay/internal/hotcache"
	"github.com/MarcoPoloResearchLab/collabrelay/internal/metrics"
	"github.com/MarcoPoloResearchLab/collabrelay/internal/queue"
	"github.com/MarcoPoloResearchLab/collabrelay/internal/rooms"
	"github.com/MarcoPoloResearchLab/collabrelay/internal/storage"
	"github.com/MarcoPoloResearchLab/collabrelay/internal/worker"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const notifyTimeout = 2 * time.Second

// services holds what the gateway and the worker share in one process.
type services struct {
	router   *apptype.Router
	queue    *queue.Queue
	notifier *queue.Notifier
	sqlDB    *sql.DB
}

func buildServices(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (*services, error) {
	backend, sqlDB, err := openBackend(ctx, appConfig.Storage, logger)
	if err != nil {
		return nil, err
	}

	instanceID := "relay-" + uuid.NewString()
	provision := func(ctx context.Context, appType apptype.AppType, cfg apptype.Config) (*hotcache.Cache, storage.Store, error) {
		client, err := hotcache.Dial(appConfig.RedisURL, cfg.CacheDatabase)
		if err != nil {
			return nil, nil, err
		}
		cache, err := hotcache.New(hotcache.Config{
			Client:     client,
			Namespace:  string(appType),
			InstanceID: instanceID,
			Logger:     logger,
		})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		store, err := backend.Open(ctx, cfg.StoragePrefix)
		if err != nil {
			_ = cache.Destroy()
			return nil, nil, err
		}
		logger.Info("provisioned app type",
			zap.String("app_type", string(appType)),
			zap.String("description", cfg.Description),
			zap.Int("cache_database", cfg.CacheDatabase),
			zap.String("storage_prefix", cfg.StoragePrefix))
		return cache, store, nil
	}

	router, err := apptype.Provision(ctx, provision, logger)
	if err != nil {
		closeSQL(sqlDB)
		return nil, err
	}

	defaults, _ := router.Resolve(apptype.Default)
	if err := defaults.Cache.Ping(ctx); err != nil {
		logger.Warn("hot cache not reachable at startup", zap.Error(err))
	}
	workQueue, err := queue.New(queue.Config{Client: defaults.Cache.Client(), Logger: logger})
	if err != nil {
		_ = router.Destroy(ctx)
		closeSQL(sqlDB)
		return nil, err
	}
	notifier := queue.NewNotifier(workQueue, notifyTimeout, logger, func(queue.Event, error) {
		metrics.QueueAppendFailed()
	})

	return &services{router: router, queue: workQueue, notifier: notifier, sqlDB: sqlDB}, nil
}

func openBackend(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (storage.Backend, *sql.DB, error) {
	kind, err := storage.NormalizeBackend(cfg.Type)
	if err != nil {
		return storage.Backend{}, nil, err
	}
	backend := storage.Backend{Kind: kind, Logger: logger}
	switch kind {
	case storage.BackendS3:
		client, err := storage.NewS3Client(ctx, storage.S3ClientConfig{
			Endpoint:  cfg.S3.Endpoint,
			Region:    cfg.S3.Region,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			UseSSL:    cfg.S3.UseSSL,
			PathStyle: cfg.S3.PathStyle,
		})
		if err != nil {
			return storage.Backend{}, nil, fmt.Errorf("object storage client: %w", err)
		}
		backend.Objects = client
		backend.Bucket = cfg.S3.Bucket
		return backend, nil, nil
	case storage.BackendSQLite:
		db, err := database.OpenSQLite(cfg.SQLitePath, logger)
		if err != nil {
			return storage.Backend{}, nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return storage.Backend{}, nil, err
		}
		backend.Database = db
		return backend, sqlDB, nil
	default:
		logger.Warn("using in-memory durable storage; snapshots are lost on restart")
		return backend, nil, nil
	}
}

func buildGateway(appConfig config.AppConfig, deps *services, logger *zap.Logger) (*gateway.Gateway, error) {
	registry := rooms.NewRegistry(rooms.Config{
		Events:                 deps.notifier,
		ActivityNotifyInterval: appConfig.Gateway.ActivityNotifyInterval,
		Logger:                 logger,
	})

	var validator gateway.SessionValidator
	if appConfig.Auth.SigningSecret != "" {
		sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
			SigningSecret: []byte(appConfig.Auth.SigningSecret),
			Issuer:        appConfig.Auth.Issuer,
			CookieName:    appConfig.Auth.CookieName,
		})
		if err != nil {
			return nil, err
		}
		validator = sessionValidator
	}

	return gateway.New(gateway.Dependencies{
		Router:              deps.router,
		Registry:            registry,
		Validator:           validator,
		SyncRequestMaxBytes: appConfig.Gateway.SyncRequestMaxBytes,
		AllowedOrigins:      appConfig.Gateway.AllowedOrigins,
		Logger:              logger,
	})
}

func buildWorker(appConfig config.AppConfig, deps *services, logger *zap.Logger) (*worker.Worker, error) {
	var callback worker.Callback
	if appConfig.Callback.Enabled {
		if appConfig.Callback.URL != "" {
			callback = worker.NewHTTPCallback(appConfig.Callback.URL, nil)
		} else {
			callback = worker.NewLogCallback(logger)
		}
	}

	workerConfig := appConfig.Worker
	return worker.New(worker.Config{
		Router:              deps.router,
		Queue:               deps.queue,
		ID:                  workerConfig.ID,
		PersistInterval:     workerConfig.PersistInterval,
		CleanupInterval:     workerConfig.CleanupInterval,
		InactiveThreshold:   workerConfig.InactiveThreshold,
		BatchSize:           workerConfig.BatchSize,
		SettleDelay:         workerConfig.SettleDelay,
		QueueBlock:          workerConfig.QueueBlock,
		ActiveWindow:        workerConfig.ActiveWindow,
		ActiveScan:          workerConfig.ActiveScan,
		CompactSnapshots:    workerConfig.CompactSnapshots,
		DrainTimeout:        workerConfig.DrainTimeout,
		MaintenanceInterval: appConfig.Stream.CleanupInterval,
		Maintenance: queue.MaintenanceOptions{
			MaxLength:    appConfig.Stream.MaxLength,
			MaxAge:       appConfig.Stream.MaxAge,
			PendingGrace: appConfig.Stream.PendingGrace,
		},
		Callback:         callback,
		CallbackInterval: appConfig.Callback.Interval,
		Logger:           logger,
	})
}

func (s *services) close(logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.router.Destroy(ctx); err != nil {
		logger.Warn("failed to release app type instances", zap.Error(err))
	}
	closeSQL(s.sqlDB)
}

func closeSQL(sqlDB *sql.DB) {
	if sqlDB != nil {
		_ = sqlDB.Close()
	}
}

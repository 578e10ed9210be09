package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/tutorsync/internal/blobstore"
	"github.com/MarcoPoloResearchLab/tutorsync/internal/client"
	"github.com/MarcoPoloResearchLab/tutorsync/internal/config"
	"github.com/MarcoPoloResearchLab/tutorsync/internal/connectivity"
	"github.com/MarcoPoloResearchLab/tutorsync/internal/database"
	"github.com/MarcoPoloResearchLab/tutorsync/internal/docstore"
	"github.com/MarcoPoloResearchLab/tutorsync/internal/kvstore"
	"github.com/MarcoPoloResearchLab/tutorsync/internal/ledger"
	"github.com/MarcoPoloResearchLab/tutorsync/internal/logging"
	"github.com/MarcoPoloResearchLab/tutorsync/internal/materials"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const blobHTTPTimeout = 60 * time.Second

// localState is the device-local storage: the SQLite file and the key-value backend on top of it.
type localState struct {
	db      *gorm.DB
	kv      kvstore.Store
	closers []func() error
}

func openLocalState(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (*localState, error) {
	db, err := database.OpenSQLite(appConfig.DatabasePath, logging.Component(logger, "database"))
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	kv, closeKV := kvstore.Open(ctx, kvstore.Config{
		Driver:      appConfig.StorageDriver,
		Database:    db,
		RedisURL:    appConfig.StorageRedis,
		RedisPrefix: appConfig.RedisPrefix,
		Logger:      logging.Component(logger, "kvstore"),
	})
	return &localState{db: db, kv: kv, closers: []func() error{closeKV, sqlDB.Close}}, nil
}

func (s *localState) Close() {
	for _, closeFn := range s.closers {
		_ = closeFn()
	}
}

// daemon owns every long-lived component of the running service.
type daemon struct {
	local     *localState
	monitor   *connectivity.Monitor
	materials *materials.Cache
	registry  *client.Registry
	scheduler *client.Scheduler
	ledger    *ledger.Service
	cancel    context.CancelFunc
	closers   []func()
}

func openDaemon(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (result *daemon, err error) {
	runCtx, cancel := context.WithCancel(ctx)
	d := &daemon{cancel: cancel}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	d.local, err = openLocalState(runCtx, appConfig, logger)
	if err != nil {
		return nil, err
	}

	documents, err := openDocuments(runCtx, appConfig, d, logger)
	if err != nil {
		return nil, err
	}
	d.ledger, err = ledger.NewService(ledger.ServiceConfig{Store: documents, Logger: logging.Component(logger, "ledger")})
	if err != nil {
		return nil, err
	}

	d.monitor = connectivity.NewMonitor(connectivity.MonitorConfig{
		Probe: connectivity.CompositeProbe{
			Link:         connectivity.LinkProbe{},
			Reachability: connectivity.ReachabilityProbe{URL: appConfig.ProbeURL},
		},
		PollInterval: appConfig.PollInterval,
		ProbeTimeout: appConfig.ProbeTimeout,
		SettleDelay:  appConfig.SettleDelay,
		Logger:       logging.Component(logger, "connectivity"),
	})
	go func() {
		_ = d.monitor.Run(runCtx)
	}()

	httpClient := &http.Client{Timeout: blobHTTPTimeout}
	blobs, err := blobstore.New(blobstore.Config{
		Driver:     appConfig.BlobDriver,
		Dir:        appConfig.BlobDir,
		BaseURL:    appConfig.BlobBaseURL,
		HTTPClient: httpClient,
		Logger:     logging.Component(logger, "blobstore"),
	})
	if err != nil {
		return nil, err
	}
	d.materials, err = materials.NewCache(materials.CacheConfig{
		KV:           d.local.kv,
		Blobs:        blobs,
		HTTPClient:   httpClient,
		Dir:          appConfig.MaterialsDir,
		Connectivity: d.monitor,
		Logger:       logging.Component(logger, "materials"),
	})
	if err != nil {
		return nil, err
	}

	forwarder, err := client.NewForwarder(appConfig.ForwardURL, appConfig.ForwardActions, nil)
	if err != nil {
		return nil, err
	}
	d.registry, err = client.NewRegistry(client.RegistryConfig{
		KV:           d.local.kv,
		Connectivity: d.monitor,
		Materials:    d.materials,
		Binders:      []client.HandlerBinder{forwarder.Binder()},
		DrainOnStart: appConfig.DrainOnStart,
		Logger:       logging.Component(logger, "sync"),
	})
	if err != nil {
		return nil, err
	}

	d.scheduler = client.NewScheduler(appConfig.DrainSchedule, d.registry, logging.Component(logger, "scheduler"))
	if err := d.scheduler.Start(); err != nil {
		return nil, fmt.Errorf("invalid sync.drain_schedule: %w", err)
	}
	return d, nil
}

func openDocuments(ctx context.Context, appConfig config.AppConfig, d *daemon, logger *zap.Logger) (docstore.Store, error) {
	documentLogger := logging.Component(logger, "docstore")
	switch appConfig.DatabaseDriver {
	case config.DatabaseDriverPostgres:
		pool, err := docstore.OpenPostgres(ctx, appConfig.DatabaseURL)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, pool.Close)
		store := docstore.NewPgxStore(pool, documentLogger)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		go func() {
			if err := store.Listen(ctx); err != nil && !errors.Is(err, context.Canceled) {
				documentLogger.Warn("document listener stopped", zap.Error(err))
			}
		}()
		return store, nil
	default:
		return docstore.NewGormStore(docstore.GormStoreConfig{Database: d.local.db, Logger: documentLogger})
	}
}

// Close stops background work before releasing storage.
func (d *daemon) Close() {
	if d.scheduler != nil {
		d.scheduler.Stop()
	}
	if d.registry != nil {
		d.registry.Close()
	}
	d.cancel()
	for index := len(d.closers) - 1; index >= 0; index-- {
		d.closers[index]()
	}
	if d.local != nil {
		d.local.Close()
	}
}

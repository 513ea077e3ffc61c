// Package agent assembles the offline-first components into one running process.
package agent

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/JEFF-PRO-017/school-management-sub000/internal/cache"
	"github.com/JEFF-PRO-017/school-management-sub000/internal/config"
	"github.com/JEFF-PRO-017/school-management-sub000/internal/connectivity"
	"github.com/JEFF-PRO-017/school-management-sub000/internal/device"
	"github.com/JEFF-PRO-017/school-management-sub000/internal/executor"
	"github.com/JEFF-PRO-017/school-management-sub000/internal/localstate"
	"github.com/JEFF-PRO-017/school-management-sub000/internal/queue"
	"github.com/JEFF-PRO-017/school-management-sub000/internal/remote"
	"github.com/JEFF-PRO-017/school-management-sub000/internal/server"
	"github.com/JEFF-PRO-017/school-management-sub000/internal/status"
	"github.com/JEFF-PRO-017/school-management-sub000/internal/synchronizer"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const syncRefreshTimeout = 30 * time.Second

var errMissingDatabase = errors.New("agent: database handle is required")

// Config describes what the agent is built from. Remote replaces the HTTP client when set.
type Config struct {
	App      config.AppConfig
	Database *gorm.DB
	Remote   remote.Client
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Agent owns every long-lived component of the offline agent.
type Agent struct {
	Device       *device.Service
	LocalState   *localstate.Store
	Store        *queue.GormStore
	Cache        *cache.Cache
	Remote       remote.Client
	Refresher    *cache.Refresher
	Executor     *executor.Executor
	Synchronizer *synchronizer.Synchronizer
	Monitor      *connectivity.Monitor
	Tracker      *status.Tracker
	Dispatcher   *status.Dispatcher

	entities []string
	logger   *zap.Logger
}

// New resolves the device identity, restores the cache and status from local state, and wires
// the executor, synchronizer and connectivity monitor around the durable queue. Background work
// started later is bound to ctx.
func New(ctx context.Context, cfg Config) (*Agent, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	app := cfg.App

	local, err := localstate.New(cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	deviceService, err := device.NewService(device.ServiceConfig{Database: cfg.Database, Clock: clock})
	if err != nil {
		return nil, err
	}
	identity, err := deviceService.Resolve(ctx, app.DeviceLabel)
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("device_id", identity.DeviceID))

	store, err := queue.NewGormStore(queue.GormStoreConfig{
		Database:   cfg.Database,
		Clock:      clock,
		IDProvider: queue.NewUUIDProvider(),
		Origin:     deviceService.Origin,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	localCache := cache.New(cache.Config{Persister: local, Logger: logger})
	if err := localCache.Load(ctx); err != nil {
		return nil, err
	}

	client := cfg.Remote
	if client == nil {
		httpClient, err := remote.NewHTTPClient(remote.HTTPClientConfig{
			BaseURL: app.RemoteBaseURL,
			Timeout: app.RemoteTimeout,
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
		client = httpClient
	}

	refresher, err := cache.NewRefresher(localCache, client, logger)
	if err != nil {
		return nil, err
	}

	dispatcher := status.NewDispatcher()
	tracker := status.NewTracker(status.TrackerConfig{
		State:      local,
		Dispatcher: dispatcher,
		Clock:      clock,
		Logger:     logger,
	})
	if err := tracker.Load(ctx); err != nil {
		return nil, err
	}

	mutationExecutor, err := executor.New(executor.Config{
		Cache:        localCache,
		Store:        store,
		Remote:       client,
		Refresher:    refresher,
		RefreshDelay: app.RefreshDelay,
		BaseContext:  ctx,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	a := &Agent{
		Device:     deviceService,
		LocalState: local,
		Store:      store,
		Cache:      localCache,
		Remote:     client,
		Refresher:  refresher,
		Executor:   mutationExecutor,
		Tracker:    tracker,
		Dispatcher: dispatcher,
		entities:   append([]string(nil), app.Entities...),
		logger:     logger,
	}

	a.Synchronizer, err = synchronizer.New(synchronizer.Config{
		Store:           store,
		Remote:          client,
		MaxRetries:      app.MaxRetries,
		AbandonRejected: app.AbandonRejected,
		InFlight:        mutationExecutor,
		Publisher:       tracker,
		Activity:        tracker,
		OnComplete:      a.refreshSynced,
		Clock:           clock,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	a.Monitor, err = connectivity.New(connectivity.Config{
		Prober: client,
		Sync: func(syncCtx context.Context) error {
			_, err := a.Sync(syncCtx)
			return err
		},
		Pending:         store,
		Sink:            tracker,
		SettleDelay:     app.SettleDelay,
		ProbeInterval:   app.ProbeInterval,
		PendingInterval: app.PendingInterval,
		BaseContext:     ctx,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	return a, nil
}

// Entities returns the configured collections.
func (a *Agent) Entities() []string {
	return append([]string(nil), a.entities...)
}

// Sync runs one pass. The tracker's syncing flag follows the pass itself.
func (a *Agent) Sync(ctx context.Context) (synchronizer.Result, error) {
	return a.Synchronizer.Sync(ctx)
}

// RefreshAll pulls every configured collection from the remote API into the cache.
func (a *Agent) RefreshAll(ctx context.Context) error {
	return a.Refresher.RefreshAll(ctx, a.entities)
}

// Run drives the connectivity monitor until ctx ends.
func (a *Agent) Run(ctx context.Context) error {
	return a.Monitor.Run(ctx)
}

// Handler builds the local HTTP surface.
func (a *Agent) Handler() (http.Handler, error) {
	return server.NewHTTPHandler(server.Dependencies{
		Executor:     a.Executor,
		Cache:        a.Cache,
		Queue:        a.Store,
		Synchronizer: a,
		Status:       a.Tracker,
		Stream:       a.Dispatcher,
		Entities:     a.entities,
		Logger:       a.logger,
	})
}

func (a *Agent) refreshSynced(ctx context.Context, result synchronizer.Result) {
	entities := result.Entities()
	if len(entities) == 0 {
		return
	}
	refreshCtx, cancel := context.WithTimeout(ctx, syncRefreshTimeout)
	defer cancel()
	if err := a.Refresher.RefreshAll(refreshCtx, entities); err != nil {
		a.logger.Warn("post-sync refresh failed", zap.Strings("entities", entities), zap.Error(err))
	}
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/montserZalloum/memora/internal/archive"
	"github.com/montserZalloum/memora/internal/cache"
	"github.com/montserZalloum/memora/internal/config"
	"github.com/montserZalloum/memora/internal/engine"
	"github.com/montserZalloum/memora/internal/notify"
	"github.com/montserZalloum/memora/internal/persist"
	"github.com/montserZalloum/memora/internal/queue"
	"github.com/montserZalloum/memora/internal/reconcile"
	"github.com/montserZalloum/memora/internal/safemode"
	"github.com/montserZalloum/memora/internal/storage"
	"github.com/montserZalloum/memora/internal/storage/postgres"
	"github.com/montserZalloum/memora/internal/storage/sqlite"
)

// app holds every component built from one Config.
type app struct {
	cfg *config.Config
	log *zap.Logger

	store    storage.Store
	redis    *redis.Client
	cache    *cache.ScheduleCache
	broker   queue.Broker
	alerts   *notify.Recorder
	notifier notify.Notifier
	persist  *persist.Pipeline
	safe     *safemode.Manager
	recon    *reconcile.Service
	seasons  *archive.Manager
	engine   *engine.Engine

	closers []func() error
}

func openStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Engine {
	case "postgres":
		return postgres.New(ctx, cfg.DSN)
	case "sqlite":
		return sqlite.New(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown storage engine %q", cfg.Engine)
	}
}

// openRedis connects to Redis. An unreachable server is not fatal: the
// client is returned anyway and reconnects on its own, while the engine
// serves reads in safe mode.
func openRedis(ctx context.Context, addr, password string, db int, log *zap.Logger) *redis.Client {
	client, err := cache.Open(ctx, addr, password, db)
	if err == nil {
		return client
	}
	log.Warn("redis unreachable at startup", zap.String("addr", addr), zap.Error(err))
	return redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
}

// newApp wires the components. alerts, when non-nil, receives every alert
// in-process in addition to the log and the alert directory.
func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger, alerts *notify.Recorder) (_ *app, err error) {
	a := &app{cfg: cfg, log: log, alerts: alerts}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.store, err = openStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.store.Close)

	a.redis = openRedis(ctx, cfg.Cache.Addr, cfg.Cache.Password, cfg.Cache.DB, log)
	a.closers = append(a.closers, a.redis.Close)
	a.cache = cache.New(a.redis, a.store, cache.Config{
		KeyPrefix:  cfg.Cache.KeyPrefix,
		DefaultTTL: cfg.Cache.DefaultTTL,
		OpTimeout:  cfg.Cache.OpTimeout,
		ScanCount:  cfg.Archive.PurgeScanPageSize,
	}, log)

	switch cfg.Queue.Backend {
	case "memory":
		a.broker = queue.NewMemoryQueue()
	default:
		client := a.redis
		if cfg.QueueAddr() != cfg.Cache.Addr || cfg.Queue.DB != cfg.Cache.DB {
			client = openRedis(ctx, cfg.QueueAddr(), cfg.Queue.Password, cfg.Queue.DB, log)
			a.closers = append(a.closers, client.Close)
		}
		a.broker = queue.NewRedisQueue(client, cfg.Queue.KeyPrefix, cfg.Queue.JobTimeout+time.Minute)
	}
	a.closers = append(a.closers, a.broker.Close)

	notifiers := notify.Multi{notify.NewLogNotifier(log), notify.NewFileNotifier(cfg.Alerts.Dir)}
	if alerts != nil {
		notifiers = append(notifiers, alerts)
	}
	a.notifier = notifiers

	a.persist = persist.New(a.store, a.broker, a.notifier, persist.Config{
		MaxAttempts:  cfg.Persistence.MaxAttempts,
		BackoffBase:  cfg.Persistence.BackoffBase,
		BackoffMax:   cfg.Persistence.BackoffMax,
		Window:       cfg.Persistence.IdempotencyWindow,
		PreferAtomic: cfg.Persistence.AtomicUpsert,
	}, log)

	a.safe = safemode.NewManager(
		safemode.NewDetector(a.cache, safemode.DetectorConfig{
			ProbeTimeout: cfg.SafeMode.ProbeTimeout,
			MaxFailures:  cfg.SafeMode.BreakerFailures,
			Cooldown:     cfg.SafeMode.BreakerCooldown,
			HealthyFor:   time.Second,
		}, log),
		a.newGate(ctx),
		a.store, log)

	a.recon = reconcile.New(a.store, a.cache, a.notifier, reconcile.Config{
		SampleSize:     cfg.Reconcile.SampleSize,
		Tolerance:      cfg.Reconcile.Tolerance,
		AlertThreshold: cfg.Reconcile.AlertThreshold,
		CorrectionRate: cfg.Reconcile.CorrectionRate,
		Interval:       cfg.Reconcile.Interval,
	}, log)

	a.seasons = archive.New(a.store, a.cache, a.broker, a.notifier, archive.Config{
		AutoArchiveEvery: cfg.Archive.AutoArchiveEvery,
		RetentionEvery:   cfg.Archive.RetentionEvery,
		RetentionPeriod:  cfg.Archive.RetentionPeriod,
	}, log)

	engineCfg := engine.DefaultConfig()
	engineCfg.CacheTTL = cfg.Cache.DefaultTTL
	if cfg.SafeMode.FallbackLimit > 0 {
		engineCfg.DefaultLimit = cfg.SafeMode.FallbackLimit
	}
	a.engine, err = engine.New(engine.Deps{
		Cache:      a.cache,
		SafeMode:   a.safe,
		Persister:  a.persist,
		Store:      a.store,
		Queue:      a.broker,
		Reconciler: a.recon,
	}, engineCfg, log)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// newGate builds the safe-mode admission gate. The shared Redis gate falls
// back to in-process limits while the limiter itself is unreachable.
func (a *app) newGate(ctx context.Context) safemode.Gate {
	limits := safemode.Limits{
		GlobalLimit:  a.cfg.SafeMode.GlobalLimit,
		GlobalWindow: a.cfg.SafeMode.GlobalWindow,
		UserInterval: a.cfg.SafeMode.UserInterval,
	}
	memory := safemode.NewMemoryGate(limits)
	if a.cfg.SafeMode.LimiterBackend != "redis" {
		return memory
	}

	client := a.redis
	if addr := a.cfg.SafeMode.LimiterAddr; addr != "" && addr != a.cfg.Cache.Addr {
		client = openRedis(ctx, addr, a.cfg.Cache.Password, 0, a.log)
		a.closers = append(a.closers, client.Close)
	}
	shared := safemode.NewRedisGate(client, a.cfg.Queue.KeyPrefix, limits)
	return safemode.NewFallbackGate(shared, memory, a.log)
}

// runners returns the persistence and maintenance worker pools.
func (a *app) runners() []*queue.Runner {
	rc := queue.RunnerConfig{
		Workers:      a.cfg.Queue.Workers,
		JobTimeout:   a.cfg.Queue.JobTimeout,
		PollInterval: a.cfg.Queue.PollInterval,
	}

	rc.Queue = queue.QueuePersistence
	persistence := queue.NewRunner(a.broker, rc, a.log)
	persistence.Register(persist.JobType, a.persist.Handle)

	rc.Queue = queue.QueueMaintenance
	rc.Workers = 1
	maintenance := queue.NewRunner(a.broker, rc, a.log)
	maintenance.Register(archive.PartitionJobType, a.seasons.HandlePartitionJob)

	return []*queue.Runner{persistence, maintenance}
}

// Close releases connections in reverse order of creation.
func (a *app) Close() error {
	var errList []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errList = append(errList, err)
		}
	}
	a.closers = nil
	return errors.Join(errList...)
}

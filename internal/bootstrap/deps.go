package bootstrap

import (
	"fmt"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"history_server/adapter/in/worker"
	"history_server/adapter/out/connectivity"
	"history_server/adapter/out/kv"
	"history_server/adapter/out/persistence"
	"history_server/adapter/out/supabase"
	"history_server/config"
	"history_server/core/port/out"
	"history_server/core/service/common"
	"history_server/core/service/history"
	"history_server/core/service/migration"
	"history_server/core/service/offline"
	"history_server/infra/database"
	"history_server/pkg/clock"
	"history_server/pkg/logger"
)

// Dependencies wires the cache tiers, offline queue, and migration engine.
type Dependencies struct {
	Config *config.Config
	SQLDB  *sqlx.DB
	Redis  *redis.Client

	Clock        out.Clock
	KV           out.KeyValueStore
	RemoteStore  out.HistoryStore
	Connectivity *connectivity.Probe

	MemoryCache     *common.MemoryCache
	PersistentCache *history.PersistentCache
	CacheManager    *history.CacheManager
	SyncManager     *offline.SyncManager
	MigrationEngine *migration.Engine
	Janitor         *worker.CacheJanitor
}

func NewDependencies(cfg *config.Config) (*Dependencies, func(), error) {
	deps := &Dependencies{
		Config: cfg,
		Clock:  clock.System{},
	}
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	// KV store: Redis when configured, in-process otherwise.
	if cfg.RedisURL != "" {
		redisClient, err := database.NewRedis(cfg.RedisURL)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("redis: %w", err)
		}
		deps.Redis = redisClient
		deps.KV = kv.NewRedisStore(redisClient, 0)
		cleanups = append(cleanups, func() { redisClient.Close() })
		logger.Info("KV store: redis")
	} else {
		deps.KV = kv.NewMemoryStore()
		logger.Warn("REDIS_URL not set, using in-process KV store (no durability across restarts)")
	}

	// Remote history store.
	switch cfg.RemoteStore {
	case "postgres":
		db, err := database.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		deps.SQLDB = db
		deps.RemoteStore = persistence.NewHistoryRepository(db)
		cleanups = append(cleanups, func() { db.Close() })
		logger.Info("Remote store: postgres")

	case "supabase":
		deps.RemoteStore = supabase.NewHistoryClient(&supabase.Config{
			ProjectURL: cfg.SupabaseURL,
			AnonKey:    cfg.SupabaseAnonKey,
			Timeout:    time.Duration(cfg.SupabaseTimeoutSec) * time.Second,
		}, supabase.StaticTokenProvider(cfg.SupabaseServiceRoleKey), logger.Default())
		logger.Info("Remote store: supabase (%s)", cfg.SupabaseURL)

	default:
		cleanup()
		return nil, nil, fmt.Errorf("unknown remote store backend: %s", cfg.RemoteStore)
	}

	// Connectivity probe against the remote store.
	deps.Connectivity = connectivity.NewProbe(
		deps.RemoteStore,
		deps.Clock,
		time.Duration(cfg.ConnectivityProbSec)*time.Second,
		logger.Default(),
	)

	// Cache tiers.
	deps.MemoryCache = common.NewMemoryCache(cfg.CacheMemoryCapacity, deps.Clock)

	var cacheCodec common.Codec = common.NoopCodec{}
	if cfg.CacheCompressEnabled {
		cacheCodec = common.GzipCodec{}
	}
	deps.PersistentCache = history.NewPersistentCache(deps.KV, deps.Clock, &history.PersistentCacheConfig{
		TTL:               time.Duration(cfg.CacheTTLHour) * time.Hour,
		Codec:             cacheCodec,
		CompressThreshold: cfg.CacheCompressMinBytes,
	}, logger.Default())

	deps.CacheManager = history.NewCacheManager(
		deps.MemoryCache,
		deps.PersistentCache,
		deps.RemoteStore,
		logger.Default(),
	)

	// Offline queue.
	deps.SyncManager = offline.NewSyncManager(
		deps.CacheManager,
		deps.RemoteStore,
		deps.KV,
		deps.Clock,
		deps.Connectivity,
		&offline.SyncConfig{
			MaxRetries:    cfg.SyncMaxRetries,
			SyncInterval:  cfg.SyncInterval(),
			BatchSize:     cfg.SyncBatchSize,
			DebounceDelay: time.Duration(cfg.SyncDebounceSec) * time.Second,
			PruneAge:      time.Duration(cfg.SyncPruneAgeDays) * 24 * time.Hour,
		},
		logger.Default(),
	)

	// Migration engine.
	deps.MigrationEngine = migration.NewEngine(
		deps.PersistentCache,
		deps.RemoteStore,
		deps.KV,
		deps.Clock,
		logger.Default(),
	)

	// Janitor.
	if cfg.JanitorEnabled {
		zlog := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
		deps.Janitor = worker.NewCacheJanitor(deps.MemoryCache, zlog)
	}

	return deps, cleanup, nil
}

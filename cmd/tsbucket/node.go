package main

import (
	"context"
	"fmt"
	"os"

	"github.com/devrev/pairdb/tsbucket/internal/catalog"
	"github.com/devrev/pairdb/tsbucket/internal/collection"
	"github.com/devrev/pairdb/tsbucket/internal/config"
	"github.com/devrev/pairdb/tsbucket/internal/errors"
	"github.com/devrev/pairdb/tsbucket/internal/health"
	"github.com/devrev/pairdb/tsbucket/internal/metrics"
	"github.com/devrev/pairdb/tsbucket/internal/service"
	"github.com/devrev/pairdb/tsbucket/internal/store"
	"github.com/devrev/pairdb/tsbucket/internal/store/diskmanager"
	"github.com/devrev/pairdb/tsbucket/internal/util/workerpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// node holds every component of a running tsbucket process
type node struct {
	cfg    *config.Config
	logger *zap.Logger

	registry    *prometheus.Registry
	metrics     *metrics.Metrics
	collections *collection.Catalog
	buckets     *catalog.Catalog
	disk        *diskmanager.DiskManager
	store       *store.BucketStore
	pool        *workerpool.WorkerPool
	idempotency service.IdempotencyStore
	service     *service.WriteService
	health      *health.HealthCheck
}

// openNode wires the components in dependency order. collStore may be nil
// to keep collection definitions in memory only.
func openNode(ctx context.Context, cfg *config.Config, collStore collection.Store, logger *zap.Logger) (n *node, err error) {
	n = &node{cfg: cfg, logger: logger, health: health.NewHealthCheck(logger)}
	defer func() {
		if err != nil {
			n.close()
		}
	}()

	if cfg.Metrics.Enabled {
		n.registry = prometheus.NewRegistry()
		n.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		n.metrics = metrics.NewMetrics(n.registry, cfg.Server.NodeID)
	}

	n.collections = collection.NewCatalog(collStore, logger)
	if err := n.collections.Load(ctx); err != nil {
		return n, err
	}
	n.buckets = catalog.New(n.collections, n.metrics, logger)

	if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
		return n, fmt.Errorf("failed to create data directory: %w", err)
	}
	n.disk, err = diskmanager.New(&diskmanager.Config{
		DataDir:                 cfg.Storage.DataDir,
		CheckInterval:           cfg.Disk.CheckInterval,
		WarningThreshold:        cfg.Disk.WarningThreshold,
		ThrottleThreshold:       cfg.Disk.ThrottleThreshold,
		CircuitBreakerThreshold: cfg.Disk.CircuitBreakerThreshold,
	}, logger)
	if err != nil {
		return n, fmt.Errorf("failed to initialize disk manager: %w", err)
	}
	n.health.Register("disk", func(context.Context) error {
		if u := n.disk.Usage(); u.IsCircuitBroken {
			return errors.DiskFull(u.UsagePercent, u.AvailableBytes)
		}
		return nil
	})

	n.store, err = store.Open(ctx, &store.Config{
		DataDir:     cfg.Storage.DataDir,
		SegmentSize: cfg.Storage.SegmentSize,
		SyncWrites:  cfg.Storage.SyncWrites,
	}, n.disk, n.metrics, logger)
	if err != nil {
		return n, fmt.Errorf("failed to open bucket store: %w", err)
	}

	n.pool = workerpool.NewWorkerPool(&workerpool.Config{
		Name:       "commit",
		MaxWorkers: cfg.Commit.Workers,
		QueueSize:  cfg.Commit.QueueSize,
		Logger:     logger,
	})

	switch cfg.Idempotency.Store {
	case "memory":
		n.idempotency = service.NewMemoryIdempotencyStore()
	case "redis":
		r := cfg.Idempotency.Redis
		redisStore, err := service.NewRedisIdempotencyStore(r.Host, r.Port, r.Password, r.DB, logger)
		if err != nil {
			return n, fmt.Errorf("failed to connect to redis: %w", err)
		}
		n.idempotency = redisStore
		n.health.Register("redis", redisStore.Ping)
	}

	n.service = service.NewWriteService(n.collections, n.buckets, n.store, n.pool, n.idempotency, n.metrics,
		service.Config{
			MaxRetries:     cfg.Commit.MaxRetries,
			CommitTimeout:  cfg.Commit.Timeout,
			IdempotencyTTL: cfg.Idempotency.TTL,
		}, logger)

	return n, nil
}

// openCollectionStore returns the configured collection store
func openCollectionStore(ctx context.Context, cfg config.CollectionsConfig, logger *zap.Logger) (collection.Store, error) {
	switch cfg.Store {
	case "postgres":
		pg := cfg.Postgres
		return collection.NewPostgresStore(ctx, collection.PostgresConfig{
			Host:     pg.Host,
			Port:     pg.Port,
			Database: pg.Database,
			User:     pg.User,
			Password: pg.Password,
			MaxConns: pg.MaxConns,
			MinConns: pg.MinConns,
		}, logger)
	default:
		return collection.NewFileStore(cfg.File, logger)
	}
}

// close stops components in reverse order; queued commits finish first
func (n *node) close() {
	if n.pool != nil {
		if err := n.pool.Stop(n.cfg.Commit.Timeout); err != nil {
			n.logger.Warn("Commit pool did not drain", zap.Error(err))
		}
	}
	if n.idempotency != nil {
		if err := n.idempotency.Close(); err != nil {
			n.logger.Warn("Failed to close idempotency store", zap.Error(err))
		}
	}
	if n.store != nil {
		if err := n.store.Close(); err != nil {
			n.logger.Warn("Failed to close bucket store", zap.Error(err))
		}
	}
	if n.collections != nil {
		if err := n.collections.Close(); err != nil {
			n.logger.Warn("Failed to close collection store", zap.Error(err))
		}
	}
}

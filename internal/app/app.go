// Package app wires the harvester from configuration. Both binaries build
// their components here.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"oaiharvest/internal/config"
	"oaiharvest/internal/content"
	"oaiharvest/internal/harvest"
	"oaiharvest/internal/ingest"
	"oaiharvest/internal/platform/blobstore"
	"oaiharvest/internal/platform/oai"
	"oaiharvest/internal/platform/tracing"
)

type App struct {
	Config    *config.Config
	Logger    *zap.Logger
	Pool      *pgxpool.Pool
	Content   content.Store
	Statuses  harvest.StatusStore
	Client    *oai.Client
	Service   *harvest.Service
	Admin     *harvest.Admin
	Scheduler *harvest.Scheduler

	shutdownTracing func(context.Context) error
}

// New connects the stores and builds the harvest components. With a
// memory:// DSN nothing outside the process is touched.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	shutdown, err := tracing.Init(tracing.Config{
		Exporter:    cfg.OTEL.Exporter,
		ServiceName: cfg.OTEL.ServiceName,
		SampleRatio: cfg.OTEL.SampleRatio,
	})
	if err != nil {
		return nil, err
	}
	a.shutdownTracing = shutdown

	if cfg.InMemory() {
		a.Content = content.NewMemoryStore()
		a.Statuses = harvest.NewMemoryRepo()
		logger.Warn("using in-memory stores; nothing is persisted")
	} else {
		pool, err := openPool(ctx, cfg.DB.DSN)
		if err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("database %s: %w", cfg.RedactedDSN(), err)
		}
		a.Pool = pool
		a.Content = content.NewPostgresStore(pool)
		a.Statuses = harvest.NewPostgresRepo(pool)
	}

	granularity, err := oai.ParseGranularity(cfg.OAI.Granularity)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.Client = oai.NewClient(oai.Config{
		UserAgent:         cfg.OAI.UserAgent,
		ConnectTimeout:    cfg.OAI.ConnectTimeout,
		ReadTimeout:       cfg.OAI.ReadTimeout,
		RequestTimeout:    cfg.OAI.RequestTimeout,
		DownloadTimeout:   cfg.OAI.DownloadTimeout,
		RequestsPerSecond: cfg.OAI.RequestsPerSecond,
		Burst:             cfg.OAI.Burst,
		Granularity:       granularity,
	})

	var blobs ingest.BlobStore
	if cfg.Minio.Endpoint != "" {
		store, err := blobstore.NewMinioStore(blobstore.Config{
			Endpoint:  cfg.Minio.Endpoint,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			Bucket:    cfg.Minio.Bucket,
			Region:    cfg.Minio.Region,
			UseSSL:    cfg.Minio.UseSSL,
		})
		if err != nil {
			a.Close(ctx)
			return nil, err
		}
		if err := store.EnsureBucket(ctx); err != nil {
			a.Close(ctx)
			return nil, err
		}
		blobs = store
	} else {
		logger.Info("no bitstream store configured; bitstream harvesting will fail per record")
	}

	applier := ingest.NewApplier(a.Client, blobs, logger)
	a.Service = harvest.NewService(a.Statuses, a.Content, harvest.ClientSource{Client: a.Client}, applier, harvest.ServiceConfig{
		Policy: harvest.Policy{
			BatchSize:          cfg.Harvest.BatchSize,
			MessageMaxLen:      cfg.Harvest.MessageMaxLen,
			MaxFailureRatio:    cfg.Harvest.MaxFailureRatio,
			MinRecordsForRatio: cfg.Harvest.MinRecordsForRatio,
		},
		AdminID:  cfg.AdminID(),
		SeenSize: cfg.Harvest.SeenSize,
		SeenTTL:  cfg.Harvest.SeenTTL,
	}, logger)
	a.Admin = harvest.NewAdmin(a.Service, a.Statuses, a.Content, a.Client, logger)
	a.Scheduler = harvest.NewScheduler(a.Service, a.Statuses, harvest.SchedulerConfig{
		Interval:           cfg.Scheduler.Interval,
		MaxConcurrent:      cfg.Scheduler.MaxConcurrent,
		Period:             cfg.Scheduler.Period,
		ErrorRetryInterval: cfg.Scheduler.ErrorRetryInterval,
		Options:            a.DefaultOptions(),
	}, logger)
	return a, nil
}

// DefaultOptions are the cycle options taken from configuration.
func (a *App) DefaultOptions() harvest.Options {
	return harvest.Options{
		RecordValidation: a.Config.Harvest.RecordValidation,
		ItemValidation:   a.Config.Harvest.ItemValidation,
		SubmitEnabled:    a.Config.Harvest.SubmitEnabled,
	}
}

// Ready reports whether the backing database answers.
func (a *App) Ready(ctx context.Context) error {
	if a.Pool == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	return a.Pool.Ping(ctx)
}

// Close waits for background cycles and releases connections.
func (a *App) Close(ctx context.Context) {
	if a.Service != nil {
		a.Service.Wait()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
	if a.shutdownTracing != nil {
		if err := a.shutdownTracing(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.Logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}
}

func openPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("cannot create db pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("cannot ping database: %w", err)
	}
	return pool, nil
}

package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq"

	"SeiSync/internal/config"
	"SeiSync/internal/infrastructure/objectstore"
	"SeiSync/internal/infrastructure/scheduler"
	"SeiSync/internal/infrastructure/storage"
	"SeiSync/internal/infrastructure/telegram"
	"SeiSync/internal/logging"
	"SeiSync/internal/ports"
	"SeiSync/internal/sei"
	"SeiSync/internal/usecase"
)

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg    config.Config
	logger *slog.Logger

	db         *sql.DB
	repository *storage.PostgresRepository
	api        ports.ProcessAPI
	pipeline   *usecase.Pipeline
	downloader *usecase.Downloader
	notifier   ports.Notifier
}

// New builds a runnable application instance.
func New(ctx context.Context, cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level)
	}

	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	repository := storage.NewPostgresRepository(db)

	api := sei.New(sei.Options{
		BaseURL:       cfg.API.BaseURL,
		User:          cfg.API.User,
		Password:      cfg.API.Password,
		Tenant:        cfg.API.Tenant,
		MaxConcurrent: cfg.API.MaxConcurrent,
		Timeout:       cfg.API.Timeout(),
		Logger:        baseLogger.With("component", "sei"),
	})

	fetcher := usecase.NewFetcher(api, baseLogger.With("component", "fetcher"))
	pipeline := usecase.NewPipeline(fetcher, repository, baseLogger.With("component", "pipeline"))

	application := &Application{
		cfg:        cfg,
		logger:     baseLogger,
		db:         db,
		repository: repository,
		api:        api,
		pipeline:   pipeline,
	}

	if cfg.Pipeline.DownloadDocuments {
		store, err := objectstore.NewMinioStore(ctx,
			cfg.ObjectStore.Endpoint, cfg.ObjectStore.AccessKey, cfg.ObjectStore.SecretKey,
			cfg.ObjectStore.Bucket, cfg.ObjectStore.UseSSL)
		if err != nil {
			return nil, fmt.Errorf("object store: %w", err)
		}
		application.downloader = usecase.NewDownloader(api, repository, store,
			cfg.ObjectStore.Bucket, cfg.API.DownloadConcurrency,
			baseLogger.With("component", "downloader"))
	}

	if cfg.Notifications.Telegram.BotToken != "" {
		application.notifier = telegram.NewNotifier(
			cfg.Notifications.Telegram.BotToken, cfg.Notifications.Telegram.ChatID)
	}

	return application, nil
}

// Run executes one full sync, or keeps running on the cron schedule when
// the scheduler is enabled.
func (a *Application) Run(ctx context.Context) error {
	if !a.cfg.Scheduler.Enabled {
		return a.syncOnce(ctx)
	}

	driver := scheduler.NewCronScheduler(a.cfg.Scheduler.CronExpression, a.cfg.Scheduler.Location())
	recurring := usecase.NewScheduler(driver, func(jobCtx context.Context) {
		if err := a.syncOnce(jobCtx); err != nil {
			a.logger.Error("scheduled sync failed", "error", err)
		}
	}, a.logger.With("component", "scheduler"))

	if err := recurring.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	<-ctx.Done()
	return recurring.Stop(context.Background())
}

func (a *Application) syncOnce(ctx context.Context) error {
	refs, err := a.repository.PendingRecords(ctx, a.cfg.Pipeline.TenantFilter, a.cfg.Pipeline.Limit)
	if err != nil {
		return fmt.Errorf("load pending records: %w", err)
	}
	if len(refs) == 0 {
		a.logger.Info("no pending records")
	}

	counters, err := a.pipeline.Run(ctx, refs, usecase.Options{
		Concurrency:    a.cfg.Pipeline.Concurrency,
		FlushThreshold: a.cfg.Pipeline.FlushThreshold,
	})
	if err != nil {
		return fmt.Errorf("pipeline run: %w", err)
	}

	if a.downloader != nil {
		if _, err := a.downloader.Run(ctx, 0); err != nil {
			return fmt.Errorf("document downloads: %w", err)
		}
	}

	if a.notifier != nil {
		summary := fmt.Sprintf(
			"Sync finished: %d succeeded, %d not found, %d access denied, %d errored (%d bulk writes)",
			counters.Succeeded, counters.NotFound, counters.AccessDenied, counters.Errored,
			counters.BulkWrites)
		if err := a.notifier.PublishSummary(ctx, summary); err != nil {
			a.logger.Warn("summary notification failed", "error", err)
		}
	}

	return nil
}

// Close releases held resources.
func (a *Application) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

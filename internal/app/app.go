// Package app wires the collector components together.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/websfactory/oliveyoung-product-collector/internal/config"
	"github.com/websfactory/oliveyoung-product-collector/internal/crawl"
	"github.com/websfactory/oliveyoung-product-collector/internal/fetch"
	"github.com/websfactory/oliveyoung-product-collector/internal/gateway/categories"
	"github.com/websfactory/oliveyoung-product-collector/internal/identity"
	"github.com/websfactory/oliveyoung-product-collector/internal/notify"
	"github.com/websfactory/oliveyoung-product-collector/internal/ratelimit"
	"github.com/websfactory/oliveyoung-product-collector/internal/scheduler"
	"github.com/websfactory/oliveyoung-product-collector/internal/storage"
)

// App holds the assembled collector.
type App struct {
	Config      *config.Config
	Storage     *storage.Postgres
	Repos       crawl.Repositories
	Coordinator *crawl.Coordinator
	Reconciler  *crawl.Reconciler
	Discovery   *categories.Discovery
	Scheduler   *scheduler.Scheduler

	logger *zap.Logger
}

// New connects storage, ensures the schema and builds every component.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	db, err := storage.NewPostgres(cfg.DatabaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect storage: %w", err)
	}

	if err := db.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	repos := crawl.Repositories{
		Categories:   db.GetCategoryRepository(),
		Products:     db.GetProductRepository(),
		Observations: db.GetObservationRepository(),
		Runs:         db.GetRunRepository(),
		Failures:     db.GetFailureRepository(),
	}

	tokens := &identity.StaticTokenSource{
		Value: cfg.AWSWafToken,
		TTL:   cfg.TokenTTL,
	}
	pool := identity.NewPool(cfg.IdentityCount, tokens, identity.Config{
		CooldownBase: cfg.CooldownBase,
		CooldownMax:  cfg.CooldownMax,
	}, logger)

	rate := ratelimit.NewController(ratelimit.Config{
		BaseDelay:      cfg.RequestDelay,
		GlobalDelay:    cfg.GlobalDelay,
		MaxDelay:       cfg.MaxDelay,
		ResetAfter:     cfg.ResetAfter,
		JitterFraction: cfg.JitterFraction,
	}, logger)

	client := fetch.NewHTTPClient(cfg.HTTPClientConfig, cfg.RequestTimeout, logger)
	fetcher := fetch.NewFetcher(client, fetch.NewSiteClassifier(), pool, rate,
		cfg.BaseURL+"/main/main.do", cfg.TransientRetry, logger)

	traverser := crawl.NewTraverser(fetcher, pool, cfg.BaseURL, cfg.PageSize, logger)
	extractor := crawl.NewExtractor(fetcher, pool, cfg.BaseURL, logger)

	var notifier crawl.Notifier
	if cfg.TelegramBotToken != "" {
		tg, err := notify.NewTelegram(cfg.TelegramBotToken, cfg.TelegramChatID, logger)
		if err != nil {
			logger.Warn("Telegram notifier disabled", zap.Error(err))
		} else {
			notifier = tg
		}
	}

	coordinator := crawl.NewCoordinator(traverser, extractor, repos, notifier, cfg.WorkerCount, logger).
		WithAttemptCeiling(cfg.AttemptCeiling)
	reconciler := crawl.NewReconciler(traverser, extractor, repos, cfg.RequestDelay, logger)
	discovery := categories.NewDiscovery(repos.Categories, cfg.BaseURL, cfg.RequestDelay, logger)
	sched := scheduler.New(coordinator, reconciler, repos.Categories, cfg.ScheduleSpec, logger)

	return &App{
		Config:      cfg,
		Storage:     db,
		Repos:       repos,
		Coordinator: coordinator,
		Reconciler:  reconciler,
		Discovery:   discovery,
		Scheduler:   sched,
		logger:      logger,
	}, nil
}

// Close releases the storage connection.
func (a *App) Close() error {
	return a.Storage.Close()
}

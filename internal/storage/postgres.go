// Package storage owns the database connection.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"
	"go.uber.org/zap"

	"github.com/websfactory/oliveyoung-product-collector/internal/model"
	"github.com/websfactory/oliveyoung-product-collector/internal/storage/repository"
)

// Postgres represents the PostgreSQL connection.
type Postgres struct {
	db     *bun.DB
	logger *zap.Logger
}

// NewPostgres connects to PostgreSQL with a bounded retry loop.
func NewPostgres(databaseURL string, logger *zap.Logger) (*Postgres, error) {
	const maxRetries = 10
	const retryDelay = 5 * time.Second

	var lastErr error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		logger.Info("Attempting to connect to database",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries))

		sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(databaseURL)))
		sqldb.SetMaxOpenConns(25)
		sqldb.SetMaxIdleConns(10)
		sqldb.SetConnMaxLifetime(5 * time.Minute)
		sqldb.SetConnMaxIdleTime(1 * time.Minute)

		db := bun.NewDB(sqldb, pgdialect.New())

		if logger.Core().Enabled(zap.DebugLevel) {
			db.AddQueryHook(bundebug.NewQueryHook(
				bundebug.WithVerbose(true),
				bundebug.FromEnv("BUNDEBUG"),
			))
		}

		pingCtx, pingCancel := context.WithTimeout(context.Background(), 10*time.Second)
		pingErr := db.PingContext(pingCtx)
		pingCancel()

		if pingErr != nil {
			lastErr = pingErr
			logger.Warn("Failed to connect to database",
				zap.Int("attempt", attempt),
				zap.Error(pingErr))

			if err := db.Close(); err != nil {
				logger.Warn("Failed to close database connection", zap.Error(err))
			}

			if attempt == maxRetries {
				break
			}

			logger.Info("Retrying connection", zap.Duration("delay", retryDelay))
			time.Sleep(retryDelay)
			continue
		}

		logger.Info("Connected to PostgreSQL database", zap.Int("attempt", attempt))

		return &Postgres{db: db, logger: logger}, nil
	}

	return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", maxRetries, lastErr)
}

// EnsureSchema creates the tables and unique indexes when they do not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	models := []interface{}{
		(*model.Category)(nil),
		(*model.Product)(nil),
		(*model.CollectionRun)(nil),
		(*model.Observation)(nil),
		(*model.FailureRecord)(nil),
	}

	for _, m := range models {
		if _, err := p.db.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("failed to create table for %T: %w", m, err)
		}
	}

	// Observation append-dedup relies on this constraint.
	if _, err := p.db.NewCreateIndex().
		Model((*model.Observation)(nil)).
		Index("observations_goods_run_uq").
		Unique().
		IfNotExists().
		Column("goods_no", "run_id").
		Exec(ctx); err != nil {
		return fmt.Errorf("failed to create observation index: %w", err)
	}

	if _, err := p.db.NewCreateIndex().
		Model((*model.FailureRecord)(nil)).
		Index("failure_records_item_idx").
		IfNotExists().
		Column("goods_no", "category_id", "status").
		Exec(ctx); err != nil {
		return fmt.Errorf("failed to create failure index: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// GetDB returns the underlying bun connection.
func (p *Postgres) GetDB() *bun.DB {
	return p.db
}

// GetCategoryRepository returns the category repository.
func (p *Postgres) GetCategoryRepository() model.CategoryRepository {
	return repository.NewCategoryRepository(p.db, p.logger)
}

// GetProductRepository returns the product repository.
func (p *Postgres) GetProductRepository() model.ProductRepository {
	return repository.NewProductRepository(p.db, p.logger)
}

// GetObservationRepository returns the observation repository.
func (p *Postgres) GetObservationRepository() model.ObservationRepository {
	return repository.NewObservationRepository(p.db, p.logger)
}

// GetRunRepository returns the collection run repository.
func (p *Postgres) GetRunRepository() model.RunRepository {
	return repository.NewRunRepository(p.db, p.logger)
}

// GetFailureRepository returns the failure record repository.
func (p *Postgres) GetFailureRepository() model.FailureRepository {
	return repository.NewFailureRepository(p.db, p.logger)
}

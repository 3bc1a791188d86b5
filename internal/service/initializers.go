// File: internal/service/initializers.go
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/forgeworks-ai/evogate/api/schemas"
	"github.com/forgeworks-ai/evogate/internal/config"
	"github.com/forgeworks-ai/evogate/internal/evolution/control"
	"github.com/forgeworks-ai/evogate/internal/evolution/verify"
	"github.com/forgeworks-ai/evogate/internal/modelclient"
	"github.com/forgeworks-ai/evogate/internal/store"
)

// InitializeStore connects to PostgreSQL or starts an in-memory store. The
// in-memory variant loses everything on exit and is only suitable for
// one-shot commands and tests.
func InitializeStore(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger, useInMemory bool) (schemas.Store, *pgxpool.Pool, error) {
	if useInMemory || cfg.URL == "" {
		if !useInMemory {
			logger.Warn("No database configured; defaulting to a temporary in-memory store. All governance state will be lost on exit. This is not recommended for production use.")
		}
		logger.Info("Initializing in-memory store.")
		return store.NewMemStore(), nil, nil
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to parse PGX pool config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to create PGX connection pool: %w", err)
	}

	dbStore, err := store.New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := dbStore.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ensure database schema: %w", err)
	}

	return dbStore, pool, nil
}

// InitializeModelClient builds the selector and caller for the configured
// voter rotation. With no voters configured, the selector reports no models
// available and the verification service rejects with that reason rather
// than failing startup.
func InitializeModelClient(cfg config.ModelsConfig, logger *zap.Logger) (schemas.ModelSelector, schemas.ModelCaller, error) {
	selector := modelclient.NewStaticSelector(cfg)

	if len(cfg.Voters) == 0 {
		logger.Warn("No voter models configured; verifications will be rejected as unavailable.")
		return selector, modelclient.UnavailableCaller{}, nil
	}

	// One caller per process; the voter handle passed to Judge identifies the
	// model within the provider.
	primary := cfg.Catalog[cfg.Voters[0]]
	switch primary.Provider {
	case config.ProviderGemini:
		caller, err := modelclient.NewGeminiCaller(primary, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize model client: %w", err)
		}
		return selector, caller, nil
	default:
		return nil, nil, fmt.Errorf("unsupported model provider: %s", primary.Provider)
	}
}

// BuildComponents wires the full component graph from configuration.
func BuildComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger, useInMemory bool) (*Components, error) {
	dbStore, pool, err := InitializeStore(ctx, cfg.Database, logger, useInMemory)
	if err != nil {
		return nil, err
	}

	selector, caller, err := InitializeModelClient(cfg.Models, logger)
	if err != nil {
		if pool != nil {
			pool.Close()
		}
		return nil, err
	}

	verifier, err := verify.NewService(logger, cfg.Verification, selector, caller, dbStore)
	if err != nil {
		if pool != nil {
			pool.Close()
		}
		return nil, err
	}

	controller := control.NewService(
		logger,
		dbStore,
		UnconfiguredAnalysis{},
		UnconfiguredRefactor{},
		UnconfiguredCanary{Logger: logger},
	)

	return &Components{
		Store:   dbStore,
		Control: controller,
		Verify:  verifier,
		DBPool:  pool,
	}, nil
}

// File: internal/service/components.go
package service

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/forgeworks-ai/evogate/api/schemas"
	"github.com/forgeworks-ai/evogate/internal/evolution/control"
	"github.com/forgeworks-ai/evogate/internal/evolution/verify"
	"github.com/forgeworks-ai/evogate/internal/observability"
)

// Components holds the initialized governance services and their shared
// resources. This struct centralizes lifecycle management for the commands.
type Components struct {
	Store   schemas.Store
	Control *control.Service
	Verify  *verify.Service
	DBPool  *pgxpool.Pool
}

// Shutdown gracefully stops the components, releasing resources in order:
// schedulers first so no cycle is mid-flight when the pool closes.
func (c *Components) Shutdown() {
	logger := observability.GetLogger()
	logger.Debug("Beginning components shutdown sequence.")

	if c.Control != nil {
		c.Control.Shutdown()
		logger.Debug("Evolution schedulers stopped.")
	}

	if c.DBPool != nil {
		c.DBPool.Close()
		logger.Debug("Database connection pool closed.")
	}

	logger.Info("All components shut down successfully.")
}

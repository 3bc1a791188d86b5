// -- cmd/serve.go --
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/forgeworks-ai/evogate/internal/observability"
	"github.com/forgeworks-ai/evogate/internal/service"
)

// newServeCommand runs the evolution schedulers for the configured
// organizations until interrupted.
func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the evolution control plane until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			components, err := service.BuildComponents(ctx, cfg, logger, false)
			if err != nil {
				return fmt.Errorf("failed to build components: %w", err)
			}
			defer components.Shutdown()

			// Pick up timers for organizations that already have evolution
			// enabled; a previous process may have been stopped mid-flight.
			for _, orgID := range cfg.Governance.Organizations {
				if err := components.Control.Resume(ctx, orgID); err != nil {
					logger.Warn("Failed to resume organization scheduler.",
						zap.String("organization_id", orgID),
						zap.Error(err),
					)
				}
			}

			logger.Info("Evolution control plane running.",
				zap.Int("organizations", len(cfg.Governance.Organizations)),
			)

			<-ctx.Done()
			logger.Info("Shutdown signal received, stopping schedulers.")
			return nil
		},
	}
}

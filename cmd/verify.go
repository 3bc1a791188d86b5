// -- cmd/verify.go --
package cmd

import (
	"fmt"
	"os"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/forgeworks-ai/evogate/api/schemas"
	"github.com/forgeworks-ai/evogate/internal/observability"
	"github.com/forgeworks-ai/evogate/internal/service"
)

// newVerifyCommand performs a one-shot ensemble verification of a schema
// operation described by flags and prints the decision as JSON.
func newVerifyCommand() *cobra.Command {
	var (
		opType      string
		table       string
		environment string
		requester   string
		reason      string
		memStore    bool
	)

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a proposed schema operation against the model ensemble.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			components, err := service.BuildComponents(ctx, cfg, logger, memStore)
			if err != nil {
				return fmt.Errorf("failed to build components: %w", err)
			}
			defer components.Shutdown()

			op := schemas.SchemaOperation{
				Type:   schemas.OperationType(opType),
				Schema: map[string]interface{}{"table": table},
				Metadata: schemas.OperationMetadata{
					Requester:   requester,
					Reason:      reason,
					Environment: schemas.Environment(environment),
				},
			}

			result := components.Verify.VerifySchemaOperation(ctx, op)

			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")
			if err := encoder.Encode(result); err != nil {
				return fmt.Errorf("failed to encode verification result: %w", err)
			}

			if !result.Approved {
				return fmt.Errorf("operation rejected: %v", result.RejectionReasons)
			}
			return nil
		},
	}

	verifyCmd.Flags().StringVar(&opType, "type", "", "operation type (e.g. CREATE_TABLE, DROP_TABLE)")
	verifyCmd.Flags().StringVar(&table, "table", "", "target table name")
	verifyCmd.Flags().StringVar(&environment, "environment", string(schemas.EnvStaging), "target environment (staging or production)")
	verifyCmd.Flags().StringVar(&requester, "requester", "cli", "who is requesting the operation")
	verifyCmd.Flags().StringVar(&reason, "reason", "", "why the operation is needed")
	verifyCmd.Flags().BoolVar(&memStore, "mem-store", false, "record telemetry to a throwaway in-memory store")
	_ = verifyCmd.MarkFlagRequired("type")

	return verifyCmd
}

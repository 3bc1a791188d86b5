// File: internal/service/collaborators.go
package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/forgeworks-ai/evogate/api/schemas"
)

// The analysis, refactor, and canary collaborators are external systems the
// governance core consumes through interfaces. When no collaborator backends
// are configured, these inert implementations keep the control plane usable:
// cycles run, safeguards apply, and metrics record zeros.

// UnconfiguredAnalysis reports no analysis batches.
type UnconfiguredAnalysis struct{}

func (UnconfiguredAnalysis) LatestResults(context.Context, string) ([]schemas.AnalysisResult, error) {
	return nil, nil
}

// UnconfiguredRefactor accepts suggestion processing as a no-op and reports
// zeroed metrics.
type UnconfiguredRefactor struct{}

func (UnconfiguredRefactor) ProcessNewSuggestions(context.Context, string) error {
	return nil
}

func (UnconfiguredRefactor) Metrics(context.Context, string) (*schemas.RefactorMetrics, error) {
	return &schemas.RefactorMetrics{}, nil
}

// UnconfiguredCanary has no traffic to halt; it logs the request so an
// emergency stop still leaves an operator trace.
type UnconfiguredCanary struct {
	Logger *zap.Logger
}

func (c UnconfiguredCanary) Halt(_ context.Context, orgID, reason string) error {
	if c.Logger != nil {
		c.Logger.Info("Canary halt requested with no canary backend configured.",
			zap.String("organization_id", orgID),
			zap.String("reason", reason),
		)
	}
	return nil
}

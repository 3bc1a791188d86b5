// File: api/schemas/interfaces.go
package schemas

import (
	"context"
	"time"
)

// -- Store Interface --

// Store defines the persistence contract for the governance core: settings,
// the append-only event/metrics trails, refactor executions, and verification
// telemetry. Implementations must provide atomic single-row upserts; the core
// does not layer its own locking on top.
type Store interface {
	// GetSettings returns the settings record for an organization, or
	// ErrSettingsNotFound if none exists yet.
	GetSettings(ctx context.Context, orgID string) (*EvolutionSettings, error)
	// UpsertSettings writes the full settings record, last writer wins.
	UpsertSettings(ctx context.Context, settings *EvolutionSettings) error

	// AppendEvent adds one audit event. Events are never updated except via
	// AcknowledgeEvent.
	AppendEvent(ctx context.Context, event *EvolutionEvent) error
	// ListEvents returns the most recent events for an organization, newest
	// first, capped at limit.
	ListEvents(ctx context.Context, orgID string, limit int) ([]EvolutionEvent, error)
	// AcknowledgeEvent sets the acknowledgement pair on an event and touches
	// nothing else.
	AcknowledgeEvent(ctx context.Context, eventID, userID string, at time.Time) error

	// AppendMetrics adds one metrics rollup row. Metrics are a time series,
	// never upserted.
	AppendMetrics(ctx context.Context, metrics *EvolutionMetrics) error
	// ListMetrics returns metrics rows created at or after since, newest first.
	ListMetrics(ctx context.Context, orgID string, since time.Time) ([]EvolutionMetrics, error)

	// CountExecutionsSince counts refactor executions created at or after
	// since for the organization, regardless of status.
	CountExecutionsSince(ctx context.Context, orgID string, since time.Time) (int, error)
	// ListExecutions returns executions for the organization filtered by
	// status.
	ListExecutions(ctx context.Context, orgID string, status ExecutionStatus) ([]RefactorExecution, error)
	// UpdateExecution persists status, completion, and metadata changes to an
	// existing execution row.
	UpdateExecution(ctx context.Context, execution *RefactorExecution) error

	// AppendVerification records one verification telemetry row.
	AppendVerification(ctx context.Context, record *VerificationRecord) error
}

// -- Ensemble Interfaces --

// ModelSelector chooses which model should fill a voter slot. A nil handle
// with a nil error means no models are currently available.
type ModelSelector interface {
	Select(ctx context.Context, criteria SelectionCriteria) (*ModelHandle, error)
}

// ModelCaller performs one physical model invocation and returns the voter's
// structured judgment. Retries, if any, belong to the implementation; the
// verification layer treats a failed call as an abstention-with-error.
type ModelCaller interface {
	Judge(ctx context.Context, model ModelHandle, op SchemaOperation) (*ModelJudgment, error)
}

// -- External Collaborators --

// AnalysisService exposes the analysis collaborator's fixed entry points.
type AnalysisService interface {
	// LatestResults returns the most recent analysis batches for an
	// organization, newest first.
	LatestResults(ctx context.Context, orgID string) ([]AnalysisResult, error)
}

// RefactorService exposes the refactor collaborator's fixed entry points.
type RefactorService interface {
	// ProcessNewSuggestions kicks off processing of pending suggestions.
	ProcessNewSuggestions(ctx context.Context, orgID string) error
	// Metrics reports the collaborator's current rollup counters.
	Metrics(ctx context.Context, orgID string) (*RefactorMetrics, error)
}

// CanaryService exposes the canary collaborator's fixed entry points.
type CanaryService interface {
	// Halt stops all canary traffic for the organization. Called during
	// emergency stop; best effort.
	Halt(ctx context.Context, orgID, reason string) error
}

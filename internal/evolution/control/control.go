// Package control implements the evolution control plane: per-organization
// governance settings, the periodic evolution cycle with its safeguard gate,
// emergency stop with compensating rollback, and the audit/metrics trails.
package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/forgeworks-ai/evogate/api/schemas"
	"github.com/forgeworks-ai/evogate/internal/config"
)

// CycleInterval is how often an enabled organization's evolution cycle fires.
// It is a constant of the core, not user-configurable.
const CycleInterval = 30 * time.Minute

const rollbackReasonEmergencyStop = "Emergency stop"

// Service owns the evolution control plane for all organizations. One
// instance per process; collaborators are injected at construction.
type Service struct {
	logger   *zap.Logger
	store    schemas.Store
	analysis schemas.AnalysisService
	refactor schemas.RefactorService
	canary   schemas.CanaryService
	sched    *Scheduler

	// now is swapped in tests to pin timestamps.
	now func() time.Time
}

// NewService constructs the control service and its scheduler.
func NewService(
	logger *zap.Logger,
	store schemas.Store,
	analysis schemas.AnalysisService,
	refactor schemas.RefactorService,
	canary schemas.CanaryService,
) *Service {
	s := &Service{
		logger:   logger.Named("control"),
		store:    store,
		analysis: analysis,
		refactor: refactor,
		canary:   canary,
		now:      time.Now,
	}
	s.sched = NewScheduler(logger, CycleInterval, s.cycleTick)
	return s
}

// Scheduler exposes the per-organization timer state, primarily for the serve
// command and tests.
func (s *Service) Scheduler() *Scheduler { return s.sched }

// Shutdown cancels all timers and waits for in-flight cycles to return.
func (s *Service) Shutdown() { s.sched.Shutdown() }

// cycleTick is the scheduler callback. A failed cycle must not kill the
// timer, so the error is logged and dropped here.
func (s *Service) cycleTick(ctx context.Context, orgID string) {
	if err := s.RunEvolutionCycle(ctx, orgID); err != nil {
		s.logger.Error("Evolution cycle failed.",
			zap.String("organization_id", orgID),
			zap.Error(err),
		)
	}
}

// -- Settings --

// GetEvolutionSettings returns the organization's settings, lazily persisting
// the documented defaults on first access.
func (s *Service) GetEvolutionSettings(ctx context.Context, orgID string) (*schemas.EvolutionSettings, error) {
	settings, err := s.store.GetSettings(ctx, orgID)
	if err == nil {
		return settings, nil
	}
	if !errors.Is(err, schemas.ErrSettingsNotFound) {
		return nil, fmt.Errorf("failed to load evolution settings: %w", err)
	}

	defaults := config.DefaultEvolutionSettings(orgID, s.now().UTC())
	if err := s.store.UpsertSettings(ctx, defaults); err != nil {
		return nil, fmt.Errorf("failed to persist default evolution settings: %w", err)
	}
	return defaults, nil
}

// UpdateEvolutionSettings applies a partial update. Nil sections are left
// untouched; a supplied features, safeguards, or metadata section replaces
// the stored one wholesale — callers needing partial nested changes must
// read-modify-write.
func (s *Service) UpdateEvolutionSettings(ctx context.Context, orgID string, update schemas.SettingsUpdate, userID string) (*schemas.EvolutionSettings, error) {
	settings, err := s.GetEvolutionSettings(ctx, orgID)
	if err != nil {
		return nil, err
	}

	if update.Features != nil {
		settings.Features = *update.Features
	}
	if update.Safeguards != nil {
		settings.Safeguards = *update.Safeguards
	}
	if update.Metadata != nil {
		settings.Metadata = update.Metadata
	}
	settings.LastModifiedBy = userID
	settings.UpdatedAt = s.now().UTC()

	if err := s.store.UpsertSettings(ctx, settings); err != nil {
		return nil, fmt.Errorf("failed to persist settings update: %w", err)
	}

	s.LogEvent(ctx, &schemas.EvolutionEvent{
		OrganizationID: orgID,
		Type:           schemas.EventSettingsUpdated,
		Severity:       schemas.SeverityInfo,
		Title:          "Evolution Settings Updated",
		Description:    "Evolution settings were modified.",
		TriggeredBy:    userID,
	})
	return settings, nil
}

// ToggleEvolution enables or disables the evolution loop for an organization,
// starting or cancelling its periodic timer accordingly.
func (s *Service) ToggleEvolution(ctx context.Context, orgID string, enabled bool, userID string) (*schemas.EvolutionSettings, error) {
	settings, err := s.GetEvolutionSettings(ctx, orgID)
	if err != nil {
		return nil, err
	}

	settings.Enabled = enabled
	settings.LastModifiedBy = userID
	settings.UpdatedAt = s.now().UTC()

	if err := s.store.UpsertSettings(ctx, settings); err != nil {
		return nil, fmt.Errorf("failed to persist evolution toggle: %w", err)
	}

	if enabled {
		s.LogEvent(ctx, &schemas.EvolutionEvent{
			OrganizationID: orgID,
			Type:           schemas.EventAnalysisStarted,
			Severity:       schemas.SeverityInfo,
			Title:          "Evolution Enabled",
			Description:    fmt.Sprintf("Autonomous evolution enabled; cycles run every %s.", CycleInterval),
			TriggeredBy:    userID,
		})
		s.sched.Start(orgID)
	} else {
		s.LogEvent(ctx, &schemas.EvolutionEvent{
			OrganizationID: orgID,
			Type:           schemas.EventSettingsUpdated,
			Severity:       schemas.SeverityWarning,
			Title:          "Evolution Disabled",
			Description:    "Autonomous evolution disabled; periodic cycles cancelled.",
			TriggeredBy:    userID,
		})
		s.sched.Stop(orgID)
	}
	return settings, nil
}

// Resume restarts the organization's timer if evolution is enabled and not
// emergency-stopped. Used on process start to pick up where a previous
// process left off.
func (s *Service) Resume(ctx context.Context, orgID string) error {
	settings, err := s.GetEvolutionSettings(ctx, orgID)
	if err != nil {
		return err
	}
	if settings.Enabled && !settings.Safeguards.EmergencyStop {
		s.sched.Start(orgID)
	}
	return nil
}

// -- Emergency Stop --

// EmergencyStop is the kill switch: it persists the stop flag, cancels the
// organization's timer, halts canary traffic, and rolls back every in-flight
// refactor execution. Idempotent — a second call finds no in-progress
// executions and rolls back nothing.
func (s *Service) EmergencyStop(ctx context.Context, orgID, userID, reason string) error {
	settings, err := s.GetEvolutionSettings(ctx, orgID)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	settings.Enabled = false
	settings.Safeguards.EmergencyStop = true
	if settings.Metadata == nil {
		settings.Metadata = map[string]interface{}{}
	}
	settings.Metadata["emergency_stop_reason"] = reason
	settings.Metadata["emergency_stop_at"] = now.Format(time.RFC3339)
	settings.Metadata["emergency_stop_by"] = userID
	settings.LastModifiedBy = userID
	settings.UpdatedAt = now

	// The stop flag must be durable before anything else: a concurrent cycle
	// that reads settings after this write observes it and skips.
	if err := s.store.UpsertSettings(ctx, settings); err != nil {
		return fmt.Errorf("failed to persist emergency stop: %w", err)
	}

	s.sched.Stop(orgID)

	if err := s.canary.Halt(ctx, orgID, reason); err != nil {
		// Best effort; canary traffic management is a collaborator concern.
		s.logger.Warn("Failed to halt canary traffic during emergency stop.",
			zap.String("organization_id", orgID),
			zap.Error(err),
		)
	}

	rolledBack, err := s.rollbackInFlight(ctx, orgID, now)
	if err != nil {
		return err
	}

	s.LogEvent(ctx, &schemas.EvolutionEvent{
		OrganizationID: orgID,
		Type:           schemas.EventEmergencyStop,
		Severity:       schemas.SeverityCritical,
		Title:          "Emergency Stop Activated",
		Description:    reason,
		Data: map[string]interface{}{
			"rolled_back_executions": rolledBack,
		},
		TriggeredBy: userID,
	})

	s.logger.Warn("Emergency stop completed.",
		zap.String("organization_id", orgID),
		zap.String("reason", reason),
		zap.Int("rolled_back", rolledBack),
	)
	return nil
}

// rollbackInFlight transitions every in-progress execution to rolled_back.
// No execution may be left in flight once emergency stop returns.
func (s *Service) rollbackInFlight(ctx context.Context, orgID string, now time.Time) (int, error) {
	executions, err := s.store.ListExecutions(ctx, orgID, schemas.ExecutionInProgress)
	if err != nil {
		return 0, fmt.Errorf("failed to list in-flight executions: %w", err)
	}

	for i := range executions {
		execution := executions[i]
		execution.Status = schemas.ExecutionRolledBack
		completedAt := now
		execution.CompletedAt = &completedAt
		if execution.Metadata == nil {
			execution.Metadata = map[string]interface{}{}
		}
		execution.Metadata["rollback_reason"] = rollbackReasonEmergencyStop

		if err := s.store.UpdateExecution(ctx, &execution); err != nil {
			return i, fmt.Errorf("failed to roll back execution %s: %w", execution.ID, err)
		}
	}
	return len(executions), nil
}

// -- Evolution Cycle --

// RunEvolutionCycle executes one cycle for the organization. Safe to invoke
// directly and re-entrant across organizations. Safeguard failures are normal
// skip outcomes, not errors; internal failures are logged as events and
// returned but never propagate to the timer.
func (s *Service) RunEvolutionCycle(ctx context.Context, orgID string) error {
	settings, err := s.GetEvolutionSettings(ctx, orgID)
	if err != nil {
		s.logCycleError(ctx, orgID, "Failed to load settings for cycle", err)
		return err
	}

	if !settings.Enabled {
		return nil
	}

	// Expected steady state after an emergency stop; skip silently.
	if settings.Safeguards.EmergencyStop {
		s.logger.Debug("Cycle skipped: emergency stop engaged.", zap.String("organization_id", orgID))
		return nil
	}

	now := s.now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	count, err := s.store.CountExecutionsSince(ctx, orgID, dayStart)
	if err != nil {
		s.logCycleError(ctx, orgID, "Failed to count today's executions", err)
		return err
	}
	if count >= settings.Safeguards.MaxDailyChanges {
		s.logSafeguardFailure(ctx, orgID,
			fmt.Sprintf("Daily change limit reached: %d of %d changes already executed today.",
				count, settings.Safeguards.MaxDailyChanges),
			map[string]interface{}{
				"executions_today":  count,
				"max_daily_changes": settings.Safeguards.MaxDailyChanges,
			})
		return nil
	}

	if !settings.Features.AutoRefactor.Enabled {
		// Nothing to process this cycle; analysis runs on its own schedule.
		return nil
	}

	results, err := s.analysis.LatestResults(ctx, orgID)
	if err != nil {
		s.logCycleError(ctx, orgID, "Failed to fetch analysis results", err)
		return err
	}
	if len(results) > 0 && results[0].Metrics.TestCoverage < settings.Safeguards.TestCoverageThreshold {
		s.logSafeguardFailure(ctx, orgID,
			fmt.Sprintf("Test coverage %.1f%% below required threshold %.1f%%.",
				results[0].Metrics.TestCoverage, settings.Safeguards.TestCoverageThreshold),
			map[string]interface{}{
				"test_coverage":           results[0].Metrics.TestCoverage,
				"test_coverage_threshold": settings.Safeguards.TestCoverageThreshold,
			})
		return nil
	}

	if err := s.refactor.ProcessNewSuggestions(ctx, orgID); err != nil {
		s.logCycleError(ctx, orgID, "Failed to process refactor suggestions", err)
		return err
	}

	if err := s.UpdateEvolutionMetrics(ctx, orgID); err != nil {
		s.logCycleError(ctx, orgID, "Failed to record evolution metrics", err)
		return err
	}

	s.LogEvent(ctx, &schemas.EvolutionEvent{
		OrganizationID: orgID,
		Type:           schemas.EventAnalysisCompleted,
		Severity:       schemas.SeverityInfo,
		Title:          "Evolution Cycle Completed",
		Description:    "Refactor suggestions processed and metrics recorded.",
		TriggeredBy:    "system",
	})
	return nil
}

// UpdateEvolutionMetrics aggregates the collaborators' current counters into
// one append-only metrics row. Metrics are a time series, never upserted.
func (s *Service) UpdateEvolutionMetrics(ctx context.Context, orgID string) error {
	var (
		results         []schemas.AnalysisResult
		refactorMetrics *schemas.RefactorMetrics
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r, err := s.analysis.LatestResults(gctx, orgID)
		if err != nil {
			return fmt.Errorf("analysis results: %w", err)
		}
		results = r
		return nil
	})
	g.Go(func() error {
		m, err := s.refactor.Metrics(gctx, orgID)
		if err != nil {
			return fmt.Errorf("refactor metrics: %w", err)
		}
		refactorMetrics = m
		return nil
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to gather collaborator metrics: %w", err)
	}

	issuesFound := 0
	issuesFixed := 0
	for _, batch := range results {
		issuesFound += len(batch.Findings)
		for _, suggestion := range batch.Suggestions {
			if suggestion.AutomationLevel == schemas.AutomationLevelAutomatic {
				issuesFixed++
			}
		}
	}

	now := s.now().UTC()
	row := &schemas.EvolutionMetrics{
		ID:             uuid.New().String(),
		OrganizationID: orgID,
		Period: schemas.MetricsPeriod{
			Start: now.Add(-CycleInterval),
			End:   now,
		},
		CodeAnalysis: schemas.CodeAnalysisMetrics{
			RunsCompleted: len(results),
			IssuesFound:   issuesFound,
			IssuesFixed:   issuesFixed,
		},
		Refactoring: schemas.RefactoringMetrics{
			SuggestionsGenerated: refactorMetrics.TotalSuggestions,
			SuggestionsApproved:  refactorMetrics.ApprovedSuggestions,
			SuggestionsApplied:   refactorMetrics.AutomaticApplied,
			SuccessRate:          refactorMetrics.SuccessRate,
		},
		CreatedAt: now,
	}

	if err := s.store.AppendMetrics(ctx, row); err != nil {
		return fmt.Errorf("failed to append metrics row: %w", err)
	}
	return nil
}

// -- Events --

// LogEvent appends an audit event, filling in ID and timestamp when absent.
// Telemetry must never take down a governance action: persistence failures
// are logged and swallowed.
func (s *Service) LogEvent(ctx context.Context, event *schemas.EvolutionEvent) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.now().UTC()
	}
	if err := s.store.AppendEvent(ctx, event); err != nil {
		s.logger.Error("Failed to persist evolution event.",
			zap.String("organization_id", event.OrganizationID),
			zap.String("type", string(event.Type)),
			zap.Error(err),
		)
	}
}

// GetEvolutionEvents returns the newest events for the organization.
func (s *Service) GetEvolutionEvents(ctx context.Context, orgID string, limit int) ([]schemas.EvolutionEvent, error) {
	return s.store.ListEvents(ctx, orgID, limit)
}

// GetEvolutionMetrics returns metrics rows from the last `days` days.
func (s *Service) GetEvolutionMetrics(ctx context.Context, orgID string, days int) ([]schemas.EvolutionMetrics, error) {
	since := s.now().UTC().AddDate(0, 0, -days)
	return s.store.ListMetrics(ctx, orgID, since)
}

// AcknowledgeEvent marks an event as seen by an operator. Only the
// acknowledgement pair is written; every other field stays untouched.
func (s *Service) AcknowledgeEvent(ctx context.Context, eventID, userID string) error {
	return s.store.AcknowledgeEvent(ctx, eventID, userID, s.now().UTC())
}

func (s *Service) logSafeguardFailure(ctx context.Context, orgID, description string, data map[string]interface{}) {
	s.LogEvent(ctx, &schemas.EvolutionEvent{
		OrganizationID: orgID,
		Type:           schemas.EventError,
		Severity:       schemas.SeverityWarning,
		Title:          "Safeguards Failed",
		Description:    description,
		Data:           data,
		TriggeredBy:    "system",
	})
	s.logger.Warn("Evolution cycle skipped by safeguard.",
		zap.String("organization_id", orgID),
		zap.String("reason", description),
	)
}

func (s *Service) logCycleError(ctx context.Context, orgID, title string, err error) {
	s.LogEvent(ctx, &schemas.EvolutionEvent{
		OrganizationID: orgID,
		Type:           schemas.EventError,
		Severity:       schemas.SeverityWarning,
		Title:          title,
		Description:    err.Error(),
		TriggeredBy:    "system",
	})
}

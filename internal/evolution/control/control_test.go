package control

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/forgeworks-ai/evogate/api/schemas"
	"github.com/forgeworks-ai/evogate/internal/config"
	"github.com/forgeworks-ai/evogate/internal/mocks"
	"github.com/forgeworks-ai/evogate/internal/store"
)

const testOrg = "org-42"

type testHarness struct {
	svc      *Service
	store    *store.MemStore
	analysis *mocks.MockAnalysisService
	refactor *mocks.MockRefactorService
	canary   *mocks.MockCanaryService
	now      time.Time
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	h := &testHarness{
		store:    store.NewMemStore(),
		analysis: &mocks.MockAnalysisService{},
		refactor: &mocks.MockRefactorService{},
		canary:   &mocks.MockCanaryService{},
		now:      time.Date(2026, time.March, 14, 15, 0, 0, 0, time.UTC),
	}
	h.svc = NewService(zaptest.NewLogger(t), h.store, h.analysis, h.refactor, h.canary)
	h.svc.now = func() time.Time { return h.now }
	t.Cleanup(h.svc.Shutdown)
	return h
}

// seedSettings persists settings with the given mutations applied on top of
// the defaults, bypassing the service so gates can be tested in isolation.
func (h *testHarness) seedSettings(t *testing.T, mutate func(*schemas.EvolutionSettings)) {
	t.Helper()
	settings := config.DefaultEvolutionSettings(testOrg, h.now)
	if mutate != nil {
		mutate(settings)
	}
	require.NoError(t, h.store.UpsertSettings(context.Background(), settings))
}

func (h *testHarness) eventsByType(t *testing.T, eventType schemas.EventType) []schemas.EvolutionEvent {
	t.Helper()
	events, err := h.svc.GetEvolutionEvents(context.Background(), testOrg, 100)
	require.NoError(t, err)
	var matched []schemas.EvolutionEvent
	for _, e := range events {
		if e.Type == eventType {
			matched = append(matched, e)
		}
	}
	return matched
}

func TestGetEvolutionSettings_PersistsDefaultsOnFirstRead(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	settings, err := h.svc.GetEvolutionSettings(ctx, testOrg)
	require.NoError(t, err)

	assert.False(t, settings.Enabled)
	assert.Equal(t, 5, settings.Safeguards.MaxDailyChanges)
	assert.Equal(t, 1, settings.Safeguards.RequiredApprovers)
	assert.Equal(t, 24, settings.Safeguards.RollbackWindowHours)
	assert.Equal(t, 80.0, settings.Safeguards.TestCoverageThreshold)
	assert.True(t, settings.Safeguards.SecurityScanRequired)
	assert.False(t, settings.Safeguards.EmergencyStop)
	assert.True(t, settings.Features.CodeAnalysis.Enabled)
	assert.Equal(t, "0 */6 * * *", settings.Features.CodeAnalysis.Schedule)
	assert.False(t, settings.Features.AutoRefactor.Enabled)
	assert.False(t, settings.Features.CanaryTesting.Enabled)

	// Second read returns the persisted row, not a fresh synthesis.
	again, err := h.svc.GetEvolutionSettings(ctx, testOrg)
	require.NoError(t, err)
	assert.Equal(t, settings.CreatedAt, again.CreatedAt)
}

func TestUpdateEvolutionSettings_ReplacesSectionsWholesale(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	newSafeguards := schemas.SafeguardSettings{
		MaxDailyChanges:       2,
		RequiredApprovers:     3,
		RollbackWindowHours:   48,
		TestCoverageThreshold: 90,
		SecurityScanRequired:  true,
	}
	updated, err := h.svc.UpdateEvolutionSettings(ctx, testOrg, schemas.SettingsUpdate{
		Safeguards: &newSafeguards,
	}, "bob")
	require.NoError(t, err)

	assert.Equal(t, newSafeguards, updated.Safeguards)
	assert.Equal(t, "bob", updated.LastModifiedBy)
	// Untouched section keeps its defaults.
	assert.True(t, updated.Features.CodeAnalysis.Enabled)

	events := h.eventsByType(t, schemas.EventSettingsUpdated)
	require.Len(t, events, 1)
	assert.Equal(t, schemas.SeverityInfo, events[0].Severity)
	assert.Equal(t, "bob", events[0].TriggeredBy)
}

func TestToggleEvolution_StartsAndStopsTimer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	settings, err := h.svc.ToggleEvolution(ctx, testOrg, true, "alice")
	require.NoError(t, err)
	assert.True(t, settings.Enabled)
	assert.True(t, h.svc.Scheduler().Active(testOrg))

	enabledEvents := h.eventsByType(t, schemas.EventAnalysisStarted)
	require.Len(t, enabledEvents, 1)
	assert.Equal(t, "Evolution Enabled", enabledEvents[0].Title)

	settings, err = h.svc.ToggleEvolution(ctx, testOrg, false, "alice")
	require.NoError(t, err)
	assert.False(t, settings.Enabled)
	assert.False(t, h.svc.Scheduler().Active(testOrg))

	disabledEvents := h.eventsByType(t, schemas.EventSettingsUpdated)
	require.Len(t, disabledEvents, 1)
	assert.Equal(t, "Evolution Disabled", disabledEvents[0].Title)
	assert.Equal(t, schemas.SeverityWarning, disabledEvents[0].Severity)
}

func TestResume_RespectsEnabledAndEmergencyStop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.seedSettings(t, func(s *schemas.EvolutionSettings) { s.Enabled = true })
	require.NoError(t, h.svc.Resume(ctx, testOrg))
	assert.True(t, h.svc.Scheduler().Active(testOrg))

	h.svc.Scheduler().Stop(testOrg)
	h.seedSettings(t, func(s *schemas.EvolutionSettings) {
		s.Enabled = true
		s.Safeguards.EmergencyStop = true
	})
	require.NoError(t, h.svc.Resume(ctx, testOrg))
	assert.False(t, h.svc.Scheduler().Active(testOrg))
}

func TestEmergencyStop_RollsBackInFlightWork(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.canary.On("Halt", mock.Anything, testOrg, "schema corruption detected").Return(nil)

	_, err := h.svc.ToggleEvolution(ctx, testOrg, true, "alice")
	require.NoError(t, err)

	h.store.SeedExecution(schemas.RefactorExecution{
		ID: "exec-1", OrganizationID: testOrg, Status: schemas.ExecutionInProgress, CreatedAt: h.now,
	})
	h.store.SeedExecution(schemas.RefactorExecution{
		ID: "exec-2", OrganizationID: testOrg, Status: schemas.ExecutionInProgress, CreatedAt: h.now,
	})
	h.store.SeedExecution(schemas.RefactorExecution{
		ID: "exec-3", OrganizationID: testOrg, Status: schemas.ExecutionPending, CreatedAt: h.now,
	})

	require.NoError(t, h.svc.EmergencyStop(ctx, testOrg, "bob", "schema corruption detected"))

	settings, err := h.svc.GetEvolutionSettings(ctx, testOrg)
	require.NoError(t, err)
	assert.False(t, settings.Enabled)
	assert.True(t, settings.Safeguards.EmergencyStop)
	assert.Equal(t, "schema corruption detected", settings.Metadata["emergency_stop_reason"])
	assert.Equal(t, "bob", settings.Metadata["emergency_stop_by"])
	assert.False(t, h.svc.Scheduler().Active(testOrg))

	rolledBack, err := h.store.ListExecutions(ctx, testOrg, schemas.ExecutionRolledBack)
	require.NoError(t, err)
	require.Len(t, rolledBack, 2)
	for _, exec := range rolledBack {
		require.NotNil(t, exec.CompletedAt)
		assert.Equal(t, h.now, exec.CompletedAt.UTC())
		assert.Equal(t, "Emergency stop", exec.Metadata["rollback_reason"])
	}

	// The pending execution is untouched.
	pending, err := h.store.ListExecutions(ctx, testOrg, schemas.ExecutionPending)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	stopEvents := h.eventsByType(t, schemas.EventEmergencyStop)
	require.Len(t, stopEvents, 1)
	assert.Equal(t, schemas.SeverityCritical, stopEvents[0].Severity)

	h.canary.AssertCalled(t, "Halt", mock.Anything, testOrg, "schema corruption detected")
}

func TestEmergencyStop_IsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.canary.On("Halt", mock.Anything, testOrg, mock.Anything).Return(nil)

	h.store.SeedExecution(schemas.RefactorExecution{
		ID: "exec-1", OrganizationID: testOrg, Status: schemas.ExecutionInProgress, CreatedAt: h.now,
	})

	require.NoError(t, h.svc.EmergencyStop(ctx, testOrg, "bob", "first stop"))
	require.NoError(t, h.svc.EmergencyStop(ctx, testOrg, "bob", "second stop"))

	// One execution rolled back once; the second stop found nothing in flight.
	rolledBack, err := h.store.ListExecutions(ctx, testOrg, schemas.ExecutionRolledBack)
	require.NoError(t, err)
	assert.Len(t, rolledBack, 1)

	stopEvents := h.eventsByType(t, schemas.EventEmergencyStop)
	assert.Len(t, stopEvents, 2)
}

func TestEmergencyStop_CanaryFailureIsBestEffort(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.canary.On("Halt", mock.Anything, testOrg, mock.Anything).Return(errors.New("canary backend down"))

	require.NoError(t, h.svc.EmergencyStop(ctx, testOrg, "bob", "halt everything"))

	settings, err := h.svc.GetEvolutionSettings(ctx, testOrg)
	require.NoError(t, err)
	assert.True(t, settings.Safeguards.EmergencyStop)
}

func TestRunEvolutionCycle_SkipsSilentlyWhenDisabled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedSettings(t, nil) // defaults: disabled

	require.NoError(t, h.svc.RunEvolutionCycle(ctx, testOrg))

	events, err := h.svc.GetEvolutionEvents(ctx, testOrg, 100)
	require.NoError(t, err)
	assert.Empty(t, events)
	h.refactor.AssertNotCalled(t, "ProcessNewSuggestions", mock.Anything, mock.Anything)
}

func TestRunEvolutionCycle_SkipsSilentlyUnderEmergencyStop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedSettings(t, func(s *schemas.EvolutionSettings) {
		s.Enabled = true
		s.Safeguards.EmergencyStop = true
	})

	require.NoError(t, h.svc.RunEvolutionCycle(ctx, testOrg))

	events, err := h.svc.GetEvolutionEvents(ctx, testOrg, 100)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestRunEvolutionCycle_DailyLimitSafeguard(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedSettings(t, func(s *schemas.EvolutionSettings) {
		s.Enabled = true
		s.Safeguards.MaxDailyChanges = 2
	})
	for _, id := range []string{"exec-1", "exec-2"} {
		h.store.SeedExecution(schemas.RefactorExecution{
			ID: id, OrganizationID: testOrg, Status: schemas.ExecutionApplied, CreatedAt: h.now,
		})
	}

	require.NoError(t, h.svc.RunEvolutionCycle(ctx, testOrg))

	failures := h.eventsByType(t, schemas.EventError)
	require.Len(t, failures, 1)
	assert.Equal(t, "Safeguards Failed", failures[0].Title)
	assert.Equal(t, schemas.SeverityWarning, failures[0].Severity)
	h.refactor.AssertNotCalled(t, "ProcessNewSuggestions", mock.Anything, mock.Anything)
}

func TestRunEvolutionCycle_CoverageSafeguard(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedSettings(t, func(s *schemas.EvolutionSettings) {
		s.Enabled = true
		s.Features.AutoRefactor.Enabled = true
	})
	h.analysis.On("LatestResults", mock.Anything, testOrg).Return([]schemas.AnalysisResult{
		{ID: "batch-1", Metrics: schemas.AnalysisRunMetrics{TestCoverage: 55}},
	}, nil)

	require.NoError(t, h.svc.RunEvolutionCycle(ctx, testOrg))

	failures := h.eventsByType(t, schemas.EventError)
	require.Len(t, failures, 1)
	assert.Equal(t, "Safeguards Failed", failures[0].Title)
	assert.Contains(t, failures[0].Description, "coverage")
	h.refactor.AssertNotCalled(t, "ProcessNewSuggestions", mock.Anything, mock.Anything)
}

func TestRunEvolutionCycle_HappyPathRecordsMetrics(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedSettings(t, func(s *schemas.EvolutionSettings) {
		s.Enabled = true
		s.Features.AutoRefactor.Enabled = true
	})

	results := []schemas.AnalysisResult{
		{
			ID: "batch-1",
			Findings: []schemas.AnalysisFinding{
				{ID: "f-1", Category: "security"},
				{ID: "f-2", Category: "performance"},
			},
			Suggestions: []schemas.RefactorSuggestion{
				{ID: "s-1", AutomationLevel: schemas.AutomationLevelAutomatic},
				{ID: "s-2", AutomationLevel: "manual"},
			},
			Metrics: schemas.AnalysisRunMetrics{TestCoverage: 92},
		},
	}
	h.analysis.On("LatestResults", mock.Anything, testOrg).Return(results, nil)
	h.refactor.On("ProcessNewSuggestions", mock.Anything, testOrg).Return(nil)
	h.refactor.On("Metrics", mock.Anything, testOrg).Return(&schemas.RefactorMetrics{
		TotalSuggestions:    10,
		ApprovedSuggestions: 6,
		AutomaticApplied:    4,
		SuccessRate:         0.8,
	}, nil)

	require.NoError(t, h.svc.RunEvolutionCycle(ctx, testOrg))

	rows, err := h.svc.GetEvolutionMetrics(ctx, testOrg, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].CodeAnalysis.RunsCompleted)
	assert.Equal(t, 2, rows[0].CodeAnalysis.IssuesFound)
	assert.Equal(t, 1, rows[0].CodeAnalysis.IssuesFixed)
	assert.Equal(t, 10, rows[0].Refactoring.SuggestionsGenerated)
	assert.Equal(t, 4, rows[0].Refactoring.SuggestionsApplied)
	assert.InDelta(t, 0.8, rows[0].Refactoring.SuccessRate, 0.0001)
	assert.Equal(t, h.now.Add(-CycleInterval), rows[0].Period.Start)
	assert.Equal(t, h.now, rows[0].Period.End)

	completed := h.eventsByType(t, schemas.EventAnalysisCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, "Evolution Cycle Completed", completed[0].Title)
}

func TestRunEvolutionCycle_RefactorFailureLogsEvent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedSettings(t, func(s *schemas.EvolutionSettings) {
		s.Enabled = true
		s.Features.AutoRefactor.Enabled = true
	})
	h.analysis.On("LatestResults", mock.Anything, testOrg).Return(nil, nil)
	h.refactor.On("ProcessNewSuggestions", mock.Anything, testOrg).Return(errors.New("refactor backend down"))

	err := h.svc.RunEvolutionCycle(ctx, testOrg)
	require.Error(t, err)

	failures := h.eventsByType(t, schemas.EventError)
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0].Description, "refactor backend down")
}

// brokenEventStore fails every event append; everything else delegates to
// the in-memory store.
type brokenEventStore struct {
	*store.MemStore
}

func (b *brokenEventStore) AppendEvent(ctx context.Context, event *schemas.EvolutionEvent) error {
	return errors.New("event store down")
}

func TestLogEvent_StoreFailureIsSwallowed(t *testing.T) {
	broken := &brokenEventStore{MemStore: store.NewMemStore()}
	svc := NewService(zaptest.NewLogger(t), broken, &mocks.MockAnalysisService{}, &mocks.MockRefactorService{}, &mocks.MockCanaryService{})
	t.Cleanup(svc.Shutdown)
	ctx := context.Background()

	// LogEvent has no error return; a dead audit trail must not panic or
	// block the caller.
	svc.LogEvent(ctx, &schemas.EvolutionEvent{
		OrganizationID: testOrg,
		Type:           schemas.EventError,
		Severity:       schemas.SeverityWarning,
		Title:          "Something happened",
	})

	// Governance actions still succeed when their audit event cannot be
	// persisted.
	updated, err := svc.UpdateEvolutionSettings(ctx, testOrg, schemas.SettingsUpdate{
		Metadata: map[string]interface{}{"owner": "platform"},
	}, "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", updated.LastModifiedBy)

	stored, err := broken.GetSettings(ctx, testOrg)
	require.NoError(t, err)
	assert.Equal(t, "platform", stored.Metadata["owner"])
}

func TestAcknowledgeEvent_SetOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.svc.LogEvent(ctx, &schemas.EvolutionEvent{
		OrganizationID: testOrg,
		Type:           schemas.EventError,
		Severity:       schemas.SeverityWarning,
		Title:          "Something happened",
	})
	events, err := h.svc.GetEvolutionEvents(ctx, testOrg, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)

	require.NoError(t, h.svc.AcknowledgeEvent(ctx, events[0].ID, "carol"))
	assert.Error(t, h.svc.AcknowledgeEvent(ctx, events[0].ID, "dave"))

	events, err = h.svc.GetEvolutionEvents(ctx, testOrg, 10)
	require.NoError(t, err)
	require.NotNil(t, events[0].AcknowledgedAt)
	assert.Equal(t, "carol", events[0].AcknowledgedBy)
}

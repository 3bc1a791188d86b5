package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/forgeworks-ai/evogate/api/schemas"
)

// MemStore is an in-memory schemas.Store. It backs `verify --mem-store` and
// tests; data is lost on exit.
type MemStore struct {
	mu            sync.RWMutex
	settings      map[string]schemas.EvolutionSettings
	events        []schemas.EvolutionEvent
	metrics       []schemas.EvolutionMetrics
	executions    map[string]schemas.RefactorExecution
	verifications []schemas.VerificationRecord
}

var _ schemas.Store = (*MemStore)(nil)

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		settings:   make(map[string]schemas.EvolutionSettings),
		executions: make(map[string]schemas.RefactorExecution),
	}
}

func (m *MemStore) GetSettings(_ context.Context, orgID string) (*schemas.EvolutionSettings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.settings[orgID]
	if !ok {
		return nil, schemas.ErrSettingsNotFound
	}
	out := s
	return &out, nil
}

func (m *MemStore) UpsertSettings(_ context.Context, settings *schemas.EvolutionSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[settings.OrganizationID] = *settings
	return nil
}

func (m *MemStore) AppendEvent(_ context.Context, event *schemas.EvolutionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *event)
	return nil
}

func (m *MemStore) ListEvents(_ context.Context, orgID string, limit int) ([]schemas.EvolutionEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []schemas.EvolutionEvent
	for _, e := range m.events {
		if e.OrganizationID == orgID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) AcknowledgeEvent(_ context.Context, eventID, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.events {
		if m.events[i].ID == eventID {
			if m.events[i].AcknowledgedAt != nil {
				return fmt.Errorf("event %s not found or already acknowledged", eventID)
			}
			ack := at
			m.events[i].AcknowledgedAt = &ack
			m.events[i].AcknowledgedBy = userID
			return nil
		}
	}
	return fmt.Errorf("event %s not found or already acknowledged", eventID)
}

func (m *MemStore) AppendMetrics(_ context.Context, metrics *schemas.EvolutionMetrics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = append(m.metrics, *metrics)
	return nil
}

func (m *MemStore) ListMetrics(_ context.Context, orgID string, since time.Time) ([]schemas.EvolutionMetrics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []schemas.EvolutionMetrics
	for _, row := range m.metrics {
		if row.OrganizationID == orgID && !row.CreatedAt.Before(since) {
			out = append(out, row)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemStore) CountExecutionsSince(_ context.Context, orgID string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, e := range m.executions {
		if e.OrganizationID == orgID && !e.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (m *MemStore) ListExecutions(_ context.Context, orgID string, status schemas.ExecutionStatus) ([]schemas.RefactorExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []schemas.RefactorExecution
	for _, e := range m.executions {
		if e.OrganizationID == orgID && e.Status == status {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemStore) UpdateExecution(_ context.Context, execution *schemas.RefactorExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[execution.ID]; !ok {
		return fmt.Errorf("execution %s not found", execution.ID)
	}
	m.executions[execution.ID] = *execution
	return nil
}

// SeedExecution inserts an execution row directly. Test and tooling helper;
// in production the refactor collaborator owns these rows.
func (m *MemStore) SeedExecution(execution schemas.RefactorExecution) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions[execution.ID] = execution
}

func (m *MemStore) AppendVerification(_ context.Context, record *schemas.VerificationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verifications = append(m.verifications, *record)
	return nil
}

// Verifications returns a copy of the recorded verification telemetry.
func (m *MemStore) Verifications() []schemas.VerificationRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]schemas.VerificationRecord, len(m.verifications))
	copy(out, m.verifications)
	return out
}

// File: internal/mocks/mocks.go
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/forgeworks-ai/evogate/api/schemas"
)

// -- Model Selector Mock --

// MockModelSelector mocks schemas.ModelSelector.
type MockModelSelector struct {
	mock.Mock
}

func (m *MockModelSelector) Select(ctx context.Context, criteria schemas.SelectionCriteria) (*schemas.ModelHandle, error) {
	args := m.Called(ctx, criteria)
	handle, _ := args.Get(0).(*schemas.ModelHandle)
	return handle, args.Error(1)
}

// -- Model Caller Mock --

// MockModelCaller mocks schemas.ModelCaller.
type MockModelCaller struct {
	mock.Mock
}

func (m *MockModelCaller) Judge(ctx context.Context, model schemas.ModelHandle, op schemas.SchemaOperation) (*schemas.ModelJudgment, error) {
	args := m.Called(ctx, model, op)
	judgment, _ := args.Get(0).(*schemas.ModelJudgment)
	return judgment, args.Error(1)
}

// -- Analysis Service Mock --

// MockAnalysisService mocks schemas.AnalysisService.
type MockAnalysisService struct {
	mock.Mock
}

func (m *MockAnalysisService) LatestResults(ctx context.Context, orgID string) ([]schemas.AnalysisResult, error) {
	args := m.Called(ctx, orgID)
	results, _ := args.Get(0).([]schemas.AnalysisResult)
	return results, args.Error(1)
}

// -- Refactor Service Mock --

// MockRefactorService mocks schemas.RefactorService.
type MockRefactorService struct {
	mock.Mock
}

func (m *MockRefactorService) ProcessNewSuggestions(ctx context.Context, orgID string) error {
	args := m.Called(ctx, orgID)
	return args.Error(0)
}

func (m *MockRefactorService) Metrics(ctx context.Context, orgID string) (*schemas.RefactorMetrics, error) {
	args := m.Called(ctx, orgID)
	metrics, _ := args.Get(0).(*schemas.RefactorMetrics)
	return metrics, args.Error(1)
}

// -- Canary Service Mock --

// MockCanaryService mocks schemas.CanaryService.
type MockCanaryService struct {
	mock.Mock
}

func (m *MockCanaryService) Halt(ctx context.Context, orgID, reason string) error {
	args := m.Called(ctx, orgID, reason)
	return args.Error(0)
}

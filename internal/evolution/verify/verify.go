// Package verify implements ensemble schema verification: a configurable
// number of independent model voters judge a proposed operation in parallel,
// and consensus rules over the successful responses decide approval.
package verify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/forgeworks-ai/evogate/api/schemas"
	"github.com/forgeworks-ai/evogate/internal/config"
)

// Rejection reason strings are part of the service's contract with callers;
// operators grep for them. Do not reword without a migration note.
const (
	reasonNoModels                = "No models available for verification"
	reasonAllCallsFailed          = "All model verification calls failed"
	reasonDestructiveUnanimity    = "Destructive operation requires unanimous approval"
	reasonInsufficientProdQuorum  = "Insufficient consensus for production environment"
	reasonDestructiveInProduction = "Destructive operation in production environment"
)

// Service verifies proposed schema operations against a model ensemble.
type Service struct {
	logger   *zap.Logger
	cfg      config.VerificationConfig
	selector schemas.ModelSelector
	caller   schemas.ModelCaller
	store    schemas.Store

	now func() time.Time
}

// NewService validates the verification thresholds eagerly and constructs the
// service. A misconfigured verifier must fail here, never at decision time.
func NewService(
	logger *zap.Logger,
	cfg config.VerificationConfig,
	selector schemas.ModelSelector,
	caller schemas.ModelCaller,
	store schemas.Store,
) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Service{
		logger:   logger.Named("verify"),
		cfg:      cfg,
		selector: selector,
		caller:   caller,
		store:    store,
		now:      time.Now,
	}, nil
}

// VerifySchemaOperation runs the full ensemble vote and returns a decision
// with complete provenance. It never returns a bare error for availability
// problems: a missing selector result or a dead ensemble comes back as a
// rejected result with a specific reason.
func (s *Service) VerifySchemaOperation(ctx context.Context, op schemas.SchemaOperation) *schemas.VerificationResult {
	result := &schemas.VerificationResult{
		SafetyChecks: PerformSafetyChecks(op),
	}

	handle, err := s.selector.Select(ctx, schemas.SelectionCriteria{
		Role:        "schema-verification",
		Environment: op.Metadata.Environment,
	})
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("model selection failed: %v", err))
	}
	if handle == nil {
		result.RejectionReasons = append(result.RejectionReasons, reasonNoModels)
		s.recordTelemetry(ctx, op, result, 0)
		return result
	}

	judgments, callErrors := s.fanOut(ctx, *handle, op)
	result.Models = judgments
	result.Errors = append(result.Errors, callErrors...)

	if len(judgments) == 0 {
		result.RejectionReasons = append(result.RejectionReasons, reasonAllCallsFailed)
		s.recordTelemetry(ctx, op, result, s.cfg.ModelCount)
		return result
	}

	for _, j := range judgments {
		if j.Safe {
			result.Consensus.Agree++
		} else {
			result.Consensus.Disagree++
		}
		result.Confidence += j.Confidence
	}
	result.Confidence /= float64(len(judgments))

	result.RejectionReasons = append(result.RejectionReasons, s.applyRules(op, result)...)
	result.Approved = len(result.RejectionReasons) == 0

	s.recordTelemetry(ctx, op, result, s.cfg.ModelCount)
	return result
}

// fanOut issues exactly ModelCount voter calls in parallel and waits for all
// of them to settle. A failed call is an abstention-with-error, never a
// reason to abort the rest, so every closure returns nil.
func (s *Service) fanOut(ctx context.Context, handle schemas.ModelHandle, op schemas.SchemaOperation) ([]schemas.ModelJudgment, []string) {
	var (
		mu        sync.Mutex
		judgments []schemas.ModelJudgment
		errs      []string
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.ModelCount; i++ {
		voter := i
		g.Go(func() error {
			judgment, err := s.caller.Judge(gctx, handle, op)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Sprintf("voter %d (%s): %v", voter, handle.Model, err))
				s.logger.Warn("Model voter call failed.",
					zap.Int("voter", voter),
					zap.String("model", handle.Model),
					zap.Error(err),
				)
				return nil
			}
			judgments = append(judgments, *judgment)
			return nil
		})
	}
	_ = g.Wait()

	return judgments, errs
}

// applyRules evaluates the approval rules in order over the tallied result.
// Reasons are cumulative: every failing rule contributes its own string.
func (s *Service) applyRules(op schemas.SchemaOperation, result *schemas.VerificationResult) []string {
	var reasons []string

	agree := result.Consensus.Agree
	disagree := result.Consensus.Disagree
	production := op.Metadata.Environment == schemas.EnvProduction
	destructive := s.cfg.EnableSafetyChecks && result.SafetyChecks.IsDestructive

	if s.cfg.RequireUnanimousForDestructive && destructive && disagree > 0 {
		reasons = append(reasons, reasonDestructiveUnanimity)
	}

	// Production demands a stricter quorum: any dissenting voter rejects.
	if production && disagree > 0 {
		reasons = append(reasons, reasonInsufficientProdQuorum)
	}

	if ratio := float64(agree) / float64(agree+disagree); ratio <= s.cfg.ConsensusThreshold {
		reasons = append(reasons, fmt.Sprintf(
			"Consensus threshold not met: %d of %d models approved", agree, agree+disagree))
	}

	if s.cfg.ConfidenceThreshold > 0 && result.Confidence < s.cfg.ConfidenceThreshold {
		reasons = append(reasons, fmt.Sprintf(
			"Mean model confidence %.2f below required %.2f",
			result.Confidence, s.cfg.ConfidenceThreshold))
	}

	if destructive && production && disagree >= agree {
		reasons = append(reasons, reasonDestructiveInProduction)
	}

	return reasons
}

// recordTelemetry persists one verification record per attempt, approved or
// not. Telemetry failures are logged and swallowed: a broken audit store must
// not turn into a broken governance gate.
func (s *Service) recordTelemetry(ctx context.Context, op schemas.SchemaOperation, result *schemas.VerificationResult, invoked int) {
	record := &schemas.VerificationRecord{
		ID:            uuid.New().String(),
		OperationType: op.Type,
		TableName:     op.TableName(),
		Approved:      result.Approved,
		ModelsInvoked: invoked,
		Requester:     op.Metadata.Requester,
		Environment:   op.Metadata.Environment,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.store.AppendVerification(ctx, record); err != nil {
		s.logger.Error("Failed to persist verification record.",
			zap.String("operation_type", string(op.Type)),
			zap.Error(err),
		)
	}
}

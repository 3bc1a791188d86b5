// File: api/schemas/schemas.go
package schemas

import (
	"errors"
	"time"
)

// ErrSettingsNotFound is returned by Store.GetSettings when no settings
// record exists for the organization. Callers synthesize defaults on it.
var ErrSettingsNotFound = errors.New("evolution settings not found")

// Environment identifies the deployment environment an operation targets.
type Environment string

const (
	EnvStaging    Environment = "staging"
	EnvProduction Environment = "production"
)

// OperationType enumerates the schema operations subject to verification.
type OperationType string

const (
	OpCreateTable   OperationType = "CREATE_TABLE"
	OpDropTable     OperationType = "DROP_TABLE"
	OpAddColumn     OperationType = "ADD_COLUMN"
	OpDropColumn    OperationType = "DROP_COLUMN"
	OpCreateIndex   OperationType = "CREATE_INDEX"
	OpTruncateTable OperationType = "TRUNCATE_TABLE"
)

// -- Evolution Settings --

// CodeAnalysisFeature configures the periodic analysis runs for an org.
type CodeAnalysisFeature struct {
	Enabled       bool     `json:"enabled"`
	Schedule      string   `json:"schedule"`
	AnalysisTypes []string `json:"analysis_types"`
}

// AutoRefactorFeature configures automated application of refactor suggestions.
type AutoRefactorFeature struct {
	Enabled             bool    `json:"enabled"`
	ConfidenceThreshold float64 `json:"confidence_threshold"`
	MaxChangesPerDay    int     `json:"max_changes_per_day"`
}

// CanaryFeature configures gradual traffic-based rollout of applied changes.
type CanaryFeature struct {
	Enabled           bool    `json:"enabled"`
	TrafficPercentage float64 `json:"traffic_percentage"`
}

// NotificationFeature configures operator notifications for evolution events.
type NotificationFeature struct {
	Enabled  bool     `json:"enabled"`
	Channels []string `json:"channels"`
}

// FeatureSettings groups the per-feature toggles. Updates replace the whole
// struct; there is no deep merge of individual features.
type FeatureSettings struct {
	CodeAnalysis  CodeAnalysisFeature `json:"code_analysis"`
	AutoRefactor  AutoRefactorFeature `json:"auto_refactor"`
	CanaryTesting CanaryFeature       `json:"canary_testing"`
	Notifications NotificationFeature `json:"notifications"`
}

// SafeguardSettings are the hard limits gating whether a cycle may run.
type SafeguardSettings struct {
	MaxDailyChanges       int     `json:"max_daily_changes"`
	RequiredApprovers     int     `json:"required_approvers"`
	EmergencyStop         bool    `json:"emergency_stop"`
	RollbackWindowHours   int     `json:"rollback_window_hours"`
	TestCoverageThreshold float64 `json:"test_coverage_threshold"`
	SecurityScanRequired  bool    `json:"security_scan_required"`
}

// EvolutionSettings is the single per-organization governance record.
type EvolutionSettings struct {
	OrganizationID string                 `json:"organization_id"`
	Enabled        bool                   `json:"enabled"`
	Features       FeatureSettings        `json:"features"`
	Safeguards     SafeguardSettings      `json:"safeguards"`
	Metadata       map[string]interface{} `json:"metadata"`
	LastModifiedBy string                 `json:"last_modified_by"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// SettingsUpdate is a partial update. Nil sections are left untouched; a
// supplied section replaces the stored one wholesale.
type SettingsUpdate struct {
	Features   *FeatureSettings       `json:"features,omitempty"`
	Safeguards *SafeguardSettings     `json:"safeguards,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// -- Evolution Events --

// EventType categorizes entries in the append-only audit trail.
type EventType string

const (
	EventAnalysisStarted   EventType = "analysis_started"
	EventAnalysisCompleted EventType = "analysis_completed"
	EventRefactorApplied   EventType = "refactor_applied"
	EventSettingsUpdated   EventType = "settings_updated"
	EventEmergencyStop     EventType = "emergency_stop"
	EventError             EventType = "error"
)

// EventSeverity grades an event for operator triage.
type EventSeverity string

const (
	SeverityInfo     EventSeverity = "info"
	SeverityWarning  EventSeverity = "warning"
	SeverityCritical EventSeverity = "critical"
)

// EvolutionEvent is an audit record. Immutable after creation except for the
// acknowledgement pair, which an operator sets exactly once.
type EvolutionEvent struct {
	ID             string                 `json:"id"`
	OrganizationID string                 `json:"organization_id"`
	Type           EventType              `json:"type"`
	Severity       EventSeverity          `json:"severity"`
	Title          string                 `json:"title"`
	Description    string                 `json:"description"`
	Data           map[string]interface{} `json:"data,omitempty"`
	TriggeredBy    string                 `json:"triggered_by"`
	AcknowledgedAt *time.Time             `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string                 `json:"acknowledged_by,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

// -- Evolution Metrics --

// MetricsPeriod bounds the window a metrics rollup covers.
type MetricsPeriod struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// CodeAnalysisMetrics aggregates analysis activity over a period.
type CodeAnalysisMetrics struct {
	RunsCompleted int `json:"runs_completed"`
	IssuesFound   int `json:"issues_found"`
	IssuesFixed   int `json:"issues_fixed"`
}

// RefactoringMetrics aggregates refactor activity over a period.
type RefactoringMetrics struct {
	SuggestionsGenerated int     `json:"suggestions_generated"`
	SuggestionsApproved  int     `json:"suggestions_approved"`
	SuggestionsApplied   int     `json:"suggestions_applied"`
	SuccessRate          float64 `json:"success_rate"`
}

// EvolutionMetrics is one row of the append-only metrics time series,
// produced once per completed cycle and never mutated.
type EvolutionMetrics struct {
	ID             string              `json:"id"`
	OrganizationID string              `json:"organization_id"`
	Period         MetricsPeriod       `json:"period"`
	CodeAnalysis   CodeAnalysisMetrics `json:"code_analysis"`
	Refactoring    RefactoringMetrics  `json:"refactoring"`
	CreatedAt      time.Time           `json:"created_at"`
}

// -- Refactor Executions --

// ExecutionStatus tracks a proposed change through its lifecycle.
type ExecutionStatus string

const (
	ExecutionPending    ExecutionStatus = "pending"
	ExecutionInProgress ExecutionStatus = "in_progress"
	ExecutionApplied    ExecutionStatus = "applied"
	ExecutionRolledBack ExecutionStatus = "rolled_back"
	ExecutionFailed     ExecutionStatus = "failed"
)

// RefactorExecution is owned by the refactor collaborator; the governance
// core reads and transitions it during emergency stop.
type RefactorExecution struct {
	ID             string                 `json:"id"`
	OrganizationID string                 `json:"organization_id"`
	Status         ExecutionStatus        `json:"status"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

// -- Schema Verification --

// OperationMetadata describes who wants a schema operation and where.
type OperationMetadata struct {
	Requester   string      `json:"requester"`
	Reason      string      `json:"reason"`
	Environment Environment `json:"environment"`
}

// SchemaOperation is a proposed schema/code change submitted for ensemble
// verification. Schema carries the operation-specific payload (table name,
// column definitions, index spec).
type SchemaOperation struct {
	Type     OperationType          `json:"type"`
	Schema   map[string]interface{} `json:"schema"`
	Metadata OperationMetadata      `json:"metadata"`
}

// TableName extracts the target table from the operation payload, if present.
func (op SchemaOperation) TableName() string {
	for _, key := range []string{"table", "table_name", "tableName"} {
		if v, ok := op.Schema[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// ModelJudgment is one voter's structured verdict on a proposed operation.
type ModelJudgment struct {
	Model       string   `json:"model"`
	Safe        bool     `json:"safe"`
	Confidence  float64  `json:"confidence"`
	Reasoning   string   `json:"reasoning"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// ConsensusTally counts votes over the successful responses only.
type ConsensusTally struct {
	Agree    int `json:"agree"`
	Disagree int `json:"disagree"`
	Abstain  int `json:"abstain"`
}

// SafetyChecks are pure, I/O-free properties of the operation itself.
type SafetyChecks struct {
	IsDestructive bool `json:"is_destructive"`
	HasBackupPlan bool `json:"has_backup_plan"`
}

// VerificationResult is the full-provenance decision returned to callers.
// It is always populated; verification never surfaces a bare error.
type VerificationResult struct {
	Approved         bool            `json:"approved"`
	Confidence       float64         `json:"confidence"`
	Consensus        ConsensusTally  `json:"consensus"`
	Models           []ModelJudgment `json:"models"`
	Errors           []string        `json:"errors,omitempty"`
	SafetyChecks     SafetyChecks    `json:"safety_checks"`
	RejectionReasons []string        `json:"rejection_reasons,omitempty"`
}

// VerificationRecord is the telemetry row persisted for every verification
// attempt, regardless of outcome.
type VerificationRecord struct {
	ID            string        `json:"id"`
	OperationType OperationType `json:"operation_type"`
	TableName     string        `json:"table_name,omitempty"`
	Approved      bool          `json:"approved"`
	ModelsInvoked int           `json:"models_invoked"`
	Requester     string        `json:"requester"`
	Environment   Environment   `json:"environment"`
	CreatedAt     time.Time     `json:"created_at"`
}

// -- Collaborator payloads --

// AnalysisFinding is a single issue reported by the analysis collaborator.
type AnalysisFinding struct {
	ID          string `json:"id"`
	Category    string `json:"category"`
	Severity    string `json:"severity"`
	File        string `json:"file"`
	Description string `json:"description"`
}

// AutomationLevelAutomatic marks suggestions the refactor collaborator can
// apply without human review.
const AutomationLevelAutomatic = "automatic"

// RefactorSuggestion is a proposed change attached to an analysis batch.
type RefactorSuggestion struct {
	ID              string  `json:"id"`
	Description     string  `json:"description"`
	AutomationLevel string  `json:"automation_level"`
	Confidence      float64 `json:"confidence"`
}

// AnalysisRunMetrics summarizes one analysis batch.
type AnalysisRunMetrics struct {
	TestCoverage  float64 `json:"test_coverage"`
	LinesAnalyzed int     `json:"lines_analyzed"`
}

// AnalysisResult is one batch of analysis output for an organization.
type AnalysisResult struct {
	ID          string               `json:"id"`
	Findings    []AnalysisFinding    `json:"findings"`
	Suggestions []RefactorSuggestion `json:"suggestions"`
	Metrics     AnalysisRunMetrics   `json:"metrics"`
	CreatedAt   time.Time            `json:"created_at"`
}

// RefactorMetrics is the rollup reported by the refactor collaborator.
type RefactorMetrics struct {
	TotalSuggestions    int     `json:"total_suggestions"`
	ApprovedSuggestions int     `json:"approved_suggestions"`
	AutomaticApplied    int     `json:"automatic_applied"`
	SuccessRate         float64 `json:"success_rate"`
}

// ModelHandle identifies a concrete model chosen by the selector for a voter
// slot.
type ModelHandle struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// SelectionCriteria narrows which models the selector may choose.
type SelectionCriteria struct {
	Role        string      `json:"role"`
	Environment Environment `json:"environment"`
}

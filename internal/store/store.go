package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/forgeworks-ai/evogate/api/schemas"
)

// DBPool abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store provides a PostgreSQL implementation of the schemas.Store interface.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

var _ schemas.Store = (*Store)(nil)

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// schemaStatements is the DDL for the governance tables. Settings are one row
// per organization; events, metrics, and verification records are append-only.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS evolution_settings (
        organization_id  TEXT PRIMARY KEY,
        enabled          BOOLEAN NOT NULL DEFAULT FALSE,
        features         JSONB NOT NULL DEFAULT '{}',
        safeguards       JSONB NOT NULL DEFAULT '{}',
        metadata         JSONB NOT NULL DEFAULT '{}',
        last_modified_by TEXT NOT NULL DEFAULT '',
        created_at       TIMESTAMPTZ NOT NULL,
        updated_at       TIMESTAMPTZ NOT NULL
    );`,
	`CREATE TABLE IF NOT EXISTS evolution_events (
        id              TEXT PRIMARY KEY,
        organization_id TEXT NOT NULL,
        type            TEXT NOT NULL,
        severity        TEXT NOT NULL,
        title           TEXT NOT NULL,
        description     TEXT NOT NULL DEFAULT '',
        data            JSONB NOT NULL DEFAULT '{}',
        triggered_by    TEXT NOT NULL DEFAULT '',
        acknowledged_at TIMESTAMPTZ,
        acknowledged_by TEXT NOT NULL DEFAULT '',
        created_at      TIMESTAMPTZ NOT NULL
    );`,
	`CREATE INDEX IF NOT EXISTS idx_evolution_events_org_created
        ON evolution_events (organization_id, created_at DESC);`,
	`CREATE TABLE IF NOT EXISTS evolution_metrics (
        id              TEXT PRIMARY KEY,
        organization_id TEXT NOT NULL,
        period_start    TIMESTAMPTZ NOT NULL,
        period_end      TIMESTAMPTZ NOT NULL,
        code_analysis   JSONB NOT NULL DEFAULT '{}',
        refactoring     JSONB NOT NULL DEFAULT '{}',
        created_at      TIMESTAMPTZ NOT NULL
    );`,
	`CREATE TABLE IF NOT EXISTS refactor_executions (
        id              TEXT PRIMARY KEY,
        organization_id TEXT NOT NULL,
        status          TEXT NOT NULL,
        completed_at    TIMESTAMPTZ,
        metadata        JSONB NOT NULL DEFAULT '{}',
        created_at      TIMESTAMPTZ NOT NULL
    );`,
	`CREATE INDEX IF NOT EXISTS idx_refactor_executions_org_status
        ON refactor_executions (organization_id, status);`,
	`CREATE TABLE IF NOT EXISTS verification_log (
        id              TEXT PRIMARY KEY,
        operation_type  TEXT NOT NULL,
        table_name      TEXT NOT NULL DEFAULT '',
        approved        BOOLEAN NOT NULL,
        models_invoked  INTEGER NOT NULL,
        requester       TEXT NOT NULL DEFAULT '',
        environment     TEXT NOT NULL DEFAULT '',
        created_at      TIMESTAMPTZ NOT NULL
    );`,
}

// EnsureSchema creates the governance tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}

// -- Settings --

func (s *Store) GetSettings(ctx context.Context, orgID string) (*schemas.EvolutionSettings, error) {
	query := `
        SELECT enabled, features, safeguards, metadata, last_modified_by, created_at, updated_at
        FROM evolution_settings
        WHERE organization_id = $1;
    `
	var (
		settings       = schemas.EvolutionSettings{OrganizationID: orgID}
		featuresJSON   []byte
		safeguardsJSON []byte
		metadataJSON   []byte
	)
	err := s.pool.QueryRow(ctx, query, orgID).Scan(
		&settings.Enabled, &featuresJSON, &safeguardsJSON, &metadataJSON,
		&settings.LastModifiedBy, &settings.CreatedAt, &settings.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, schemas.ErrSettingsNotFound
		}
		return nil, fmt.Errorf("failed to query settings: %w", err)
	}

	if err := json.Unmarshal(featuresJSON, &settings.Features); err != nil {
		return nil, fmt.Errorf("failed to decode features: %w", err)
	}
	if err := json.Unmarshal(safeguardsJSON, &settings.Safeguards); err != nil {
		return nil, fmt.Errorf("failed to decode safeguards: %w", err)
	}
	if err := json.Unmarshal(metadataJSON, &settings.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return &settings, nil
}

func (s *Store) UpsertSettings(ctx context.Context, settings *schemas.EvolutionSettings) error {
	featuresJSON, err := json.Marshal(settings.Features)
	if err != nil {
		return fmt.Errorf("failed to encode features: %w", err)
	}
	safeguardsJSON, err := json.Marshal(settings.Safeguards)
	if err != nil {
		return fmt.Errorf("failed to encode safeguards: %w", err)
	}
	metadataJSON, err := marshalMap(settings.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	query := `
        INSERT INTO evolution_settings
            (organization_id, enabled, features, safeguards, metadata, last_modified_by, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (organization_id) DO UPDATE SET
            enabled = EXCLUDED.enabled,
            features = EXCLUDED.features,
            safeguards = EXCLUDED.safeguards,
            metadata = EXCLUDED.metadata,
            last_modified_by = EXCLUDED.last_modified_by,
            updated_at = EXCLUDED.updated_at;
    `
	_, err = s.pool.Exec(ctx, query,
		settings.OrganizationID, settings.Enabled, featuresJSON, safeguardsJSON,
		metadataJSON, settings.LastModifiedBy,
		settings.CreatedAt.UTC(), settings.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert settings: %w", err)
	}
	return nil
}

// -- Events --

func (s *Store) AppendEvent(ctx context.Context, event *schemas.EvolutionEvent) error {
	dataJSON, err := marshalMap(event.Data)
	if err != nil {
		return fmt.Errorf("failed to encode event data: %w", err)
	}

	query := `
        INSERT INTO evolution_events
            (id, organization_id, type, severity, title, description, data, triggered_by, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);
    `
	_, err = s.pool.Exec(ctx, query,
		event.ID, event.OrganizationID, string(event.Type), string(event.Severity),
		event.Title, event.Description, dataJSON, event.TriggeredBy, event.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, orgID string, limit int) ([]schemas.EvolutionEvent, error) {
	query := `
        SELECT id, type, severity, title, description, data, triggered_by, acknowledged_at, acknowledged_by, created_at
        FROM evolution_events
        WHERE organization_id = $1
        ORDER BY created_at DESC
        LIMIT $2;
    `
	rows, err := s.pool.Query(ctx, query, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []schemas.EvolutionEvent
	for rows.Next() {
		var (
			e        = schemas.EvolutionEvent{OrganizationID: orgID}
			typeStr  string
			sevStr   string
			dataJSON []byte
		)
		err := rows.Scan(&e.ID, &typeStr, &sevStr, &e.Title, &e.Description,
			&dataJSON, &e.TriggeredBy, &e.AcknowledgedAt, &e.AcknowledgedBy, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		e.Type = schemas.EventType(typeStr)
		e.Severity = schemas.EventSeverity(sevStr)
		if err := json.Unmarshal(dataJSON, &e.Data); err != nil {
			return nil, fmt.Errorf("failed to decode event data: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during event row iteration: %w", err)
	}
	return events, nil
}

func (s *Store) AcknowledgeEvent(ctx context.Context, eventID, userID string, at time.Time) error {
	// The IS NULL guard makes acknowledgement a set-once operation.
	query := `
        UPDATE evolution_events
        SET acknowledged_at = $2, acknowledged_by = $3
        WHERE id = $1 AND acknowledged_at IS NULL;
    `
	tag, err := s.pool.Exec(ctx, query, eventID, at.UTC(), userID)
	if err != nil {
		return fmt.Errorf("failed to acknowledge event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("event %s not found or already acknowledged", eventID)
	}
	return nil
}

// -- Metrics --

func (s *Store) AppendMetrics(ctx context.Context, metrics *schemas.EvolutionMetrics) error {
	analysisJSON, err := json.Marshal(metrics.CodeAnalysis)
	if err != nil {
		return fmt.Errorf("failed to encode analysis metrics: %w", err)
	}
	refactoringJSON, err := json.Marshal(metrics.Refactoring)
	if err != nil {
		return fmt.Errorf("failed to encode refactoring metrics: %w", err)
	}

	query := `
        INSERT INTO evolution_metrics
            (id, organization_id, period_start, period_end, code_analysis, refactoring, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7);
    `
	_, err = s.pool.Exec(ctx, query,
		metrics.ID, metrics.OrganizationID,
		metrics.Period.Start.UTC(), metrics.Period.End.UTC(),
		analysisJSON, refactoringJSON, metrics.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert metrics: %w", err)
	}
	return nil
}

func (s *Store) ListMetrics(ctx context.Context, orgID string, since time.Time) ([]schemas.EvolutionMetrics, error) {
	query := `
        SELECT id, period_start, period_end, code_analysis, refactoring, created_at
        FROM evolution_metrics
        WHERE organization_id = $1 AND created_at >= $2
        ORDER BY created_at DESC;
    `
	rows, err := s.pool.Query(ctx, query, orgID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics: %w", err)
	}
	defer rows.Close()

	var results []schemas.EvolutionMetrics
	for rows.Next() {
		var (
			m               = schemas.EvolutionMetrics{OrganizationID: orgID}
			analysisJSON    []byte
			refactoringJSON []byte
		)
		err := rows.Scan(&m.ID, &m.Period.Start, &m.Period.End, &analysisJSON, &refactoringJSON, &m.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan metrics row: %w", err)
		}
		if err := json.Unmarshal(analysisJSON, &m.CodeAnalysis); err != nil {
			return nil, fmt.Errorf("failed to decode analysis metrics: %w", err)
		}
		if err := json.Unmarshal(refactoringJSON, &m.Refactoring); err != nil {
			return nil, fmt.Errorf("failed to decode refactoring metrics: %w", err)
		}
		results = append(results, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during metrics row iteration: %w", err)
	}
	return results, nil
}

// -- Refactor Executions --

func (s *Store) CountExecutionsSince(ctx context.Context, orgID string, since time.Time) (int, error) {
	query := `
        SELECT COUNT(*) FROM refactor_executions
        WHERE organization_id = $1 AND created_at >= $2;
    `
	var count int
	if err := s.pool.QueryRow(ctx, query, orgID, since.UTC()).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count executions: %w", err)
	}
	return count, nil
}

func (s *Store) ListExecutions(ctx context.Context, orgID string, status schemas.ExecutionStatus) ([]schemas.RefactorExecution, error) {
	query := `
        SELECT id, status, completed_at, metadata, created_at
        FROM refactor_executions
        WHERE organization_id = $1 AND status = $2
        ORDER BY created_at ASC;
    `
	rows, err := s.pool.Query(ctx, query, orgID, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	var executions []schemas.RefactorExecution
	for rows.Next() {
		var (
			e            = schemas.RefactorExecution{OrganizationID: orgID}
			statusStr    string
			metadataJSON []byte
		)
		if err := rows.Scan(&e.ID, &statusStr, &e.CompletedAt, &metadataJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan execution row: %w", err)
		}
		e.Status = schemas.ExecutionStatus(statusStr)
		if err := json.Unmarshal(metadataJSON, &e.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode execution metadata: %w", err)
		}
		executions = append(executions, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during execution row iteration: %w", err)
	}
	return executions, nil
}

func (s *Store) UpdateExecution(ctx context.Context, execution *schemas.RefactorExecution) error {
	metadataJSON, err := marshalMap(execution.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode execution metadata: %w", err)
	}

	var completedAt interface{}
	if execution.CompletedAt != nil {
		completedAt = execution.CompletedAt.UTC()
	}

	query := `
        UPDATE refactor_executions
        SET status = $2, completed_at = $3, metadata = $4
        WHERE id = $1;
    `
	tag, err := s.pool.Exec(ctx, query, execution.ID, string(execution.Status), completedAt, metadataJSON)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("execution %s not found", execution.ID)
	}
	return nil
}

// -- Verification Telemetry --

func (s *Store) AppendVerification(ctx context.Context, record *schemas.VerificationRecord) error {
	query := `
        INSERT INTO verification_log
            (id, operation_type, table_name, approved, models_invoked, requester, environment, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
    `
	_, err := s.pool.Exec(ctx, query,
		record.ID, string(record.OperationType), record.TableName, record.Approved,
		record.ModelsInvoked, record.Requester, string(record.Environment), record.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert verification record: %w", err)
	}
	return nil
}

// marshalMap encodes a possibly-nil map as a JSON object, never as null.
func marshalMap(m map[string]interface{}) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

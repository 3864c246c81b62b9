// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlite provides a SQLite repository implementation for
// single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tombee/flowline/internal/repository"
	"github.com/tombee/flowline/pkg/errors"
	"github.com/tombee/flowline/pkg/workflow"
	_ "modernc.org/sqlite"
)

// Compile-time interface assertions.
var (
	_ repository.DefinitionStore = (*Store)(nil)
	_ repository.ExecutionStore  = (*Store)(nil)
	_ repository.HistoryStore    = (*Store)(nil)
	_ repository.EventStore      = (*Store)(nil)
	_ repository.Repository      = (*Store)(nil)
)

// Store is a SQLite-backed repository.
type Store struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New creates a new SQLite repository.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection for writes
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}

	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// configurePragmas sets SQLite configuration options.
func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",         // Enable foreign key constraints
		"PRAGMA busy_timeout=5000",       // 5 second timeout for lock contention
		"PRAGMA auto_vacuum=INCREMENTAL", // Incremental auto-vacuum for space reclamation
		"PRAGMA synchronous=NORMAL",      // Balance between performance and durability
	}

	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL") // Enable WAL mode for concurrent reads
	}

	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

// migrate runs database migrations.
func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT NOT NULL,
			version INTEGER NOT NULL,
			name TEXT NOT NULL,
			is_latest INTEGER NOT NULL DEFAULT 0,
			definition TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (id, version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_latest ON workflows(id, is_latest)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			workflow_version INTEGER NOT NULL,
			status TEXT NOT NULL,
			trigger_type TEXT,
			revision INTEGER NOT NULL DEFAULT 0,
			document TEXT NOT NULL,
			start_time TEXT NOT NULL,
			end_time TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_workflow ON executions(workflow_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_start_time ON executions(start_time)`,
		`CREATE TABLE IF NOT EXISTS step_executions (
			execution_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			status TEXT NOT NULL,
			document TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (execution_id, step_id),
			FOREIGN KEY (execution_id) REFERENCES executions(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS timeline_events (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			step_id TEXT,
			event_type TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			data TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_timeline_events_execution ON timeline_events(execution_id, timestamp)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// GetWorkflow retrieves a definition. Version 0 means latest.
func (s *Store) GetWorkflow(ctx context.Context, id string, version int) (*workflow.Definition, error) {
	var query string
	args := []any{id}
	if version > 0 {
		query = `SELECT definition FROM workflows WHERE id = ? AND version = ?`
		args = append(args, version)
	} else {
		query = `SELECT definition FROM workflows WHERE id = ? AND is_latest = 1`
	}

	var doc string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	var def workflow.Definition
	if err := json.Unmarshal([]byte(doc), &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow: %w", err)
	}
	return &def, nil
}

// ListWorkflows lists latest definition versions with pagination.
func (s *Store) ListWorkflows(ctx context.Context, skip, take int) ([]*workflow.Definition, error) {
	query := `SELECT definition FROM workflows WHERE is_latest = 1 ORDER BY id`
	args := []any{}
	if take > 0 {
		query += " LIMIT ?"
		args = append(args, take)
	} else {
		query += " LIMIT -1"
	}
	if skip > 0 {
		query += " OFFSET ?"
		args = append(args, skip)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	return scanDefinitions(rows)
}

// GetWorkflowVersions returns every stored version, oldest first.
func (s *Store) GetWorkflowVersions(ctx context.Context, id string) ([]*workflow.Definition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT definition FROM workflows WHERE id = ? ORDER BY version ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow versions: %w", err)
	}
	defer rows.Close()

	defs, err := scanDefinitions(rows)
	if err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: id}
	}
	return defs, nil
}

// SaveWorkflow stores a definition, deriving version max+1 when the
// caller supplies zero. The saved version becomes the latest.
func (s *Store) SaveWorkflow(ctx context.Context, def *workflow.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if def.Version <= 0 {
		var max sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			`SELECT MAX(version) FROM workflows WHERE id = ?`, def.ID).Scan(&max); err != nil {
			return fmt.Errorf("failed to derive version: %w", err)
		}
		def.Version = int(max.Int64) + 1
	}

	now := time.Now()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now
	def.IsLatest = true

	doc, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE workflows SET is_latest = 0 WHERE id = ? AND version != ?`,
		def.ID, def.Version); err != nil {
		return fmt.Errorf("failed to demote previous versions: %w", err)
	}

	query := `
		INSERT INTO workflows (id, version, name, is_latest, definition, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT (id, version) DO UPDATE SET
			name = excluded.name,
			is_latest = excluded.is_latest,
			definition = excluded.definition,
			updated_at = excluded.updated_at
	`
	if _, err := tx.ExecContext(ctx, query,
		def.ID, def.Version, def.Name, string(doc),
		def.CreatedAt.Format(time.RFC3339), now.Format(time.RFC3339)); err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// DeleteWorkflow removes all versions of a workflow.
func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "workflow", ID: id}
	}
	return nil
}

// SaveExecution upserts the full execution document. A write whose
// Revision is lower than the stored one is discarded so that a stale
// writer cannot clobber newer state.
func (s *Store) SaveExecution(ctx context.Context, exec *workflow.Execution) error {
	doc, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("failed to marshal execution: %w", err)
	}

	now := time.Now().Format(time.RFC3339)
	query := `
		INSERT INTO executions (id, workflow_id, workflow_version, status, trigger_type,
			revision, document, start_time, end_time, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			revision = excluded.revision,
			document = excluded.document,
			end_time = excluded.end_time,
			updated_at = excluded.updated_at
		WHERE excluded.revision >= executions.revision
	`
	result, err := s.db.ExecContext(ctx, query,
		exec.ID, exec.WorkflowID, exec.WorkflowVersion, string(exec.Status),
		nullString(exec.TriggerType), exec.Revision, string(doc),
		exec.StartTime.Format(time.RFC3339), formatTime(exec.EndTime), now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}

	// A stale write (lower revision) affects no rows; its step records
	// must not overwrite newer ones either.
	if n, _ := result.RowsAffected(); n == 0 {
		return nil
	}

	for _, se := range exec.Steps {
		if err := s.UpdateStepExecution(ctx, exec.ID, se); err != nil {
			return err
		}
	}
	return nil
}

// GetExecution retrieves an execution by id. Step records written via
// UpdateStepExecution overlay the steps embedded in the document.
func (s *Store) GetExecution(ctx context.Context, id string) (*workflow.Execution, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM executions WHERE id = ?`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "execution", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}

	exec, err := unmarshalExecution(doc)
	if err != nil {
		return nil, err
	}
	if err := s.overlayStepRecords(ctx, exec); err != nil {
		return nil, err
	}
	return exec, nil
}

// UpdateStepExecution upserts one step record.
func (s *Store) UpdateStepExecution(ctx context.Context, executionID string, step *workflow.StepExecution) error {
	doc, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("failed to marshal step execution: %w", err)
	}

	query := `
		INSERT INTO step_executions (execution_id, step_id, status, document, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (execution_id, step_id) DO UPDATE SET
			status = excluded.status,
			document = excluded.document,
			updated_at = excluded.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		executionID, step.StepID, string(step.Status), string(doc),
		time.Now().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to update step execution: %w", err)
	}
	return nil
}

// GetExecutionHistory returns executions of a workflow, most recent first.
func (s *Store) GetExecutionHistory(ctx context.Context, workflowID string, limit int) ([]*workflow.Execution, error) {
	query := `SELECT document FROM executions WHERE workflow_id = ? ORDER BY start_time DESC`
	args := []any{workflowID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryExecutions(ctx, query, args...)
}

// GetExecutionSummaries returns lightweight projections, most recent first.
func (s *Store) GetExecutionSummaries(ctx context.Context, workflowID string, limit int) ([]*workflow.ExecutionSummary, error) {
	execs, err := s.GetExecutionHistory(ctx, workflowID, limit)
	if err != nil {
		return nil, err
	}
	summaries := make([]*workflow.ExecutionSummary, len(execs))
	for i, exec := range execs {
		summaries[i] = exec.Summarize()
	}
	return summaries, nil
}

// GetRecentExecutions returns the most recent executions across all
// workflows.
func (s *Store) GetRecentExecutions(ctx context.Context, limit int) ([]*workflow.Execution, error) {
	query := `SELECT document FROM executions ORDER BY start_time DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryExecutions(ctx, query, args...)
}

// AppendTimelineEvent appends an event.
func (s *Store) AppendTimelineEvent(ctx context.Context, event *workflow.TimelineEvent) error {
	var dataJSON []byte
	if event.Data != nil {
		var err error
		dataJSON, err = json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal event data: %w", err)
		}
	}

	query := `
		INSERT INTO timeline_events (id, execution_id, step_id, event_type, timestamp, data)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		event.ID, event.ExecutionID, nullString(event.StepID),
		string(event.Type), event.Timestamp.Format(time.RFC3339Nano), nullBytes(dataJSON))
	if err != nil {
		return fmt.Errorf("failed to append timeline event: %w", err)
	}
	return nil
}

// GetTimelineEvents returns an execution's events in chronological order.
func (s *Store) GetTimelineEvents(ctx context.Context, executionID string, limit int) ([]*workflow.TimelineEvent, error) {
	query := `
		SELECT id, execution_id, step_id, event_type, timestamp, data
		FROM timeline_events WHERE execution_id = ? ORDER BY timestamp ASC
	`
	args := []any{executionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list timeline events: %w", err)
	}
	defer rows.Close()

	var events []*workflow.TimelineEvent
	for rows.Next() {
		var event workflow.TimelineEvent
		var stepID, dataJSON sql.NullString
		var timestamp string

		if err := rows.Scan(&event.ID, &event.ExecutionID, &stepID,
			&event.Type, &timestamp, &dataJSON); err != nil {
			return nil, fmt.Errorf("failed to scan timeline event: %w", err)
		}

		if stepID.Valid {
			event.StepID = stepID.String
		}
		if dataJSON.Valid && dataJSON.String != "" {
			if err := json.Unmarshal([]byte(dataJSON.String), &event.Data); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
			}
		}
		event.Timestamp, _ = time.Parse(time.RFC3339Nano, timestamp)

		events = append(events, &event)
	}

	return events, rows.Err()
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// queryExecutions runs a document query and overlays step records.
func (s *Store) queryExecutions(ctx context.Context, query string, args ...any) ([]*workflow.Execution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var execs []*workflow.Execution
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		exec, err := unmarshalExecution(doc)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, exec := range execs {
		if err := s.overlayStepRecords(ctx, exec); err != nil {
			return nil, err
		}
	}
	return execs, nil
}

// overlayStepRecords replaces document-embedded step records with the
// rows written by UpdateStepExecution, which may be newer.
func (s *Store) overlayStepRecords(ctx context.Context, exec *workflow.Execution) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step_id, document FROM step_executions WHERE execution_id = ?`, exec.ID)
	if err != nil {
		return fmt.Errorf("failed to list step executions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var stepID, doc string
		if err := rows.Scan(&stepID, &doc); err != nil {
			return fmt.Errorf("failed to scan step execution: %w", err)
		}
		var se workflow.StepExecution
		if err := json.Unmarshal([]byte(doc), &se); err != nil {
			return fmt.Errorf("failed to unmarshal step execution: %w", err)
		}
		if existing := exec.StepExecutionFor(stepID); existing != nil {
			*existing = se
		} else {
			exec.Steps = append(exec.Steps, &se)
		}
	}
	return rows.Err()
}

func scanDefinitions(rows *sql.Rows) ([]*workflow.Definition, error) {
	var defs []*workflow.Definition
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		var def workflow.Definition
		if err := json.Unmarshal([]byte(doc), &def); err != nil {
			return nil, fmt.Errorf("failed to unmarshal workflow: %w", err)
		}
		defs = append(defs, &def)
	}
	return defs, rows.Err()
}

func unmarshalExecution(doc string) (*workflow.Execution, error) {
	var exec workflow.Execution
	if err := json.Unmarshal([]byte(doc), &exec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution: %w", err)
	}
	return &exec, nil
}

// Helper functions

// formatTime converts a *time.Time to RFC3339 string or nil.
func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}

// nullString returns nil if string is empty, otherwise the string.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullBytes returns nil if byte slice is empty, otherwise the string representation.
func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

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

// Package docstore provides the durable SQLite store: the source of truth
// for executions, steps and cron executions, with the secondary indexes the
// monitoring surface queries.
package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/worchflow/worchflow/internal/execution"
	"github.com/worchflow/worchflow/pkg/worchflow"
)

// Config contains store settings.
type Config struct {
	// Path is the database file path. ":memory:" is accepted for tests.
	Path string
}

// Store is the durable document store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New opens the store and creates the base tables. Index bootstrap is a
// separate, idempotent step (EnsureIndexes) run during the worker startup
// handshake.
func New(cfg Config, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite serializes writes; a single connection avoids lock churn.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}

	s := &Store{db: db, logger: logger}

	if err := s.configurePragmas(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure pragmas: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			event_name TEXT NOT NULL,
			event_data TEXT NOT NULL,
			status TEXT NOT NULL,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			result TEXT,
			error TEXT,
			error_stack TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS steps (
			execution_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			result TEXT,
			timestamp INTEGER NOT NULL,
			PRIMARY KEY (execution_id, step_id)
		)`,
		`CREATE TABLE IF NOT EXISTS cron_executions (
			function_id TEXT PRIMARY KEY,
			last_execution_time INTEGER NOT NULL,
			next_scheduled_time INTEGER NOT NULL,
			cron_expression TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
	}
	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// EnsureIndexes creates the secondary indexes idempotently. An index that
// already exists with the same spec is a success, which is exactly the
// IF NOT EXISTS contract.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	indexes := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_executions_id ON executions(id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status_created ON executions(status, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_created ON executions(created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_event_created ON executions(event_name, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_execution_timestamp ON steps(execution_id, timestamp ASC)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_steps_execution_step ON steps(execution_id, step_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_cron_executions_function ON cron_executions(function_id)`,
	}
	for _, index := range indexes {
		if _, err := s.db.ExecContext(ctx, index); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	if s.logger != nil {
		s.logger.Debug("indexes ensured", slog.Int("count", len(indexes)))
	}
	return nil
}

// Ping verifies the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertExecution creates a new execution row. A duplicate id violates the
// unique index and errors.
func (s *Store) InsertExecution(ctx context.Context, e *execution.Execution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (id, event_name, event_data, status, attempt_count, result, error, error_stack, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.EventName, string(e.EventData), string(e.Status), e.AttemptCount,
		nullableJSON(e.Result), nullableString(e.Error), nullableString(e.ErrorStack),
		e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert execution %s: %w", e.ID, err)
	}
	return nil
}

// GetExecution returns the execution with the given id, or
// worchflow.ErrNotFound.
func (s *Store) GetExecution(ctx context.Context, id string) (*execution.Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, event_name, event_data, status, attempt_count, result, error, error_stack, created_at, updated_at
		 FROM executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("execution %s: %w", id, worchflow.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get execution %s: %w", id, err)
	}
	return e, nil
}

// Updatable execution fields, keyed by their record names. The whitelist
// keeps arbitrary strings out of the generated SQL.
var executionColumns = map[string]string{
	execution.FieldStatus:       "status",
	execution.FieldAttemptCount: "attempt_count",
	execution.FieldResult:       "result",
	execution.FieldError:        "error",
	execution.FieldErrorStack:   "error_stack",
	execution.FieldUpdatedAt:    "updated_at",
}

// UpdateExecution applies a $set/$unset style update to one execution.
// set maps field names to new values; unset names fields to clear to NULL.
func (s *Store) UpdateExecution(ctx context.Context, id string, set map[string]any, unset []string) error {
	if len(set) == 0 && len(unset) == 0 {
		return nil
	}

	var clauses []string
	var args []any
	for field, value := range set {
		col, ok := executionColumns[field]
		if !ok {
			return fmt.Errorf("update execution %s: unknown field %q", id, field)
		}
		clauses = append(clauses, col+" = ?")
		args = append(args, normalizeValue(value))
	}
	for _, field := range unset {
		col, ok := executionColumns[field]
		if !ok {
			return fmt.Errorf("update execution %s: unknown field %q", id, field)
		}
		clauses = append(clauses, col+" = NULL")
	}
	args = append(args, id)

	query := "UPDATE executions SET " + strings.Join(clauses, ", ") + " WHERE id = ?"
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update execution %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("execution %s: %w", id, worchflow.ErrNotFound)
	}
	return nil
}

// ExecutionFilter narrows and pages execution listings. Results are always
// ordered by created_at descending.
type ExecutionFilter struct {
	Status    execution.Status
	EventName string
	Limit     int
	Skip      int
}

// ListExecutions lists executions matching the filter, newest first.
func (s *Store) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*execution.Execution, error) {
	query := `SELECT id, event_name, event_data, status, attempt_count, result, error, error_stack, created_at, updated_at
	          FROM executions`
	var conds []string
	var args []any
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.EventName != "" {
		conds = append(conds, "event_name = ?")
		args = append(args, filter.EventName)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Skip > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Skip)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var result []*execution.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// ListInFlight returns executions in processing or retrying, oldest first.
// This is the orphan recovery query.
func (s *Store) ListInFlight(ctx context.Context) ([]*execution.Execution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_name, event_data, status, attempt_count, result, error, error_stack, created_at, updated_at
		 FROM executions WHERE status IN (?, ?) ORDER BY created_at ASC`,
		string(execution.StatusProcessing), string(execution.StatusRetrying))
	if err != nil {
		return nil, fmt.Errorf("list in-flight executions: %w", err)
	}
	defer rows.Close()

	var result []*execution.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// CountExecutions counts executions, optionally restricted to one status.
func (s *Store) CountExecutions(ctx context.Context, status execution.Status) (int64, error) {
	var (
		n   int64
		err error
	)
	if status == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM executions`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM executions WHERE status = ?`, string(status)).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count executions: %w", err)
	}
	return n, nil
}

// DeleteExecution removes an execution and its steps.
func (s *Store) DeleteExecution(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM steps WHERE execution_id = ?`, id); err != nil {
		return fmt.Errorf("delete steps of %s: %w", id, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete execution %s: %w", id, err)
	}
	return nil
}

// InsertStep records a completed step. Re-inserting the same
// (execution, step) pair overwrites, which keeps a duplicated handler
// invocation after orphan recovery idempotent.
func (s *Store) InsertStep(ctx context.Context, step *execution.Step) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO steps (execution_id, step_id, name, status, result, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (execution_id, step_id) DO UPDATE SET
		   result = excluded.result,
		   timestamp = excluded.timestamp`,
		step.ExecutionID, step.StepID, step.Name, string(step.Status),
		nullableJSON(step.Result), step.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert step %s/%s: %w", step.ExecutionID, step.StepID, err)
	}
	return nil
}

// ListSteps returns an execution's steps in completion order.
func (s *Store) ListSteps(ctx context.Context, executionID string) ([]*execution.Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_id, step_id, name, status, result, timestamp
		 FROM steps WHERE execution_id = ? ORDER BY timestamp ASC`, executionID)
	if err != nil {
		return nil, fmt.Errorf("list steps of %s: %w", executionID, err)
	}
	defer rows.Close()

	var result []*execution.Step
	for rows.Next() {
		var (
			step   execution.Step
			status string
			res    sql.NullString
		)
		if err := rows.Scan(&step.ExecutionID, &step.StepID, &step.Name, &status, &res, &step.Timestamp); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		step.Status = execution.Status(status)
		if res.Valid {
			step.Result = json.RawMessage(res.String)
		}
		result = append(result, &step)
	}
	return result, rows.Err()
}

// UpsertCronExecution stamps a scheduled function's last and next firing,
// keyed by function id.
func (s *Store) UpsertCronExecution(ctx context.Context, ce *execution.CronExecution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cron_executions (function_id, last_execution_time, next_scheduled_time, cron_expression, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (function_id) DO UPDATE SET
		   last_execution_time = excluded.last_execution_time,
		   next_scheduled_time = excluded.next_scheduled_time,
		   cron_expression = excluded.cron_expression,
		   updated_at = excluded.updated_at`,
		ce.FunctionID, ce.LastExecutionTime, ce.NextScheduledTime, ce.CronExpression, ce.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert cron execution %s: %w", ce.FunctionID, err)
	}
	return nil
}

// GetCronExecution returns the cron record for a function, or
// worchflow.ErrNotFound when it has never fired.
func (s *Store) GetCronExecution(ctx context.Context, functionID string) (*execution.CronExecution, error) {
	var ce execution.CronExecution
	err := s.db.QueryRowContext(ctx,
		`SELECT function_id, last_execution_time, next_scheduled_time, cron_expression, updated_at
		 FROM cron_executions WHERE function_id = ?`, functionID).
		Scan(&ce.FunctionID, &ce.LastExecutionTime, &ce.NextScheduledTime, &ce.CronExpression, &ce.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("cron execution %s: %w", functionID, worchflow.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get cron execution %s: %w", functionID, err)
	}
	return &ce, nil
}

// scanner abstracts sql.Row and sql.Rows for scanExecution.
type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(row scanner) (*execution.Execution, error) {
	var (
		e          execution.Execution
		status     string
		eventData  string
		result     sql.NullString
		errMsg     sql.NullString
		errorStack sql.NullString
	)
	err := row.Scan(&e.ID, &e.EventName, &eventData, &status, &e.AttemptCount,
		&result, &errMsg, &errorStack, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.EventData = json.RawMessage(eventData)
	e.Status = execution.Status(status)
	if result.Valid {
		e.Result = json.RawMessage(result.String)
	}
	if errMsg.Valid {
		e.Error = errMsg.String
	}
	if errorStack.Valid {
		e.ErrorStack = errorStack.String
	}
	return &e, nil
}

// normalizeValue converts record-level types to driver-friendly ones.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case execution.Status:
		return string(t)
	case json.RawMessage:
		return nullableJSON(t)
	default:
		return v
	}
}

func nullableJSON(raw json.RawMessage) any {
	if raw == nil {
		return nil
	}
	return string(raw)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

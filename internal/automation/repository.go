package automation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository defines the interface for automation persistence.
// This abstraction allows different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// Automation CRUD
	GetByID(ctx context.Context, id string) (*Automation, error)
	List(ctx context.Context) ([]Automation, error)
	Create(ctx context.Context, a *Automation) error
	Update(ctx context.Context, a *Automation) error
	Delete(ctx context.Context, id string) error

	// Run history
	CreateRun(ctx context.Context, run *RunLog) error
	FinalizeRun(ctx context.Context, run *RunLog) error
	ListRuns(ctx context.Context, automationID string, limit int) ([]RunLog, error)

	// RecordRunStats increments run_count and sets last_run and last_status.
	RecordRunStats(ctx context.Context, id string, ranAt time.Time, status RunStatus) error

	// Engine-private state for once schedules
	ScheduleFired(ctx context.Context, id string, runAt time.Time) (bool, error)
	MarkScheduleFired(ctx context.Context, id string, runAt, firedAt time.Time) error
}

// Run history page size bounds.
const (
	defaultRunLimit = 20
	maxRunLimit     = 500
)

// storedTimeLayout is fixed-width so stored timestamps sort lexically.
const storedTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// automationColumns is the SELECT column list for automation queries.
const automationColumns = `id, name, description, enabled, priority, trigger_spec,
			conditions, condition_logic, actions, run_count, last_run, last_status,
			created_at, updated_at`

const runColumns = `id, automation_id, trigger_type, triggered_at, completed_at, status, message`

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// GetByID retrieves an automation by its unique identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Automation, error) {
	query := `SELECT ` + automationColumns + ` FROM automations WHERE id = ?`

	a, err := scanAutomation(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAutomationNotFound
		}
		return nil, fmt.Errorf("querying automation by id: %w", err)
	}
	return a, nil
}

// List retrieves all automations, highest priority first.
func (r *SQLiteRepository) List(ctx context.Context) ([]Automation, error) {
	query := `SELECT ` + automationColumns + ` FROM automations ORDER BY priority DESC, id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying automations: %w", err)
	}
	defer rows.Close()

	var automations []Automation
	for rows.Next() {
		a, scanErr := scanAutomation(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning automation: %w", scanErr)
		}
		automations = append(automations, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating automations: %w", err)
	}
	return automations, nil
}

// Create inserts a new automation.
func (r *SQLiteRepository) Create(ctx context.Context, a *Automation) error {
	cols, err := marshalDefinition(a)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.CreatedAt
	}

	query := `
		INSERT INTO automations (
			id, name, description, enabled, priority, trigger_spec,
			conditions, condition_logic, actions, run_count, last_run, last_status,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, query,
		a.ID,
		a.Name,
		nullableString(a.Description),
		boolToInt(a.Enabled),
		a.Priority,
		cols.trigger,
		cols.conditions,
		string(a.ConditionLogic),
		cols.actions,
		a.RunCount,
		nullableTime(a.LastRun),
		nullableStatus(a.LastStatus),
		formatTime(a.CreatedAt),
		formatTime(a.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrAutomationExists
		}
		return fmt.Errorf("inserting automation: %w", err)
	}
	return nil
}

// Update replaces an automation's definition. Run statistics are owned by
// RecordRunStats and are left untouched.
func (r *SQLiteRepository) Update(ctx context.Context, a *Automation) error {
	cols, err := marshalDefinition(a)
	if err != nil {
		return err
	}

	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = time.Now().UTC()
	}

	query := `
		UPDATE automations SET
			name = ?, description = ?, enabled = ?, priority = ?, trigger_spec = ?,
			conditions = ?, condition_logic = ?, actions = ?, updated_at = ?
		WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query,
		a.Name,
		nullableString(a.Description),
		boolToInt(a.Enabled),
		a.Priority,
		cols.trigger,
		cols.conditions,
		string(a.ConditionLogic),
		cols.actions,
		formatTime(a.UpdatedAt),
		a.ID,
	)
	if err != nil {
		return fmt.Errorf("updating automation: %w", err)
	}
	return expectOneRow(result, ErrAutomationNotFound)
}

// Delete removes an automation. Its runs and schedule state cascade.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM automations WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting automation: %w", err)
	}
	return expectOneRow(result, ErrAutomationNotFound)
}

// RecordRunStats increments run_count and sets last_run and last_status.
func (r *SQLiteRepository) RecordRunStats(ctx context.Context, id string, ranAt time.Time, status RunStatus) error {
	query := `
		UPDATE automations SET
			run_count = run_count + 1, last_run = ?, last_status = ?
		WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query, formatTime(ranAt), string(status), id)
	if err != nil {
		return fmt.Errorf("recording run stats: %w", err)
	}
	return expectOneRow(result, ErrAutomationNotFound)
}

// ─── Run History ────────────────────────────────────────────────────────────

// CreateRun inserts a run record, normally in pending state.
func (r *SQLiteRepository) CreateRun(ctx context.Context, run *RunLog) error {
	query := `INSERT INTO automation_runs (` + runColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		run.ID,
		run.AutomationID,
		string(run.TriggerType),
		formatTime(run.TriggeredAt),
		nullableTime(run.CompletedAt),
		string(run.Status),
		nullableString(&run.Message),
	)
	if err != nil {
		if isForeignKeyError(err) {
			return ErrAutomationNotFound
		}
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

// FinalizeRun writes the terminal status of a pending run. A run that is
// already finalized is never rewritten; that case reports ErrRunNotFound.
func (r *SQLiteRepository) FinalizeRun(ctx context.Context, run *RunLog) error {
	query := `
		UPDATE automation_runs SET
			completed_at = ?, status = ?, message = ?
		WHERE id = ? AND status = 'pending'`

	result, err := r.db.ExecContext(ctx, query,
		nullableTime(run.CompletedAt),
		string(run.Status),
		nullableString(&run.Message),
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("finalizing run: %w", err)
	}
	return expectOneRow(result, ErrRunNotFound)
}

// ListRuns retrieves the most recent runs of an automation, newest first.
func (r *SQLiteRepository) ListRuns(ctx context.Context, automationID string, limit int) ([]RunLog, error) {
	if limit <= 0 {
		limit = defaultRunLimit
	}
	if limit > maxRunLimit {
		limit = maxRunLimit
	}

	query := `
		SELECT ` + runColumns + `
		FROM automation_runs
		WHERE automation_id = ?
		ORDER BY triggered_at DESC, rowid DESC
		LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, automationID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	runs := []RunLog{}
	for rows.Next() {
		run, scanErr := scanRun(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning run: %w", scanErr)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runs: %w", err)
	}
	return runs, nil
}

// ─── Schedule State ─────────────────────────────────────────────────────────

// ScheduleFired reports whether a once schedule already fired for runAt.
func (r *SQLiteRepository) ScheduleFired(ctx context.Context, id string, runAt time.Time) (bool, error) {
	var fired string
	err := r.db.QueryRowContext(ctx,
		`SELECT fired_run_at FROM automation_schedule_state WHERE automation_id = ?`, id,
	).Scan(&fired)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("querying schedule state: %w", err)
	}
	return fired == formatTime(runAt), nil
}

// MarkScheduleFired records that a once schedule fired for runAt.
func (r *SQLiteRepository) MarkScheduleFired(ctx context.Context, id string, runAt, firedAt time.Time) error {
	query := `
		INSERT INTO automation_schedule_state (automation_id, fired_run_at, fired_at)
		VALUES (?, ?, ?)
		ON CONFLICT(automation_id) DO UPDATE SET
			fired_run_at = excluded.fired_run_at, fired_at = excluded.fired_at`

	if _, err := r.db.ExecContext(ctx, query, id, formatTime(runAt), formatTime(firedAt)); err != nil {
		if isForeignKeyError(err) {
			return ErrAutomationNotFound
		}
		return fmt.Errorf("recording schedule state: %w", err)
	}
	return nil
}

// ─── Row Scanning Helpers ───────────────────────────────────────────────────

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAutomation(scanner rowScanner) (*Automation, error) {
	var a Automation
	var description, lastRun, lastStatus sql.NullString
	var triggerJSON, conditionsJSON, actionsJSON string
	var logic string
	var enabled int
	var createdAt, updatedAt string

	err := scanner.Scan(
		&a.ID,
		&a.Name,
		&description,
		&enabled,
		&a.Priority,
		&triggerJSON,
		&conditionsJSON,
		&logic,
		&actionsJSON,
		&a.RunCount,
		&lastRun,
		&lastStatus,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if description.Valid {
		a.Description = &description.String
	}
	if lastRun.Valid {
		t := parseStoredTime(lastRun.String)
		a.LastRun = &t
	}
	if lastStatus.Valid {
		s := RunStatus(lastStatus.String)
		a.LastStatus = &s
	}

	a.Enabled = enabled != 0
	a.ConditionLogic = Logic(logic)
	a.CreatedAt = parseStoredTime(createdAt)
	a.UpdatedAt = parseStoredTime(updatedAt)

	if err := json.Unmarshal([]byte(triggerJSON), &a.Trigger); err != nil {
		return nil, fmt.Errorf("unmarshalling trigger: %w", err)
	}
	if err := json.Unmarshal([]byte(conditionsJSON), &a.Conditions); err != nil {
		return nil, fmt.Errorf("unmarshalling conditions: %w", err)
	}
	if err := json.Unmarshal([]byte(actionsJSON), &a.Actions); err != nil {
		return nil, fmt.Errorf("unmarshalling actions: %w", err)
	}
	if a.Conditions == nil {
		a.Conditions = []Condition{}
	}

	return &a, nil
}

func scanRun(scanner rowScanner) (*RunLog, error) {
	var run RunLog
	var triggerType, status, triggeredAt string
	var completedAt, message sql.NullString

	err := scanner.Scan(
		&run.ID,
		&run.AutomationID,
		&triggerType,
		&triggeredAt,
		&completedAt,
		&status,
		&message,
	)
	if err != nil {
		return nil, err
	}

	run.TriggerType = TriggerType(triggerType)
	run.Status = RunStatus(status)
	run.TriggeredAt = parseStoredTime(triggeredAt)
	if completedAt.Valid {
		t := parseStoredTime(completedAt.String)
		run.CompletedAt = &t
	}
	run.Message = message.String

	return &run, nil
}

// ─── SQL Helpers ────────────────────────────────────────────────────────────

// definitionColumns holds the JSON-encoded parts of an automation.
type definitionColumns struct {
	trigger    string
	conditions string
	actions    string
}

func marshalDefinition(a *Automation) (definitionColumns, error) {
	var cols definitionColumns

	trigger, err := json.Marshal(a.Trigger)
	if err != nil {
		return cols, fmt.Errorf("marshalling trigger: %w", err)
	}
	conditions := a.Conditions
	if conditions == nil {
		conditions = []Condition{}
	}
	conds, err := json.Marshal(conditions)
	if err != nil {
		return cols, fmt.Errorf("marshalling conditions: %w", err)
	}
	actions, err := json.Marshal(a.Actions)
	if err != nil {
		return cols, fmt.Errorf("marshalling actions: %w", err)
	}

	cols.trigger = string(trigger)
	cols.conditions = string(conds)
	cols.actions = string(actions)
	return cols, nil
}

func expectOneRow(result sql.Result, notFound error) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return notFound
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(storedTimeLayout)
}

// parseStoredTime accepts both the fixed-width layout and the second
// precision RFC3339 written by SQLite column defaults.
func parseStoredTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullableString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullableStatus(s *RunStatus) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*s), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint failed") ||
		strings.Contains(msg, "unique constraint")
}

func isForeignKeyError(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "foreign key constraint")
}

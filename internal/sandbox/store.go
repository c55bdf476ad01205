package sandbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/sibyldev/sibyl/internal/db"
	"github.com/sibyldev/sibyl/internal/db/dialect"
)

// ErrSandboxNotFound is returned when a sandbox id does not exist in the org.
var ErrSandboxNotFound = errors.New("sandbox not found")

// ErrTaskNotFound is returned when a sandbox task id does not exist in the org.
var ErrTaskNotFound = errors.New("sandbox task not found")

// ErrTerminalTask is returned when a transition targets a task already in a
// terminal state. Terminal transitions are one-shot.
var ErrTerminalTask = errors.New("sandbox task already terminal")

// Store reads and writes sandbox and sandbox_task rows.
type Store struct {
	pool *db.Pool
}

// NewStore creates the store and ensures its schema exists.
func NewStore(pool *db.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize sandbox schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sandbox (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		status TEXT NOT NULL,
		runner_id TEXT NOT NULL DEFAULT '',
		pod_name TEXT NOT NULL DEFAULT '',
		context TEXT NOT NULL DEFAULT '{}',
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sandbox_org_user ON sandbox(organization_id, user_id, updated_at);
	CREATE INDEX IF NOT EXISTS idx_sandbox_status ON sandbox(status);

	CREATE TABLE IF NOT EXISTS sandbox_task (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		sandbox_id TEXT NOT NULL,
		task_type TEXT NOT NULL,
		status TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		attempt_count INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		idempotency_key TEXT NOT NULL DEFAULT '',
		runner_id TEXT NOT NULL DEFAULT '',
		last_dispatch_at TIMESTAMP,
		acked_at TIMESTAMP,
		completed_at TIMESTAMP,
		failed_at TIMESTAMP,
		result TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sandbox_task_dispatch ON sandbox_task(organization_id, sandbox_id, status, created_at);
	CREATE INDEX IF NOT EXISTS idx_sandbox_task_idem ON sandbox_task(organization_id, sandbox_id, idempotency_key);
	`
	_, err := s.pool.Writer().Exec(schema)
	return err
}

const sandboxColumns = `id, organization_id, user_id, status, runner_id, pod_name, context, last_error, created_at, updated_at`

type sandboxRow struct {
	Sandbox
	ContextJSON string `db:"context"`
}

func (r *sandboxRow) decode() (*Sandbox, error) {
	sb := r.Sandbox
	if r.ContextJSON != "" && r.ContextJSON != "{}" {
		if err := json.Unmarshal([]byte(r.ContextJSON), &sb.Context); err != nil {
			return nil, fmt.Errorf("decode context of sandbox %s: %w", sb.ID, err)
		}
	}
	return &sb, nil
}

// InsertSandbox persists a new sandbox row. Fills ID and timestamps.
func (s *Store) InsertSandbox(ctx context.Context, sb *Sandbox) error {
	if sb.OrgID == "" || sb.UserID == "" {
		return fmt.Errorf("sandbox requires org and user ids")
	}
	if sb.ID == "" {
		sb.ID = uuid.New().String()
	}
	if sb.Status == "" {
		sb.Status = StatusCreating
	}
	now := time.Now().UTC()
	if sb.CreatedAt.IsZero() {
		sb.CreatedAt = now
	}
	sb.UpdatedAt = now

	contextJSON := "{}"
	if sb.Context != nil {
		raw, err := json.Marshal(sb.Context)
		if err != nil {
			return fmt.Errorf("encode sandbox context: %w", err)
		}
		contextJSON = string(raw)
	}

	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO sandbox (`+sandboxColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), sb.ID, sb.OrgID, sb.UserID, sb.Status, sb.RunnerID, sb.PodName,
		contextJSON, sb.LastError, sb.CreatedAt, sb.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert sandbox %s: %w", sb.ID, err)
	}
	return nil
}

// GetSandbox returns one sandbox by id within the org.
func (s *Store) GetSandbox(ctx context.Context, orgID, id string) (*Sandbox, error) {
	var row sandboxRow
	r := s.pool.Reader()
	err := r.GetContext(ctx, &row, r.Rebind(`
		SELECT `+sandboxColumns+` FROM sandbox
		WHERE organization_id = ? AND id = ?
	`), orgID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSandboxNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get sandbox %s: %w", id, err)
	}
	return row.decode()
}

// LatestSandboxFor returns the most-recently-updated non-terminal sandbox
// for the (org, user) pair, or ErrSandboxNotFound.
func (s *Store) LatestSandboxFor(ctx context.Context, orgID, userID string) (*Sandbox, error) {
	var row sandboxRow
	r := s.pool.Reader()
	err := r.GetContext(ctx, &row, r.Rebind(`
		SELECT `+sandboxColumns+` FROM sandbox
		WHERE organization_id = ? AND user_id = ? AND status != ?
		ORDER BY updated_at DESC
		LIMIT 1
	`), orgID, userID, StatusDestroyed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: for user %s", ErrSandboxNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("latest sandbox for %s: %w", userID, err)
	}
	return row.decode()
}

// SetSandboxStatus writes the status and last_error of a sandbox.
func (s *Store) SetSandboxStatus(ctx context.Context, orgID, id string, status Status, lastError string) error {
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE sandbox SET status = ?, last_error = ?, updated_at = ?
		WHERE organization_id = ? AND id = ?
	`), status, lastError, time.Now().UTC(), orgID, id)
	if err != nil {
		return fmt.Errorf("set sandbox %s status: %w", id, err)
	}
	return requireRow(res, ErrSandboxNotFound, id)
}

// SetSandboxPod records the runtime pod name for a sandbox.
func (s *Store) SetSandboxPod(ctx context.Context, orgID, id, podName string) error {
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE sandbox SET pod_name = ?, updated_at = ?
		WHERE organization_id = ? AND id = ?
	`), podName, time.Now().UTC(), orgID, id)
	if err != nil {
		return fmt.Errorf("set sandbox %s pod: %w", id, err)
	}
	return requireRow(res, ErrSandboxNotFound, id)
}

// SetSandboxRunner records which runner is connected to the sandbox.
func (s *Store) SetSandboxRunner(ctx context.Context, orgID, id, runnerID string) error {
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE sandbox SET runner_id = ?, updated_at = ?
		WHERE organization_id = ? AND id = ?
	`), runnerID, time.Now().UTC(), orgID, id)
	if err != nil {
		return fmt.Errorf("set sandbox %s runner: %w", id, err)
	}
	return requireRow(res, ErrSandboxNotFound, id)
}

// SandboxesInStates returns sandboxes in any of the given states across
// all orgs. The reconcile loop runs process-wide; org scoping happens when
// it acts on individual rows.
func (s *Store) SandboxesInStates(ctx context.Context, states ...Status) ([]*Sandbox, error) {
	if len(states) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`
		SELECT `+sandboxColumns+` FROM sandbox
		WHERE status IN (?)
		ORDER BY updated_at ASC
	`, states)
	if err != nil {
		return nil, fmt.Errorf("build sandbox state query: %w", err)
	}

	var rows []sandboxRow
	r := s.pool.Reader()
	if err := r.SelectContext(ctx, &rows, r.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list sandboxes by state: %w", err)
	}
	out := make([]*Sandbox, 0, len(rows))
	for i := range rows {
		sb, err := rows[i].decode()
		if err != nil {
			return nil, err
		}
		out = append(out, sb)
	}
	return out, nil
}

const taskColumns = `id, organization_id, sandbox_id, task_type, status, payload, attempt_count, max_attempts, idempotency_key, runner_id, last_dispatch_at, acked_at, completed_at, failed_at, result, error_message, created_at, updated_at`

type taskRow struct {
	Task
	PayloadJSON string `db:"payload"`
}

func (r *taskRow) decode() (*Task, error) {
	t := r.Task
	if r.PayloadJSON != "" && r.PayloadJSON != "{}" {
		if err := json.Unmarshal([]byte(r.PayloadJSON), &t.Payload); err != nil {
			return nil, fmt.Errorf("decode payload of sandbox task %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

func decodeTaskRows(rows []taskRow) ([]*Task, error) {
	out := make([]*Task, 0, len(rows))
	for i := range rows {
		t, err := rows[i].decode()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// EnqueueTask inserts a queued task. When an idempotency key is given and
// an active task with the same (org, sandbox, key) exists, that row is
// returned instead of inserting a duplicate.
func (s *Store) EnqueueTask(ctx context.Context, t *Task) (*Task, error) {
	if t.OrgID == "" || t.SandboxID == "" {
		return nil, fmt.Errorf("sandbox task requires org and sandbox ids")
	}
	if t.TaskType == "" {
		return nil, fmt.Errorf("sandbox task requires a task_type")
	}
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = DefaultMaxAttempts
	}

	payloadJSON := "{}"
	if t.Payload != nil {
		raw, err := json.Marshal(t.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode sandbox task payload: %w", err)
		}
		payloadJSON = string(raw)
	}

	tx, err := s.pool.Writer().Beginx()
	if err != nil {
		return nil, fmt.Errorf("begin enqueue tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if t.IdempotencyKey != "" {
		var existing taskRow
		err := tx.GetContext(ctx, &existing, tx.Rebind(`
			SELECT `+taskColumns+` FROM sandbox_task
			WHERE organization_id = ? AND sandbox_id = ? AND idempotency_key = ?
			  AND status IN (?, ?, ?, ?)
			ORDER BY created_at ASC
			LIMIT 1
		`), t.OrgID, t.SandboxID, t.IdempotencyKey,
			TaskQueued, TaskRetry, TaskDispatched, TaskAcked)
		if err == nil {
			if err := tx.Commit(); err != nil {
				return nil, fmt.Errorf("commit enqueue tx: %w", err)
			}
			return existing.decode()
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("idempotency check: %w", err)
		}
	}

	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.Status = TaskQueued
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO sandbox_task (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), t.ID, t.OrgID, t.SandboxID, t.TaskType, t.Status, payloadJSON,
		t.AttemptCount, t.MaxAttempts, t.IdempotencyKey, t.RunnerID,
		t.LastDispatchAt, t.AckedAt, t.CompletedAt, t.FailedAt,
		t.Result, t.ErrorMessage, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert sandbox task %s: %w", t.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit enqueue tx: %w", err)
	}
	return t, nil
}

// GetTask returns one task by id within the org.
func (s *Store) GetTask(ctx context.Context, orgID, id string) (*Task, error) {
	var row taskRow
	r := s.pool.Reader()
	err := r.GetContext(ctx, &row, r.Rebind(`
		SELECT `+taskColumns+` FROM sandbox_task
		WHERE organization_id = ? AND id = ?
	`), orgID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get sandbox task %s: %w", id, err)
	}
	return row.decode()
}

// TasksForSandbox returns the sandbox's tasks, oldest first.
func (s *Store) TasksForSandbox(ctx context.Context, orgID, sandboxID string) ([]*Task, error) {
	var rows []taskRow
	r := s.pool.Reader()
	err := r.SelectContext(ctx, &rows, r.Rebind(`
		SELECT `+taskColumns+` FROM sandbox_task
		WHERE organization_id = ? AND sandbox_id = ?
		ORDER BY created_at ASC
	`), orgID, sandboxID)
	if err != nil {
		return nil, fmt.Errorf("list tasks for sandbox %s: %w", sandboxID, err)
	}
	return decodeTaskRows(rows)
}

// ClaimDispatchable transactionally claims up to limit queued or retry
// tasks for the sandbox, oldest first, and marks them dispatched. The
// attempt counter increments here and only here. Rows whose budget is
// already spent are failed inside the same transaction instead of being
// returned. On PostgreSQL concurrent dispatchers skip each other's locked
// rows; on SQLite the single-writer pool serializes them.
func (s *Store) ClaimDispatchable(ctx context.Context, orgID, sandboxID string, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 10
	}

	lockClause := ""
	if dialect.IsPostgres(s.pool.Driver()) {
		lockClause = " FOR UPDATE SKIP LOCKED"
	}

	tx, err := s.pool.Writer().Beginx()
	if err != nil {
		return nil, fmt.Errorf("begin dispatch tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var rows []taskRow
	err = tx.SelectContext(ctx, &rows, tx.Rebind(`
		SELECT `+taskColumns+` FROM sandbox_task
		WHERE organization_id = ? AND sandbox_id = ? AND status IN (?, ?)
		ORDER BY created_at ASC
		LIMIT ?`+lockClause,
	), orgID, sandboxID, TaskQueued, TaskRetry, limit)
	if err != nil {
		return nil, fmt.Errorf("select dispatchable tasks: %w", err)
	}

	now := time.Now().UTC()
	claimed := make([]*Task, 0, len(rows))
	for i := range rows {
		t, err := rows[i].decode()
		if err != nil {
			return nil, err
		}

		if t.AttemptCount+1 > t.MaxAttempts {
			_, err = tx.ExecContext(ctx, tx.Rebind(`
				UPDATE sandbox_task SET status = ?, failed_at = ?, error_message = ?, updated_at = ?
				WHERE id = ?
			`), TaskFailed, now, ErrDispatchFailedMaxAttempts, now, t.ID)
			if err != nil {
				return nil, fmt.Errorf("fail over-budget task %s: %w", t.ID, err)
			}
			continue
		}

		_, err = tx.ExecContext(ctx, tx.Rebind(`
			UPDATE sandbox_task SET status = ?, attempt_count = attempt_count + 1, last_dispatch_at = ?, updated_at = ?
			WHERE id = ?
		`), TaskDispatched, now, now, t.ID)
		if err != nil {
			return nil, fmt.Errorf("mark task %s dispatched: %w", t.ID, err)
		}

		t.Status = TaskDispatched
		t.AttemptCount++
		t.LastDispatchAt = &now
		t.UpdatedAt = now
		claimed = append(claimed, t)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit dispatch tx: %w", err)
	}
	return claimed, nil
}

// MarkTaskRetry returns a dispatched task to the retry pool after a send
// failure. The attempt already counted at dispatch.
func (s *Store) MarkTaskRetry(ctx context.Context, orgID, id string) error {
	return s.transition(ctx, orgID, id, `
		UPDATE sandbox_task SET status = ?, updated_at = ?
		WHERE organization_id = ? AND id = ? AND status = ?
	`, TaskRetry, time.Now().UTC(), orgID, id, TaskDispatched)
}

// MarkTaskFailed moves a task to failed with the given error message.
// Allowed from any non-terminal state.
func (s *Store) MarkTaskFailed(ctx context.Context, orgID, id, errorMessage string) error {
	now := time.Now().UTC()
	return s.transition(ctx, orgID, id, `
		UPDATE sandbox_task SET status = ?, failed_at = ?, error_message = ?, updated_at = ?
		WHERE organization_id = ? AND id = ? AND status IN (?, ?, ?, ?)
	`, TaskFailed, now, errorMessage, now, orgID, id,
		TaskQueued, TaskRetry, TaskDispatched, TaskAcked)
}

// AckTask records that the runner received a dispatched task.
func (s *Store) AckTask(ctx context.Context, orgID, id, runnerID string) error {
	now := time.Now().UTC()
	return s.transition(ctx, orgID, id, `
		UPDATE sandbox_task SET status = ?, acked_at = ?, runner_id = ?, updated_at = ?
		WHERE organization_id = ? AND id = ? AND status = ?
	`, TaskAcked, now, runnerID, now, orgID, id, TaskDispatched)
}

// CompleteTask finalizes a task from dispatched or acked into the given
// terminal (or retry) state. Terminal states are one-shot; completing a
// completed task returns ErrTerminalTask.
func (s *Store) CompleteTask(ctx context.Context, orgID, id string, status TaskStatus, result, errorMessage string) error {
	now := time.Now().UTC()
	var completedAt, failedAt *time.Time
	switch status {
	case TaskCompleted:
		completedAt = &now
	case TaskFailed, TaskCanceled:
		failedAt = &now
	case TaskRetry:
		// Retryable failure; timestamps stay clear.
	default:
		return fmt.Errorf("complete cannot target status %q", status)
	}

	return s.transition(ctx, orgID, id, `
		UPDATE sandbox_task SET status = ?, completed_at = ?, failed_at = ?, result = ?, error_message = ?, updated_at = ?
		WHERE organization_id = ? AND id = ? AND status IN (?, ?)
	`, status, completedAt, failedAt, result, errorMessage, now,
		orgID, id, TaskDispatched, TaskAcked)
}

// ReapStale reclaims expired leases. Dispatched tasks older than
// dispatchTTL and acked tasks older than ackTTL are requeued while budget
// remains, failed otherwise. Runs process-wide.
func (s *Store) ReapStale(ctx context.Context, dispatchTTL, ackTTL time.Duration) (requeued, failed int, err error) {
	now := time.Now().UTC()

	tx, err := s.pool.Writer().Beginx()
	if err != nil {
		return 0, 0, fmt.Errorf("begin reap tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	type cutoff struct {
		status TaskStatus
		column string
		before time.Time
	}
	cutoffs := []cutoff{
		{TaskDispatched, "last_dispatch_at", now.Add(-dispatchTTL)},
		{TaskAcked, "acked_at", now.Add(-ackTTL)},
	}

	for _, c := range cutoffs {
		var rows []taskRow
		err = tx.SelectContext(ctx, &rows, tx.Rebind(`
			SELECT `+taskColumns+` FROM sandbox_task
			WHERE status = ? AND `+c.column+` IS NOT NULL AND `+c.column+` < ?
		`), c.status, c.before)
		if err != nil {
			return 0, 0, fmt.Errorf("select stale %s tasks: %w", c.status, err)
		}

		for i := range rows {
			t := rows[i].Task
			if t.AttemptCount < t.MaxAttempts {
				_, err = tx.ExecContext(ctx, tx.Rebind(`
					UPDATE sandbox_task SET status = ?, updated_at = ? WHERE id = ?
				`), TaskRetry, now, t.ID)
				if err != nil {
					return 0, 0, fmt.Errorf("requeue stale task %s: %w", t.ID, err)
				}
				requeued++
				continue
			}
			_, err = tx.ExecContext(ctx, tx.Rebind(`
				UPDATE sandbox_task SET status = ?, failed_at = ?, error_message = ?, updated_at = ? WHERE id = ?
			`), TaskFailed, now, ErrDispatchFailedMaxAttempts, now, t.ID)
			if err != nil {
				return 0, 0, fmt.Errorf("fail stale task %s: %w", t.ID, err)
			}
			failed++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit reap tx: %w", err)
	}
	return requeued, failed, nil
}

// FailTasksForSandbox drains one sandbox's active tasks, used when the
// sandbox is destroyed. Returns how many tasks were failed.
func (s *Store) FailTasksForSandbox(ctx context.Context, orgID, sandboxID, reason string) (int, error) {
	now := time.Now().UTC()
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE sandbox_task SET status = ?, failed_at = ?, error_message = ?, updated_at = ?
		WHERE organization_id = ? AND sandbox_id = ? AND status IN (?, ?, ?, ?)
	`), TaskFailed, now, reason, now, orgID, sandboxID,
		TaskQueued, TaskRetry, TaskDispatched, TaskAcked)
	if err != nil {
		return 0, fmt.Errorf("fail tasks for sandbox %s: %w", sandboxID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count failed tasks: %w", err)
	}
	return int(n), nil
}

// FailAllPending drains every active task in the org, used for tenant
// rollback. Returns how many tasks were failed.
func (s *Store) FailAllPending(ctx context.Context, orgID, reason string) (int, error) {
	now := time.Now().UTC()
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE sandbox_task SET status = ?, failed_at = ?, error_message = ?, updated_at = ?
		WHERE organization_id = ? AND status IN (?, ?, ?, ?)
	`), TaskFailed, now, reason, now, orgID,
		TaskQueued, TaskRetry, TaskDispatched, TaskAcked)
	if err != nil {
		return 0, fmt.Errorf("fail all pending tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count failed tasks: %w", err)
	}
	return int(n), nil
}

// transition runs a guarded UPDATE and classifies a zero-row result as
// not-found or an invalid (usually terminal) transition.
func (s *Store) transition(ctx context.Context, orgID, id, query string, args ...interface{}) error {
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("transition sandbox task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("count transition rows: %w", err)
	}
	if n > 0 {
		return nil
	}

	t, getErr := s.GetTask(ctx, orgID, id)
	if getErr != nil {
		return getErr
	}
	if t.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminalTask, id, t.Status)
	}
	return fmt.Errorf("sandbox task %s in %s does not allow this transition", id, t.Status)
}

func requireRow(res sql.Result, missing error, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("count affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", missing, id)
	}
	return nil
}

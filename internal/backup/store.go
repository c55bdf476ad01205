package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sibyldev/sibyl/internal/db"
	"github.com/sibyldev/sibyl/internal/db/dialect"
)

// Backup record statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ErrNotFound is returned for missing backup records or settings.
var ErrNotFound = errors.New("backup record not found")

// Record is one row of the backup table: a single archive run, successful
// or not. Counts mirror the archive's metadata so the table answers "what
// is restorable" without opening any files.
type Record struct {
	ID                 string     `db:"id"`
	OrgID              string     `db:"organization_id"`
	Path               string     `db:"path"`
	SizeBytes          int64      `db:"size_bytes"`
	Status             string     `db:"status"`
	Error              string     `db:"error"`
	PgEntities         int        `db:"pg_entities"`
	GraphEntities      int        `db:"graph_entities"`
	GraphRelationships int        `db:"graph_relationships"`
	CreatedAt          time.Time  `db:"created_at"`
	CompletedAt        *time.Time `db:"completed_at"`
}

// Settings is the per-organization backup schedule. A missing row means
// scheduled backups are off and the global retention applies.
type Settings struct {
	OrgID         string     `db:"organization_id"`
	Enabled       bool       `db:"enabled"`
	IntervalHours int        `db:"interval_hours"`
	RetentionDays int        `db:"retention_days"`
	LastRunAt     *time.Time `db:"last_run_at"`
	UpdatedAt     time.Time  `db:"updated_at"`
}

// settingsRow adapts the integer-backed enabled column.
type settingsRow struct {
	OrgID         string     `db:"organization_id"`
	Enabled       int        `db:"enabled"`
	IntervalHours int        `db:"interval_hours"`
	RetentionDays int        `db:"retention_days"`
	LastRunAt     *time.Time `db:"last_run_at"`
	UpdatedAt     time.Time  `db:"updated_at"`
}

func (r settingsRow) settings() *Settings {
	return &Settings{
		OrgID:         r.OrgID,
		Enabled:       r.Enabled != 0,
		IntervalHours: r.IntervalHours,
		RetentionDays: r.RetentionDays,
		LastRunAt:     r.LastRunAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

// Store reads and writes backup and backup_settings rows.
type Store struct {
	pool *db.Pool
}

// NewStore creates the store and ensures its schema exists.
func NewStore(pool *db.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize backup schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS backup (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		path TEXT NOT NULL DEFAULT '',
		size_bytes INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		pg_entities INTEGER NOT NULL DEFAULT 0,
		graph_entities INTEGER NOT NULL DEFAULT 0,
		graph_relationships INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_backup_org_created ON backup(organization_id, created_at);

	CREATE TABLE IF NOT EXISTS backup_settings (
		organization_id TEXT PRIMARY KEY,
		enabled INTEGER NOT NULL DEFAULT 0,
		interval_hours INTEGER NOT NULL DEFAULT 24,
		retention_days INTEGER NOT NULL DEFAULT 0,
		last_run_at TIMESTAMP,
		updated_at TIMESTAMP NOT NULL
	);
	`
	_, err := s.pool.Writer().Exec(schema)
	return err
}

const recordColumns = `id, organization_id, path, size_bytes, status, error, pg_entities, graph_entities, graph_relationships, created_at, completed_at`

// Insert persists a new record, filling ID and CreatedAt when unset.
func (s *Store) Insert(ctx context.Context, r *Record) error {
	if r.OrgID == "" {
		return fmt.Errorf("backup record requires an organization id")
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Status == "" {
		r.Status = StatusRunning
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO backup (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), r.ID, r.OrgID, r.Path, r.SizeBytes, r.Status, r.Error,
		r.PgEntities, r.GraphEntities, r.GraphRelationships, r.CreatedAt, r.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert backup %s: %w", r.ID, err)
	}
	return nil
}

// MarkCompleted finalizes a successful run with the archive facts.
func (s *Store) MarkCompleted(ctx context.Context, r *Record) error {
	now := time.Now().UTC()
	r.Status = StatusCompleted
	r.CompletedAt = &now
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE backup
		SET status = ?, path = ?, size_bytes = ?, pg_entities = ?,
		    graph_entities = ?, graph_relationships = ?, completed_at = ?
		WHERE id = ?
	`), r.Status, r.Path, r.SizeBytes, r.PgEntities,
		r.GraphEntities, r.GraphRelationships, r.CompletedAt, r.ID)
	if err != nil {
		return fmt.Errorf("complete backup %s: %w", r.ID, err)
	}
	return nil
}

// MarkFailed finalizes an unsuccessful run with the failure reason.
func (s *Store) MarkFailed(ctx context.Context, id, reason string) error {
	now := time.Now().UTC()
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE backup SET status = ?, error = ?, completed_at = ? WHERE id = ?
	`), StatusFailed, reason, now, id)
	if err != nil {
		return fmt.Errorf("fail backup %s: %w", id, err)
	}
	return nil
}

// Get returns one record by id within the organization.
func (s *Store) Get(ctx context.Context, orgID, id string) (*Record, error) {
	var r Record
	rd := s.pool.Reader()
	err := rd.GetContext(ctx, &r, rd.Rebind(`
		SELECT `+recordColumns+` FROM backup WHERE organization_id = ? AND id = ?
	`), orgID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get backup %s: %w", id, err)
	}
	return &r, nil
}

// List returns the organization's records, newest first.
func (s *Store) List(ctx context.Context, orgID string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []*Record
	rd := s.pool.Reader()
	err := rd.SelectContext(ctx, &rows, rd.Rebind(`
		SELECT `+recordColumns+` FROM backup
		WHERE organization_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`), orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("list backups for %s: %w", orgID, err)
	}
	return rows, nil
}

// ListCompleted returns every completed record across organizations,
// oldest first. Retention sweeps walk this.
func (s *Store) ListCompleted(ctx context.Context) ([]*Record, error) {
	var rows []*Record
	rd := s.pool.Reader()
	err := rd.SelectContext(ctx, &rows, rd.Rebind(`
		SELECT `+recordColumns+` FROM backup WHERE status = ? ORDER BY created_at ASC
	`), StatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("list completed backups: %w", err)
	}
	return rows, nil
}

// Delete removes a record. The archive file is the caller's problem.
func (s *Store) Delete(ctx context.Context, id string) error {
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`DELETE FROM backup WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete backup %s: %w", id, err)
	}
	return nil
}

// SettingsFor returns the organization's schedule, or defaults with
// Enabled false when none was ever saved.
func (s *Store) SettingsFor(ctx context.Context, orgID string) (*Settings, error) {
	var row settingsRow
	rd := s.pool.Reader()
	err := rd.GetContext(ctx, &row, rd.Rebind(`
		SELECT organization_id, enabled, interval_hours, retention_days, last_run_at, updated_at
		FROM backup_settings WHERE organization_id = ?
	`), orgID)
	if errors.Is(err, sql.ErrNoRows) {
		return &Settings{OrgID: orgID, IntervalHours: 24}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("settings for %s: %w", orgID, err)
	}
	return row.settings(), nil
}

// SaveSettings upserts the organization's schedule.
func (s *Store) SaveSettings(ctx context.Context, set *Settings) error {
	if set.OrgID == "" {
		return fmt.Errorf("backup settings require an organization id")
	}
	if set.IntervalHours <= 0 {
		set.IntervalHours = 24
	}
	set.UpdatedAt = time.Now().UTC()
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO backup_settings (organization_id, enabled, interval_hours, retention_days, last_run_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (organization_id) DO UPDATE SET
			enabled = excluded.enabled,
			interval_hours = excluded.interval_hours,
			retention_days = excluded.retention_days,
			updated_at = excluded.updated_at
	`), set.OrgID, dialect.BoolToInt(set.Enabled), set.IntervalHours,
		set.RetentionDays, set.LastRunAt, set.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save settings for %s: %w", set.OrgID, err)
	}
	return nil
}

// ListEnabledSettings returns every organization with scheduled backups on.
func (s *Store) ListEnabledSettings(ctx context.Context) ([]*Settings, error) {
	var rows []settingsRow
	rd := s.pool.Reader()
	err := rd.SelectContext(ctx, &rows, rd.Rebind(`
		SELECT organization_id, enabled, interval_hours, retention_days, last_run_at, updated_at
		FROM backup_settings WHERE enabled = 1 ORDER BY organization_id
	`))
	if err != nil {
		return nil, fmt.Errorf("list enabled settings: %w", err)
	}
	out := make([]*Settings, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.settings())
	}
	return out, nil
}

// TouchLastRun stamps a scheduled run without changing the schedule.
func (s *Store) TouchLastRun(ctx context.Context, orgID string, at time.Time) error {
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE backup_settings SET last_run_at = ? WHERE organization_id = ?
	`), at.UTC(), orgID)
	if err != nil {
		return fmt.Errorf("touch last run for %s: %w", orgID, err)
	}
	return nil
}

// Package backup produces and restores per-organization archives: a plain
// SQL dump of the operational tables plus a full graph export, tarred,
// gzipped, and checksummed. Runs, retention sweeps, and schedules execute
// as jobs in the worker process.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sibyldev/sibyl/internal/common/config"
	"github.com/sibyldev/sibyl/internal/common/logger"
	"github.com/sibyldev/sibyl/internal/db"
	"github.com/sibyldev/sibyl/internal/entity/graph"
)

// Job names served by the worker process.
const (
	RunJobName       = "backup.run"
	CleanupJobName   = "backup.cleanup"
	ScheduledJobName = "backup.scheduled"
)

// graphExport is the graph.json payload.
type graphExport struct {
	Nodes []*graph.Node `json:"nodes"`
	Edges []*graph.Edge `json:"edges"`
}

// Deps are the stores the service works against.
type Deps struct {
	Pool  *db.Pool
	Graph graph.Store
}

// Service runs backups, restores, and retention.
type Service struct {
	dir        string
	retention  int
	pgDumpPath string
	dbCfg      config.DatabaseConfig
	pool       *db.Pool
	graph      graph.Store
	store      *Store
	logger     *logger.Logger
}

// NewService wires the service and ensures the backup tables exist.
func NewService(cfg config.BackupConfig, dbCfg config.DatabaseConfig, deps Deps, log *logger.Logger) (*Service, error) {
	dir, err := expandPath(cfg.Dir)
	if err != nil {
		return nil, err
	}
	store, err := NewStore(deps.Pool)
	if err != nil {
		return nil, err
	}
	retention := cfg.RetentionDays
	if retention <= 0 {
		retention = 30
	}
	pgDump := cfg.PgDumpPath
	if pgDump == "" {
		pgDump = "pg_dump"
	}
	return &Service{
		dir:        dir,
		retention:  retention,
		pgDumpPath: pgDump,
		dbCfg:      dbCfg,
		pool:       deps.Pool,
		graph:      deps.Graph,
		store:      store,
		logger:     log.WithFields(zap.String("component", "backup")),
	}, nil
}

// Run produces one archive for the organization and records it. The
// record survives failure with status failed and the reason attached.
func (s *Service) Run(ctx context.Context, orgID string) (*Record, error) {
	if orgID == "" {
		return nil, fmt.Errorf("backup requires an organization id")
	}
	rec := &Record{OrgID: orgID}
	if err := s.store.Insert(ctx, rec); err != nil {
		return nil, err
	}
	if err := s.build(ctx, rec); err != nil {
		if merr := s.store.MarkFailed(ctx, rec.ID, err.Error()); merr != nil {
			s.logger.Warn("could not record backup failure",
				zap.String("backup_id", rec.ID), zap.Error(merr))
		}
		return nil, fmt.Errorf("backup %s: %w", rec.ID, err)
	}
	if err := s.store.MarkCompleted(ctx, rec); err != nil {
		return nil, err
	}
	s.logger.Info("backup completed",
		zap.String("backup_id", rec.ID),
		zap.String("organization_id", orgID),
		zap.String("path", rec.Path),
		zap.Int64("size_bytes", rec.SizeBytes))
	return rec, nil
}

func (s *Service) build(ctx context.Context, rec *Record) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}

	dump, rowCount, err := s.dumpSQL(ctx)
	if err != nil {
		return err
	}

	nodes, edges, err := s.graph.ExportGroup(ctx, rec.OrgID)
	if err != nil {
		return fmt.Errorf("export graph: %w", err)
	}
	graphJSON, err := json.Marshal(graphExport{Nodes: nodes, Edges: edges})
	if err != nil {
		return fmt.Errorf("encode graph export: %w", err)
	}

	hostname, _ := os.Hostname()
	meta := &Metadata{
		Version:            ArchiveVersion,
		CreatedAt:          time.Now().UTC(),
		OrganizationID:     rec.OrgID,
		Hostname:           hostname,
		PgEntities:         rowCount,
		GraphEntities:      len(nodes),
		GraphRelationships: len(edges),
	}
	name := fmt.Sprintf("sibyl_backup_%s_%s_%s.tar.gz",
		rec.OrgID, meta.CreatedAt.Format("20060102_150405"), rec.ID[:8])
	path := filepath.Join(s.dir, name)

	size, err := writeArchive(path, meta, map[string][]byte{
		sqlDumpFile: []byte(dump),
		graphFile:   graphJSON,
	})
	if err != nil {
		return err
	}

	rec.Path = path
	rec.SizeBytes = size
	rec.PgEntities = rowCount
	rec.GraphEntities = len(nodes)
	rec.GraphRelationships = len(edges)
	return nil
}

// Restore loads an archive back into the stores. Graph nodes and edges
// merge by id, so restoring over live data is an upsert. SQL statements
// that collide with existing schema or rows are skipped.
func (s *Service) Restore(ctx context.Context, orgID, path string) (*Metadata, error) {
	meta, files, err := readArchive(path)
	if err != nil {
		return nil, err
	}
	if meta.OrganizationID != orgID {
		return nil, fmt.Errorf("archive belongs to organization %s, not %s", meta.OrganizationID, orgID)
	}

	if raw, ok := files[graphFile]; ok {
		if err := s.restoreGraph(ctx, orgID, raw); err != nil {
			return nil, err
		}
	}
	if raw, ok := files[sqlDumpFile]; ok {
		if err := s.restoreSQL(ctx, string(raw)); err != nil {
			return nil, err
		}
	}
	s.logger.Info("backup restored",
		zap.String("organization_id", orgID),
		zap.String("path", path),
		zap.Int("graph_entities", meta.GraphEntities),
		zap.Int("graph_relationships", meta.GraphRelationships))
	return meta, nil
}

func (s *Service) restoreGraph(ctx context.Context, orgID string, raw []byte) error {
	var export graphExport
	if err := json.Unmarshal(raw, &export); err != nil {
		return fmt.Errorf("decode graph export: %w", err)
	}
	foreign := 0
	for _, node := range export.Nodes {
		if node.GroupID != orgID {
			foreign++
			continue
		}
		if err := s.graph.MergeNode(ctx, node); err != nil {
			return fmt.Errorf("restore node %s: %w", node.UUID, err)
		}
	}
	for _, edge := range export.Edges {
		if edge.GroupID != orgID {
			foreign++
			continue
		}
		if err := s.graph.MergeEdge(ctx, edge); err != nil {
			return fmt.Errorf("restore edge %s: %w", edge.UUID, err)
		}
	}
	if foreign > 0 {
		s.logger.Warn("skipped graph records from other groups", zap.Int("count", foreign))
	}
	return nil
}

func (s *Service) restoreSQL(ctx context.Context, dump string) error {
	applied, skipped := 0, 0
	for _, stmt := range splitSQL(dump) {
		if _, err := s.pool.Writer().ExecContext(ctx, stmt); err != nil {
			if isConflict(err) {
				skipped++
				continue
			}
			return fmt.Errorf("apply dump statement: %w", err)
		}
		applied++
	}
	s.logger.Info("sql dump applied", zap.Int("applied", applied), zap.Int("skipped", skipped))
	return nil
}

func isConflict(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "already exists") ||
		strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key")
}

// Cleanup removes completed archives older than their organization's
// retention, falling back to the global default. Returns how many were
// removed.
func (s *Service) Cleanup(ctx context.Context) (int, error) {
	recs, err := s.store.ListCompleted(ctx)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	retentions := make(map[string]int)
	removed := 0
	for _, rec := range recs {
		days, ok := retentions[rec.OrgID]
		if !ok {
			days = s.retention
			set, err := s.store.SettingsFor(ctx, rec.OrgID)
			if err != nil {
				s.logger.Warn("settings lookup failed during cleanup",
					zap.String("organization_id", rec.OrgID), zap.Error(err))
			} else if set.RetentionDays > 0 {
				days = set.RetentionDays
			}
			retentions[rec.OrgID] = days
		}
		if rec.CreatedAt.After(now.AddDate(0, 0, -days)) {
			continue
		}
		if err := os.Remove(rec.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("archive delete failed", zap.String("path", rec.Path), zap.Error(err))
			continue
		}
		if err := s.store.Delete(ctx, rec.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// RunScheduled backs up every organization whose schedule is enabled and
// due. One organization failing does not block the rest; its backup row
// carries the reason.
func (s *Service) RunScheduled(ctx context.Context) error {
	settings, err := s.store.ListEnabledSettings(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, set := range settings {
		if set.LastRunAt != nil && now.Sub(*set.LastRunAt) < time.Duration(set.IntervalHours)*time.Hour {
			continue
		}
		if _, err := s.Run(ctx, set.OrgID); err != nil {
			s.logger.Error("scheduled backup failed",
				zap.String("organization_id", set.OrgID), zap.Error(err))
			continue
		}
		if err := s.store.TouchLastRun(ctx, set.OrgID, now); err != nil {
			s.logger.Warn("could not stamp scheduled run",
				zap.String("organization_id", set.OrgID), zap.Error(err))
		}
	}
	return nil
}

// List returns the organization's backup records, newest first.
func (s *Service) List(ctx context.Context, orgID string, limit int) ([]*Record, error) {
	return s.store.List(ctx, orgID, limit)
}

// Get returns one backup record.
func (s *Service) Get(ctx context.Context, orgID, id string) (*Record, error) {
	return s.store.Get(ctx, orgID, id)
}

// SettingsFor returns the organization's schedule.
func (s *Service) SettingsFor(ctx context.Context, orgID string) (*Settings, error) {
	return s.store.SettingsFor(ctx, orgID)
}

// SaveSettings upserts the organization's schedule.
func (s *Service) SaveSettings(ctx context.Context, set *Settings) error {
	return s.store.SaveSettings(ctx, set)
}

func expandPath(dir string) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("backup dir is required")
	}
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		return filepath.Join(home, strings.TrimPrefix(dir, "~")), nil
	}
	return dir, nil
}

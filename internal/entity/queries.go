package entity

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Default curated-list sizes for project summaries.
const (
	defaultActionableLimit = 10
	defaultCriticalLimit   = 5
	defaultEpicLimit       = 10
)

// Link creates (or refreshes) a typed edge between two entities in the org.
func (s *Store) Link(ctx context.Context, orgID, edgeType, sourceID, targetID string) error {
	if err := s.graph.MergeEdge(ctx, buildEdge(orgID, edgeType, sourceID, targetID, nil)); err != nil {
		return fmt.Errorf("link %s -%s-> %s: %w", sourceID, edgeType, targetID, err)
	}
	return nil
}

// ListByType returns entities of one kind, filtered and paginated. Epic and
// project membership are pushed into the graph query where possible;
// metadata-level filters are evaluated in the host process. A limit of zero
// or less returns everything after offset.
func (s *Store) ListByType(ctx context.Context, orgID string, kind Kind, filter ListFilter, limit, offset int) ([]*Entity, error) {
	var candidates []*Entity
	var err error

	if filter.EpicID != "" && kind == KindTask {
		candidates, err = s.tasksUnderEpic(ctx, orgID, filter.EpicID)
	} else {
		candidates, err = s.entitiesByLabel(ctx, orgID, kind)
	}
	if err != nil {
		return nil, err
	}

	filtered := candidates[:0:0]
	for _, e := range candidates {
		if matchesFilter(e, filter) {
			filtered = append(filtered, e)
		}
	}

	if offset < 0 {
		offset = 0
	}
	if offset >= len(filtered) {
		return []*Entity{}, nil
	}
	filtered = filtered[offset:]
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered, nil
}

// TasksForEpic returns the typed tasks under an epic, optionally restricted
// to statuses.
func (s *Store) TasksForEpic(ctx context.Context, orgID, epicID string, statuses ...TaskStatus) ([]*Task, error) {
	entities, err := s.tasksUnderEpic(ctx, orgID, epicID)
	if err != nil {
		return nil, err
	}

	statusSet := make(map[TaskStatus]bool, len(statuses))
	for _, st := range statuses {
		statusSet[st] = true
	}

	tasks := make([]*Task, 0, len(entities))
	for _, e := range entities {
		t := TaskFromEntity(e)
		if len(statusSet) > 0 && !statusSet[t.Status] {
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// EpicProgress aggregates task counts under an epic. Archived tasks count
// in status_counts but not toward progress.
func (s *Store) EpicProgress(ctx context.Context, orgID, epicID string) (*EpicProgress, error) {
	tasks, err := s.TasksForEpic(ctx, orgID, epicID)
	if err != nil {
		return nil, err
	}

	progress := &EpicProgress{
		EpicID:       epicID,
		Total:        len(tasks),
		StatusCounts: make(map[TaskStatus]int),
	}
	for _, t := range tasks {
		progress.StatusCounts[t.Status]++
	}
	progress.ProgressPct = progressPct(progress.StatusCounts)
	return progress, nil
}

// ProjectSummary builds the analytical rollup for a project: status counts,
// progress, and the curated actionable/critical/epic lists.
func (s *Store) ProjectSummary(ctx context.Context, orgID, projectID string, actionableLimit, criticalLimit, epicLimit int) (*ProjectSummary, error) {
	if actionableLimit <= 0 {
		actionableLimit = defaultActionableLimit
	}
	if criticalLimit <= 0 {
		criticalLimit = defaultCriticalLimit
	}
	if epicLimit <= 0 {
		epicLimit = defaultEpicLimit
	}

	entities, err := s.ListByType(ctx, orgID, KindTask, ListFilter{
		ProjectID:       projectID,
		IncludeArchived: true,
	}, 0, 0)
	if err != nil {
		return nil, err
	}

	tasks := make([]*Task, 0, len(entities))
	summary := &ProjectSummary{
		StatusCounts:    make(map[TaskStatus]int),
		ActionableTasks: []TaskDigest{},
		CriticalTasks:   []TaskDigest{},
		Epics:           []EpicDigest{},
	}
	for _, e := range entities {
		t := TaskFromEntity(e)
		tasks = append(tasks, t)
		summary.StatusCounts[t.Status]++
	}
	summary.TotalTasks = len(tasks)
	summary.ProgressPct = progressPct(summary.StatusCounts)

	summary.ActionableTasks = actionableTasks(tasks, actionableLimit)
	summary.CriticalTasks = criticalTasks(tasks, criticalLimit)

	epics, err := s.ListByType(ctx, orgID, KindEpic, ListFilter{ProjectID: projectID}, epicLimit, 0)
	if err != nil {
		return nil, err
	}
	for _, e := range epics {
		ep := EpicFromEntity(e)
		progress, err := s.EpicProgress(ctx, orgID, ep.ID)
		if err != nil {
			return nil, err
		}
		summary.Epics = append(summary.Epics, EpicDigest{
			ID:          ep.ID,
			Name:        ep.Name,
			Status:      ep.Status,
			ProgressPct: progress.ProgressPct,
			TotalTasks:  progress.Total,
		})
	}
	return summary, nil
}

// ParseStatusFilter splits a comma-separated status expression into the
// typed filter form, dropping empty segments.
func ParseStatusFilter(expr string) []TaskStatus {
	if strings.TrimSpace(expr) == "" {
		return nil
	}
	parts := strings.Split(expr, ",")
	statuses := make([]TaskStatus, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			statuses = append(statuses, TaskStatus(trimmed))
		}
	}
	return statuses
}

// tasksUnderEpic unions edge-based membership (BELONGS_TO, written by the
// async pipeline) with metadata membership (epic_id, written by direct
// creates), deduplicated by id.
func (s *Store) tasksUnderEpic(ctx context.Context, orgID, epicID string) ([]*Entity, error) {
	all, err := s.entitiesByLabel(ctx, orgID, KindTask)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []*Entity
	for _, e := range all {
		if mdString(e.Metadata, "epic_id") == epicID {
			seen[e.ID] = true
			out = append(out, e)
		}
	}

	linked, err := s.graph.SourcesOf(ctx, orgID, EdgeBelongsTo, epicID, string(KindTask))
	if err != nil {
		return nil, fmt.Errorf("tasks for epic %s: %w", epicID, err)
	}
	for _, n := range linked {
		if !seen[n.UUID] {
			out = append(out, s.nodeToEntity(n))
		}
	}
	return out, nil
}

func (s *Store) entitiesByLabel(ctx context.Context, orgID string, kind Kind) ([]*Entity, error) {
	nodes, err := s.graph.NodesByLabel(ctx, orgID, string(kind))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	entities := make([]*Entity, 0, len(nodes))
	for _, n := range nodes {
		entities = append(entities, s.nodeToEntity(n))
	}
	return entities, nil
}

func matchesFilter(e *Entity, f ListFilter) bool {
	md := e.Metadata
	if f.ProjectID != "" && mdString(md, "project_id") != f.ProjectID {
		return false
	}
	if f.NoEpic && mdString(md, "epic_id") != "" {
		return false
	}

	status := mdString(md, "status")
	if len(f.Status) > 0 {
		found := false
		for _, want := range f.Status {
			if status == string(want) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	} else if !f.IncludeArchived && status == string(TaskArchived) {
		return false
	}

	if f.Priority != "" && mdString(md, "priority") != string(f.Priority) {
		return false
	}
	if f.Complexity != "" && mdString(md, "complexity") != f.Complexity {
		return false
	}
	if f.Feature != "" && mdString(md, "feature") != f.Feature {
		return false
	}
	if len(f.Tags) > 0 {
		tags := mdStringSlice(md, "tags")
		found := false
		for _, want := range f.Tags {
			for _, have := range tags {
				if want == have {
					found = true
					break
				}
			}
			if found {
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// progressPct is the share of done tasks among non-archived ones.
func progressPct(counts map[TaskStatus]int) float64 {
	total := 0
	for status, n := range counts {
		if status != TaskArchived {
			total += n
		}
	}
	if total == 0 {
		return 0
	}
	return 100 * float64(counts[TaskDone]) / float64(total)
}

// actionableOrder ranks in-flight work for the summary: active work first,
// then blocked, then review, then whatever moved recently.
var actionableOrder = map[TaskStatus]int{
	TaskDoing:   0,
	TaskBlocked: 1,
	TaskReview:  2,
	TaskTodo:    3,
}

func actionableTasks(tasks []*Task, limit int) []TaskDigest {
	var actionable []*Task
	for _, t := range tasks {
		if _, ok := actionableOrder[t.Status]; ok {
			actionable = append(actionable, t)
		}
	}
	sort.SliceStable(actionable, func(i, j int) bool {
		oi, oj := actionableOrder[actionable[i].Status], actionableOrder[actionable[j].Status]
		if oi != oj {
			return oi < oj
		}
		return actionable[i].UpdatedAt.After(actionable[j].UpdatedAt)
	})
	return digests(actionable, limit)
}

func criticalTasks(tasks []*Task, limit int) []TaskDigest {
	var critical []*Task
	for _, t := range tasks {
		if t.Status.Terminal() {
			continue
		}
		byPriority := t.Priority == PriorityCritical || t.Priority == PriorityHigh
		byName := strings.Contains(strings.ToUpper(t.Name), "CRITICAL")
		if byPriority || byName {
			critical = append(critical, t)
		}
	}
	sort.SliceStable(critical, func(i, j int) bool {
		wi, wj := critical[i].Priority.Weight(), critical[j].Priority.Weight()
		if wi != wj {
			return wi > wj
		}
		return critical[i].UpdatedAt.After(critical[j].UpdatedAt)
	})
	return digests(critical, limit)
}

func digests(tasks []*Task, limit int) []TaskDigest {
	if len(tasks) > limit {
		tasks = tasks[:limit]
	}
	out := make([]TaskDigest, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, TaskDigest{ID: t.ID, Name: t.Name, Status: t.Status, Priority: t.Priority})
	}
	return out
}

func mdString(md map[string]interface{}, key string) string {
	if md == nil {
		return ""
	}
	s, _ := md[key].(string)
	return s
}

func mdStringSlice(md map[string]interface{}, key string) []string {
	if md == nil {
		return nil
	}
	switch vals := md[key].(type) {
	case []string:
		return vals
	case []interface{}:
		out := make([]string, 0, len(vals))
		for _, v := range vals {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Package store is the state store: the in-memory sprint table plus the
// directory-per-sprint persistence behind it. Every mutation persists the
// affected facet and publishes the matching observer event; mutations are
// serialised per sprint id. It is the only package that writes sprint
// persistence files.
package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	apperrors "github.com/sprintd/sprintd/internal/common/errors"
	"github.com/sprintd/sprintd/internal/common/logger"
	"github.com/sprintd/sprintd/internal/events"
	"github.com/sprintd/sprintd/internal/sprint"
)

// Store holds the canonical sprint records.
type Store struct {
	root   string
	mu     sync.RWMutex
	byID   map[string]*entry
	events events.Publisher
	log    *logger.Logger
}

// entry serialises all mutations of one sprint.
type entry struct {
	mu sync.Mutex
	sp *sprint.Sprint
}

// New creates a store rooted at dir. The directory is created on first use.
func New(dir string, pub events.Publisher, log *logger.Logger) *Store {
	if pub == nil {
		pub = events.Discard
	}
	return &Store{
		root:   dir,
		byID:   make(map[string]*entry),
		events: pub,
		log:    log.WithComponent("store"),
	}
}

// InitParams describes a sprint to create.
type InitParams struct {
	ID             string
	Name           string
	SpecPath       string
	TargetDir      string
	DeveloperCount int
	Autonomy       sprint.AutonomyMode
}

// InitSprint creates the sprint record and its persistence directory,
// copies the spec file in and seeds the cost ledger.
func (s *Store) InitSprint(ctx context.Context, p InitParams) (*sprint.Sprint, error) {
	specData, err := os.ReadFile(p.SpecPath)
	if err != nil {
		return nil, apperrors.BadRequest(fmt.Sprintf("spec file unreadable: %v", err))
	}

	devs, err := sprint.SelectDevelopers(p.DeveloperCount)
	if err != nil {
		return nil, apperrors.ValidationError("developerCount", err.Error())
	}

	s.mu.Lock()
	if _, exists := s.byID[p.ID]; exists {
		s.mu.Unlock()
		return nil, apperrors.Conflict(fmt.Sprintf("sprint %q already exists", p.ID))
	}
	if _, err := os.Stat(s.SprintDir(p.ID)); err == nil {
		s.mu.Unlock()
		return nil, apperrors.Conflict(fmt.Sprintf("sprint directory %q already exists", p.ID))
	}

	sp := &sprint.Sprint{
		ID:         p.ID,
		Name:       p.Name,
		SpecPath:   p.SpecPath,
		TargetDir:  p.TargetDir,
		Developers: devs,
		Autonomy:   p.Autonomy,
		Status:     sprint.StatusCreated,
		Costs:      sprint.NewCostLedger(),
		CreatedAt:  time.Now().UTC(),
		Worktrees:  make(map[string]string),
		TaskStates: make(map[int]*sprint.TaskState),
	}
	e := &entry{sp: sp}
	s.byID[p.ID] = e
	s.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	dir := s.SprintDir(p.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.evict(p.ID)
		return nil, apperrors.InternalError("create sprint directory", err)
	}
	steps := []func() error{
		func() error { return writeFileAtomic(s.path(p.ID, specFileName), specData) },
		func() error { return s.writeMetaFile(sp) },
		func() error { return s.writeStatusFile(p.ID, sp.Status) },
		func() error { return s.writeCostFile(p.ID, sp.Costs) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			s.evict(p.ID)
			return nil, apperrors.InternalError("seed sprint directory", err)
		}
	}

	s.events.Publish(events.NewSprintStatus(p.ID, string(sp.Status), ""))
	s.log.WithSprint(p.ID).Info("sprint initialised")
	return sp.Clone(), nil
}

func (s *Store) evict(id string) {
	s.mu.Lock()
	delete(s.byID, id)
	s.mu.Unlock()
}

// Exists reports whether a sprint id is taken, in memory or on disk.
func (s *Store) Exists(id string) bool {
	s.mu.RLock()
	_, ok := s.byID[id]
	s.mu.RUnlock()
	if ok {
		return true
	}
	_, err := os.Stat(filepath.Join(s.SprintDir(id), metaFileName))
	return err == nil
}

// GetSprint returns a snapshot of the sprint, hydrating from disk on miss.
func (s *Store) GetSprint(ctx context.Context, id string) (*sprint.Sprint, error) {
	e, err := s.get(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sp.Clone(), nil
}

// ListSprints returns snapshots of every sprint, including terminal ones
// still on disk, sorted by creation time descending.
func (s *Store) ListSprints(ctx context.Context) ([]*sprint.Sprint, error) {
	ids, err := s.diskIDs()
	if err != nil {
		return nil, apperrors.InternalError("scan sprints root", err)
	}
	s.mu.RLock()
	for id := range s.byID {
		if !contains(ids, id) {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()

	out := make([]*sprint.Sprint, 0, len(ids))
	for _, id := range ids {
		sp, err := s.GetSprint(ctx, id)
		if err != nil {
			s.log.WithSprint(id).WithError(err).Warn("skipping unreadable sprint")
			continue
		}
		out = append(out, sp)
	}
	sortByCreatedDesc(out)
	return out, nil
}

// LoadActiveSprints hydrates every persisted sprint whose status is
// non-terminal and past created. Called once at boot.
func (s *Store) LoadActiveSprints(ctx context.Context) ([]*sprint.Sprint, error) {
	ids, err := s.diskIDs()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperrors.InternalError("scan sprints root", err)
	}

	var active []*sprint.Sprint
	for _, id := range ids {
		sp, err := s.GetSprint(ctx, id)
		if err != nil {
			s.log.WithSprint(id).WithError(err).Warn("skipping unreadable sprint")
			continue
		}
		if sp.Status.IsTerminal() || sp.Status == sprint.StatusCreated {
			continue
		}
		active = append(active, sp)
	}
	return active, nil
}

// SetSprintStatus applies a lifecycle transition, persists the status facet
// and publishes sprint:status. Illegal transitions error without mutating.
// Entering approved or completed records the matching timestamp; entering
// paused records the pre-pause status.
func (s *Store) SetSprintStatus(ctx context.Context, id string, to sprint.Status) (*sprint.Sprint, error) {
	return s.transition(id, to, false)
}

// RestartTo moves a restartable sprint directly to the stage the restart
// policy derived. Bypasses the forward edge set but still requires the
// current status to admit restart.
func (s *Store) RestartTo(ctx context.Context, id string, to sprint.Status) (*sprint.Sprint, error) {
	return s.transition(id, to, true)
}

func (s *Store) transition(id string, to sprint.Status, restart bool) (*sprint.Sprint, error) {
	e, err := s.get(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	from := e.sp.Status
	if restart {
		if !from.Restartable() {
			return nil, apperrors.InvalidTransition(id, string(from), string(to))
		}
	} else if !sprint.CanTransition(from, to) {
		return nil, apperrors.InvalidTransition(id, string(from), string(to))
	}

	now := time.Now().UTC()
	metaDirty := restart && e.sp.PausedFrom != ""
	switch to {
	case sprint.StatusPaused:
		e.sp.PausedFrom = from
		metaDirty = true
	case sprint.StatusApproved:
		if e.sp.ApprovedAt == nil {
			e.sp.ApprovedAt = &now
			metaDirty = true
		}
	case sprint.StatusCompleted:
		e.sp.CompletedAt = &now
	}
	if from == sprint.StatusPaused && to != sprint.StatusCancelled {
		e.sp.PausedFrom = ""
		metaDirty = true
	}
	if restart {
		e.sp.PausedFrom = ""
	}
	e.sp.Status = to

	if err := s.writeStatusFile(id, to); err != nil {
		e.sp.Status = from
		return nil, apperrors.InternalError("persist status", err)
	}
	if metaDirty {
		if err := s.writeMetaFile(e.sp); err != nil {
			return nil, apperrors.InternalError("persist metadata", err)
		}
	}

	s.events.Publish(events.NewSprintStatus(id, string(to), string(from)))
	s.log.WithSprint(id).Info("status " + string(from) + " -> " + string(to))
	return e.sp.Clone(), nil
}

// Pause records the current status and moves the sprint to paused.
func (s *Store) Pause(ctx context.Context, id string) (*sprint.Sprint, error) {
	return s.SetSprintStatus(ctx, id, sprint.StatusPaused)
}

// Resume restores the pre-pause status.
func (s *Store) Resume(ctx context.Context, id string) (*sprint.Sprint, error) {
	e, err := s.get(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	target := e.sp.PausedFrom
	from := e.sp.Status
	e.mu.Unlock()
	if from != sprint.StatusPaused || target == "" {
		return nil, apperrors.InvalidTransition(id, string(from), string(target))
	}
	return s.SetSprintStatus(ctx, id, target)
}

// SetTaskStatus updates one task's execution state, appends to the
// completed log when the task completes and publishes task:status.
// A completed task never leaves completed through this method.
func (s *Store) SetTaskStatus(ctx context.Context, id string, taskID int, status sprint.TaskStatus, developer, errMsg string) error {
	e, err := s.get(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sp.Plan == nil || e.sp.Plan.TaskByID(taskID) == nil {
		return apperrors.NotFound("task", fmt.Sprintf("%s/%d", id, taskID))
	}
	state := e.sp.TaskStates[taskID]
	if state == nil {
		state = &sprint.TaskState{Status: sprint.TaskPending}
		e.sp.TaskStates[taskID] = state
	}
	if state.Status == sprint.TaskCompleted && status != sprint.TaskCompleted {
		return apperrors.Conflict(fmt.Sprintf("task %d already completed", taskID))
	}

	now := time.Now().UTC()
	alreadyCompleted := state.Status == sprint.TaskCompleted
	state.Status = status
	state.Error = errMsg
	if developer != "" {
		state.Developer = developer
	}
	switch status {
	case sprint.TaskInProgress:
		state.StartedAt = &now
	case sprint.TaskCompleted:
		if !alreadyCompleted {
			state.CompletedAt = &now
			if err := s.appendCompleted(id, taskID); err != nil {
				return apperrors.InternalError("persist completed log", err)
			}
		}
	}

	s.events.Publish(events.NewTaskStatus(id, taskID, string(status), state.Developer, errMsg))
	return nil
}

// ResetTaskStatus puts a failed task back to pending so it can be retried.
func (s *Store) ResetTaskStatus(ctx context.Context, id string, taskID int) error {
	e, err := s.get(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	state := e.sp.TaskStates[taskID]
	if state == nil {
		return apperrors.NotFound("task", fmt.Sprintf("%s/%d", id, taskID))
	}
	if state.Status != sprint.TaskFailed {
		return apperrors.Conflict(fmt.Sprintf("task %d is %s, only failed tasks reset", taskID, state.Status))
	}
	state.Status = sprint.TaskPending
	state.StartedAt = nil
	state.CompletedAt = nil
	state.Error = ""

	s.events.Publish(events.NewTaskStatus(id, taskID, string(sprint.TaskPending), state.Developer, ""))
	return nil
}

// ResetForRestart resets every non-completed task to pending, clears
// timestamps and rewrites the completed log. Returns the reset task ids.
func (s *Store) ResetForRestart(ctx context.Context, id string) ([]int, error) {
	e, err := s.get(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sp.Plan == nil {
		return nil, nil
	}

	var reset, completed []int
	for _, t := range e.sp.Plan.Tasks {
		state := e.sp.TaskStates[t.ID]
		if state == nil {
			state = &sprint.TaskState{Status: sprint.TaskPending}
			e.sp.TaskStates[t.ID] = state
		}
		if state.Status == sprint.TaskCompleted {
			completed = append(completed, t.ID)
			continue
		}
		if state.Status != sprint.TaskPending {
			reset = append(reset, t.ID)
		}
		state.Status = sprint.TaskPending
		state.StartedAt = nil
		state.CompletedAt = nil
		state.Error = ""
	}

	if err := s.writeCompletedFile(id, completed); err != nil {
		return nil, apperrors.InternalError("rewrite completed log", err)
	}
	for _, taskID := range reset {
		state := e.sp.TaskStates[taskID]
		s.events.Publish(events.NewTaskStatus(id, taskID, string(sprint.TaskPending), state.Developer, ""))
	}
	return reset, nil
}

// RetractCompletions marks completed tasks failed and removes them from the
// completed log. A wave merge that conflicts aborts and discards the slot's
// commits, so the tasks that produced them have to run again even though they
// finished once. Returns the ids actually retracted.
func (s *Store) RetractCompletions(ctx context.Context, id string, taskIDs []int, errMsg string) ([]int, error) {
	e, err := s.get(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sp.Plan == nil {
		return nil, nil
	}

	var retracted []int
	for _, taskID := range taskIDs {
		state := e.sp.TaskStates[taskID]
		if state == nil || state.Status != sprint.TaskCompleted {
			continue
		}
		state.Status = sprint.TaskFailed
		state.CompletedAt = nil
		state.Error = errMsg
		retracted = append(retracted, taskID)
	}
	if len(retracted) == 0 {
		return nil, nil
	}

	var completed []int
	for _, t := range e.sp.Plan.Tasks {
		if st := e.sp.TaskStates[t.ID]; st != nil && st.Status == sprint.TaskCompleted {
			completed = append(completed, t.ID)
		}
	}
	if err := s.writeCompletedFile(id, completed); err != nil {
		return nil, apperrors.InternalError("rewrite completed log", err)
	}

	for _, taskID := range retracted {
		state := e.sp.TaskStates[taskID]
		s.events.Publish(events.NewTaskStatus(id, taskID, string(sprint.TaskFailed), state.Developer, errMsg))
	}
	return retracted, nil
}

// SetCurrentWave records the wave now executing. The value is derived from
// the plan and completed log on hydration, so only memory changes here.
func (s *Store) SetCurrentWave(ctx context.Context, id string, wave int) error {
	return s.mutate(id, func(sp *sprint.Sprint) error {
		sp.CurrentWave = wave
		return nil
	})
}

// SetReviewCycle records the review cycle now executing. Derived from the
// persisted review files on hydration.
func (s *Store) SetReviewCycle(ctx context.Context, id string, cycle int) error {
	return s.mutate(id, func(sp *sprint.Sprint) error {
		sp.ReviewCycle = cycle
		return nil
	})
}

// SetWorktreePath records the active worktree for a developer slot.
func (s *Store) SetWorktreePath(ctx context.Context, id, slot, path string) error {
	return s.mutate(id, func(sp *sprint.Sprint) error {
		if sp.Worktrees == nil {
			sp.Worktrees = make(map[string]string)
		}
		sp.Worktrees[slot] = path
		return nil
	})
}

// ClearWorktrees forgets all worktree paths, after FinalizeImplementation.
func (s *Store) ClearWorktrees(ctx context.Context, id string) error {
	return s.mutate(id, func(sp *sprint.Sprint) error {
		sp.Worktrees = make(map[string]string)
		return nil
	})
}

// WriteResearch persists the research artefact.
func (s *Store) WriteResearch(ctx context.Context, id string, content []byte) error {
	if _, err := s.get(id); err != nil {
		return err
	}
	if err := writeFileAtomic(s.path(id, researchFileName), content); err != nil {
		return apperrors.InternalError("persist research", err)
	}
	return nil
}

// WriteReview persists the prose review for a cycle.
func (s *Store) WriteReview(ctx context.Context, id string, cycle int, content []byte) error {
	if _, err := s.get(id); err != nil {
		return err
	}
	if err := writeFileAtomic(s.path(id, reviewFileName(cycle)), content); err != nil {
		return apperrors.InternalError("persist review", err)
	}
	return nil
}

// WriteReviewVerdict persists the verdict JSON for a cycle.
func (s *Store) WriteReviewVerdict(ctx context.Context, id string, cycle int, verdict any) error {
	if _, err := s.get(id); err != nil {
		return err
	}
	if err := writeJSONAtomic(s.path(id, verdictFileName(cycle)), verdict); err != nil {
		return apperrors.InternalError("persist verdict", err)
	}
	return nil
}

// AppendCostSession appends one agent session to the cost ledger, persists
// it and publishes cost:update.
func (s *Store) AppendCostSession(ctx context.Context, id string, cs sprint.CostSession) error {
	e, err := s.get(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sp.Costs == nil {
		e.sp.Costs = sprint.NewCostLedger()
	}
	e.sp.Costs.Append(cs)
	if err := s.writeCostFile(id, e.sp.Costs); err != nil {
		return apperrors.InternalError("persist cost ledger", err)
	}

	s.events.Publish(events.NewCostUpdate(id, e.sp.Costs.TotalSeconds, e.sp.Costs.ByAgent))
	return nil
}

// AppendRoleLog appends one line to a role's transcript.
func (s *Store) AppendRoleLog(sprintID, roleID, line string) error {
	dir := filepath.Join(s.SprintDir(sprintID), roleLogsDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	name := filepath.Base(roleID)
	if name == "" || name == "." {
		return fmt.Errorf("invalid role id %q", roleID)
	}
	return appendLine(filepath.Join(dir, name+".log"), line)
}

// OpenAgentLog creates the mirror file for one agent invocation and returns
// it with its path. The caller owns closing it.
func (s *Store) OpenAgentLog(id, agent string, taskID int) (io.WriteCloser, string, error) {
	dir := filepath.Join(s.SprintDir(id), agentLogsDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", err
	}
	scope := "general"
	if taskID > 0 {
		scope = fmt.Sprintf("task-%d", taskID)
	}
	name := fmt.Sprintf("%s-%s-%d.log", agent, scope, time.Now().UnixMilli())
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, "", err
	}
	return f, path, nil
}

// get returns the entry for id, hydrating from disk when absent.
func (s *Store) get(id string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.byID[id]
	s.mu.RUnlock()
	if ok {
		return e, nil
	}
	return s.hydrate(id)
}

// mutate runs fn on the canonical record under the sprint lock.
func (s *Store) mutate(id string, fn func(*sprint.Sprint) error) error {
	e, err := s.get(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.sp)
}

func (s *Store) diskIDs() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, e.Name(), metaFileName)); err == nil {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func sortByCreatedDesc(list []*sprint.Sprint) {
	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
}

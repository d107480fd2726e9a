// Package scheduler advances a sprint through its implementation waves.
// It owns the wave-completion check that fires after every developer task,
// the merge between waves, and the hand-off to the testing stage once the
// last wave lands.
package scheduler

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/sprintd/sprintd/internal/common/errors"
	"github.com/sprintd/sprintd/internal/common/logger"
	"github.com/sprintd/sprintd/internal/events"
	"github.com/sprintd/sprintd/internal/git"
	"github.com/sprintd/sprintd/internal/queue"
	"github.com/sprintd/sprintd/internal/sprint"
	"github.com/sprintd/sprintd/internal/store"
)

// Git is the slice of the git coordinator the scheduler drives: worktree
// setup before a sprint runs, the merge between waves, and the final fold
// into the sprint branch.
type Git interface {
	SetupSprintGit(ctx context.Context, target, sprintID string, slots []string) (map[string]string, error)
	MergeWaveAndReset(ctx context.Context, target, sprintID string, slots []string) ([]git.SlotMerge, error)
	FinalizeImplementation(ctx context.Context, target, sprintID string, slots []string) ([]git.SlotMerge, error)
}

// Enqueuer submits jobs to the queue binding.
type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.Job) error
}

// Scheduler decides what runs next after a developer task completes. All
// decisions re-read the persisted sprint, so a crash between a task landing
// and the wave check costs nothing: the restart policy re-derives the same
// answer from task states.
type Scheduler struct {
	store  *store.Store
	git    Git
	queue  Enqueuer
	events events.Publisher
	log    *logger.Logger

	// pending records sprints whose wave check fired while paused. Keyed by
	// sprint id; the value is the task id whose completion triggered it.
	// advanced records the highest wave already merged per sprint, so two
	// tasks finishing a wave at the same instant advance it exactly once.
	mu       sync.Mutex
	pending  map[string]int
	advanced map[string]int
}

// New builds a Scheduler. A nil publisher is replaced with a discard sink.
func New(st *store.Store, g Git, q Enqueuer, pub events.Publisher, log *logger.Logger) *Scheduler {
	if pub == nil {
		pub = events.Discard
	}
	return &Scheduler{
		store:    st,
		git:      g,
		queue:    q,
		events:   pub,
		log:      log.WithComponent("scheduler"),
		pending:  make(map[string]int),
		advanced: make(map[string]int),
	}
}

// EstablishWorktrees creates (or repairs) the sprint branch and one worktree
// per developer slot, recording each path on the sprint. Safe to re-run;
// existing valid worktrees are kept.
func (s *Scheduler) EstablishWorktrees(ctx context.Context, sprintID string) (map[string]string, error) {
	sp, err := s.store.GetSprint(ctx, sprintID)
	if err != nil {
		return nil, err
	}
	paths, err := s.git.SetupSprintGit(ctx, sp.TargetDir, sp.ID, sp.DeveloperIDs())
	if err != nil {
		return nil, apperrors.Wrap(err, "establish worktrees")
	}
	for slot, path := range paths {
		if err := s.store.SetWorktreePath(ctx, sp.ID, slot, path); err != nil {
			return nil, err
		}
	}
	return paths, nil
}

// StartImplementation moves an approved sprint into running and enqueues its
// first wave. Plans without explicit waves bootstrap from the tasks with no
// dependencies, which the normaliser has already folded into wave numbers.
func (s *Scheduler) StartImplementation(ctx context.Context, sprintID string) error {
	sp, err := s.store.GetSprint(ctx, sprintID)
	if err != nil {
		return err
	}
	if sp.Status != sprint.StatusApproved {
		return apperrors.InvalidTransition(sprintID, string(sp.Status), string(sprint.StatusRunning))
	}
	if sp.Plan == nil || len(sp.Plan.Tasks) == 0 {
		return apperrors.Conflict("sprint has no plan to implement")
	}

	if _, err := s.EstablishWorktrees(ctx, sprintID); err != nil {
		return err
	}
	if _, err := s.store.SetSprintStatus(ctx, sprintID, sprint.StatusRunning); err != nil {
		return err
	}

	first, ok := sp.Plan.FirstWave()
	if !ok {
		// No developer tasks at all. Fold the (empty) implementation and go
		// straight to testing so tester-only plans still produce a verdict.
		s.log.WithSprint(sprintID).Warn("plan has no developer tasks, skipping to testing")
		return s.finishImplementation(ctx, sp, 0)
	}
	return s.startWave(ctx, sp, first)
}

// StartWave enqueues the not-yet-completed developer tasks of one wave.
// Used by the restart policy and by review fix cycles, where some tasks in
// the wave may already be done.
func (s *Scheduler) StartWave(ctx context.Context, sprintID string, wave int) error {
	sp, err := s.store.GetSprint(ctx, sprintID)
	if err != nil {
		return err
	}
	if sp.Plan == nil {
		return apperrors.Conflict("sprint has no plan")
	}
	return s.startWave(ctx, sp, wave)
}

func (s *Scheduler) startWave(ctx context.Context, sp *sprint.Sprint, wave int) error {
	tasks := sp.Plan.DeveloperTasksInWave(wave)
	var todo []sprint.Task
	for _, t := range tasks {
		if st := sp.TaskState(t.ID); st != nil && st.Status == sprint.TaskCompleted {
			continue
		}
		todo = append(todo, t)
	}
	if len(todo) == 0 {
		return apperrors.Conflict("wave has no runnable tasks")
	}

	if err := s.store.SetCurrentWave(ctx, sp.ID, wave); err != nil {
		return err
	}
	s.events.Publish(events.NewWaveStarted(sp.ID, wave, taskIDs(todo)))
	s.log.WithSprint(sp.ID).Info("wave started",
		zap.Int("wave", wave),
		zap.Int("tasks", len(todo)))

	for _, t := range todo {
		if err := s.enqueueTask(ctx, sp, t); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) enqueueTask(ctx context.Context, sp *sprint.Sprint, t sprint.Task) error {
	job := queue.Job{
		Queue:     queue.ImplQueue(t.Developer),
		Key:       queue.ImplKey(sp.ID, t.ID),
		SprintID:  sp.ID,
		TaskID:    t.ID,
		Developer: t.Developer,
		TargetDir: sp.TargetDir,
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		return err
	}
	return s.store.SetTaskStatus(ctx, sp.ID, t.ID, sprint.TaskQueued, t.Developer, "")
}

// OnTaskCompleted runs the wave check after a developer task lands. When the
// completed task was the last open one in its wave, the scheduler merges the
// slot branches and either starts the next wave or finalizes and hands the
// sprint to testing. Pausing defers the merge: the continuation is recorded
// and replayed by ResumePending.
func (s *Scheduler) OnTaskCompleted(ctx context.Context, sprintID string, taskID int) error {
	sp, err := s.store.GetSprint(ctx, sprintID)
	if err != nil {
		return err
	}
	if sp.Plan == nil {
		return nil
	}
	task := sp.Plan.TaskByID(taskID)
	if task == nil || task.Role != sprint.RoleDeveloper {
		return nil
	}
	wave := task.Wave

	for _, t := range sp.Plan.DeveloperTasksInWave(wave) {
		st := sp.TaskState(t.ID)
		if st == nil || st.Status != sprint.TaskCompleted {
			return nil
		}
	}

	switch sp.Status {
	case sprint.StatusPaused:
		s.mu.Lock()
		s.pending[sprintID] = taskID
		s.mu.Unlock()
		s.log.WithSprint(sprintID).Info("sprint paused, deferring wave merge",
			zap.Int("wave", wave))
		return nil
	case sprint.StatusRunning:
	default:
		// Cancelled or failed underneath the in-flight task; nothing to drive.
		return nil
	}

	s.mu.Lock()
	if s.advanced[sprintID] >= wave {
		s.mu.Unlock()
		return nil
	}
	s.advanced[sprintID] = wave
	s.mu.Unlock()

	s.events.Publish(events.NewWaveCompleted(sprintID, wave))
	s.log.WithSprint(sprintID).Info("wave completed", zap.Int("wave", wave))

	next, ok := sp.Plan.NextWaveAfter(wave)
	if !ok {
		return s.finishImplementation(ctx, sp, wave)
	}

	results, err := s.git.MergeWaveAndReset(ctx, sp.TargetDir, sp.ID, sp.DeveloperIDs())
	if err != nil {
		s.failStage(ctx, sprintID, "merge", err)
		return apperrors.Wrap(err, "merge wave")
	}
	s.publishMerge(sp.ID, wave, results)
	if s.retractConflicts(ctx, sp, wave, results) {
		return nil
	}

	return s.startWave(ctx, sp, next)
}

// finishImplementation folds the final wave into the sprint branch, removes
// the worktrees, and enqueues the next testing cycle.
func (s *Scheduler) finishImplementation(ctx context.Context, sp *sprint.Sprint, wave int) error {
	results, err := s.git.FinalizeImplementation(ctx, sp.TargetDir, sp.ID, sp.DeveloperIDs())
	if err != nil {
		s.failStage(ctx, sp.ID, "merge", err)
		return apperrors.Wrap(err, "finalize implementation")
	}
	s.publishMerge(sp.ID, wave, results)

	// The worktrees are gone either way; a retry after a conflict recreates
	// them on demand.
	if err := s.store.ClearWorktrees(ctx, sp.ID); err != nil {
		return err
	}
	if s.retractConflicts(ctx, sp, wave, results) {
		return nil
	}
	if _, err := s.store.SetSprintStatus(ctx, sp.ID, sprint.StatusReviewing); err != nil {
		return err
	}

	cycle := sp.ReviewCycle + 1
	job := queue.Job{
		Queue:     queue.QueueTesting,
		Key:       queue.TestingKey(sp.ID, cycle),
		SprintID:  sp.ID,
		TargetDir: sp.TargetDir,
		Cycle:     cycle,
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		return err
	}
	s.log.WithSprint(sp.ID).Info("implementation finished, testing enqueued",
		zap.Int("cycle", cycle))
	return nil
}

// ResumePending replays a wave check that was deferred while the sprint was
// paused. Called by resume after the sprint status is restored.
func (s *Scheduler) ResumePending(ctx context.Context, sprintID string) error {
	s.mu.Lock()
	taskID, ok := s.pending[sprintID]
	if ok {
		delete(s.pending, sprintID)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.OnTaskCompleted(ctx, sprintID, taskID)
}

// DropPending discards any deferred wave check and the sprint's advance
// marker. Called on cancel and before a restart re-derives wave state.
func (s *Scheduler) DropPending(sprintID string) {
	s.mu.Lock()
	delete(s.pending, sprintID)
	delete(s.advanced, sprintID)
	s.mu.Unlock()
}

// retractConflicts handles slot merges that conflicted. The aborted merge
// discarded those slots' commits, so their completed tasks in the wave go
// back to failed and the wave does not advance; the sprint stays running so
// retry or restart can re-run the retracted tasks. Reports whether any slot
// conflicted.
func (s *Scheduler) retractConflicts(ctx context.Context, sp *sprint.Sprint, wave int, results []git.SlotMerge) bool {
	held := false
	for _, r := range results {
		if r.Merged {
			continue
		}
		held = true

		var ids []int
		for _, t := range sp.Plan.DeveloperTasksInWave(wave) {
			if t.Developer == r.Slot {
				ids = append(ids, t.ID)
			}
		}
		reason := "merge conflict on " + r.Branch
		if len(r.Conflicts) > 0 {
			reason += ": " + strings.Join(r.Conflicts, ", ")
		}
		retracted, err := s.store.RetractCompletions(ctx, sp.ID, ids, reason)
		if err != nil {
			s.log.WithSprint(sp.ID).WithError(err).Error("could not retract conflicted tasks")
		}
		s.events.Publish(events.NewError(sp.ID, "merge", 0, reason))
		s.log.WithSprint(sp.ID).Warn("wave held for conflict resolution",
			zap.String("slot", r.Slot),
			zap.Int("wave", wave),
			zap.Ints("retracted_tasks", retracted),
			zap.Strings("files", r.Conflicts))
	}
	if !held {
		return false
	}

	// Roll the advance marker back so the wave check fires again once the
	// retracted tasks re-run.
	s.mu.Lock()
	if s.advanced[sp.ID] >= wave {
		s.advanced[sp.ID] = wave - 1
	}
	s.mu.Unlock()
	return true
}

func (s *Scheduler) publishMerge(sprintID string, wave int, results []git.SlotMerge) {
	branches := make([]events.BranchMerge, len(results))
	for i, r := range results {
		branches[i] = events.BranchMerge{
			Developer: r.Slot,
			Branch:    r.Branch,
			Merged:    r.Merged,
			Conflicts: r.Conflicts,
		}
	}
	s.events.Publish(events.NewMergeCompleted(sprintID, wave, branches))
}

func (s *Scheduler) failStage(ctx context.Context, sprintID, stage string, cause error) {
	if _, err := s.store.SetSprintStatus(ctx, sprintID, sprint.StatusFailed); err != nil {
		s.log.WithSprint(sprintID).WithError(err).Error("failed to mark sprint failed")
	}
	s.events.Publish(events.NewError(sprintID, stage, 0, cause.Error()))
}

func taskIDs(tasks []sprint.Task) []int {
	ids := make([]int, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids
}

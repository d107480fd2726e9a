package workers

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/sprintd/sprintd/internal/agent"
	apperrors "github.com/sprintd/sprintd/internal/common/errors"
	"github.com/sprintd/sprintd/internal/events"
	"github.com/sprintd/sprintd/internal/queue"
	"github.com/sprintd/sprintd/internal/sprint"
)

// Developer executes one implementation task inside its slot's worktree and
// hands the completion to the wave scheduler. One Developer instance serves
// every slot queue; the job carries the slot id.
type Developer struct {
	d *Deps
}

// NewDeveloper builds the shared developer worker.
func NewDeveloper(d *Deps) *Developer { return &Developer{d: d} }

// Handle consumes one implementation job. Failures here are task-level: the
// task is marked failed and the sprint keeps running so the remaining slots
// finish their work and a retry can pick the task back up.
func (w *Developer) Handle(ctx context.Context, job queue.Job) error {
	d := w.d
	sp, err := d.Store.GetSprint(ctx, job.SprintID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			d.Log.WithSprint(job.SprintID).Warn("dropping job for unknown sprint")
			return nil
		}
		return err
	}
	if sp.Status == sprint.StatusPaused {
		return queue.ErrSprintPaused
	}
	if sp.Status != sprint.StatusRunning {
		d.Log.WithSprint(sp.ID).Info("dropping stale implementation job",
			zap.Int("task", job.TaskID),
			zap.String("status", string(sp.Status)))
		return nil
	}
	if sp.Plan == nil {
		return nil
	}
	task := sp.Plan.TaskByID(job.TaskID)
	if task == nil {
		d.Log.WithSprint(sp.ID).Warn("dropping job for unknown task",
			zap.Int("task", job.TaskID))
		return nil
	}
	if st := sp.TaskState(task.ID); st != nil && st.Status == sprint.TaskCompleted {
		return nil
	}

	worktree := sp.Worktrees[job.Developer]
	if worktree == "" {
		// Worktrees are cleared between review cycles; rebuild on demand.
		paths, err := d.Sched.EstablishWorktrees(ctx, sp.ID)
		if err != nil {
			return w.taskFailed(ctx, sp.ID, task.ID, job.Developer, err)
		}
		worktree = paths[job.Developer]
		if worktree == "" {
			return w.taskFailed(ctx, sp.ID, task.ID, job.Developer,
				fmt.Errorf("no worktree for slot %s", job.Developer))
		}
	}

	if err := d.Store.SetTaskStatus(ctx, sp.ID, task.ID, sprint.TaskInProgress, job.Developer, ""); err != nil {
		return err
	}

	onOut, onErr := d.progress(sp.ID, task.ID, job.Developer, "")
	_, err = d.runAgent(ctx, agent.Invocation{
		// All slots share the developer profile; the slot id travels on the
		// job and the progress events.
		Agent:    sprint.RoleDeveloper,
		Prompt:   developerPrompt(task, filepath.Join(d.Store.SprintDir(sp.ID), "spec.md")),
		WorkDir:  worktree,
		SprintID: sp.ID,
		TaskID:   task.ID,
		OnOutput: onOut,
		OnError:  onErr,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return w.taskFailed(ctx, sp.ID, task.ID, job.Developer, err)
	}

	if _, err := d.Git.CommitInWorktree(ctx, worktree, commitMessage(task)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return w.taskFailed(ctx, sp.ID, task.ID, job.Developer, err)
	}

	if err := d.Store.SetTaskStatus(ctx, sp.ID, task.ID, sprint.TaskCompleted, job.Developer, ""); err != nil {
		return err
	}
	return d.Sched.OnTaskCompleted(ctx, sp.ID, task.ID)
}

// taskFailed records a task-level failure and reports it, leaving the sprint
// running.
func (w *Developer) taskFailed(ctx context.Context, sprintID string, taskID int, developer string, cause error) error {
	d := w.d
	d.Log.WithSprint(sprintID).WithError(cause).Error("task failed",
		zap.Int("task", taskID),
		zap.String("developer", developer))
	if err := d.Store.SetTaskStatus(ctx, sprintID, taskID, sprint.TaskFailed, developer, cause.Error()); err != nil {
		d.Log.WithSprint(sprintID).WithError(err).Warn("could not mark task failed")
	}
	d.Events.Publish(events.NewError(sprintID, "implementation", taskID, cause.Error()))
	return cause
}

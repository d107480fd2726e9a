package workers

import (
	"context"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/sprintd/sprintd/internal/agent"
	"github.com/sprintd/sprintd/internal/queue"
	"github.com/sprintd/sprintd/internal/sprint"
)

// Testing runs the test pass over the merged sprint branch, commits whatever
// test files the agent added and enqueues the review for the same cycle.
type Testing struct {
	d *Deps
}

// NewTesting builds the testing worker.
func NewTesting(d *Deps) *Testing { return &Testing{d: d} }

// Handle consumes one testing job.
func (w *Testing) Handle(ctx context.Context, job queue.Job) error {
	d := w.d
	sp, err := d.gateEntry(ctx, job, sprint.StatusReviewing)
	if err != nil || sp == nil {
		return err
	}

	specPath := filepath.Join(d.Store.SprintDir(sp.ID), "spec.md")
	onOut, onErr := d.progress(sp.ID, 0, "", sprint.RoleIDTester)

	_, err = d.runAgent(ctx, agent.Invocation{
		Agent:    sprint.RoleIDTester,
		Prompt:   testingPrompt(specPath, job.Cycle),
		WorkDir:  sp.TargetDir,
		SprintID: sp.ID,
		OnOutput: onOut,
		OnError:  onErr,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.failStage(ctx, sp.ID, "testing", 0, err)
		return err
	}

	committed, err := d.Git.CommitInWorktree(ctx, sp.TargetDir, testCommitMessage(job.Cycle))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.failStage(ctx, sp.ID, "testing", 0, err)
		return err
	}
	if committed {
		d.Log.WithSprint(sp.ID).Info("test pass committed", zap.Int("cycle", job.Cycle))
	}

	return d.Queue.Enqueue(ctx, queue.Job{
		Queue:     queue.QueueReview,
		Key:       queue.ReviewKey(sp.ID, job.Cycle),
		SprintID:  sp.ID,
		TargetDir: sp.TargetDir,
		Cycle:     job.Cycle,
	})
}

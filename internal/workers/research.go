package workers

import (
	"context"
	"path/filepath"

	"github.com/sprintd/sprintd/internal/agent"
	"github.com/sprintd/sprintd/internal/queue"
	"github.com/sprintd/sprintd/internal/sprint"
)

// Research explores the target repository against the feature spec and
// produces research.md, then hands the sprint to planning.
type Research struct {
	d *Deps
}

// NewResearch builds the research worker.
func NewResearch(d *Deps) *Research { return &Research{d: d} }

// Handle consumes one research job.
func (w *Research) Handle(ctx context.Context, job queue.Job) error {
	d := w.d
	sp, err := d.gateEntry(ctx, job, sprint.StatusResearching)
	if err != nil || sp == nil {
		return err
	}

	specPath := filepath.Join(d.Store.SprintDir(sp.ID), "spec.md")
	researchPath := filepath.Join(d.Store.SprintDir(sp.ID), "research.md")
	onOut, onErr := d.progress(sp.ID, 0, "", sprint.RoleIDResearcher)

	res, err := d.runAgent(ctx, agent.Invocation{
		Agent:    sprint.RoleIDResearcher,
		Prompt:   researchPrompt(specPath, sp.TargetDir, researchPath),
		WorkDir:  sp.TargetDir,
		SprintID: sp.ID,
		OnOutput: onOut,
		OnError:  onErr,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.failStage(ctx, sp.ID, "research", 0, err)
		return err
	}

	// The prompt asks the agent to write the file itself; keep its printed
	// output when it did not.
	if !d.Store.HasResearch(sp.ID) {
		if err := d.Store.WriteResearch(ctx, sp.ID, []byte(res.Output)); err != nil {
			d.failStage(ctx, sp.ID, "research", 0, err)
			return err
		}
	}

	if _, err := d.Store.SetSprintStatus(ctx, sp.ID, sprint.StatusPlanning); err != nil {
		return err
	}
	return d.Queue.Enqueue(ctx, queue.Job{
		Queue:     queue.QueuePlanning,
		Key:       queue.PlanningKey(sp.ID),
		SprintID:  sp.ID,
		TargetDir: sp.TargetDir,
	})
}

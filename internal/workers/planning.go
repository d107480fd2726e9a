package workers

import (
	"context"
	"errors"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/sprintd/sprintd/internal/agent"
	"github.com/sprintd/sprintd/internal/queue"
	"github.com/sprintd/sprintd/internal/sprint"
)

// Planning turns research into a normalised task plan and either parks the
// sprint at the approval gate or starts implementation directly, depending
// on autonomy mode.
type Planning struct {
	d *Deps
}

// NewPlanning builds the planning worker.
func NewPlanning(d *Deps) *Planning { return &Planning{d: d} }

// Handle consumes one planning job.
func (w *Planning) Handle(ctx context.Context, job queue.Job) error {
	d := w.d
	sp, err := d.gateEntry(ctx, job, sprint.StatusPlanning)
	if err != nil || sp == nil {
		return err
	}

	if !d.Store.HasResearch(sp.ID) {
		err := errors.New("research artefact missing")
		d.failStage(ctx, sp.ID, "planning", 0, err)
		return err
	}

	dir := d.Store.SprintDir(sp.ID)
	onOut, onErr := d.progress(sp.ID, 0, "", sprint.RoleIDPlanner)

	res, err := d.runAgent(ctx, agent.Invocation{
		Agent:    sprint.RoleIDPlanner,
		Prompt:   planningPrompt(filepath.Join(dir, "spec.md"), filepath.Join(dir, "research.md"), sp.TargetDir, len(sp.Developers)),
		WorkDir:  sp.TargetDir,
		SprintID: sp.ID,
		OnOutput: onOut,
		OnError:  onErr,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.failStage(ctx, sp.ID, "planning", 0, err)
		return err
	}

	raw, ok := agent.ExtractLastJSON(res.Output)
	if !ok {
		err := errors.New("planner produced no JSON plan")
		d.failStage(ctx, sp.ID, "planning", 0, err)
		return err
	}

	plan, err := d.Store.SetSprintPlan(ctx, sp.ID, []byte(raw))
	if err != nil {
		// Structural plan defects need a human to re-prompt; retrying the
		// same planner output cannot fix them.
		d.failStage(ctx, sp.ID, "planning", 0, err)
		return err
	}
	d.Log.WithSprint(sp.ID).Info("plan accepted",
		zap.Int("tasks", len(plan.Tasks)),
		zap.Int("waves", len(plan.Waves())))

	if sp.Autonomy.GatesPlan() {
		_, err := d.Store.SetSprintStatus(ctx, sp.ID, sprint.StatusAwaitingApproval)
		return err
	}

	if _, err := d.Store.SetSprintStatus(ctx, sp.ID, sprint.StatusApproved); err != nil {
		return err
	}
	if err := d.Sched.StartImplementation(ctx, sp.ID); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// The scheduler marks its own merge failures; only fail the sprint
		// here if it left the status untouched.
		if cur, gerr := d.Store.GetSprint(ctx, sp.ID); gerr == nil && cur.Status != sprint.StatusFailed {
			d.failStage(ctx, sp.ID, "planning", 0, err)
		}
		return err
	}
	return nil
}

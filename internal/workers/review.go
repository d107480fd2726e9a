package workers

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/sprintd/sprintd/internal/agent"
	"github.com/sprintd/sprintd/internal/approval"
	"github.com/sprintd/sprintd/internal/events"
	"github.com/sprintd/sprintd/internal/queue"
	"github.com/sprintd/sprintd/internal/sprint"
)

// Review runs one review cycle over the sprint branch and routes the sprint
// by verdict: APPROVE with no must-fix findings heads to the PR stage, a
// change request injects bug tasks into the next wave, and a cycle past the
// configured maximum fails the sprint.
type Review struct {
	d *Deps
}

// NewReview builds the review worker.
func NewReview(d *Deps) *Review { return &Review{d: d} }

// Handle consumes one review job.
func (w *Review) Handle(ctx context.Context, job queue.Job) error {
	d := w.d
	sp, err := d.gateEntry(ctx, job, sprint.StatusReviewing)
	if err != nil || sp == nil {
		return err
	}
	cycle := job.Cycle

	dir := d.Store.SprintDir(sp.ID)
	reviewPath := filepath.Join(dir, fmt.Sprintf("review-%d.md", cycle))

	var (
		verdict  *Verdict
		agentOut string
	)

	// A persisted verdict for this cycle means a crash landed between the
	// agent run and the routing below; skip straight to routing.
	if raw, rerr := d.Store.ReadReviewVerdict(sp.ID, cycle); rerr == nil {
		if v, perr := ParseVerdict(raw); perr == nil {
			verdict = v
		}
	}

	// A persisted review without a verdict happens when a restart lands
	// between the reviewer finishing and the verdict write; route from the
	// file instead of running the reviewer again.
	if verdict == nil && !d.Store.HasReview(sp.ID, cycle) {
		onOut, onErr := d.progress(sp.ID, 0, "", sprint.RoleIDReviewer)
		res, err := d.runAgent(ctx, agent.Invocation{
			Agent:    sprint.RoleIDReviewer,
			Prompt:   reviewPrompt(filepath.Join(dir, "spec.md"), reviewPath, cycle),
			WorkDir:  sp.TargetDir,
			SprintID: sp.ID,
			OnOutput: onOut,
			OnError:  onErr,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.failStage(ctx, sp.ID, "review", 0, err)
			return err
		}
		agentOut = res.Output

		if !d.Store.HasReview(sp.ID, cycle) {
			if err := d.Store.WriteReview(ctx, sp.ID, cycle, []byte(res.Output)); err != nil {
				d.failStage(ctx, sp.ID, "review", 0, err)
				return err
			}
		}

		if raw, rerr := d.Store.ReadReviewVerdict(sp.ID, cycle); rerr == nil {
			if v, perr := ParseVerdict(raw); perr == nil {
				verdict = v
			}
		}
		if verdict == nil {
			if raw, ok := agent.ExtractLastJSON(agentOut); ok {
				if v, perr := ParseVerdict([]byte(raw)); perr == nil {
					verdict = v
				}
			}
		}
	}

	var reviewText string
	if rb, rerr := d.Store.ReadReview(sp.ID, cycle); rerr == nil {
		reviewText = string(rb)
	}
	if verdict == nil {
		if raw, ok := agent.ExtractLastJSON(reviewText); ok {
			if v, perr := ParseVerdict([]byte(raw)); perr == nil {
				verdict = v
			}
		}
	}

	if verdict == nil {
		v, ok := FallbackVerdict(reviewText, agentOut)
		if !ok {
			err := errors.New("review produced no verdict")
			d.failStage(ctx, sp.ID, "review", 0, err)
			return err
		}
		verdict = v
		d.Log.WithSprint(sp.ID).Warn("verdict recovered from review text",
			zap.Int("cycle", cycle),
			zap.String("verdict", v.Verdict))
	}
	if err := d.Store.WriteReviewVerdict(ctx, sp.ID, cycle, verdict); err != nil {
		d.Log.WithSprint(sp.ID).WithError(err).Warn("could not persist verdict")
	}

	if err := d.Store.SetReviewCycle(ctx, sp.ID, cycle); err != nil {
		return err
	}
	d.Events.Publish(events.NewReviewUpdate(events.ReviewUpdatePayload{
		SprintID:  sp.ID,
		Cycle:     cycle,
		Status:    "verdict",
		Verdict:   verdict.Verdict,
		MustFix:   verdict.MustFixCount,
		ShouldFix: verdict.ShouldFixCount,
		Summary:   verdict.Summary,
	}))

	if verdict.Verdict == VerdictApprove && verdict.MustFixCount == 0 {
		return w.approve(ctx, sp, cycle, verdict)
	}
	return w.requestChanges(ctx, sp, cycle, verdict, reviewText, agentOut)
}

// approve moves the sprint to the PR stage, via the operator when the
// autonomy mode gates it.
func (w *Review) approve(ctx context.Context, sp *sprint.Sprint, cycle int, verdict *Verdict) error {
	d := w.d
	if sp.Autonomy.GatesReviewApprove() {
		resp, err := d.Gate.Await(ctx, approval.Request{
			SprintID: sp.ID,
			Kind:     approval.KindReviewApprove,
			Message:  fmt.Sprintf("review cycle %d approved the sprint branch", cycle),
			Context: map[string]any{
				"cycle":   cycle,
				"verdict": verdict.Verdict,
				"summary": verdict.Summary,
			},
		})
		if err != nil {
			return err
		}
		if !resp.Approved {
			return w.gateRejected(ctx, sp.ID, cycle, resp.Comment)
		}
	}

	if _, err := d.Store.SetSprintStatus(ctx, sp.ID, sprint.StatusPRCreated); err != nil {
		return err
	}
	return d.Queue.Enqueue(ctx, queue.Job{
		Queue:     queue.QueuePRCreate,
		Key:       queue.PRKey(sp.ID),
		SprintID:  sp.ID,
		TargetDir: sp.TargetDir,
	})
}

// requestChanges turns the review's findings into bug tasks and restarts
// implementation, unless the cycle budget is spent.
func (w *Review) requestChanges(ctx context.Context, sp *sprint.Sprint, cycle int, verdict *Verdict, reviewText, agentOut string) error {
	d := w.d
	if cycle >= d.Cfg.MaxReviewCycles {
		d.Events.Publish(events.NewReviewUpdate(events.ReviewUpdatePayload{
			SprintID: sp.ID,
			Cycle:    cycle,
			Status:   "max-cycles-reached",
			Verdict:  verdict.Verdict,
			Summary:  verdict.Summary,
		}))
		d.failStage(ctx, sp.ID, "review", 0,
			fmt.Errorf("review cycle %d still requests changes", cycle))
		return nil
	}

	log := d.Log.WithSprint(sp.ID)
	findings := ParseFindings(reviewText, log)
	if len(findings) == 0 && agentOut != "" {
		findings = ParseFindings(agentOut, log)
	}
	if len(findings) == 0 {
		err := errors.New("changes requested but no findings could be parsed")
		d.failStage(ctx, sp.ID, "review", 0, err)
		return err
	}

	if sp.Autonomy.GatesReviewFixes() {
		resp, err := d.Gate.Await(ctx, approval.Request{
			SprintID: sp.ID,
			Kind:     approval.KindFixCycle,
			Message:  fmt.Sprintf("review cycle %d requests changes, %d findings", cycle, len(findings)),
			Context: map[string]any{
				"cycle":     cycle,
				"mustFix":   verdict.MustFixCount,
				"shouldFix": verdict.ShouldFixCount,
				"findings":  len(findings),
				"summary":   verdict.Summary,
			},
		})
		if err != nil {
			return err
		}
		if !resp.Approved {
			return w.gateRejected(ctx, sp.ID, cycle, resp.Comment)
		}
	}

	tasks, err := d.Store.AddBugTasks(ctx, sp.ID, cycle, BugSeeds(findings))
	if err != nil {
		d.failStage(ctx, sp.ID, "review", 0, err)
		return err
	}
	if _, err := d.Sched.EstablishWorktrees(ctx, sp.ID); err != nil {
		d.failStage(ctx, sp.ID, "review", 0, err)
		return err
	}
	if _, err := d.Store.SetSprintStatus(ctx, sp.ID, sprint.StatusRunning); err != nil {
		return err
	}
	log.Info("fix cycle started",
		zap.Int("cycle", cycle),
		zap.Int("bug_tasks", len(tasks)))
	return d.Sched.StartWave(ctx, sp.ID, tasks[0].Wave)
}

// gateRejected handles an operator rejection. A cancelled sprint bails
// quietly; anything else fails.
func (w *Review) gateRejected(ctx context.Context, sprintID string, cycle int, comment string) error {
	d := w.d
	if sp, err := d.Store.GetSprint(ctx, sprintID); err == nil && sp.Status == sprint.StatusCancelled {
		return nil
	}
	cause := fmt.Errorf("review cycle %d rejected by operator", cycle)
	if comment != "" {
		cause = fmt.Errorf("review cycle %d rejected by operator: %s", cycle, comment)
	}
	d.failStage(ctx, sprintID, "review", 0, cause)
	return nil
}

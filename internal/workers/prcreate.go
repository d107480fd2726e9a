package workers

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/sprintd/sprintd/internal/approval"
	"github.com/sprintd/sprintd/internal/git"
	"github.com/sprintd/sprintd/internal/queue"
	"github.com/sprintd/sprintd/internal/sprint"
)

// PRCreate delivers the finished sprint branch: a pull request when the
// target has a remote, a gated local merge to main otherwise.
type PRCreate struct {
	d *Deps
}

// NewPRCreate builds the PR worker.
func NewPRCreate(d *Deps) *PRCreate { return &PRCreate{d: d} }

// Handle consumes one pr-create job.
func (w *PRCreate) Handle(ctx context.Context, job queue.Job) error {
	d := w.d
	sp, err := d.gateEntry(ctx, job, sprint.StatusPRCreated)
	if err != nil || sp == nil {
		return err
	}
	branch := git.SprintBranch(sp.ID)

	if d.Git.HasRemote(ctx, sp.TargetDir) {
		if err := d.Git.PushBranch(ctx, sp.TargetDir, branch); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.failStage(ctx, sp.ID, "pr", 0, err)
			return err
		}
		title := sp.Name
		if title == "" {
			title = sp.ID
		}
		url, err := d.Git.CreatePullRequest(ctx, sp.TargetDir, branch, "Sprint: "+title, w.prBody(sp))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.failStage(ctx, sp.ID, "pr", 0, err)
			return err
		}
		d.Log.WithSprint(sp.ID).Info("pull request created", zap.String("url", url))
		_, err = d.Store.SetSprintStatus(ctx, sp.ID, sprint.StatusCompleted)
		return err
	}

	// No remote: folding into main destroys the review boundary, so it needs
	// an operator unless policy explicitly auto-merges.
	if !(sp.Autonomy == sprint.AutonomyFullAuto && d.Cfg.AutoLocalMerge) {
		resp, err := d.Gate.Await(ctx, approval.Request{
			SprintID: sp.ID,
			Kind:     approval.KindLocalMerge,
			Message:  fmt.Sprintf("no remote configured, merge %s into main locally?", branch),
			Context: map[string]any{
				"branch":    branch,
				"targetDir": sp.TargetDir,
			},
		})
		if err != nil {
			return err
		}
		if !resp.Approved {
			// The branch stays in place; merge-local can finish the sprint
			// later.
			d.Log.WithSprint(sp.ID).Info("local merge declined, sprint branch left in place")
			return nil
		}
	}

	if err := d.Git.MergeSprintToMain(ctx, sp.TargetDir, sp.ID); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.failStage(ctx, sp.ID, "pr", 0, err)
		return err
	}
	d.Log.WithSprint(sp.ID).Info("sprint branch merged to main", zap.String("branch", branch))
	_, err = d.Store.SetSprintStatus(ctx, sp.ID, sprint.StatusCompleted)
	return err
}

// prBody summarises the sprint for the pull request description: plan shape
// and estimates, the latest review verdict, and the agent time spent.
func (w *PRCreate) prBody(sp *sprint.Sprint) string {
	d := w.d
	var b strings.Builder

	fmt.Fprintf(&b, "Automated sprint `%s`.\n", sp.ID)
	if sp.Plan != nil {
		fmt.Fprintf(&b, "\n## Plan\n\n")
		fmt.Fprintf(&b, "- %d tasks across %d waves\n", len(sp.Plan.Tasks), len(sp.Plan.Waves()))
		if sp.Plan.EstimateHuman != "" {
			fmt.Fprintf(&b, "- Human estimate: %s\n", sp.Plan.EstimateHuman)
		}
		if sp.Plan.EstimateAI != "" {
			fmt.Fprintf(&b, "- Agent estimate: %s\n", sp.Plan.EstimateAI)
		}
		for _, t := range sp.Plan.Tasks {
			fmt.Fprintf(&b, "- [x] %d: %s\n", t.ID, t.Title)
		}
	}

	if raw, err := d.Store.ReadReviewVerdict(sp.ID, sp.ReviewCycle); err == nil {
		if v, perr := ParseVerdict(raw); perr == nil {
			fmt.Fprintf(&b, "\n## Review\n\n")
			fmt.Fprintf(&b, "- Verdict: %s after %d cycle(s)\n", v.Verdict, sp.ReviewCycle)
			if v.Summary != "" {
				fmt.Fprintf(&b, "- %s\n", v.Summary)
			}
		}
	}

	if sp.Costs != nil && sp.Costs.TotalSeconds > 0 {
		fmt.Fprintf(&b, "\n## Agent time\n\n")
		fmt.Fprintf(&b, "- Total: %ds over %d sessions\n", sp.Costs.TotalSeconds, len(sp.Costs.Sessions))
		agents := make([]string, 0, len(sp.Costs.ByAgent))
		for a := range sp.Costs.ByAgent {
			agents = append(agents, a)
		}
		sort.Strings(agents)
		for _, a := range agents {
			fmt.Fprintf(&b, "- %s: %ds\n", a, sp.Costs.ByAgent[a])
		}
	}
	return b.String()
}

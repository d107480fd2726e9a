// Package workers implements the role consumers behind each queue: research,
// planning, one developer per slot, testing, review and pr-create. Every
// worker follows the same template: check the sprint is still in the stage
// the job was enqueued for, run the role's agent while forwarding output as
// live events, then apply the stage post-condition and enqueue the next one.
package workers

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/sprintd/sprintd/internal/agent"
	"github.com/sprintd/sprintd/internal/approval"
	"github.com/sprintd/sprintd/internal/common/config"
	apperrors "github.com/sprintd/sprintd/internal/common/errors"
	"github.com/sprintd/sprintd/internal/common/logger"
	"github.com/sprintd/sprintd/internal/events"
	"github.com/sprintd/sprintd/internal/queue"
	"github.com/sprintd/sprintd/internal/sprint"
	"github.com/sprintd/sprintd/internal/store"
)

// AgentRunner runs one agent child process to completion.
type AgentRunner interface {
	Run(ctx context.Context, inv agent.Invocation) (*agent.Result, error)
}

// GitCoordinator is the slice of the git coordinator the workers drive
// directly: committing inside a tree and the end-of-pipeline passes.
type GitCoordinator interface {
	CommitInWorktree(ctx context.Context, dir, message string) (bool, error)
	HasRemote(ctx context.Context, target string) bool
	PushBranch(ctx context.Context, target, branch string) error
	MergeSprintToMain(ctx context.Context, target, sprintID string) error
	CreatePullRequest(ctx context.Context, target, branch, title, body string) (string, error)
}

// WaveScheduler advances implementation waves.
type WaveScheduler interface {
	StartImplementation(ctx context.Context, sprintID string) error
	OnTaskCompleted(ctx context.Context, sprintID string, taskID int) error
	StartWave(ctx context.Context, sprintID string, wave int) error
	EstablishWorktrees(ctx context.Context, sprintID string) (map[string]string, error)
}

// Approver parks a worker until the operator answers.
type Approver interface {
	Await(ctx context.Context, req approval.Request) (approval.Response, error)
}

// Enqueuer submits the next stage's job.
type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.Job) error
}

// Deps bundles the collaborators shared by all role workers.
type Deps struct {
	Store  *store.Store
	Runner AgentRunner
	Git    GitCoordinator
	Sched  WaveScheduler
	Queue  Enqueuer
	Gate   Approver
	Events events.Publisher
	Cfg    config.SprintsConfig
	Log    *logger.Logger
}

// QueueBinding registers handlers on the queue binding.
type QueueBinding interface {
	RegisterHandler(queueName string, h queue.Handler)
}

// RegisterAll wires every role worker onto its queue. Developer slots get
// one impl queue each.
func RegisterAll(b QueueBinding, d *Deps, slots []string) {
	b.RegisterHandler(queue.QueueResearch, NewResearch(d).Handle)
	b.RegisterHandler(queue.QueuePlanning, NewPlanning(d).Handle)
	b.RegisterHandler(queue.QueueTesting, NewTesting(d).Handle)
	b.RegisterHandler(queue.QueueReview, NewReview(d).Handle)
	b.RegisterHandler(queue.QueuePRCreate, NewPRCreate(d).Handle)
	dev := NewDeveloper(d)
	for _, slot := range slots {
		b.RegisterHandler(queue.ImplQueue(slot), dev.Handle)
	}
}

// gateEntry loads the sprint and applies the stage pre-condition shared by
// all sprint-level workers: a paused sprint parks the job, a sprint that
// moved past (or out of) the expected status drops it.
func (d *Deps) gateEntry(ctx context.Context, job queue.Job, want sprint.Status) (*sprint.Sprint, error) {
	sp, err := d.Store.GetSprint(ctx, job.SprintID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			d.Log.Warn("job for unknown sprint dropped",
				zap.String("sprint_id", job.SprintID), zap.String("queue", job.Queue))
			return nil, nil
		}
		return nil, err
	}
	if sp.Status == sprint.StatusPaused {
		return nil, queue.ErrSprintPaused
	}
	if sp.Status != want {
		d.Log.WithSprint(sp.ID).Info("stale job dropped",
			zap.String("queue", job.Queue),
			zap.String("status", string(sp.Status)),
			zap.String("expected", string(want)))
		return nil, nil
	}
	return sp, nil
}

// failStage marks the sprint failed and broadcasts the cause. The transition
// can itself be refused (e.g. the sprint was cancelled underneath us); that
// is logged, not escalated.
func (d *Deps) failStage(ctx context.Context, sprintID, stage string, taskID int, cause error) {
	d.Log.WithSprint(sprintID).WithError(cause).Error("stage failed",
		zap.String("stage", stage))
	if _, err := d.Store.SetSprintStatus(ctx, sprintID, sprint.StatusFailed); err != nil {
		d.Log.WithSprint(sprintID).WithError(err).Warn("could not mark sprint failed")
	}
	d.Events.Publish(events.NewError(sprintID, stage, taskID, cause.Error()))
}

// progress returns OnOutput/OnError callbacks that broadcast agent lines as
// task:log events. The role log sink mirrors them to disk.
func (d *Deps) progress(sprintID string, taskID int, developer, role string) (func(string), func(string)) {
	forward := func(stream, line string) {
		d.Events.Publish(events.NewTaskLog(sprintID, taskID, developer, role, stream, line))
	}
	onOut := func(line string) { forward("stdout", line) }
	onErr := func(line string) { forward("stderr", line) }
	return onOut, onErr
}

// runAgent invokes the role's agent and normalises the two failure shapes
// (spawn error, non-zero exit) into one error. The result is returned even
// on failure so callers can salvage output.
func (d *Deps) runAgent(ctx context.Context, inv agent.Invocation) (*agent.Result, error) {
	res, err := d.Runner.Run(ctx, inv)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", inv.Agent, err)
	}
	if res.ExitCode != 0 {
		return res, fmt.Errorf("agent %s exited %d: %s", inv.Agent, res.ExitCode, tail(res.Stderr, 400))
	}
	return res, nil
}

// tail returns at most n trailing bytes of s, on a line boundary when one is
// available.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := s[len(s)-n:]
	if i := strings.IndexByte(cut, '\n'); i >= 0 && i+1 < len(cut) {
		return cut[i+1:]
	}
	return cut
}

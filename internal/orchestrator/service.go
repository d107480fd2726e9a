// Package orchestrator owns the sprint lifecycle: it turns external commands
// into store transitions, queue jobs and scheduler calls. Everything the REST
// and websocket surfaces can do to a sprint goes through the Service, so the
// transition rules live in exactly one place.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sprintd/sprintd/internal/approval"
	"github.com/sprintd/sprintd/internal/common/config"
	apperrors "github.com/sprintd/sprintd/internal/common/errors"
	"github.com/sprintd/sprintd/internal/common/logger"
	"github.com/sprintd/sprintd/internal/queue"
	"github.com/sprintd/sprintd/internal/sprint"
	"github.com/sprintd/sprintd/internal/store"
)

// Broker is the slice of the queue binding the service drives.
type Broker interface {
	Enqueue(ctx context.Context, job queue.Job) error
	Ready() bool
	ParkSprint(sprintID string) int
	UnparkSprint(sprintID string) int
	DrainSprint(sprintID string) int
	PendingCounts() map[string]int
}

// Scheduler is the slice of the wave scheduler the service drives.
type Scheduler interface {
	StartImplementation(ctx context.Context, sprintID string) error
	EstablishWorktrees(ctx context.Context, sprintID string) (map[string]string, error)
	StartWave(ctx context.Context, sprintID string, wave int) error
	ResumePending(ctx context.Context, sprintID string) error
	DropPending(sprintID string)
}

// Approvals is the slice of the approval gate the service drives.
type Approvals interface {
	Resolve(id string, resp approval.Response) bool
	CancelSprint(sprintID string) int
	PendingList(sprintID string) []approval.Pending
}

// Merger folds a finished sprint branch into main on explicit request.
type Merger interface {
	MergeSprintToMain(ctx context.Context, target, sprintID string) error
}

// Service routes sprint commands.
type Service struct {
	store  *store.Store
	broker Broker
	sched  Scheduler
	gate   Approvals
	git    Merger
	cfg    config.SprintsConfig
	log    *logger.Logger
}

// NewService wires the orchestrator service.
func NewService(st *store.Store, broker Broker, sched Scheduler, gate Approvals, g Merger, cfg config.SprintsConfig, log *logger.Logger) *Service {
	return &Service{
		store:  st,
		broker: broker,
		sched:  sched,
		gate:   gate,
		git:    g,
		cfg:    cfg,
		log:    log.WithComponent("orchestrator"),
	}
}

// CreateParams describes a sprint creation request.
type CreateParams struct {
	SpecPath       string
	TargetDir      string
	DeveloperCount int
	Autonomy       string
	SprintID       string
	Name           string
}

var slugStripRe = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = slugStripRe.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > 40 {
		s = strings.Trim(s[:40], "-")
	}
	return s
}

// CreateSprint validates the request, derives a date-prefixed id when none is
// given, and initialises the sprint directory.
func (s *Service) CreateSprint(ctx context.Context, p CreateParams) (*sprint.Sprint, error) {
	if p.SpecPath == "" {
		return nil, apperrors.ValidationError("specPath", "required")
	}
	if p.TargetDir == "" {
		return nil, apperrors.ValidationError("targetDir", "required")
	}
	info, err := os.Stat(p.TargetDir)
	if err != nil || !info.IsDir() {
		return nil, apperrors.ValidationError("targetDir", "not a directory")
	}

	mode, err := sprint.ParseAutonomy(p.Autonomy, sprint.AutonomyMode(s.cfg.AutonomyDefault))
	if err != nil {
		return nil, apperrors.ValidationError("autonomyMode", err.Error())
	}
	count := p.DeveloperCount
	if count == 0 {
		count = 1
	}
	// Implementation queues exist only for the configured pool; a sprint
	// created beyond it would stall at its first wave.
	if count < 1 || count > s.cfg.DeveloperPool {
		return nil, apperrors.ValidationError("developerCount",
			fmt.Sprintf("must be between 1 and %d", s.cfg.DeveloperPool))
	}

	id := p.SprintID
	if id == "" {
		id = s.nextID(p.Name, p.SpecPath)
	} else if strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return nil, apperrors.ValidationError("sprintId", "must not contain path separators")
	}

	sp, err := s.store.InitSprint(ctx, store.InitParams{
		ID:             id,
		Name:           p.Name,
		SpecPath:       p.SpecPath,
		TargetDir:      p.TargetDir,
		DeveloperCount: count,
		Autonomy:       mode,
	})
	if err != nil {
		return nil, err
	}
	s.log.WithSprint(sp.ID).Info("sprint created",
		zap.String("autonomy", string(mode)),
		zap.Int("developers", count))
	return sp, nil
}

// nextID derives YYYY-MM-DD-<slug> from the name or the spec file name,
// suffixing a counter on collision.
func (s *Service) nextID(name, specPath string) string {
	base := slugify(name)
	if base == "" {
		file := filepath.Base(specPath)
		base = slugify(strings.TrimSuffix(file, filepath.Ext(file)))
	}
	if base == "" {
		base = "sprint"
	}
	id := time.Now().UTC().Format("2006-01-02") + "-" + base
	if !s.store.Exists(id) {
		return id
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s-%d", id, i)
		if !s.store.Exists(candidate) {
			return candidate
		}
	}
}

func (s *Service) requireBroker() error {
	if s.broker.Ready() {
		return nil
	}
	return apperrors.ServiceUnavailable("queue broker")
}

// Get returns one sprint snapshot.
func (s *Service) Get(ctx context.Context, id string) (*sprint.Sprint, error) {
	return s.store.GetSprint(ctx, id)
}

// List returns snapshots of all sprints, newest first.
func (s *Service) List(ctx context.Context) ([]*sprint.Sprint, error) {
	return s.store.ListSprints(ctx)
}

// PendingApprovals returns the sprint's outstanding approval requests.
func (s *Service) PendingApprovals(id string) []approval.Pending {
	return s.gate.PendingList(id)
}

// ResolveApproval answers one outstanding approval request. Unmatched ids
// report false; the caller decides whether that is an error.
func (s *Service) ResolveApproval(id string, resp approval.Response) bool {
	return s.gate.Resolve(id, resp)
}

// Start moves a created sprint into research.
func (s *Service) Start(ctx context.Context, id string) (*sprint.Sprint, error) {
	if err := s.requireBroker(); err != nil {
		return nil, err
	}
	sp, err := s.store.GetSprint(ctx, id)
	if err != nil {
		return nil, err
	}
	updated, err := s.store.SetSprintStatus(ctx, id, sprint.StatusResearching)
	if err != nil {
		return nil, err
	}
	if err := s.broker.Enqueue(ctx, queue.Job{
		Queue:     queue.QueueResearch,
		Key:       queue.ResearchKey(id),
		SprintID:  id,
		TargetDir: sp.TargetDir,
	}); err != nil {
		return nil, err
	}
	return updated, nil
}

// Approve accepts the plan of a sprint parked at awaiting-approval and starts
// implementation.
func (s *Service) Approve(ctx context.Context, id string) (*sprint.Sprint, error) {
	if err := s.requireBroker(); err != nil {
		return nil, err
	}
	sp, err := s.store.GetSprint(ctx, id)
	if err != nil {
		return nil, err
	}
	if sp.Status != sprint.StatusAwaitingApproval {
		return nil, apperrors.InvalidTransition(id, string(sp.Status), string(sprint.StatusApproved))
	}
	if _, err := s.store.SetSprintStatus(ctx, id, sprint.StatusApproved); err != nil {
		return nil, err
	}
	if err := s.sched.StartImplementation(ctx, id); err != nil {
		// The scheduler marks merge failures itself; anything else would
		// leave the sprint stuck at approved.
		if cur, gerr := s.store.GetSprint(ctx, id); gerr == nil && cur.Status == sprint.StatusApproved {
			if _, ferr := s.store.SetSprintStatus(ctx, id, sprint.StatusFailed); ferr != nil {
				s.log.WithSprint(id).WithError(ferr).Error("failed to mark sprint failed")
			}
		}
		return nil, err
	}
	return s.store.GetSprint(ctx, id)
}

// Pause stops new task starts. Queued jobs are parked; in-flight agents
// finish and their successors wait for resume.
func (s *Service) Pause(ctx context.Context, id string) (*sprint.Sprint, error) {
	sp, err := s.store.Pause(ctx, id)
	if err != nil {
		return nil, err
	}
	parked := s.broker.ParkSprint(id)
	s.log.WithSprint(id).Info("sprint paused", zap.Int("parked_jobs", parked))
	return sp, nil
}

// Resume restores the pre-pause status, re-admits parked jobs and replays any
// wave check that fired while paused.
func (s *Service) Resume(ctx context.Context, id string) (*sprint.Sprint, error) {
	if err := s.requireBroker(); err != nil {
		return nil, err
	}
	if _, err := s.store.Resume(ctx, id); err != nil {
		return nil, err
	}
	requeued := s.broker.UnparkSprint(id)
	if err := s.sched.ResumePending(ctx, id); err != nil {
		return nil, err
	}
	s.log.WithSprint(id).Info("sprint resumed", zap.Int("requeued_jobs", requeued))
	return s.store.GetSprint(ctx, id)
}

// Cancel terminates the sprint: waiting jobs are drained from every queue and
// all pending approvals resolve as rejected. In-flight agents finish on their
// own; their post-conditions bail on the cancelled status.
func (s *Service) Cancel(ctx context.Context, id string) (*sprint.Sprint, error) {
	sp, err := s.store.SetSprintStatus(ctx, id, sprint.StatusCancelled)
	if err != nil {
		return nil, err
	}
	drained := s.broker.DrainSprint(id)
	rejected := s.gate.CancelSprint(id)
	s.sched.DropPending(id)
	s.log.WithSprint(id).Info("sprint cancelled",
		zap.Int("drained_jobs", drained),
		zap.Int("rejected_approvals", rejected))
	return sp, nil
}

// Complete marks a pr-created sprint as done, for when the pull request was
// merged outside sprintd.
func (s *Service) Complete(ctx context.Context, id string) (*sprint.Sprint, error) {
	return s.store.SetSprintStatus(ctx, id, sprint.StatusCompleted)
}

// MergeLocal folds the sprint branch into main and completes the sprint.
// Available for pr-created sprints whose local merge was declined earlier.
func (s *Service) MergeLocal(ctx context.Context, id string) (*sprint.Sprint, error) {
	sp, err := s.store.GetSprint(ctx, id)
	if err != nil {
		return nil, err
	}
	if sp.Status != sprint.StatusPRCreated {
		return nil, apperrors.Conflict(fmt.Sprintf("sprint is %s, local merge applies to pr-created", sp.Status))
	}
	if err := s.git.MergeSprintToMain(ctx, sp.TargetDir, id); err != nil {
		return nil, apperrors.Wrap(err, "merge sprint branch")
	}
	return s.store.SetSprintStatus(ctx, id, sprint.StatusCompleted)
}

// RetryTask resets one failed task to pending and re-enqueues it on its
// developer's queue.
func (s *Service) RetryTask(ctx context.Context, id string, taskID int) error {
	if err := s.requireBroker(); err != nil {
		return err
	}
	sp, err := s.store.GetSprint(ctx, id)
	if err != nil {
		return err
	}
	if sp.Plan == nil {
		return apperrors.Conflict("sprint has no plan")
	}
	task := sp.Plan.TaskByID(taskID)
	if task == nil {
		return apperrors.NotFound("task", fmt.Sprintf("%s/%d", id, taskID))
	}
	st := sp.TaskState(taskID)
	if st == nil || st.Status != sprint.TaskFailed {
		status := sprint.TaskPending
		if st != nil {
			status = st.Status
		}
		return apperrors.Conflict(fmt.Sprintf("task %d is %s, retry applies to failed tasks", taskID, status))
	}
	if sp.EffectiveStatus() != sprint.StatusRunning {
		return apperrors.Conflict(fmt.Sprintf("sprint is %s, tasks retry while running", sp.Status))
	}

	if err := s.store.ResetTaskStatus(ctx, id, taskID); err != nil {
		return err
	}
	return s.broker.Enqueue(ctx, queue.Job{
		Queue:     queue.ImplQueue(task.Developer),
		Key:       queue.RetryKey(queue.ImplKey(id, taskID)),
		SprintID:  id,
		TaskID:    taskID,
		Developer: task.Developer,
		TargetDir: sp.TargetDir,
	})
}

// Restart re-derives the sprint's position from its persisted artefacts and
// re-enqueues from there: missing research restarts research, a missing plan
// restarts planning, a reviewing sprint replays its latest review cycle, and
// anything else resets unfinished tasks and reruns the earliest open wave.
func (s *Service) Restart(ctx context.Context, id string) (*sprint.Sprint, error) {
	if err := s.requireBroker(); err != nil {
		return nil, err
	}
	sp, err := s.store.GetSprint(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sp.Status.Restartable() {
		return nil, apperrors.InvalidTransition(id, string(sp.Status), "restart")
	}

	// Jobs from the pre-restart run must not race the re-derived ones.
	s.broker.DrainSprint(id)
	s.sched.DropPending(id)

	switch {
	case !s.store.HasResearch(id):
		if _, err := s.store.RestartTo(ctx, id, sprint.StatusResearching); err != nil {
			return nil, err
		}
		err = s.broker.Enqueue(ctx, queue.Job{
			Queue:     queue.QueueResearch,
			Key:       queue.RetryKey(queue.ResearchKey(id)),
			SprintID:  id,
			TargetDir: sp.TargetDir,
		})
	case !s.store.HasPlan(id):
		if _, err := s.store.RestartTo(ctx, id, sprint.StatusPlanning); err != nil {
			return nil, err
		}
		err = s.broker.Enqueue(ctx, queue.Job{
			Queue:     queue.QueuePlanning,
			Key:       queue.RetryKey(queue.PlanningKey(id)),
			SprintID:  id,
			TargetDir: sp.TargetDir,
		})
	case sp.Status == sprint.StatusReviewing:
		// Replaying the latest persisted cycle is enough: the review worker
		// routes from review-N.md and its verdict without re-running the
		// reviewer when both survived the crash.
		cycle := s.store.MaxReviewCycle(id)
		if cycle == 0 {
			cycle = 1
		}
		if _, err := s.store.RestartTo(ctx, id, sprint.StatusReviewing); err != nil {
			return nil, err
		}
		err = s.broker.Enqueue(ctx, queue.Job{
			Queue:     queue.QueueReview,
			Key:       queue.ReviewKey(id, cycle),
			SprintID:  id,
			TargetDir: sp.TargetDir,
			Cycle:     cycle,
		})
	default:
		return s.restartImplementation(ctx, sp)
	}
	if err != nil {
		return nil, err
	}
	s.log.WithSprint(id).Info("sprint restarted", zap.String("from", string(sp.Status)))
	return s.store.GetSprint(ctx, id)
}

func (s *Service) restartImplementation(ctx context.Context, sp *sprint.Sprint) (*sprint.Sprint, error) {
	wave, open := earliestOpenWave(sp)
	if !open {
		// Every task already landed. Restart changes nothing.
		s.log.WithSprint(sp.ID).Info("restart found no unfinished tasks")
		return sp, nil
	}
	reset, err := s.store.ResetForRestart(ctx, sp.ID)
	if err != nil {
		return nil, err
	}
	if _, err := s.sched.EstablishWorktrees(ctx, sp.ID); err != nil {
		return nil, err
	}
	if _, err := s.store.RestartTo(ctx, sp.ID, sprint.StatusRunning); err != nil {
		return nil, err
	}
	if err := s.sched.StartWave(ctx, sp.ID, wave); err != nil {
		return nil, err
	}
	s.log.WithSprint(sp.ID).Info("implementation restarted",
		zap.Int("wave", wave),
		zap.Int("reset_tasks", len(reset)))
	return s.store.GetSprint(ctx, sp.ID)
}

// earliestOpenWave returns the smallest wave with a not-completed developer
// task, and false when every task is completed.
func earliestOpenWave(sp *sprint.Sprint) (int, bool) {
	for _, wave := range sp.Plan.Waves() {
		for _, t := range sp.Plan.DeveloperTasksInWave(wave) {
			st := sp.TaskState(t.ID)
			if st == nil || st.Status != sprint.TaskCompleted {
				return wave, true
			}
		}
	}
	return 0, false
}

// Health summarises service readiness for the health endpoint.
type Health struct {
	Status   string `json:"status"`
	Broker   bool   `json:"broker"`
	Degraded bool   `json:"degraded"`
	Sprints  int    `json:"sprints"`
}

// CheckHealth reports broker readiness and the live sprint count.
func (s *Service) CheckHealth(ctx context.Context) Health {
	ready := s.broker.Ready()
	active := 0
	if sprints, err := s.store.ListSprints(ctx); err == nil {
		for _, sp := range sprints {
			if !sp.Status.IsTerminal() {
				active++
			}
		}
	}
	h := Health{Status: "ok", Broker: ready, Degraded: !ready, Sprints: active}
	if !ready {
		h.Status = "degraded"
	}
	return h
}

package orchestrator

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sprintd/sprintd/internal/approval"
	"github.com/sprintd/sprintd/internal/common/config"
	apperrors "github.com/sprintd/sprintd/internal/common/errors"
	"github.com/sprintd/sprintd/internal/common/logger"
	"github.com/sprintd/sprintd/internal/queue"
	"github.com/sprintd/sprintd/internal/sprint"
	"github.com/sprintd/sprintd/internal/store"
)

type fakeBroker struct {
	mu       sync.Mutex
	down     bool
	jobs     []queue.Job
	parked   []string
	unparked []string
	drained  []string
}

func (b *fakeBroker) Enqueue(ctx context.Context, job queue.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.jobs = append(b.jobs, job)
	return nil
}

func (b *fakeBroker) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.down
}

func (b *fakeBroker) ParkSprint(sprintID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.parked = append(b.parked, sprintID)
	return 1
}

func (b *fakeBroker) UnparkSprint(sprintID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unparked = append(b.unparked, sprintID)
	return 1
}

func (b *fakeBroker) DrainSprint(sprintID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.drained = append(b.drained, sprintID)
	return 0
}

func (b *fakeBroker) PendingCounts() map[string]int {
	return map[string]int{}
}

func (b *fakeBroker) jobsOn(name string) []queue.Job {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []queue.Job
	for _, j := range b.jobs {
		if j.Queue == name {
			out = append(out, j)
		}
	}
	return out
}

type fakeScheduler struct {
	mu       sync.Mutex
	started  []string
	waves    []int
	estabs   int
	resumed  []string
	dropped  []string
	startErr error
}

func (s *fakeScheduler) StartImplementation(ctx context.Context, sprintID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	s.started = append(s.started, sprintID)
	return nil
}

func (s *fakeScheduler) EstablishWorktrees(ctx context.Context, sprintID string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.estabs++
	return map[string]string{}, nil
}

func (s *fakeScheduler) StartWave(ctx context.Context, sprintID string, wave int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waves = append(s.waves, wave)
	return nil
}

func (s *fakeScheduler) ResumePending(ctx context.Context, sprintID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumed = append(s.resumed, sprintID)
	return nil
}

func (s *fakeScheduler) DropPending(sprintID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped = append(s.dropped, sprintID)
}

type fakeMerger struct {
	mu     sync.Mutex
	merges []string
	err    error
}

func (m *fakeMerger) MergeSprintToMain(ctx context.Context, target, sprintID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.merges = append(m.merges, sprintID)
	return nil
}

const twoTaskPlanJSON = `{
	"tasks": [
		{"id": 1, "title": "scaffold", "files": ["a.go"], "wave": 1, "role": "developer", "developer": "dev-1"},
		{"id": 2, "title": "handler", "files": ["b.go"], "wave": 2, "role": "developer", "developer": "dev-1"}
	]
}`

type svcHarness struct {
	store  *store.Store
	broker *fakeBroker
	sched  *fakeScheduler
	gate   *approval.Gate
	git    *fakeMerger
	svc    *Service
	spec   string
	target string
}

func newSvcHarness(t *testing.T) *svcHarness {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	specPath := filepath.Join(t.TempDir(), "health-route.md")
	if err := os.WriteFile(specPath, []byte("# Health route\n"), 0o644); err != nil {
		t.Fatalf("write spec: %v", err)
	}

	h := &svcHarness{
		store:  store.New(t.TempDir(), nil, log),
		broker: &fakeBroker{},
		sched:  &fakeScheduler{},
		gate:   approval.NewGate(nil, log),
		git:    &fakeMerger{},
		spec:   specPath,
		target: t.TempDir(),
	}
	h.svc = NewService(h.store, h.broker, h.sched, h.gate, h.git, config.SprintsConfig{
		DeveloperPool:   5,
		MaxReviewCycles: 3,
		AutonomyDefault: "supervised",
	}, log)
	return h
}

func (h *svcHarness) create(t *testing.T) *sprint.Sprint {
	t.Helper()
	sp, err := h.svc.CreateSprint(context.Background(), CreateParams{
		SpecPath:  h.spec,
		TargetDir: h.target,
		SprintID:  "2026-08-25-health",
	})
	if err != nil {
		t.Fatalf("CreateSprint: %v", err)
	}
	return sp
}

func (h *svcHarness) walkTo(t *testing.T, id string, statuses ...sprint.Status) {
	t.Helper()
	for _, status := range statuses {
		if _, err := h.store.SetSprintStatus(context.Background(), id, status); err != nil {
			t.Fatalf("SetSprintStatus(%s): %v", status, err)
		}
	}
}

func (h *svcHarness) setPlan(t *testing.T, id string) {
	t.Helper()
	if _, err := h.store.SetSprintPlan(context.Background(), id, []byte(twoTaskPlanJSON)); err != nil {
		t.Fatalf("SetSprintPlan: %v", err)
	}
}

func wantAppCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	var appErr *apperrors.AppError
	if !stderrors.As(err, &appErr) {
		t.Fatalf("expected AppError, got %v", err)
	}
	if appErr.Code != code {
		t.Fatalf("expected code %s, got %s (%s)", code, appErr.Code, appErr.Message)
	}
}

func TestCreateSprintDerivesDatedID(t *testing.T) {
	h := newSvcHarness(t)

	sp, err := h.svc.CreateSprint(context.Background(), CreateParams{
		SpecPath:  h.spec,
		TargetDir: h.target,
		Name:      "Add Health Route!",
	})
	if err != nil {
		t.Fatalf("CreateSprint: %v", err)
	}

	prefix := time.Now().UTC().Format("2006-01-02") + "-add-health-route"
	if sp.ID != prefix {
		t.Fatalf("expected id %q, got %q", prefix, sp.ID)
	}
	if sp.Status != sprint.StatusCreated {
		t.Fatalf("expected status created, got %s", sp.Status)
	}
	if len(sp.Developers) != 1 {
		t.Fatalf("expected 1 developer by default, got %d", len(sp.Developers))
	}
	if sp.Autonomy != sprint.AutonomySupervised {
		t.Fatalf("expected supervised default, got %s", sp.Autonomy)
	}

	// Same name again picks a suffixed id instead of colliding.
	again, err := h.svc.CreateSprint(context.Background(), CreateParams{
		SpecPath:  h.spec,
		TargetDir: h.target,
		Name:      "Add Health Route!",
	})
	if err != nil {
		t.Fatalf("CreateSprint again: %v", err)
	}
	if again.ID != prefix+"-2" {
		t.Fatalf("expected suffixed id %q, got %q", prefix+"-2", again.ID)
	}
}

func TestCreateSprintValidation(t *testing.T) {
	h := newSvcHarness(t)
	ctx := context.Background()

	_, err := h.svc.CreateSprint(ctx, CreateParams{TargetDir: h.target})
	wantAppCode(t, err, apperrors.ErrCodeValidationError)

	_, err = h.svc.CreateSprint(ctx, CreateParams{SpecPath: h.spec})
	wantAppCode(t, err, apperrors.ErrCodeValidationError)

	_, err = h.svc.CreateSprint(ctx, CreateParams{SpecPath: h.spec, TargetDir: filepath.Join(h.target, "missing")})
	wantAppCode(t, err, apperrors.ErrCodeValidationError)

	_, err = h.svc.CreateSprint(ctx, CreateParams{SpecPath: h.spec, TargetDir: h.target, Autonomy: "yolo"})
	wantAppCode(t, err, apperrors.ErrCodeValidationError)

	_, err = h.svc.CreateSprint(ctx, CreateParams{SpecPath: h.spec, TargetDir: h.target, SprintID: "../escape"})
	wantAppCode(t, err, apperrors.ErrCodeValidationError)

	_, err = h.svc.CreateSprint(ctx, CreateParams{SpecPath: h.spec, TargetDir: h.target, DeveloperCount: -1})
	wantAppCode(t, err, apperrors.ErrCodeValidationError)
}

func TestCreateSprintRejectsCountAbovePool(t *testing.T) {
	h := newSvcHarness(t)
	ctx := context.Background()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	svc := NewService(h.store, h.broker, h.sched, h.gate, h.git, config.SprintsConfig{
		DeveloperPool:   2,
		MaxReviewCycles: 3,
		AutonomyDefault: "supervised",
	}, log)

	// Only impl-dev-1 and impl-dev-2 queues exist for a pool of two; a
	// larger sprint must be refused at creation, not fail mid-wave.
	_, err = svc.CreateSprint(ctx, CreateParams{SpecPath: h.spec, TargetDir: h.target, DeveloperCount: 3})
	wantAppCode(t, err, apperrors.ErrCodeValidationError)

	sp, err := svc.CreateSprint(ctx, CreateParams{SpecPath: h.spec, TargetDir: h.target, DeveloperCount: 2})
	if err != nil {
		t.Fatalf("CreateSprint at pool size: %v", err)
	}
	if len(sp.Developers) != 2 {
		t.Fatalf("developers = %d, want 2", len(sp.Developers))
	}
}

func TestStartEnqueuesResearch(t *testing.T) {
	h := newSvcHarness(t)
	sp := h.create(t)

	updated, err := h.svc.Start(context.Background(), sp.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if updated.Status != sprint.StatusResearching {
		t.Fatalf("expected researching, got %s", updated.Status)
	}

	jobs := h.broker.jobsOn(queue.QueueResearch)
	if len(jobs) != 1 {
		t.Fatalf("expected 1 research job, got %d", len(jobs))
	}
	if jobs[0].Key != queue.ResearchKey(sp.ID) {
		t.Fatalf("unexpected job key %q", jobs[0].Key)
	}
	if jobs[0].TargetDir != h.target {
		t.Fatalf("job target dir = %q, want %q", jobs[0].TargetDir, h.target)
	}
}

func TestStartRefusesWithoutBroker(t *testing.T) {
	h := newSvcHarness(t)
	sp := h.create(t)
	h.broker.down = true

	_, err := h.svc.Start(context.Background(), sp.ID)
	wantAppCode(t, err, apperrors.ErrCodeServiceUnavailable)

	cur, _ := h.store.GetSprint(context.Background(), sp.ID)
	if cur.Status != sprint.StatusCreated {
		t.Fatalf("sprint moved to %s despite broker being down", cur.Status)
	}
}

func TestApproveStartsImplementation(t *testing.T) {
	h := newSvcHarness(t)
	sp := h.create(t)
	h.walkTo(t, sp.ID, sprint.StatusResearching, sprint.StatusPlanning, sprint.StatusAwaitingApproval)

	if _, err := h.svc.Approve(context.Background(), sp.ID); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if len(h.sched.started) != 1 || h.sched.started[0] != sp.ID {
		t.Fatalf("expected StartImplementation for %s, got %v", sp.ID, h.sched.started)
	}

	cur, _ := h.store.GetSprint(context.Background(), sp.ID)
	if cur.Status != sprint.StatusApproved {
		t.Fatalf("expected approved, got %s", cur.Status)
	}
}

func TestApproveRejectsWrongStatus(t *testing.T) {
	h := newSvcHarness(t)
	sp := h.create(t)

	_, err := h.svc.Approve(context.Background(), sp.ID)
	wantAppCode(t, err, apperrors.ErrCodeInvalidTransition)
	if len(h.sched.started) != 0 {
		t.Fatalf("scheduler invoked despite invalid transition")
	}
}

func TestApproveSchedulerFailureMarksFailed(t *testing.T) {
	h := newSvcHarness(t)
	sp := h.create(t)
	h.walkTo(t, sp.ID, sprint.StatusResearching, sprint.StatusPlanning, sprint.StatusAwaitingApproval)
	h.sched.startErr = stderrors.New("worktrees exploded")

	if _, err := h.svc.Approve(context.Background(), sp.ID); err == nil {
		t.Fatalf("expected scheduler error")
	}

	cur, _ := h.store.GetSprint(context.Background(), sp.ID)
	if cur.Status != sprint.StatusFailed {
		t.Fatalf("expected failed, got %s", cur.Status)
	}
}

func TestPauseParksAndResumeRequeues(t *testing.T) {
	h := newSvcHarness(t)
	sp := h.create(t)
	h.setPlan(t, sp.ID)
	h.walkTo(t, sp.ID, sprint.StatusResearching, sprint.StatusPlanning,
		sprint.StatusAwaitingApproval, sprint.StatusApproved, sprint.StatusRunning)

	paused, err := h.svc.Pause(context.Background(), sp.ID)
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if paused.Status != sprint.StatusPaused || paused.PausedFrom != sprint.StatusRunning {
		t.Fatalf("expected paused from running, got %s from %s", paused.Status, paused.PausedFrom)
	}
	if len(h.broker.parked) != 1 {
		t.Fatalf("expected 1 ParkSprint call, got %d", len(h.broker.parked))
	}

	resumed, err := h.svc.Resume(context.Background(), sp.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.Status != sprint.StatusRunning {
		t.Fatalf("expected running after resume, got %s", resumed.Status)
	}
	if len(h.broker.unparked) != 1 {
		t.Fatalf("expected 1 UnparkSprint call, got %d", len(h.broker.unparked))
	}
	if len(h.sched.resumed) != 1 {
		t.Fatalf("expected deferred wave check replay, got %v", h.sched.resumed)
	}
}

func TestCancelDrainsQueuesAndRejectsApprovals(t *testing.T) {
	h := newSvcHarness(t)
	sp := h.create(t)
	h.walkTo(t, sp.ID, sprint.StatusResearching, sprint.StatusPlanning,
		sprint.StatusAwaitingApproval, sprint.StatusApproved, sprint.StatusRunning)

	// Park a pending approval on the live gate.
	type awaitResult struct {
		resp approval.Response
		err  error
	}
	done := make(chan awaitResult, 1)
	go func() {
		resp, err := h.gate.Await(context.Background(), approval.Request{
			SprintID: sp.ID,
			Kind:     approval.KindLocalMerge,
			Message:  "merge?",
		})
		done <- awaitResult{resp, err}
	}()
	deadline := time.Now().Add(2 * time.Second)
	for len(h.svc.PendingApprovals(sp.ID)) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("approval never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancelled, err := h.svc.Cancel(context.Background(), sp.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != sprint.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	if len(h.broker.drained) != 1 {
		t.Fatalf("expected DrainSprint, got %v", h.broker.drained)
	}
	if len(h.sched.dropped) != 1 {
		t.Fatalf("expected DropPending, got %v", h.sched.dropped)
	}

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("Await: %v", res.err)
		}
		if res.resp.Approved {
			t.Fatalf("cancelled sprint resolved approval as approved")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pending approval not rejected on cancel")
	}
}

func TestResolveApprovalPairsWithWaiter(t *testing.T) {
	h := newSvcHarness(t)
	sp := h.create(t)

	done := make(chan approval.Response, 1)
	go func() {
		resp, _ := h.gate.Await(context.Background(), approval.Request{
			SprintID: sp.ID,
			Kind:     approval.KindReviewApprove,
		})
		done <- resp
	}()
	var pending []approval.Pending
	deadline := time.Now().Add(2 * time.Second)
	for {
		pending = h.svc.PendingApprovals(sp.ID)
		if len(pending) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("approval never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if ok := h.svc.ResolveApproval("no-such-id", approval.Response{Approved: true}); ok {
		t.Fatalf("unmatched approval id reported resolved")
	}
	if ok := h.svc.ResolveApproval(pending[0].ID, approval.Response{Approved: true, Comment: "ship it"}); !ok {
		t.Fatalf("matched approval id reported unresolved")
	}

	resp := <-done
	if !resp.Approved || resp.Comment != "ship it" {
		t.Fatalf("waiter got %+v", resp)
	}

	// Second resolve of the same id finds nothing.
	if ok := h.svc.ResolveApproval(pending[0].ID, approval.Response{Approved: false}); ok {
		t.Fatalf("approval resolved twice")
	}
}

func TestRetryTaskRequeuesFailedTask(t *testing.T) {
	h := newSvcHarness(t)
	sp := h.create(t)
	h.setPlan(t, sp.ID)
	h.walkTo(t, sp.ID, sprint.StatusResearching, sprint.StatusPlanning,
		sprint.StatusAwaitingApproval, sprint.StatusApproved, sprint.StatusRunning)
	ctx := context.Background()

	if err := h.store.SetTaskStatus(ctx, sp.ID, 1, sprint.TaskFailed, "dev-1", "compile error"); err != nil {
		t.Fatalf("SetTaskStatus: %v", err)
	}

	if err := h.svc.RetryTask(ctx, sp.ID, 1); err != nil {
		t.Fatalf("RetryTask: %v", err)
	}

	jobs := h.broker.jobsOn(queue.ImplQueue("dev-1"))
	if len(jobs) != 1 {
		t.Fatalf("expected 1 retry job, got %d", len(jobs))
	}
	if !strings.HasPrefix(jobs[0].Key, queue.ImplKey(sp.ID, 1)) {
		t.Fatalf("retry key %q does not derive from the impl key", jobs[0].Key)
	}
	if jobs[0].Key == queue.ImplKey(sp.ID, 1) {
		t.Fatalf("retry reused the original dedupe key")
	}

	cur, _ := h.store.GetSprint(ctx, sp.ID)
	if st := cur.TaskState(1); st == nil || st.Status != sprint.TaskPending {
		t.Fatalf("task 1 not reset to pending: %+v", st)
	}
}

func TestRetryTaskRejectsNonFailed(t *testing.T) {
	h := newSvcHarness(t)
	sp := h.create(t)
	h.setPlan(t, sp.ID)
	h.walkTo(t, sp.ID, sprint.StatusResearching, sprint.StatusPlanning,
		sprint.StatusAwaitingApproval, sprint.StatusApproved, sprint.StatusRunning)
	ctx := context.Background()

	err := h.svc.RetryTask(ctx, sp.ID, 1)
	wantAppCode(t, err, apperrors.ErrCodeConflict)

	err = h.svc.RetryTask(ctx, sp.ID, 99)
	wantAppCode(t, err, apperrors.ErrCodeNotFound)
}

func TestMergeLocalCompletesSprint(t *testing.T) {
	h := newSvcHarness(t)
	sp := h.create(t)
	h.walkTo(t, sp.ID, sprint.StatusResearching, sprint.StatusPlanning,
		sprint.StatusAwaitingApproval, sprint.StatusApproved, sprint.StatusRunning,
		sprint.StatusReviewing, sprint.StatusPRCreated)

	merged, err := h.svc.MergeLocal(context.Background(), sp.ID)
	if err != nil {
		t.Fatalf("MergeLocal: %v", err)
	}
	if merged.Status != sprint.StatusCompleted {
		t.Fatalf("expected completed, got %s", merged.Status)
	}
	if len(h.git.merges) != 1 || h.git.merges[0] != sp.ID {
		t.Fatalf("expected merge of %s, got %v", sp.ID, h.git.merges)
	}
}

func TestMergeLocalRequiresPRCreated(t *testing.T) {
	h := newSvcHarness(t)
	sp := h.create(t)
	h.walkTo(t, sp.ID, sprint.StatusResearching)

	_, err := h.svc.MergeLocal(context.Background(), sp.ID)
	wantAppCode(t, err, apperrors.ErrCodeConflict)
	if len(h.git.merges) != 0 {
		t.Fatalf("merge ran despite wrong status")
	}
}

func TestRestartWithoutResearchRerunsResearch(t *testing.T) {
	h := newSvcHarness(t)
	sp := h.create(t)
	h.walkTo(t, sp.ID, sprint.StatusResearching)

	updated, err := h.svc.Restart(context.Background(), sp.ID)
	if err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if updated.Status != sprint.StatusResearching {
		t.Fatalf("expected researching, got %s", updated.Status)
	}
	if len(h.broker.drained) != 1 {
		t.Fatalf("restart did not drain stale jobs")
	}

	jobs := h.broker.jobsOn(queue.QueueResearch)
	if len(jobs) != 1 {
		t.Fatalf("expected 1 research job, got %d", len(jobs))
	}
	if jobs[0].Key == queue.ResearchKey(sp.ID) {
		t.Fatalf("restart reused the original dedupe key")
	}
}

func TestRestartWithResearchRerunsPlanning(t *testing.T) {
	h := newSvcHarness(t)
	sp := h.create(t)
	ctx := context.Background()
	if err := h.store.WriteResearch(ctx, sp.ID, []byte("# Research\n")); err != nil {
		t.Fatalf("WriteResearch: %v", err)
	}
	h.walkTo(t, sp.ID, sprint.StatusResearching, sprint.StatusPlanning)

	updated, err := h.svc.Restart(ctx, sp.ID)
	if err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if updated.Status != sprint.StatusPlanning {
		t.Fatalf("expected planning, got %s", updated.Status)
	}
	if jobs := h.broker.jobsOn(queue.QueuePlanning); len(jobs) != 1 {
		t.Fatalf("expected 1 planning job, got %d", len(jobs))
	}
}

func TestRestartReviewingReplaysLatestCycle(t *testing.T) {
	h := newSvcHarness(t)
	sp := h.create(t)
	ctx := context.Background()
	if err := h.store.WriteResearch(ctx, sp.ID, []byte("# Research\n")); err != nil {
		t.Fatalf("WriteResearch: %v", err)
	}
	h.walkTo(t, sp.ID, sprint.StatusResearching, sprint.StatusPlanning)
	h.setPlan(t, sp.ID)
	h.walkTo(t, sp.ID, sprint.StatusAwaitingApproval, sprint.StatusApproved,
		sprint.StatusRunning, sprint.StatusReviewing)
	if err := h.store.WriteReview(ctx, sp.ID, 1, []byte("# Review 1\n")); err != nil {
		t.Fatalf("WriteReview: %v", err)
	}
	if err := h.store.WriteReview(ctx, sp.ID, 2, []byte("# Review 2\n")); err != nil {
		t.Fatalf("WriteReview: %v", err)
	}

	updated, err := h.svc.Restart(ctx, sp.ID)
	if err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if updated.Status != sprint.StatusReviewing {
		t.Fatalf("expected reviewing, got %s", updated.Status)
	}

	jobs := h.broker.jobsOn(queue.QueueReview)
	if len(jobs) != 1 {
		t.Fatalf("expected 1 review job, got %d", len(jobs))
	}
	if jobs[0].Cycle != 2 {
		t.Fatalf("expected latest cycle 2, got %d", jobs[0].Cycle)
	}
}

func TestRestartImplementationResetsOpenWave(t *testing.T) {
	h := newSvcHarness(t)
	sp := h.create(t)
	ctx := context.Background()
	if err := h.store.WriteResearch(ctx, sp.ID, []byte("# Research\n")); err != nil {
		t.Fatalf("WriteResearch: %v", err)
	}
	h.walkTo(t, sp.ID, sprint.StatusResearching, sprint.StatusPlanning)
	h.setPlan(t, sp.ID)
	h.walkTo(t, sp.ID, sprint.StatusAwaitingApproval, sprint.StatusApproved, sprint.StatusRunning)

	// Wave 1 landed; wave 2 died mid-flight.
	if err := h.store.SetTaskStatus(ctx, sp.ID, 1, sprint.TaskCompleted, "dev-1", ""); err != nil {
		t.Fatalf("SetTaskStatus: %v", err)
	}
	if err := h.store.SetTaskStatus(ctx, sp.ID, 2, sprint.TaskInProgress, "dev-1", ""); err != nil {
		t.Fatalf("SetTaskStatus: %v", err)
	}

	updated, err := h.svc.Restart(ctx, sp.ID)
	if err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if updated.Status != sprint.StatusRunning {
		t.Fatalf("expected running, got %s", updated.Status)
	}
	if h.sched.estabs != 1 {
		t.Fatalf("expected worktrees re-established once, got %d", h.sched.estabs)
	}
	if len(h.sched.waves) != 1 || h.sched.waves[0] != 2 {
		t.Fatalf("expected restart at wave 2, got %v", h.sched.waves)
	}

	if st := updated.TaskState(1); st == nil || st.Status != sprint.TaskCompleted {
		t.Fatalf("completed task was reset: %+v", st)
	}
	if st := updated.TaskState(2); st == nil || st.Status != sprint.TaskPending {
		t.Fatalf("in-progress task not reset: %+v", st)
	}
}

func TestRestartAllTasksDoneIsNoOp(t *testing.T) {
	h := newSvcHarness(t)
	sp := h.create(t)
	ctx := context.Background()
	if err := h.store.WriteResearch(ctx, sp.ID, []byte("# Research\n")); err != nil {
		t.Fatalf("WriteResearch: %v", err)
	}
	h.walkTo(t, sp.ID, sprint.StatusResearching, sprint.StatusPlanning)
	h.setPlan(t, sp.ID)
	h.walkTo(t, sp.ID, sprint.StatusAwaitingApproval, sprint.StatusApproved, sprint.StatusRunning)
	for _, taskID := range []int{1, 2} {
		if err := h.store.SetTaskStatus(ctx, sp.ID, taskID, sprint.TaskCompleted, "dev-1", ""); err != nil {
			t.Fatalf("SetTaskStatus: %v", err)
		}
	}
	h.walkTo(t, sp.ID, sprint.StatusFailed)

	updated, err := h.svc.Restart(ctx, sp.ID)
	if err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if updated.Status != sprint.StatusFailed {
		t.Fatalf("no-op restart changed status to %s", updated.Status)
	}
	if len(h.sched.waves) != 0 {
		t.Fatalf("no-op restart started waves: %v", h.sched.waves)
	}
}

func TestRestartRejectsTerminalCompleted(t *testing.T) {
	h := newSvcHarness(t)
	sp := h.create(t)
	h.walkTo(t, sp.ID, sprint.StatusResearching, sprint.StatusPlanning,
		sprint.StatusAwaitingApproval, sprint.StatusApproved, sprint.StatusRunning,
		sprint.StatusReviewing, sprint.StatusPRCreated, sprint.StatusCompleted)

	_, err := h.svc.Restart(context.Background(), sp.ID)
	wantAppCode(t, err, apperrors.ErrCodeInvalidTransition)
}

func TestCheckHealthReportsDegradedBroker(t *testing.T) {
	h := newSvcHarness(t)
	sp := h.create(t)
	h.walkTo(t, sp.ID, sprint.StatusResearching)

	hs := h.svc.CheckHealth(context.Background())
	if hs.Status != "ok" || hs.Degraded || !hs.Broker {
		t.Fatalf("healthy broker reported %+v", hs)
	}
	if hs.Sprints != 1 {
		t.Fatalf("expected 1 active sprint, got %d", hs.Sprints)
	}

	h.broker.down = true
	hs = h.svc.CheckHealth(context.Background())
	if hs.Status != "degraded" || !hs.Degraded || hs.Broker {
		t.Fatalf("down broker reported %+v", hs)
	}
}

package workers

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sprintd/sprintd/internal/agent"
	"github.com/sprintd/sprintd/internal/approval"
	"github.com/sprintd/sprintd/internal/common/config"
	"github.com/sprintd/sprintd/internal/common/logger"
	"github.com/sprintd/sprintd/internal/events"
	"github.com/sprintd/sprintd/internal/queue"
	"github.com/sprintd/sprintd/internal/sprint"
	"github.com/sprintd/sprintd/internal/store"
)

type capturePublisher struct {
	mu  sync.Mutex
	evs []events.Event
}

func (c *capturePublisher) Publish(e events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evs = append(c.evs, e)
}

func (c *capturePublisher) ofType(t events.Type) []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.Event
	for _, e := range c.evs {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// fakeRunner plays back scripted results per agent name and records every
// invocation. onRun fires before the result is returned so tests can mimic
// agents that write artefacts themselves.
type fakeRunner struct {
	mu      sync.Mutex
	results map[string]*agent.Result
	errs    map[string]error
	invs    []agent.Invocation
	onRun   func(inv agent.Invocation)
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		results: make(map[string]*agent.Result),
		errs:    make(map[string]error),
	}
}

func (r *fakeRunner) script(agentName, output string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[agentName] = &agent.Result{Output: output, Duration: 1}
}

func (r *fakeRunner) fail(agentName string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs[agentName] = err
}

func (r *fakeRunner) Run(ctx context.Context, inv agent.Invocation) (*agent.Result, error) {
	r.mu.Lock()
	r.invs = append(r.invs, inv)
	res := r.results[inv.Agent]
	err := r.errs[inv.Agent]
	onRun := r.onRun
	r.mu.Unlock()

	if onRun != nil {
		onRun(inv)
	}
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &agent.Result{Output: "done", Duration: 1}
	}
	return res, nil
}

func (r *fakeRunner) invocations() []agent.Invocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]agent.Invocation(nil), r.invs...)
}

type commitRec struct {
	dir     string
	message string
}

type prRec struct {
	branch string
	title  string
	body   string
}

type fakeGitCoord struct {
	mu        sync.Mutex
	remote    bool
	commits   []commitRec
	pushes    []string
	prs       []prRec
	merges    []string
	commitErr error
	pushErr   error
	prErr     error
	mergeErr  error
}

func (g *fakeGitCoord) CommitInWorktree(ctx context.Context, dir, message string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.commitErr != nil {
		return false, g.commitErr
	}
	g.commits = append(g.commits, commitRec{dir: dir, message: message})
	return true, nil
}

func (g *fakeGitCoord) HasRemote(ctx context.Context, target string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.remote
}

func (g *fakeGitCoord) PushBranch(ctx context.Context, target, branch string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pushErr != nil {
		return g.pushErr
	}
	g.pushes = append(g.pushes, branch)
	return nil
}

func (g *fakeGitCoord) MergeSprintToMain(ctx context.Context, target, sprintID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.mergeErr != nil {
		return g.mergeErr
	}
	g.merges = append(g.merges, sprintID)
	return nil
}

func (g *fakeGitCoord) CreatePullRequest(ctx context.Context, target, branch, title, body string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.prErr != nil {
		return "", g.prErr
	}
	g.prs = append(g.prs, prRec{branch: branch, title: title, body: body})
	return "https://example.test/pr/1", nil
}

type fakeSched struct {
	mu        sync.Mutex
	started   []string
	completed []int
	waves     []int
	estabs    int
	worktrees map[string]string
	startErr  error
	estabErr  error
}

func (s *fakeSched) StartImplementation(ctx context.Context, sprintID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	s.started = append(s.started, sprintID)
	return nil
}

func (s *fakeSched) OnTaskCompleted(ctx context.Context, sprintID string, taskID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, taskID)
	return nil
}

func (s *fakeSched) StartWave(ctx context.Context, sprintID string, wave int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waves = append(s.waves, wave)
	return nil
}

func (s *fakeSched) EstablishWorktrees(ctx context.Context, sprintID string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.estabs++
	if s.estabErr != nil {
		return nil, s.estabErr
	}
	return s.worktrees, nil
}

type fakeGate struct {
	mu       sync.Mutex
	requests []approval.Request
	approve  bool
	comment  string
}

func (g *fakeGate) Await(ctx context.Context, req approval.Request) (approval.Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	return approval.Response{Approved: g.approve, Comment: g.comment}, nil
}

func (g *fakeGate) all() []approval.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]approval.Request(nil), g.requests...)
}

type captureQueue struct {
	mu   sync.Mutex
	jobs []queue.Job
}

func (q *captureQueue) Enqueue(ctx context.Context, job queue.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *captureQueue) onQueue(name string) []queue.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []queue.Job
	for _, j := range q.jobs {
		if j.Queue == name {
			out = append(out, j)
		}
	}
	return out
}

const twoTaskPlanJSON = `{
	"estimate_human": "2d",
	"estimate_ai": "2h",
	"tasks": [
		{"id": 1, "title": "scaffold", "files": ["a.go"], "wave": 1, "role": "developer", "developer": "dev-1"},
		{"id": 2, "title": "handler", "files": ["b.go"], "wave": 1, "role": "developer", "developer": "dev-2"}
	]
}`

type harness struct {
	store *store.Store
	run   *fakeRunner
	git   *fakeGitCoord
	sched *fakeSched
	queue *captureQueue
	gate  *fakeGate
	pub   *capturePublisher
	deps  *Deps
	id    string
}

func newHarness(t *testing.T, autonomy sprint.AutonomyMode) *harness {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	pub := &capturePublisher{}
	st := store.New(t.TempDir(), pub, log)

	specPath := filepath.Join(t.TempDir(), "feature.md")
	if err := os.WriteFile(specPath, []byte("# Feature\n\nAdd a health route.\n"), 0o644); err != nil {
		t.Fatalf("write spec: %v", err)
	}
	sp, err := st.InitSprint(context.Background(), store.InitParams{
		ID:             "2026-08-25-pipeline",
		SpecPath:       specPath,
		TargetDir:      t.TempDir(),
		DeveloperCount: 2,
		Autonomy:       autonomy,
	})
	if err != nil {
		t.Fatalf("InitSprint: %v", err)
	}

	run := newFakeRunner()
	g := &fakeGitCoord{}
	sched := &fakeSched{worktrees: map[string]string{}}
	q := &captureQueue{}
	gate := &fakeGate{approve: true}

	return &harness{
		store: st,
		run:   run,
		git:   g,
		sched: sched,
		queue: q,
		gate:  gate,
		pub:   pub,
		deps: &Deps{
			Store:  st,
			Runner: run,
			Git:    g,
			Sched:  sched,
			Queue:  q,
			Gate:   gate,
			Events: pub,
			Cfg:    config.SprintsConfig{MaxReviewCycles: 3},
			Log:    log,
		},
		id: sp.ID,
	}
}

func (h *harness) walkTo(t *testing.T, statuses ...sprint.Status) {
	t.Helper()
	for _, status := range statuses {
		if _, err := h.store.SetSprintStatus(context.Background(), h.id, status); err != nil {
			t.Fatalf("SetSprintStatus(%s): %v", status, err)
		}
	}
}

func (h *harness) setPlan(t *testing.T) {
	t.Helper()
	if _, err := h.store.SetSprintPlan(context.Background(), h.id, []byte(twoTaskPlanJSON)); err != nil {
		t.Fatalf("SetSprintPlan: %v", err)
	}
}

func (h *harness) writeResearch(t *testing.T) {
	t.Helper()
	if err := h.store.WriteResearch(context.Background(), h.id, []byte("# Research\n")); err != nil {
		t.Fatalf("WriteResearch: %v", err)
	}
}

func (h *harness) sprint(t *testing.T) *sprint.Sprint {
	t.Helper()
	sp, err := h.store.GetSprint(context.Background(), h.id)
	if err != nil {
		t.Fatalf("GetSprint: %v", err)
	}
	return sp
}

func (h *harness) pause(t *testing.T) {
	t.Helper()
	if _, err := h.store.Pause(context.Background(), h.id); err != nil {
		t.Fatalf("Pause: %v", err)
	}
}

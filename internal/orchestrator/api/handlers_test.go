package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sprintd/sprintd/internal/approval"
	"github.com/sprintd/sprintd/internal/common/config"
	"github.com/sprintd/sprintd/internal/common/logger"
	"github.com/sprintd/sprintd/internal/orchestrator"
	"github.com/sprintd/sprintd/internal/queue"
	"github.com/sprintd/sprintd/internal/sprint"
	"github.com/sprintd/sprintd/internal/store"
	v1 "github.com/sprintd/sprintd/pkg/api/v1"
)

type stubBroker struct {
	mu   sync.Mutex
	down bool
	jobs []queue.Job
}

func (b *stubBroker) Enqueue(ctx context.Context, job queue.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.jobs = append(b.jobs, job)
	return nil
}

func (b *stubBroker) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.down
}

func (b *stubBroker) ParkSprint(sprintID string) int   { return 0 }
func (b *stubBroker) UnparkSprint(sprintID string) int { return 0 }
func (b *stubBroker) DrainSprint(sprintID string) int  { return 0 }
func (b *stubBroker) PendingCounts() map[string]int    { return map[string]int{} }

type stubScheduler struct{}

func (s *stubScheduler) StartImplementation(ctx context.Context, sprintID string) error { return nil }
func (s *stubScheduler) EstablishWorktrees(ctx context.Context, sprintID string) (map[string]string, error) {
	return map[string]string{}, nil
}
func (s *stubScheduler) StartWave(ctx context.Context, sprintID string, wave int) error { return nil }
func (s *stubScheduler) ResumePending(ctx context.Context, sprintID string) error       { return nil }
func (s *stubScheduler) DropPending(sprintID string)                                    {}

type stubMerger struct{}

func (m *stubMerger) MergeSprintToMain(ctx context.Context, target, sprintID string) error {
	return nil
}

type testEnv struct {
	store  *store.Store
	broker *stubBroker
	gate   *approval.Gate
	router *gin.Engine
	spec   string
	target string
}

func setupTestRouter(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	specPath := filepath.Join(t.TempDir(), "health-route.md")
	if err := os.WriteFile(specPath, []byte("# Health route\n\nAdd GET /healthz.\n"), 0o644); err != nil {
		t.Fatalf("write spec: %v", err)
	}

	env := &testEnv{
		store:  store.New(t.TempDir(), nil, log),
		broker: &stubBroker{},
		gate:   approval.NewGate(nil, log),
		spec:   specPath,
		target: t.TempDir(),
	}
	svc := orchestrator.NewService(env.store, env.broker, &stubScheduler{}, env.gate, &stubMerger{}, config.SprintsConfig{
		DeveloperPool:   5,
		MaxReviewCycles: 3,
		AutonomyDefault: "supervised",
	}, log)

	env.router = gin.New()
	SetupRoutes(env.router.Group("/api"), svc, env.store, log)
	return env
}

func (e *testEnv) seed(t *testing.T) *sprint.Sprint {
	t.Helper()
	sp, err := e.store.InitSprint(context.Background(), store.InitParams{
		ID:             "2026-08-25-health",
		Name:           "Health route",
		SpecPath:       e.spec,
		TargetDir:      e.target,
		DeveloperCount: 2,
		Autonomy:       sprint.AutonomySupervised,
	})
	if err != nil {
		t.Fatalf("InitSprint: %v", err)
	}
	return sp
}

func (e *testEnv) walkTo(t *testing.T, id string, statuses ...sprint.Status) {
	t.Helper()
	for _, status := range statuses {
		if _, err := e.store.SetSprintStatus(context.Background(), id, status); err != nil {
			t.Fatalf("SetSprintStatus(%s): %v", status, err)
		}
	}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestHandler_CreateSprint(t *testing.T) {
	env := setupTestRouter(t)

	body, _ := json.Marshal(CreateSprintRequest{
		SpecPath:       env.spec,
		TargetDir:      env.target,
		DeveloperCount: 2,
		AutonomyMode:   "semi-auto",
		Name:           "Health route",
	})
	w := env.do(t, http.MethodPost, "/api/sprints", string(body))

	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp v1.SprintDetail
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.Status != string(sprint.StatusCreated) {
		t.Errorf("expected status created, got %s", resp.Status)
	}
	if resp.AutonomyMode != "semi-auto" {
		t.Errorf("expected autonomyMode semi-auto, got %s", resp.AutonomyMode)
	}
	if len(resp.Developers) != 2 {
		t.Errorf("expected 2 developers, got %d", len(resp.Developers))
	}

	// The wire format is camelCase.
	if !strings.Contains(w.Body.String(), `"autonomyMode"`) {
		t.Errorf("response is not camelCase: %s", w.Body.String())
	}
}

func TestHandler_CreateSprintMissingTargetDir(t *testing.T) {
	env := setupTestRouter(t)

	w := env.do(t, http.MethodPost, "/api/sprints", `{"specPath": "x.md"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_GetSprint(t *testing.T) {
	env := setupTestRouter(t)
	sp := env.seed(t)

	w := env.do(t, http.MethodGet, "/api/sprints/"+sp.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp v1.SprintDetail
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.ID != sp.ID || resp.Name != "Health route" {
		t.Errorf("unexpected detail %+v", resp)
	}
}

func TestHandler_GetSprintNotFound(t *testing.T) {
	env := setupTestRouter(t)

	w := env.do(t, http.MethodGet, "/api/sprints/nonexistent", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", w.Code)
	}
}

func TestHandler_ListSprints(t *testing.T) {
	env := setupTestRouter(t)
	env.seed(t)

	w := env.do(t, http.MethodGet, "/api/sprints", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp v1.SprintsListResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.Total != 1 || len(resp.Sprints) != 1 {
		t.Fatalf("expected 1 sprint, got %+v", resp)
	}
}

func TestHandler_StartSprint(t *testing.T) {
	env := setupTestRouter(t)
	sp := env.seed(t)

	w := env.do(t, http.MethodPost, "/api/sprints/"+sp.ID+"/start", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp v1.SprintDetail
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.Status != string(sprint.StatusResearching) {
		t.Errorf("expected researching, got %s", resp.Status)
	}
	if len(env.broker.jobs) != 1 {
		t.Errorf("expected 1 enqueued job, got %d", len(env.broker.jobs))
	}
}

func TestHandler_StartSprintDegradedBroker(t *testing.T) {
	env := setupTestRouter(t)
	sp := env.seed(t)
	env.broker.down = true

	w := env.do(t, http.MethodPost, "/api/sprints/"+sp.ID+"/start", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "SERVICE_UNAVAILABLE") {
		t.Errorf("expected SERVICE_UNAVAILABLE code in body: %s", w.Body.String())
	}
}

func TestHandler_InvalidTransitionConflict(t *testing.T) {
	env := setupTestRouter(t)
	sp := env.seed(t)

	// Approving a freshly created sprint is not a legal transition.
	w := env.do(t, http.MethodPost, "/api/sprints/"+sp.ID+"/approve", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "INVALID_TRANSITION") {
		t.Errorf("expected INVALID_TRANSITION code in body: %s", w.Body.String())
	}
}

func TestHandler_GetPlan(t *testing.T) {
	env := setupTestRouter(t)
	sp := env.seed(t)
	ctx := context.Background()

	w := env.do(t, http.MethodGet, "/api/sprints/"+sp.ID+"/plan", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before planning, got %d", w.Code)
	}

	planJSON := `{"tasks": [
		{"id": 1, "title": "scaffold", "wave": 1, "role": "developer", "developer": "dev-1"},
		{"id": 2, "title": "handler", "wave": 2, "role": "developer", "developer": "dev-2"}
	]}`
	if _, err := env.store.SetSprintPlan(ctx, sp.ID, []byte(planJSON)); err != nil {
		t.Fatalf("SetSprintPlan: %v", err)
	}
	if err := env.store.SetTaskStatus(ctx, sp.ID, 1, sprint.TaskCompleted, "dev-1", ""); err != nil {
		t.Fatalf("SetTaskStatus: %v", err)
	}

	w = env.do(t, http.MethodGet, "/api/sprints/"+sp.ID+"/plan", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp v1.PlanDetail
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if len(resp.Tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(resp.Tasks))
	}
	if resp.Tasks[0].Status != string(sprint.TaskCompleted) {
		t.Errorf("task 1 status = %s, want completed", resp.Tasks[0].Status)
	}
	if resp.Tasks[1].Status != string(sprint.TaskPending) {
		t.Errorf("task 2 status = %s, want pending", resp.Tasks[1].Status)
	}
}

func TestHandler_GetSpec(t *testing.T) {
	env := setupTestRouter(t)
	sp := env.seed(t)

	w := env.do(t, http.MethodGet, "/api/sprints/"+sp.ID+"/spec", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "# Health route") {
		t.Errorf("spec body missing: %s", w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/markdown") {
		t.Errorf("expected markdown content type, got %s", ct)
	}
}

func TestHandler_GetLogs(t *testing.T) {
	env := setupTestRouter(t)
	sp := env.seed(t)

	f, path, err := env.store.OpenAgentLog(sp.ID, "dev-1", 1)
	if err != nil {
		t.Fatalf("OpenAgentLog: %v", err)
	}
	if _, err := f.Write([]byte("compiling\n")); err != nil {
		t.Fatalf("write log: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close log: %v", err)
	}
	name := filepath.Base(path)

	w := env.do(t, http.MethodGet, "/api/sprints/"+sp.ID+"/logs", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp v1.LogFilesResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if len(resp.Files) != 1 || resp.Files[0] != name {
		t.Fatalf("expected [%s], got %v", name, resp.Files)
	}

	w = env.do(t, http.MethodGet, "/api/sprints/"+sp.ID+"/logs?file="+name, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if w.Body.String() != "compiling\n" {
		t.Errorf("unexpected log body %q", w.Body.String())
	}

	w = env.do(t, http.MethodGet, "/api/sprints/"+sp.ID+"/logs?file=..%2F.meta.json", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("path traversal returned %d", w.Code)
	}
}

func TestHandler_GetReviews(t *testing.T) {
	env := setupTestRouter(t)
	sp := env.seed(t)
	ctx := context.Background()

	if err := env.store.WriteReview(ctx, sp.ID, 1, []byte("# Review 1\n")); err != nil {
		t.Fatalf("WriteReview: %v", err)
	}
	if err := env.store.WriteReviewVerdict(ctx, sp.ID, 1, map[string]any{"verdict": "REQUEST_CHANGES"}); err != nil {
		t.Fatalf("WriteReviewVerdict: %v", err)
	}
	if err := env.store.WriteReview(ctx, sp.ID, 2, []byte("# Review 2\n")); err != nil {
		t.Fatalf("WriteReview: %v", err)
	}

	w := env.do(t, http.MethodGet, "/api/sprints/"+sp.ID+"/reviews", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp v1.ReviewsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if len(resp.Cycles) != 2 {
		t.Fatalf("expected 2 cycles, got %d", len(resp.Cycles))
	}
	if resp.Cycles[0].Cycle != 1 || !strings.Contains(resp.Cycles[0].Review, "Review 1") {
		t.Errorf("cycle 1 wrong: %+v", resp.Cycles[0])
	}
	if !strings.Contains(string(resp.Cycles[0].Verdict), "REQUEST_CHANGES") {
		t.Errorf("cycle 1 verdict missing: %s", resp.Cycles[0].Verdict)
	}
	if len(resp.Cycles[1].Verdict) != 0 {
		t.Errorf("cycle 2 should have no verdict, got %s", resp.Cycles[1].Verdict)
	}
}

func TestHandler_RetryTask(t *testing.T) {
	env := setupTestRouter(t)
	sp := env.seed(t)
	ctx := context.Background()

	planJSON := `{"tasks": [{"id": 1, "title": "scaffold", "wave": 1, "role": "developer", "developer": "dev-1"}]}`
	if _, err := env.store.SetSprintPlan(ctx, sp.ID, []byte(planJSON)); err != nil {
		t.Fatalf("SetSprintPlan: %v", err)
	}
	env.walkTo(t, sp.ID, sprint.StatusResearching, sprint.StatusPlanning,
		sprint.StatusAwaitingApproval, sprint.StatusApproved, sprint.StatusRunning)
	if err := env.store.SetTaskStatus(ctx, sp.ID, 1, sprint.TaskFailed, "dev-1", "boom"); err != nil {
		t.Fatalf("SetTaskStatus: %v", err)
	}

	w := env.do(t, http.MethodPost, "/api/tasks/"+sp.ID+"/1/retry", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d: %s", w.Code, w.Body.String())
	}
	if len(env.broker.jobs) != 1 {
		t.Fatalf("expected 1 retry job, got %d", len(env.broker.jobs))
	}

	w = env.do(t, http.MethodPost, "/api/tasks/"+sp.ID+"/not-a-number/retry", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for bad task id, got %d", w.Code)
	}
}

func TestHandler_PendingApprovalsInDetail(t *testing.T) {
	env := setupTestRouter(t)
	sp := env.seed(t)

	go func() {
		_, _ = env.gate.Await(context.Background(), approval.Request{
			SprintID: sp.ID,
			Kind:     approval.KindReviewApprove,
			Message:  "cycle 1 verdict",
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		w := env.do(t, http.MethodGet, "/api/sprints/"+sp.ID, "")
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", w.Code)
		}
		var resp v1.SprintDetail
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to unmarshal response: %v", err)
		}
		if len(resp.PendingApprovals) == 1 {
			if resp.PendingApprovals[0].Kind != approval.KindReviewApprove {
				t.Fatalf("unexpected approval kind %s", resp.PendingApprovals[0].Kind)
			}
			if resp.PendingApprovals[0].ID == "" {
				t.Fatalf("pending approval has no id")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("pending approval never surfaced in detail")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandler_Browse(t *testing.T) {
	env := setupTestRouter(t)

	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "projects"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "notes.md"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, ".hidden"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	w := env.do(t, http.MethodGet, "/api/system/browse?dir="+root, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp v1.BrowseResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.Current != root {
		t.Errorf("current = %s, want %s", resp.Current, root)
	}
	if resp.Parent != filepath.Dir(root) {
		t.Errorf("parent = %s, want %s", resp.Parent, filepath.Dir(root))
	}
	if len(resp.Entries) != 2 {
		t.Fatalf("expected 2 entries (hidden skipped), got %v", resp.Entries)
	}
	if !resp.Entries[0].IsDir || resp.Entries[0].Name != "projects" {
		t.Errorf("directories should sort first: %+v", resp.Entries)
	}

	w = env.do(t, http.MethodGet, "/api/system/browse?dir="+root+"&filter=proj", "")
	var filtered v1.BrowseResponse
	if err := json.Unmarshal(w.Body.Bytes(), &filtered); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if len(filtered.Entries) != 1 || filtered.Entries[0].Name != "projects" {
		t.Errorf("filter failed: %+v", filtered.Entries)
	}

	w = env.do(t, http.MethodGet, "/api/system/browse?dir="+filepath.Join(root, "missing"), "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing dir, got %d", w.Code)
	}
}

func TestHandler_Health(t *testing.T) {
	env := setupTestRouter(t)

	w := env.do(t, http.MethodGet, "/api/system/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var resp v1.HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.Status != "ok" || resp.Degraded {
		t.Errorf("unexpected health %+v", resp)
	}

	env.broker.down = true
	w = env.do(t, http.MethodGet, "/api/system/health", "")
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.Status != "degraded" || !resp.Degraded {
		t.Errorf("expected degraded health, got %+v", resp)
	}
}

func TestHandler_Developers(t *testing.T) {
	env := setupTestRouter(t)

	w := env.do(t, http.MethodGet, "/api/system/developers", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var resp v1.DevelopersResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if len(resp.Developers) != sprint.MaxDeveloperSlots {
		t.Fatalf("expected %d developers, got %d", sprint.MaxDeveloperSlots, len(resp.Developers))
	}
	if resp.Developers[0].ID != "dev-1" || resp.Developers[0].Name == "" {
		t.Errorf("unexpected first developer %+v", resp.Developers[0])
	}
}

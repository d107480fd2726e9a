package api

import (
	stderrors "errors"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/sprintd/sprintd/internal/common/errors"
	"github.com/sprintd/sprintd/internal/common/logger"
	"github.com/sprintd/sprintd/internal/orchestrator"
	"github.com/sprintd/sprintd/internal/sprint"
	"github.com/sprintd/sprintd/internal/store"
	v1 "github.com/sprintd/sprintd/pkg/api/v1"
)

// Handler contains HTTP handlers for the sprint API.
type Handler struct {
	service *orchestrator.Service
	store   *store.Store
	logger  *logger.Logger
}

// NewHandler creates a new API handler.
func NewHandler(svc *orchestrator.Service, st *store.Store, log *logger.Logger) *Handler {
	return &Handler{
		service: svc,
		store:   st,
		logger:  log,
	}
}

// respondErr writes a service error with its HTTP status. Errors that are
// not AppErrors are reported as internal without leaking detail.
func (h *Handler) respondErr(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if !stderrors.As(err, &appErr) {
		h.logger.Error("unexpected handler error", zap.Error(err))
		appErr = apperrors.InternalError("internal error", err)
	}
	c.JSON(appErr.HTTPStatus, appErr)
}

// Sprint endpoints

// CreateSprint creates a new sprint
// POST /api/sprints
func (h *Handler) CreateSprint(c *gin.Context) {
	var req CreateSprintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	sp, err := h.service.CreateSprint(c.Request.Context(), orchestrator.CreateParams{
		SpecPath:       req.SpecPath,
		TargetDir:      req.TargetDir,
		DeveloperCount: req.DeveloperCount,
		Autonomy:       req.AutonomyMode,
		SprintID:       req.SprintID,
		Name:           req.Name,
	})
	if err != nil {
		h.respondErr(c, err)
		return
	}

	c.JSON(http.StatusCreated, h.detailToResponse(sp))
}

// ListSprints returns all sprints, newest first
// GET /api/sprints
func (h *Handler) ListSprints(c *gin.Context) {
	sprints, err := h.service.List(c.Request.Context())
	if err != nil {
		h.respondErr(c, err)
		return
	}

	resp := v1.SprintsListResponse{
		Sprints: make([]v1.SprintSummary, len(sprints)),
		Total:   len(sprints),
	}
	for i, sp := range sprints {
		resp.Sprints[i] = summaryToResponse(sp)
	}

	c.JSON(http.StatusOK, resp)
}

// GetSprint retrieves a sprint by ID
// GET /api/sprints/:sprintId
func (h *Handler) GetSprint(c *gin.Context) {
	sp, err := h.service.Get(c.Request.Context(), c.Param("sprintId"))
	if err != nil {
		h.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, h.detailToResponse(sp))
}

// lifecycle applies one lifecycle operation and returns the updated sprint.
func (h *Handler) lifecycle(c *gin.Context, op func(c *gin.Context, id string) (*sprint.Sprint, error)) {
	sp, err := op(c, c.Param("sprintId"))
	if err != nil {
		h.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, h.detailToResponse(sp))
}

// StartSprint kicks off the research stage
// POST /api/sprints/:sprintId/start
func (h *Handler) StartSprint(c *gin.Context) {
	h.lifecycle(c, func(c *gin.Context, id string) (*sprint.Sprint, error) {
		return h.service.Start(c.Request.Context(), id)
	})
}

// ApproveSprint approves the plan and starts implementation
// POST /api/sprints/:sprintId/approve
func (h *Handler) ApproveSprint(c *gin.Context) {
	h.lifecycle(c, func(c *gin.Context, id string) (*sprint.Sprint, error) {
		return h.service.Approve(c.Request.Context(), id)
	})
}

// PauseSprint pauses a sprint
// POST /api/sprints/:sprintId/pause
func (h *Handler) PauseSprint(c *gin.Context) {
	h.lifecycle(c, func(c *gin.Context, id string) (*sprint.Sprint, error) {
		return h.service.Pause(c.Request.Context(), id)
	})
}

// ResumeSprint resumes a paused sprint
// POST /api/sprints/:sprintId/resume
func (h *Handler) ResumeSprint(c *gin.Context) {
	h.lifecycle(c, func(c *gin.Context, id string) (*sprint.Sprint, error) {
		return h.service.Resume(c.Request.Context(), id)
	})
}

// CancelSprint cancels a sprint
// POST /api/sprints/:sprintId/cancel
func (h *Handler) CancelSprint(c *gin.Context) {
	h.lifecycle(c, func(c *gin.Context, id string) (*sprint.Sprint, error) {
		return h.service.Cancel(c.Request.Context(), id)
	})
}

// RestartSprint re-derives work from persisted state
// POST /api/sprints/:sprintId/restart
func (h *Handler) RestartSprint(c *gin.Context) {
	h.lifecycle(c, func(c *gin.Context, id string) (*sprint.Sprint, error) {
		return h.service.Restart(c.Request.Context(), id)
	})
}

// CompleteSprint marks a pr-created sprint completed
// POST /api/sprints/:sprintId/complete
func (h *Handler) CompleteSprint(c *gin.Context) {
	h.lifecycle(c, func(c *gin.Context, id string) (*sprint.Sprint, error) {
		return h.service.Complete(c.Request.Context(), id)
	})
}

// MergeLocal merges the sprint branch into the main branch
// POST /api/sprints/:sprintId/merge-local
func (h *Handler) MergeLocal(c *gin.Context) {
	h.lifecycle(c, func(c *gin.Context, id string) (*sprint.Sprint, error) {
		return h.service.MergeLocal(c.Request.Context(), id)
	})
}

// RetryTask re-enqueues a failed task
// POST /api/tasks/:sprintId/:taskId/retry
func (h *Handler) RetryTask(c *gin.Context) {
	taskID, err := strconv.Atoi(c.Param("taskId"))
	if err != nil {
		appErr := apperrors.BadRequest("taskId must be an integer")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.service.RetryTask(c.Request.Context(), c.Param("sprintId"), taskID); err != nil {
		h.respondErr(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// Sprint artefact endpoints

// GetSpec returns the sprint's copied spec file
// GET /api/sprints/:sprintId/spec
func (h *Handler) GetSpec(c *gin.Context) {
	id := c.Param("sprintId")
	data, err := h.store.ReadSpec(id)
	if err != nil {
		appErr := apperrors.NotFound("spec", id)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.Data(http.StatusOK, "text/markdown; charset=utf-8", data)
}

// GetResearch returns the research report
// GET /api/sprints/:sprintId/research
func (h *Handler) GetResearch(c *gin.Context) {
	id := c.Param("sprintId")
	data, err := h.store.ReadResearch(id)
	if err != nil {
		appErr := apperrors.NotFound("research", id)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.Data(http.StatusOK, "text/markdown; charset=utf-8", data)
}

// GetPlan returns the plan with task execution state folded in
// GET /api/sprints/:sprintId/plan
func (h *Handler) GetPlan(c *gin.Context) {
	sp, err := h.service.Get(c.Request.Context(), c.Param("sprintId"))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	if sp.Plan == nil {
		appErr := apperrors.NotFound("plan", sp.ID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, planToResponse(sp))
}

// GetReviews returns every persisted review cycle with its verdict
// GET /api/sprints/:sprintId/reviews
func (h *Handler) GetReviews(c *gin.Context) {
	sp, err := h.service.Get(c.Request.Context(), c.Param("sprintId"))
	if err != nil {
		h.respondErr(c, err)
		return
	}

	resp := v1.ReviewsResponse{Cycles: []v1.ReviewCycleDetail{}}
	for cycle := 1; cycle <= h.store.MaxReviewCycle(sp.ID); cycle++ {
		detail := v1.ReviewCycleDetail{Cycle: cycle}
		if data, err := h.store.ReadReview(sp.ID, cycle); err == nil {
			detail.Review = string(data)
		}
		if data, err := h.store.ReadReviewVerdict(sp.ID, cycle); err == nil {
			detail.Verdict = data
		}
		resp.Cycles = append(resp.Cycles, detail)
	}

	c.JSON(http.StatusOK, resp)
}

// GetCosts returns the sprint cost ledger
// GET /api/sprints/:sprintId/costs
func (h *Handler) GetCosts(c *gin.Context) {
	sp, err := h.service.Get(c.Request.Context(), c.Param("sprintId"))
	if err != nil {
		h.respondErr(c, err)
		return
	}

	costs := costsToResponse(sp.Costs)
	if costs == nil {
		costs = &v1.CostSummary{}
	}
	c.JSON(http.StatusOK, costs)
}

// GetLogs lists agent log files, or fetches one when ?file= is given
// GET /api/sprints/:sprintId/logs
func (h *Handler) GetLogs(c *gin.Context) {
	sp, err := h.service.Get(c.Request.Context(), c.Param("sprintId"))
	if err != nil {
		h.respondErr(c, err)
		return
	}

	if name := c.Query("file"); name != "" {
		data, err := h.store.ReadLogFile(sp.ID, name)
		if err != nil {
			appErr := apperrors.NotFound("log file", name)
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		c.Data(http.StatusOK, "text/plain; charset=utf-8", data)
		return
	}

	files, err := h.store.ListLogFiles(sp.ID)
	if err != nil {
		h.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, v1.LogFilesResponse{Files: files})
}

// System endpoints

// Browse lists a directory for the target-dir picker
// GET /api/system/browse?dir=&filter=
func (h *Handler) Browse(c *gin.Context) {
	dir := c.Query("dir")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "/"
		}
		dir = home
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		appErr := apperrors.BadRequest("invalid directory path")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		appErr := apperrors.NotFound("directory", dir)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	filter := strings.ToLower(c.Query("filter"))
	resp := v1.BrowseResponse{Current: dir, Entries: []v1.BrowseEntry{}}
	if parent := filepath.Dir(dir); parent != dir {
		resp.Parent = parent
	}
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if filter != "" && !strings.Contains(strings.ToLower(name), filter) {
			continue
		}
		resp.Entries = append(resp.Entries, v1.BrowseEntry{
			Name:  name,
			Path:  filepath.Join(dir, name),
			IsDir: e.IsDir(),
		})
	}
	sort.SliceStable(resp.Entries, func(i, j int) bool {
		if resp.Entries[i].IsDir != resp.Entries[j].IsDir {
			return resp.Entries[i].IsDir
		}
		return resp.Entries[i].Name < resp.Entries[j].Name
	})

	c.JSON(http.StatusOK, resp)
}

// Health reports broker and sprint status
// GET /api/system/health
func (h *Handler) Health(c *gin.Context) {
	hs := h.service.CheckHealth(c.Request.Context())
	c.JSON(http.StatusOK, v1.HealthResponse{
		Status:   hs.Status,
		Broker:   hs.Broker,
		Degraded: hs.Degraded,
		Sprints:  hs.Sprints,
	})
}

// Developers returns the fixed developer identity pool
// GET /api/system/developers
func (h *Handler) Developers(c *gin.Context) {
	pool := sprint.DeveloperPool()
	resp := v1.DevelopersResponse{Developers: make([]v1.Developer, len(pool))}
	for i, d := range pool {
		resp.Developers[i] = developerToResponse(d)
	}
	c.JSON(http.StatusOK, resp)
}

// Helper functions to convert domain types to response types

func summaryToResponse(sp *sprint.Sprint) v1.SprintSummary {
	taskCount := 0
	if sp.Plan != nil {
		taskCount = len(sp.Plan.Tasks)
	}
	return v1.SprintSummary{
		ID:             sp.ID,
		Name:           sp.Name,
		Status:         string(sp.Status),
		AutonomyMode:   string(sp.Autonomy),
		TargetDir:      sp.TargetDir,
		DeveloperCount: len(sp.Developers),
		TaskCount:      taskCount,
		CompletedTasks: completedCount(sp),
		CurrentWave:    sp.CurrentWave,
		ReviewCycle:    sp.ReviewCycle,
		CreatedAt:      sp.CreatedAt,
		CompletedAt:    sp.CompletedAt,
	}
}

func (h *Handler) detailToResponse(sp *sprint.Sprint) v1.SprintDetail {
	detail := v1.SprintDetail{
		ID:           sp.ID,
		Name:         sp.Name,
		Status:       string(sp.Status),
		AutonomyMode: string(sp.Autonomy),
		SpecPath:     sp.SpecPath,
		TargetDir:    sp.TargetDir,
		Developers:   make([]v1.Developer, len(sp.Developers)),
		Plan:         planToResponse(sp),
		CurrentWave:  sp.CurrentWave,
		ReviewCycle:  sp.ReviewCycle,
		Worktrees:    sp.Worktrees,
		Costs:        costsToResponse(sp.Costs),
		PausedFrom:   string(sp.PausedFrom),
		CreatedAt:    sp.CreatedAt,
		ApprovedAt:   sp.ApprovedAt,
		CompletedAt:  sp.CompletedAt,
	}
	for i, d := range sp.Developers {
		detail.Developers[i] = developerToResponse(d)
	}
	for _, p := range h.service.PendingApprovals(sp.ID) {
		detail.PendingApprovals = append(detail.PendingApprovals, v1.PendingApproval{
			ID:          p.ID,
			SprintID:    p.SprintID,
			Kind:        p.Kind,
			Message:     p.Message,
			Context:     p.Context,
			RequestedAt: p.RequestedAt,
		})
	}
	return detail
}

func developerToResponse(d sprint.DeveloperSlot) v1.Developer {
	return v1.Developer{
		ID:     d.ID,
		Name:   d.Name,
		Avatar: d.Avatar,
		Color:  d.Color,
	}
}

func planToResponse(sp *sprint.Sprint) *v1.PlanDetail {
	if sp.Plan == nil {
		return nil
	}
	plan := &v1.PlanDetail{
		DeveloperCount: sp.Plan.DeveloperCount,
		EstimateHuman:  sp.Plan.EstimateHuman,
		EstimateAI:     sp.Plan.EstimateAI,
		Tasks:          make([]v1.TaskDetail, len(sp.Plan.Tasks)),
	}
	for i, t := range sp.Plan.Tasks {
		plan.Tasks[i] = taskToResponse(t, sp.TaskStates[t.ID])
	}
	return plan
}

func taskToResponse(t sprint.Task, st *sprint.TaskState) v1.TaskDetail {
	detail := v1.TaskDetail{
		ID:                 t.ID,
		Title:              t.Title,
		Description:        t.Description,
		AcceptanceCriteria: t.AcceptanceCriteria,
		Files:              t.Files,
		DependsOn:          t.DependsOn,
		Wave:               t.Wave,
		Role:               t.Role,
		Developer:          t.Developer,
		Labels:             t.Labels,
		Complexity:         t.Complexity,
		Type:               t.Type,
		ReviewCycle:        t.ReviewCycle,
		Status:             string(sprint.TaskPending),
	}
	if st != nil {
		detail.Status = string(st.Status)
		detail.StartedAt = st.StartedAt
		detail.CompletedAt = st.CompletedAt
		detail.Error = st.Error
		if st.Developer != "" {
			detail.Developer = st.Developer
		}
	}
	return detail
}

func costsToResponse(l *sprint.CostLedger) *v1.CostSummary {
	if l == nil {
		return nil
	}
	summary := &v1.CostSummary{
		TotalSeconds: l.TotalSeconds,
		ByAgent:      l.ByAgent,
		ByTask:       l.ByTask,
		Sessions:     make([]v1.CostSession, len(l.Sessions)),
	}
	for i, s := range l.Sessions {
		summary.Sessions[i] = v1.CostSession{
			Agent:   s.Agent,
			TaskID:  s.TaskID,
			Seconds: s.Seconds,
			At:      s.At,
		}
	}
	return summary
}

func completedCount(sp *sprint.Sprint) int {
	n := 0
	for _, st := range sp.TaskStates {
		if st != nil && st.Status == sprint.TaskCompleted {
			n++
		}
	}
	return n
}

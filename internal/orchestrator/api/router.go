package api

import (
	"github.com/gin-gonic/gin"

	"github.com/sprintd/sprintd/internal/common/logger"
	"github.com/sprintd/sprintd/internal/orchestrator"
	"github.com/sprintd/sprintd/internal/store"
)

// SetupRoutes configures the sprint API routes.
func SetupRoutes(router *gin.RouterGroup, svc *orchestrator.Service, st *store.Store, log *logger.Logger) {
	handler := NewHandler(svc, st, log)

	// Sprint routes
	sprints := router.Group("/sprints")
	{
		sprints.POST("", handler.CreateSprint)
		sprints.GET("", handler.ListSprints)
		sprints.GET("/:sprintId", handler.GetSprint)

		// Lifecycle
		sprints.POST("/:sprintId/start", handler.StartSprint)
		sprints.POST("/:sprintId/approve", handler.ApproveSprint)
		sprints.POST("/:sprintId/pause", handler.PauseSprint)
		sprints.POST("/:sprintId/resume", handler.ResumeSprint)
		sprints.POST("/:sprintId/cancel", handler.CancelSprint)
		sprints.POST("/:sprintId/restart", handler.RestartSprint)
		sprints.POST("/:sprintId/complete", handler.CompleteSprint)
		sprints.POST("/:sprintId/merge-local", handler.MergeLocal)

		// Artefacts
		sprints.GET("/:sprintId/spec", handler.GetSpec)
		sprints.GET("/:sprintId/research", handler.GetResearch)
		sprints.GET("/:sprintId/plan", handler.GetPlan)
		sprints.GET("/:sprintId/reviews", handler.GetReviews)
		sprints.GET("/:sprintId/costs", handler.GetCosts)
		sprints.GET("/:sprintId/logs", handler.GetLogs)
	}

	// Task routes
	tasks := router.Group("/tasks")
	{
		tasks.POST("/:sprintId/:taskId/retry", handler.RetryTask)
	}

	// System routes
	system := router.Group("/system")
	{
		system.GET("/browse", handler.Browse)
		system.GET("/health", handler.Health)
		system.GET("/developers", handler.Developers)
	}
}

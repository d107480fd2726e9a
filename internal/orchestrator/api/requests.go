// Package api exposes the sprint orchestrator over HTTP.
package api

// CreateSprintRequest creates a sprint from a spec file.
type CreateSprintRequest struct {
	SpecPath       string `json:"specPath" binding:"required"`
	TargetDir      string `json:"targetDir" binding:"required"`
	DeveloperCount int    `json:"developerCount"`
	AutonomyMode   string `json:"autonomyMode"`
	SprintID       string `json:"sprintId"`
	Name           string `json:"name"`
}

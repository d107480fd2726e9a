package v1

import (
	"encoding/json"
	"time"
)

// SprintSummary is the list-view shape of a sprint.
type SprintSummary struct {
	ID             string     `json:"id"`
	Name           string     `json:"name,omitempty"`
	Status         string     `json:"status"`
	AutonomyMode   string     `json:"autonomyMode"`
	TargetDir      string     `json:"targetDir"`
	DeveloperCount int        `json:"developerCount"`
	TaskCount      int        `json:"taskCount"`
	CompletedTasks int        `json:"completedTasks"`
	CurrentWave    int        `json:"currentWave"`
	ReviewCycle    int        `json:"reviewCycle"`
	CreatedAt      time.Time  `json:"createdAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

// Developer is one slot identity from the pool.
type Developer struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
	Color  string `json:"color"`
}

// TaskDetail is one plan task joined with its execution state.
type TaskDetail struct {
	ID                 int        `json:"id"`
	Title              string     `json:"title"`
	Description        string     `json:"description,omitempty"`
	AcceptanceCriteria []string   `json:"acceptanceCriteria,omitempty"`
	Files              []string   `json:"files,omitempty"`
	DependsOn          []int      `json:"dependsOn,omitempty"`
	Wave               int        `json:"wave"`
	Role               string     `json:"role"`
	Developer          string     `json:"developer,omitempty"`
	Labels             []string   `json:"labels,omitempty"`
	Complexity         string     `json:"complexity,omitempty"`
	Type               string     `json:"type,omitempty"`
	ReviewCycle        int        `json:"reviewCycle,omitempty"`
	Status             string     `json:"status"`
	StartedAt          *time.Time `json:"startedAt,omitempty"`
	CompletedAt        *time.Time `json:"completedAt,omitempty"`
	Error              string     `json:"error,omitempty"`
}

// PlanDetail is the normalised plan with task execution state folded in.
type PlanDetail struct {
	DeveloperCount int          `json:"developerCount"`
	EstimateHuman  string       `json:"estimateHuman,omitempty"`
	EstimateAI     string       `json:"estimateAi,omitempty"`
	Tasks          []TaskDetail `json:"tasks"`
}

// PendingApproval is one outstanding operator decision.
type PendingApproval struct {
	ID          string         `json:"id"`
	SprintID    string         `json:"sprintId"`
	Kind        string         `json:"kind"`
	Message     string         `json:"message"`
	Context     map[string]any `json:"context,omitempty"`
	RequestedAt time.Time      `json:"requestedAt"`
}

// CostSession is one agent invocation's contribution to the ledger.
type CostSession struct {
	Agent   string    `json:"agent"`
	TaskID  int       `json:"taskId,omitempty"`
	Seconds int       `json:"seconds"`
	At      time.Time `json:"at"`
}

// CostSummary is the sprint cost ledger with its roll-ups.
type CostSummary struct {
	TotalSeconds int            `json:"totalSeconds"`
	ByAgent      map[string]int `json:"byAgent,omitempty"`
	ByTask       map[int]int    `json:"byTask,omitempty"`
	Sessions     []CostSession  `json:"sessions,omitempty"`
}

// SprintDetail is the full sprint view.
type SprintDetail struct {
	ID               string            `json:"id"`
	Name             string            `json:"name,omitempty"`
	Status           string            `json:"status"`
	AutonomyMode     string            `json:"autonomyMode"`
	SpecPath         string            `json:"specPath"`
	TargetDir        string            `json:"targetDir"`
	Developers       []Developer       `json:"developers"`
	Plan             *PlanDetail       `json:"plan,omitempty"`
	CurrentWave      int               `json:"currentWave"`
	ReviewCycle      int               `json:"reviewCycle"`
	Worktrees        map[string]string `json:"worktrees,omitempty"`
	PendingApprovals []PendingApproval `json:"pendingApprovals,omitempty"`
	Costs            *CostSummary      `json:"costs,omitempty"`
	PausedFrom       string            `json:"pausedFrom,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	ApprovedAt       *time.Time        `json:"approvedAt,omitempty"`
	CompletedAt      *time.Time        `json:"completedAt,omitempty"`
}

// SprintsListResponse lists sprint summaries.
type SprintsListResponse struct {
	Sprints []SprintSummary `json:"sprints"`
	Total   int             `json:"total"`
}

// ReviewCycleDetail is one review cycle's prose and verdict. The verdict is
// passed through as persisted.
type ReviewCycleDetail struct {
	Cycle   int             `json:"cycle"`
	Review  string          `json:"review,omitempty"`
	Verdict json.RawMessage `json:"verdict,omitempty"`
}

// ReviewsResponse lists the sprint's review cycles in order.
type ReviewsResponse struct {
	Cycles []ReviewCycleDetail `json:"cycles"`
}

// BrowseEntry is one directory entry from the filesystem browser.
type BrowseEntry struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	IsDir bool   `json:"isDir"`
}

// BrowseResponse is a directory listing.
type BrowseResponse struct {
	Current string        `json:"current"`
	Parent  string        `json:"parent,omitempty"`
	Entries []BrowseEntry `json:"entries"`
}

// LogFilesResponse lists a sprint's agent log files.
type LogFilesResponse struct {
	Files []string `json:"files"`
}

// HealthResponse reports service readiness.
type HealthResponse struct {
	Status   string `json:"status"`
	Broker   bool   `json:"broker"`
	Degraded bool   `json:"degraded"`
	Sprints  int    `json:"sprints"`
}

// DevelopersResponse lists the full developer identity pool.
type DevelopersResponse struct {
	Developers []Developer `json:"developers"`
}

// Package sprint defines the domain types for sprint orchestration: the
// sprint record, its lifecycle states, the plan and task model, developer
// slots and the cost ledger.
package sprint

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a sprint.
type Status string

// Sprint lifecycle states.
const (
	StatusCreated          Status = "created"
	StatusResearching      Status = "researching"
	StatusPlanning         Status = "planning"
	StatusAwaitingApproval Status = "awaiting-approval"
	StatusApproved         Status = "approved"
	StatusRunning          Status = "running"
	StatusReviewing        Status = "reviewing"
	StatusPRCreated        Status = "pr-created"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
	StatusPaused           Status = "paused"
)

// legalTransitions is the forward edge set of the lifecycle state machine.
// Pause, resume and cancel are handled separately because they apply to any
// non-terminal state.
var legalTransitions = map[Status][]Status{
	StatusCreated:          {StatusResearching},
	StatusResearching:      {StatusPlanning, StatusFailed},
	StatusPlanning:         {StatusAwaitingApproval, StatusApproved, StatusFailed},
	StatusAwaitingApproval: {StatusApproved, StatusFailed},
	StatusApproved:         {StatusRunning, StatusFailed},
	StatusRunning:          {StatusReviewing, StatusFailed},
	StatusReviewing:        {StatusRunning, StatusPRCreated, StatusFailed},
	StatusPRCreated:        {StatusCompleted, StatusFailed},
}

// restartable lists the states from which a restart may re-derive work.
var restartable = map[Status]bool{
	StatusResearching: true,
	StatusPlanning:    true,
	StatusRunning:     true,
	StatusReviewing:   true,
	StatusFailed:      true,
}

// IsTerminal reports whether s admits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsValid reports whether s is a known lifecycle state.
func (s Status) IsValid() bool {
	switch s {
	case StatusCreated, StatusResearching, StatusPlanning, StatusAwaitingApproval,
		StatusApproved, StatusRunning, StatusReviewing, StatusPRCreated,
		StatusCompleted, StatusFailed, StatusCancelled, StatusPaused:
		return true
	}
	return false
}

// Restartable reports whether a restart command is accepted in state s.
func (s Status) Restartable() bool { return restartable[s] }

// CanTransition reports whether from → to is a legal lifecycle transition.
// Cancelling is legal from any non-terminal state; pausing from any
// non-terminal state except created; resuming only from paused (the resume
// target is validated by the caller against the recorded pre-pause state).
func CanTransition(from, to Status) bool {
	if from == to {
		return false
	}
	switch to {
	case StatusCancelled:
		return !from.IsTerminal()
	case StatusPaused:
		return !from.IsTerminal() && from != StatusCreated
	}
	if from == StatusPaused {
		return !to.IsTerminal() && to != StatusCreated
	}
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AutonomyMode decides which lifecycle gates require a human approval.
type AutonomyMode string

// Autonomy modes, from most to least supervised.
const (
	AutonomySupervised AutonomyMode = "supervised"
	AutonomySemiAuto   AutonomyMode = "semi-auto"
	AutonomyFullAuto   AutonomyMode = "full-auto"
)

// ParseAutonomy maps s onto a known mode, falling back to def when s is
// empty, and erroring on anything else.
func ParseAutonomy(s string, def AutonomyMode) (AutonomyMode, error) {
	if s == "" {
		return def, nil
	}
	m := AutonomyMode(s)
	switch m {
	case AutonomySupervised, AutonomySemiAuto, AutonomyFullAuto:
		return m, nil
	}
	return "", fmt.Errorf("unknown autonomy mode %q", s)
}

// GatesPlan reports whether the plan must be approved by a human before
// implementation starts.
func (m AutonomyMode) GatesPlan() bool { return m == AutonomySupervised }

// GatesReviewApprove reports whether an APPROVE verdict still requires a
// human acknowledgement before the PR stage.
func (m AutonomyMode) GatesReviewApprove() bool { return m == AutonomySupervised }

// GatesReviewFixes reports whether injecting bug tasks from a
// REQUEST_CHANGES verdict requires a human to admit the findings.
func (m AutonomyMode) GatesReviewFixes() bool {
	return m == AutonomySupervised || m == AutonomySemiAuto
}

// Sprint is one orchestration instance: a feature spec being driven from
// research to a reviewed branch. The state store owns the canonical copy;
// everything else works on snapshots.
type Sprint struct {
	ID          string          `json:"id"`
	Name        string          `json:"name,omitempty"`
	SpecPath    string          `json:"spec_path"`
	TargetDir   string          `json:"target_dir"`
	Developers  []DeveloperSlot `json:"developers"`
	Autonomy    AutonomyMode    `json:"autonomy_mode"`
	Status      Status          `json:"status"`
	Plan        *Plan           `json:"plan,omitempty"`
	CurrentWave int             `json:"current_wave"`
	ReviewCycle int             `json:"review_cycle"`
	Costs       *CostLedger     `json:"costs,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ApprovedAt  *time.Time      `json:"approved_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`

	// Worktrees maps a developer slot id to its active worktree path.
	Worktrees map[string]string `json:"worktrees,omitempty"`

	// TaskStates is keyed by task id. States other than completed are not
	// persisted; they are rebuilt by the restart policy after a crash.
	TaskStates map[int]*TaskState `json:"task_states,omitempty"`

	// PausedFrom records the pre-pause status so resume can restore it.
	PausedFrom Status `json:"paused_from,omitempty"`
}

// DeveloperIDs returns the slot ids selected for this sprint, in order.
func (s *Sprint) DeveloperIDs() []string {
	ids := make([]string, len(s.Developers))
	for i, d := range s.Developers {
		ids[i] = d.ID
	}
	return ids
}

// TaskState returns the mutable state record for a task id, or nil.
func (s *Sprint) TaskState(id int) *TaskState {
	if s.TaskStates == nil {
		return nil
	}
	return s.TaskStates[id]
}

// EffectiveStatus resolves paused sprints to their pre-pause status, which
// is what "is the sprint running / reviewing" checks care about.
func (s *Sprint) EffectiveStatus() Status {
	if s.Status == StatusPaused && s.PausedFrom != "" {
		return s.PausedFrom
	}
	return s.Status
}

// Clone returns a deep copy. The state store hands out clones so callers
// can never mutate the canonical record.
func (s *Sprint) Clone() *Sprint {
	out := *s
	out.Developers = append([]DeveloperSlot(nil), s.Developers...)
	if s.Plan != nil {
		plan := *s.Plan
		plan.Tasks = make([]Task, len(s.Plan.Tasks))
		for i, t := range s.Plan.Tasks {
			plan.Tasks[i] = t
			plan.Tasks[i].AcceptanceCriteria = append([]string(nil), t.AcceptanceCriteria...)
			plan.Tasks[i].Files = append([]string(nil), t.Files...)
			plan.Tasks[i].DependsOn = append([]int(nil), t.DependsOn...)
			plan.Tasks[i].Labels = append([]string(nil), t.Labels...)
		}
		out.Plan = &plan
	}
	if s.Costs != nil {
		costs := CostLedger{
			TotalSeconds: s.Costs.TotalSeconds,
			ByAgent:      make(map[string]int, len(s.Costs.ByAgent)),
			ByTask:       make(map[int]int, len(s.Costs.ByTask)),
			Sessions:     append([]CostSession(nil), s.Costs.Sessions...),
		}
		for k, v := range s.Costs.ByAgent {
			costs.ByAgent[k] = v
		}
		for k, v := range s.Costs.ByTask {
			costs.ByTask[k] = v
		}
		out.Costs = &costs
	}
	if s.Worktrees != nil {
		out.Worktrees = make(map[string]string, len(s.Worktrees))
		for k, v := range s.Worktrees {
			out.Worktrees[k] = v
		}
	}
	if s.TaskStates != nil {
		out.TaskStates = make(map[int]*TaskState, len(s.TaskStates))
		for k, v := range s.TaskStates {
			state := *v
			out.TaskStates[k] = &state
		}
	}
	return &out
}

// Package events defines the observer event stream: the tagged-union event
// envelope sent to websocket clients and internal subscribers, and the
// broadcaster that fans events out with bounded per-subscriber buffers.
package events

import "time"

// Type discriminates observer events.
type Type string

// Server-side event types, as they appear on the wire.
const (
	TypeSprintStatus     Type = "sprint:status"
	TypeTaskStatus       Type = "task:status"
	TypeTaskLog          Type = "task:log"
	TypeWaveStarted      Type = "wave:started"
	TypeWaveCompleted    Type = "wave:completed"
	TypeMergeCompleted   Type = "merge:completed"
	TypeApprovalRequired Type = "approval:required"
	TypeReviewUpdate     Type = "review:update"
	TypeCostUpdate       Type = "cost:update"
	TypeError            Type = "error"
)

// Event is one observer message: a type discriminator plus a typed payload.
// SprintID is duplicated at the top level so subscribers can filter without
// inspecting the payload.
type Event struct {
	Type     Type      `json:"type"`
	SprintID string    `json:"sprintId,omitempty"`
	Payload  any       `json:"payload"`
	At       time.Time `json:"ts"`
}

// SprintStatusPayload reports a lifecycle transition.
type SprintStatusPayload struct {
	SprintID string `json:"sprintId"`
	Status   string `json:"status"`
	Previous string `json:"previous,omitempty"`
}

// TaskStatusPayload reports a task execution state change.
type TaskStatusPayload struct {
	SprintID  string `json:"sprintId"`
	TaskID    int    `json:"taskId"`
	Status    string `json:"status"`
	Developer string `json:"developerId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// TaskLogPayload carries one live output line from an agent process.
// Developer is set for developer-slot work; Role is set for the sprint-level
// roles (researcher, planner, tester, reviewer, pr).
type TaskLogPayload struct {
	SprintID  string `json:"sprintId"`
	TaskID    int    `json:"taskId,omitempty"`
	Developer string `json:"developerId,omitempty"`
	Role      string `json:"role,omitempty"`
	Stream    string `json:"stream,omitempty"`
	Line      string `json:"line"`
}

// WavePayload reports the start or completion of one implementation wave.
type WavePayload struct {
	SprintID string `json:"sprintId"`
	Wave     int    `json:"wave"`
	TaskIDs  []int  `json:"taskIds,omitempty"`
}

// BranchMerge is the outcome of merging one developer branch into the
// sprint branch.
type BranchMerge struct {
	Developer string   `json:"developerId"`
	Branch    string   `json:"branch"`
	Merged    bool     `json:"merged"`
	Conflicts []string `json:"conflicts,omitempty"`
}

// MergeCompletedPayload reports the wave-end merge of developer branches.
type MergeCompletedPayload struct {
	SprintID string        `json:"sprintId"`
	Wave     int           `json:"wave"`
	Branches []BranchMerge `json:"branches"`
}

// ApprovalRequiredPayload announces a pending approval rendezvous.
type ApprovalRequiredPayload struct {
	ID       string         `json:"id"`
	SprintID string         `json:"sprintId"`
	Kind     string         `json:"kind"`
	Message  string         `json:"message"`
	Context  map[string]any `json:"context,omitempty"`
}

// ReviewUpdatePayload reports review cycle progress and verdicts.
type ReviewUpdatePayload struct {
	SprintID  string `json:"sprintId"`
	Cycle     int    `json:"cycle"`
	Status    string `json:"status"`
	Verdict   string `json:"verdict,omitempty"`
	MustFix   int    `json:"mustFix,omitempty"`
	ShouldFix int    `json:"shouldFix,omitempty"`
	Summary   string `json:"summary,omitempty"`
}

// CostUpdatePayload reports the sprint cost ledger roll-up after a session
// is appended.
type CostUpdatePayload struct {
	SprintID     string         `json:"sprintId"`
	TotalSeconds int            `json:"totalSeconds"`
	ByAgent      map[string]int `json:"byAgent,omitempty"`
}

// ErrorPayload surfaces a stage or task failure to observers.
type ErrorPayload struct {
	SprintID string `json:"sprintId"`
	Stage    string `json:"stage,omitempty"`
	TaskID   int    `json:"taskId,omitempty"`
	Message  string `json:"message"`
}

// NewSprintStatus builds a sprint:status event.
func NewSprintStatus(sprintID, status, previous string) Event {
	return Event{
		Type:     TypeSprintStatus,
		SprintID: sprintID,
		Payload:  SprintStatusPayload{SprintID: sprintID, Status: status, Previous: previous},
		At:       time.Now().UTC(),
	}
}

// NewTaskStatus builds a task:status event.
func NewTaskStatus(sprintID string, taskID int, status, developer, errMsg string) Event {
	return Event{
		Type:     TypeTaskStatus,
		SprintID: sprintID,
		Payload: TaskStatusPayload{
			SprintID:  sprintID,
			TaskID:    taskID,
			Status:    status,
			Developer: developer,
			Error:     errMsg,
		},
		At: time.Now().UTC(),
	}
}

// NewTaskLog builds a task:log event for one agent output line.
func NewTaskLog(sprintID string, taskID int, developer, role, stream, line string) Event {
	return Event{
		Type:     TypeTaskLog,
		SprintID: sprintID,
		Payload: TaskLogPayload{
			SprintID:  sprintID,
			TaskID:    taskID,
			Developer: developer,
			Role:      role,
			Stream:    stream,
			Line:      line,
		},
		At: time.Now().UTC(),
	}
}

// NewWaveStarted builds a wave:started event.
func NewWaveStarted(sprintID string, wave int, taskIDs []int) Event {
	return Event{
		Type:     TypeWaveStarted,
		SprintID: sprintID,
		Payload:  WavePayload{SprintID: sprintID, Wave: wave, TaskIDs: taskIDs},
		At:       time.Now().UTC(),
	}
}

// NewWaveCompleted builds a wave:completed event.
func NewWaveCompleted(sprintID string, wave int) Event {
	return Event{
		Type:     TypeWaveCompleted,
		SprintID: sprintID,
		Payload:  WavePayload{SprintID: sprintID, Wave: wave},
		At:       time.Now().UTC(),
	}
}

// NewMergeCompleted builds a merge:completed event.
func NewMergeCompleted(sprintID string, wave int, branches []BranchMerge) Event {
	return Event{
		Type:     TypeMergeCompleted,
		SprintID: sprintID,
		Payload:  MergeCompletedPayload{SprintID: sprintID, Wave: wave, Branches: branches},
		At:       time.Now().UTC(),
	}
}

// NewApprovalRequired builds an approval:required event.
func NewApprovalRequired(id, sprintID, kind, message string, ctx map[string]any) Event {
	return Event{
		Type:     TypeApprovalRequired,
		SprintID: sprintID,
		Payload: ApprovalRequiredPayload{
			ID:       id,
			SprintID: sprintID,
			Kind:     kind,
			Message:  message,
			Context:  ctx,
		},
		At: time.Now().UTC(),
	}
}

// NewReviewUpdate builds a review:update event.
func NewReviewUpdate(p ReviewUpdatePayload) Event {
	return Event{
		Type:     TypeReviewUpdate,
		SprintID: p.SprintID,
		Payload:  p,
		At:       time.Now().UTC(),
	}
}

// NewCostUpdate builds a cost:update event.
func NewCostUpdate(sprintID string, totalSeconds int, byAgent map[string]int) Event {
	return Event{
		Type:     TypeCostUpdate,
		SprintID: sprintID,
		Payload: CostUpdatePayload{
			SprintID:     sprintID,
			TotalSeconds: totalSeconds,
			ByAgent:      byAgent,
		},
		At: time.Now().UTC(),
	}
}

// NewError builds an error event.
func NewError(sprintID, stage string, taskID int, message string) Event {
	return Event{
		Type:     TypeError,
		SprintID: sprintID,
		Payload:  ErrorPayload{SprintID: sprintID, Stage: stage, TaskID: taskID, Message: message},
		At:       time.Now().UTC(),
	}
}

package sprint

import (
	"sort"
	"time"
)

// Task roles.
const (
	RoleDeveloper = "developer"
	RoleTester    = "tester"
)

// TypeBug marks a task injected from a review finding.
const TypeBug = "bug"

// Task is an indivisible unit of work from the plan. The id is assigned at
// plan ingest and never reused; bug tasks extend the id space monotonically.
type Task struct {
	ID                 int      `json:"id"`
	Title              string   `json:"title"`
	Description        string   `json:"description,omitempty"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	Files              []string `json:"files,omitempty"`
	DependsOn          []int    `json:"depends_on,omitempty"`
	Wave               int      `json:"wave"`
	Role               string   `json:"role"`
	Developer          string   `json:"developer,omitempty"`
	Labels             []string `json:"labels,omitempty"`
	Complexity         string   `json:"complexity,omitempty"`

	// Type is "bug" for tasks injected from review findings; ReviewCycle
	// records the cycle that produced the finding.
	Type        string `json:"type,omitempty"`
	ReviewCycle int    `json:"review_cycle,omitempty"`
}

// IsBug reports whether the task was injected from a review finding.
func (t Task) IsBug() bool { return t.Type == TypeBug }

// TaskStatus is the execution state of a single task.
type TaskStatus string

// Task execution states.
const (
	TaskPending    TaskStatus = "pending"
	TaskQueued     TaskStatus = "queued"
	TaskInProgress TaskStatus = "in-progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskBlocked    TaskStatus = "blocked"
)

// TaskState is the mutable per-task record. A task reaches completed exactly
// once; re-opening requires an explicit reset through the state store.
type TaskState struct {
	Status      TaskStatus `json:"status"`
	Developer   string     `json:"developer,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Plan is the planner's output after normalisation: the task table plus the
// context it was produced under. It is immutable after ingest except for
// injected bug tasks.
type Plan struct {
	SpecPath       string `json:"spec_path,omitempty"`
	DeveloperCount int    `json:"developer_count"`
	EstimateHuman  string `json:"estimate_human,omitempty"`
	EstimateAI     string `json:"estimate_ai,omitempty"`
	Tasks          []Task `json:"tasks"`
}

// TaskByID returns the task with the given id, or nil.
func (p *Plan) TaskByID(id int) *Task {
	for i := range p.Tasks {
		if p.Tasks[i].ID == id {
			return &p.Tasks[i]
		}
	}
	return nil
}

// MaxTaskID returns the highest task id in the plan, 0 when empty.
func (p *Plan) MaxTaskID() int {
	max := 0
	for _, t := range p.Tasks {
		if t.ID > max {
			max = t.ID
		}
	}
	return max
}

// Waves returns the distinct wave numbers that contain developer-role
// tasks, ascending.
func (p *Plan) Waves() []int {
	seen := map[int]bool{}
	for _, t := range p.Tasks {
		if t.Role == RoleDeveloper {
			seen[t.Wave] = true
		}
	}
	waves := make([]int, 0, len(seen))
	for w := range seen {
		waves = append(waves, w)
	}
	sort.Ints(waves)
	return waves
}

// DeveloperTasksInWave returns the developer-role tasks assigned to wave w.
func (p *Plan) DeveloperTasksInWave(w int) []Task {
	var out []Task
	for _, t := range p.Tasks {
		if t.Role == RoleDeveloper && t.Wave == w {
			out = append(out, t)
		}
	}
	return out
}

// NextWaveAfter returns the smallest wave > w containing developer-role
// tasks, and false when no such wave exists.
func (p *Plan) NextWaveAfter(w int) (int, bool) {
	next, found := 0, false
	for _, t := range p.Tasks {
		if t.Role != RoleDeveloper || t.Wave <= w {
			continue
		}
		if !found || t.Wave < next {
			next, found = t.Wave, true
		}
	}
	return next, found
}

// FirstWave returns the smallest wave containing developer-role tasks, and
// false when the plan has none.
func (p *Plan) FirstWave() (int, bool) {
	first, found := 0, false
	for _, t := range p.Tasks {
		if t.Role != RoleDeveloper {
			continue
		}
		if !found || t.Wave < first {
			first, found = t.Wave, true
		}
	}
	return first, found
}

// RootTasks returns the developer-role tasks with no dependencies. Used as
// the wave-1 bootstrap when a plan omits explicit waves.
func (p *Plan) RootTasks() []Task {
	var out []Task
	for _, t := range p.Tasks {
		if t.Role == RoleDeveloper && len(t.DependsOn) == 0 {
			out = append(out, t)
		}
	}
	return out
}

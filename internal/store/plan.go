package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	apperrors "github.com/sprintd/sprintd/internal/common/errors"
	"github.com/sprintd/sprintd/internal/sprint"
)

// SetSprintPlan validates and normalises the planner's raw JSON output,
// persists plan.json and initialises every task state to pending. Returns
// the normalised plan. Structural problems (unparsable JSON, duplicate or
// missing ids, dependency cycles, same-wave file overlap across developers)
// come back as structural errors and nothing is mutated.
func (s *Store) SetSprintPlan(ctx context.Context, id string, raw []byte) (*sprint.Plan, error) {
	e, err := s.get(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	plan, err := NormalizePlan(raw, e.sp.Developers)
	if err != nil {
		return nil, err
	}
	plan.SpecPath = e.sp.SpecPath

	if err := s.writePlanFile(id, plan); err != nil {
		return nil, apperrors.InternalError("persist plan", err)
	}

	e.sp.Plan = plan
	e.sp.TaskStates = make(map[int]*sprint.TaskState, len(plan.Tasks))
	for _, t := range plan.Tasks {
		e.sp.TaskStates[t.ID] = &sprint.TaskState{Status: sprint.TaskPending, Developer: t.Developer}
	}

	s.log.WithSprint(id).Info(fmt.Sprintf("plan ingested: %d tasks, %d waves", len(plan.Tasks), len(plan.Waves())))
	return clonePlan(plan), nil
}

func clonePlan(p *sprint.Plan) *sprint.Plan {
	out := *p
	out.Tasks = append([]sprint.Task(nil), p.Tasks...)
	return &out
}

// BugSeed describes one review finding to inject as a bug task.
type BugSeed struct {
	Title       string
	Description string
	Category    string
	File        string
}

// AddBugTasks appends bug tasks from review findings: ids continue past the
// current maximum, wave is current+1, developer slots rotate round-robin.
// The augmented plan is persisted. Returns the new tasks.
func (s *Store) AddBugTasks(ctx context.Context, id string, cycle int, seeds []BugSeed) ([]sprint.Task, error) {
	if len(seeds) == 0 {
		return nil, nil
	}
	e, err := s.get(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sp.Plan == nil {
		return nil, apperrors.Conflict("sprint has no plan to extend")
	}

	nextID := e.sp.Plan.MaxTaskID() + 1
	wave := e.sp.CurrentWave + 1
	devs := e.sp.Developers

	added := make([]sprint.Task, 0, len(seeds))
	for i, seed := range seeds {
		title := seed.Title
		if title == "" {
			title = firstLine(seed.Description)
		}
		t := sprint.Task{
			ID:          nextID + i,
			Title:       truncate(title, 120),
			Description: seed.Description,
			Wave:        wave,
			Role:        sprint.RoleDeveloper,
			Developer:   devs[i%len(devs)].ID,
			Type:        sprint.TypeBug,
			ReviewCycle: cycle,
		}
		if seed.Category != "" {
			t.Labels = []string{seed.Category}
		}
		if seed.File != "" {
			t.Files = []string{seed.File}
		}
		added = append(added, t)
	}

	e.sp.Plan.Tasks = append(e.sp.Plan.Tasks, added...)
	if err := s.writePlanFile(id, e.sp.Plan); err != nil {
		e.sp.Plan.Tasks = e.sp.Plan.Tasks[:len(e.sp.Plan.Tasks)-len(added)]
		return nil, apperrors.InternalError("persist augmented plan", err)
	}
	for _, t := range added {
		e.sp.TaskStates[t.ID] = &sprint.TaskState{Status: sprint.TaskPending, Developer: t.Developer}
	}

	s.log.WithSprint(id).Info(fmt.Sprintf("injected %d bug tasks into wave %d", len(added), wave))
	return added, nil
}

// rawPlan is the tolerant ingest shape for planner output.
type rawPlan struct {
	EstimateHuman string    `json:"estimate_human"`
	EstimateAI    string    `json:"estimate_ai"`
	Tasks         []rawTask `json:"tasks"`
}

type rawTask struct {
	ID                 flexInt   `json:"id"`
	Title              string    `json:"title"`
	Description        string    `json:"description"`
	AcceptanceCriteria []string  `json:"acceptance_criteria"`
	Files              []string  `json:"files"`
	DependsOn          []flexInt `json:"depends_on"`
	Dependencies       []flexInt `json:"dependencies"`
	Wave               flexInt   `json:"wave"`
	Role               string    `json:"role"`
	Developer          string    `json:"developer"`
	Assignee           string    `json:"assignee"`
	Labels             []string  `json:"labels"`
	Complexity         string    `json:"complexity"`
}

// flexInt accepts integers, integral floats and strings like "3" or
// "task-3" where planners get creative with ids.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		*f = flexInt(n)
		return nil
	}
	var fl float64
	if err := json.Unmarshal(b, &fl); err == nil {
		if fl != float64(int(fl)) {
			return fmt.Errorf("non-integral id %v", fl)
		}
		*f = flexInt(int(fl))
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("id is neither number nor string: %s", string(b))
	}
	n, err := parseIntLoose(s)
	if err != nil {
		return err
	}
	*f = flexInt(n)
	return nil
}

// parseIntLoose extracts the first run of digits from s.
func parseIntLoose(s string) (int, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	start, end := -1, -1
	for i, r := range s {
		if r >= '0' && r <= '9' {
			if start < 0 {
				start = i
			}
			end = i + 1
		} else if start >= 0 {
			break
		}
	}
	if start < 0 {
		return 0, fmt.Errorf("no integer in %q", s)
	}
	return strconv.Atoi(s[start:end])
}

// NormalizePlan turns raw planner JSON into a validated plan:
//
//   - task ids coerced to integers, duplicates rejected
//   - missing arrays defaulted, zero-valued dependencies dropped
//   - legacy role names rewritten (tester aliases stay tester, everything
//     else becomes developer)
//   - dependency cycles and unknown dependency ids rejected
//   - waves <= 0 derived from dependency depth; each task's wave must
//     exceed all of its dependencies' waves
//   - unassigned or unknown developer slots filled round-robin per wave
//   - two developers may not touch the same file in the same wave
func NormalizePlan(raw []byte, devs []sprint.DeveloperSlot) (*sprint.Plan, error) {
	var rp rawPlan
	if err := json.Unmarshal(raw, &rp); err != nil {
		return nil, apperrors.Structural("plan JSON does not parse", err)
	}
	if len(rp.Tasks) == 0 {
		return nil, apperrors.Structural("plan contains no tasks", nil)
	}

	tasks := make([]sprint.Task, len(rp.Tasks))
	seen := make(map[int]bool, len(rp.Tasks))
	for i, rt := range rp.Tasks {
		id := int(rt.ID)
		if id <= 0 {
			return nil, apperrors.Structural(fmt.Sprintf("task %d has invalid id %d", i, id), nil)
		}
		if seen[id] {
			return nil, apperrors.Structural(fmt.Sprintf("duplicate task id %d", id), nil)
		}
		seen[id] = true

		deps := rt.DependsOn
		if len(deps) == 0 {
			deps = rt.Dependencies
		}
		dependsOn := make([]int, 0, len(deps))
		depSeen := map[int]bool{}
		for _, d := range deps {
			dep := int(d)
			if dep == 0 || dep == id || depSeen[dep] {
				continue
			}
			depSeen[dep] = true
			dependsOn = append(dependsOn, dep)
		}

		developer := rt.Developer
		if developer == "" {
			developer = rt.Assignee
		}

		tasks[i] = sprint.Task{
			ID:                 id,
			Title:              strings.TrimSpace(rt.Title),
			Description:        rt.Description,
			AcceptanceCriteria: orEmpty(rt.AcceptanceCriteria),
			Files:              orEmpty(rt.Files),
			DependsOn:          dependsOn,
			Wave:               int(rt.Wave),
			Role:               normalizeRole(rt.Role),
			Developer:          developer,
			Labels:             orEmpty(rt.Labels),
			Complexity:         rt.Complexity,
		}
		if tasks[i].Title == "" {
			return nil, apperrors.Structural(fmt.Sprintf("task %d has no title", id), nil)
		}
	}

	byID := make(map[int]*sprint.Task, len(tasks))
	for i := range tasks {
		byID[tasks[i].ID] = &tasks[i]
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if byID[dep] == nil {
				return nil, apperrors.Structural(fmt.Sprintf("task %d depends on unknown task %d", t.ID, dep), nil)
			}
		}
	}

	if cycle := detectCycle(tasks, byID); len(cycle) > 0 {
		return nil, apperrors.Structural(fmt.Sprintf("dependency cycle: %s", joinIDs(cycle)), nil)
	}

	assignWaves(tasks, byID)
	for _, t := range tasks {
		if t.Role != sprint.RoleDeveloper {
			continue
		}
		for _, dep := range t.DependsOn {
			d := byID[dep]
			if d.Role == sprint.RoleDeveloper && t.Wave <= d.Wave {
				return nil, apperrors.Structural(
					fmt.Sprintf("task %d (wave %d) depends on task %d (wave %d)", t.ID, t.Wave, dep, d.Wave), nil)
			}
		}
	}

	assignDevelopers(tasks, devs)

	if err := checkFileIsolation(tasks); err != nil {
		return nil, err
	}

	return &sprint.Plan{
		DeveloperCount: len(devs),
		EstimateHuman:  rp.EstimateHuman,
		EstimateAI:     rp.EstimateAI,
		Tasks:          tasks,
	}, nil
}

// normalizeRole rewrites legacy role names. Tester aliases survive;
// everything else is a developer.
func normalizeRole(role string) string {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case sprint.RoleTester, "qa", "test", "testing":
		return sprint.RoleTester
	default:
		return sprint.RoleDeveloper
	}
}

// detectCycle runs a depth-first search with an in-stack set and returns
// the first cycle found as a task id path.
func detectCycle(tasks []sprint.Task, byID map[int]*sprint.Task) []int {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[int]int, len(tasks))
	var path []int

	var visit func(id int) []int
	visit = func(id int) []int {
		state[id] = inStack
		path = append(path, id)
		for _, dep := range byID[id].DependsOn {
			switch state[dep] {
			case inStack:
				for i, p := range path {
					if p == dep {
						return append(append([]int{}, path[i:]...), dep)
					}
				}
			case unvisited:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}
		state[id] = done
		path = path[:len(path)-1]
		return nil
	}

	for _, t := range tasks {
		if state[t.ID] == unvisited {
			path = path[:0]
			if cycle := visit(t.ID); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// assignWaves fills in waves <= 0 with the task's dependency depth: roots
// land in wave 1, everything else one past its deepest dependency.
// Explicit positive waves are kept.
func assignWaves(tasks []sprint.Task, byID map[int]*sprint.Task) {
	depth := make(map[int]int, len(tasks))
	var level func(id int) int
	level = func(id int) int {
		if d, ok := depth[id]; ok {
			return d
		}
		t := byID[id]
		max := 0
		for _, dep := range t.DependsOn {
			if l := level(dep); l > max {
				max = l
			}
		}
		depth[id] = max + 1
		return max + 1
	}

	for i := range tasks {
		if tasks[i].Wave <= 0 {
			tasks[i].Wave = level(tasks[i].ID)
			byID[tasks[i].ID].Wave = tasks[i].Wave
		}
	}
}

// assignDevelopers gives every developer-role task without a valid slot a
// round-robin assignment within its wave, stable over task order.
func assignDevelopers(tasks []sprint.Task, devs []sprint.DeveloperSlot) {
	valid := make(map[string]bool, len(devs))
	for _, d := range devs {
		valid[d.ID] = true
	}
	next := map[int]int{}
	for i := range tasks {
		if tasks[i].Role != sprint.RoleDeveloper {
			continue
		}
		if valid[tasks[i].Developer] {
			continue
		}
		w := tasks[i].Wave
		tasks[i].Developer = devs[next[w]%len(devs)].ID
		next[w]++
	}
}

// checkFileIsolation rejects plans where two different developers touch the
// same file within one wave; those merges would conflict by construction.
func checkFileIsolation(tasks []sprint.Task) error {
	type claim struct {
		taskID    int
		developer string
	}
	claims := map[string]claim{}
	for _, t := range tasks {
		if t.Role != sprint.RoleDeveloper {
			continue
		}
		for _, f := range t.Files {
			key := fmt.Sprintf("%d\x00%s", t.Wave, f)
			if prev, ok := claims[key]; ok && prev.developer != t.Developer {
				return apperrors.Structural(
					fmt.Sprintf("wave %d: tasks %d and %d touch %s from different developers",
						t.Wave, prev.taskID, t.ID, f), nil)
			}
			claims[key] = claim{taskID: t.ID, developer: t.Developer}
		}
	}
	return nil
}

func orEmpty(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}

func joinIDs(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, " -> ")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	// Back off to a rune boundary so the cut never splits a multi-byte
	// character.
	cut := max - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

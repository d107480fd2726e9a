package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/renameio/v2"

	"github.com/sprintd/sprintd/internal/sprint"
)

// Per-sprint directory layout.
const (
	specFileName      = "spec.md"
	metaFileName      = ".meta.json"
	statusFileName    = ".status"
	planFileName      = "plan.json"
	researchFileName  = "research.md"
	completedFileName = ".completed"
	costFileName      = "cost.json"
	roleLogsDirName   = "role-logs"
	agentLogsDirName  = "logs"
)

func reviewFileName(cycle int) string {
	return fmt.Sprintf("review-%d.md", cycle)
}

func verdictFileName(cycle int) string {
	return fmt.Sprintf("review-%d-verdict.json", cycle)
}

// meta is the persisted sprint metadata. Everything not derivable from the
// other sprint files lives here.
type meta struct {
	TargetDir      string     `json:"targetDir"`
	SpecPath       string     `json:"specPath"`
	DeveloperCount int        `json:"developerCount"`
	CreatedAt      time.Time  `json:"createdAt"`
	ApprovedAt     *time.Time `json:"approvedAt,omitempty"`
	Name           string     `json:"name,omitempty"`
	AutonomyMode   string     `json:"autonomyMode,omitempty"`
	PausedFrom     string     `json:"pausedFrom,omitempty"`
}

func metaFromSprint(sp *sprint.Sprint) meta {
	return meta{
		TargetDir:      sp.TargetDir,
		SpecPath:       sp.SpecPath,
		DeveloperCount: len(sp.Developers),
		CreatedAt:      sp.CreatedAt,
		ApprovedAt:     sp.ApprovedAt,
		Name:           sp.Name,
		AutonomyMode:   string(sp.Autonomy),
		PausedFrom:     string(sp.PausedFrom),
	}
}

// SprintDir returns the persistence directory for a sprint id.
func (s *Store) SprintDir(id string) string {
	return filepath.Join(s.root, id)
}

// Root returns the sprints root directory.
func (s *Store) Root() string { return s.root }

func (s *Store) path(id string, name string) string {
	return filepath.Join(s.root, id, name)
}

// writeFileAtomic writes data to path via a rename so readers never observe
// a partial file.
func writeFileAtomic(path string, data []byte) error {
	return renameio.WriteFile(path, data, 0o644)
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return writeFileAtomic(path, append(data, '\n'))
}

func appendLine(path string, line string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line + "\n")
	return err
}

// writeStatusFile persists the lifecycle status facet.
func (s *Store) writeStatusFile(id string, status sprint.Status) error {
	return writeFileAtomic(s.path(id, statusFileName), []byte(string(status)+"\n"))
}

func (s *Store) writeMetaFile(sp *sprint.Sprint) error {
	return writeJSONAtomic(s.path(sp.ID, metaFileName), metaFromSprint(sp))
}

func (s *Store) writePlanFile(id string, plan *sprint.Plan) error {
	return writeJSONAtomic(s.path(id, planFileName), plan)
}

func (s *Store) writeCostFile(id string, ledger *sprint.CostLedger) error {
	return writeJSONAtomic(s.path(id, costFileName), ledger)
}

// writeCompletedFile rewrites the completed log to exactly the given ids.
func (s *Store) writeCompletedFile(id string, completed []int) error {
	sort.Ints(completed)
	var b strings.Builder
	for _, taskID := range completed {
		fmt.Fprintf(&b, "%d\n", taskID)
	}
	return writeFileAtomic(s.path(id, completedFileName), []byte(b.String()))
}

func (s *Store) appendCompleted(id string, taskID int) error {
	return appendLine(s.path(id, completedFileName), strconv.Itoa(taskID))
}

func (s *Store) readStatusFile(id string) (sprint.Status, error) {
	data, err := os.ReadFile(s.path(id, statusFileName))
	if err != nil {
		return "", err
	}
	st := sprint.Status(strings.TrimSpace(string(data)))
	if !st.IsValid() {
		return "", fmt.Errorf("invalid status %q in %s", st, statusFileName)
	}
	return st, nil
}

func (s *Store) readMetaFile(id string) (meta, error) {
	var m meta
	data, err := os.ReadFile(s.path(id, metaFileName))
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("parse %s: %w", metaFileName, err)
	}
	return m, nil
}

func (s *Store) readPlanFile(id string) (*sprint.Plan, error) {
	data, err := os.ReadFile(s.path(id, planFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var plan sprint.Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parse %s: %w", planFileName, err)
	}
	return &plan, nil
}

func (s *Store) readCostFile(id string) (*sprint.CostLedger, error) {
	data, err := os.ReadFile(s.path(id, costFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return sprint.NewCostLedger(), nil
		}
		return nil, err
	}
	var ledger sprint.CostLedger
	if err := json.Unmarshal(data, &ledger); err != nil {
		return nil, fmt.Errorf("parse %s: %w", costFileName, err)
	}
	ledger.Recompute()
	return &ledger, nil
}

// readCompletedFile returns the set of completed task ids. Duplicate lines
// collapse; garbage lines are skipped.
func (s *Store) readCompletedFile(id string) (map[int]bool, error) {
	completed := make(map[int]bool)
	f, err := os.Open(s.path(id, completedFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return completed, nil
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		taskID, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		completed[taskID] = true
	}
	return completed, scanner.Err()
}

// HasResearch reports whether the research artefact exists on disk.
func (s *Store) HasResearch(id string) bool {
	_, err := os.Stat(s.path(id, researchFileName))
	return err == nil
}

// HasPlan reports whether the plan artefact exists on disk.
func (s *Store) HasPlan(id string) bool {
	_, err := os.Stat(s.path(id, planFileName))
	return err == nil
}

// ReadResearch returns the research artefact.
func (s *Store) ReadResearch(id string) ([]byte, error) {
	return os.ReadFile(s.path(id, researchFileName))
}

// ReadSpec returns the sprint's copy of the spec file.
func (s *Store) ReadSpec(id string) ([]byte, error) {
	return os.ReadFile(s.path(id, specFileName))
}

// ReadReview returns the prose review for a cycle.
func (s *Store) ReadReview(id string, cycle int) ([]byte, error) {
	return os.ReadFile(s.path(id, reviewFileName(cycle)))
}

// HasReview reports whether the cycle's prose review exists.
func (s *Store) HasReview(id string, cycle int) bool {
	_, err := os.Stat(s.path(id, reviewFileName(cycle)))
	return err == nil
}

// ReadReviewVerdict returns the raw verdict JSON for a cycle.
func (s *Store) ReadReviewVerdict(id string, cycle int) ([]byte, error) {
	return os.ReadFile(s.path(id, verdictFileName(cycle)))
}

// MaxReviewCycle returns the highest cycle with a persisted prose review,
// 0 when none exist.
func (s *Store) MaxReviewCycle(id string) int {
	entries, err := os.ReadDir(s.SprintDir(id))
	if err != nil {
		return 0
	}
	max := 0
	for _, e := range entries {
		var n int
		if _, err := fmt.Sscanf(e.Name(), "review-%d.md", &n); err == nil && n > max {
			max = n
		}
	}
	return max
}

// ListLogFiles returns the agent log file names for a sprint, sorted.
func (s *Store) ListLogFiles(id string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.SprintDir(id), agentLogsDirName))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// ReadLogFile returns one agent log by base name. Rejects names that try to
// escape the logs directory.
func (s *Store) ReadLogFile(id, name string) ([]byte, error) {
	if name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return nil, fmt.Errorf("invalid log file name %q", name)
	}
	return os.ReadFile(filepath.Join(s.SprintDir(id), agentLogsDirName, name))
}

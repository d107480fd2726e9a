package store

import (
	"os"

	apperrors "github.com/sprintd/sprintd/internal/common/errors"
	"github.com/sprintd/sprintd/internal/sprint"
)

// hydrate reconstructs a sprint record from its persistence directory and
// admits it to memory. Status, plan, completed log, cost ledger and
// metadata come from their files; the current wave and review cycle are
// derived (earliest wave with work left, highest persisted review).
func (s *Store) hydrate(id string) (*entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.byID[id]; ok {
		return e, nil
	}

	m, err := s.readMetaFile(id)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.NotFound("sprint", id)
		}
		return nil, apperrors.InternalError("read sprint metadata", err)
	}

	status, err := s.readStatusFile(id)
	if err != nil {
		if os.IsNotExist(err) {
			status = sprint.StatusCreated
		} else {
			return nil, apperrors.InternalError("read sprint status", err)
		}
	}

	devs, err := sprint.SelectDevelopers(m.DeveloperCount)
	if err != nil {
		return nil, apperrors.InternalError("invalid developer count in metadata", err)
	}

	autonomy, err := sprint.ParseAutonomy(m.AutonomyMode, sprint.AutonomySupervised)
	if err != nil {
		return nil, apperrors.InternalError("invalid autonomy mode in metadata", err)
	}

	plan, err := s.readPlanFile(id)
	if err != nil {
		return nil, apperrors.InternalError("read plan", err)
	}

	completed, err := s.readCompletedFile(id)
	if err != nil {
		return nil, apperrors.InternalError("read completed log", err)
	}

	costs, err := s.readCostFile(id)
	if err != nil {
		return nil, apperrors.InternalError("read cost ledger", err)
	}

	sp := &sprint.Sprint{
		ID:          id,
		Name:        m.Name,
		SpecPath:    m.SpecPath,
		TargetDir:   m.TargetDir,
		Developers:  devs,
		Autonomy:    autonomy,
		Status:      status,
		Plan:        plan,
		Costs:       costs,
		CreatedAt:   m.CreatedAt,
		ApprovedAt:  m.ApprovedAt,
		Worktrees:   make(map[string]string),
		TaskStates:  make(map[int]*sprint.TaskState),
		PausedFrom:  sprint.Status(m.PausedFrom),
		ReviewCycle: s.MaxReviewCycle(id),
	}

	if plan != nil {
		for _, t := range plan.Tasks {
			st := sprint.TaskPending
			if completed[t.ID] {
				st = sprint.TaskCompleted
			}
			sp.TaskStates[t.ID] = &sprint.TaskState{Status: st, Developer: t.Developer}
		}
		sp.CurrentWave = deriveCurrentWave(plan, completed)
	}

	if status.IsTerminal() {
		if info, err := os.Stat(s.path(id, statusFileName)); err == nil {
			at := info.ModTime().UTC()
			sp.CompletedAt = &at
		}
	}

	e := &entry{sp: sp}
	s.byID[id] = e
	s.log.WithSprint(id).Info("sprint hydrated from disk")
	return e, nil
}

// deriveCurrentWave returns the smallest wave with a non-completed
// developer task, or the largest wave when everything is done. Waves
// complete strictly in order, so this equals the last recorded wave.
func deriveCurrentWave(plan *sprint.Plan, completed map[int]bool) int {
	waves := plan.Waves()
	if len(waves) == 0 {
		return 0
	}
	for _, w := range waves {
		for _, t := range plan.DeveloperTasksInWave(w) {
			if !completed[t.ID] {
				return w
			}
		}
	}
	return waves[len(waves)-1]
}

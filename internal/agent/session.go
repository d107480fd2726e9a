package agent

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session describes one live agent process.
type Session struct {
	ID        string    `json:"id"`
	SprintID  string    `json:"sprintId"`
	TaskID    int       `json:"taskId,omitempty"`
	Agent     string    `json:"agent"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
}

// SessionRegistry tracks live agent processes so cancellation and the stale
// watcher can see what is actually running.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

// NewSessionRegistry returns an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]Session)}
}

func (r *SessionRegistry) register(sprintID string, taskID int, agent string, pid int) string {
	id := uuid.New().String()
	r.mu.Lock()
	r.sessions[id] = Session{
		ID:        id,
		SprintID:  sprintID,
		TaskID:    taskID,
		Agent:     agent,
		PID:       pid,
		StartedAt: time.Now().UTC(),
	}
	r.mu.Unlock()
	return id
}

func (r *SessionRegistry) unregister(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Active returns a snapshot of all live sessions.
func (r *SessionRegistry) Active() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// ActiveForSprint returns the live sessions belonging to one sprint.
func (r *SessionRegistry) ActiveForSprint(sprintID string) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Session
	for _, s := range r.sessions {
		if s.SprintID == sprintID {
			out = append(out, s)
		}
	}
	return out
}

// Count returns the number of live sessions.
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Package watcher periodically scans sprints for tasks stuck in-progress
// past a configured age and surfaces them on the event stream. It only
// observes; task state stays with the orchestrator.
package watcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sprintd/sprintd/internal/common/logger"
	"github.com/sprintd/sprintd/internal/events"
	"github.com/sprintd/sprintd/internal/sprint"
)

const defaultInterval = 30 * time.Second

// SprintLister yields snapshots of all known sprints.
type SprintLister interface {
	List(ctx context.Context) ([]*sprint.Sprint, error)
}

// Watcher flags stale in-progress tasks. Each stuck task is reported once
// per start; a retried task gets a fresh StartedAt and is flagged again.
type Watcher struct {
	sprints   SprintLister
	pub       events.Publisher
	threshold time.Duration
	interval  time.Duration
	logger    *logger.Logger

	mu      sync.Mutex
	flagged map[string]time.Time
}

// New builds a watcher. interval <= 0 selects the default sweep interval.
func New(sprints SprintLister, pub events.Publisher, threshold, interval time.Duration, log *logger.Logger) *Watcher {
	if interval <= 0 {
		interval = defaultInterval
	}
	if pub == nil {
		pub = events.Discard
	}
	return &Watcher{
		sprints:   sprints,
		pub:       pub,
		threshold: threshold,
		interval:  interval,
		logger:    log.WithComponent("watcher"),
		flagged:   make(map[string]time.Time),
	}
}

// Run sweeps on a ticker until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("stale task watcher stopped")
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Watcher) sweep(ctx context.Context) {
	sprints, err := w.sprints.List(ctx)
	if err != nil {
		w.logger.Warn("stale task sweep skipped", zap.Error(err))
		return
	}

	now := time.Now()
	for _, sp := range sprints {
		// Terminal sprints keep whatever task states they died with, and a
		// paused sprint holds tasks deliberately.
		if sp.Status.IsTerminal() || sp.Status == sprint.StatusPaused {
			continue
		}
		for taskID, st := range sp.TaskStates {
			if st == nil || st.Status != sprint.TaskInProgress || st.StartedAt == nil {
				continue
			}
			age := now.Sub(*st.StartedAt)
			if age < w.threshold {
				continue
			}
			if !w.firstSighting(sp.ID, taskID, *st.StartedAt) {
				continue
			}
			w.logger.Warn("task in progress past threshold",
				zap.String("sprint_id", sp.ID),
				zap.Int("task_id", taskID),
				zap.Duration("age", age.Round(time.Second)))
			w.pub.Publish(events.NewError(sp.ID, "watchdog", taskID,
				fmt.Sprintf("task %d has been in progress for %s", taskID, age.Round(time.Second))))
		}
	}
}

func (w *Watcher) firstSighting(sprintID string, taskID int, startedAt time.Time) bool {
	key := fmt.Sprintf("%s/%d", sprintID, taskID)
	w.mu.Lock()
	defer w.mu.Unlock()
	if seen, ok := w.flagged[key]; ok && seen.Equal(startedAt) {
		return false
	}
	w.flagged[key] = startedAt
	return true
}

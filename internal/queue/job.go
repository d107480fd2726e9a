// Package queue binds the sprint pipeline to named job queues over the
// event bus: NATS when connected, the in-process engine otherwise.
// Idempotency-key dedupe, bounded exponential retry, pause parking and
// per-sprint drain all live in the binding; cross-restart durability comes
// from the restart policy, never from the broker.
package queue

import (
	"errors"
	"fmt"
	"time"
)

// Singleton-consumer queue names. Implementation queues are per developer
// slot, see ImplQueue.
const (
	QueueResearch = "research"
	QueuePlanning = "planning"
	QueueTesting  = "testing"
	QueueReview   = "review"
	QueuePRCreate = "pr-create"
)

// ImplQueue returns the implementation queue for a developer slot.
func ImplQueue(slot string) string {
	return "impl-" + slot
}

// ErrSprintPaused is the distinguished handler result for a job that hit a
// paused sprint: the binding parks the job instead of counting a failure.
var ErrSprintPaused = errors.New("sprint paused")

// Job is the envelope carried on a queue. Payload-heavy context (task
// details, review findings) is re-read from the sprint directory by the
// worker; the envelope only routes.
type Job struct {
	ID    string `json:"id"`
	Queue string `json:"queue"`
	// Key is the idempotency key; a repeated enqueue with a key seen
	// within the dedupe window is dropped.
	Key      string `json:"key"`
	SprintID string `json:"sprintId"`
	// TaskID is 0 for sprint-level jobs.
	TaskID    int    `json:"taskId,omitempty"`
	Developer string `json:"developer,omitempty"`
	TargetDir string `json:"targetDir,omitempty"`
	// Cycle is the testing/review cycle number where applicable.
	Cycle int `json:"cycle,omitempty"`

	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	// NotBefore delays delivery when set.
	NotBefore time.Time `json:"notBefore,omitempty"`
}

// Idempotency key builders.

func ResearchKey(sprintID string) string {
	return "research-" + sprintID
}

func PlanningKey(sprintID string) string {
	return "planning-" + sprintID
}

func ImplKey(sprintID string, taskID int) string {
	return fmt.Sprintf("impl-%s-%d", sprintID, taskID)
}

func TestingKey(sprintID string, cycle int) string {
	return fmt.Sprintf("testing-%s-%d", sprintID, cycle)
}

// ReviewKey is timestamped: a review of the same cycle may legitimately be
// requested again after a restart.
func ReviewKey(sprintID string, cycle int) string {
	return fmt.Sprintf("review-%s-%d-%d", sprintID, cycle, time.Now().Unix())
}

func PRKey(sprintID string) string {
	return "pr-" + sprintID
}

// RetryKey derives a fresh idempotency key for a retried job so dedupe does
// not swallow the retry.
func RetryKey(key string) string {
	return fmt.Sprintf("%s-retry-%d", key, time.Now().UnixNano())
}

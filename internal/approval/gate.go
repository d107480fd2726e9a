// Package approval implements the human-decision gate. A worker that needs
// an operator verdict parks on Await; the REST/WS surface resolves the
// request by id. Each request is answered at most once.
package approval

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sprintd/sprintd/internal/common/logger"
	"github.com/sprintd/sprintd/internal/events"
)

// Approval kinds raised by the pipeline. Plan sign-off is not gated here;
// it is modelled as the awaiting-approval sprint status.
const (
	KindReviewApprove = "review-approve"
	KindFixCycle      = "fix-cycle"
	KindLocalMerge    = "local-merge"
)

// Request is what a worker asks the operator.
type Request struct {
	SprintID string
	Kind     string
	Message  string
	// Context carries kind-specific detail for the UI (verdict summary,
	// finding counts, branch name).
	Context map[string]any
}

// Response is the operator's decision.
type Response struct {
	Approved bool
	Comment  string
	// Data optionally carries edited payload back (e.g. trimmed findings).
	Data map[string]any
}

// Pending is a snapshot of one outstanding request.
type Pending struct {
	ID          string         `json:"id"`
	SprintID    string         `json:"sprintId"`
	Kind        string         `json:"kind"`
	Message     string         `json:"message"`
	Context     map[string]any `json:"context,omitempty"`
	RequestedAt time.Time      `json:"requestedAt"`
}

type pendingEntry struct {
	Pending
	ch chan Response
}

// Gate tracks outstanding approval requests.
type Gate struct {
	mu      sync.Mutex
	pending map[string]*pendingEntry
	events  events.Publisher
	log     *logger.Logger
}

// NewGate wires a gate. A nil publisher discards events.
func NewGate(pub events.Publisher, log *logger.Logger) *Gate {
	if pub == nil {
		pub = events.Discard
	}
	return &Gate{
		pending: make(map[string]*pendingEntry),
		events:  pub,
		log:     log.WithComponent("approval"),
	}
}

// Await publishes approval:required and blocks until the request is
// resolved or ctx ends. On ctx end the request is withdrawn.
func (g *Gate) Await(ctx context.Context, req Request) (Response, error) {
	id := uuid.New().String()
	entry := &pendingEntry{
		Pending: Pending{
			ID:          id,
			SprintID:    req.SprintID,
			Kind:        req.Kind,
			Message:     req.Message,
			Context:     req.Context,
			RequestedAt: time.Now().UTC(),
		},
		ch: make(chan Response, 1),
	}

	g.mu.Lock()
	g.pending[id] = entry
	g.mu.Unlock()

	g.log.Info("approval requested",
		zap.String("approval_id", id),
		zap.String("sprint_id", req.SprintID),
		zap.String("kind", req.Kind))
	g.events.Publish(events.NewApprovalRequired(id, req.SprintID, req.Kind, req.Message, req.Context))

	select {
	case <-ctx.Done():
		g.withdraw(id)
		return Response{}, ctx.Err()
	case resp := <-entry.ch:
		return resp, nil
	}
}

// Resolve answers one outstanding request. Returns false when the id is
// unknown or already answered.
func (g *Gate) Resolve(id string, resp Response) bool {
	g.mu.Lock()
	entry, ok := g.pending[id]
	if ok {
		delete(g.pending, id)
	}
	g.mu.Unlock()
	if !ok {
		return false
	}
	entry.ch <- resp
	g.log.Info("approval resolved",
		zap.String("approval_id", id),
		zap.String("sprint_id", entry.SprintID),
		zap.Bool("approved", resp.Approved))
	return true
}

// CancelSprint rejects every outstanding request for a sprint. Used when
// the sprint is cancelled so parked workers unblock.
func (g *Gate) CancelSprint(sprintID string) int {
	g.mu.Lock()
	var ids []string
	for id, entry := range g.pending {
		if entry.SprintID == sprintID {
			ids = append(ids, id)
		}
	}
	g.mu.Unlock()

	for _, id := range ids {
		g.Resolve(id, Response{Approved: false, Comment: "sprint cancelled"})
	}
	return len(ids)
}

// PendingList returns a snapshot of outstanding requests, optionally
// filtered by sprint id ("" means all).
func (g *Gate) PendingList(sprintID string) []Pending {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Pending, 0, len(g.pending))
	for _, entry := range g.pending {
		if sprintID == "" || entry.SprintID == sprintID {
			out = append(out, entry.Pending)
		}
	}
	return out
}

func (g *Gate) withdraw(id string) {
	g.mu.Lock()
	delete(g.pending, id)
	g.mu.Unlock()
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sprintd/sprintd/internal/common/config"
	apperrors "github.com/sprintd/sprintd/internal/common/errors"
	"github.com/sprintd/sprintd/internal/common/logger"
	"github.com/sprintd/sprintd/internal/events/bus"
)

const (
	subjectPrefix = "sprintd.queue."
	workerGroup   = "sprintd-workers"
)

func subjectFor(queueName string) string {
	return subjectPrefix + queueName
}

// Handler consumes one job. Returning ErrSprintPaused parks the job for
// resume; returning a TRANSIENT error triggers backoff retry; any other
// error drops the job (the worker is expected to have recorded the failure
// on the sprint itself).
type Handler func(ctx context.Context, job Job) error

type dedupeEntry struct {
	sprintID  string
	expiresAt time.Time
}

// Binding connects named queues to the bus transport. Each registered
// queue gets a bus queue-group subscription feeding a pending inbox and
// exactly one consumer goroutine, so jobs on one queue execute serially.
type Binding struct {
	transport bus.EventBus
	cfg       config.QueueConfig
	log       *logger.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	inboxes  map[string]*inbox
	dedupe   map[string]dedupeEntry
	parked   map[string][]Job
	paused   map[string]bool
	subs     []bus.Subscription
	started  bool
	stopped  bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewBinding wires a binding. A nil transport leaves the binding in
// degraded mode: Ready() is false and Enqueue refuses.
func NewBinding(transport bus.EventBus, cfg config.QueueConfig, log *logger.Logger) *Binding {
	return &Binding{
		transport: transport,
		cfg:       cfg,
		log:       log.WithComponent("queue"),
		handlers:  make(map[string]Handler),
		inboxes:   make(map[string]*inbox),
		dedupe:    make(map[string]dedupeEntry),
		parked:    make(map[string][]Job),
		paused:    make(map[string]bool),
		stopCh:    make(chan struct{}),
	}
}

// Ready reports whether jobs can be enqueued. False means degraded mode:
// no broker and no in-process fallback.
func (b *Binding) Ready() bool {
	return b.transport != nil
}

// RegisterHandler binds a queue name to its consumer. Must be called
// before Start.
func (b *Binding) RegisterHandler(queueName string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[queueName] = h
	b.inboxes[queueName] = newInbox()
}

// Start subscribes every registered queue and launches its consumer. The
// context cancels in-flight handlers on shutdown.
func (b *Binding) Start(ctx context.Context) error {
	if b.transport == nil {
		b.log.Warn("queue binding degraded: no transport, execution endpoints will refuse")
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}

	for queueName := range b.handlers {
		sub, err := b.transport.QueueSubscribe(subjectFor(queueName), workerGroup, func(_ context.Context, ev *bus.Event) error {
			var job Job
			if err := json.Unmarshal(ev.Data, &job); err != nil {
				b.log.Error("undecodable job dropped", zap.Error(err), zap.String("subject", ev.Type))
				return nil
			}
			b.admit(job)
			return nil
		})
		if err != nil {
			return apperrors.Wrap(err, "subscribe queue "+queueName)
		}
		b.subs = append(b.subs, sub)

		in := b.inboxes[queueName]
		h := b.handlers[queueName]
		b.wg.Add(1)
		go b.consume(ctx, in, h)
	}

	b.started = true
	b.log.Info("queue binding started", zap.Int("queues", len(b.handlers)))
	return nil
}

// Stop unsubscribes and waits for consumers to finish their current job.
func (b *Binding) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	close(b.stopCh)
	b.mu.Unlock()
	b.wg.Wait()
}

// Enqueue publishes a job to its queue. The envelope is completed with id,
// attempt and enqueue time.
func (b *Binding) Enqueue(ctx context.Context, job Job) error {
	if b.transport == nil {
		return apperrors.ServiceUnavailable("queue broker")
	}

	b.mu.Lock()
	_, known := b.handlers[job.Queue]
	b.mu.Unlock()
	if !known {
		return apperrors.InternalError("enqueue to unregistered queue "+job.Queue, nil)
	}

	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Key == "" {
		job.Key = job.ID
	}
	if job.Attempt == 0 {
		job.Attempt = 1
	}
	job.EnqueuedAt = time.Now().UTC()

	data, err := json.Marshal(job)
	if err != nil {
		return apperrors.InternalError("marshal job", err)
	}
	if err := b.transport.Publish(ctx, subjectFor(job.Queue), bus.NewEvent("job", "sprintd", data)); err != nil {
		return apperrors.Transient("publish job", err)
	}

	b.log.Debug("job enqueued",
		zap.String("queue", job.Queue),
		zap.String("key", job.Key),
		zap.String("sprint_id", job.SprintID),
		zap.Int("task_id", job.TaskID))
	return nil
}

// admit places a delivered job into its inbox, applying dedupe and pause
// parking.
func (b *Binding) admit(job Job) {
	now := time.Now()

	b.mu.Lock()
	if entry, seen := b.dedupe[job.Key]; seen && entry.expiresAt.After(now) {
		b.mu.Unlock()
		b.log.Debug("duplicate job dropped", zap.String("key", job.Key))
		return
	}
	b.dedupe[job.Key] = dedupeEntry{sprintID: job.SprintID, expiresAt: now.Add(b.cfg.DedupeWindowDuration())}
	if len(b.dedupe) > 4096 {
		for k, e := range b.dedupe {
			if e.expiresAt.Before(now) {
				delete(b.dedupe, k)
			}
		}
	}

	if b.paused[job.SprintID] {
		b.parked[job.SprintID] = append(b.parked[job.SprintID], job)
		b.mu.Unlock()
		b.log.Info("job parked: sprint paused",
			zap.String("key", job.Key), zap.String("sprint_id", job.SprintID))
		return
	}

	in, ok := b.inboxes[job.Queue]
	b.mu.Unlock()
	if !ok {
		b.log.Error("job for unknown queue dropped", zap.String("queue", job.Queue))
		return
	}

	readyAt := now
	if job.NotBefore.After(now) {
		readyAt = job.NotBefore
	}
	in.push(job, readyAt)
}

func (b *Binding) consume(ctx context.Context, in *inbox, h Handler) {
	defer b.wg.Done()

	for {
		job, wait, ok := in.next(time.Now())
		if ok {
			select {
			case <-b.stopCh:
				return
			case <-ctx.Done():
				return
			default:
			}
			if err := h(ctx, job); err != nil {
				b.handleFailure(job, err)
			}
			continue
		}

		var timerC <-chan time.Time
		var timer *time.Timer
		if wait > 0 {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}
		select {
		case <-b.stopCh:
		case <-ctx.Done():
		case <-in.wake:
			if timer != nil {
				timer.Stop()
			}
			continue
		case <-timerC:
			continue
		}
		if timer != nil {
			timer.Stop()
		}
		return
	}
}

func (b *Binding) handleFailure(job Job, err error) {
	if errors.Is(err, ErrSprintPaused) {
		b.mu.Lock()
		b.paused[job.SprintID] = true
		b.parked[job.SprintID] = append(b.parked[job.SprintID], job)
		b.mu.Unlock()
		b.log.Info("job parked mid-delivery: sprint paused",
			zap.String("key", job.Key), zap.String("sprint_id", job.SprintID))
		return
	}

	if !apperrors.IsTransient(err) {
		b.log.Error("job failed permanently",
			zap.String("queue", job.Queue),
			zap.String("key", job.Key),
			zap.String("sprint_id", job.SprintID),
			zap.Int("attempt", job.Attempt),
			zap.Error(err))
		return
	}

	if job.Attempt >= b.cfg.MaxAttempts {
		b.log.Error("job exhausted retries",
			zap.String("queue", job.Queue),
			zap.String("key", job.Key),
			zap.String("sprint_id", job.SprintID),
			zap.Int("attempts", job.Attempt),
			zap.Error(err))
		return
	}

	delay := backoffDelay(b.cfg.BackoffBaseDuration(), b.cfg.BackoffMaxDuration(), job.Attempt)
	job.Attempt++
	job.Key = RetryKey(job.Key)
	job.NotBefore = time.Now().Add(delay)

	b.log.Warn("job retry scheduled",
		zap.String("queue", job.Queue),
		zap.String("key", job.Key),
		zap.Int("attempt", job.Attempt),
		zap.Duration("delay", delay),
		zap.Error(err))
	b.admit(job)
}

// backoffDelay doubles per completed attempt, capped.
func backoffDelay(base, ceiling time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if ceiling > 0 && delay >= ceiling {
			return ceiling
		}
	}
	if ceiling > 0 && delay > ceiling {
		return ceiling
	}
	return delay
}

// ParkSprint freezes a sprint's queued work: waiting jobs move to the
// parked list and later deliveries park on arrival.
func (b *Binding) ParkSprint(sprintID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused[sprintID] = true
	moved := 0
	for _, in := range b.inboxes {
		removed := in.removeBySprint(sprintID)
		moved += len(removed)
		b.parked[sprintID] = append(b.parked[sprintID], removed...)
	}
	return moved
}

// UnparkSprint releases a sprint's parked jobs back to their inboxes.
func (b *Binding) UnparkSprint(sprintID string) int {
	b.mu.Lock()
	delete(b.paused, sprintID)
	jobs := b.parked[sprintID]
	delete(b.parked, sprintID)
	inboxes := make(map[string]*inbox, len(b.inboxes))
	for name, in := range b.inboxes {
		inboxes[name] = in
	}
	b.mu.Unlock()

	now := time.Now()
	released := 0
	for _, job := range jobs {
		in, ok := inboxes[job.Queue]
		if !ok {
			b.log.Error("parked job for unknown queue dropped", zap.String("queue", job.Queue))
			continue
		}
		job.NotBefore = time.Time{}
		in.push(job, now)
		released++
	}
	return released
}

// DrainSprint removes every waiting, delayed and parked job for a sprint,
// and forgets its dedupe keys so a later restart can re-enqueue them.
func (b *Binding) DrainSprint(sprintID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for _, in := range b.inboxes {
		removed += len(in.removeBySprint(sprintID))
	}
	removed += len(b.parked[sprintID])
	delete(b.parked, sprintID)
	delete(b.paused, sprintID)

	for key, entry := range b.dedupe {
		if entry.sprintID == sprintID {
			delete(b.dedupe, key)
		}
	}

	b.log.Info("sprint drained", zap.String("sprint_id", sprintID), zap.Int("jobs", removed))
	return removed
}

// PendingCounts reports inbox sizes per queue, for health output.
func (b *Binding) PendingCounts() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]int, len(b.inboxes))
	for name, in := range b.inboxes {
		out[name] = in.size()
	}
	return out
}

package events

import (
	"sync"

	"github.com/sprintd/sprintd/internal/common/logger"
)

// RoleLogAppender persists one line to a role's log file. Implemented by
// the state store.
type RoleLogAppender interface {
	AppendRoleLog(sprintID, roleID, line string) error
}

// RoleLogSink subscribes to the event stream and mirrors task:log lines
// into per-role log files, so each developer slot and sprint-level role has
// a replayable transcript on disk.
type RoleLogSink struct {
	appender RoleLogAppender
	sub      *Subscription
	log      *logger.Logger
	wg       sync.WaitGroup
}

// NewRoleLogSink subscribes the sink to b.
func NewRoleLogSink(b *Broadcaster, appender RoleLogAppender, log *logger.Logger) *RoleLogSink {
	return &RoleLogSink{
		appender: appender,
		sub:      b.Subscribe(DefaultBuffer),
		log:      log.WithComponent("rolelog"),
	}
}

// Start begins draining the subscription.
func (s *RoleLogSink) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for ev := range s.sub.Events() {
			if ev.Type != TypeTaskLog {
				continue
			}
			p, ok := ev.Payload.(TaskLogPayload)
			if !ok {
				continue
			}
			roleID := p.Developer
			if roleID == "" {
				roleID = p.Role
			}
			if roleID == "" || p.SprintID == "" {
				continue
			}
			if err := s.appender.AppendRoleLog(p.SprintID, roleID, p.Line); err != nil {
				s.log.WithError(err).Warn("append role log failed")
			}
		}
	}()
}

// Stop detaches the sink and waits for the drain goroutine.
func (s *RoleLogSink) Stop() {
	s.sub.Close()
	s.wg.Wait()
}

package scheduler

import (
	"time"

	logx "postbot/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

// reportEnqueueError logs a dropped firing, at most once per trigger per
// enqueueWarnThrottle.
func (s *Service) reportEnqueueError(id string, err error) {
	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[id]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[id] = now
	s.enqMu.Unlock()

	s.log.Warn("trigger firing dropped", logx.String("id", id), logx.Err(err))
}

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"postbot/internal/eventbus"
	"postbot/internal/task/engine"
	logx "postbot/pkg/logx"
)

var (
	ErrInvalidTrigger = errors.New("scheduler: invalid trigger")
	ErrInvalidCron    = errors.New("invalid cron expression")
)

// ScheduleOnce registers a one-shot trigger for id, replacing any trigger
// already registered under it. A past instant fires immediately.
func (s *Service) ScheduleOnce(id string, at time.Time, cmd Command, fn Handler) error {
	id = strings.TrimSpace(id)
	if id == "" || fn == nil || at.IsZero() {
		return fmt.Errorf("%w: id, time and handler are required", ErrInvalidTrigger)
	}
	cmd.ID, cmd.Kind, cmd.At = id, KindOnce, at

	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaceLocked(&trigger{cmd: cmd, fn: fn, at: at})
	s.log.Debug("once trigger registered",
		logx.String("id", id),
		logx.String("at", at.In(s.loc).Format(time.RFC3339)),
		logx.String("origin", string(cmd.Origin)))
	return nil
}

// ScheduleRecurring registers a cron trigger for id, replacing any trigger
// already registered under it.
func (s *Service) ScheduleRecurring(id, expr string, cmd Command, fn Handler) error {
	id = strings.TrimSpace(id)
	if id == "" || fn == nil {
		return fmt.Errorf("%w: id and handler are required", ErrInvalidTrigger)
	}
	sched, err := parseCron(s.parser, expr)
	if err != nil {
		return err
	}
	cmd.ID, cmd.Kind, cmd.At = id, KindRecurring, time.Time{}

	s.mu.Lock()
	defer s.mu.Unlock()
	tr := &trigger{cmd: cmd, fn: fn, spec: strings.TrimSpace(expr), schedule: sched}
	s.replaceLocked(tr)
	s.log.Debug("recurring trigger registered",
		logx.String("id", id),
		logx.String("cron", tr.spec),
		logx.String("next", sched.Next(s.now().In(s.loc)).Format(time.RFC3339)))
	return nil
}

// Remove disarms the trigger for id. A firing already handed to the executor
// but not yet started is discarded; a running handler is not interrupted.
// It reports whether a trigger existed.
func (s *Service) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.triggers[id]
	if !ok {
		return false
	}
	s.disarmLocked(tr)
	delete(s.triggers, id)
	s.log.Debug("trigger removed", logx.String("id", id))
	return true
}

// Exists reports whether a live trigger is registered for id.
func (s *Service) Exists(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.triggers[id]
	return ok
}

func (s *Service) replaceLocked(tr *trigger) {
	if old, ok := s.triggers[tr.cmd.ID]; ok {
		s.disarmLocked(old)
	}
	s.triggers[tr.cmd.ID] = tr
	if s.c != nil {
		s.armLocked(tr)
	}
}

func (s *Service) armLocked(tr *trigger) {
	switch tr.cmd.Kind {
	case KindOnce:
		if tr.fired || tr.timer != nil {
			return
		}
		delay := max(tr.at.Sub(s.now()), 0)
		tr.timer = time.AfterFunc(delay, func() { s.fire(tr) })
	case KindRecurring:
		if tr.entryID != 0 {
			return
		}
		tr.entryID = s.c.Schedule(tr.schedule, cron.FuncJob(func() { s.fire(tr) }))
	}
}

func (s *Service) disarmLocked(tr *trigger) {
	tr.removed = true
	if tr.timer != nil {
		tr.timer.Stop()
		tr.timer = nil
	}
	if tr.entryID != 0 && s.c != nil {
		s.c.Remove(tr.entryID)
	}
	tr.entryID = 0
}

// fire runs on the timer or cron goroutine and only enqueues.
func (s *Service) fire(tr *trigger) {
	id := tr.cmd.ID
	s.mu.Lock()
	if tr.removed || s.triggers[id] != tr || tr.fired {
		s.mu.Unlock()
		return
	}
	if tr.cmd.Kind == KindOnce {
		tr.fired = true
		tr.timer = nil
	}
	exec := s.exec
	s.mu.Unlock()

	ev := TriggerEvent{ID: id, Kind: tr.cmd.Kind, Origin: tr.cmd.Origin}
	err := exec.Enqueue(engine.Task{
		Name: "trigger:" + id,
		Run:  func(ctx context.Context) error { return s.run(ctx, tr) },
	})
	if err != nil {
		if tr.cmd.Kind == KindOnce {
			s.mu.Lock()
			if s.triggers[id] == tr {
				delete(s.triggers, id)
			}
			s.mu.Unlock()
		}
		ev.Error = err.Error()
		s.publish(eventbus.TriggerDropped, ev)
		s.reportEnqueueError(id, err)
		return
	}
	s.publish(eventbus.TriggerFired, ev)
}

// run executes on an engine worker. The removed check and the once
// consumption happen under s.mu, so a Remove that returned earlier always
// wins.
func (s *Service) run(ctx context.Context, tr *trigger) error {
	s.mu.Lock()
	if tr.removed {
		s.mu.Unlock()
		s.log.Debug("trigger removed before dispatch", logx.String("id", tr.cmd.ID))
		return nil
	}
	if tr.cmd.Kind == KindOnce && s.triggers[tr.cmd.ID] == tr {
		delete(s.triggers, tr.cmd.ID)
	}
	s.mu.Unlock()
	return tr.fn(ctx, tr.cmd)
}

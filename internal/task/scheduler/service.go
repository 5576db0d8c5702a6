package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"postbot/internal/eventbus"
	logx "postbot/pkg/logx"
)

func New(cfg Config, exec Executor, log logx.Logger, bus eventbus.Bus) *Service {
	s := &Service{
		cfg:         cfg,
		log:         log.With(logx.String("comp", "scheduler")),
		bus:         bus,
		exec:        exec,
		parser:      standardParser,
		triggers:    map[string]*trigger{},
		lastEnqWarn: map[string]time.Time{},
		now:         time.Now,
	}
	s.loc = s.loadLocation(cfg.Timezone)
	return s
}

// Location returns the reference timezone used for cron evaluation.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

// Apply swaps the timezone. Recurring triggers are re-registered on a new
// cron instance; one-shot triggers are absolute instants and stay armed.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if strings.TrimSpace(cfg.Timezone) == oldTZ {
		return
	}
	s.loc = s.loadLocation(cfg.Timezone)
	if s.c == nil {
		return
	}
	// Jobs of the old instance may still be calling fire, which takes s.mu,
	// so the old cron is not waited on here.
	s.c.Stop()
	s.c = s.newCronLocked()
	for _, tr := range s.triggers {
		if tr.cmd.Kind == KindRecurring {
			tr.entryID = 0
			s.armLocked(tr)
		}
	}
	s.c.Start()
	s.log.Info("timezone changed", logx.String("tz", s.loc.String()), logx.Int("triggers", len(s.triggers)))
}

// Start arms every registered trigger. Triggers registered before Start are
// held and armed here.
func (s *Service) Start(ctx context.Context) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.c = s.newCronLocked()
	for _, tr := range s.triggers {
		s.armLocked(tr)
	}
	s.c.Start()
	s.log.Info("trigger engine started", logx.String("tz", s.loc.String()), logx.Int("triggers", len(s.triggers)))
}

// Stop disarms all timers. Registrations are kept so a later Start re-arms
// them.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, tr := range s.triggers {
		if tr.timer != nil {
			tr.timer.Stop()
			tr.timer = nil
		}
		tr.entryID = 0
	}
	s.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("trigger engine stopped")
}

func (s *Service) newCronLocked() *cron.Cron {
	cl := cronLogger{log: s.log}
	return cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	)
}

func (s *Service) loadLocation(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to UTC", logx.String("tz", tz), logx.Err(err))
		return time.UTC
	}
	return loc
}

func (s *Service) publish(typ string, ev TriggerEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
	}
}

// cronLogger routes robfig/cron's logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}

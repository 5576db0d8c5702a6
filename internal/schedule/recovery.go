package schedule

import (
	"context"
	"fmt"

	"postbot/internal/storage"
	"postbot/internal/task/scheduler"
	logx "postbot/pkg/logx"
)

// Recover re-registers live triggers for every stored record. It runs once at
// startup, before command intake begins.
//
// Recurring records are always registered. A once record is registered only
// when its time is strictly in the future; older ones stay in the store
// untouched. Bad records are logged and skipped. Only a failure to read the
// store is returned.
func (s *Service) Recover(ctx context.Context) (Report, error) {
	recs, err := s.store.List(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("recovery: list schedules: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rep := Report{Total: len(recs)}
	now := s.now()
	loc := s.loc()
	for _, r := range recs {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		switch r.Kind {
		case storage.KindRecurring:
			if err := s.register(r, When{Kind: scheduler.KindRecurring, CronExpr: r.CronExpr}, scheduler.OriginRecovered); err != nil {
				rep.Failed++
				s.log.Error("recovery: recurring schedule not restored", logx.String("id", r.ID), logx.Err(err))
				continue
			}
			rep.Registered++
		case storage.KindOnce:
			at, err := ParseStoredTime(r.FireAt, loc)
			if err != nil {
				rep.Failed++
				s.log.Warn("recovery: unreadable fire time", logx.String("id", r.ID), logx.String("fire_at", r.FireAt), logx.Err(err))
				continue
			}
			if !at.After(now) {
				rep.Skipped++
				continue
			}
			if err := s.register(r, When{Kind: scheduler.KindOnce, At: at}, scheduler.OriginRecovered); err != nil {
				rep.Failed++
				s.log.Error("recovery: once schedule not restored", logx.String("id", r.ID), logx.Err(err))
				continue
			}
			rep.Registered++
		default:
			rep.Failed++
			s.log.Warn("recovery: unknown record kind", logx.String("id", r.ID), logx.String("kind", string(r.Kind)))
		}
	}
	s.log.Info("recovery finished",
		logx.Int("total", rep.Total),
		logx.Int("registered", rep.Registered),
		logx.Int("skipped", rep.Skipped),
		logx.Int("failed", rep.Failed))
	return rep, nil
}

package scheduler

import (
	"sort"
	"time"
)

// Snapshot lists live triggers sorted by id, with their next fire time.
func (s *Service) Snapshot() []TriggerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().In(s.loc)
	out := make([]TriggerInfo, 0, len(s.triggers))
	for id, tr := range s.triggers {
		it := TriggerInfo{ID: id, Kind: tr.cmd.Kind, DestinationID: tr.cmd.DestinationID, Pending: tr.fired}
		switch tr.cmd.Kind {
		case KindOnce:
			it.Next = tr.at.In(s.loc)
		case KindRecurring:
			it.Spec = tr.spec
			it.Next = tr.schedule.Next(now)
		}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// NextFire returns the next fire time of the live trigger for id.
func (s *Service) NextFire(id string) (next time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.triggers[id]
	if !ok {
		return time.Time{}, false
	}
	if tr.cmd.Kind == KindOnce {
		return tr.at.In(s.loc), true
	}
	return tr.schedule.Next(s.now().In(s.loc)), true
}

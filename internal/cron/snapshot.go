package cron

import "sort"

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	tz := s.cfg.Timezone
	if tz == "" {
		if s.loc != nil {
			tz = s.loc.String()
		} else {
			tz = "UTC"
		}
	}
	items := make([]EntryInfo, 0, len(s.defs))
	for _, d := range s.defs {
		it := EntryInfo{
			Name:    d.entry.Name(),
			JobType: d.entry.JobType,
			Queue:   d.entry.Queue,
			Spec:    d.spec,
			Spread:  d.spread,
			Fired:   d.fired.Load(),
			Skipped: d.skipped.Load(),
		}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })

	return Snapshot{
		Enabled:  s.cfg.Enabled,
		Running:  s.c != nil,
		Timezone: tz,
		Entries:  items,
	}
}

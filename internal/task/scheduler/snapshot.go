package scheduler

import (
	"slices"
	"strings"
	"time"

	"autoposter/internal/task/engine"
)

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	tz := strings.TrimSpace(s.cfg.Timezone)
	loc := s.loc
	autos := make([]AutomationInfo, 0, len(s.autos))
	armed := 0
	for _, e := range s.autos {
		if e.state == StateArmed {
			armed++
		}
		autos = append(autos, AutomationInfo{ID: e.id, State: e.state, Interval: e.iv.Label(), Next: e.next, Fires: e.fires})
	}
	posts := make([]PostInfo, 0, len(s.posts))
	for _, p := range s.posts {
		posts = append(posts, PostInfo{ID: p.id, Next: p.next})
	}
	eng := s.engine
	s.mu.Unlock()

	if tz == "" && loc != nil {
		tz = loc.String()
	}
	slices.SortFunc(autos, func(a, b AutomationInfo) int { return strings.Compare(a.ID, b.ID) })
	slices.SortFunc(posts, func(a, b PostInfo) int { return a.Next.Compare(b.Next) })

	snap := Snapshot{
		Enabled:     enabled,
		Timezone:    tz,
		Armed:       armed + len(posts),
		Automations: autos,
		Posts:       posts,
	}
	if eng != nil {
		snap.Engine = eng.Snapshot()
		// Surface effective retry defaults used by the executor.
		snap.TaskOptions = engine.DefaultTaskOptions(engine.Config{RetryMax: snap.Engine.RetryMax})
	}
	return snap
}

// NextFire returns the pending fire time of an automation, zero if none.
func (s *Service) NextFire(id string) time.Time {
	_, next := s.StateOf(id)
	return next
}

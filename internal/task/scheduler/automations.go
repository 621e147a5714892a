package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"autoposter/internal/domain"
	"autoposter/internal/task/engine"
	logx "autoposter/pkg/logx"

	"github.com/robfig/cron/v3"
)

// RunKey is the task engine overlap key shared by timer and manual runs
// of one automation.
func RunKey(id string) string { return "automation:" + id }

// instantRetryDelay spaces retries of an instant automation whose single
// scheduled run could not be enqueued.
const instantRetryDelay = 30 * time.Second

// Arm schedules an active automation. Next fire: immediately if it never
// ran, otherwise lastRunAt + interval; a time already in the past fires
// once, now. An active instant automation always fires now. With the scheduler disabled it only validates; Start arms
// everything from the store later.
func (s *Service) Arm(a domain.Automation) error {
	if !s.Enabled() {
		if a.Status != domain.StatusActive {
			return fmt.Errorf("%w: automation %s is %s", domain.ErrNotActive, a.ID, a.Status)
		}
		_, _, err := s.parse(a)
		return err
	}
	return s.arm(a, false)
}

func (s *Service) arm(a domain.Automation, startup bool) error {
	if a.Status != domain.StatusActive {
		return fmt.Errorf("%w: automation %s is %s", domain.ErrNotActive, a.ID, a.Status)
	}
	iv, sched, err := s.parse(a)
	if err != nil {
		return err
	}
	now := s.clock.Now()

	s.mu.Lock()
	e := s.entryLocked(a.ID)
	stopTimer(e.timer)
	e.iv, e.sched = iv, sched
	next, ok := s.firstFire(iv, sched, a.LastRunAt, now)
	if !ok {
		e.ver++
		e.state, e.next, e.timer = StateCompleted, time.Time{}, nil
		s.mu.Unlock()
		s.updateArmed()
		return nil
	}
	if startup && !next.After(now) && s.cfg.StartupSpread > 0 {
		next = now.Add(startupDelay(s.cfg.StartupSpread, a.ID))
	}
	s.armLocked(e, next, now)
	s.mu.Unlock()
	s.updateArmed()

	s.log.Debug("automation armed", logx.String("automation", a.ID), logx.String("interval", iv.Label()), logx.Time("next", next))
	return nil
}

// Pause cancels the pending timer. An in-flight run is unaffected.
func (s *Service) Pause(id string) {
	s.mu.Lock()
	e := s.entryLocked(id)
	stopTimer(e.timer)
	e.ver++
	e.state, e.next, e.timer = StatePaused, time.Time{}, nil
	s.mu.Unlock()
	s.updateArmed()
	s.log.Debug("automation paused", logx.String("automation", id))
}

// Resume re-arms relative to now, not to the missed fire time.
func (s *Service) Resume(a domain.Automation) error {
	if a.Status != domain.StatusActive {
		return fmt.Errorf("%w: automation %s is %s", domain.ErrNotActive, a.ID, a.Status)
	}
	iv, sched, err := s.parse(a)
	if err != nil || !s.Enabled() {
		return err
	}
	now := s.clock.Now()

	s.mu.Lock()
	e := s.entryLocked(a.ID)
	stopTimer(e.timer)
	e.iv, e.sched = iv, sched
	if iv.Instant {
		s.armLocked(e, now, now)
	} else {
		s.armLocked(e, s.nextAfterLocked(e, now), now)
	}
	next := e.next
	s.mu.Unlock()
	s.updateArmed()
	s.log.Debug("automation resumed", logx.String("automation", a.ID), logx.Time("next", next))
	return nil
}

// Remove forgets the automation; a callback already racing the removal
// sees a new version and does nothing. Idempotent.
func (s *Service) Remove(id string) {
	s.mu.Lock()
	if e, ok := s.autos[id]; ok {
		stopTimer(e.timer)
		e.ver++
		e.state = StateDeleted
		delete(s.autos, id)
	}
	s.mu.Unlock()
	s.updateArmed()
}

// StateOf returns the scheduler state of one automation; StateIdle if the
// scheduler has never seen it.
func (s *Service) StateOf(id string) (State, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.autos[id]
	if !ok {
		return StateIdle, time.Time{}
	}
	return e.state, e.next
}

// ValidateInterval checks an interval spec, including cron expressions.
func (s *Service) ValidateInterval(spec string) error {
	iv, err := domain.ParseInterval(spec)
	if err != nil {
		return err
	}
	if iv.Cron != "" {
		if _, err := s.cronSchedule(iv.Cron); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) parse(a domain.Automation) (domain.Interval, cron.Schedule, error) {
	iv, err := a.Interval()
	if err != nil {
		return iv, nil, err
	}
	if iv.Cron == "" {
		return iv, nil, nil
	}
	sched, err := s.cronSchedule(iv.Cron)
	return iv, sched, err
}

func (s *Service) entryLocked(id string) *autoEntry {
	e := s.autos[id]
	if e == nil {
		e = &autoEntry{id: id, state: StateIdle}
		s.autos[id] = e
	}
	return e
}

func (s *Service) armLocked(e *autoEntry, next, now time.Time) {
	e.ver++
	ver, id := e.ver, e.id
	e.state, e.next = StateArmed, next
	e.timer = s.clock.AfterFunc(max(next.Sub(now), 0), func() { s.fire(id, ver) })
}

func (s *Service) firstFire(iv domain.Interval, sched cron.Schedule, last *time.Time, now time.Time) (time.Time, bool) {
	var next time.Time
	switch {
	case iv.Instant:
		// Only a scheduled run completes an instant automation, so one
		// still active has not had it yet, whatever manual runs did.
		return now, true
	case sched != nil:
		base := now
		if last != nil {
			base = *last
		}
		next = sched.Next(base.In(s.loc))
	default:
		if last == nil {
			return now, true
		}
		next = last.Add(iv.Every)
	}
	if next.IsZero() {
		return time.Time{}, false
	}
	if next.Before(now) {
		next = now
	}
	return next, true
}

func (s *Service) nextAfterLocked(e *autoEntry, now time.Time) time.Time {
	if e.sched != nil {
		return e.sched.Next(now.In(s.loc))
	}
	return now.Add(e.iv.Every)
}

func (s *Service) fire(id string, ver uint64) {
	s.mu.Lock()
	e := s.autos[id]
	if e == nil || e.ver != ver || e.state != StateArmed {
		s.mu.Unlock()
		return
	}
	e.state = StateFiring
	e.fires++
	runTimeout := s.cfg.RunTimeout
	s.mu.Unlock()

	// The store is the authority: a pause or delete that raced the timer
	// wins.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	a, err := s.store.Get(ctx, id)
	cancel()
	enqueued := false
	switch {
	case errors.Is(err, domain.ErrNotFound):
		s.log.Debug("fire dropped: automation gone", logx.String("automation", id))
		s.Remove(id)
		return
	case err != nil:
		s.log.Warn("fire skipped: store read failed", logx.String("automation", id), logx.Err(err))
	case a.Status != domain.StatusActive:
		s.mu.Lock()
		if e.ver == ver {
			e.state, e.next = stateForStatus(a.Status), time.Time{}
		}
		s.mu.Unlock()
		s.updateArmed()
		s.log.Debug("fire dropped: automation not active", logx.String("automation", id), logx.String("status", string(a.Status)))
		return
	default:
		enqueued = s.enqueueRun(id, runTimeout)
	}

	now := s.clock.Now()
	s.mu.Lock()
	if s.autos[id] != e || e.ver != ver || e.state != StateFiring {
		s.mu.Unlock()
		return
	}
	switch {
	case e.iv.Instant && enqueued:
		e.state, e.next, e.timer = StateCompleted, time.Time{}, nil
	case e.iv.Instant:
		// The one scheduled run never started; try again shortly.
		s.armLocked(e, now.Add(instantRetryDelay), now)
	default:
		s.armLocked(e, s.nextAfterLocked(e, now), now)
	}
	next := e.next
	s.mu.Unlock()
	s.updateArmed()
	if !next.IsZero() {
		s.log.Debug("automation re-armed", logx.String("automation", id), logx.Time("next", next))
	}
}

// enqueueRun reports whether the run was accepted by the task engine.
func (s *Service) enqueueRun(id string, timeout time.Duration) bool {
	name := "run:" + id
	err := s.engine.Enqueue(engine.Task{
		Name:    name,
		Timeout: timeout,
		State:   s.engine.StateFor(RunKey(id)),
		Opt:     engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning},
		Run: func(ctx context.Context) error {
			return engine.NoRetry(s.runner.RunAutomation(ctx, id))
		},
	})
	s.reportEnqueueError(name, err)
	return err == nil
}

func stateForStatus(st domain.Status) State {
	switch st {
	case domain.StatusPaused:
		return StatePaused
	case domain.StatusCompleted:
		return StateCompleted
	case domain.StatusDeleted:
		return StateDeleted
	}
	return StateIdle
}

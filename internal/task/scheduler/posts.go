package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"autoposter/internal/domain"
	"autoposter/internal/task/engine"
	logx "autoposter/pkg/logx"
)

// ArmPost sets (or replaces) the timer of a scheduled post. A due time in
// the past fires once, now.
func (s *Service) ArmPost(p domain.ScheduledPost) {
	if p.Status != domain.PostScheduled {
		s.CancelPost(p.ID)
		return
	}
	if !s.Enabled() {
		return
	}
	s.armPostAt(p.ID, p.DueAt())
}

func (s *Service) armPostAt(id string, at time.Time) {
	now := s.clock.Now()
	s.mu.Lock()
	e := s.posts[id]
	if e == nil {
		e = &postEntry{id: id}
		s.posts[id] = e
	}
	stopTimer(e.timer)
	e.ver++
	ver := e.ver
	e.next = at
	e.timer = s.clock.AfterFunc(max(at.Sub(now), 0), func() { s.firePost(id, ver) })
	s.mu.Unlock()
	s.updateArmed()
	s.log.Debug("post armed", logx.String("post", id), logx.Time("at", at))
}

// CancelPost drops the post's timer. Idempotent.
func (s *Service) CancelPost(id string) {
	s.mu.Lock()
	if e, ok := s.posts[id]; ok {
		stopTimer(e.timer)
		delete(s.posts, id)
	}
	s.mu.Unlock()
	s.updateArmed()
}

func (s *Service) firePost(id string, ver uint64) {
	s.mu.Lock()
	e := s.posts[id]
	if e == nil || e.ver != ver {
		s.mu.Unlock()
		return
	}
	delete(s.posts, id)
	cfg := s.cfg
	s.mu.Unlock()
	s.updateArmed()

	name := "post:" + id
	err := s.engine.Enqueue(engine.Task{
		Name:    name,
		Timeout: cfg.RunTimeout,
		Opt:     engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning},
		Run: func(ctx context.Context) error {
			return engine.NoRetry(s.deliverPost(ctx, id))
		},
	})
	if err != nil && !errors.Is(err, engine.ErrOverlapSkip) {
		s.reportEnqueueError(name, err)
		if s.running() {
			s.armPostAt(id, s.clock.Now().Add(cfg.PostRetryDelay))
		}
	}
}

// deliverPost sends one due post and moves it along its lifecycle: sent,
// rescheduled for the next day, retried later, or failed.
func (s *Service) deliverPost(ctx context.Context, id string) error {
	p, err := s.store.GetPost(ctx, id)
	if err != nil {
		return err
	}
	if p.Status != domain.PostScheduled {
		return nil
	}

	sendErr := s.runner.DeliverPost(ctx, p)
	now := s.clock.Now()

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	updated, err := s.store.UpdatePost(context.WithoutCancel(ctx), id, func(p *domain.ScheduledPost) error {
		if p.Status != domain.PostScheduled {
			// Cancelled while sending.
			return nil
		}
		p.NextAttemptAt = nil
		if sendErr == nil {
			t := now
			p.LastSentAt, p.LastError, p.Attempts = &t, "", 0
			if p.RepeatDaily {
				p.FireAt = s.nextDaily(p.FireAt, now)
			} else {
				p.Status = domain.PostSent
			}
			return nil
		}

		p.Attempts++
		p.LastError = sendErr.Error()
		switch {
		case p.Attempts < cfg.PostMaxAttempts:
			t := now.Add(cfg.PostRetryDelay)
			p.NextAttemptAt = &t
		case p.RepeatDaily:
			p.Attempts = 0
			p.FireAt = s.nextDaily(p.FireAt, now)
		default:
			p.Status = domain.PostFailed
		}
		return nil
	})
	if err != nil {
		s.log.Error("post update failed", logx.String("post", id), logx.Err(err))
		return errors.Join(sendErr, err)
	}

	switch updated.Status {
	case domain.PostScheduled:
		if s.running() {
			s.ArmPost(updated)
		}
	case domain.PostFailed:
		s.log.Warn("post failed", logx.String("post", id), logx.Int("attempts", updated.Attempts), logx.String("err", updated.LastError))
	}
	if sendErr != nil {
		return fmt.Errorf("deliver post %s: %w", id, sendErr)
	}
	return nil
}

// nextDaily is the first occurrence of fireAt's time of day (scheduler
// timezone) strictly after both fireAt and now.
func (s *Service) nextDaily(fireAt, now time.Time) time.Time {
	loc := s.location()
	f := fireAt.In(loc)
	sched, err := s.cronSchedule(fmt.Sprintf("%d %d %d * * *", f.Second(), f.Minute(), f.Hour()))
	if err != nil {
		// Unreachable for in-range clock fields.
		return fireAt.Add(24 * time.Hour)
	}
	from := now
	if fireAt.After(now) {
		from = fireAt
	}
	return sched.Next(from.In(loc))
}

// Package poster is the operation surface of autoposter: every exposed
// operation goes through Service, which keeps the store, the scheduler and
// the task engine consistent with each other.
package poster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"autoposter/internal/domain"
	"autoposter/internal/messaging"
	"autoposter/internal/task/engine"
	"autoposter/internal/task/scheduler"
	logx "autoposter/pkg/logx"

	"github.com/samber/lo"
)

// Store is the subset of *automation.Store the service needs.
type Store interface {
	Create(ctx context.Context, spec domain.Spec) (domain.Automation, error)
	Get(ctx context.Context, id string) (domain.Automation, error)
	List(ctx context.Context) ([]domain.Automation, error)
	SetStatus(ctx context.Context, id string, status domain.Status) (domain.Automation, error)
	Delete(ctx context.Context, id string) error
	ResetFingerprints(ctx context.Context, id string) (domain.Automation, error)
	RecentRuns(ctx context.Context, id string, limit int) ([]domain.RunLog, error)

	CreatePost(ctx context.Context, spec domain.PostSpec) (domain.ScheduledPost, error)
	ListPosts(ctx context.Context) ([]domain.ScheduledPost, error)
	CancelPost(ctx context.Context, id string) (domain.ScheduledPost, error)
	DeletePost(ctx context.Context, id string) error
}

// Scheduler is the subset of *scheduler.Service the service needs.
type Scheduler interface {
	Arm(a domain.Automation) error
	Pause(id string)
	Resume(a domain.Automation) error
	Remove(id string)
	StateOf(id string) (scheduler.State, time.Time)
	ValidateInterval(spec string) error
	ArmPost(p domain.ScheduledPost)
	CancelPost(id string)
	Snapshot() scheduler.Snapshot
}

// Engine runs manual triggers under the same overlap gate as scheduled runs.
type Engine interface {
	Submit(ctx context.Context, t engine.Task) error
	StateFor(key string) *engine.RunState
	Forget(key string)
}

// Runner executes one run; *dispatch.Dispatcher implements it.
type Runner interface {
	RunOnce(ctx context.Context, id string, manual bool) (domain.RunResult, error)
}

// Session reports the messaging session; *messaging.Session implements it.
type Session interface {
	Status() messaging.Status
}

type Options struct {
	// RunTimeout bounds a manual run; zero leaves it to the engine default.
	RunTimeout time.Duration
}

type Service struct {
	store   Store
	sched   Scheduler
	engine  Engine
	runner  Runner
	session Session
	log     logx.Logger
	opt     Options
}

func New(store Store, sched Scheduler, eng Engine, runner Runner, session Session, log logx.Logger, opt Options) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		store:   store,
		sched:   sched,
		engine:  eng,
		runner:  runner,
		session: session,
		log:     log.With(logx.String("comp", "poster")),
		opt:     opt,
	}
}

// AutomationView is an automation plus its scheduler-derived state.
type AutomationView struct {
	domain.Automation
	IntervalLabel string          `json:"interval_label"`
	Schedule      scheduler.State `json:"schedule_state"`
	NextFire      *time.Time      `json:"next_fire,omitempty"`
}

func (s *Service) view(a domain.Automation) AutomationView {
	v := AutomationView{Automation: a, IntervalLabel: a.IntervalSpec}
	if iv, err := a.Interval(); err == nil {
		v.IntervalLabel = iv.Label()
	}
	st, next := s.sched.StateOf(a.ID)
	v.Schedule = st
	if !next.IsZero() {
		v.NextFire = &next
	}
	return v
}

// CreateAutomation validates and persists spec, then arms it.
func (s *Service) CreateAutomation(ctx context.Context, spec domain.Spec) (AutomationView, error) {
	if err := s.sched.ValidateInterval(spec.IntervalSpec); err != nil {
		return AutomationView{}, err
	}
	a, err := s.store.Create(ctx, spec)
	if err != nil {
		return AutomationView{}, err
	}
	if err := s.sched.Arm(a); err != nil {
		// The record exists; it will be armed on the next start.
		s.log.Error("automation created but not armed", logx.String("automation", a.ID), logx.Err(err))
	}
	return s.view(a), nil
}

// ListAutomations returns every automation, oldest first.
func (s *Service) ListAutomations(ctx context.Context) ([]AutomationView, error) {
	list, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return lo.Map(list, func(a domain.Automation, _ int) AutomationView { return s.view(a) }), nil
}

func (s *Service) GetAutomation(ctx context.Context, id string) (AutomationView, error) {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return AutomationView{}, err
	}
	return s.view(a), nil
}

// PauseResume toggles between active and paused. Completed automations
// cannot be toggled.
func (s *Service) PauseResume(ctx context.Context, id string) (AutomationView, error) {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return AutomationView{}, err
	}
	switch a.Status {
	case domain.StatusActive:
		// Store first, so a failed write leaves the timer armed. A fire
		// racing the update re-checks the status and drops itself.
		a, err = s.store.SetStatus(ctx, id, domain.StatusPaused)
		if err != nil {
			return AutomationView{}, err
		}
		s.sched.Pause(id)
	case domain.StatusPaused:
		a, err = s.store.SetStatus(ctx, id, domain.StatusActive)
		if err != nil {
			return AutomationView{}, err
		}
		if err := s.sched.Resume(a); err != nil {
			return AutomationView{}, err
		}
	case domain.StatusDeleted:
		return AutomationView{}, fmt.Errorf("%w: automation %s", domain.ErrNotFound, id)
	default:
		return AutomationView{}, fmt.Errorf("%w: automation %s is %s", domain.ErrInvalidTransition, id, a.Status)
	}
	return s.view(a), nil
}

// DeleteAutomation cancels pending fires and removes the record. A run
// already in flight finishes, but its result is dropped. Idempotent.
func (s *Service) DeleteAutomation(ctx context.Context, id string) error {
	s.sched.Remove(id)
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.engine.Forget(scheduler.RunKey(id))
	return nil
}

// TriggerNow runs the automation once, now, regardless of its schedule and
// of whether it is paused or completed, and waits for the result. It shares
// the scheduled runs' overlap gate, so a run already in flight yields
// ErrRunInProgress.
func (s *Service) TriggerNow(ctx context.Context, id string) (domain.RunResult, error) {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return domain.RunResult{}, err
	}
	if a.Status == domain.StatusDeleted {
		return domain.RunResult{}, fmt.Errorf("%w: automation %s", domain.ErrNotFound, id)
	}

	var res domain.RunResult
	done := make(chan error, 1)
	err = s.engine.Submit(ctx, engine.Task{
		Name:    "trigger:" + id,
		Timeout: s.opt.RunTimeout,
		State:   s.engine.StateFor(scheduler.RunKey(id)),
		Opt:     engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning, RetryMax: -1},
		Run: func(ctx context.Context) error {
			r, err := s.runner.RunOnce(ctx, id, true)
			res = r
			return engine.NoRetry(err)
		},
		Done: func(err error) { done <- err },
	})
	if errors.Is(err, engine.ErrOverlapSkip) {
		return domain.RunResult{}, fmt.Errorf("%w: automation %s", domain.ErrRunInProgress, id)
	}
	if err != nil {
		return domain.RunResult{}, err
	}

	select {
	case err := <-done:
		s.log.Info("manual run finished", logx.String("automation", id), logx.Int("sent", res.Sent), logx.Int("failed", res.Failed))
		return res, err
	case <-ctx.Done():
		// The run goes on and records its result; only the wait ends.
		return domain.RunResult{}, ctx.Err()
	}
}

// ResetDedup forgets every delivered item of an automation.
func (s *Service) ResetDedup(ctx context.Context, id string) (AutomationView, error) {
	a, err := s.store.ResetFingerprints(ctx, id)
	if err != nil {
		return AutomationView{}, err
	}
	s.log.Info("dedup memory reset", logx.String("automation", id))
	return s.view(a), nil
}

func (s *Service) RecentRuns(ctx context.Context, id string, limit int) ([]domain.RunLog, error) {
	return s.store.RecentRuns(ctx, id, limit)
}

// SchedulePost persists a post and arms its timer.
func (s *Service) SchedulePost(ctx context.Context, spec domain.PostSpec) (domain.ScheduledPost, error) {
	p, err := s.store.CreatePost(ctx, spec)
	if err != nil {
		return domain.ScheduledPost{}, err
	}
	s.sched.ArmPost(p)
	return p, nil
}

func (s *Service) CancelPost(ctx context.Context, id string) (domain.ScheduledPost, error) {
	s.sched.CancelPost(id)
	return s.store.CancelPost(ctx, id)
}

// DeletePost cancels the timer and drops the record, whatever its status.
func (s *Service) DeletePost(ctx context.Context, id string) error {
	s.sched.CancelPost(id)
	return s.store.DeletePost(ctx, id)
}

// ListPosts returns posts ordered by their next due time.
func (s *Service) ListPosts(ctx context.Context) ([]domain.ScheduledPost, error) {
	list, err := s.store.ListPosts(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].DueAt().Before(list[j].DueAt()) })
	return list, nil
}

func (s *Service) Groups() []domain.Group { return s.session.Status().Groups }

func (s *Service) SessionState() messaging.Status { return s.session.Status() }

// Snapshot is the diagnostic view served on /healthz.
type Snapshot struct {
	Session     messaging.Status          `json:"session"`
	Automations map[domain.Status]int     `json:"automations"`
	Posts       map[domain.PostStatus]int `json:"posts"`
	Scheduler   scheduler.Snapshot        `json:"scheduler"`
}

func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	autos, err := s.store.List(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	posts, err := s.store.ListPosts(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Session:     s.session.Status(),
		Automations: lo.CountValuesBy(autos, func(a domain.Automation) domain.Status { return a.Status }),
		Posts:       lo.CountValuesBy(posts, func(p domain.ScheduledPost) domain.PostStatus { return p.Status }),
		Scheduler:   s.sched.Snapshot(),
	}, nil
}

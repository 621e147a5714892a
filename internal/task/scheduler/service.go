package scheduler

import (
	"context"
	"strings"
	"time"

	"autoposter/internal/domain"
	"autoposter/internal/observability/metrics"
	"autoposter/internal/task/engine"
	logx "autoposter/pkg/logx"

	"github.com/robfig/cron/v3"
)

type Option func(*Service)

// WithClock replaces the wall clock (tests).
func WithClock(c Clock) Option { return func(s *Service) { s.clock = c } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

func New(cfg Config, store Store, runner Runner, eng *engine.Service, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:    cfg.withDefaults(),
		log:    log.With(logx.String("comp", "scheduler")),
		store:  store,
		runner: runner,
		engine: eng,
		clock:  realClock{},
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:      cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		autos:       map[string]*autoEntry{},
		posts:       map[string]*postEntry{},
		lastEnqWarn: map[string]time.Time{},
	}
	for _, o := range opts {
		o(s)
	}
	s.loc = loadLocation(s.cfg.Timezone, s.log)
	return s
}

// Enabled reports the current config flag. (Thread-safe; Apply() may run concurrently.)
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply swaps the config. A timezone change re-arms daily posts and cron
// automations under the new location.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	started := s.started
	tzChanged := oldTZ != strings.TrimSpace(cfg.Timezone)
	if tzChanged {
		s.loc = loadLocation(cfg.Timezone, s.log)
	}
	s.mu.Unlock()

	if !started || !tzChanged {
		return
	}
	s.log.Info("timezone changed, re-arming", logx.String("tz", cfg.Timezone))
	s.reload(ctx, false)
}

// Start arms every active automation and every scheduled post found in
// the store.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || !s.cfg.Enabled {
		en := s.cfg.Enabled
		s.mu.Unlock()
		if !en {
			s.log.Info("scheduler disabled")
		}
		return
	}
	s.started = true
	s.mu.Unlock()

	autos, posts := s.reload(ctx, true)
	s.log.Info("service started", logx.String("tz", s.location().String()), logx.Int("automations", autos), logx.Int("posts", posts))
}

func (s *Service) reload(ctx context.Context, startup bool) (int, int) {
	list, err := s.store.List(ctx)
	if err != nil {
		s.log.Error("load automations failed", logx.Err(err))
	}
	nAuto := 0
	for _, a := range list {
		if a.Status != domain.StatusActive {
			continue
		}
		if err := s.arm(a, startup); err != nil {
			s.log.Warn("automation not armed", logx.String("automation", a.ID), logx.Err(err))
			continue
		}
		nAuto++
	}

	posts, err := s.store.ListPosts(ctx)
	if err != nil {
		s.log.Error("load posts failed", logx.Err(err))
	}
	nPost := 0
	for _, p := range posts {
		if p.Status != domain.PostScheduled {
			continue
		}
		s.ArmPost(p)
		nPost++
	}
	return nAuto, nPost
}

// Stop cancels every pending timer. Definitions stay in the store so the
// next Start re-arms them.
func (s *Service) Stop(context.Context) {
	start := time.Now()
	s.mu.Lock()
	for _, e := range s.autos {
		stopTimer(e.timer)
	}
	for _, p := range s.posts {
		stopTimer(p.timer)
	}
	s.autos = map[string]*autoEntry{}
	s.posts = map[string]*postEntry{}
	s.started = false
	s.mu.Unlock()
	s.updateArmed()
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

func (s *Service) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *Service) updateArmed() {
	s.mu.Lock()
	n := 0
	for _, e := range s.autos {
		if e.state == StateArmed {
			n++
		}
	}
	n += len(s.posts)
	s.mu.Unlock()
	s.metrics.SetArmed(n)
}

func stopTimer(t Timer) {
	if t != nil {
		t.Stop()
	}
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone, using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

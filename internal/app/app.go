package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"autoposter/internal/automation"
	"autoposter/internal/config"
	"autoposter/internal/dispatch"
	"autoposter/internal/eventbus"
	"autoposter/internal/extract"
	"autoposter/internal/messaging"
	"autoposter/internal/observability/metrics"
	"autoposter/internal/observability/server"
	"autoposter/internal/poster"
	rtsup "autoposter/internal/runtime/supervisor"
	"autoposter/internal/storage"
	"autoposter/internal/task/engine"
	"autoposter/internal/task/scheduler"
	logx "autoposter/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	metrics *metrics.Metrics
	db      storage.Store

	session *messaging.Session
	sender  *dispatch.Sender
	browser *extract.BrowserFetcher

	engine *engine.Service
	sched  *scheduler.Service
	poster *poster.Service
	http   *server.Service
}

// New loads the config and builds the component graph. Nothing runs until
// Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	rc, err := mapRuntime(cfg)
	if err != nil {
		return nil, err
	}

	// The alert sink needs the sender, which does not exist yet; start
	// with alerts off and enable them once the sender is attached.
	bootLog := rc.log
	bootLog.Alert.Enabled = false
	logSvc, log := logx.New(bootLog)
	appLog := log.With(logx.String("comp", "app"))

	bus := eventbus.New()
	m := metrics.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	db, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	appLog.Info("storage opened", logx.String("driver", storageDriverName(sc.Driver)))

	var maxFP int
	if cfg.Dedup.MaxFingerprints != nil {
		maxFP = *cfg.Dedup.MaxFingerprints
	} else {
		maxFP = automation.DefaultMaxFingerprints
	}
	autos := automation.NewStore(db, log, automation.Options{MaxFingerprints: maxFP})

	provider, err := newProvider(cfg, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	session := messaging.NewSession(provider, bus, log, m)

	sender := dispatch.NewSender(rc.sender, session, log, bus, m)
	logSvc.SetAlertSender(sender)
	logSvc.Apply(rc.log)

	ec, err := mapExtractorConfig(cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	var (
		fetcher extract.Fetcher
		browser *extract.BrowserFetcher
	)
	switch ec.fetcher {
	case "browser":
		browser = extract.NewBrowserFetcher(ec.browser, log)
		fetcher = browser
	default:
		fetcher = extract.NewHTTPFetcher(ec.http)
	}
	pool := extract.NewPool(extract.NewHTMLExtractor(fetcher), ec.pool, log, m)

	disp := dispatch.New(autos, pool, sender, session, log, dispatch.Options{Bus: bus, Metrics: m})
	eng := engine.New(rc.engine, log.With(logx.String("comp", "taskengine")), bus)
	sched := scheduler.New(rc.sched, autos, disp, eng, log, scheduler.WithMetrics(m))
	svc := poster.New(autos, sched, eng, disp, session, log, poster.Options{RunTimeout: rc.sched.RunTimeout})

	httpSvc := server.New(rc.server, m, func(ctx context.Context) (any, error) {
		snap, err := svc.Snapshot(ctx)
		if err != nil {
			return nil, err
		}
		if snap.Session.State != messaging.StateReady {
			return snap, fmt.Errorf("session %s", snap.Session.State)
		}
		return snap, nil
	}, log)

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     appLog,
		logs:    logSvc,
		bus:     bus,
		metrics: m,
		db:      db,
		session: session,
		sender:  sender,
		browser: browser,
		engine:  eng,
		sched:   sched,
		poster:  svc,
		http:    httpSvc,
	}, nil
}

func newProvider(cfg *config.Config, log logx.Logger) (messaging.Provider, error) {
	mc := cfg.Messaging
	switch strings.ToLower(strings.TrimSpace(mc.Driver)) {
	case "", "log":
		return messaging.NewLogProvider(mapLogGroups(cfg), log), nil
	case "telegram":
		reqTimeout, err := config.ParseDurationField("messaging.telegram.request_timeout", mc.Telegram.RequestTimeout)
		if err != nil {
			return nil, err
		}
		health, err := config.ParseDurationField("messaging.telegram.health_interval", mc.Telegram.HealthInterval)
		if err != nil {
			return nil, err
		}
		return messaging.NewTelegramProvider(messaging.TelegramConfig{
			Token:          mc.Telegram.Token,
			Groups:         mc.Telegram.Groups,
			RequestTimeout: reqTimeout,
			HealthInterval: health,
			APIURL:         strings.TrimSpace(mc.Telegram.APIURL),
		}, log)
	default:
		return nil, fmt.Errorf("unknown messaging.driver: %s", mc.Driver)
	}
}

func storageDriverName(d string) string {
	if d == "" {
		return "memory"
	}
	return d
}

// Poster is the operation surface (create, trigger, pause, posts...).
func (a *App) Poster() *poster.Service { return a.poster }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapRuntime(cfg); err != nil {
			return err
		}
		_, err := mapExtractorConfig(cfg)
		return err
	})

	runCtx := a.sup.Context()
	a.sender.Start(runCtx)
	a.sup.GoRestart("messaging.session", a.session.Run, rtsup.WithRestartBackoff(time.Second, time.Minute))

	if a.engine.Enabled() {
		a.engine.Start(runCtx)
	}
	a.sched.Start(runCtx)
	a.seed(runCtx, a.cfgm.Get())

	if a.http.Enabled() {
		a.http.Start(runCtx)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// Keep this debug-level; schedulers publish a lot.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("config", a.cfgPath))
	return nil
}

func (a *App) seed(ctx context.Context, cfg *config.Config) {
	rep, err := seed(ctx, a.poster, cfg, a.log)
	if err != nil {
		a.log.Warn("config seeding incomplete", logx.Int("failed", rep.Failed), logx.Err(err))
	}
	if rep.Automations > 0 || rep.Posts > 0 {
		a.log.Info("config seeded", logx.Int("automations", rep.Automations), logx.Int("posts", rep.Posts))
	}
}

// applyConfig fans a validated config out to every live component.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if r := config.RestartRequired(sections); len(r) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.Strings("sections", r))
	}

	rc, err := mapRuntime(newCfg)
	if err != nil {
		// The validator already ran this; only a bug gets here.
		a.log.Error("config mapping failed; keeping previous", logx.Err(err))
		return
	}

	a.logs.Apply(rc.log)
	a.sender.Apply(rc.sender)

	prevEng := a.engine.Enabled()
	prevSched := a.sched.Enabled()
	a.engine.Apply(ctx, rc.engine)
	a.sched.Apply(ctx, rc.sched)

	// scheduler first on shutdown; engine first on startup
	if prevSched && !rc.sched.Enabled {
		a.log.Info("scheduler disabled via config")
		a.sched.Stop(ctx)
	}
	if prevEng && !rc.engine.Enabled {
		a.log.Info("task engine disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.engine.Stop(stopCtx)
		cancel()
	}
	if !prevEng && rc.engine.Enabled {
		a.log.Info("task engine enabled via config")
		a.engine.Start(ctx)
	}
	if !prevSched && rc.sched.Enabled {
		a.log.Info("scheduler enabled via config")
		a.sched.Start(ctx)
	}

	a.http.Reconfigure(ctx, rc.server)
	a.seed(ctx, newCfg)

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	var errs []error
	// step runs one shutdown step with an upper bound so a stuck component
	// can't stall the whole stop.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

		stepCtx := ctx
		if limit > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < limit {
					limit = max(rem, 0)
				}
			}
			if limit > 0 {
				var cancel context.CancelFunc
				stepCtx, cancel = context.WithTimeout(ctx, limit)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			if took := time.Since(start); took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	step("http", time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("sender", 3*time.Second, func(c context.Context) error { a.sender.Stop(c); return nil })
	step("session", 2*time.Second, a.session.Close)
	if a.browser != nil {
		step("browser", 2*time.Second, func(context.Context) error { return a.browser.Close() })
	}
	step("storage", time.Second, func(context.Context) error { return a.db.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}

package app

import (
	"fmt"
	"strings"
	"time"

	"autoposter/internal/config"
	"autoposter/internal/dispatch"
	"autoposter/internal/domain"
	"autoposter/internal/extract"
	"autoposter/internal/observability/server"
	"autoposter/internal/storage"
	"autoposter/internal/task/engine"
	"autoposter/internal/task/scheduler"
	logx "autoposter/pkg/logx"

	"github.com/samber/lo"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alert: logx.AlertConfig{
			Enabled:     l.Alert.Enabled,
			Destination: strings.TrimSpace(l.Alert.Destination),
			MinLevel:    l.Alert.MinLevel,
			RatePerSec:  l.Alert.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
	}, nil
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	te := cfg.TaskEngine
	if cfg.SchedulerEnabled() && !cfg.TaskEngineEnabled() {
		return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
	}
	out := engine.Config{
		Enabled:     cfg.TaskEngineEnabled(),
		Workers:     te.Workers,
		QueueSize:   te.QueueSize,
		HistorySize: te.HistorySize,
		// A failed run is recorded and waits for its next fire.
		RetryMax: -1,
	}
	if out.Workers <= 0 {
		out.Workers = 4
	}
	if out.QueueSize <= 0 {
		out.QueueSize = 256
	}
	if out.HistorySize <= 0 {
		out.HistorySize = 200
	}
	if te.RetryMax > 0 {
		out.RetryMax = te.RetryMax
	}
	var err error
	if out.DefaultTimeout, err = config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	out := scheduler.Config{
		Enabled:         cfg.SchedulerEnabled(),
		Timezone:        strings.TrimSpace(sc.Timezone),
		PostMaxAttempts: sc.PostMaxAttempts,
	}
	var err error
	if out.RunTimeout, err = config.ParseDurationField("scheduler.run_timeout", sc.RunTimeout); err != nil {
		return scheduler.Config{}, err
	}
	if out.PostRetryDelay, err = config.ParseDurationField("scheduler.post_retry_delay", sc.PostRetryDelay); err != nil {
		return scheduler.Config{}, err
	}
	if out.StartupSpread, err = config.ParseDurationField("scheduler.startup_spread", sc.StartupSpread); err != nil {
		return scheduler.Config{}, err
	}
	return out, nil
}

func mapSenderConfig(cfg *config.Config) (dispatch.SenderConfig, error) {
	dc := cfg.Dispatcher
	def := dispatch.DefaultSenderConfig()
	out := dispatch.SenderConfig{
		RetryMax:  def.RetryMax,
		QueueSize: dc.QueueSize,
	}
	if dc.RetryMax != nil {
		out.RetryMax = *dc.RetryMax
	}
	var err error
	if out.Interval, err = config.ParseDurationOrDefault("dispatcher.send_interval", dc.SendInterval, def.Interval); err != nil {
		return dispatch.SenderConfig{}, err
	}
	if out.RetryBase, err = config.ParseDurationOrDefault("dispatcher.retry_base", dc.RetryBase, def.RetryBase); err != nil {
		return dispatch.SenderConfig{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationOrDefault("dispatcher.retry_max_delay", dc.RetryMaxDelay, def.RetryMaxDelay); err != nil {
		return dispatch.SenderConfig{}, err
	}
	if out.SendTimeout, err = config.ParseDurationOrDefault("dispatcher.send_timeout", dc.SendTimeout, def.SendTimeout); err != nil {
		return dispatch.SenderConfig{}, err
	}
	return out, nil
}

type extractorConfig struct {
	fetcher string
	http    extract.HTTPConfig
	browser extract.BrowserConfig
	pool    extract.PoolConfig
}

func mapExtractorConfig(cfg *config.Config) (extractorConfig, error) {
	ec := cfg.Extractor
	timeout, err := config.ParseDurationOrDefault("extractor.timeout", ec.Timeout, extract.DefaultTimeout)
	if err != nil {
		return extractorConfig{}, err
	}
	fetcher := strings.ToLower(strings.TrimSpace(ec.Fetcher))
	if fetcher == "" {
		fetcher = "http"
	}
	return extractorConfig{
		fetcher: fetcher,
		http:    extract.HTTPConfig{Timeout: timeout, MaxBytes: ec.MaxBytes, UserAgent: ec.UserAgent},
		browser: extract.BrowserConfig{
			RemoteURL: strings.TrimSpace(ec.Browser.RemoteURL),
			Bin:       strings.TrimSpace(ec.Browser.Bin),
			Stealth:   ec.Browser.Stealth,
		},
		pool: extract.PoolConfig{Size: ec.PoolSize, Timeout: timeout},
	}, nil
}

func mapLogGroups(cfg *config.Config) []domain.Group {
	return lo.Map(cfg.Messaging.Groups, func(g config.GroupConfig, _ int) domain.Group {
		name := strings.TrimSpace(g.Name)
		if name == "" {
			name = g.ID
		}
		return domain.Group{ID: strings.TrimSpace(g.ID), DisplayName: name, MemberCount: g.Members}
	})
}

func mapServerConfig(cfg *config.Config) (server.Config, error) {
	oc := cfg.Observability
	out := server.Config{
		Enabled:              oc.Enabled,
		Addr:                 strings.TrimSpace(oc.Addr),
		Token:                strings.TrimSpace(oc.Token),
		AllowInsecure:        oc.AllowInsecure,
		Pprof:                oc.Pprof,
		PprofPrefix:          oc.PprofPrefix,
		MutexProfileFraction: oc.MutexProfileFraction,
		BlockProfileRate:     oc.BlockProfileRate,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("observability.read_timeout", oc.ReadTimeout, 10*time.Second); err != nil {
		return server.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("observability.write_timeout", oc.WriteTimeout); err != nil {
		return server.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("observability.idle_timeout", oc.IdleTimeout, 60*time.Second); err != nil {
		return server.Config{}, err
	}
	return out, nil
}

// runtimeConfigs is everything that can change on a hot reload.
type runtimeConfigs struct {
	log    logx.Config
	engine engine.Config
	sched  scheduler.Config
	sender dispatch.SenderConfig
	server server.Config
}

func mapRuntime(cfg *config.Config) (runtimeConfigs, error) {
	var (
		rc  runtimeConfigs
		err error
	)
	rc.log = mapLogConfig(cfg)
	if rc.engine, err = mapTaskEngineConfig(cfg); err != nil {
		return rc, err
	}
	if rc.sched, err = mapSchedulerConfig(cfg); err != nil {
		return rc, err
	}
	if rc.sender, err = mapSenderConfig(cfg); err != nil {
		return rc, err
	}
	if rc.server, err = mapServerConfig(cfg); err != nil {
		return rc, err
	}
	return rc, nil
}

package config

import (
	"reflect"
	"strings"

	logx "autoposter/pkg/logx"
)

// SummarizeChange lists the sections that differ between two configs and
// returns log-safe fields describing the new values. Tokens are reported
// only as set/unset.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)
	section := func(name string, a, b any, fields ...logx.Field) {
		if reflect.DeepEqual(a, b) {
			return
		}
		changed = append(changed, name)
		attrs = append(attrs, fields...)
	}

	l := newCfg.Logging
	section("logging", oldCfg.Logging, l,
		logx.String("logging.level", l.Level),
		logx.Bool("logging.file", l.File.Enabled),
		logx.Bool("logging.alert", l.Alert.Enabled),
	)
	section("scheduler", oldCfg.Scheduler, newCfg.Scheduler,
		logx.Bool("scheduler.enabled", newCfg.SchedulerEnabled()),
		logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
	)
	section("task_engine", oldCfg.TaskEngine, newCfg.TaskEngine,
		logx.Bool("task_engine.enabled", newCfg.TaskEngineEnabled()),
		logx.Int("task_engine.workers", newCfg.TaskEngine.Workers),
	)
	section("dispatcher", oldCfg.Dispatcher, newCfg.Dispatcher,
		logx.String("dispatcher.send_interval", newCfg.Dispatcher.SendInterval),
	)
	section("dedup", oldCfg.Dedup, newCfg.Dedup)
	section("extractor", oldCfg.Extractor, newCfg.Extractor,
		logx.String("extractor.fetcher", newCfg.Extractor.Fetcher),
		logx.Int("extractor.pool_size", newCfg.Extractor.PoolSize),
	)
	m := newCfg.Messaging
	section("messaging", oldCfg.Messaging, m,
		logx.String("messaging.driver", m.Driver),
		logx.Bool("messaging.token_set", strings.TrimSpace(m.Telegram.Token) != ""),
	)
	section("storage", oldCfg.Storage, newCfg.Storage,
		logx.String("storage.driver", newCfg.Storage.Driver),
	)
	o := newCfg.Observability
	section("observability", oldCfg.Observability, o,
		logx.Bool("observability.enabled", o.Enabled),
		logx.String("observability.addr", o.Addr),
		logx.Bool("observability.pprof", o.Pprof),
		logx.Bool("observability.token_set", strings.TrimSpace(o.Token) != ""),
	)
	section("automations", oldCfg.Automations, newCfg.Automations,
		logx.Int("automations.count", len(newCfg.Automations)),
	)
	section("posts", oldCfg.Posts, newCfg.Posts,
		logx.Int("posts.count", len(newCfg.Posts)),
	)
	return changed, attrs
}

// RestartRequired names changed sections that only take effect on restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "storage", "messaging", "extractor", "dedup":
			out = append(out, s)
		}
	}
	return out
}

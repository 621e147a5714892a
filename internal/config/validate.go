package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks everything that can be checked without opening
// resources. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}
	nonNeg := func(path string, v int64) {
		if v < 0 {
			add(fmt.Errorf("%s must be >= 0", path))
		}
	}

	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err))
		}
	}
	dur("scheduler.run_timeout", c.Scheduler.RunTimeout)
	dur("scheduler.post_retry_delay", c.Scheduler.PostRetryDelay)
	dur("scheduler.startup_spread", c.Scheduler.StartupSpread)
	nonNeg("scheduler.post_max_attempts", int64(c.Scheduler.PostMaxAttempts))

	te := c.TaskEngine
	nonNeg("task_engine.workers", int64(te.Workers))
	nonNeg("task_engine.queue_size", int64(te.QueueSize))
	nonNeg("task_engine.history_size", int64(te.HistorySize))
	nonNeg("task_engine.retry_max", int64(te.RetryMax))
	dur("task_engine.default_timeout", te.DefaultTimeout)
	dur("task_engine.max_queue_delay", te.MaxQueueDelay)
	if c.SchedulerEnabled() && !c.TaskEngineEnabled() {
		add(errors.New("task_engine.enabled cannot be false while scheduler.enabled is true"))
	}

	d := c.Dispatcher
	dur("dispatcher.send_interval", d.SendInterval)
	dur("dispatcher.retry_base", d.RetryBase)
	dur("dispatcher.retry_max_delay", d.RetryMaxDelay)
	dur("dispatcher.send_timeout", d.SendTimeout)
	nonNeg("dispatcher.queue_size", int64(d.QueueSize))
	if d.RetryMax != nil {
		nonNeg("dispatcher.retry_max", int64(*d.RetryMax))
	}
	if c.Dedup.MaxFingerprints != nil {
		nonNeg("dedup.max_fingerprints", int64(*c.Dedup.MaxFingerprints))
	}

	ex := c.Extractor
	nonNeg("extractor.pool_size", int64(ex.PoolSize))
	nonNeg("extractor.max_bytes", ex.MaxBytes)
	dur("extractor.timeout", ex.Timeout)
	switch strings.ToLower(strings.TrimSpace(ex.Fetcher)) {
	case "", "http", "browser":
	default:
		add(fmt.Errorf("extractor.fetcher: unknown %q (want http or browser)", ex.Fetcher))
	}

	add(c.Messaging.validate())
	add(c.Storage.validate())

	if c.Logging.Alert.Enabled && strings.TrimSpace(c.Logging.Alert.Destination) == "" {
		add(errors.New("logging.alert.destination is required when alerts are enabled"))
	}
	nonNeg("logging.alert.rate_per_sec", int64(c.Logging.Alert.RatePerSec))

	o := c.Observability
	dur("observability.read_timeout", o.ReadTimeout)
	dur("observability.write_timeout", o.WriteTimeout)
	dur("observability.idle_timeout", o.IdleTimeout)

	names := map[string]bool{}
	for i, a := range c.Automations {
		name := strings.TrimSpace(a.Name)
		if name == "" {
			add(fmt.Errorf("automations[%d]: name is required", i))
		} else if names[name] {
			add(fmt.Errorf("automations[%d]: duplicate name %q", i, name))
		}
		names[name] = true
		if _, err := a.Spec.Normalize(); err != nil {
			add(fmt.Errorf("automations[%d]: %w", i, err))
		}
	}
	for i, p := range c.Posts {
		if err := p.Validate(); err != nil {
			add(fmt.Errorf("posts[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func (m MessagingConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(m.Driver)) {
	case "", "log":
		seen := map[string]bool{}
		for i, g := range m.Groups {
			id := strings.TrimSpace(g.ID)
			if id == "" {
				return fmt.Errorf("messaging.groups[%d]: id is required", i)
			}
			if seen[id] {
				return fmt.Errorf("messaging.groups[%d]: duplicate id %q", i, id)
			}
			seen[id] = true
		}
	case "telegram":
		if strings.TrimSpace(m.Telegram.Token) == "" {
			return errors.New("messaging.telegram.token is required when messaging.driver=telegram")
		}
		if len(m.Telegram.Groups) == 0 {
			return errors.New("messaging.telegram.groups must list at least one chat id")
		}
		if _, err := ParseDurationField("messaging.telegram.request_timeout", m.Telegram.RequestTimeout); err != nil {
			return err
		}
		if _, err := ParseDurationField("messaging.telegram.health_interval", m.Telegram.HealthInterval); err != nil {
			return err
		}
	default:
		return fmt.Errorf("messaging.driver: unknown %q (want log or telegram)", m.Driver)
	}
	return nil
}

func (s StorageConfig) validate() error {
	driver := strings.ToLower(strings.TrimSpace(s.Driver))
	switch driver {
	case "", "memory", "mem":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(s.Path) == "" {
			return fmt.Errorf("storage.path is required when storage.driver=%s", driver)
		}
	default:
		return fmt.Errorf("storage.driver: unknown %q", s.Driver)
	}
	_, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout)
	return err
}

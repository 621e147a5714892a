package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleJSON = `{
  "logging": {"level": "debug", "console": true},
  "scheduler": {"timezone": "UTC", "post_retry_delay": "30s"},
  "dispatcher": {"send_interval": "2s", "retry_max": 0},
  "dedup": {"max_fingerprints": 100},
  "extractor": {"pool_size": 2, "timeout": "20s", "fetcher": "http"},
  "messaging": {"driver": "log", "groups": [{"id": "g1", "name": "Deals", "members": 5}]},
  "storage": {"driver": "sqlite", "path": "/tmp/a.db", "busy_timeout": "2s"},
  "automations": [{
    "name": "deals",
    "source_url": "https://shop.example.com",
    "extraction_mode": "products",
    "message_template": "{{title}} {{price}}",
    "destination_group_ids": ["g1"],
    "interval": "60",
    "flags": {"avoid_duplicates": true}
  }],
  "posts": [{"message": "hi", "fire_at": "2026-05-01T09:00:00Z", "destination_names": ["Deals"], "repeat_daily": true}]
}`

func TestDecodeJSON(t *testing.T) {
	cfg, err := Decode("c.json", []byte(sampleJSON))
	require.NoError(t, err)

	assert.True(t, cfg.SchedulerEnabled())
	assert.True(t, cfg.TaskEngineEnabled())
	require.NotNil(t, cfg.Dispatcher.RetryMax)
	assert.Equal(t, 0, *cfg.Dispatcher.RetryMax)
	assert.Equal(t, 100, *cfg.Dedup.MaxFingerprints)
	require.Len(t, cfg.Automations, 1)
	assert.Equal(t, "deals", cfg.Automations[0].Name)
	assert.True(t, cfg.Automations[0].Flags.AvoidDuplicates)
	require.Len(t, cfg.Posts, 1)
	assert.Equal(t, 9, cfg.Posts[0].FireAt.Hour())
}

func TestDecodeYAML(t *testing.T) {
	y := `
logging:
  level: info
messaging:
  driver: telegram
  telegram:
    token: "123:abc"
    groups: [-100123]
    request_timeout: 10s
storage:
  driver: file
  path: ./data
`
	cfg, err := Decode("c.yaml", []byte(y))
	require.NoError(t, err)
	assert.Equal(t, "telegram", cfg.Messaging.Driver)
	assert.Equal(t, []int64{-100123}, cfg.Messaging.Telegram.Groups)
	assert.Equal(t, "./data", cfg.Storage.Path)
}

func TestDecodeYAMLSeedIntervals(t *testing.T) {
	y := `
automations:
  - name: deals
    source_url: https://shop.example.com
    extraction_mode: products
    message_template: "{{title}}"
    destination_group_ids: [g1]
    interval: 60
  - name: news
    source_url: https://news.example.com
    extraction_mode: headlines
    message_template: "{{title}}"
    destination_group_ids: [g2]
    interval: instant
`
	cfg, err := Decode("c.yml", []byte(y))
	require.NoError(t, err)
	require.Len(t, cfg.Automations, 2)
	assert.Equal(t, "60", cfg.Automations[0].IntervalSpec)
	assert.Equal(t, "instant", cfg.Automations[1].IntervalSpec)
}

func TestDecodeRejects(t *testing.T) {
	cases := map[string]string{
		"unknown field":  `{"logging": {"lvl": "info"}}`,
		"trailing data":  `{} {}`,
		"bad duration":   `{"dispatcher": {"send_interval": "soon"}}`,
		"negative":       `{"task_engine": {"workers": -1}}`,
		"timezone":       `{"scheduler": {"timezone": "Mars/Olympus"}}`,
		"telegram token": `{"messaging": {"driver": "telegram", "telegram": {"groups": [1]}}}`,
		"storage path":   `{"storage": {"driver": "sqlite"}}`,
		"alert dest":     `{"logging": {"alert": {"enabled": true}}}`,
		"engine off":     `{"task_engine": {"enabled": false}}`,
		"fetcher":        `{"extractor": {"fetcher": "curl"}}`,
		"seed name":      `{"automations": [{"source_url": "https://x.io", "message_template": "t", "destination_group_ids": ["g"], "interval": "5"}]}`,
		"seed spec":      `{"automations": [{"name": "a", "source_url": "ftp://x.io", "message_template": "t", "destination_group_ids": ["g"], "interval": "5"}]}`,
		"post":           `{"posts": [{"message": "", "fire_at": "2026-05-01T09:00:00Z", "destination_names": ["x"]}]}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode("c.json", []byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestValidateReportsEverything(t *testing.T) {
	cfg := &Config{}
	cfg.Dispatcher.SendInterval = "x"
	cfg.Extractor.PoolSize = -2
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dispatcher.send_interval")
	assert.Contains(t, err.Error(), "extractor.pool_size")
}

func TestSummarizeChange(t *testing.T) {
	a, err := Decode("c.json", []byte(sampleJSON))
	require.NoError(t, err)
	b, err := Decode("c.json", []byte(sampleJSON))
	require.NoError(t, err)

	sections, _ := SummarizeChange(a, b)
	assert.Empty(t, sections)

	b.Logging.Level = "warn"
	b.Storage.Path = "/tmp/b.db"
	sections, attrs := SummarizeChange(a, b)
	assert.Equal(t, []string{"logging", "storage"}, sections)
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{"storage"}, RestartRequired(sections))
}

func TestManagerWatchPublishesValidChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"logging": {"level": "info"}}`), 0o600))

	m := NewManager(path)
	m.debounce = 20 * time.Millisecond
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logging.Level)

	m.SetValidator(func(_ context.Context, c *Config) error {
		if c.Logging.Level == "trace" {
			return assert.AnError
		}
		return nil
	})
	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	// Let the watcher register before writing.
	time.Sleep(100 * time.Millisecond)

	write := func(s string) { require.NoError(t, os.WriteFile(path, []byte(s), 0o600)) }

	write(`{"logging": {"level": "debug"}}`)
	select {
	case got := <-sub:
		assert.Equal(t, "debug", got.Logging.Level)
	case <-time.After(3 * time.Second):
		t.Fatal("no config published")
	}
	assert.Equal(t, "debug", m.Get().Logging.Level)

	// Invalid and rejected configs keep the committed one.
	write(`{"logging": {"level": `)
	time.Sleep(150 * time.Millisecond)
	write(`{"logging": {"level": "trace"}}`)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, "debug", m.Get().Logging.Level)
	select {
	case got := <-sub:
		t.Fatalf("unexpected publish: %+v", got.Logging)
	default:
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return")
	}
}

func TestPublishKeepsNewest(t *testing.T) {
	m := NewManager("unused.json")
	sub := m.Subscribe(1)
	m.publish(&Config{Logging: LoggingConfig{Level: "a"}})
	m.publish(&Config{Logging: LoggingConfig{Level: "b"}})
	got := <-sub
	assert.Equal(t, "b", got.Logging.Level)

	m.Unsubscribe(sub)
	_, open := <-sub
	assert.False(t, open)
}

func TestParseDurationOrDefault(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, d)

	d, err = ParseDurationOrDefault("x", "150ms", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 150*time.Millisecond, d)

	_, err = ParseDurationField("x", "-1s")
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "x:"))
}

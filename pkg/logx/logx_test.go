package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerWritesFieldsInOrder(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "scheduler"))

	log.Info("armed", String("automation", "a1"), Int("minutes", 5), Err(errors.New("boom")))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "armed", line["message"])
	assert.Equal(t, "scheduler", line["comp"])
	assert.Equal(t, "a1", line["automation"])
	assert.EqualValues(t, 5, line["minutes"])
	assert.Equal(t, "boom", line["err"])
	assert.Contains(t, line["caller"], "logx_test.go:")
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")

	log.Info("hidden")
	assert.Zero(t, buf.Len())
	assert.False(t, log.Enabled(LevelInfo))
	assert.True(t, log.Enabled(LevelError))
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var log Logger
	assert.True(t, log.IsZero())
	log.Error("nothing happens")
	Nop().With(String("k", "v")).Warn("nothing either")
}

type recordingSender struct {
	mu    sync.Mutex
	sent  []string
	dests []string
}

func (r *recordingSender) SendAlert(_ context.Context, dest, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dests = append(r.dests, dest)
	r.sent = append(r.sent, text)
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func TestAlertSinkForwardsWarnings(t *testing.T) {
	svc, log := New(Config{
		Level: "debug",
		Alert: AlertConfig{Enabled: true, Destination: "ops", MinLevel: "warn", RatePerSec: 100},
	})
	t.Cleanup(func() { _ = svc.Close() })
	rec := &recordingSender{}
	svc.SetAlertSender(rec)

	log.Info("routine")
	log.Warn("send failed", String("dest", "g1"))

	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, "ops", rec.dests[0])
	assert.Contains(t, rec.sent[0], "[WARN] send failed")
	assert.Contains(t, rec.sent[0], "- dest=g1")
}

func TestAlertSinkWithoutDestinationDrops(t *testing.T) {
	a := newAlertSink()
	a.configure(AlertConfig{Enabled: true})
	n, err := a.WriteLevel(zerolog.ErrorLevel, []byte(`{"level":"error","message":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, len(`{"level":"error","message":"x"}`), n)
	assert.Empty(t, a.queue)
}

func TestFormatAlertTruncatesAndSortsKeys(t *testing.T) {
	out := formatAlert([]byte(`{"level":"error","message":"m","zeta":"1","alpha":"2"}`))
	assert.Equal(t, "[ERROR] m\n- alpha=2\n- zeta=1", out)
	assert.Equal(t, "plain", formatAlert([]byte("  plain \n")))
	assert.Len(t, truncate(string(make([]byte, 5000)), 100), 100)
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	s := strings.Repeat("é", 10)
	out := truncate(s, 12)
	assert.True(t, utf8.ValidString(out))
	assert.Equal(t, "éééé...", out)

	short := truncate("日本語", 5)
	assert.True(t, utf8.ValidString(short))
	assert.Equal(t, "日", short)
}

package engine

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"autoposter/internal/eventbus"
	logx "autoposter/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), eventbus.New())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitDone(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("task did not finish")
		return nil
	}
}

func TestDisabledEngineRejects(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil)
	err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }})
	require.ErrorIs(t, err, ErrDisabled)
}

func TestStoppedEngineRejects(t *testing.T) {
	s := New(Config{Enabled: true}, logx.Nop(), nil)
	err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }})
	require.ErrorIs(t, err, ErrStopped)
}

func TestTaskValidation(t *testing.T) {
	s := startEngine(t, Config{Workers: 1})
	require.Error(t, s.Enqueue(Task{Name: "x"}))
	require.Error(t, s.Enqueue(Task{Name: "  ", Run: func(context.Context) error { return nil }}))
}

func TestRunsTaskAndRecordsHistory(t *testing.T) {
	s := startEngine(t, Config{Workers: 2})
	done := make(chan error, 1)
	require.NoError(t, s.Enqueue(Task{
		Name: "run:a1",
		Run:  func(context.Context) error { return nil },
		Done: func(err error) { done <- err },
	}))
	require.NoError(t, waitDone(t, done))

	h := s.Snapshot().History
	require.Len(t, h, 1)
	assert.Equal(t, "run:a1", h[0].Name)
	assert.Equal(t, 1, h[0].Attempts)
	assert.Empty(t, h[0].Error)
}

func TestRetriesUntilSuccess(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, RetryMax: 3})
	var calls int32
	done := make(chan error, 1)
	require.NoError(t, s.Enqueue(Task{
		Name: "flaky",
		Opt:  TaskOptions{RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond},
		Run: func(context.Context) error {
			if atomic.AddInt32(&calls, 1) < 3 {
				return errors.New("transient")
			}
			return nil
		},
		Done: func(err error) { done <- err },
	}))
	require.NoError(t, waitDone(t, done))
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestNoRetryStopsImmediately(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, RetryMax: 3})
	var calls int32
	permanent := errors.New("permanent")
	done := make(chan error, 1)
	require.NoError(t, s.Enqueue(Task{
		Name: "once",
		Run: func(context.Context) error {
			atomic.AddInt32(&calls, 1)
			return NoRetry(permanent)
		},
		Done: func(err error) { done <- err },
	}))
	err := waitDone(t, done)
	require.ErrorIs(t, err, permanent)
	assert.False(t, IsNoRetry(err))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestPanicBecomesError(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, RetryMax: -1})
	done := make(chan error, 1)
	require.NoError(t, s.Enqueue(Task{
		Name: "boom",
		Run:  func(context.Context) error { panic("kaboom") },
		Done: func(err error) { done <- err },
	}))
	err := waitDone(t, done)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")

	// The worker survived.
	done2 := make(chan error, 1)
	require.NoError(t, s.Enqueue(Task{Name: "after", Run: func(context.Context) error { return nil }, Done: func(err error) { done2 <- err }}))
	require.NoError(t, waitDone(t, done2))
}

func TestOverlapSkipIfRunning(t *testing.T) {
	s := startEngine(t, Config{Workers: 2})
	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	st := s.StateFor("automation:a1")

	require.NoError(t, s.Enqueue(Task{
		Name:  "run:a1",
		State: st,
		Opt:   TaskOptions{Overlap: OverlapSkipIfRunning},
		Run: func(context.Context) error {
			close(started)
			<-release
			return nil
		},
		Done: func(err error) { done <- err },
	}))
	<-started
	assert.True(t, st.Busy())

	err := s.Enqueue(Task{Name: "manual:a1", State: st, Opt: TaskOptions{Overlap: OverlapSkipIfRunning}, Run: func(context.Context) error { return nil }})
	require.ErrorIs(t, err, ErrOverlapSkip)

	close(release)
	require.NoError(t, waitDone(t, done))
	assert.False(t, st.Busy())
}

func TestTimeoutCancelsRun(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, RetryMax: -1})
	done := make(chan error, 1)
	require.NoError(t, s.Enqueue(Task{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		Done: func(err error) { done <- err },
	}))
	require.ErrorIs(t, waitDone(t, done), context.DeadlineExceeded)
}

func TestQueueFullDrops(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, QueueSize: 1})
	block := make(chan struct{})
	defer close(block)
	started := make(chan struct{})

	require.NoError(t, s.Enqueue(Task{Name: "busy", Opt: TaskOptions{Overlap: OverlapAllow}, Run: func(context.Context) error {
		close(started)
		<-block
		return nil
	}}))
	<-started
	require.NoError(t, s.Enqueue(Task{Name: "queued", Opt: TaskOptions{Overlap: OverlapAllow}, Run: func(context.Context) error { return nil }}))

	err := s.Enqueue(Task{Name: "dropped", Opt: TaskOptions{Overlap: OverlapAllow}, Run: func(context.Context) error { return nil }})
	require.ErrorIs(t, err, ErrQueueFull)
	assert.EqualValues(t, 1, s.Snapshot().DroppedQueueFull)
}

func TestBackoffDelay(t *testing.T) {
	opt := TaskOptions{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second, RetryJitter: 0.2}
	rng := rand.New(rand.NewSource(1))

	for retry, want := range map[int]time.Duration{1: 100 * time.Millisecond, 2: 200 * time.Millisecond, 3: 400 * time.Millisecond, 10: time.Second} {
		d := BackoffDelay(opt, retry, rng)
		assert.LessOrEqual(t, d, time.Second)
		assert.GreaterOrEqual(t, d, time.Duration(float64(want)*0.8)-time.Nanosecond)
	}

	hinted := backoffDelayWithHint(opt, 1, RetryAfter(errors.New("429"), 5*time.Second), rng)
	assert.LessOrEqual(t, hinted, time.Second)
	assert.GreaterOrEqual(t, hinted, 800*time.Millisecond)
}

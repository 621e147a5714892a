package poster

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"autoposter/internal/automation"
	"autoposter/internal/domain"
	"autoposter/internal/messaging"
	"autoposter/internal/storage"
	"autoposter/internal/task/engine"
	"autoposter/internal/task/scheduler"
	logx "autoposter/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeScheduler struct {
	mu      sync.Mutex
	armed   map[string]bool
	paused  map[string]bool
	removed []string
	posts   map[string]bool
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{armed: map[string]bool{}, paused: map[string]bool{}, posts: map[string]bool{}}
}

func (f *fakeScheduler) Arm(a domain.Automation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armed[a.ID] = true
	return nil
}

func (f *fakeScheduler) Pause(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armed[id] = false
	f.paused[id] = true
}

func (f *fakeScheduler) Resume(a domain.Automation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a.Status != domain.StatusActive {
		return domain.ErrNotActive
	}
	f.armed[a.ID] = true
	f.paused[a.ID] = false
	return nil
}

func (f *fakeScheduler) Remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.armed, id)
	f.removed = append(f.removed, id)
}

func (f *fakeScheduler) StateOf(id string) (scheduler.State, time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case f.armed[id]:
		return scheduler.StateArmed, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	case f.paused[id]:
		return scheduler.StatePaused, time.Time{}
	}
	return scheduler.StateIdle, time.Time{}
}

func (f *fakeScheduler) ValidateInterval(spec string) error {
	_, err := domain.ParseInterval(spec)
	return err
}

func (f *fakeScheduler) ArmPost(p domain.ScheduledPost) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts[p.ID] = true
}

func (f *fakeScheduler) CancelPost(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts[id] = false
}

func (f *fakeScheduler) Snapshot() scheduler.Snapshot { return scheduler.Snapshot{Enabled: true} }

type fakeRunner struct {
	block chan struct{}
	calls chan string
}

func (r *fakeRunner) RunOnce(ctx context.Context, id string, manual bool) (domain.RunResult, error) {
	r.calls <- id
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return domain.RunResult{}, ctx.Err()
		}
	}
	return domain.RunResult{AutomationID: id, Manual: manual, Attempted: 2, Sent: 2}, nil
}

type fakeSession struct{ st messaging.Status }

func (f fakeSession) Status() messaging.Status { return f.st }

type harness struct {
	svc    *Service
	store  *automation.Store
	sched  *fakeScheduler
	runner *fakeRunner
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	n := 0
	store := automation.NewStore(storage.NewMemory(), logx.Nop(), automation.Options{
		NewID: func() string {
			n++
			return fmt.Sprintf("id%d", n)
		},
	})
	eng := engine.New(engine.Config{Enabled: true, Workers: 2}, logx.Nop(), nil)
	eng.Start(context.Background())
	t.Cleanup(func() { eng.Stop(context.Background()) })

	h := &harness{
		store:  store,
		sched:  newFakeScheduler(),
		runner: &fakeRunner{calls: make(chan string, 8)},
	}
	session := fakeSession{st: messaging.Status{
		State:  messaging.StateReady,
		Groups: []domain.Group{{ID: "g1", DisplayName: "Deals", MemberCount: 12}},
	}}
	h.svc = New(store, h.sched, eng, h.runner, session, logx.Nop(), Options{RunTimeout: time.Second})
	return h
}

func validSpec() domain.Spec {
	return domain.Spec{
		SourceURL:           "https://shop.example.com",
		ExtractionMode:      domain.ModeProducts,
		MessageTemplate:     "{{title}} {{price}}",
		DestinationGroupIDs: []string{"g1"},
		IntervalSpec:        "30",
	}
}

func TestCreateAutomationArms(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	v, err := h.svc.CreateAutomation(ctx, validSpec())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, v.Status)
	assert.Equal(t, scheduler.StateArmed, v.Schedule)
	assert.Equal(t, "30 min", v.IntervalLabel)
	require.NotNil(t, v.NextFire)

	bad := validSpec()
	bad.IntervalSpec = "-5"
	_, err = h.svc.CreateAutomation(ctx, bad)
	require.ErrorIs(t, err, domain.ErrInvalidSpec)

	list, err := h.svc.ListAutomations(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestPauseResume(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v, err := h.svc.CreateAutomation(ctx, validSpec())
	require.NoError(t, err)

	v, err = h.svc.PauseResume(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaused, v.Status)
	assert.Equal(t, scheduler.StatePaused, v.Schedule)

	v, err = h.svc.PauseResume(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, v.Status)
	assert.Equal(t, scheduler.StateArmed, v.Schedule)

	_, err = h.store.SetStatus(ctx, v.ID, domain.StatusCompleted)
	require.NoError(t, err)
	_, err = h.svc.PauseResume(ctx, v.ID)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = h.svc.PauseResume(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

type statusWriteFails struct{ *automation.Store }

func (statusWriteFails) SetStatus(context.Context, string, domain.Status) (domain.Automation, error) {
	return domain.Automation{}, fmt.Errorf("set status: %w", domain.ErrStoreWrite)
}

func TestPauseStoreFailureKeepsTimerArmed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v, err := h.svc.CreateAutomation(ctx, validSpec())
	require.NoError(t, err)

	h.svc.store = statusWriteFails{h.store}
	_, err = h.svc.PauseResume(ctx, v.ID)
	require.ErrorIs(t, err, domain.ErrStoreWrite)

	a, err := h.store.Get(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, a.Status)
	st, _ := h.sched.StateOf(v.ID)
	assert.Equal(t, scheduler.StateArmed, st)
}

func TestDeleteAutomation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v, err := h.svc.CreateAutomation(ctx, validSpec())
	require.NoError(t, err)

	require.NoError(t, h.svc.DeleteAutomation(ctx, v.ID))
	require.NoError(t, h.svc.DeleteAutomation(ctx, v.ID))
	assert.Equal(t, []string{v.ID, v.ID}, h.sched.removed)

	_, err = h.svc.GetAutomation(ctx, v.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = h.svc.TriggerNow(ctx, v.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTriggerNowRunsPausedAutomation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v, err := h.svc.CreateAutomation(ctx, validSpec())
	require.NoError(t, err)
	_, err = h.svc.PauseResume(ctx, v.ID)
	require.NoError(t, err)

	res, err := h.svc.TriggerNow(ctx, v.ID)
	require.NoError(t, err)
	assert.True(t, res.Manual)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, v.ID, <-h.runner.calls)
}

func TestTriggerNowRejectsOverlap(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.runner.block = make(chan struct{})
	v, err := h.svc.CreateAutomation(ctx, validSpec())
	require.NoError(t, err)

	first := make(chan error, 1)
	go func() {
		_, err := h.svc.TriggerNow(ctx, v.ID)
		first <- err
	}()
	select {
	case <-h.runner.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("first run never started")
	}

	_, err = h.svc.TriggerNow(ctx, v.ID)
	require.ErrorIs(t, err, domain.ErrRunInProgress)

	close(h.runner.block)
	require.NoError(t, <-first)

	// The gate is released once the run finishes.
	_, err = h.svc.TriggerNow(ctx, v.ID)
	require.NoError(t, err)
}

func TestPosts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	at := time.Now().Add(time.Hour)

	p, err := h.svc.SchedulePost(ctx, domain.PostSpec{Message: "sale today", FireAt: at, DestinationNames: []string{"Deals"}})
	require.NoError(t, err)
	assert.True(t, h.sched.posts[p.ID])

	_, err = h.svc.SchedulePost(ctx, domain.PostSpec{Message: "", FireAt: at, DestinationNames: []string{"Deals"}})
	require.ErrorIs(t, err, domain.ErrInvalidSpec)

	p, err = h.svc.CancelPost(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PostCancelled, p.Status)
	assert.False(t, h.sched.posts[p.ID])

	list, err := h.svc.ListPosts(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, h.svc.DeletePost(ctx, p.ID))
	list, err = h.svc.ListPosts(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSnapshotAndSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.CreateAutomation(ctx, validSpec())
	require.NoError(t, err)
	v, err := h.svc.CreateAutomation(ctx, validSpec())
	require.NoError(t, err)
	_, err = h.svc.PauseResume(ctx, v.ID)
	require.NoError(t, err)

	snap, err := h.svc.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Automations[domain.StatusActive])
	assert.Equal(t, 1, snap.Automations[domain.StatusPaused])
	assert.Equal(t, messaging.StateReady, snap.Session.State)

	assert.Equal(t, "Deals", h.svc.Groups()[0].DisplayName)
	assert.Equal(t, messaging.StateReady, h.svc.SessionState().State)
}

func TestResetDedup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	spec := validSpec()
	spec.Flags.AvoidDuplicates = true
	v, err := h.svc.CreateAutomation(ctx, spec)
	require.NoError(t, err)
	_, err = h.store.RecordRunResult(ctx, domain.RunResult{AutomationID: v.ID, Sent: 1, NewFingerprints: []string{"abc"}})
	require.NoError(t, err)

	v, err = h.svc.ResetDedup(ctx, v.ID)
	require.NoError(t, err)
	assert.Empty(t, v.SeenFingerprints)
	assert.EqualValues(t, 1, v.TotalPostsSent)
}

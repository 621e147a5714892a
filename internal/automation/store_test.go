package automation

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"autoposter/internal/domain"
	"autoposter/internal/storage"
	logx "autoposter/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, maxFP int) *Store {
	t.Helper()
	n := 0
	return NewStore(storage.NewMemory(), logx.Nop(), Options{
		MaxFingerprints: maxFP,
		Now:             func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
		NewID: func() string {
			n++
			return fmt.Sprintf("id-%d", n)
		},
	})
}

func spec(interval string, avoid bool) domain.Spec {
	return domain.Spec{
		SourceURL:           "https://news.example.com",
		ExtractionMode:      domain.ModeHeadlines,
		MessageTemplate:     "{{title}} {{link}}",
		DestinationGroupIDs: []string{"g1", "g2"},
		IntervalSpec:        interval,
		MaxPostsPerRun:      3,
		Flags:               domain.Flags{AvoidDuplicates: avoid},
	}
}

func TestCreateAndList(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t, 0)

	a, err := s.Create(ctx, spec("60", true))
	require.NoError(t, err)
	assert.Equal(t, "id-1", a.ID)
	assert.Equal(t, domain.StatusActive, a.Status)
	assert.Zero(t, a.TotalPostsSent)
	assert.Nil(t, a.LastRunAt)

	_, err = s.Create(ctx, spec("soon", true))
	assert.ErrorIs(t, err, domain.ErrInvalidSpec)

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, a.ID, list[0].ID)
}

func TestSetStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t, 0)
	a, err := s.Create(ctx, spec("5", false))
	require.NoError(t, err)

	got, err := s.SetStatus(ctx, a.ID, domain.StatusPaused)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaused, got.Status)

	got, err = s.SetStatus(ctx, a.ID, domain.StatusPaused)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaused, got.Status)

	_, err = s.SetStatus(ctx, "ghost", domain.StatusActive)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = s.SetStatus(ctx, a.ID, domain.StatusDeleted)
	require.NoError(t, err)
	_, err = s.SetStatus(ctx, a.ID, domain.StatusActive)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestDeleteIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t, 0)
	a, err := s.Create(ctx, spec("5", false))
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, a.ID))
	require.NoError(t, s.Delete(ctx, a.ID))
	_, err = s.Get(ctx, a.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = s.RecordRunResult(ctx, domain.RunResult{AutomationID: a.ID, Sent: 1})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRecordRunResultAccumulates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t, 0)
	a, err := s.Create(ctx, spec("5", true))
	require.NoError(t, err)

	_, err = s.RecordRunResult(ctx, domain.RunResult{AutomationID: a.ID, Sent: 2, NewFingerprints: []string{"A", "B"}})
	require.NoError(t, err)
	got, err := s.RecordRunResult(ctx, domain.RunResult{AutomationID: a.ID, Sent: 1, NewFingerprints: []string{"B", "C", "C"}})
	require.NoError(t, err)

	assert.EqualValues(t, 3, got.TotalPostsSent)
	assert.Equal(t, []string{"A", "B", "C"}, got.SeenFingerprints)
	assert.EqualValues(t, 2, got.RunCount)
	require.NotNil(t, got.LastRunAt)
	assert.Equal(t, domain.StatusActive, got.Status)
}

func TestRecordRunResultFailureKeepsCounters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t, 0)
	a, err := s.Create(ctx, spec("5", true))
	require.NoError(t, err)
	_, err = s.RecordRunResult(ctx, domain.RunResult{AutomationID: a.ID, Sent: 4, NewFingerprints: []string{"x"}})
	require.NoError(t, err)

	extractErr := &domain.ExtractionError{Kind: domain.ExtractionTimeout, URL: a.SourceURL}
	got, err := s.RecordRunResult(ctx, domain.RunResult{AutomationID: a.ID, Err: extractErr})
	require.NoError(t, err)
	assert.EqualValues(t, 4, got.TotalPostsSent)
	assert.Equal(t, domain.StatusActive, got.Status)
	assert.Equal(t, 1, got.ConsecutiveFailures)
	assert.Contains(t, got.LastError, "timeout")

	got, err = s.RecordRunResult(ctx, domain.RunResult{AutomationID: a.ID})
	require.NoError(t, err)
	assert.Zero(t, got.ConsecutiveFailures)
	assert.Empty(t, got.LastError)
}

func TestFingerprintsOnlyGrowWhenAvoidingDuplicates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t, 0)
	a, err := s.Create(ctx, spec("5", false))
	require.NoError(t, err)

	got, err := s.RecordRunResult(ctx, domain.RunResult{AutomationID: a.ID, Sent: 1, NewFingerprints: []string{"A"}})
	require.NoError(t, err)
	assert.Empty(t, got.SeenFingerprints)
	assert.EqualValues(t, 1, got.TotalPostsSent)
}

func TestFingerprintRetentionEvictsOldest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t, 3)
	a, err := s.Create(ctx, spec("5", true))
	require.NoError(t, err)

	_, err = s.RecordRunResult(ctx, domain.RunResult{AutomationID: a.ID, NewFingerprints: []string{"1", "2"}})
	require.NoError(t, err)
	got, err := s.RecordRunResult(ctx, domain.RunResult{AutomationID: a.ID, NewFingerprints: []string{"3", "4"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"2", "3", "4"}, got.SeenFingerprints)

	got, err = s.ResetFingerprints(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, got.SeenFingerprints)
}

func TestInstantCompletesAfterScheduledRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t, 0)
	a, err := s.Create(ctx, spec("instant", false))
	require.NoError(t, err)

	got, err := s.RecordRunResult(ctx, domain.RunResult{AutomationID: a.ID, Manual: true})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, got.Status)

	got, err = s.RecordRunResult(ctx, domain.RunResult{AutomationID: a.ID, Sent: 1})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
}

type failingDB struct{ storage.Store }

func (failingDB) InsertAutomation(context.Context, domain.Automation) error {
	return errors.New("disk full")
}

func TestCreateStoreFailureIsStoreWrite(t *testing.T) {
	t.Parallel()
	s := NewStore(failingDB{storage.NewMemory()}, logx.Nop(), Options{})
	_, err := s.Create(context.Background(), spec("5", false))
	assert.ErrorIs(t, err, domain.ErrStoreWrite)
	assert.Contains(t, err.Error(), "disk full")
}

func TestPostLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t, 0)

	p, err := s.CreatePost(ctx, domain.PostSpec{Message: "hello", FireAt: time.Now().Add(time.Hour), DestinationNames: []string{"Team"}})
	require.NoError(t, err)
	assert.Equal(t, domain.PostScheduled, p.Status)

	p, err = s.CancelPost(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PostCancelled, p.Status)

	p, err = s.CancelPost(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PostCancelled, p.Status)

	_, err = s.CancelPost(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = s.CreatePost(ctx, domain.PostSpec{Message: "", FireAt: time.Now(), DestinationNames: []string{"x"}})
	assert.ErrorIs(t, err, domain.ErrInvalidSpec)

	require.NoError(t, s.DeletePost(ctx, p.ID))
	require.NoError(t, s.DeletePost(ctx, p.ID))
	_, err = s.GetPost(ctx, p.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInterval(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    Interval
		label   string
		wantErr bool
	}{
		{in: "instant", want: Interval{Instant: true}, label: "One-time"},
		{in: " Instant ", want: Interval{Instant: true}, label: "One-time"},
		{in: "15", want: Interval{Every: 15 * time.Minute}, label: "15 min"},
		{in: "120", want: Interval{Every: 2 * time.Hour}, label: "2 hours"},
		{in: "1440", want: Interval{Every: 24 * time.Hour}, label: "Daily"},
		{in: "90", want: Interval{Every: 90 * time.Minute}, label: "90 min"},
		{in: "2h", want: Interval{Every: 2 * time.Hour}, label: "2 hours"},
		{in: "cron:0 9 * * *", want: Interval{Cron: "0 9 * * *"}, label: "cron 0 9 * * *"},
		{in: "0", wantErr: true},
		{in: "-5", wantErr: true},
		{in: "90s", wantErr: true},
		{in: "", wantErr: true},
		{in: "cron:", wantErr: true},
		{in: "weekly", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseInterval(tc.in)
			if tc.wantErr {
				require.ErrorIs(t, err, ErrInvalidSpec)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.label, got.Label())

			back, err := ParseInterval(got.String())
			require.NoError(t, err)
			assert.Equal(t, got, back)
		})
	}
}

func validSpec() Spec {
	return Spec{
		SourceURL:           "https://example.com/news",
		ExtractionMode:      ModeHeadlines,
		MessageTemplate:     "{{title}}",
		DestinationGroupIDs: []string{"g1", " g2 ", "g1", ""},
		IntervalSpec:        "60",
	}
}

func TestSpecNormalize(t *testing.T) {
	t.Parallel()

	s, err := validSpec().Normalize()
	require.NoError(t, err)
	assert.Equal(t, []string{"g1", "g2"}, s.DestinationGroupIDs)
	assert.Equal(t, DefaultMaxPostsPerRun, s.MaxPostsPerRun)
	assert.Equal(t, "60", s.IntervalSpec)

	bad := map[string]func(*Spec){
		"url":      func(s *Spec) { s.SourceURL = "ftp://x" },
		"mode":     func(s *Spec) { s.ExtractionMode = "video" },
		"custom":   func(s *Spec) { s.ExtractionMode = ModeCustom },
		"template": func(s *Spec) { s.MessageTemplate = "  " },
		"dests":    func(s *Spec) { s.DestinationGroupIDs = []string{" "} },
		"interval": func(s *Spec) { s.IntervalSpec = "0" },
		"max":      func(s *Spec) { s.MaxPostsPerRun = -1 },
	}
	for name, mutate := range bad {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			s := validSpec()
			mutate(&s)
			_, err := s.Normalize()
			assert.ErrorIs(t, err, ErrInvalidSpec)
		})
	}
}

func TestAutomationCloneIsDeep(t *testing.T) {
	t.Parallel()

	now := time.Now()
	a := NewAutomation("a1", validSpec(), now)
	a.SeenFingerprints = []string{"f1"}
	a.LastRunAt = &now

	cp := a.Clone()
	cp.SeenFingerprints[0] = "changed"
	cp.DestinationGroupIDs[0] = "changed"
	*cp.LastRunAt = now.Add(time.Hour)

	assert.Equal(t, "f1", a.SeenFingerprints[0])
	assert.Equal(t, "g1", a.DestinationGroupIDs[0])
	assert.Equal(t, now, *a.LastRunAt)
	assert.True(t, a.HasSeen("f1"))
	assert.Equal(t, StatusActive, a.Status)
}

func TestExtractionErrorMatching(t *testing.T) {
	t.Parallel()

	cause := errors.New("dial tcp: refused")
	err := fmt.Errorf("run a1: %w", &ExtractionError{Kind: ExtractionNetwork, URL: "https://x", Err: cause})

	assert.True(t, IsExtraction(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "(network)")
	assert.False(t, IsExtraction(ErrSendFailed))
}

func TestPostSpecValidate(t *testing.T) {
	t.Parallel()

	ok := PostSpec{Message: "hi", FireAt: time.Now(), DestinationNames: []string{"", "Team"}}
	require.NoError(t, ok.Validate())

	p := NewScheduledPost("p1", ok, time.Now())
	assert.Equal(t, []string{"Team"}, p.DestinationNames)
	assert.Equal(t, PostScheduled, p.Status)

	assert.ErrorIs(t, PostSpec{FireAt: time.Now(), DestinationNames: []string{"x"}}.Validate(), ErrInvalidSpec)
	assert.ErrorIs(t, PostSpec{Message: "x", DestinationNames: []string{"x"}}.Validate(), ErrInvalidSpec)
	assert.ErrorIs(t, PostSpec{Message: "x", FireAt: time.Now()}.Validate(), ErrInvalidSpec)
}

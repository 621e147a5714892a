package domain

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusDeleted   Status = "deleted"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusCompleted, StatusDeleted:
		return true
	}
	return false
}

type ExtractionMode string

const (
	ModeHeadlines ExtractionMode = "headlines"
	ModeProducts  ExtractionMode = "products"
	ModeImages    ExtractionMode = "images"
	ModeCustom    ExtractionMode = "custom"
	ModeText      ExtractionMode = "text"
)

func (m ExtractionMode) Valid() bool {
	switch m {
	case ModeHeadlines, ModeProducts, ModeImages, ModeCustom, ModeText:
		return true
	}
	return false
}

type Flags struct {
	IncludeImages   bool `json:"include_images"`
	AvoidDuplicates bool `json:"avoid_duplicates"`
	AppendTimestamp bool `json:"append_timestamp"`
}

const DefaultMaxPostsPerRun = 5

// Spec is what a caller supplies to create an automation.
type Spec struct {
	Name                string         `json:"name,omitempty"`
	SourceURL           string         `json:"source_url"`
	ExtractionMode      ExtractionMode `json:"extraction_mode"`
	CustomSelector      string         `json:"custom_selector,omitempty"`
	MessageTemplate     string         `json:"message_template"`
	DestinationGroupIDs []string       `json:"destination_group_ids"`
	IntervalSpec        string         `json:"interval"`
	MaxPostsPerRun      int            `json:"max_posts_per_run"`
	Flags               Flags          `json:"flags"`
}

// Normalize trims fields, fills defaults and validates. The returned spec
// has deduplicated destinations in first-seen order.
func (s Spec) Normalize() (Spec, error) {
	s.Name = strings.TrimSpace(s.Name)
	s.SourceURL = strings.TrimSpace(s.SourceURL)
	s.CustomSelector = strings.TrimSpace(s.CustomSelector)
	s.IntervalSpec = strings.TrimSpace(s.IntervalSpec)
	if s.ExtractionMode == "" {
		s.ExtractionMode = ModeText
	}
	if s.MaxPostsPerRun == 0 {
		s.MaxPostsPerRun = DefaultMaxPostsPerRun
	}

	u, err := url.Parse(s.SourceURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return s, fmt.Errorf("%w: source url %q", ErrInvalidSpec, s.SourceURL)
	}
	if !s.ExtractionMode.Valid() {
		return s, fmt.Errorf("%w: extraction mode %q", ErrInvalidSpec, s.ExtractionMode)
	}
	if s.ExtractionMode == ModeCustom && s.CustomSelector == "" {
		return s, fmt.Errorf("%w: custom mode needs a selector", ErrInvalidSpec)
	}
	if strings.TrimSpace(s.MessageTemplate) == "" {
		return s, fmt.Errorf("%w: empty message template", ErrInvalidSpec)
	}
	if s.MaxPostsPerRun < 0 {
		return s, fmt.Errorf("%w: max posts per run must be positive", ErrInvalidSpec)
	}
	iv, err := ParseInterval(s.IntervalSpec)
	if err != nil {
		return s, err
	}
	s.IntervalSpec = iv.String()

	seen := make(map[string]struct{}, len(s.DestinationGroupIDs))
	dests := make([]string, 0, len(s.DestinationGroupIDs))
	for _, d := range s.DestinationGroupIDs {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		dests = append(dests, d)
	}
	if len(dests) == 0 {
		return s, fmt.Errorf("%w: no destinations", ErrInvalidSpec)
	}
	s.DestinationGroupIDs = dests
	return s, nil
}

// Automation is the persisted definition plus its run bookkeeping.
type Automation struct {
	ID                  string         `json:"id"`
	Name                string         `json:"name,omitempty"`
	SourceURL           string         `json:"source_url"`
	ExtractionMode      ExtractionMode `json:"extraction_mode"`
	CustomSelector      string         `json:"custom_selector,omitempty"`
	MessageTemplate     string         `json:"message_template"`
	DestinationGroupIDs []string       `json:"destination_group_ids"`
	IntervalSpec        string         `json:"interval"`
	MaxPostsPerRun      int            `json:"max_posts_per_run"`
	Flags               Flags          `json:"flags"`

	Status    Status     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`

	TotalPostsSent      int64  `json:"total_posts_sent"`
	RunCount            int64  `json:"run_count"`
	ConsecutiveFailures int    `json:"consecutive_failures,omitempty"`
	LastError           string `json:"last_error,omitempty"`

	// SeenFingerprints is kept oldest first so retention can evict from
	// the front.
	SeenFingerprints []string `json:"seen_fingerprints,omitempty"`
}

func (a Automation) Interval() (Interval, error) { return ParseInterval(a.IntervalSpec) }

// Clone returns a copy that shares no slices with a.
func (a Automation) Clone() Automation {
	cp := a
	cp.DestinationGroupIDs = append([]string(nil), a.DestinationGroupIDs...)
	cp.SeenFingerprints = append([]string(nil), a.SeenFingerprints...)
	if a.LastRunAt != nil {
		t := *a.LastRunAt
		cp.LastRunAt = &t
	}
	return cp
}

// HasSeen reports whether fp is already in the seen set.
func (a Automation) HasSeen(fp string) bool {
	for _, s := range a.SeenFingerprints {
		if s == fp {
			return true
		}
	}
	return false
}

func NewAutomation(id string, s Spec, now time.Time) Automation {
	return Automation{
		ID:                  id,
		Name:                s.Name,
		SourceURL:           s.SourceURL,
		ExtractionMode:      s.ExtractionMode,
		CustomSelector:      s.CustomSelector,
		MessageTemplate:     s.MessageTemplate,
		DestinationGroupIDs: append([]string(nil), s.DestinationGroupIDs...),
		IntervalSpec:        s.IntervalSpec,
		MaxPostsPerRun:      s.MaxPostsPerRun,
		Flags:               s.Flags,
		Status:              StatusActive,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

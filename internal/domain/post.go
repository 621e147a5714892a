package domain

import (
	"fmt"
	"strings"
	"time"
)

type PostStatus string

const (
	PostScheduled PostStatus = "scheduled"
	PostSent      PostStatus = "sent"
	PostCancelled PostStatus = "cancelled"
	PostFailed    PostStatus = "failed"
)

// PostSpec is the input for a one-off or daily repeating message.
type PostSpec struct {
	Message          string    `json:"message"`
	FireAt           time.Time `json:"fire_at"`
	DestinationNames []string  `json:"destination_names"`
	RepeatDaily      bool      `json:"repeat_daily"`
}

func (p PostSpec) Validate() error {
	if strings.TrimSpace(p.Message) == "" {
		return fmt.Errorf("%w: empty post message", ErrInvalidSpec)
	}
	if p.FireAt.IsZero() {
		return fmt.Errorf("%w: post fire time missing", ErrInvalidSpec)
	}
	for _, n := range p.DestinationNames {
		if strings.TrimSpace(n) != "" {
			return nil
		}
	}
	return fmt.Errorf("%w: post has no destinations", ErrInvalidSpec)
}

type ScheduledPost struct {
	ID               string     `json:"id"`
	Message          string     `json:"message"`
	FireAt           time.Time  `json:"fire_at"`
	DestinationNames []string   `json:"destination_names"`
	RepeatDaily      bool       `json:"repeat_daily"`
	Status           PostStatus `json:"status"`
	CreatedAt        time.Time  `json:"created_at"`

	Attempts   int        `json:"attempts,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	LastSentAt *time.Time `json:"last_sent_at,omitempty"`

	// NextAttemptAt overrides FireAt while a failed delivery waits for a
	// retry, so a daily post keeps its time of day.
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
}

// DueAt is when the post should next be delivered.
func (p ScheduledPost) DueAt() time.Time {
	if p.NextAttemptAt != nil {
		return *p.NextAttemptAt
	}
	return p.FireAt
}

func NewScheduledPost(id string, s PostSpec, now time.Time) ScheduledPost {
	names := make([]string, 0, len(s.DestinationNames))
	for _, n := range s.DestinationNames {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}
	return ScheduledPost{
		ID:               id,
		Message:          s.Message,
		FireAt:           s.FireAt,
		DestinationNames: names,
		RepeatDaily:      s.RepeatDaily,
		Status:           PostScheduled,
		CreatedAt:        now,
	}
}

func (p ScheduledPost) Clone() ScheduledPost {
	cp := p
	cp.DestinationNames = append([]string(nil), p.DestinationNames...)
	if p.LastSentAt != nil {
		t := *p.LastSentAt
		cp.LastSentAt = &t
	}
	if p.NextAttemptAt != nil {
		t := *p.NextAttemptAt
		cp.NextAttemptAt = &t
	}
	return cp
}

package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	IntervalInstant = "instant"
	cronPrefix      = "cron:"
	minutesPerDay   = 24 * 60
)

// Interval is the parsed form of an automation's interval spec: "instant",
// a positive number of minutes, or "cron:<expr>".
type Interval struct {
	Instant bool
	Every   time.Duration
	Cron    string
}

// ParseInterval accepts "instant", whole minutes ("60"), whole-minute Go
// durations ("2h") and "cron:<expr>". Cron expressions are validated by the
// scheduler, not here.
func ParseInterval(spec string) (Interval, error) {
	s := strings.TrimSpace(spec)
	if s == "" {
		return Interval{}, fmt.Errorf("%w: empty interval", ErrInvalidSpec)
	}
	if strings.EqualFold(s, IntervalInstant) {
		return Interval{Instant: true}, nil
	}
	if strings.HasPrefix(strings.ToLower(s), cronPrefix) {
		expr := strings.TrimSpace(s[len(cronPrefix):])
		if expr == "" {
			return Interval{}, fmt.Errorf("%w: empty cron interval", ErrInvalidSpec)
		}
		return Interval{Cron: expr}, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 {
			return Interval{}, fmt.Errorf("%w: interval must be positive, got %d", ErrInvalidSpec, n)
		}
		return Interval{Every: time.Duration(n) * time.Minute}, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return Interval{}, fmt.Errorf("%w: interval %q", ErrInvalidSpec, spec)
	}
	if d <= 0 || d%time.Minute != 0 {
		return Interval{}, fmt.Errorf("%w: interval %q must be a positive whole number of minutes", ErrInvalidSpec, spec)
	}
	return Interval{Every: d}, nil
}

// String renders the canonical spec form that ParseInterval accepts.
func (iv Interval) String() string {
	switch {
	case iv.Instant:
		return IntervalInstant
	case iv.Cron != "":
		return cronPrefix + iv.Cron
	default:
		return strconv.Itoa(int(iv.Every / time.Minute))
	}
}

// Label is the short human form shown in listings.
func (iv Interval) Label() string {
	switch {
	case iv.Instant:
		return "One-time"
	case iv.Cron != "":
		return "cron " + iv.Cron
	}
	m := int(iv.Every / time.Minute)
	switch {
	case m == minutesPerDay:
		return "Daily"
	case m < 60:
		return fmt.Sprintf("%d min", m)
	case m%60 == 0:
		return fmt.Sprintf("%d hours", m/60)
	default:
		return fmt.Sprintf("%d min", m)
	}
}

// Package automation owns automation and scheduled-post records on top of a
// storage driver.
package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"autoposter/internal/domain"
	"autoposter/internal/storage"
	logx "autoposter/pkg/logx"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// DefaultMaxFingerprints is the per-automation cap used when config
// leaves dedup.max_fingerprints unset.
const DefaultMaxFingerprints = 5000

// Options tune a Store. Zero values pick defaults.
type Options struct {
	// MaxFingerprints caps SeenFingerprints per automation; oldest entries
	// are evicted first. Zero or negative keeps everything.
	MaxFingerprints int
	Now             func() time.Time
	NewID           func() string
}

type Store struct {
	db  storage.Store
	log logx.Logger

	maxFingerprints int
	now             func() time.Time
	newID           func() string
}

func NewStore(db storage.Store, log logx.Logger, opt Options) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Store{
		db:              db,
		log:             log.With(logx.String("comp", "automation.store")),
		maxFingerprints: opt.MaxFingerprints,
		now:             opt.Now,
		newID:           opt.NewID,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = func() string { return uuid.NewString() }
	}
	return s
}

func writeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrInvalidTransition) {
		return err
	}
	return fmt.Errorf("%s: %w: %v", op, domain.ErrStoreWrite, err)
}

// Create validates spec and persists a new active automation.
func (s *Store) Create(ctx context.Context, spec domain.Spec) (domain.Automation, error) {
	spec, err := spec.Normalize()
	if err != nil {
		return domain.Automation{}, err
	}
	a := domain.NewAutomation(s.newID(), spec, s.now())
	if err := s.db.InsertAutomation(ctx, a); err != nil {
		return domain.Automation{}, writeErr("create automation", err)
	}
	s.log.Info("automation created",
		logx.String("automation", a.ID),
		logx.String("url", a.SourceURL),
		logx.String("interval", a.IntervalSpec),
	)
	return a, nil
}

func (s *Store) Get(ctx context.Context, id string) (domain.Automation, error) {
	return s.db.GetAutomation(ctx, id)
}

func (s *Store) List(ctx context.Context) ([]domain.Automation, error) {
	return s.db.ListAutomations(ctx)
}

// SetStatus moves an automation to status. Setting the current status is a
// no-op; deleted is terminal.
func (s *Store) SetStatus(ctx context.Context, id string, status domain.Status) (domain.Automation, error) {
	if !status.Valid() {
		return domain.Automation{}, fmt.Errorf("%w: status %q", domain.ErrInvalidTransition, status)
	}
	var changed bool
	a, err := s.db.UpdateAutomation(ctx, id, func(a *domain.Automation) error {
		if a.Status == status {
			return errUnchanged
		}
		if a.Status == domain.StatusDeleted {
			return fmt.Errorf("%w: %s is deleted", domain.ErrInvalidTransition, id)
		}
		a.Status = status
		a.UpdatedAt = s.now()
		changed = true
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return s.db.GetAutomation(ctx, id)
	}
	if err != nil {
		return domain.Automation{}, writeErr("set status", err)
	}
	if changed {
		s.log.Info("automation status changed", logx.String("automation", id), logx.String("status", string(status)))
	}
	return a, nil
}

var errUnchanged = errors.New("unchanged")

// Delete removes the record. Deleting a missing automation succeeds.
func (s *Store) Delete(ctx context.Context, id string) error {
	removed, err := s.db.DeleteAutomation(ctx, id)
	if err != nil {
		return writeErr("delete automation", err)
	}
	if removed {
		s.log.Info("automation deleted", logx.String("automation", id))
	}
	return nil
}

// RecordRunResult folds one run into the record atomically: sent counts and
// new fingerprints are added, failure bookkeeping is updated. Instant
// automations complete after their run is recorded.
func (s *Store) RecordRunResult(ctx context.Context, r domain.RunResult) (domain.Automation, error) {
	now := s.now()
	a, err := s.db.UpdateAutomation(ctx, r.AutomationID, func(a *domain.Automation) error {
		if r.Sent > 0 {
			a.TotalPostsSent += int64(r.Sent)
		}
		if a.Flags.AvoidDuplicates && len(r.NewFingerprints) > 0 {
			fresh := lo.Filter(lo.Uniq(r.NewFingerprints), func(fp string, _ int) bool {
				return fp != "" && !a.HasSeen(fp)
			})
			a.SeenFingerprints = s.retain(append(a.SeenFingerprints, fresh...))
		}
		ranAt := r.StartedAt
		if ranAt.IsZero() {
			ranAt = now
		}
		a.LastRunAt = &ranAt
		a.RunCount++
		a.UpdatedAt = now
		if r.OK() {
			a.ConsecutiveFailures = 0
			a.LastError = ""
		} else {
			a.ConsecutiveFailures++
			if r.Err != nil {
				a.LastError = r.Err.Error()
			} else {
				a.LastError = "run aborted: provider disconnected"
			}
		}
		if iv, err := a.Interval(); err == nil && iv.Instant && a.Status == domain.StatusActive && !r.Manual {
			a.Status = domain.StatusCompleted
		}
		return nil
	})
	if err != nil {
		return domain.Automation{}, writeErr("record run result", err)
	}
	return a, nil
}

func (s *Store) retain(fps []string) []string {
	if s.maxFingerprints <= 0 || len(fps) <= s.maxFingerprints {
		return fps
	}
	return append([]string(nil), fps[len(fps)-s.maxFingerprints:]...)
}

// ResetFingerprints forgets every delivered item so they may be sent again.
func (s *Store) ResetFingerprints(ctx context.Context, id string) (domain.Automation, error) {
	a, err := s.db.UpdateAutomation(ctx, id, func(a *domain.Automation) error {
		a.SeenFingerprints = nil
		a.UpdatedAt = s.now()
		return nil
	})
	return a, writeErr("reset fingerprints", err)
}

// AppendRunLog records a finished run. Failures are logged, not returned:
// the run result itself is already persisted.
func (s *Store) AppendRunLog(ctx context.Context, r domain.RunResult) {
	if err := s.db.AppendRunLog(ctx, r.Log()); err != nil {
		s.log.Warn("run log append failed", logx.String("automation", r.AutomationID), logx.Err(err))
	}
}

func (s *Store) RecentRuns(ctx context.Context, id string, limit int) ([]domain.RunLog, error) {
	return s.db.RecentRuns(ctx, id, limit)
}

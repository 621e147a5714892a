package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"autoposter/internal/domain"
)

const runLogCap = 1000

// memStore keeps records in maps. The file driver reuses it and persists a
// snapshot from the commit hook.
type memStore struct {
	mu     sync.Mutex
	closed bool

	automations map[string]domain.Automation
	posts       map[string]domain.ScheduledPost
	runs        []domain.RunLog

	// commit runs under mu after every mutation; an error rolls it back.
	commit func() error
}

// NewMemory returns a store that lives as long as the process.
func NewMemory() Store { return newMemStore() }

func newMemStore() *memStore {
	return &memStore{
		automations: map[string]domain.Automation{},
		posts:       map[string]domain.ScheduledPost{},
	}
}

func (s *memStore) persist() error {
	if s.commit == nil {
		return nil
	}
	return s.commit()
}

func (s *memStore) InsertAutomation(_ context.Context, a domain.Automation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.automations[a.ID]; ok {
		return fmt.Errorf("automation %s: %w", a.ID, ErrExists)
	}
	s.automations[a.ID] = a.Clone()
	if err := s.persist(); err != nil {
		delete(s.automations, a.ID)
		return err
	}
	return nil
}

func (s *memStore) GetAutomation(_ context.Context, id string) (domain.Automation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.automations[id]
	if !ok {
		return domain.Automation{}, fmt.Errorf("automation %s: %w", id, domain.ErrNotFound)
	}
	return a.Clone(), nil
}

func (s *memStore) ListAutomations(context.Context) ([]domain.Automation, error) {
	s.mu.Lock()
	out := make([]domain.Automation, 0, len(s.automations))
	for _, a := range s.automations {
		out = append(out, a.Clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *memStore) UpdateAutomation(_ context.Context, id string, fn func(*domain.Automation) error) (domain.Automation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.Automation{}, ErrClosed
	}
	old, ok := s.automations[id]
	if !ok {
		return domain.Automation{}, fmt.Errorf("automation %s: %w", id, domain.ErrNotFound)
	}
	next := old.Clone()
	if err := fn(&next); err != nil {
		return domain.Automation{}, err
	}
	next.ID = id
	s.automations[id] = next
	if err := s.persist(); err != nil {
		s.automations[id] = old
		return domain.Automation{}, err
	}
	return next.Clone(), nil
}

func (s *memStore) DeleteAutomation(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	old, ok := s.automations[id]
	if !ok {
		return false, nil
	}
	delete(s.automations, id)
	if err := s.persist(); err != nil {
		s.automations[id] = old
		return false, err
	}
	return true, nil
}

func (s *memStore) InsertPost(_ context.Context, p domain.ScheduledPost) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.posts[p.ID]; ok {
		return fmt.Errorf("post %s: %w", p.ID, ErrExists)
	}
	s.posts[p.ID] = p.Clone()
	if err := s.persist(); err != nil {
		delete(s.posts, p.ID)
		return err
	}
	return nil
}

func (s *memStore) GetPost(_ context.Context, id string) (domain.ScheduledPost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[id]
	if !ok {
		return domain.ScheduledPost{}, fmt.Errorf("post %s: %w", id, domain.ErrNotFound)
	}
	return p.Clone(), nil
}

func (s *memStore) ListPosts(context.Context) ([]domain.ScheduledPost, error) {
	s.mu.Lock()
	out := make([]domain.ScheduledPost, 0, len(s.posts))
	for _, p := range s.posts {
		out = append(out, p.Clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].FireAt.Equal(out[j].FireAt) {
			return out[i].FireAt.Before(out[j].FireAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *memStore) UpdatePost(_ context.Context, id string, fn func(*domain.ScheduledPost) error) (domain.ScheduledPost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.ScheduledPost{}, ErrClosed
	}
	old, ok := s.posts[id]
	if !ok {
		return domain.ScheduledPost{}, fmt.Errorf("post %s: %w", id, domain.ErrNotFound)
	}
	next := old.Clone()
	if err := fn(&next); err != nil {
		return domain.ScheduledPost{}, err
	}
	next.ID = id
	s.posts[id] = next
	if err := s.persist(); err != nil {
		s.posts[id] = old
		return domain.ScheduledPost{}, err
	}
	return next.Clone(), nil
}

func (s *memStore) DeletePost(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	old, ok := s.posts[id]
	if !ok {
		return false, nil
	}
	delete(s.posts, id)
	if err := s.persist(); err != nil {
		s.posts[id] = old
		return false, err
	}
	return true, nil
}

func (s *memStore) AppendRunLog(_ context.Context, r domain.RunLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.runs = append(s.runs, r)
	if n := len(s.runs); n > runLogCap {
		s.runs = append([]domain.RunLog(nil), s.runs[n-runLogCap:]...)
	}
	return nil
}

func (s *memStore) RecentRuns(_ context.Context, automationID string, limit int) ([]domain.RunLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return recentRuns(s.runs, automationID, limit), nil
}

// recentRuns returns newest first.
func recentRuns(runs []domain.RunLog, automationID string, limit int) []domain.RunLog {
	if limit <= 0 {
		limit = 20
	}
	out := make([]domain.RunLog, 0, limit)
	for i := len(runs) - 1; i >= 0 && len(out) < limit; i-- {
		if automationID == "" || runs[i].AutomationID == automationID {
			out = append(out, runs[i])
		}
	}
	return out
}

func (s *memStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

package automation

import (
	"context"
	"errors"
	"fmt"

	"autoposter/internal/domain"
	logx "autoposter/pkg/logx"
)

func (s *Store) CreatePost(ctx context.Context, spec domain.PostSpec) (domain.ScheduledPost, error) {
	if err := spec.Validate(); err != nil {
		return domain.ScheduledPost{}, err
	}
	p := domain.NewScheduledPost(s.newID(), spec, s.now())
	if err := s.db.InsertPost(ctx, p); err != nil {
		return domain.ScheduledPost{}, writeErr("create post", err)
	}
	s.log.Info("post scheduled",
		logx.String("post", p.ID),
		logx.Time("fire_at", p.FireAt),
		logx.Bool("repeat_daily", p.RepeatDaily),
	)
	return p, nil
}

func (s *Store) GetPost(ctx context.Context, id string) (domain.ScheduledPost, error) {
	return s.db.GetPost(ctx, id)
}

func (s *Store) ListPosts(ctx context.Context) ([]domain.ScheduledPost, error) {
	return s.db.ListPosts(ctx)
}

func (s *Store) UpdatePost(ctx context.Context, id string, fn func(*domain.ScheduledPost) error) (domain.ScheduledPost, error) {
	p, err := s.db.UpdatePost(ctx, id, fn)
	return p, writeErr("update post", err)
}

// CancelPost marks a scheduled post cancelled. Posts that already left the
// scheduled state are returned unchanged.
func (s *Store) CancelPost(ctx context.Context, id string) (domain.ScheduledPost, error) {
	p, err := s.db.UpdatePost(ctx, id, func(p *domain.ScheduledPost) error {
		if p.Status != domain.PostScheduled {
			return errUnchanged
		}
		p.Status = domain.PostCancelled
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return s.db.GetPost(ctx, id)
	}
	if err != nil {
		return domain.ScheduledPost{}, writeErr(fmt.Sprintf("cancel post %s", id), err)
	}
	s.log.Info("post cancelled", logx.String("post", id))
	return p, nil
}

// DeletePost removes a post in any status. Deleting a missing post succeeds.
func (s *Store) DeletePost(ctx context.Context, id string) error {
	removed, err := s.db.DeletePost(ctx, id)
	if err != nil {
		return writeErr("delete post", err)
	}
	if removed {
		s.log.Info("post deleted", logx.String("post", id))
	}
	return nil
}

package app

import (
	"context"
	"errors"
	"strings"

	"autoposter/internal/config"
	"autoposter/internal/domain"
	"autoposter/internal/poster"
	logx "autoposter/pkg/logx"
)

// seedTarget is the part of poster.Service seeding goes through.
type seedTarget interface {
	ListAutomations(ctx context.Context) ([]poster.AutomationView, error)
	CreateAutomation(ctx context.Context, spec domain.Spec) (poster.AutomationView, error)
	PauseResume(ctx context.Context, id string) (poster.AutomationView, error)
	ListPosts(ctx context.Context) ([]domain.ScheduledPost, error)
	SchedulePost(ctx context.Context, spec domain.PostSpec) (domain.ScheduledPost, error)
}

type seedReport struct {
	Automations int
	Posts       int
	Failed      int
}

// seed creates the automations and posts declared in config that the store
// does not have yet. Automations are matched by name; posts by message and
// fire time in any status, so a sent one-off post is never resent.
func seed(ctx context.Context, t seedTarget, cfg *config.Config, log logx.Logger) (seedReport, error) {
	var rep seedReport
	if len(cfg.Automations) == 0 && len(cfg.Posts) == 0 {
		return rep, nil
	}

	autos, err := t.ListAutomations(ctx)
	if err != nil {
		return rep, err
	}
	names := make(map[string]struct{}, len(autos))
	for _, a := range autos {
		names[strings.ToLower(strings.TrimSpace(a.Name))] = struct{}{}
	}

	var errs []error
	for _, s := range cfg.Automations {
		key := strings.ToLower(strings.TrimSpace(s.Name))
		if _, ok := names[key]; ok {
			continue
		}
		v, err := t.CreateAutomation(ctx, s.Spec)
		if err != nil {
			rep.Failed++
			errs = append(errs, err)
			log.Warn("seed automation failed", logx.String("name", s.Name), logx.Err(err))
			continue
		}
		names[key] = struct{}{}
		rep.Automations++
		if s.Paused {
			if _, err := t.PauseResume(ctx, v.ID); err != nil {
				errs = append(errs, err)
				log.Warn("seed pause failed", logx.String("automation", v.ID), logx.Err(err))
			}
		}
		log.Info("automation seeded", logx.String("automation", v.ID), logx.String("name", v.Name), logx.Bool("paused", s.Paused))
	}

	if len(cfg.Posts) == 0 {
		return rep, errors.Join(errs...)
	}
	posts, err := t.ListPosts(ctx)
	if err != nil {
		return rep, errors.Join(append(errs, err)...)
	}
	for _, spec := range cfg.Posts {
		if hasPost(posts, spec) {
			continue
		}
		p, err := t.SchedulePost(ctx, spec)
		if err != nil {
			rep.Failed++
			errs = append(errs, err)
			log.Warn("seed post failed", logx.Time("fire_at", spec.FireAt), logx.Err(err))
			continue
		}
		posts = append(posts, p)
		rep.Posts++
		log.Info("post seeded", logx.String("post", p.ID), logx.Time("fire_at", p.FireAt))
	}
	return rep, errors.Join(errs...)
}

func hasPost(posts []domain.ScheduledPost, spec domain.PostSpec) bool {
	for _, p := range posts {
		if p.Message == spec.Message && p.FireAt.Equal(spec.FireAt) {
			return true
		}
	}
	return false
}

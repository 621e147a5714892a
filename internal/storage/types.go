package storage

import (
	"context"
	"errors"
	"time"

	"autoposter/internal/domain"
)

var (
	ErrClosed = errors.New("storage closed")
	ErrExists = errors.New("record already exists")
)

// Config selects and configures a driver.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence contract. Get/Update/Delete of a missing record
// report domain.ErrNotFound (Delete only through its bool).
type Store interface {
	InsertAutomation(ctx context.Context, a domain.Automation) error
	GetAutomation(ctx context.Context, id string) (domain.Automation, error)
	ListAutomations(ctx context.Context) ([]domain.Automation, error)
	UpdateAutomation(ctx context.Context, id string, fn func(*domain.Automation) error) (domain.Automation, error)
	DeleteAutomation(ctx context.Context, id string) (bool, error)

	InsertPost(ctx context.Context, p domain.ScheduledPost) error
	GetPost(ctx context.Context, id string) (domain.ScheduledPost, error)
	ListPosts(ctx context.Context) ([]domain.ScheduledPost, error)
	UpdatePost(ctx context.Context, id string, fn func(*domain.ScheduledPost) error) (domain.ScheduledPost, error)
	DeletePost(ctx context.Context, id string) (bool, error)

	AppendRunLog(ctx context.Context, r domain.RunLog) error
	RecentRuns(ctx context.Context, automationID string, limit int) ([]domain.RunLog, error)

	Close() error
}

package scheduler

import (
	"context"
	"sync"
	"time"

	"autoposter/internal/domain"
	"autoposter/internal/observability/metrics"
	"autoposter/internal/task/engine"
	logx "autoposter/pkg/logx"

	"github.com/robfig/cron/v3"
)

// Config controls the scheduler.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"; daily posts and cron intervals use it

	// RunTimeout bounds one automation run in the task engine.
	RunTimeout time.Duration

	// PostRetryDelay and PostMaxAttempts govern redelivery of a failed post.
	PostRetryDelay  time.Duration
	PostMaxAttempts int

	// StartupSpread delays catch-up fires found at Start by a random
	// amount up to this value. 0 fires them immediately.
	StartupSpread time.Duration
}

func (c Config) withDefaults() Config {
	if c.RunTimeout <= 0 {
		c.RunTimeout = 5 * time.Minute
	}
	if c.PostRetryDelay <= 0 {
		c.PostRetryDelay = time.Minute
	}
	if c.PostMaxAttempts <= 0 {
		c.PostMaxAttempts = 3
	}
	return c
}

// Store is the slice of the automation store the scheduler reads.
type Store interface {
	Get(ctx context.Context, id string) (domain.Automation, error)
	List(ctx context.Context) ([]domain.Automation, error)
	GetPost(ctx context.Context, id string) (domain.ScheduledPost, error)
	ListPosts(ctx context.Context) ([]domain.ScheduledPost, error)
	UpdatePost(ctx context.Context, id string, fn func(*domain.ScheduledPost) error) (domain.ScheduledPost, error)
}

// Runner does the work a fire triggers. Both calls run on task engine
// workers.
type Runner interface {
	RunAutomation(ctx context.Context, id string) error
	DeliverPost(ctx context.Context, p domain.ScheduledPost) error
}

// State is the scheduler-side lifecycle of one automation.
type State string

const (
	StateIdle      State = "idle"
	StateArmed     State = "armed"
	StateFiring    State = "firing"
	StateCompleted State = "completed"
	StatePaused    State = "paused"
	StateDeleted   State = "deleted"
)

// Timer is the part of *time.Timer the scheduler uses.
type Timer interface{ Stop() bool }

// Clock lets tests drive timers deterministically.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time                            { return time.Now() }
func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

type autoEntry struct {
	id    string
	iv    domain.Interval
	sched cron.Schedule // cron intervals only
	state State
	next  time.Time
	timer Timer
	ver   uint64
	fires int
}

type postEntry struct {
	id    string
	next  time.Time
	timer Timer
	ver   uint64
}

type Service struct {
	mu sync.Mutex

	log     logx.Logger
	cfg     Config
	loc     *time.Location
	clock   Clock
	store   Store
	runner  Runner
	engine  *engine.Service
	metrics *metrics.Metrics

	parser  cron.Parser
	started bool

	autos map[string]*autoEntry
	posts map[string]*postEntry

	// Enqueue error throttling: key is the task name.
	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

// AutomationInfo is the derived per-automation view.
type AutomationInfo struct {
	ID       string    `json:"id"`
	State    State     `json:"state"`
	Interval string    `json:"interval"`
	Next     time.Time `json:"next,omitempty"`
	Fires    int       `json:"fires"`
}

type PostInfo struct {
	ID   string    `json:"id"`
	Next time.Time `json:"next"`
}

type Snapshot struct {
	Enabled     bool             `json:"enabled"`
	Timezone    string           `json:"timezone"`
	Armed       int              `json:"armed"`
	Automations []AutomationInfo `json:"automations"`
	Posts       []PostInfo       `json:"posts"`

	// Executor diagnostics (task engine).
	Engine      engine.Snapshot    `json:"engine"`
	TaskOptions engine.TaskOptions `json:"task_options"`
}

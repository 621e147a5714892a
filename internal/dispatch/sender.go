package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"autoposter/internal/domain"
	"autoposter/internal/eventbus"
	"autoposter/internal/observability/metrics"
	rtsup "autoposter/internal/runtime/supervisor"
	"autoposter/internal/task/engine"
	logx "autoposter/pkg/logx"

	"golang.org/x/time/rate"
)

var (
	ErrSenderStopped = errors.New("sender stopped")
)

// Transport delivers one message; messaging.Session implements it.
type Transport interface {
	Send(ctx context.Context, destID string, msg domain.Message) error
}

// SenderConfig controls the shared send path.
type SenderConfig struct {
	// Interval is the minimum gap between two sends, process wide.
	Interval      time.Duration
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
	QueueSize     int
}

func (c SenderConfig) withDefaults() SenderConfig {
	if c.Interval < 0 {
		c.Interval = 0
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	return c
}

// DefaultSenderConfig mirrors the config defaults: one send every 2s and
// two retries.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{Interval: 2 * time.Second, RetryMax: 2}.withDefaults()
}

type sendJob struct {
	ctx    context.Context
	dest   string
	msg    domain.Message
	result chan error
}

// SendEvent is published for every finished send.
type SendEvent struct {
	Dest     string `json:"dest"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

// Sender is the single ordered send path: one worker drains a FIFO queue,
// waits for the rate limiter before every attempt and retries transient
// failures. A disconnected provider is never retried.
type Sender struct {
	mu        sync.Mutex
	cfg       SenderConfig
	limiter   *rate.Limiter
	transport Transport
	log       logx.Logger
	bus       eventbus.Bus
	metrics   *metrics.Metrics

	queue     chan sendJob
	accepting bool
	sendWG    sync.WaitGroup
	sup       *rtsup.Supervisor
	stopDone  chan struct{}
}

func NewSender(cfg SenderConfig, t Transport, log logx.Logger, bus eventbus.Bus, m *metrics.Metrics) *Sender {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	s := &Sender{
		transport: t,
		log:       log.With(logx.String("comp", "sender")),
		bus:       bus,
		metrics:   m,
	}
	s.applyLocked(cfg)
	return s
}

func limitFor(interval time.Duration) rate.Limit {
	if interval <= 0 {
		return rate.Inf
	}
	return rate.Every(interval)
}

// Apply swaps pacing and retry settings; queued sends pick them up.
func (s *Sender) Apply(cfg SenderConfig) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Sender) applyLocked(cfg SenderConfig) {
	cfg = cfg.withDefaults()
	if s.limiter == nil {
		s.limiter = rate.NewLimiter(limitFor(cfg.Interval), 1)
	} else {
		s.limiter.SetLimit(limitFor(cfg.Interval))
	}
	// QueueSize only takes effect on the next Start.
	if s.queue != nil {
		cfg.QueueSize = s.cfg.QueueSize
	}
	s.cfg = cfg
}

func (s *Sender) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil {
		s.mu.Unlock()
		return
	}
	q := make(chan sendJob, s.cfg.QueueSize)
	s.queue = q
	s.accepting = true
	s.sup = rtsup.New(context.WithoutCancel(ctx),
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	sup.GoRestart("worker", func(c context.Context) error {
		s.workerLoop(c, q)
		return nil
	})
	s.log.Info("sender started")
}

// Stop stops intake and drains queued sends until ctx expires; whatever is
// left then fails with ErrSenderStopped.
func (s *Sender) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		// Wait for in-flight enqueues, then close the queue so the worker drains.
		s.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())
		for j := range q {
			j.result <- ErrSenderStopped
		}
		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
		s.log.Info("sender stopped")
	case <-ctx.Done():
		sup.Cancel()
		s.log.Warn("sender stop timed out", logx.Err(ctx.Err()))
	}
}

// Send queues one message and waits for its outcome. Messages leave in the
// order Send was called.
func (s *Sender) Send(ctx context.Context, dest string, msg domain.Message) error {
	s.mu.Lock()
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrSenderStopped
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()

	j := sendJob{ctx: ctx, dest: dest, msg: msg, result: make(chan error, 1)}
	select {
	case q <- j:
		s.sendWG.Done()
	case <-ctx.Done():
		s.sendWG.Done()
		return ctx.Err()
	}

	select {
	case err := <-j.result:
		return err
	case <-ctx.Done():
		// The worker skips jobs whose context is done.
		return ctx.Err()
	}
}

// SendAlert lets the log alert sink share the paced send path.
func (s *Sender) SendAlert(ctx context.Context, destination, text string) error {
	return s.Send(ctx, destination, domain.Message{Text: text})
}

func (s *Sender) workerLoop(ctx context.Context, q <-chan sendJob) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			j.result <- s.sendWithRetry(ctx, j, rng)
		}
	}
}

func (s *Sender) sendWithRetry(runCtx context.Context, j sendJob, rng *rand.Rand) error {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	ctx, cancel := mergeCancel(j.ctx, runCtx)
	defer cancel()

	opt := engine.TaskOptions{RetryBase: cfg.RetryBase, RetryMaxDelay: cfg.RetryMaxDelay, RetryJitter: 0.2}
	maxAttempts := 1 + cfg.RetryMax
	var err error
	attempts := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		if werr := lim.Wait(ctx); werr != nil {
			err = werr
			break
		}
		callCtx, callCancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err = s.transport.Send(callCtx, j.dest, j.msg)
		callCancel()
		if err == nil || errors.Is(err, domain.ErrProviderDisconnected) || attempt >= maxAttempts {
			break
		}

		delay := engine.BackoffDelay(opt, attempt, rng)
		var ra engine.RetryAfterError
		if errors.As(err, &ra) && ra.RetryAfter() > 0 {
			delay = min(ra.RetryAfter(), cfg.RetryMaxDelay)
		}
		s.log.Debug("send failed, retrying", logx.String("dest", j.dest), logx.Int("attempt", attempt), logx.Duration("delay", delay), logx.Err(err))
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			err = errors.Join(err, ctx.Err())
			attempt = maxAttempts
		}
	}

	ev := SendEvent{Dest: j.dest, Attempts: attempts}
	switch {
	case err == nil:
		s.metrics.SendResult("ok")
		s.bus.Publish(eventbus.Event{Type: eventbus.PostDelivered, Data: ev})
		return nil
	case errors.Is(err, domain.ErrProviderDisconnected):
		s.metrics.SendResult("disconnected")
	default:
		s.metrics.SendResult("failed")
	}
	ev.Error = err.Error()
	s.bus.Publish(eventbus.Event{Type: eventbus.PostFailed, Data: ev})
	s.log.Warn("send failed", logx.String("dest", j.dest), logx.Int("attempts", attempts), logx.Err(err))
	return err
}

// mergeCancel returns a context that ends when either a or b does; values
// come from a.
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

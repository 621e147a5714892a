package messaging

import (
	"context"
	"sync"

	"autoposter/internal/domain"
	logx "autoposter/pkg/logx"
)

// LogProvider is a dry-run backend: it reports the configured groups as
// ready and writes every message to the log instead of delivering it.
type LogProvider struct {
	groups []domain.Group
	log    logx.Logger

	mu     sync.Mutex
	sent   []Delivery
	closed chan struct{}
	once   sync.Once
}

// Delivery is one message accepted by LogProvider.
type Delivery struct {
	DestID  string
	Message domain.Message
}

func NewLogProvider(groups []domain.Group, log logx.Logger) *LogProvider {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogProvider{
		groups: append([]domain.Group(nil), groups...),
		log:    log.With(logx.String("comp", "messaging.log")),
		closed: make(chan struct{}),
	}
}

func (p *LogProvider) Name() string { return "log" }

func (p *LogProvider) Connect(ctx context.Context) (<-chan Event, error) {
	ch := make(chan Event, 2)
	ch <- Event{Kind: EventAuthenticated}
	ch <- Event{Kind: EventReady, Groups: append([]domain.Group(nil), p.groups...)}
	go func() {
		select {
		case <-ctx.Done():
		case <-p.closed:
		}
		close(ch)
	}()
	return ch, nil
}

func (p *LogProvider) Send(_ context.Context, destID string, msg domain.Message) error {
	p.mu.Lock()
	p.sent = append(p.sent, Delivery{DestID: destID, Message: msg})
	p.mu.Unlock()
	p.log.Info("message (dry run)",
		logx.String("dest", destID),
		logx.String("text", msg.Text),
		logx.String("image", msg.ImageURL),
	)
	return nil
}

// Sent returns a copy of every accepted message.
func (p *LogProvider) Sent() []Delivery {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Delivery(nil), p.sent...)
}

func (p *LogProvider) Close(context.Context) error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

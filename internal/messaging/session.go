package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"autoposter/internal/domain"
	"autoposter/internal/eventbus"
	"autoposter/internal/observability/metrics"
	logx "autoposter/pkg/logx"
)

type State string

const (
	StateDisconnected       State = "disconnected"
	StateAwaitingCredential State = "awaiting_credential"
	StateAuthenticated      State = "authenticated"
	StateReady              State = "ready"
	StateFailed             State = "failed"
)

var AllStates = []string{
	string(StateDisconnected),
	string(StateAwaitingCredential),
	string(StateAuthenticated),
	string(StateReady),
	string(StateFailed),
}

// Status is the session's observable state.
type Status struct {
	State      State          `json:"state"`
	Provider   string         `json:"provider"`
	Credential string         `json:"credential,omitempty"`
	Groups     []domain.Group `json:"groups,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Since      time.Time      `json:"since"`
}

// next returns the state an event leads to from cur, or false when the
// event does not apply in cur.
func next(cur State, k EventKind) (State, bool) {
	switch k {
	case EventCredential:
		switch cur {
		case StateDisconnected, StateAwaitingCredential, StateFailed:
			return StateAwaitingCredential, true
		}
	case EventAuthenticated:
		switch cur {
		case StateDisconnected, StateAwaitingCredential, StateFailed:
			return StateAuthenticated, true
		}
	case EventReady:
		switch cur {
		case StateAuthenticated, StateReady:
			return StateReady, true
		}
	case EventDisconnected:
		if cur != StateDisconnected {
			return StateDisconnected, true
		}
	case EventAuthFailed:
		if cur != StateReady {
			return StateFailed, true
		}
	}
	return cur, false
}

var errSessionEnded = errors.New("messaging session ended")

// Session owns the one authoritative connection state. Observers follow it
// through the event bus (eventbus.SessionChanged) or Subscribe.
type Session struct {
	provider Provider
	bus      eventbus.Bus
	log      logx.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu     sync.RWMutex
	status Status
}

func NewSession(p Provider, bus eventbus.Bus, log logx.Logger, m *metrics.Metrics) *Session {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Session{
		provider: p,
		bus:      bus,
		log:      log.With(logx.String("comp", "messaging.session"), logx.String("provider", p.Name())),
		metrics:  m,
		now:      time.Now,
	}
	s.status = Status{State: StateDisconnected, Provider: p.Name(), Since: s.now()}
	m.SetSessionState(string(StateDisconnected), AllStates)
	return s
}

func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.status
	st.Groups = append([]domain.Group(nil), s.status.Groups...)
	return st
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status.State
}

func (s *Session) Groups() []domain.Group { return s.Status().Groups }

// Subscribe streams session status changes.
func (s *Session) Subscribe(buffer int) (<-chan eventbus.Event, func()) {
	return s.bus.Subscribe(buffer, eventbus.SessionChanged)
}

// Apply feeds one provider event through the state machine.
func (s *Session) Apply(ev Event) {
	s.mu.Lock()
	cur := s.status.State
	to, ok := next(cur, ev.Kind)
	if !ok {
		s.mu.Unlock()
		s.log.Debug("session event ignored", logx.String("state", string(cur)), logx.String("event", ev.Kind.String()))
		return
	}
	st := s.status
	st.State = to
	st.Reason = ev.Reason
	if to != cur {
		st.Since = s.now()
	}
	switch ev.Kind {
	case EventCredential:
		st.Credential = ev.Credential
	case EventAuthenticated:
		st.Credential = ""
	case EventReady:
		st.Groups = append([]domain.Group(nil), ev.Groups...)
	case EventDisconnected, EventAuthFailed:
		st.Credential = ""
	}
	s.status = st
	s.mu.Unlock()

	s.metrics.SetSessionState(string(to), AllStates)
	s.bus.Publish(eventbus.Event{Type: eventbus.SessionChanged, Data: s.Status()})

	fields := []logx.Field{
		logx.String("from", string(cur)),
		logx.String("to", string(to)),
		logx.Int("groups", len(st.Groups)),
	}
	if ev.Reason != "" {
		fields = append(fields, logx.String("reason", ev.Reason))
	}
	switch to {
	case StateDisconnected, StateFailed:
		s.log.Warn("session state changed", fields...)
	default:
		s.log.Info("session state changed", fields...)
	}
}

// Run connects and pumps provider events until the connection ends. It
// returns an error for any ending other than ctx cancellation, so a
// restart loop reconnects.
func (s *Session) Run(ctx context.Context) error {
	events, err := s.provider.Connect(ctx)
	if err != nil {
		s.Apply(Event{Kind: EventAuthFailed, Reason: err.Error()})
		return fmt.Errorf("connect %s: %w", s.provider.Name(), err)
	}
	for {
		select {
		case <-ctx.Done():
			s.Apply(Event{Kind: EventDisconnected, Reason: "shutdown"})
			return nil
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					s.Apply(Event{Kind: EventDisconnected, Reason: "shutdown"})
					return nil
				}
				s.Apply(Event{Kind: EventDisconnected, Reason: "event stream closed"})
				return errSessionEnded
			}
			s.Apply(ev)
			if ev.Kind == EventDisconnected || ev.Kind == EventAuthFailed {
				return fmt.Errorf("%w: %s", errSessionEnded, ev.Reason)
			}
		}
	}
}

// Send delivers one message. It refuses to send unless the session is
// Ready and reports provider-side disconnects as ErrProviderDisconnected.
func (s *Session) Send(ctx context.Context, destID string, msg domain.Message) error {
	if st := s.State(); st != StateReady {
		return fmt.Errorf("%w: session %s", domain.ErrProviderDisconnected, st)
	}
	err := s.provider.Send(ctx, destID, msg)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrNotConnected), errors.Is(err, domain.ErrProviderDisconnected):
		s.Apply(Event{Kind: EventDisconnected, Reason: err.Error()})
		if errors.Is(err, domain.ErrProviderDisconnected) {
			return err
		}
		return fmt.Errorf("%w: %v", domain.ErrProviderDisconnected, err)
	case errors.Is(err, domain.ErrSendFailed):
		return err
	default:
		return fmt.Errorf("%w: %w", domain.ErrSendFailed, err)
	}
}

// Resolve maps destination names (group ids or display names, case
// insensitive) to group ids. Unknown names are returned separately.
func (s *Session) Resolve(names []string) (ids []string, unknown []string) {
	groups := s.Groups()
	seen := map[string]bool{}
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		id := ""
		for _, g := range groups {
			if g.ID == n || strings.EqualFold(g.DisplayName, n) {
				id = g.ID
				break
			}
		}
		if id == "" {
			unknown = append(unknown, n)
			continue
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, unknown
}

func (s *Session) Close(ctx context.Context) error {
	return s.provider.Close(ctx)
}

// Package messaging tracks the messaging session and wraps the provider
// that actually delivers messages.
package messaging

import (
	"context"
	"fmt"
	"time"

	"autoposter/internal/domain"
)

type EventKind int

const (
	EventCredential EventKind = iota + 1
	EventAuthenticated
	EventReady
	EventDisconnected
	EventAuthFailed
)

func (k EventKind) String() string {
	switch k {
	case EventCredential:
		return "credential"
	case EventAuthenticated:
		return "authenticated"
	case EventReady:
		return "ready"
	case EventDisconnected:
		return "disconnected"
	case EventAuthFailed:
		return "auth_failed"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is emitted by a provider while connected. Credential carries an
// opaque payload (for example a QR code) the operator must present.
type Event struct {
	Kind       EventKind
	Credential string
	Groups     []domain.Group
	Reason     string
}

// Provider is a messaging backend. Connect returns a channel of session
// events that is closed when the connection ends.
type Provider interface {
	Name() string
	Connect(ctx context.Context) (<-chan Event, error)
	Send(ctx context.Context, destID string, msg domain.Message) error
	Close(ctx context.Context) error
}

// RateLimitedError asks the caller to wait before the next attempt.
type RateLimitedError struct {
	After time.Duration
	Err   error
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s: %v", e.After, e.Err)
}

func (e *RateLimitedError) Unwrap() error             { return e.Err }
func (e *RateLimitedError) RetryAfter() time.Duration { return e.After }

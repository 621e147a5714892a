package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrStoreWrite           = errors.New("store write failed")
	ErrSendFailed           = errors.New("send failed")
	ErrNotConnected         = errors.New("not connected")
	ErrProviderDisconnected = errors.New("messaging provider disconnected")
	ErrInvalidSpec          = errors.New("invalid automation spec")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrRunInProgress        = errors.New("run already in progress")
	ErrNotActive            = errors.New("automation not active")
)

type ExtractionKind string

const (
	ExtractionNetwork ExtractionKind = "network"
	ExtractionTimeout ExtractionKind = "timeout"
	ExtractionParse   ExtractionKind = "parse"
)

// ExtractionError aborts a run before anything is sent.
type ExtractionError struct {
	Kind ExtractionKind
	URL  string
	Err  error
}

func (e *ExtractionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("extract %s (%s)", e.URL, e.Kind)
	}
	return fmt.Sprintf("extract %s (%s): %v", e.URL, e.Kind, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// IsExtraction reports whether err carries an ExtractionError.
func IsExtraction(err error) bool {
	var ee *ExtractionError
	return errors.As(err, &ee)
}

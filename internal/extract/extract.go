// Package extract turns a source page into ordered items.
//
// The dispatcher only sees the Extractor interface, wrapped in a Pool that
// bounds concurrency and enforces a hard deadline. HTMLExtractor is the
// bundled implementation; it fetches pages over HTTP or through a headless
// browser.
package extract

import (
	"context"

	"autoposter/internal/domain"
)

// Request asks for at most Limit items from SourceURL.
type Request struct {
	SourceURL      string
	Mode           domain.ExtractionMode
	Limit          int
	CustomSelector string
}

// Extractor failures should be *domain.ExtractionError; the pool wraps
// anything else.
type Extractor interface {
	Extract(ctx context.Context, req Request) ([]domain.Item, error)
}

// Func adapts a function to Extractor.
type Func func(ctx context.Context, req Request) ([]domain.Item, error)

func (f Func) Extract(ctx context.Context, req Request) ([]domain.Item, error) { return f(ctx, req) }

package extract

import (
	"context"
	"errors"
	"time"

	"autoposter/internal/domain"
	"autoposter/internal/observability/metrics"
	logx "autoposter/pkg/logx"
)

const (
	DefaultPoolSize = 2
	DefaultTimeout  = 30 * time.Second
)

type PoolConfig struct {
	Size    int
	Timeout time.Duration
}

// Pool limits concurrent extractions and cuts each one off at Timeout.
// The slot is held until the extractor really returns, so an extractor
// that ignores its context still counts against Size.
type Pool struct {
	ex      Extractor
	sem     chan struct{}
	timeout time.Duration
	log     logx.Logger
	metrics *metrics.Metrics
}

func NewPool(ex Extractor, cfg PoolConfig, log logx.Logger, m *metrics.Metrics) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = DefaultPoolSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{
		ex:      ex,
		sem:     make(chan struct{}, cfg.Size),
		timeout: cfg.Timeout,
		log:     log.With(logx.String("comp", "extract.pool")),
		metrics: m,
	}
}

type outcome struct {
	items []domain.Item
	err   error
}

func (p *Pool) Extract(ctx context.Context, req Request) ([]domain.Item, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, &domain.ExtractionError{Kind: domain.ExtractionTimeout, URL: req.SourceURL, Err: ctx.Err()}
	}

	start := time.Now()
	p.metrics.ExtractionStarted()
	runCtx, cancel := context.WithTimeout(ctx, p.timeout)
	done := make(chan outcome, 1)
	go func() {
		defer func() { <-p.sem }()
		items, err := p.ex.Extract(runCtx, req)
		done <- outcome{items: items, err: err}
	}()

	var res outcome
	select {
	case res = <-done:
	case <-runCtx.Done():
		res = outcome{err: runCtx.Err()}
	}
	cancel()

	res.err = classify(req.SourceURL, res.err)
	took := time.Since(start)
	if res.err != nil {
		var ee *domain.ExtractionError
		errors.As(res.err, &ee)
		p.metrics.ExtractionDone(string(ee.Kind), took)
		p.log.Warn("extraction failed",
			logx.String("url", req.SourceURL),
			logx.String("mode", string(req.Mode)),
			logx.Duration("took", took),
			logx.Err(res.err),
		)
		return nil, res.err
	}
	p.metrics.ExtractionDone("ok", took)

	items := res.items
	if req.Limit > 0 && len(items) > req.Limit {
		items = items[:req.Limit]
	}
	p.log.Debug("extracted",
		logx.String("url", req.SourceURL),
		logx.Int("items", len(items)),
		logx.Duration("took", took),
	)
	return items, nil
}

func classify(url string, err error) error {
	if err == nil {
		return nil
	}
	var ee *domain.ExtractionError
	if errors.As(err, &ee) {
		return err
	}
	kind := domain.ExtractionNetwork
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		kind = domain.ExtractionTimeout
	}
	return &domain.ExtractionError{Kind: kind, URL: url, Err: err}
}

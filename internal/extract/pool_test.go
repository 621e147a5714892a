package extract

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"autoposter/internal/domain"
	logx "autoposter/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fiveItems() []domain.Item {
	return []domain.Item{{Title: "1"}, {Title: "2"}, {Title: "3"}, {Title: "4"}, {Title: "5"}}
}

func TestPoolEnforcesLimit(t *testing.T) {
	t.Parallel()

	p := NewPool(Func(func(context.Context, Request) ([]domain.Item, error) {
		return fiveItems(), nil
	}), PoolConfig{}, logx.Nop(), nil)

	items, err := p.Extract(context.Background(), Request{SourceURL: "https://x", Mode: domain.ModeHeadlines, Limit: 3})
	require.NoError(t, err)
	assert.Len(t, items, 3)
	assert.Equal(t, "1", items[0].Title)
}

func TestPoolHardTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	p := NewPool(Func(func(context.Context, Request) ([]domain.Item, error) {
		<-release // ignores its context on purpose
		return nil, nil
	}), PoolConfig{Size: 1, Timeout: 50 * time.Millisecond}, logx.Nop(), nil)

	start := time.Now()
	_, err := p.Extract(context.Background(), Request{SourceURL: "https://slow"})
	var ee *domain.ExtractionError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, domain.ExtractionTimeout, ee.Kind)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestPoolBoundsConcurrency(t *testing.T) {
	t.Parallel()

	var active, peak atomic.Int32
	p := NewPool(Func(func(context.Context, Request) ([]domain.Item, error) {
		n := active.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return nil, nil
	}), PoolConfig{Size: 2, Timeout: time.Second}, logx.Nop(), nil)

	errs := make(chan error, 6)
	for i := 0; i < 6; i++ {
		go func() {
			_, err := p.Extract(context.Background(), Request{SourceURL: "https://x"})
			errs <- err
		}()
	}
	for i := 0; i < 6; i++ {
		require.NoError(t, <-errs)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestPoolClassifiesPlainErrors(t *testing.T) {
	t.Parallel()

	p := NewPool(Func(func(context.Context, Request) ([]domain.Item, error) {
		return nil, errors.New("connection reset")
	}), PoolConfig{}, logx.Nop(), nil)

	_, err := p.Extract(context.Background(), Request{SourceURL: "https://x"})
	var ee *domain.ExtractionError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, domain.ExtractionNetwork, ee.Kind)
	assert.Equal(t, "https://x", ee.URL)

	parse := &domain.ExtractionError{Kind: domain.ExtractionParse, URL: "https://x"}
	p = NewPool(Func(func(context.Context, Request) ([]domain.Item, error) { return nil, parse }), PoolConfig{}, logx.Nop(), nil)
	_, err = p.Extract(context.Background(), Request{SourceURL: "https://x"})
	assert.Same(t, parse, err)
}

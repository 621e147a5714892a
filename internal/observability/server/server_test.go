package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"autoposter/internal/observability/metrics"
	logx "autoposter/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, h http.Handler, target string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if len(header) == 2 {
		req.Header.Set(header[0], header[1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndMetrics(t *testing.T) {
	m := metrics.New()
	m.RunFinished("ok")
	health := func(context.Context) (any, error) { return map[string]int{"armed": 3}, nil }
	s := New(Config{}, m, health, logx.Nop())
	h := s.Handler(Config{})

	rec := get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"armed":3}`, rec.Body.String())

	rec = get(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `autoposter_runs_total{outcome="ok"} 1`)

	// pprof is opt-in.
	rec = get(t, h, "/debug/pprof/")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthError(t *testing.T) {
	s := New(Config{}, nil, func(context.Context) (any, error) { return nil, errors.New("store down") }, logx.Nop())
	rec := get(t, s.Handler(Config{}), "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "store down")
}

func TestTokenAuth(t *testing.T) {
	s := New(Config{}, metrics.New(), nil, logx.Nop())
	h := s.Handler(Config{Token: "s3cret", Pprof: true})

	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/healthz").Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/healthz?token=nope").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz?token=s3cret").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/metrics", "Authorization", "Bearer s3cret").Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/debug/pprof/", "Authorization", "Bearer other").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/debug/pprof/?token=s3cret").Code)
}

func TestPprofCustomPrefix(t *testing.T) {
	s := New(Config{}, nil, nil, logx.Nop())
	h := s.Handler(Config{Pprof: true, PprofPrefix: "debug/prof"})

	assert.Equal(t, http.StatusOK, get(t, h, "/debug/prof/").Code)
	assert.Equal(t, http.StatusPermanentRedirect, get(t, h, "/debug/prof").Code)
}

func TestIsLoopbackAddr(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:9090": true,
		"localhost:80":   true,
		"[::1]:9090":     true,
		":9090":          false,
		"0.0.0.0:9090":   false,
		"10.0.0.5:9090":  false,
		"nonsense":       false,
	}
	for addr, want := range cases {
		assert.Equal(t, want, isLoopbackAddr(addr), addr)
	}
}

func TestReconfigureStartStop(t *testing.T) {
	s := New(Config{}, metrics.New(), nil, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	t.Cleanup(func() { s.Stop(context.Background()) })

	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0", MutexProfileFraction: -1, BlockProfileRate: -1})
	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "ok")

	s.Reconfigure(ctx, Config{Enabled: false, MutexProfileFraction: -1, BlockProfileRate: -1})
	assert.Empty(t, s.Addr())
	assert.False(t, s.Enabled())
}

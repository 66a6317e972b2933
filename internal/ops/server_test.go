package ops

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"queuepush/pkg/logx"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "queuepush_test_total", Help: "x"})
	reg.MustRegister(c)
	c.Inc()

	s := New(cfg, reg, logx.Nop())
	hs := httptest.NewServer(s.Handler(cfg))
	t.Cleanup(hs.Close)
	return s, hs
}

func get(t *testing.T, url string, header ...string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if len(header) == 2 {
		req.Header.Set(header[0], header[1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestHealthzReportsChecks(t *testing.T) {
	s, hs := newTestServer(t, Config{})
	s.AddCheck("storage", func(context.Context) error { return nil })

	code, body := get(t, hs.URL+"/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"ok","checks":{"storage":"ok"}}`, body)

	s.AddCheck("stream", func(context.Context) error { return errors.New("reconnecting") })
	code, body = get(t, hs.URL+"/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.JSONEq(t, `{"status":"degraded","checks":{"storage":"ok","stream":"reconnecting"}}`, body)
}

func TestMetricsAndStatus(t *testing.T) {
	s, hs := newTestServer(t, Config{})
	s.SetStatus(func() any { return map[string]int{"normal": 3} })

	code, body := get(t, hs.URL+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "queuepush_test_total 1")

	code, body = get(t, hs.URL+"/status")
	assert.Equal(t, http.StatusOK, code)
	var doc map[string]int
	require.NoError(t, json.Unmarshal([]byte(body), &doc))
	assert.Equal(t, 3, doc["normal"])
}

func TestTokenAuth(t *testing.T) {
	_, hs := newTestServer(t, Config{Token: "s3cret", Pprof: true})

	code, _ := get(t, hs.URL+"/healthz")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = get(t, hs.URL+"/healthz?token=s3cret")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = get(t, hs.URL+"/healthz", "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = get(t, hs.URL+"/healthz", "Authorization", "s3cret")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = get(t, hs.URL+"/healthz", "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, code)

	code, _ = get(t, hs.URL+"/debug/pprof/", "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, code)
}

func TestPprofDisabledByDefault(t *testing.T) {
	_, hs := newTestServer(t, Config{})
	code, _ := get(t, hs.URL+"/debug/pprof/")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestStartStop(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, prometheus.NewRegistry(), logx.Nop())
	s.Start(context.Background())
	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	code, _ := get(t, "http://"+s.Addr()+"/healthz")
	assert.Equal(t, http.StatusOK, code)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.Empty(t, s.Addr())
}

func TestIsLoopbackAddr(t *testing.T) {
	assert.True(t, isLoopbackAddr("127.0.0.1:9090"))
	assert.True(t, isLoopbackAddr("localhost:9090"))
	assert.True(t, isLoopbackAddr("[::1]:9090"))
	assert.False(t, isLoopbackAddr(":9090"))
	assert.False(t, isLoopbackAddr("0.0.0.0:9090"))
}

package admin

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "jobcluster/pkg/logx"
)

func newTestServer(t *testing.T, token string) *httptest.Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	s := New(Config{}, Sources{
		Gatherer: reg,
		Workers:  func() any { return []map[string]int{{"pid": 7}} },
	}, logx.Nop())
	ts := httptest.NewServer(s.Handler(token))
	t.Cleanup(ts.Close)
	return ts
}

func get(t *testing.T, url, bearer string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestEndpoints(t *testing.T) {
	ts := newTestServer(t, "")

	code, body := get(t, ts.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body)

	code, body = get(t, ts.URL+"/metrics", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "test_total 1")

	code, body = get(t, ts.URL+"/workers", "")
	assert.Equal(t, http.StatusOK, code)
	var workers []map[string]int
	require.NoError(t, json.Unmarshal([]byte(body), &workers))
	assert.Equal(t, 7, workers[0]["pid"])

	code, _ = get(t, ts.URL+"/cron", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, body = get(t, ts.URL+"/debug/pprof/", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "goroutine")
}

func TestTokenAuth(t *testing.T) {
	ts := newTestServer(t, "secret")

	code, _ := get(t, ts.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, code)

	code, _ = get(t, ts.URL+"/workers", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = get(t, ts.URL+"/workers", "wrong")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = get(t, ts.URL+"/workers", "secret")
	assert.Equal(t, http.StatusOK, code)
	code, _ = get(t, ts.URL+"/metrics?token=secret", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestIsLoopbackAddr(t *testing.T) {
	tests := map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:80":   true,
		"[::1]:6060":     true,
		":6060":          false,
		"0.0.0.0:6060":   false,
		"10.0.0.5:6060":  false,
		"nonsense":       false,
	}
	for addr, want := range tests {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestStartStop(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Sources{}, logx.Nop())
	ctx := context.Background()
	s.Start(ctx)

	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	code, body := get(t, "http://"+s.Addr()+"/healthz", "")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, strings.HasPrefix(body, "ok"))

	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	s.Stop(stopCtx)
	assert.Empty(t, s.Addr())
}

func TestRefusesInsecureBind(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Sources{}, logx.Nop())
	assert.Error(t, s.serveOnce(context.Background()))
}

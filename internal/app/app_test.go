package app

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobcluster/internal/config"
	"jobcluster/internal/errs"
	"jobcluster/internal/ipc"
	"jobcluster/internal/jobs"
	"jobcluster/internal/jobs/builtin"
	logx "jobcluster/pkg/logx"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestMapClusterConfigDefaults(t *testing.T) {
	cc, err := mapClusterConfig(&config.Config{})
	require.NoError(t, err)
	assert.Equal(t, runtime.NumCPU(), cc.Workers)
	assert.Equal(t, 5*time.Second, cc.PingInterval)
	assert.Equal(t, 30*time.Second, cc.ShutdownTimeout)

	cfg := &config.Config{Cluster: config.ClusterConfig{Workers: 3, PingInterval: "2s"}}
	cfg.Systemd.Watchdog = true
	cc, err = mapClusterConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, cc.Workers)
	assert.Equal(t, 2*time.Second, cc.PingInterval)
	assert.True(t, cc.Watchdog)
}

func TestMapWorkerConfig(t *testing.T) {
	cfg := &config.Config{Jobs: config.JobsConfig{
		Channel:     "work",
		MaxRuntime:  "10m",
		MaxLifetime: "1h",
		Concurrency: 4,
	}}
	wc, err := mapWorkerConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "work", wc.Channel)
	assert.Equal(t, 10*time.Minute, wc.MaxRuntime)
	assert.Equal(t, time.Hour, wc.MaxLifetime)
	assert.Equal(t, jobs.DefaultCheckInterval, wc.CheckInterval)
	assert.Equal(t, 4, wc.Concurrency)
	assert.Equal(t, 5*time.Second, wc.PingInterval)
}

func TestValidateRejects(t *testing.T) {
	tests := map[string]*config.Config{
		"bad duration":   {Jobs: config.JobsConfig{MaxRuntime: "soon"}},
		"bad timezone":   {Jobs: config.JobsConfig{Timezone: "Mars/Base"}},
		"negative count": {Cluster: config.ClusterConfig{Workers: -1}},
		"sqlite no path": {Storage: &config.StorageConfig{Driver: "sqlite"}},
		"bad driver":     {Storage: &config.StorageConfig{Driver: "oracle"}},
		"url no scheme":  {IPC: config.IPCConfig{Queue: map[string]config.ClientConfig{"": {URL: "nowhere"}}}},
	}
	for name, cfg := range tests {
		if err := validate(cfg); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	require.NoError(t, validate(&config.Config{}))
}

func TestMapStorageConfig(t *testing.T) {
	_, enabled, err := mapStorageConfig(&config.Config{})
	require.NoError(t, err)
	assert.False(t, enabled)

	sc, enabled, err := mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "SQLite", Path: "q.db"}})
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, time.Second, sc.BusyTimeout)
}

func TestRunJobInProcess(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, RunJob(ctx, "", "core.noop"))

	err := RunJob(ctx, "", map[string]any{
		"job":      []any{map[string]any{"core.fail": map[string]any{"status": 429}}},
		"noerrors": true,
	})
	assert.Equal(t, errs.StatusTooMany, errs.Status(err))

	err = RunJob(ctx, "", "not a task")
	assert.Equal(t, errs.StatusBadRequest, errs.Status(err))
}

func TestRunJobWithModule(t *testing.T) {
	called := make(chan jobs.Options, 1)
	mod := func(reg *jobs.Registry, _ builtin.Deps) error {
		return reg.Register("app", "hello", func(_ context.Context, o jobs.Options) error {
			called <- o
			return nil
		})
	}
	require.NoError(t, RunJob(context.Background(), "", `{"job":{"app.hello":{"name":"x"}}}`, WithModules(mod)))
	select {
	case o := <-called:
		assert.Equal(t, "x", o.String("name"))
	default:
		t.Fatal("module task did not run")
	}
}

func TestSubmitJobRequiresSharedQueue(t *testing.T) {
	_, err := SubmitJob(context.Background(), "", "", "", "core.noop")
	assert.Equal(t, errs.StatusUnavailable, errs.Status(err))

	path := writeConfig(t, `{"ipc":{"queue":{"":"db://memory"}}}`)
	spec, err := SubmitJob(context.Background(), path, "", "", "core.noop")
	require.NoError(t, err)
	assert.Equal(t, "core.noop", spec.String())
}

func TestWorkerRestartsOnRequest(t *testing.T) {
	path := writeConfig(t, `{
		"logging": {"level": "error"},
		"jobs": {"subscribe_delay": "1ms"},
		"ipc": {"queue": {"": "db://memory"}}
	}`)
	toWorkerR, toWorkerW := io.Pipe()
	fromWorkerR, fromWorkerW := io.Pipe()

	w, err := newWorker(path, toWorkerR, fromWorkerW, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	msgs := make(chan *ipc.Msg, 32)
	go func() {
		_ = ipc.ReadLoop(ctx, fromWorkerR, logx.Nop(), func(m *ipc.Msg) {
			select {
			case msgs <- m:
			default:
			}
		})
	}()

	type result struct {
		reason StopReason
		err    error
	}
	done := make(chan result, 1)
	go func() {
		r, err := w.Run(ctx)
		done <- result{r, err}
	}()

	waitOp := func(op string) {
		t.Helper()
		for {
			select {
			case m := <-msgs:
				if m.Op == op {
					return
				}
			case <-ctx.Done():
				t.Fatalf("no %s from worker", op)
			}
		}
	}
	waitOp(ipc.OpWorkerReady)

	master := ipc.NewConn(toWorkerW)
	require.NoError(t, master.Send(&ipc.Msg{Op: ipc.OpWorkerRestart}))

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, StopRestart, r.reason)
		assert.Equal(t, 0, r.reason.ExitCode())
	case <-ctx.Done():
		t.Fatal("worker did not stop")
	}
}

package redisq

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobcluster/internal/ipc"
	logx "jobcluster/pkg/logx"
)

func config(t *testing.T, raw string, opts map[string]string) ipc.ClientConfig {
	t.Helper()
	u, merged, err := ipc.ParseURL(raw, opts)
	require.NoError(t, err)
	return ipc.ClientConfig{Name: "r", URL: u, RawURL: raw, Options: merged}
}

func TestParseSettings(t *testing.T) {
	t.Parallel()

	s := parseSettings(config(t, "redis://:secret@cache1/2?bk-servers=cache2:6380,cache1", nil))
	assert.Equal(t, []string{"cache1:6379", "cache2:6380"}, s.addrs)
	assert.Equal(t, "secret", s.password)
	assert.Equal(t, 2, s.db)
	assert.Equal(t, clusterMaxAttempts, s.maxAttempts)
	assert.Empty(t, s.sentinelAddrs)

	s = parseSettings(config(t, "redis://", map[string]string{"max_attempts": "5"}))
	assert.Equal(t, []string{"127.0.0.1:6379"}, s.addrs)
	assert.Equal(t, 5, s.maxAttempts)

	s = parseSettings(config(t, "redis://s1:26379?bk-sentinel=mymaster&bk-sentinel_servers=s2", nil))
	assert.Equal(t, "mymaster", s.sentinelMaster)
	assert.Equal(t, []string{"s1:26379", "s2:6379"}, s.sentinelAddrs)
	assert.Equal(t, "mymaster", s.failoverOptions().MasterName)
}

func TestParseInfo(t *testing.T) {
	t.Parallel()

	st := parseInfo("# Server\r\nredis_version:7.2.4\r\nrole:master\r\n\r\n# Clients\r\nconnected_clients:3\r\n")
	assert.Equal(t, map[string]string{"redis_version": "7.2.4", "role": "master", "connected_clients": "3"}, st)
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	assert.False(t, retryable(nil))
	assert.False(t, retryable(redis.Nil))
	assert.False(t, retryable(context.Canceled))
	assert.False(t, retryable(errors.New("WRONGTYPE Operation against a key")))
	assert.True(t, retryable(io.EOF))
	assert.True(t, retryable(errors.New("READONLY You can't write against a read only replica.")))
	assert.True(t, retryable(&net.OpError{Op: "dial", Err: errors.New("refused")}))
}

func TestRotatorSkipsDeadServers(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()

	dead, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := dead.Addr().String()
	require.NoError(t, dead.Close())

	r := newRotator([]string{deadAddr, ln.Addr().String()}, time.Second, logx.Nop())
	conn, err := r.DialContext(context.Background(), "tcp", "ignored:1")
	require.NoError(t, err)
	_ = conn.Close()
	assert.Equal(t, ln.Addr().String(), r.current())

	_, err = newRotator([]string{deadAddr}, time.Second, logx.Nop()).DialContext(context.Background(), "tcp", "")
	assert.Error(t, err)
}

func TestUnreachableServerFailsAfterRetries(t *testing.T) {
	t.Parallel()

	dead, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := dead.Addr().String()
	require.NoError(t, dead.Close())

	c := New(config(t, "redis://"+addr, map[string]string{"max_attempts": "2", "connect_timeout": "200"}), logx.Nop())
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.Error(t, c.Put(ctx, "k", "v", ipc.Options{}))
}

package main

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"session-service/internal/config"
)

func freePort(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return strconv.Itoa(port)
}

func TestRun_ServesAndShutsDown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	cfg := config.Config{
		Port:                freePort(t),
		RedisURL:            "redis://" + mr.Addr(),
		RedisChannel:        "session-events",
		AutoAdvanceInterval: 50 * time.Millisecond,
		WSCommandsPerSecond: 10,
	}
	lg := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, lg) }()

	url := "http://127.0.0.1:" + cfg.Port + "/health"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestRun_InvalidRedisURL(t *testing.T) {
	cfg := config.Config{Port: freePort(t), RedisURL: "not-a-url"}
	lg := slog.New(slog.NewTextHandler(io.Discard, nil))
	err := run(context.Background(), cfg, lg)
	assert.Error(t, err)
}

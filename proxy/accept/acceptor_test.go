// Copyright (c) 2024 the ZDT-D authors.

package accept

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GAME-OVER-op/ZDT-D/proxy/core"
)

func TestRateLimiterAllowsUpToLimit(t *testing.T) {
	r := NewRateLimiter(3)
	assert.True(t, r.Allow())
	assert.True(t, r.Allow())
	assert.True(t, r.Allow())
	assert.False(t, r.Allow())
}

func TestRateLimiterZeroDisablesLimit(t *testing.T) {
	r := NewRateLimiter(0)
	for i := 0; i < 100; i++ {
		assert.True(t, r.Allow())
	}
}

func TestRateLimiterPrunesOldEntries(t *testing.T) {
	r := NewRateLimiter(1)
	assert.True(t, r.Allow())
	assert.False(t, r.Allow())

	// simulate the window sliding past the first entry.
	r.times.Front().Value = time.Now().Add(-61 * time.Second)
	assert.True(t, r.Allow())
}

func TestRateLimiterSetLimit(t *testing.T) {
	r := NewRateLimiter(1)
	assert.True(t, r.Allow())
	assert.False(t, r.Allow())

	r.SetLimit(5)
	assert.True(t, r.Allow())
}

func listenTCP(t *testing.T) *net.TCPListener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln.(*net.TCPListener)
}

func TestAcceptorDispatchesToHandle(t *testing.T) {
	ln := listenTCP(t)
	reg := prometheus.NewRegistry()
	counters := core.NewCounters(reg)

	var handled atomic.Int32
	done := make(chan struct{}, 1)
	a := NewAcceptor(ln, counters, NewRateLimiter(0), 10, func(ctx context.Context, c *net.TCPConn) {
		handled.Add(1)
		_ = c.Close()
		done <- struct{}{}
	})

	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)
	defer cancel()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was never invoked")
	}
	assert.Equal(t, int32(1), handled.Load())
}

func TestAcceptorRejectsOverRateLimit(t *testing.T) {
	ln := listenTCP(t)
	reg := prometheus.NewRegistry()
	counters := core.NewCounters(reg)

	var handled atomic.Int32
	a := NewAcceptor(ln, counters, NewRateLimiter(1), 10, func(ctx context.Context, c *net.TCPConn) {
		handled.Add(1)
		_ = c.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	c1, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer c1.Close()
	time.Sleep(100 * time.Millisecond)

	c2, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer c2.Close()

	// the second connection should be closed by the acceptor without
	// reaching Handle.
	buf := make([]byte, 1)
	_ = c2.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = c2.Read(buf)
	assert.Error(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), handled.Load())
}

func TestAcceptorRunExitsOnCancel(t *testing.T) {
	ln := listenTCP(t)
	reg := prometheus.NewRegistry()
	counters := core.NewCounters(reg)
	a := NewAcceptor(ln, counters, nil, 10, func(context.Context, *net.TCPConn) {})

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	var runErr error
	go func() {
		defer wg.Done()
		runErr = a.Run(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	wg.Wait()
	assert.ErrorIs(t, runErr, context.Canceled)
}

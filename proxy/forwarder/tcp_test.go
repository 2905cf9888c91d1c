// Copyright (c) 2024 the ZDT-D authors.

package forwarder

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GAME-OVER-op/ZDT-D/proxy/config"
	"github.com/GAME-OVER-op/ZDT-D/proxy/core"
	"github.com/GAME-OVER-op/ZDT-D/proxy/ipn"
	"github.com/GAME-OVER-op/ZDT-D/proxy/policy"
)

// tcpPipe returns a connected *net.TCPConn pair over loopback, since
// several of forwarder's functions are typed on *net.TCPConn rather than
// the net.Conn interface (mirroring the Python's direct socket use).
func tcpPipe(t *testing.T) (client, server *net.TCPConn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()

	c, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	s := <-accepted
	return c.(*net.TCPConn), s.(*net.TCPConn)
}

func newTestDeps(t *testing.T, cfg *config.Config, pool *ipn.Pool, rules []policy.Rule) *Deps {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewDeps(cfg, core.NewRegistry(), core.NewCounters(reg), pool, nil, func() []policy.Rule { return rules })
}

func baseCfg() *config.Config {
	return &config.Config{
		ConnectTimeout:       200 * time.Millisecond,
		ConnectRetries:       1,
		RetryBackoff:         0.01,
		AllSocksDownPolicy:   config.DownDirect,
		SocksRequiredPolicy:  config.DownDrop,
		SocksRequiredMaxWait: 50 * time.Millisecond,
	}
}

func TestApplyPolicyNoMatchSocksUpGoesViaPool(t *testing.T) {
	pool := ipn.NewPool([]ipn.Addr{{Host: "h", Port: 1}})
	pool.ApplyCycleResult(true)

	d := newTestDeps(t, baseCfg(), pool, nil)
	client, server := tcpPipe(t)
	defer server.Close()

	useDirect, ok := d.applyPolicy(client, "c1", "", false)
	assert.True(t, ok)
	assert.False(t, useDirect)
}

func TestApplyPolicyAllSocksDownPolicyDirectFallback(t *testing.T) {
	pool := ipn.NewPool([]ipn.Addr{{Host: "h", Port: 1}}) // never marked available
	cfg := baseCfg()
	cfg.AllSocksDownPolicy = config.DownDirect

	d := newTestDeps(t, cfg, pool, nil)
	client, server := tcpPipe(t)
	defer server.Close()

	useDirect, ok := d.applyPolicy(client, "c1", "", false)
	assert.True(t, ok)
	assert.True(t, useDirect)
}

func TestApplyPolicyAllSocksDownPolicyDropClosesClient(t *testing.T) {
	pool := ipn.NewPool([]ipn.Addr{{Host: "h", Port: 1}})
	cfg := baseCfg()
	cfg.AllSocksDownPolicy = config.DownDrop

	d := newTestDeps(t, cfg, pool, nil)
	client, server := tcpPipe(t)
	defer server.Close()

	_, ok := d.applyPolicy(client, "c1", "", false)
	assert.False(t, ok)

	// client should now be closed: a write from the server side eventually errors.
	_ = server.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, err := server.Write([]byte{0})
	if err == nil {
		buf := make([]byte, 1)
		_ = server.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, err = server.Read(buf)
	}
	assert.Error(t, err)
}

func TestApplyPolicyRuleActionDrop(t *testing.T) {
	pool := ipn.NewPool(nil)
	d := newTestDeps(t, baseCfg(), pool, nil)
	client, server := tcpPipe(t)
	defer server.Close()

	_, ok := d.applyPolicy(client, "c1", policy.ActionDrop, true)
	assert.False(t, ok)
}

func TestApplyPolicyRuleActionDirect(t *testing.T) {
	pool := ipn.NewPool(nil)
	d := newTestDeps(t, baseCfg(), pool, nil)
	client, server := tcpPipe(t)
	defer server.Close()

	useDirect, ok := d.applyPolicy(client, "c1", policy.ActionDirect, true)
	assert.True(t, ok)
	assert.True(t, useDirect)
}

func TestApplyPolicyRuleActionSocksFallsBackPerSocksRequiredPolicy(t *testing.T) {
	pool := ipn.NewPool([]ipn.Addr{{Host: "h", Port: 1}}) // unavailable
	cfg := baseCfg()
	cfg.SocksRequiredPolicy = config.DownDirect

	d := newTestDeps(t, cfg, pool, nil)
	client, server := tcpPipe(t)
	defer server.Close()

	useDirect, ok := d.applyPolicy(client, "c1", policy.ActionSocks, true)
	assert.True(t, ok)
	assert.True(t, useDirect)
}

func TestDialWithRetrySucceedsAfterFailures(t *testing.T) {
	d := newTestDeps(t, baseCfg(), ipn.NewPool(nil), nil)
	d.Cfg.ConnectRetries = 3

	attempts := 0
	conn, err := d.dialWithRetry(context.Background(), "1.2.3.4:5", func() (net.Conn, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("boom")
		}
		c, _ := net.Pipe()
		return c, nil
	})
	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.Equal(t, 3, attempts)
}

func TestDialWithRetryExhaustsAndReturnsLastError(t *testing.T) {
	d := newTestDeps(t, baseCfg(), ipn.NewPool(nil), nil)
	d.Cfg.ConnectRetries = 2

	wantErr := errors.New("refused")
	attempts := 0
	_, err := d.dialWithRetry(context.Background(), "1.2.3.4:5", func() (net.Conn, error) {
		attempts++
		return nil, wantErr
	})
	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, 2, attempts)
}

func TestHostDisplayParsesHostHeader(t *testing.T) {
	req := []byte("GET / HTTP/1.1\r\nHost: example.com:8080\r\nUser-Agent: x\r\n\r\n")
	got := hostDisplay(core.ProtoHTTP, req, "93.184.216.34", 80)
	assert.Equal(t, "example.com:8080", got)
}

func TestHostDisplayFallsBackToTargetWhenNoHostHeader(t *testing.T) {
	got := hostDisplay(core.ProtoHTTP, nil, "93.184.216.34", 80)
	assert.Equal(t, "93.184.216.34:80", got)
}

func TestHostDisplayIgnoredForNonHTTP(t *testing.T) {
	req := []byte("Host: example.com\r\n\r\n")
	got := hostDisplay(core.ProtoHTTPS, req, "93.184.216.34", 443)
	assert.Equal(t, "93.184.216.34:443", got)
}

func TestSpliceAttributesBytesAndClosesBothSides(t *testing.T) {
	d := newTestDeps(t, baseCfg(), ipn.NewPool(nil), nil)

	clientA, clientB := tcpPipe(t) // stands in for the real client socket
	upA, upB := tcpPipe(t)         // stands in for the dialed upstream

	record := &core.TCPRecord{ConnID: "c1"}
	record.SetHandles(clientA, upA)

	go func() {
		_, _ = clientB.Write([]byte("hello-upstream"))
		_ = clientB.CloseWrite()
	}()
	go func() {
		_, _ = upB.Write([]byte("hello-client"))
		_ = upB.CloseWrite()
	}()

	d.splice(clientA, upA, record, core.ProtoOther, nil)

	c2r, r2c := record.Bytes()
	assert.Equal(t, int64(len("hello-upstream")), c2r)
	assert.Equal(t, int64(len("hello-client")), r2c)

	_, err := clientA.Write([]byte("x"))
	assert.Error(t, err, "splice must close the client side")
	_, err = upA.Write([]byte("x"))
	assert.Error(t, err, "splice must close the upstream side")

	clientB.Close()
	upB.Close()
}

func TestSpliceReportsNotKilledWhenClosedNaturally(t *testing.T) {
	d := newTestDeps(t, baseCfg(), ipn.NewPool(nil), nil)

	clientA, clientB := tcpPipe(t)
	upA, upB := tcpPipe(t)
	defer clientB.Close()
	defer upB.Close()

	record := &core.TCPRecord{ConnID: "c1"}
	record.SetHandles(clientA, upA)

	go func() {
		_ = clientB.CloseWrite()
	}()
	go func() {
		_ = upB.CloseWrite()
	}()

	d.splice(clientA, upA, record, core.ProtoOther, nil)
	byUI, byPolicy, _ := record.Killed()
	assert.False(t, byUI)
	assert.False(t, byPolicy)
}

func TestSpliceClosesPairAfterIdleTimeout(t *testing.T) {
	cfg := baseCfg()
	cfg.IdleTimeout = 50 * time.Millisecond
	d := newTestDeps(t, cfg, ipn.NewPool(nil), nil)

	clientA, clientB := tcpPipe(t)
	upA, upB := tcpPipe(t)
	defer clientB.Close()
	defer upB.Close()

	record := &core.TCPRecord{ConnID: "c1"}
	record.SetHandles(clientA, upA)

	done := make(chan struct{})
	go func() {
		d.splice(clientA, upA, record, core.ProtoOther, nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("splice did not return after idle timeout")
	}
}

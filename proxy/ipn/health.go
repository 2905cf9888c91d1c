// Copyright (c) 2024 the ZDT-D authors.

package ipn

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/GAME-OVER-op/ZDT-D/proxy/socks5"
	"github.com/GAME-OVER-op/ZDT-D/proxy/xlog"
)

// baseInterval is the health-monitor's cadence when every backend is
// green.
const baseInterval = 35 * time.Second

// internetProbeTargets rotates across a short list of public DNS
// resolvers to confirm a backend can actually reach the internet, not
// just answer SOCKS5 locally.
var internetProbeTargets = []struct {
	host string
	port uint16
}{
	{"8.8.4.4", 53},
	{"8.8.8.8", 53},
	{"1.1.1.1", 53},
	{"208.67.222.222", 53},
}

// Monitor runs the periodic health probe cycle over a Pool.
type Monitor struct {
	pool    *Pool
	creds   *socks5.Credentials
	dialTO  time.Duration

	mu          sync.Mutex
	nextProbeAt map[*Backend]time.Time
}

// NewMonitor builds a Monitor with the given SOCKS5 credentials (nil if
// unauthenticated) and per-probe dial timeout.
func NewMonitor(pool *Pool, creds *socks5.Credentials, dialTimeout time.Duration) *Monitor {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	return &Monitor{pool: pool, creds: creds, dialTO: dialTimeout, nextProbeAt: map[*Backend]time.Time{}}
}

// Run blocks, probing every backend once per cycle until ctx is
// cancelled. Cadence is baseInterval, but a backend skips a cycle while
// its own backoff window hasn't elapsed.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(baseInterval)
	defer ticker.Stop()

	m.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runCycle(ctx)
		}
	}
}

func (m *Monitor) runCycle(ctx context.Context) {
	backends := m.pool.Backends()
	if len(backends) == 0 {
		return
	}

	var wg sync.WaitGroup
	anyGreen := false
	var mu sync.Mutex

	now := time.Now()
	for _, b := range backends {
		b := b
		if m.dueForProbe(b, now) {
			wg.Add(1)
			go func() {
				defer wg.Done()
				healthy, serverMs, internetMs := m.probe(ctx, b)
				b.recordProbe(healthy, serverMs, internetMs)
				m.scheduleNext(b, healthy && internetMs != nil)
				if healthy && internetMs != nil {
					mu.Lock()
					anyGreen = true
					mu.Unlock()
				}
			}()
		} else if b.isGreen() {
			mu.Lock()
			anyGreen = true
			mu.Unlock()
		}
	}
	wg.Wait()

	m.pool.ApplyCycleResult(anyGreen)
}

// dueForProbe skips a backend this cycle while it's still inside its own
// per-backend exponential backoff window (capped at 60s after failure,
// reset to base on full success).
func (m *Monitor) dueForProbe(b *Backend, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, ok := m.nextProbeAt[b]
	return !ok || !now.Before(next)
}

func (m *Monitor) scheduleNext(b *Backend, fullSuccess bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fullSuccess {
		m.nextProbeAt[b] = time.Time{}
		return
	}
	m.nextProbeAt[b] = time.Now().Add(b.Backoff())
}

// probe performs the three-step health check: TCP connect, greeting
// (+auth), then a CONNECT probe to a rotating DNS endpoint with a short
// read deadline.
func (m *Monitor) probe(ctx context.Context, b *Backend) (healthy bool, serverMs, internetMs *float64) {
	start := time.Now()
	d := net.Dialer{Timeout: m.dialTO}
	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", b.Host, b.Port))
	if err != nil {
		xlog.D("ipn: health probe dial failed for %s: %v", b.Key(), err)
		return false, nil, nil
	}
	defer conn.Close()

	connMs := float64(time.Since(start).Milliseconds())

	if err := socks5.Greet(conn, m.creds, time.Now().Add(m.dialTO)); err != nil {
		xlog.D("ipn: health probe greeting failed for %s: %v", b.Key(), err)
		return false, &connMs, nil
	}

	internetMs = m.probeInternet(conn)
	return true, &connMs, internetMs
}

// probeInternet rotates through internetProbeTargets, issuing a raw
// CONNECT request (not a full socks5.Connect, to capture the raw
// round-trip timing) with a short 2s deadline, and returns the first
// successful round-trip latency.
func (m *Monitor) probeInternet(conn net.Conn) *float64 {
	for _, target := range internetProbeTargets {
		start := time.Now()
		if err := conn.SetDeadline(time.Now().Add(2 * time.Second)); err != nil {
			continue
		}

		req := make([]byte, 0, 10)
		req = append(req, 0x05, 0x01, 0x00, 0x01)
		req = append(req, net.ParseIP(target.host).To4()...)
		portBuf := make([]byte, 2)
		binary.BigEndian.PutUint16(portBuf, target.port)
		req = append(req, portBuf...)

		if _, err := conn.Write(req); err != nil {
			continue
		}
		resp := make([]byte, 4)
		n, err := conn.Read(resp)
		if err != nil || n < 4 {
			continue
		}
		if resp[0] == 0x05 && resp[1] == 0x00 {
			ms := float64(time.Since(start).Milliseconds())
			_ = conn.SetDeadline(time.Time{})
			return &ms
		}
	}
	_ = conn.SetDeadline(time.Time{})
	return nil
}

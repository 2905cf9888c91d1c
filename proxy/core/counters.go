// Copyright (c) 2024 the ZDT-D authors.

package core

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrorBucket is one of the named error taxonomy buckets.
type ErrorBucket string

const (
	ErrConnectionTimeout    ErrorBucket = "connection_timeout"
	ErrSocketError          ErrorBucket = "socket_error"
	ErrSOCKSHandshake       ErrorBucket = "socks_handshake"
	ErrDNSFailure           ErrorBucket = "dns_failure"
	ErrAuthFailure          ErrorBucket = "auth_failure"
	ErrOriginalDstUnavail   ErrorBucket = "original_dst_unavailable"
	ErrPolicyDropped        ErrorBucket = "policy_dropped"
	ErrRateLimited          ErrorBucket = "rate_limited"
)

// Counters is the global counter block: connection counts
// by protocol class, byte counts by direction/class, policy drops, direct
// connections, bypass/recovered events, UDP session counts, and the error
// taxonomy — each backed by a Prometheus metric so /metrics (dashboard
// collaborator) needs no separate bookkeeping.
type Counters struct {
	mu sync.Mutex // guards the throughput-sampling fields only

	connVec       *prometheus.CounterVec
	bytesByClass  *prometheus.CounterVec
	policyDrops   prometheus.Counter
	directConns   prometheus.Counter
	bypassCount   prometheus.Counter
	recoveredCount prometheus.Counter
	killedOnRecov prometheus.Counter
	udpCreated    prometheus.Counter
	udpActive     prometheus.Gauge
	errors        *prometheus.CounterVec

	lastSampleTS    time.Time
	lastSampleBytes int64
	totalBytes      int64 // atomic
}

// NewCounters registers all metrics against reg (pass
// prometheus.NewRegistry() for test isolation, or
// prometheus.DefaultRegisterer in production).
func NewCounters(reg prometheus.Registerer) *Counters {
	connVec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zdtd_connections_total",
		Help: "Connections accepted, by protocol class.",
	}, []string{"class"})
	bytesVec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zdtd_bytes_total",
		Help: "Bytes relayed, by protocol class and direction.",
	}, []string{"class", "direction"})
	policyDrops := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zdtd_policy_dropped_connections_total",
		Help: "Connections dropped by policy rules or ALL_SOCKS_DOWN_POLICY=drop.",
	})
	directConns := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zdtd_direct_connections_total",
		Help: "Connections that bypassed the SOCKS5 pool.",
	})
	bypass := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zdtd_socks5_bypass_total",
		Help: "available->unavailable transitions of the SOCKS5 pool.",
	})
	recovered := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zdtd_socks5_recovered_total",
		Help: "unavailable->available transitions of the SOCKS5 pool.",
	})
	killedOnRecov := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zdtd_killed_on_socks_recovery_total",
		Help: "Direct-fallback flows force-closed on SOCKS5 recovery.",
	})
	udpCreated := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zdtd_udp_sessions_created_total",
		Help: "UDP sessions created.",
	})
	udpActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "zdtd_udp_sessions_active",
		Help: "UDP sessions currently alive.",
	})
	errs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zdtd_errors_total",
		Help: "Errors, by taxonomy bucket.",
	}, []string{"bucket"})

	for _, m := range []prometheus.Collector{connVec, bytesVec, policyDrops, directConns, bypass, recovered, killedOnRecov, udpCreated, udpActive, errs} {
		if reg != nil {
			reg.MustRegister(m)
		}
	}

	c := &Counters{
		connVec:        connVec,
		bytesByClass:   bytesVec,
		policyDrops:    policyDrops,
		directConns:    directConns,
		bypassCount:    bypass,
		recoveredCount: recovered,
		killedOnRecov:  killedOnRecov,
		udpCreated:     udpCreated,
		udpActive:      udpActive,
		errors:         errs,
		lastSampleTS:   time.Now(),
	}
	return c
}

// IncConnection records one new connection of the given protocol class.
func (c *Counters) IncConnection(class ProtocolClass) {
	c.connVec.WithLabelValues(string(class)).Inc()
}

// AddBytes records delta bytes relayed for class in direction ("c2r" or
// "r2c") and folds it into the running total used by ThroughputSample.
func (c *Counters) AddBytes(class ProtocolClass, direction string, n int64) {
	if n <= 0 {
		return
	}
	c.bytesByClass.WithLabelValues(string(class), direction).Add(float64(n))
	atomic.AddInt64(&c.totalBytes, n)
}

// IncPolicyDrop records one policy-driven drop.
func (c *Counters) IncPolicyDrop() { c.policyDrops.Inc() }

// IncDirect records one direct (non-SOCKS) connection.
func (c *Counters) IncDirect() { c.directConns.Inc() }

// IncBypass records one available->unavailable pool transition.
func (c *Counters) IncBypass() { c.bypassCount.Inc() }

// IncRecovered records one unavailable->available pool transition.
func (c *Counters) IncRecovered() { c.recoveredCount.Inc() }

// AddKilledOnRecovery records n flows force-closed by a forced re-proxy.
func (c *Counters) AddKilledOnRecovery(n int) {
	if n > 0 {
		c.killedOnRecov.Add(float64(n))
	}
}

// IncUDPCreated/SetUDPActive track UDP session population.
func (c *Counters) IncUDPCreated()    { c.udpCreated.Inc() }
func (c *Counters) SetUDPActive(n int) { c.udpActive.Set(float64(n)) }

// IncError records one occurrence of bucket.
func (c *Counters) IncError(bucket ErrorBucket) {
	c.errors.WithLabelValues(string(bucket)).Inc()
}

// ThroughputSample returns the instantaneous total bytes/sec since the
// previous call, differencing the global byte counter over the elapsed
// wall-clock interval, sampled by the dashboard's SSE loop at
// --sse-interval cadence.
func (c *Counters) ThroughputSample() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	cur := atomic.LoadInt64(&c.totalBytes)
	elapsed := now.Sub(c.lastSampleTS).Seconds()
	if elapsed <= 0 {
		return 0
	}
	delta := cur - c.lastSampleBytes
	c.lastSampleTS = now
	c.lastSampleBytes = cur
	if delta < 0 {
		return 0
	}
	return float64(delta) / elapsed
}

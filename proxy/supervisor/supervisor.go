// Copyright (c) 2024 the ZDT-D authors.

// Package supervisor wires every collaborator together and owns the
// process lifecycle: startup, signal-driven graceful shutdown, and
// config hot reload.
package supervisor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/GAME-OVER-op/ZDT-D/proxy/accept"
	"github.com/GAME-OVER-op/ZDT-D/proxy/config"
	"github.com/GAME-OVER-op/ZDT-D/proxy/core"
	"github.com/GAME-OVER-op/ZDT-D/proxy/dashboard"
	"github.com/GAME-OVER-op/ZDT-D/proxy/dnsx"
	"github.com/GAME-OVER-op/ZDT-D/proxy/forwarder"
	"github.com/GAME-OVER-op/ZDT-D/proxy/ipn"
	"github.com/GAME-OVER-op/ZDT-D/proxy/policy"
	"github.com/GAME-OVER-op/ZDT-D/proxy/socks5"
	"github.com/GAME-OVER-op/ZDT-D/proxy/udpsession"
	"github.com/GAME-OVER-op/ZDT-D/proxy/xlog"
	"github.com/prometheus/client_golang/prometheus"
)

// Supervisor owns every long-lived collaborator and the goroutines
// driving them, built once per process from a resolved config.Config.
type Supervisor struct {
	cfg *config.Config

	registry *core.Registry
	counters *core.Counters
	pool     *ipn.Pool
	monitor  *ipn.Monitor
	resolver dnsx.Resolver

	rulesMu sync.RWMutex
	rules   []policy.Rule

	limiter  *accept.RateLimiter
	acceptor *accept.Acceptor
	udpMgr   *udpsession.Manager

	httpSrv *http.Server

	tcpListener *net.TCPListener
}

// processCounters is registered on the default Prometheus registry once
// per process, so New can be called more than once (SelfTest, tests)
// without a duplicate-registration panic.
var (
	processCountersOnce sync.Once
	processCounters     *core.Counters
)

// New builds every collaborator from cfg but starts nothing yet.
func New(cfg *config.Config) (*Supervisor, error) {
	registry := core.NewRegistry()
	processCountersOnce.Do(func() {
		processCounters = core.NewCounters(prometheus.DefaultRegisterer)
	})
	counters := processCounters

	addrs := make([]ipn.Addr, 0, len(cfg.BackendAddrs()))
	for _, a := range cfg.BackendAddrs() {
		addrs = append(addrs, ipn.Addr{Host: a.Host, Port: a.Port})
	}
	pool := ipn.NewPool(addrs)

	var creds *socks5.Credentials
	if cfg.SocksUser != "" {
		creds = &socks5.Credentials{User: cfg.SocksUser, Pass: cfg.SocksPass}
	}
	monitor := ipn.NewMonitor(pool, creds, cfg.ConnectTimeout)

	var doh *dnsx.DoHClient
	if cfg.EnableDoH {
		doh = dnsx.NewDoHClient(nil, cfg.ConnectTimeout)
	}
	resolver := dnsx.New(cfg.DNSTTL, cfg.EnableDoH, doh)

	s := &Supervisor{
		cfg:      cfg,
		registry: registry,
		counters: counters,
		pool:     pool,
		monitor:  monitor,
		resolver: resolver,
		rules:    cfg.Rules,
		limiter:  accept.NewRateLimiter(cfg.RateLimitPerMinute),
	}

	// Forced re-proxy: on SOCKS5 recovery, close every
	// live direct-fallback TCP/UDP flow so it reconnects through SOCKS.
	pool.SetHooks(func() {
		if !cfg.ForceReproxyOnRecover {
			return
		}
		n := registry.ForceCloseDirectTCP()
		n += registry.ForceCloseDirectUDP()
		counters.AddKilledOnRecovery(n)
		counters.IncRecovered()
	}, func() {
		counters.IncBypass()
	})

	return s, nil
}

// Rules returns the live rule set; passed to forwarder/udpsession as a
// closure so hot reload (applyHotReload) takes effect without re-wiring.
func (s *Supervisor) Rules() []policy.Rule {
	s.rulesMu.RLock()
	defer s.rulesMu.RUnlock()
	return s.rules
}

func (s *Supervisor) setRules(rules []policy.Rule) {
	s.rulesMu.Lock()
	s.rules = rules
	s.rulesMu.Unlock()
}

// Run starts every listener/monitor/dashboard goroutine and blocks until
// a terminating signal (or ctx cancellation) begins a graceful drain
//. A second terminating signal forces immediate
// exit.
func (s *Supervisor) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.monitor.Run(runCtx)

	fwdDeps := forwarder.NewDeps(s.cfg, s.registry, s.counters, s.pool, s.resolver, s.Rules)

	var wg sync.WaitGroup

	if s.cfg.Mode == config.ModeTCP || s.cfg.Mode == config.ModeTCPUDP {
		ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP(s.cfg.ListenAddr), Port: s.cfg.ListenPort})
		if err != nil {
			return fmt.Errorf("supervisor: tcp listen: %w", err)
		}
		s.tcpListener = ln
		s.acceptor = accept.NewAcceptor(ln, s.counters, s.limiter, s.cfg.MaxConns, fwdDeps.HandleTCP)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.acceptor.Run(runCtx)
		}()
		xlog.I("supervisor: listening on %s:%d (tcp)", s.cfg.ListenAddr, s.cfg.ListenPort)
	}

	if s.cfg.Mode == config.ModeUDP || s.cfg.Mode == config.ModeTCPUDP {
		mgr, err := udpsession.NewManager(s.cfg, s.registry, s.counters, s.pool, s.resolver, s.Rules)
		if err != nil {
			return fmt.Errorf("supervisor: udp listen: %w", err)
		}
		s.udpMgr = mgr
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = mgr.Run(runCtx)
		}()
		xlog.I("supervisor: listening on %s:%d (udp)", s.cfg.ListenAddr, s.cfg.UDPListenPort)
	}

	if s.cfg.WebSocket {
		s.startDashboard()
	}

	watcher := config.NewWatcher(s.cfg, 15*time.Second, s.applyHotReload)
	stop := make(chan struct{})
	go watcher.Run(stop)
	defer close(stop)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case <-sigCh:
		xlog.I("supervisor: received shutdown signal")
	case <-ctx.Done():
	}

	cancel()
	s.drain(sigCh, &wg)
	return nil
}

// applyHotReload updates the rate limiter, the rule set, and the idle
// timeouts and enable flags stored in the shared Config; everything else
// requires a restart. The UDP reaper keeps the session timeout it
// started with, and the DNS resolver keeps the DoH setting it was built
// with.
func (s *Supervisor) applyHotReload(hot config.Hot) {
	s.limiter.SetLimit(hot.RateLimitPerMinute)
	s.cfg.IdleTimeout = hot.IdleTimeout
	s.cfg.UDPSessionTimeout = hot.UDPSessionTimeout
	s.cfg.EnableHTTP2 = hot.EnableHTTP2
	s.cfg.EnableDoH = hot.EnableDoH
	s.cfg.EnhancedCache = hot.EnhancedCache
	s.setRules(hot.Rules)
	xlog.I("supervisor: hot reload applied")
}

func (s *Supervisor) startDashboard() {
	deps := &dashboard.Deps{Cfg: s.cfg, Registry: s.registry, Counters: s.counters, Pool: s.pool}
	router := dashboard.NewRouter(deps, "")
	s.httpSrv = &http.Server{
		Addr:    net.JoinHostPort(s.cfg.ListenAddr, strconv.Itoa(s.cfg.WebPort)),
		Handler: router,
	}
	go func() {
		var err error
		if s.cfg.Certificate != "" {
			err = s.httpSrv.ListenAndServeTLS(s.cfg.Certificate, s.cfg.Certificate)
		} else {
			err = s.httpSrv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			xlog.E("supervisor: dashboard server: %v", err)
		}
	}()
	xlog.I("supervisor: dashboard listening on %s", s.httpSrv.Addr)
}

// drain implements graceful_shutdown: waits up to
// GracefulShutdownTimeout for every accept/session goroutine to exit,
// force-closing every remaining TCP/UDP flow if the deadline expires,
// and forcing immediate process exit on a second terminating signal.
func (s *Supervisor) drain(sigCh <-chan os.Signal, wg *sync.WaitGroup) {
	timeout := s.cfg.GracefulShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = s.httpSrv.Shutdown(shutdownCtx)
		cancel()
	}
	if s.tcpListener != nil {
		_ = s.tcpListener.Close()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		xlog.I("supervisor: all connections closed gracefully")
	case <-time.After(timeout):
		tcp := s.registry.CloseAllTCP()
		udp := s.registry.CloseAllUDP()
		xlog.W("supervisor: graceful shutdown timed out after %s, force-closed %d tcp, %d udp", timeout, tcp, udp)
		<-done
	case <-sigCh:
		xlog.W("supervisor: second signal received, forcing immediate exit")
		os.Exit(1)
	}
}

// SelfTestReport is the JSON document --self-test prints to stdout: a
// machine-readable pass/fail summary for CI smoke checks, distinct from
// the human-oriented xlog stream.
type SelfTestReport struct {
	OK       bool   `json:"ok"`
	Mode     string `json:"mode"`
	Backends int    `json:"backends"`
	Error    string `json:"error,omitempty"`
}

// SelfTest implements --self-test: validates config and exercises the
// collaborator wiring without binding real listeners, for CI smoke
// checks. It never returns an error; failure is reported through
// Report.OK so the caller can always print and exit accordingly.
func SelfTest(cfg *config.Config) *SelfTestReport {
	report := &SelfTestReport{Mode: string(cfg.Mode)}

	if err := cfg.Validate(); err != nil {
		report.Error = err.Error()
		return report
	}
	s, err := New(cfg)
	if err != nil {
		report.Error = err.Error()
		return report
	}
	report.Backends = len(s.pool.Backends())
	if report.Backends == 0 {
		report.Error = "no backends configured"
		return report
	}
	report.OK = true
	return report
}

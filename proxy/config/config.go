// Copyright (c) 2024 the ZDT-D authors.
//
// Package config parses CLI flags, environment variables, and an optional
// JSON config file into a single Config, and watches the file for
// hot-reloadable changes. The core never re-implements flag/env parsing
// itself.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/GAME-OVER-op/ZDT-D/proxy/policy"
	"github.com/GAME-OVER-op/ZDT-D/proxy/xlog"
)

// Mode selects which listeners run.
type Mode string

const (
	ModeTCP    Mode = "tcp"
	ModeUDP    Mode = "udp"
	ModeTCPUDP Mode = "tcp-udp"
)

// DownPolicy is ALL_SOCKS_DOWN_POLICY.
type DownPolicy string

const (
	DownDirect DownPolicy = "direct"
	DownDrop   DownPolicy = "drop"
	DownWait   DownPolicy = "wait"
)

// Config is the fully resolved, immutable-at-a-point-in-time snapshot of
// every CLI/env/file setting. The Hot subset is an explicit slice
// re-read by the Watcher's polling: RateLimitPerMinute,
// IdleTimeout, UDPSessionTimeout, Rules, EnableHTTP2, EnableDoH,
// EnhancedCache. No signal handler triggers a reload.
type Config struct {
	ListenAddr string
	ListenPort int

	SocksHosts []string
	SocksPorts []int
	SocksUser  string
	SocksPass  string

	TargetHost string
	TargetPort int

	Mode Mode

	BufferSize    int
	IdleTimeout   time.Duration
	ConnectTimeout time.Duration
	ConnectRetries int
	RetryBackoff  float64

	KeepIdle  int
	KeepIntvl int
	KeepCnt   int

	MaxConns int
	Backlog  int

	UDPListenPort     int
	UDPSessionTimeout time.Duration
	UDPBufferSize     int

	WebSocket   bool
	WebPort     int
	Certificate string

	CacheMode string // memory | disk-cache
	DNSTTL    time.Duration
	CacheTTL  time.Duration
	SSEInterval time.Duration

	EnableHTTP2    bool
	EnableDoH      bool
	EnableDoQ      bool
	EnhancedCache  bool

	SelfTest   bool
	ConfigFile string

	GracefulShutdownTimeout time.Duration

	RateLimitPerMinute int

	AllSocksDownPolicy    DownPolicy
	SocksRequiredPolicy   DownPolicy
	SocksRequiredMaxWait  time.Duration
	ForceReproxyOnRecover bool

	WebUIUser string
	WebUIPass string

	LogFormat string
	Verbose   bool

	Rules []policy.Rule
}

// FixedTarget returns the configured (host, port) and true if both
// --target-host and --target-port were supplied.
func (c *Config) FixedTarget() (string, int, bool) {
	if c.TargetHost != "" && c.TargetPort != 0 {
		return c.TargetHost, c.TargetPort, true
	}
	return "", 0, false
}

// Backends returns the cartesian product of socks-host x socks-port.
func (c *Config) Backends() []string {
	out := make([]string, 0, len(c.SocksHosts)*len(c.SocksPorts))
	for _, h := range c.SocksHosts {
		for _, p := range c.SocksPorts {
			out = append(out, fmt.Sprintf("%s:%d", h, p))
		}
	}
	return out
}

// BackendAddr is a (host, port) backend identity; a copy of ipn.Addr's
// shape kept here so config has no dependency on the ipn package.
type BackendAddr struct {
	Host string
	Port int
}

// BackendAddrs returns the cartesian product of socks-host x socks-port
// as typed pairs, for constructing an ipn.Pool.
func (c *Config) BackendAddrs() []BackendAddr {
	out := make([]BackendAddr, 0, len(c.SocksHosts)*len(c.SocksPorts))
	for _, h := range c.SocksHosts {
		for _, p := range c.SocksPorts {
			out = append(out, BackendAddr{Host: h, Port: p})
		}
	}
	return out
}

var errNoBackends = fmt.Errorf("no valid SOCKS5 backends parsed")
var errTargetMismatch = fmt.Errorf("--target-host requires --target-port and vice versa")

// Validate enforces the required-field and mutual-presence rules.
func (c *Config) Validate() error {
	if len(c.SocksHosts) == 0 || len(c.SocksPorts) == 0 {
		return errNoBackends
	}
	if (c.TargetHost != "") != (c.TargetPort != 0) {
		return errTargetMismatch
	}
	if c.IdleTimeout < 0 || c.ConnectTimeout < 0 || c.UDPSessionTimeout < 0 {
		return fmt.Errorf("timeouts must be non-negative")
	}
	return nil
}

// root builds the cobra command tree. Run is invoked with the resolved
// Config once flags/env/file have all been merged.
func root(run func(*Config) error) *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "zdtd",
		Short: "transparent TCP/UDP to SOCKS5 forwarding proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolve(v, cmd)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}

	flags := cmd.Flags()
	flags.String("listen-addr", "127.0.0.1", "listen address")
	flags.Int("listen-port", 11290, "listen port")
	flags.String("socks-host", "", "upstream SOCKS5 host(s), comma-separated (required)")
	flags.String("socks-port", "", "upstream SOCKS5 port(s), comma-separated (required)")
	flags.String("socks-user", "", "optional SOCKS5 username")
	flags.String("socks-pass", "", "optional SOCKS5 password")
	flags.String("target-host", "", "fixed target host")
	flags.Int("target-port", 0, "fixed target port")
	flags.String("mode", "tcp", "tcp | udp | tcp-udp")
	flags.Int("buffer-size", 131072, "read buffer size")
	flags.Int("idle-timeout", 600, "idle timeout seconds (0 disables)")
	flags.Int("connect-timeout", 30, "upstream connect timeout seconds")
	flags.Int("connect-retries", 2, "dial retries")
	flags.Float64("retry-backoff", 1.0, "base backoff seconds for retries")
	flags.Int("keepidle", 125, "TCP keepalive idle seconds")
	flags.Int("keepintvl", 30, "TCP keepalive interval seconds")
	flags.Int("keepcnt", 3, "TCP keepalive probe count")
	flags.Int("max-conns", 100, "max concurrent TCP connections")
	flags.Int("backlog", 256, "listen backlog")
	flags.Int("udp-listen-port", 0, "UDP listen port (defaults to listen-port)")
	flags.Int("udp-session-timeout", 125, "UDP session idle timeout seconds")
	flags.Int("udp-buffer-size", 131072, "UDP read buffer size")
	flags.Bool("web-socket", false, "enable the HTML/SSE dashboard")
	flags.Int("web-port", 8000, "dashboard port")
	flags.String("certificate", "", "PEM cert+key for the dashboard's TLS listener")
	flags.String("cache-mode", "memory", "memory | disk-cache")
	flags.Int("dns-ttl", 600, "DNS cache TTL seconds")
	flags.Int("cache-ttl", 600, "HTTP cache TTL seconds")
	flags.Int("sse-interval", 1, "dashboard SSE push interval seconds")
	flags.Bool("enable-http2", false, "HTTP/2 cleartext flag (parsed and hot-reloaded; no HTTP/2 detection is performed)")
	flags.Bool("enable-doh", false, "enable DNS-over-HTTPS resolution path")
	flags.Bool("enable-doq", false, "enable DNS-over-QUIC (experimental, unimplemented)")
	flags.Bool("enhanced-cache", false, "HTTP response cache flag (parsed and hot-reloaded; the forwarder uses no response cache)")
	flags.Bool("self-test", false, "run startup checks and exit")
	flags.String("config-file", "", "path to a JSON config file")
	flags.Int("graceful-shutdown-timeout", 30, "seconds to wait for drains on shutdown")
	flags.Bool("verbose", false, "debug logging")

	_ = v.BindPFlags(flags)
	v.SetEnvPrefix("t2s")
	v.AutomaticEnv()

	return cmd
}

// Execute runs the CLI. run is called once with the resolved Config.
func Execute(run func(*Config) error) error {
	return root(run).Execute()
}

func resolve(v *viper.Viper, cmd *cobra.Command) (*Config, error) {
	if cf, _ := cmd.Flags().GetString("config-file"); cf != "" {
		v.SetConfigFile(cf)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config-file: %w", err)
		}
	}

	c := &Config{
		ListenAddr:              v.GetString("listen-addr"),
		ListenPort:              v.GetInt("listen-port"),
		SocksHosts:              splitCSV(v.GetString("socks-host")),
		SocksUser:               v.GetString("socks-user"),
		SocksPass:               v.GetString("socks-pass"),
		TargetHost:              v.GetString("target-host"),
		TargetPort:              v.GetInt("target-port"),
		Mode:                    Mode(v.GetString("mode")),
		BufferSize:              v.GetInt("buffer-size"),
		IdleTimeout:             time.Duration(v.GetInt("idle-timeout")) * time.Second,
		ConnectTimeout:          time.Duration(v.GetInt("connect-timeout")) * time.Second,
		ConnectRetries:          v.GetInt("connect-retries"),
		RetryBackoff:            v.GetFloat64("retry-backoff"),
		KeepIdle:                v.GetInt("keepidle"),
		KeepIntvl:               v.GetInt("keepintvl"),
		KeepCnt:                 v.GetInt("keepcnt"),
		MaxConns:                v.GetInt("max-conns"),
		Backlog:                 v.GetInt("backlog"),
		UDPListenPort:           v.GetInt("udp-listen-port"),
		UDPSessionTimeout:       time.Duration(v.GetInt("udp-session-timeout")) * time.Second,
		UDPBufferSize:           v.GetInt("udp-buffer-size"),
		WebSocket:               v.GetBool("web-socket"),
		WebPort:                 v.GetInt("web-port"),
		Certificate:             v.GetString("certificate"),
		CacheMode:               v.GetString("cache-mode"),
		DNSTTL:                  time.Duration(v.GetInt("dns-ttl")) * time.Second,
		CacheTTL:                time.Duration(v.GetInt("cache-ttl")) * time.Second,
		SSEInterval:             time.Duration(max1(v.GetInt("sse-interval"))) * time.Second,
		EnableHTTP2:             v.GetBool("enable-http2"),
		EnableDoH:               v.GetBool("enable-doh"),
		EnableDoQ:               v.GetBool("enable-doq"),
		EnhancedCache:           v.GetBool("enhanced-cache"),
		SelfTest:                v.GetBool("self-test"),
		ConfigFile:              v.GetString("config-file"),
		GracefulShutdownTimeout: time.Duration(v.GetInt("graceful-shutdown-timeout")) * time.Second,
		Verbose:                 v.GetBool("verbose"),
	}
	if c.UDPListenPort == 0 {
		c.UDPListenPort = c.ListenPort
	}

	ports, err := parsePorts(v.GetString("socks-port"))
	if err != nil {
		return nil, err
	}
	c.SocksPorts = ports

	c.RateLimitPerMinute = envInt("T2S_RATE_LIMIT_PER_MINUTE", 0)
	c.AllSocksDownPolicy = DownPolicy(envDefault("ALL_SOCKS_DOWN_POLICY", string(DownDirect)))
	c.SocksRequiredPolicy = DownPolicy(envDefault("SOCKS_REQUIRED_POLICY", string(DownWait)))
	c.SocksRequiredMaxWait = time.Duration(envInt("SOCKS_REQUIRED_MAX_WAIT", 5)) * time.Second
	c.ForceReproxyOnRecover = envBool("FORCE_REPROXY_ON_SOCKS_RECOVERY", true)
	c.WebUIUser = os.Getenv("WEB_UI_USER")
	c.WebUIPass = os.Getenv("WEB_UI_PASS")
	c.LogFormat = envDefault("T2S_LOG_FORMAT", "text")

	rules, err := policy.ParseRules(os.Getenv("TRAFFIC_RULES"))
	if err != nil {
		xlog.W("config: bad TRAFFIC_RULES, ignoring: %v", err)
	}
	c.Rules = rules

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func max1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parsePorts(s string) ([]int, error) {
	var out []int
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid socks port %q: %w", p, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func envDefault(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(name string, def bool) bool {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "0", "false", "no", "off", "":
		return false
	default:
		return true
	}
}

// Hot is the subset of Config that the Watcher may change without a
// restart: rate limit, idle timeouts, rule set, enable-flags.
type Hot struct {
	RateLimitPerMinute int
	IdleTimeout        time.Duration
	UDPSessionTimeout  time.Duration
	Rules              []policy.Rule
	EnableHTTP2        bool
	EnableDoH          bool
	EnhancedCache      bool
}

// HotSnapshot extracts the reloadable subset.
func (c *Config) HotSnapshot() Hot {
	return Hot{
		RateLimitPerMinute: c.RateLimitPerMinute,
		IdleTimeout:        c.IdleTimeout,
		UDPSessionTimeout:  c.UDPSessionTimeout,
		Rules:              c.Rules,
		EnableHTTP2:        c.EnableHTTP2,
		EnableDoH:          c.EnableDoH,
		EnhancedCache:      c.EnhancedCache,
	}
}

// Watcher polls --config-file's mtime and TRAFFIC_RULES, pushing a fresh
// Hot snapshot to onReload whenever either changes. Mirrors the original
// program's config_file_watcher, generalized to also cover env-sourced
// rules. This polling is the only reload trigger: no SIGHUP handler is
// installed, so a signal does not cause a reload.
type Watcher struct {
	path     string
	interval time.Duration
	onReload func(Hot)

	mu        sync.Mutex
	lastMtime time.Time
	lastRules string

	base *Config
}

// NewWatcher returns a Watcher for cfg.ConfigFile (may be empty, in which
// case only TRAFFIC_RULES is polled).
func NewWatcher(cfg *Config, interval time.Duration, onReload func(Hot)) *Watcher {
	return &Watcher{path: cfg.ConfigFile, interval: interval, onReload: onReload, base: cfg}
}

// Run polls until ctx-like stop channel closes.
func (w *Watcher) Run(stop <-chan struct{}) {
	if w.interval <= 0 {
		w.interval = 15 * time.Second
	}
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			w.poll()
		}
	}
}

func (w *Watcher) poll() {
	changed := false
	w.mu.Lock()
	if w.path != "" {
		if fi, err := os.Stat(w.path); err == nil {
			if fi.ModTime().After(w.lastMtime) {
				w.lastMtime = fi.ModTime()
				changed = true
			}
		}
	}
	rules := os.Getenv("TRAFFIC_RULES")
	if rules != w.lastRules {
		w.lastRules = rules
		changed = true
	}
	w.mu.Unlock()

	if !changed {
		return
	}

	hot := w.base.HotSnapshot()
	if w.path != "" {
		if raw, err := os.ReadFile(w.path); err == nil {
			var fileCfg map[string]any
			if json.Unmarshal(raw, &fileCfg) == nil {
				applyFileOverrides(&hot, fileCfg)
			}
		}
	}
	if parsed, err := policy.ParseRules(rules); err == nil {
		hot.Rules = parsed
	}
	xlog.I("config: reload triggered")
	w.onReload(hot)
}

func applyFileOverrides(hot *Hot, m map[string]any) {
	if v, ok := m["rate_limit_per_minute"].(float64); ok {
		hot.RateLimitPerMinute = int(v)
	}
	if v, ok := m["idle_timeout"].(float64); ok {
		hot.IdleTimeout = time.Duration(v) * time.Second
	}
	if v, ok := m["udp_session_timeout"].(float64); ok {
		hot.UDPSessionTimeout = time.Duration(v) * time.Second
	}
	if v, ok := m["enable_http2"].(bool); ok {
		hot.EnableHTTP2 = v
	}
	if v, ok := m["enable_doh"].(bool); ok {
		hot.EnableDoH = v
	}
	if v, ok := m["enhanced_cache"].(bool); ok {
		hot.EnhancedCache = v
	}
}

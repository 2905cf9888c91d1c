// Copyright (c) 2024 the ZDT-D authors.

// Package dashboard serves the HTTP control surface: the live-status
// page, the JSON debug endpoints, the SSE event stream, and the admin
// kill/backend-edit POST handlers.
package dashboard

import (
	"net/http"
	"time"

	"github.com/gin-contrib/static"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GAME-OVER-op/ZDT-D/proxy/config"
	"github.com/GAME-OVER-op/ZDT-D/proxy/core"
	"github.com/GAME-OVER-op/ZDT-D/proxy/ipn"
)

// staticMiddleware serves extra static assets (e.g. a richer hand-built
// dashboard UI) out of dir, falling through to the dynamic routes below
// for anything dir doesn't have — the same layering gin-contrib/static
// gives any gin app with generated assets alongside API routes.
func staticMiddleware(dir string) gin.HandlerFunc {
	return static.Serve("/", static.LocalFile(dir, false))
}

// Deps bundles the collaborators the dashboard reads from or mutates.
// Nothing here is owned by the dashboard: it is a read/admin window onto
// state the forwarder, udpsession and ipn packages already maintain.
type Deps struct {
	Cfg      *config.Config
	Registry *core.Registry
	Counters *core.Counters
	Pool     *ipn.Pool
}

// connSnapshot is the JSON shape of one live TCP connection for
// /debug/connections, grounded on the Python _conns dict entries.
type connSnapshot struct {
	ConnID      string `json:"conn_id"`
	Client      string `json:"client"`
	Target      string `json:"target"`
	HostDisplay string `json:"host_display"`
	Backend     string `json:"backend"`
	UseDirect   bool   `json:"use_direct"`
	BytesC2R    int64  `json:"bytes_c2r"`
	BytesR2C    int64  `json:"bytes_r2c"`
	StartedAt   string `json:"started_at"`
}

// backendSnapshot is the JSON shape of one SOCKS5 backend for
// /debug/socks5_backends.
type backendSnapshot struct {
	Host                string     `json:"host"`
	Port                int        `json:"port"`
	Health              string     `json:"health"`
	ServerLatencyMs     *float64   `json:"server_latency_ms"`
	InternetLatencyMs   *float64   `json:"internet_latency_ms"`
	LastProbe           *time.Time `json:"last_probe"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	TotalBytes          int64      `json:"total_bytes"`
	EMABytesPerSecond   float64    `json:"ema_bytes_per_second"`
	TTLIntegrityPercent float64    `json:"ttl_integrity_percent"`
}

// NewRouter builds the gin engine with every route wired.
// Static assets are served through gin-contrib/static the way the
// teacher's web surface does, layered under the dynamic JSON/SSE/admin
// routes.
func NewRouter(deps *Deps, staticDir string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	if staticDir != "" {
		r.Use(staticMiddleware(staticDir))
	}

	r.GET("/", deps.handleIndex)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ready", deps.handleReady)
	r.GET("/health", deps.handleHealth)
	r.GET("/debug/connections", deps.handleDebugConnections)
	r.GET("/debug/socks5_backends", deps.handleDebugBackends)
	r.GET("/debug/system", deps.handleDebugSystem)
	r.GET("/events", deps.handleEvents)

	admin := r.Group("/api")
	admin.Use(deps.basicAuth)
	admin.POST("/conn/kill", deps.handleKillConn)
	admin.POST("/backends/add", deps.handleAddBackend)
	admin.POST("/backends/remove", deps.handleRemoveBackend)

	return r
}

// basicAuth enforces WEB_UI_USER/WEB_UI_PASS on the admin group only when
// both are configured, matching the
// Python do_POST's "only gate if both env vars are set" behavior.
func (d *Deps) basicAuth(c *gin.Context) {
	if d.Cfg.WebUIUser == "" || d.Cfg.WebUIPass == "" {
		return
	}
	user, pass, ok := c.Request.BasicAuth()
	if !ok || user != d.Cfg.WebUIUser || pass != d.Cfg.WebUIPass {
		c.Header("WWW-Authenticate", `Basic realm="zdtd"`)
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
}

func (d *Deps) handleIndex(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, indexHTML)
}

// handleReady implements GET /ready: 200 iff at least one backend is
// currently green (healthy with internet reachability), else 503.
func (d *Deps) handleReady(c *gin.Context) {
	if d.Pool.Available() {
		c.String(http.StatusOK, "OK")
		return
	}
	c.String(http.StatusServiceUnavailable, "NOT READY")
}

// handleHealth implements GET /health: a richer liveness probe than
// /ready, grounded on the Python _health_check — unhealthy
// iff no backends are configured at all, regardless of their current
// reachability.
func (d *Deps) handleHealth(c *gin.Context) {
	backends := d.Pool.Backends()
	healthy := len(backends) > 0

	statuses := make([]gin.H, 0, len(backends))
	for _, b := range backends {
		statuses = append(statuses, gin.H{
			"host":    b.Host,
			"port":    b.Port,
			"healthy": b.Health() != ipn.Black,
		})
	}

	details := gin.H{
		"socks5_available": d.Pool.Available(),
		"socks_backends":   statuses,
		"tcp_connections":  d.Registry.TCPCount(),
	}
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, details)
}

func (d *Deps) handleDebugConnections(c *gin.Context) {
	records := d.Registry.ListTCP()
	out := make([]connSnapshot, 0, len(records))
	for _, r := range records {
		c2r, r2c := r.Bytes()
		out = append(out, connSnapshot{
			ConnID:      r.ConnID,
			Client:      r.ClientAddr,
			Target:      r.TargetHost,
			HostDisplay: r.HostDisplay(),
			Backend:     r.Backend,
			UseDirect:   r.UseDirect,
			BytesC2R:    c2r,
			BytesR2C:    r2c,
			StartedAt:   r.StartTS.UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, out)
}

func (d *Deps) handleDebugBackends(c *gin.Context) {
	backends := d.Pool.Backends()
	out := make([]backendSnapshot, 0, len(backends))
	for _, b := range backends {
		snap := b.Snapshot()
		var lastProbe *time.Time
		if !snap.LastProbeTS.IsZero() {
			t := snap.LastProbeTS.UTC()
			lastProbe = &t
		}
		out = append(out, backendSnapshot{
			Host:                snap.Host,
			Port:                snap.Port,
			Health:              string(snap.Health),
			ServerLatencyMs:     snap.ServerLatencyMs,
			InternetLatencyMs:   snap.InternetLatencyMs,
			LastProbe:           lastProbe,
			ConsecutiveFailures: snap.ConsecutiveFailures,
			TotalBytes:          snap.TotalBytes,
			EMABytesPerSecond:   snap.EMABytesPerSecond,
			TTLIntegrityPercent: snap.TTLIntegrityPercent,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (d *Deps) handleDebugSystem(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"tcp_connections":   d.Registry.TCPCount(),
		"throughput_bps":    d.Counters.ThroughputSample(),
		"socks5_available":  d.Pool.Available(),
		"backends_total":    len(d.Pool.Backends()),
	})
}

// handleEvents streams a JSON snapshot every SSEInterval as a Server-Sent
// Events feed, grounded on the Python handler's
// make_snapshot/while-loop/text-event-stream pattern.
func (d *Deps) handleEvents(c *gin.Context) {
	interval := d.Cfg.SSEInterval
	if interval <= 0 {
		interval = time.Second
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ctx := c.Request.Context()
	c.Stream(func(w gin.ResponseWriter) bool {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			snap := gin.H{
				"ts":              time.Now().Unix(),
				"tcp_connections": d.Registry.TCPCount(),
				"throughput_bps":  d.Counters.ThroughputSample(),
				"socks5_available": d.Pool.Available(),
			}
			c.SSEvent("snapshot", snap)
			return true
		}
	})
}

func (d *Deps) handleKillConn(c *gin.Context) {
	var body struct {
		ConnID string `json:"conn_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.ConnID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conn_id required"})
		return
	}
	if !d.Registry.KillTCP(body.ConnID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": "ok"})
}

func (d *Deps) handleAddBackend(c *gin.Context) {
	var body struct {
		Host string `json:"host"`
		Port int    `json:"port"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Host == "" || body.Port == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "host/port required"})
		return
	}
	d.Pool.Add(body.Host, body.Port)
	c.JSON(http.StatusOK, gin.H{"result": "ok"})
}

func (d *Deps) handleRemoveBackend(c *gin.Context) {
	var body struct {
		Host string `json:"host"`
		Port int    `json:"port"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Host == "" || body.Port == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "host/port required"})
		return
	}
	if !d.Pool.Remove(body.Host, body.Port) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": "ok"})
}

const indexHTML = `<!DOCTYPE html>
<html>
<head><title>ZDT-D</title></head>
<body>
<h1>ZDT-D transparent proxy</h1>
<ul>
<li><a href="/debug/connections">/debug/connections</a></li>
<li><a href="/debug/socks5_backends">/debug/socks5_backends</a></li>
<li><a href="/debug/system">/debug/system</a></li>
<li><a href="/events">/events (SSE)</a></li>
<li><a href="/metrics">/metrics</a></li>
</ul>
<script>
const es = new EventSource('/events');
es.addEventListener('snapshot', e => console.log(JSON.parse(e.data)));
</script>
</body>
</html>`

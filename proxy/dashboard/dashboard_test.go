// Copyright (c) 2024 the ZDT-D authors.

package dashboard

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GAME-OVER-op/ZDT-D/proxy/config"
	"github.com/GAME-OVER-op/ZDT-D/proxy/core"
	"github.com/GAME-OVER-op/ZDT-D/proxy/ipn"
)

func newTestDeps(t *testing.T) *Deps {
	t.Helper()
	reg := prometheus.NewRegistry()
	return &Deps{
		Cfg:      &config.Config{},
		Registry: core.NewRegistry(),
		Counters: core.NewCounters(reg),
		Pool:     ipn.NewPool(nil),
	}
}

func doRequest(t *testing.T, deps *Deps, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	r := NewRouter(deps, "")
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHandleReadyReflectsPoolAvailability(t *testing.T) {
	deps := newTestDeps(t)
	rec := doRequest(t, deps, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleHealthUnhealthyWithNoBackends(t *testing.T) {
	deps := newTestDeps(t)
	rec := doRequest(t, deps, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleHealthHealthyWithBackendsConfigured(t *testing.T) {
	deps := newTestDeps(t)
	deps.Pool.Add("127.0.0.1", 1080)
	rec := doRequest(t, deps, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleDebugConnectionsListsLiveRecords(t *testing.T) {
	deps := newTestDeps(t)
	record := &core.TCPRecord{
		ConnID:        "c1",
		ClientAddr:    "10.0.0.1:1111",
		TargetHost:    "93.184.216.34",
		TargetPort:    443,
		ProtocolClass: core.ProtoHTTPS,
		StartTS:       time.Now(),
	}
	deps.Registry.RegisterTCP(record)

	rec := doRequest(t, deps, http.MethodGet, "/debug/connections", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var out []connSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, "c1", out[0].ConnID)
	assert.Equal(t, "93.184.216.34", out[0].Target)
}

func TestHandleDebugBackendsListsPoolBackends(t *testing.T) {
	deps := newTestDeps(t)
	deps.Pool.Add("127.0.0.1", 1080)

	rec := doRequest(t, deps, http.MethodGet, "/debug/socks5_backends", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var out []backendSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, "127.0.0.1", out[0].Host)
	assert.Equal(t, "black", out[0].Health)
}

func TestHandleKillConnRequiresConnID(t *testing.T) {
	deps := newTestDeps(t)
	rec := doRequest(t, deps, http.MethodPost, "/api/conn/kill", []byte(`{}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleKillConnNotFound(t *testing.T) {
	deps := newTestDeps(t)
	rec := doRequest(t, deps, http.MethodPost, "/api/conn/kill", []byte(`{"conn_id":"missing"}`))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleAddAndRemoveBackend(t *testing.T) {
	deps := newTestDeps(t)

	rec := doRequest(t, deps, http.MethodPost, "/api/backends/add", []byte(`{"host":"127.0.0.1","port":1080}`))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, deps.Pool.Backends(), 1)

	rec = doRequest(t, deps, http.MethodPost, "/api/backends/remove", []byte(`{"host":"127.0.0.1","port":1080}`))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, deps.Pool.Backends(), 0)
}

func TestBasicAuthRejectsWhenConfigured(t *testing.T) {
	deps := newTestDeps(t)
	deps.Cfg.WebUIUser = "admin"
	deps.Cfg.WebUIPass = "secret"

	r := NewRouter(deps, "")
	req := httptest.NewRequest(http.MethodPost, "/api/conn/kill", bytes.NewReader([]byte(`{"conn_id":"x"}`)))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req2 := httptest.NewRequest(http.MethodPost, "/api/conn/kill", bytes.NewReader([]byte(`{"conn_id":"x"}`)))
	req2.SetBasicAuth("admin", "secret")
	rec2 := httptest.NewRecorder()
	r.ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusNotFound, rec2.Code)
}

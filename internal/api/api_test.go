package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stress-sentry/internal/config"
	"stress-sentry/internal/hub"
	"stress-sentry/internal/registry"
	"stress-sentry/internal/simulation"
	"stress-sentry/internal/telemetry"
	"stress-sentry/internal/worker"
)

type staticSnapshot struct {
	snap telemetry.MetricsSnapshot
	ok   bool
}

func (s staticSnapshot) Latest() (telemetry.MetricsSnapshot, bool) { return s.snap, s.ok }

type testEnv struct {
	api      *API
	registry *registry.Registry
	launcher *simulation.Launcher
	pool     *worker.Pool
	hub      *hub.Hub
	server   *httptest.Server
}

func newTestEnv(t *testing.T, workers int, metrics SnapshotSource) *testEnv {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Limits.MemoryMaxMegabytes = 16

	h := hub.New(1024)
	reg := registry.New(nil, h)
	pool := worker.NewPool(workers, 256)
	pool.Start()

	ctx, cancel := context.WithCancel(context.Background())
	launcher := simulation.NewLauncher(ctx, reg)
	if metrics == nil {
		metrics = h
	}

	a := NewAPI(cfg, reg, launcher, pool, h, metrics)
	a.Instance = "test-instance"
	mux := http.NewServeMux()
	a.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)

	t.Cleanup(func() {
		reg.CancelAll()
		cancel()
		a.Close()
		srv.Close()
		launcher.Wait()
		pool.Stop()
	})
	return &testEnv{api: a, registry: reg, launcher: launcher, pool: pool, hub: h, server: srv}
}

func (e *testEnv) do(t *testing.T, method, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, nil)
	require.NoError(t, err)
	resp, err := e.server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestStartAndListSimulations(t *testing.T) {
	env := newTestEnv(t, 4, nil)

	resp := env.do(t, http.MethodPost, "/api/simulations/memory?sizeMegabytes=64&holdSeconds=0")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var rec struct {
		ID         string         `json:"id"`
		Kind       string         `json:"kind"`
		Parameters map[string]int `json:"parameters"`
	}
	decode(t, resp, &rec)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "memory", rec.Kind)
	assert.Equal(t, 16, rec.Parameters["sizeMegabytes"], "clamped to the configured limit")

	resp = env.do(t, http.MethodPost, "/api/simulations/cpu?durationSeconds=60&goroutines=1")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/simulations")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []registry.Record
	decode(t, resp, &list)
	require.Len(t, list, 2)
	assert.Equal(t, rec.ID, list[0].ID)
	assert.Equal(t, telemetry.KindCPU, list[1].Kind)

	resp = env.do(t, http.MethodGet, "/api/simulations/"+rec.ID)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMalformedParametersAreRejected(t *testing.T) {
	env := newTestEnv(t, 2, nil)

	for _, path := range []string{
		"/api/simulations/cpu?durationSeconds=abc",
		"/api/simulations/memory?sizeMegabytes=-5",
		"/api/simulations/block?workers=1.5",
	} {
		resp := env.do(t, http.MethodPost, path)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
	}
	assert.Zero(t, env.registry.Count())

	resp := env.do(t, http.MethodGet, "/api/simulations/cpu")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestCancelAllReportsReleasedMemory(t *testing.T) {
	env := newTestEnv(t, 4, nil)

	env.do(t, http.MethodPost, "/api/simulations/memory?sizeMegabytes=8")
	env.do(t, http.MethodPost, "/api/simulations/cpu?durationSeconds=60&goroutines=1")
	require.Eventually(t, func() bool { return env.launcher.HeldBytes() == 8*bytesPerMB }, 2*time.Second, time.Millisecond)

	resp := env.do(t, http.MethodDelete, "/api/simulations")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Cancelled        int `json:"cancelled"`
		ReleasedMemoryMb int `json:"releasedMemoryMb"`
	}
	decode(t, resp, &out)
	assert.Equal(t, 2, out.Cancelled)
	assert.Equal(t, 8, out.ReleasedMemoryMb)
	assert.Zero(t, env.registry.Count())
}

func TestCancelOne(t *testing.T) {
	env := newTestEnv(t, 2, nil)

	resp := env.do(t, http.MethodPost, "/api/simulations/cpu?durationSeconds=60&goroutines=1")
	var rec registry.Record
	decode(t, resp, &rec)

	resp = env.do(t, http.MethodDelete, "/api/simulations/"+rec.ID)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = env.do(t, http.MethodDelete, "/api/simulations/"+rec.ID)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = env.do(t, http.MethodGet, "/api/simulations/"+rec.ID)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLatestBeforeAndAfterFirstTick(t *testing.T) {
	env := newTestEnv(t, 2, nil)

	resp := env.do(t, http.MethodGet, "/api/metrics/latest")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	env.hub.PublishMetrics(telemetry.MetricsSnapshot{CPUPercent: 12.5, ProcessInstance: "x"})
	resp = env.do(t, http.MethodGet, "/api/metrics/latest")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var payload map[string]any
	decode(t, resp, &payload)
	assert.Equal(t, 12.5, payload["cpuPercent"])
	assert.Equal(t, "x", payload["processInstance"])
}

func TestHealthAndCORS(t *testing.T) {
	env := newTestEnv(t, 2, staticSnapshot{})

	resp := env.do(t, http.MethodGet, "/api/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	var health map[string]any
	decode(t, resp, &health)
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, "test-instance", health["instance"])

	resp = env.do(t, http.MethodOptions, "/api/simulations")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestStreamDeliversLatestThenEvents(t *testing.T) {
	env := newTestEnv(t, 2, nil)
	env.hub.PublishMetrics(telemetry.MetricsSnapshot{ActiveSimulationCount: 7})

	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/api/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var first struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "metrics", first.Type)
	assert.Equal(t, 7.0, first.Data["activeSimulationCount"])

	env.do(t, http.MethodPost, "/api/simulations/cpu?durationSeconds=60&goroutines=1")

	var started struct {
		Type string `json:"type"`
		Data struct {
			ID   string `json:"id"`
			Kind string `json:"kind"`
		} `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&started))
	assert.Equal(t, "simulationStarted", started.Type)
	assert.Equal(t, "cpu", started.Data.Kind)
	assert.NotEmpty(t, started.Data.ID)
}

func TestControlRoutesAnswerWhilePoolIsStarved(t *testing.T) {
	env := newTestEnv(t, 2, staticSnapshot{ok: true})

	resp := env.do(t, http.MethodPost, "/api/simulations/block?durationSeconds=60")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Eventually(t, func() bool { return env.pool.Stats().Available == 0 }, 2*time.Second, time.Millisecond)

	client := &http.Client{Timeout: 200 * time.Millisecond}
	_, err := client.Get(env.server.URL + "/api/probe")
	assert.Error(t, err, "probe should queue behind the blocked workers")

	for _, path := range []string{"/api/metrics/latest", "/api/health"} {
		resp, err := client.Get(env.server.URL + path)
		require.NoError(t, err, path)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	req, err := http.NewRequest(http.MethodDelete, env.server.URL+"/api/simulations", nil)
	require.NoError(t, err)
	resp, err = client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Eventually(t, func() bool {
		resp, err := client.Get(env.server.URL + "/api/probe")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)
}

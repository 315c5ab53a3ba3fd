package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"stress-sentry/internal/config"
	"stress-sentry/internal/hub"
	"stress-sentry/internal/registry"
	"stress-sentry/internal/simulation"
	"stress-sentry/internal/telemetry"
	"stress-sentry/internal/worker"
)

const (
	bytesPerMB = 1024 * 1024

	writeWait  = 5 * time.Second
	pingPeriod = 30 * time.Second
)

// SnapshotSource serves the latest metrics snapshot.
type SnapshotSource interface {
	Latest() (telemetry.MetricsSnapshot, bool)
}

// API holds shared state for all handlers
type API struct {
	Config   *config.Config
	Registry *registry.Registry
	Launcher *simulation.Launcher
	Pool     *worker.Pool
	Hub      *hub.Hub
	Metrics  SnapshotSource
	Instance string

	startedAt time.Time
	upgrader  websocket.Upgrader
	closing   chan struct{}
	closeOnce sync.Once
	log       *log.Entry
}

func NewAPI(cfg *config.Config, reg *registry.Registry, launcher *simulation.Launcher, pool *worker.Pool, h *hub.Hub, metrics SnapshotSource) *API {
	return &API{
		Config:    cfg,
		Registry:  reg,
		Launcher:  launcher,
		Pool:      pool,
		Hub:       h,
		Metrics:   metrics,
		startedAt: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// the dashboard may be served from anywhere, as with CORS below
			CheckOrigin: func(*http.Request) bool { return true },
		},
		closing: make(chan struct{}),
		log:     log.WithField("component", "api"),
	}
}

// RegisterRoutes mounts all API endpoints on the given mux. Routes that
// trigger or list simulations, and the probe endpoint, are admitted through
// the worker pool. Everything else answers even when the pool is starved.
func (a *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/simulations/cpu", a.cors(a.post(a.pooled(a.startCPU))))
	mux.HandleFunc("/api/simulations/memory", a.cors(a.post(a.pooled(a.startMemory))))
	mux.HandleFunc("/api/simulations/block", a.cors(a.post(a.pooled(a.startBlock))))
	mux.HandleFunc("/api/simulations", a.cors(a.handleSimulations))
	mux.HandleFunc("/api/simulations/{id}", a.cors(a.handleSimulation))
	mux.HandleFunc("/api/probe", a.cors(a.get(a.pooled(a.handleProbe))))
	mux.HandleFunc("/api/metrics/latest", a.cors(a.get(a.handleLatest)))
	mux.HandleFunc("/api/stream", a.cors(a.get(a.handleStream)))
	mux.HandleFunc("/api/health", a.cors(a.get(a.handleHealth)))
}

// Close ends every open stream. http.Server.Shutdown does not touch
// hijacked connections.
func (a *API) Close() {
	a.closeOnce.Do(func() { close(a.closing) })
}

// ── Middleware ───────────────────────────────────────────────────

func (a *API) cors(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next(w, r)
	}
}

func (a *API) pooled(next http.HandlerFunc) http.HandlerFunc {
	return a.Pool.Middleware(next).ServeHTTP
}

func (a *API) get(next http.HandlerFunc) http.HandlerFunc {
	return method(http.MethodGet, next)
}

func (a *API) post(next http.HandlerFunc) http.HandlerFunc {
	return method(http.MethodPost, next)
}

func method(m string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != m {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

// ── Simulations ──────────────────────────────────────────────────

func (a *API) startCPU(w http.ResponseWriter, r *http.Request) {
	duration, goroutines, ok := a.intParams(w, r, "durationSeconds", "goroutines")
	if !ok {
		return
	}
	a.start(w, simulation.NewCPU(duration, goroutines, a.Config.Limits))
}

func (a *API) startMemory(w http.ResponseWriter, r *http.Request) {
	size, hold, ok := a.intParams(w, r, "sizeMegabytes", "holdSeconds")
	if !ok {
		return
	}
	a.start(w, simulation.NewMemory(size, hold, a.Config.Limits))
}

func (a *API) startBlock(w http.ResponseWriter, r *http.Request) {
	duration, workers, ok := a.intParams(w, r, "durationSeconds", "workers")
	if !ok {
		return
	}
	a.start(w, simulation.NewSchedulerBlock(duration, workers, a.Pool, a.Config.Limits))
}

func (a *API) start(w http.ResponseWriter, sim simulation.Simulation) {
	rec := a.Launcher.Start(sim)
	writeJSON(w, http.StatusAccepted, rec)
}

func (a *API) handleSimulations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.pooled(a.listSimulations)(w, r)
	case http.MethodDelete:
		a.cancelAll(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *API) listSimulations(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.Registry.Enumerate())
}

func (a *API) cancelAll(w http.ResponseWriter, _ *http.Request) {
	held := a.Launcher.HeldBytes()
	n := a.Registry.CancelAll()
	a.log.Infof("cancelled %d simulations, releasing %d MB", n, held/bytesPerMB)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cancelled":        n,
		"releasedMemoryMb": held / bytesPerMB,
	})
}

func (a *API) handleSimulation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	switch r.Method {
	case http.MethodGet:
		rec, ok := a.Registry.TryGet(id)
		if !ok {
			http.Error(w, "Simulation not found: "+id, http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	case http.MethodDelete:
		if !a.Registry.Cancel(id) {
			http.Error(w, "Simulation not found: "+id, http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"cancelled": id})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// intParams reads two optional non-negative integer query parameters.
// Missing parameters are 0, which the simulations treat as "use default".
func (a *API) intParams(w http.ResponseWriter, r *http.Request, first, second string) (int, int, bool) {
	q := r.URL.Query()
	var out [2]int
	for i, key := range []string{first, second} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			http.Error(w, fmt.Sprintf("Invalid %s: %q", key, raw), http.StatusBadRequest)
			return 0, 0, false
		}
		out[i] = v
	}
	return out[0], out[1], true
}

// ── Probe ────────────────────────────────────────────────────────

func (a *API) handleProbe(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "ok",
		"timestamp":         time.Now().UTC(),
		"activeSimulations": a.Registry.Count(),
		"goroutines":        runtime.NumGoroutine(),
	})
}

// ── Metrics ──────────────────────────────────────────────────────

func (a *API) handleLatest(w http.ResponseWriter, _ *http.Request) {
	snap, ok := a.Metrics.Latest()
	if !ok {
		http.Error(w, "No metrics sampled yet", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleStream upgrades to a websocket and relays every hub message until
// the client goes away.
func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		a.log.Debugf("stream upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sub := a.Hub.Subscribe()
	defer a.Hub.Unsubscribe(sub)

	// drain reads so that pongs and the close frame are processed
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case <-a.closing:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		case m := <-sub.C():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(m); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// ── Health ───────────────────────────────────────────────────────

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "ok",
		"instance":          a.Instance,
		"uptimeSeconds":     int(time.Since(a.startedAt).Seconds()),
		"activeSimulations": a.Registry.Count(),
		"pool":              a.Pool.Stats(),
		"subscribers":       a.Hub.Subscribers(),
	})
}

// ── Helpers ──────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

package alerts

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stress-sentry/internal/hub"
	"stress-sentry/internal/telemetry"
	"stress-sentry/internal/util"
)

type receiver struct {
	mu       sync.Mutex
	payloads []Payload
}

func (r *receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var p Payload
	if err := json.NewDecoder(req.Body).Decode(&p); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	r.mu.Lock()
	r.payloads = append(r.payloads, p)
	r.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (r *receiver) all() []Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Payload(nil), r.payloads...)
}

func timeout() hub.Message {
	return hub.Message{Type: hub.TypeLatency, Latency: &telemetry.LatencySample{LatencyMillis: 30000, IsTimeout: true}}
}

func TestProbeTimeoutRaisesAlertOncePerCooldown(t *testing.T) {
	rcv := &receiver{}
	srv := httptest.NewServer(rcv)
	defer srv.Close()

	clock := util.NewDummyClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	d := NewDispatcher(srv.URL, time.Minute, "test", clock)

	d.Process(timeout())
	d.Process(timeout())
	clock.Advance(30 * time.Second)
	d.Process(timeout())
	d.Wait()
	require.Len(t, rcv.all(), 1)

	clock.Advance(31 * time.Second)
	d.Process(hub.Message{Type: hub.TypeLatency, Latency: &telemetry.LatencySample{IsError: true, ErrorDetail: "connection refused"}})
	d.Wait()

	got := rcv.all()
	require.Len(t, got, 2)
	assert.Equal(t, SeverityCritical, got[0].Severity)
	assert.Contains(t, got[0].Description, "30000ms")
	assert.Equal(t, "test", got[0].Source)
	assert.Equal(t, SeverityWarning, got[1].Severity)
	assert.Equal(t, "connection refused", got[1].Description)
}

func TestHealthyProbesAndOtherMessagesAreIgnored(t *testing.T) {
	rcv := &receiver{}
	srv := httptest.NewServer(rcv)
	defer srv.Close()

	d := NewDispatcher(srv.URL, 0, "test", nil)
	d.Process(hub.Message{Type: hub.TypeLatency, Latency: &telemetry.LatencySample{LatencyMillis: 2}})
	d.Process(hub.Message{Type: hub.TypeMetrics, Metrics: &telemetry.MetricsSnapshot{}})
	d.Process(hub.Message{Type: hub.TypeSimulationStarted, Simulation: &telemetry.SimulationEvent{}})
	d.Wait()
	assert.Empty(t, rcv.all())
}

func TestDisabledDispatcher(t *testing.T) {
	d := NewDispatcher("", time.Minute, "test", nil)
	assert.False(t, d.Enabled())
	d.Process(timeout())
	d.Send("title", "desc", SeverityInfo)
	d.Wait()
}

func TestWebhookFailureIsNotFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := NewDispatcher(srv.URL, 0, "test", nil)
	d.Send("title", "desc", SeverityInfo)
	d.Wait()
}

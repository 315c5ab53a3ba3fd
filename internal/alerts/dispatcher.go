package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"stress-sentry/internal/hub"
	"stress-sentry/internal/util"
)

const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
	SeverityInfo     = "info"
)

type Payload struct {
	Content     string `json:"content"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	Source      string `json:"source"`
	Timestamp   string `json:"timestamp"`
}

// Dispatcher posts alerts to a webhook. Probe incidents are rate limited to
// one per cooldown window.
type Dispatcher struct {
	WebhookURL string
	Cooldown   time.Duration

	client *http.Client
	clock  util.Clock
	source string

	mu        sync.Mutex
	lastProbe time.Time
	wg        sync.WaitGroup
	log       *log.Entry
}

// NewDispatcher returns a dispatcher; an empty webhookURL disables it.
func NewDispatcher(webhookURL string, cooldown time.Duration, source string, clock util.Clock) *Dispatcher {
	if clock == nil {
		clock = &util.DefaultClock{}
	}
	return &Dispatcher{
		WebhookURL: webhookURL,
		Cooldown:   cooldown,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
		clock:  clock,
		source: source,
		log:    log.WithField("component", "alerts"),
	}
}

func (d *Dispatcher) Enabled() bool {
	return d.WebhookURL != ""
}

// Send posts one alert in the background.
func (d *Dispatcher) Send(title, description, severity string) {
	if !d.Enabled() {
		return
	}

	now := d.clock.Now().UTC()
	p := Payload{
		// "content" keeps Discord and Slack style receivers happy
		Content:     fmt.Sprintf("[%s] **%s**\n%s\nSource: %s", severity, title, description, d.source),
		Title:       title,
		Description: description,
		Severity:    severity,
		Source:      d.source,
		Timestamp:   now.Format(time.RFC3339),
	}
	body, err := json.Marshal(p)
	if err != nil {
		d.log.Errorf("failed to marshal alert: %v", err)
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		resp, err := d.client.Post(d.WebhookURL, "application/json", bytes.NewReader(body))
		if err != nil {
			d.log.Warnf("failed to send webhook: %v", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			d.log.Warnf("webhook returned status %d", resp.StatusCode)
		}
	}()
}

// Process raises an alert for probe timeouts and errors, at most once per
// cooldown window.
func (d *Dispatcher) Process(m hub.Message) {
	if m.Type != hub.TypeLatency || m.Latency == nil {
		return
	}
	s := m.Latency
	if !s.IsTimeout && !s.IsError {
		return
	}

	now := d.clock.Now()
	d.mu.Lock()
	if !d.lastProbe.IsZero() && now.Sub(d.lastProbe) < d.Cooldown {
		d.mu.Unlock()
		return
	}
	d.lastProbe = now
	d.mu.Unlock()

	if s.IsTimeout {
		d.Send("Request path starved",
			fmt.Sprintf("Probe request did not complete within %.0fms.", s.LatencyMillis),
			SeverityCritical)
		return
	}
	d.Send("Probe request failed", s.ErrorDetail, SeverityWarning)
}

// Run raises alerts from h until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, h *hub.Hub) {
	if !d.Enabled() {
		return
	}
	h.Consume(ctx, d.Process)
}

// Wait blocks until every in-flight webhook call has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

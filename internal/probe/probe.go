package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"stress-sentry/internal/telemetry"
	"stress-sentry/internal/util"
)

const (
	DefaultInterval    = 100 * time.Millisecond
	DefaultTimeout     = 30 * time.Second
	DefaultMaxInFlight = 512
)

// Call performs one lightweight request through the service's normal
// request path.
type Call func(ctx context.Context) error

type Publisher interface {
	PublishLatency(telemetry.LatencySample)
}

type Options struct {
	Interval    time.Duration
	Timeout     time.Duration
	MaxInFlight int
	Call        Call
	Publisher   Publisher
	Clock       util.Clock
}

// Probe continuously times calls through the request path so that queueing
// delay shows up even when CPU and memory look normal.
type Probe struct {
	interval  time.Duration
	timeout   time.Duration
	call      Call
	publisher Publisher
	clock     util.Clock
	slots     chan struct{}

	latency  prometheus.Histogram
	outcomes *prometheus.CounterVec
	skipped  prometheus.Counter
	log      *log.Entry
}

func New(opts Options) *Probe {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxInFlight < 1 {
		opts.MaxInFlight = DefaultMaxInFlight
	}
	if opts.Clock == nil {
		opts.Clock = &util.DefaultClock{}
	}
	return &Probe{
		interval:  opts.Interval,
		timeout:   opts.Timeout,
		call:      opts.Call,
		publisher: opts.Publisher,
		clock:     opts.Clock,
		slots:     make(chan struct{}, opts.MaxInFlight),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentry_probe_latency_seconds",
			Help:    "Round trip time of probe requests through the request path",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 17),
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentry_probe_results_total",
			Help: "Probe results by outcome",
		}, []string{"outcome"}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentry_probe_skipped_total",
			Help: "Probe ticks skipped because too many probes were in flight",
		}),
		log: log.WithField("component", "probe"),
	}
}

func (p *Probe) Register(reg prometheus.Registerer) {
	reg.MustRegister(p.latency, p.outcomes, p.skipped)
}

// Timeout is the hard ceiling applied to every measurement.
func (p *Probe) Timeout() time.Duration {
	return p.timeout
}

// Run launches one measurement per tick until ctx is done. Measurements do
// not wait for each other, so a stalled request path does not slow the
// cadence; at most MaxInFlight measurements run at once. Run returns once
// every measurement it launched has finished.
func (p *Probe) Run(ctx context.Context) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var inFlight sync.WaitGroup
	defer inFlight.Wait()

	p.log.Infof("starting (interval=%s, timeout=%s)", p.interval, p.timeout)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info("stopping")
			return
		case <-ticker.C:
		}

		select {
		case p.slots <- struct{}{}:
			inFlight.Add(1)
			go func() {
				defer inFlight.Done()
				defer func() { <-p.slots }()
				sample, ok := p.measure(ctx)
				if ok {
					p.publish(sample)
				}
			}()
		default:
			p.skipped.Inc()
		}
	}
}

// Measure performs one synchronous measurement and publishes it. Nothing is
// published if ctx ends first.
func (p *Probe) Measure(ctx context.Context) telemetry.LatencySample {
	sample, ok := p.measure(ctx)
	if ok {
		p.publish(sample)
	}
	return sample
}

// measure returns false when ctx ended before the call completed, in which
// case the sample is not meaningful.
func (p *Probe) measure(ctx context.Context) (telemetry.LatencySample, bool) {
	start := p.clock.Now()
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("probe call panicked: %v", r)
			}
		}()
		result <- p.call(callCtx)
	}()

	ceiling := time.NewTimer(p.timeout)
	defer ceiling.Stop()

	select {
	case err := <-result:
		elapsed := p.clock.Now().Sub(start)
		if elapsed < 0 {
			elapsed = 0
		}
		if elapsed > p.timeout {
			elapsed = p.timeout
		}
		if err != nil && ctx.Err() == nil && callCtx.Err() == context.DeadlineExceeded {
			return p.timeoutSample(start), true
		}
		sample := telemetry.LatencySample{
			Timestamp:     start.UTC(),
			LatencyMillis: millis(elapsed),
		}
		if err != nil {
			if ctx.Err() != nil {
				return sample, false
			}
			sample.IsError = true
			sample.ErrorDetail = err.Error()
		}
		return sample, true
	case <-ceiling.C:
		return p.timeoutSample(start), true
	case <-ctx.Done():
		// callCtx is cancelled too; let the call release its resources,
		// but never past the ceiling
		select {
		case <-result:
		case <-ceiling.C:
		}
		return telemetry.LatencySample{Timestamp: start.UTC(), IsError: true, ErrorDetail: ctx.Err().Error()}, false
	}
}

func (p *Probe) timeoutSample(start time.Time) telemetry.LatencySample {
	return telemetry.LatencySample{
		Timestamp:     start.UTC(),
		LatencyMillis: millis(p.timeout),
		IsTimeout:     true,
		ErrorDetail:   fmt.Sprintf("no response within %s", p.timeout),
	}
}

func (p *Probe) publish(s telemetry.LatencySample) {
	switch {
	case s.IsTimeout:
		p.outcomes.WithLabelValues("timeout").Inc()
	case s.IsError:
		p.outcomes.WithLabelValues("error").Inc()
	default:
		p.outcomes.WithLabelValues("ok").Inc()
	}
	p.latency.Observe(s.LatencyMillis / 1000)
	if p.publisher != nil {
		p.publisher.PublishLatency(s)
	}
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// NewHTTPCall returns a Call that GETs url with client. Any non-2xx status
// is reported as an error.
func NewHTTPCall(client *http.Client, url string) Call {
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("probe endpoint returned status %d", resp.StatusCode)
		}
		return nil
	}
}

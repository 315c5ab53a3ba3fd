package sampler

import (
	"context"
	"fmt"
	"math"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"stress-sentry/internal/procstats"
	"stress-sentry/internal/telemetry"
	"stress-sentry/internal/util"
	"stress-sentry/internal/worker"
)

const DefaultInterval = time.Second

type PoolStats interface {
	Stats() worker.Stats
}

type ActiveCounter interface {
	Count() int
}

type Publisher interface {
	PublishMetrics(telemetry.MetricsSnapshot)
}

type Options struct {
	Interval  time.Duration
	Stats     procstats.Reader
	Pool      PoolStats
	Active    ActiveCounter
	Publisher Publisher
	Clock     util.Clock
	// Instance identifies this process lifetime; it changes on restart.
	Instance string
}

// Sampler builds a MetricsSnapshot every interval on a goroutine of its own,
// independent of the worker pool, and keeps the latest one for lock-free reads.
type Sampler struct {
	interval  time.Duration
	stats     procstats.Reader
	pool      PoolStats
	active    ActiveCounter
	publisher Publisher
	clock     util.Clock
	instance  string
	pid       int

	current atomic.Pointer[telemetry.MetricsSnapshot]

	// touched only by the sampling goroutine
	lastCPU     time.Duration
	lastWall    time.Time
	hasBaseline bool

	ticks        prometheus.Counter
	tickDuration prometheus.Histogram
	readFailures *prometheus.CounterVec
	log          *log.Entry
}

func New(opts Options) *Sampler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Clock == nil {
		opts.Clock = &util.DefaultClock{}
	}
	return &Sampler{
		interval:  opts.Interval,
		stats:     opts.Stats,
		pool:      opts.Pool,
		active:    opts.Active,
		publisher: opts.Publisher,
		clock:     opts.Clock,
		instance:  opts.Instance,
		pid:       os.Getpid(),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentry_sampler_ticks_total",
			Help: "Total number of metrics snapshots taken",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentry_sampler_tick_duration_seconds",
			Help:    "Time spent building one metrics snapshot",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
		}),
		readFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentry_sampler_read_failures_total",
			Help: "Counter reads that failed and were replaced by the last known value",
		}, []string{"counter"}),
		log: log.WithField("component", "sampler"),
	}
}

func (s *Sampler) Register(reg prometheus.Registerer) {
	reg.MustRegister(s.ticks, s.tickDuration, s.readFailures)
}

// Run samples until ctx is done. The goroutine is pinned to its own OS
// thread so that nothing queued on the worker pool can delay it.
func (s *Sampler) Run(ctx context.Context) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	s.log.Infof("starting (interval=%s)", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.safeTick()
		select {
		case <-ctx.Done():
			s.log.Info("stopping")
			return
		case <-ticker.C:
		}
	}
}

// Latest returns the current snapshot, or false before the first tick.
func (s *Sampler) Latest() (telemetry.MetricsSnapshot, bool) {
	snap := s.current.Load()
	if snap == nil {
		return telemetry.MetricsSnapshot{}, false
	}
	return *snap, true
}

func (s *Sampler) safeTick() {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("tick panicked: %v", r)
		}
	}()
	s.tick()
}

func (s *Sampler) tick() telemetry.MetricsSnapshot {
	started := time.Now()
	now := s.clock.Now()

	var prev telemetry.MetricsSnapshot
	if p := s.current.Load(); p != nil {
		prev = *p
	}

	snap := telemetry.MetricsSnapshot{
		Timestamp:       now.UTC(),
		ProcessID:       s.pid,
		ProcessInstance: s.instance,
	}

	// 1. CPU
	if cpuTime, err := read(s.stats.CPUTime); err != nil {
		s.readFailed("cpu", err)
		snap.CPUPercent = prev.CPUPercent
	} else {
		if s.hasBaseline {
			snap.CPUPercent = CPUPercent(cpuTime-s.lastCPU, now.Sub(s.lastWall), s.numCPU())
		}
		s.lastCPU = cpuTime
		s.lastWall = now
		s.hasBaseline = true
	}

	// 2. Memory
	if rss, err := read(s.stats.ResidentMemory); err != nil {
		s.readFailed("rss", err)
		snap.WorkingSetBytes = prev.WorkingSetBytes
	} else {
		snap.WorkingSetBytes = rss
	}
	if avail, err := read(s.stats.AvailableMemory); err != nil {
		s.readFailed("available_memory", err)
		snap.TotalAvailableMemoryBytes = prev.TotalAvailableMemoryBytes
	} else {
		snap.TotalAvailableMemoryBytes = avail
	}
	if heap, err := read(infallible(s.stats.Heap)); err != nil {
		s.readFailed("heap", err)
		snap.ManagedHeapBytes = prev.ManagedHeapBytes
		snap.GCCount = prev.GCCount
	} else {
		snap.ManagedHeapBytes = heap.HeapBytes
		snap.GCCount = heap.NumGC
	}

	// 3. Scheduler
	if threads, err := read(s.stats.OSThreads); err != nil {
		s.readFailed("os_threads", err)
		snap.OSThreads = prev.OSThreads
	} else {
		snap.OSThreads = threads
	}
	if n, err := read(infallible(s.stats.Goroutines)); err != nil {
		s.readFailed("goroutines", err)
		snap.Goroutines = prev.Goroutines
	} else {
		snap.Goroutines = n
	}
	if s.pool != nil {
		if ps, err := read(infallible(s.pool.Stats)); err != nil {
			s.readFailed("pool", err)
			snap.SchedulerThreadCount = prev.SchedulerThreadCount
			snap.SchedulerPendingWorkCount = prev.SchedulerPendingWorkCount
			snap.SchedulerAvailableWorkerCount = prev.SchedulerAvailableWorkerCount
			snap.SchedulerMaxWorkerCount = prev.SchedulerMaxWorkerCount
		} else {
			snap.SchedulerThreadCount = ps.Workers
			snap.SchedulerPendingWorkCount = ps.Queued
			snap.SchedulerAvailableWorkerCount = ps.Available
			snap.SchedulerMaxWorkerCount = ps.Workers
		}
	}

	// 4. Simulations
	if s.active != nil {
		if n, err := read(infallible(s.active.Count)); err != nil {
			s.readFailed("active_simulations", err)
			snap.ActiveSimulationCount = prev.ActiveSimulationCount
		} else {
			snap.ActiveSimulationCount = n
		}
	}

	// 5. Publish
	s.current.Store(&snap)
	if s.publisher != nil {
		s.publisher.PublishMetrics(snap)
	}

	s.ticks.Inc()
	s.tickDuration.Observe(time.Since(started).Seconds())
	return snap
}

func (s *Sampler) numCPU() int {
	n, err := read(infallible(s.stats.NumCPU))
	if err != nil {
		return runtime.NumCPU()
	}
	return n
}

// read calls fn and reports a panic as an error, so one broken counter
// costs only its own field.
func read[T any](fn func() (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panicked: %v", r)
		}
	}()
	return fn()
}

func infallible[T any](fn func() T) func() (T, error) {
	return func() (T, error) { return fn(), nil }
}

func (s *Sampler) readFailed(counter string, err error) {
	s.readFailures.WithLabelValues(counter).Inc()
	s.log.Warnf("reading %s failed, keeping last known value: %v", counter, err)
}

// CPUPercent converts a CPU time delta over a wall-clock delta into a
// percentage of total machine capacity, clamped to [0, 100]. Non-positive
// wall time yields 0.
func CPUPercent(cpuDelta, wallDelta time.Duration, cores int) float64 {
	if wallDelta <= 0 || cpuDelta <= 0 || cores < 1 {
		return 0
	}
	pct := 100 * cpuDelta.Seconds() / (wallDelta.Seconds() * float64(cores))
	if math.IsNaN(pct) || math.IsInf(pct, 0) {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

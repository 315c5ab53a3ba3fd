package collector

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"stress-sentry/internal/hub"
	"stress-sentry/internal/telemetry"
)

// TelemetryCollector mirrors the broadcast stream into prometheus so that
// external monitoring sees the same numbers as the dashboard.
type TelemetryCollector struct {
	// Process
	CPUPercent           prometheus.Gauge
	WorkingSetBytes      prometheus.Gauge
	HeapBytes            prometheus.Gauge
	AvailableMemoryBytes prometheus.Gauge
	Goroutines           prometheus.Gauge
	OSThreads            prometheus.Gauge
	ProcessInstance      *prometheus.GaugeVec

	// Worker pool
	PoolWorkers   prometheus.Gauge
	PoolPending   prometheus.Gauge
	PoolAvailable prometheus.Gauge

	// Simulations
	ActiveSimulations    prometheus.Gauge
	SimulationsStarted   *prometheus.CounterVec
	SimulationsCompleted *prometheus.CounterVec

	// Probe
	ProbeLastLatency prometheus.Gauge
	ProbeTimeouts    prometheus.Counter

	instance string
}

func gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
}

func NewTelemetryCollector() *TelemetryCollector {
	return &TelemetryCollector{
		CPUPercent:           gauge("sentry_process_cpu_percent", "Process CPU usage as a percentage of total machine capacity."),
		WorkingSetBytes:      gauge("sentry_process_working_set_bytes", "Resident memory of the process."),
		HeapBytes:            gauge("sentry_process_heap_bytes", "Bytes of allocated heap objects."),
		AvailableMemoryBytes: gauge("sentry_system_available_memory_bytes", "Memory available to the system."),
		Goroutines:           gauge("sentry_process_goroutines", "Number of goroutines."),
		OSThreads:            gauge("sentry_process_os_threads", "Number of OS threads."),
		ProcessInstance: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sentry_process_instance",
				Help: "Always 1, labelled with the id of the current process lifetime.",
			},
			[]string{"instance"},
		),
		PoolWorkers:       gauge("sentry_pool_workers", "Workers in the request pool."),
		PoolPending:       gauge("sentry_pool_pending", "Work waiting for a pool worker."),
		PoolAvailable:     gauge("sentry_pool_available", "Idle pool workers."),
		ActiveSimulations: gauge("sentry_simulations_active", "Simulations currently running."),
		SimulationsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentry_simulations_started_total",
				Help: "Total number of simulations started.",
			},
			[]string{"kind"},
		),
		SimulationsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentry_simulations_completed_total",
				Help: "Total number of simulations completed or cancelled.",
			},
			[]string{"kind"},
		),
		ProbeLastLatency: gauge("sentry_probe_last_latency_milliseconds", "Latency of the most recent probe."),
		ProbeTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentry_probe_timeouts_total",
			Help: "Total number of probes that hit the timeout ceiling.",
		}),
	}
}

func (c *TelemetryCollector) Register(reg prometheus.Registerer) {
	reg.MustRegister(
		c.CPUPercent,
		c.WorkingSetBytes,
		c.HeapBytes,
		c.AvailableMemoryBytes,
		c.Goroutines,
		c.OSThreads,
		c.ProcessInstance,
		c.PoolWorkers,
		c.PoolPending,
		c.PoolAvailable,
		c.ActiveSimulations,
		c.SimulationsStarted,
		c.SimulationsCompleted,
		c.ProbeLastLatency,
		c.ProbeTimeouts,
	)
}

// Run feeds the collector from h until ctx is done.
func (c *TelemetryCollector) Run(ctx context.Context, h *hub.Hub) {
	h.Consume(ctx, c.Process)
}

func (c *TelemetryCollector) Process(m hub.Message) {
	switch m.Type {
	case hub.TypeMetrics:
		if m.Metrics != nil {
			c.processSnapshot(m.Metrics)
		}
	case hub.TypeLatency:
		if m.Latency == nil {
			return
		}
		c.ProbeLastLatency.Set(m.Latency.LatencyMillis)
		if m.Latency.IsTimeout {
			c.ProbeTimeouts.Inc()
		}
	case hub.TypeSimulationStarted:
		if m.Simulation != nil {
			c.SimulationsStarted.WithLabelValues(string(m.Simulation.Kind)).Inc()
		}
	case hub.TypeSimulationCompleted:
		if m.Simulation != nil {
			c.SimulationsCompleted.WithLabelValues(string(m.Simulation.Kind)).Inc()
		}
	}
}

func (c *TelemetryCollector) processSnapshot(s *telemetry.MetricsSnapshot) {
	c.CPUPercent.Set(s.CPUPercent)
	c.WorkingSetBytes.Set(float64(s.WorkingSetBytes))
	c.HeapBytes.Set(float64(s.ManagedHeapBytes))
	c.AvailableMemoryBytes.Set(float64(s.TotalAvailableMemoryBytes))
	c.Goroutines.Set(float64(s.Goroutines))
	c.OSThreads.Set(float64(s.OSThreads))
	c.PoolWorkers.Set(float64(s.SchedulerThreadCount))
	c.PoolPending.Set(float64(s.SchedulerPendingWorkCount))
	c.PoolAvailable.Set(float64(s.SchedulerAvailableWorkerCount))
	c.ActiveSimulations.Set(float64(s.ActiveSimulationCount))

	// a new instance means the process restarted
	if s.ProcessInstance != "" && s.ProcessInstance != c.instance {
		if c.instance != "" {
			c.ProcessInstance.DeleteLabelValues(c.instance)
		}
		c.instance = s.ProcessInstance
		c.ProcessInstance.WithLabelValues(s.ProcessInstance).Set(1)
	}
}

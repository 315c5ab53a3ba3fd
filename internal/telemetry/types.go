package telemetry

import (
	"encoding/json"
	"time"
)

// Kind is the category of a running simulation.
type Kind string

const (
	KindCPU            Kind = "cpu"
	KindMemory         Kind = "memory"
	KindSchedulerBlock Kind = "schedulerBlock"
)

// Kinds lists every known simulation category.
var Kinds = []Kind{KindCPU, KindMemory, KindSchedulerBlock}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

const bytesPerMB = 1024 * 1024

// MetricsSnapshot is an immutable point-in-time view of process health.
// A new value is built every sampler tick; nothing mutates it afterwards.
type MetricsSnapshot struct {
	Timestamp                     time.Time
	CPUPercent                    float64
	WorkingSetBytes               uint64
	ManagedHeapBytes              uint64
	TotalAvailableMemoryBytes     uint64
	SchedulerThreadCount          int
	SchedulerPendingWorkCount     int
	SchedulerAvailableWorkerCount int
	SchedulerMaxWorkerCount       int
	ActiveSimulationCount         int
	ProcessID                     int
	ProcessInstance               string
	Goroutines                    int
	OSThreads                     int
	GCCount                       uint32
}

type snapshotWire struct {
	Timestamp              time.Time `json:"timestamp"`
	CPUPercent             float64   `json:"cpuPercent"`
	WorkingSetMB           float64   `json:"workingSetMb"`
	GCHeapMB               float64   `json:"gcHeapMb"`
	ThreadPoolThreads      int       `json:"threadPoolThreads"`
	ThreadPoolQueueLength  int       `json:"threadPoolQueueLength"`
	ThreadPoolAvailable    int       `json:"threadPoolAvailable"`
	ThreadPoolMax          int       `json:"threadPoolMax"`
	ActiveSimulationCount  int       `json:"activeSimulationCount"`
	TotalAvailableMemoryMB float64   `json:"totalAvailableMemoryMb"`
	ProcessID              int       `json:"processId"`
	ProcessInstance        string    `json:"processInstance"`
	Goroutines             int       `json:"goroutines"`
	OSThreads              int       `json:"osThreads"`
	GCCount                uint32    `json:"gcCount"`
}

// MarshalJSON renders the dashboard wire shape (sizes in MB).
func (s MetricsSnapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(snapshotWire{
		Timestamp:              s.Timestamp,
		CPUPercent:             s.CPUPercent,
		WorkingSetMB:           toMB(s.WorkingSetBytes),
		GCHeapMB:               toMB(s.ManagedHeapBytes),
		ThreadPoolThreads:      s.SchedulerThreadCount,
		ThreadPoolQueueLength:  s.SchedulerPendingWorkCount,
		ThreadPoolAvailable:    s.SchedulerAvailableWorkerCount,
		ThreadPoolMax:          s.SchedulerMaxWorkerCount,
		ActiveSimulationCount:  s.ActiveSimulationCount,
		TotalAvailableMemoryMB: toMB(s.TotalAvailableMemoryBytes),
		ProcessID:              s.ProcessID,
		ProcessInstance:        s.ProcessInstance,
		Goroutines:             s.Goroutines,
		OSThreads:              s.OSThreads,
		GCCount:                s.GCCount,
	})
}

// UnmarshalJSON accepts the wire shape produced by MarshalJSON. MB values are
// converted back to bytes, so sub-byte precision is lost.
func (s *MetricsSnapshot) UnmarshalJSON(data []byte) error {
	var w snapshotWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*s = MetricsSnapshot{
		Timestamp:                     w.Timestamp,
		CPUPercent:                    w.CPUPercent,
		WorkingSetBytes:               fromMB(w.WorkingSetMB),
		ManagedHeapBytes:              fromMB(w.GCHeapMB),
		TotalAvailableMemoryBytes:     fromMB(w.TotalAvailableMemoryMB),
		SchedulerThreadCount:          w.ThreadPoolThreads,
		SchedulerPendingWorkCount:     w.ThreadPoolQueueLength,
		SchedulerAvailableWorkerCount: w.ThreadPoolAvailable,
		SchedulerMaxWorkerCount:       w.ThreadPoolMax,
		ActiveSimulationCount:         w.ActiveSimulationCount,
		ProcessID:                     w.ProcessID,
		ProcessInstance:               w.ProcessInstance,
		Goroutines:                    w.Goroutines,
		OSThreads:                     w.OSThreads,
		GCCount:                       w.GCCount,
	}
	return nil
}

func toMB(b uint64) float64 {
	return float64(b) / bytesPerMB
}

func fromMB(mb float64) uint64 {
	if mb <= 0 {
		return 0
	}
	return uint64(mb * bytesPerMB)
}

// LatencySample is one probe round trip through the request path.
// IsTimeout implies LatencyMillis equals the configured ceiling.
type LatencySample struct {
	Timestamp     time.Time `json:"timestamp"`
	LatencyMillis float64   `json:"latencyMs"`
	IsTimeout     bool      `json:"isTimeout"`
	IsError       bool      `json:"isError"`
	ErrorDetail   string    `json:"errorDetail,omitempty"`
}

// EventType distinguishes simulation lifecycle events.
type EventType string

const (
	EventSimulationStarted   EventType = "simulationStarted"
	EventSimulationCompleted EventType = "simulationCompleted"
)

// SimulationEvent announces a simulation starting or leaving the registry.
type SimulationEvent struct {
	Type      EventType `json:"type"`
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
}

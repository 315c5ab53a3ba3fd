package procstats

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// HeapStats is the Go runtime view of the managed heap.
type HeapStats struct {
	HeapBytes uint64
	NumGC     uint32
}

// Reader exposes the process and OS counters the sampler needs. Every method
// may fail independently; callers substitute last-known values.
type Reader interface {
	CPUTime() (time.Duration, error)
	ResidentMemory() (uint64, error)
	AvailableMemory() (uint64, error)
	OSThreads() (int, error)
	Heap() HeapStats
	Goroutines() int
	NumCPU() int
}

// ProcessReader reads counters for the current process via gopsutil.
type ProcessReader struct {
	proc *process.Process
}

func NewProcessReader() (*ProcessReader, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("open self process: %w", err)
	}
	return &ProcessReader{proc: p}, nil
}

// CPUTime returns cumulative user+system CPU time consumed by the process.
func (r *ProcessReader) CPUTime() (time.Duration, error) {
	times, err := r.proc.Times()
	if err != nil {
		return 0, err
	}
	secs := times.User + times.System
	return time.Duration(secs * float64(time.Second)), nil
}

func (r *ProcessReader) ResidentMemory() (uint64, error) {
	info, err := r.proc.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return info.RSS, nil
}

func (r *ProcessReader) AvailableMemory() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.Available, nil
}

func (r *ProcessReader) OSThreads() (int, error) {
	n, err := r.proc.NumThreads()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (r *ProcessReader) Heap() HeapStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return HeapStats{HeapBytes: ms.HeapAlloc, NumGC: ms.NumGC}
}

func (r *ProcessReader) Goroutines() int {
	return runtime.NumGoroutine()
}

func (r *ProcessReader) NumCPU() int {
	return runtime.NumCPU()
}
